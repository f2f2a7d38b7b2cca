// Package notebook reads and writes .ipynb files (nbformat v4). The
// document model covers what the server touches: cell CRUD and output
// write-back after executions. Saves go through a temp file and rename
// so a crash mid-write never leaves a corrupt notebook behind.
package notebook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// SupportedFormat is the only nbformat major version handled.
	SupportedFormat      = 4
	supportedFormatMinor = 5
)

const (
	CellTypeCode     = "code"
	CellTypeMarkdown = "markdown"
	CellTypeRaw      = "raw"
)

const (
	OutputTypeStream        = "stream"
	OutputTypeExecuteResult = "execute_result"
	OutputTypeDisplayData   = "display_data"
	OutputTypeError         = "error"
)

var (
	// ErrCellIndex means the cell index is outside the notebook.
	ErrCellIndex = errors.New("cell index out of range")

	// ErrBadCellType means the cell type is not code, markdown, or raw.
	ErrBadCellType = errors.New("invalid cell type")
)

// Source is cell or output text. The wire format allows both a single
// string and a list of lines; in memory it is always the joined
// string, and it marshals back to the list-of-lines form Jupyter
// writes.
type Source string

func (s *Source) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Source(str)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}
	*s = Source(strings.Join(lines, ""))
	return nil
}

func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(splitLines(string(s)))
}

// splitLines breaks text into the nbformat list-of-lines form: every
// element but possibly the last ends with \n, and empty text becomes
// an empty list.
func splitLines(text string) []string {
	if text == "" {
		return []string{}
	}
	parts := strings.SplitAfter(text, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// Output is one nbformat cell output.
type Output struct {
	Type string `json:"output_type"`

	// Name and Text are set for stream outputs.
	Name string `json:"name,omitempty"`
	Text Source `json:"text,omitempty"`

	// Data and Metadata are set for execute_result and display_data.
	Data     map[string]Source      `json:"data,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`

	ExecutionCount *int `json:"execution_count,omitempty"`
}

// MarshalJSON writes exactly the keys the nbformat schema requires for
// each output type, including required-but-empty data and metadata.
func (o Output) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{"output_type": o.Type}
	switch o.Type {
	case OutputTypeStream:
		m["name"] = o.Name
		m["text"] = o.Text
	case OutputTypeExecuteResult, OutputTypeDisplayData:
		if o.Type == OutputTypeExecuteResult {
			m["execution_count"] = o.ExecutionCount
		}
		data := o.Data
		if data == nil {
			data = map[string]Source{}
		}
		m["data"] = data
		meta := o.Metadata
		if meta == nil {
			meta = map[string]interface{}{}
		}
		m["metadata"] = meta
	case OutputTypeError:
		m["ename"] = o.Ename
		m["evalue"] = o.Evalue
		tb := o.Traceback
		if tb == nil {
			tb = []string{}
		}
		m["traceback"] = tb
	default:
		if o.Name != "" {
			m["name"] = o.Name
		}
		if o.Text != "" {
			m["text"] = o.Text
		}
		if o.Data != nil {
			m["data"] = o.Data
		}
		if o.Metadata != nil {
			m["metadata"] = o.Metadata
		}
	}
	return json.Marshal(m)
}

// Cell is one notebook cell.
type Cell struct {
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"cell_type"`
	Source   Source                 `json:"source"`
	Metadata map[string]interface{} `json:"metadata"`

	// Outputs and ExecutionCount exist only on code cells.
	Outputs        []Output `json:"outputs,omitempty"`
	ExecutionCount *int     `json:"execution_count,omitempty"`
}

// MarshalJSON emits the nbformat shape per cell type: code cells
// always carry outputs and execution_count (null when never run),
// other cells never do.
func (c Cell) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{
		"id":        c.ID,
		"cell_type": c.Type,
		"source":    c.Source,
	}
	meta := c.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	m["metadata"] = meta
	if c.Type == CellTypeCode {
		outs := c.Outputs
		if outs == nil {
			outs = []Output{}
		}
		m["outputs"] = outs
		m["execution_count"] = c.ExecutionCount
	}
	return json.Marshal(m)
}

// Notebook is an nbformat v4 document.
type Notebook struct {
	Cells         []Cell                 `json:"cells"`
	Metadata      map[string]interface{} `json:"metadata"`
	NBFormat      int                    `json:"nbformat"`
	NBFormatMinor int                    `json:"nbformat_minor"`
}

// NewNotebook builds an empty python notebook.
func NewNotebook() *Notebook {
	return &Notebook{
		Cells: []Cell{},
		Metadata: map[string]interface{}{
			"kernelspec": map[string]interface{}{
				"display_name": "Python 3",
				"language":     "python",
				"name":         "python3",
			},
			"language_info": map[string]interface{}{
				"name": "python",
			},
		},
		NBFormat:      SupportedFormat,
		NBFormatMinor: supportedFormatMinor,
	}
}

// Load reads and parses a notebook file.
func Load(path string) (*Notebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notebook: %w", err)
	}
	var nb Notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("parse notebook %s: %w", path, err)
	}
	if nb.NBFormat != SupportedFormat {
		return nil, fmt.Errorf("unsupported nbformat %d in %s (need %d)", nb.NBFormat, path, SupportedFormat)
	}
	if nb.Cells == nil {
		nb.Cells = []Cell{}
	}
	if nb.Metadata == nil {
		nb.Metadata = map[string]interface{}{}
	}
	return &nb, nil
}

// Save writes the notebook atomically: temp file in the same
// directory, then rename. Readers see either the old or the new
// content, never a partial write.
func (nb *Notebook) Save(path string) error {
	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return fmt.Errorf("encode notebook: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nb-*.tmp")
	if err != nil {
		return fmt.Errorf("write notebook: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write notebook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write notebook: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write notebook: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write notebook: %w", err)
	}
	return nil
}

// CellCount returns the number of cells.
func (nb *Notebook) CellCount() int { return len(nb.Cells) }

// CellSource returns the source text of a cell.
func (nb *Notebook) CellSource(index int) (string, error) {
	if index < 0 || index >= len(nb.Cells) {
		return "", fmt.Errorf("%w: %d (notebook has %d cells)", ErrCellIndex, index, len(nb.Cells))
	}
	return string(nb.Cells[index].Source), nil
}

// AddCell inserts a cell at position, or appends when position is -1
// or past the end. Returns the index of the new cell.
func (nb *Notebook) AddCell(cellType, source string, position int) (int, error) {
	switch cellType {
	case CellTypeCode, CellTypeMarkdown, CellTypeRaw:
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadCellType, cellType)
	}

	cell := Cell{
		ID:       newCellID(),
		Type:     cellType,
		Source:   Source(source),
		Metadata: map[string]interface{}{},
	}
	if position < 0 || position >= len(nb.Cells) {
		nb.Cells = append(nb.Cells, cell)
		return len(nb.Cells) - 1, nil
	}
	nb.Cells = append(nb.Cells[:position], append([]Cell{cell}, nb.Cells[position:]...)...)
	return position, nil
}

// EditCell replaces a cell's source. Existing outputs are kept until
// the cell is re-run, matching Jupyter's behavior.
func (nb *Notebook) EditCell(index int, source string) error {
	if index < 0 || index >= len(nb.Cells) {
		return fmt.Errorf("%w: %d (notebook has %d cells)", ErrCellIndex, index, len(nb.Cells))
	}
	nb.Cells[index].Source = Source(source)
	return nil
}

// DeleteCell removes a cell.
func (nb *Notebook) DeleteCell(index int) error {
	if index < 0 || index >= len(nb.Cells) {
		return fmt.Errorf("%w: %d (notebook has %d cells)", ErrCellIndex, index, len(nb.Cells))
	}
	nb.Cells = append(nb.Cells[:index], nb.Cells[index+1:]...)
	return nil
}

// SetOutputs replaces a code cell's outputs and execution count after
// a run. executionCount 0 means unknown and clears the counter.
func (nb *Notebook) SetOutputs(index int, outputs []Output, executionCount int) error {
	if index < 0 || index >= len(nb.Cells) {
		return fmt.Errorf("%w: %d (notebook has %d cells)", ErrCellIndex, index, len(nb.Cells))
	}
	cell := &nb.Cells[index]
	if cell.Type != CellTypeCode {
		return fmt.Errorf("cell %d is %s, only code cells carry outputs", index, cell.Type)
	}
	if outputs == nil {
		outputs = []Output{}
	}
	cell.Outputs = outputs
	if executionCount > 0 {
		n := executionCount
		cell.ExecutionCount = &n
	} else {
		cell.ExecutionCount = nil
	}
	return nil
}

// newCellID returns a short nbformat 4.5 cell id.
func newCellID() string {
	return uuid.New().String()[:8]
}
