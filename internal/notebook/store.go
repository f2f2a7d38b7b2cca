package notebook

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/session"
)

// Store serializes notebook file access. Concurrent tool calls and the
// scheduler's output write-back can target the same .ipynb; the store
// runs every read-modify-write under a per-path lock so edits never
// clobber each other.
type Store struct {
	log *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore builds a notebook store.
func NewStore(log *logger.Logger) *Store {
	return &Store{
		log:   log.WithFields(zap.String("component", "notebook-store")),
		locks: make(map[string]*sync.Mutex),
	}
}

// pathLock returns the mutex for one notebook path, creating it on
// first use. Paths are expected to be pre-resolved by the caller, so
// two spellings of the same file would get distinct locks.
func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// withNotebook loads a notebook, applies fn, and saves it if fn
// reports a change, all under the path lock.
func (s *Store) withNotebook(path string, fn func(nb *Notebook) (changed bool, err error)) error {
	l := s.pathLock(path)
	l.Lock()
	defer l.Unlock()

	nb, err := Load(path)
	if err != nil {
		return err
	}
	changed, err := fn(nb)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return nb.Save(path)
}

// CreateNotebook writes a fresh empty notebook. Fails if the file
// already exists so a typo in the path cannot wipe real work.
func (s *Store) CreateNotebook(path string) error {
	l := s.pathLock(path)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("notebook already exists: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("check notebook path: %w", err)
	}
	nb := NewNotebook()
	if err := nb.Save(path); err != nil {
		return err
	}
	s.log.Info("created notebook", zap.String("path", path))
	return nil
}

// AddCell inserts a cell and returns its index. position -1 appends.
func (s *Store) AddCell(path, cellType, source string, position int) (int, error) {
	index := -1
	err := s.withNotebook(path, func(nb *Notebook) (bool, error) {
		var err error
		index, err = nb.AddCell(cellType, source, position)
		if err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// EditCell replaces a cell's source.
func (s *Store) EditCell(path string, index int, source string) error {
	return s.withNotebook(path, func(nb *Notebook) (bool, error) {
		if err := nb.EditCell(index, source); err != nil {
			return false, err
		}
		return true, nil
	})
}

// DeleteCell removes a cell.
func (s *Store) DeleteCell(path string, index int) error {
	return s.withNotebook(path, func(nb *Notebook) (bool, error) {
		if err := nb.DeleteCell(index); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ReadNotebook returns a loaded notebook. The returned document is a
// private copy; mutating it does not touch the file.
func (s *Store) ReadNotebook(path string) (*Notebook, error) {
	l := s.pathLock(path)
	l.Lock()
	defer l.Unlock()
	return Load(path)
}

// CellSource returns one cell's source text.
func (s *Store) CellSource(path string, index int) (string, error) {
	nb, err := s.ReadNotebook(path)
	if err != nil {
		return "", err
	}
	return nb.CellSource(index)
}

// WriteOutputs persists execution outputs back into a cell. Called by
// the session manager after each notebook-cell execution finishes.
func (s *Store) WriteOutputs(path string, cellIndex int, outputs []session.Output, executionCount int) error {
	err := s.withNotebook(path, func(nb *Notebook) (bool, error) {
		if err := nb.SetOutputs(cellIndex, convertOutputs(outputs), executionCount); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("write outputs to %s cell %d: %w", path, cellIndex, err)
	}
	s.log.Debug("wrote cell outputs",
		zap.String("path", path),
		zap.Int("cell_index", cellIndex),
		zap.Int("outputs", len(outputs)))
	return nil
}

// convertOutputs maps captured kernel messages to nbformat outputs.
// input_request entries are interaction markers, not results, and are
// dropped.
func convertOutputs(outputs []session.Output) []Output {
	converted := make([]Output, 0, len(outputs))
	for _, o := range outputs {
		switch o.Type {
		case "stream":
			name := o.Name
			if name == "" {
				name = "stdout"
			}
			converted = append(converted, Output{
				Type: OutputTypeStream,
				Name: name,
				Text: Source(o.Text),
			})
		case "execute_result":
			var count *int
			if o.ExecutionCount > 0 {
				n := o.ExecutionCount
				count = &n
			}
			converted = append(converted, Output{
				Type:           OutputTypeExecuteResult,
				Data:           convertData(o.Data),
				ExecutionCount: count,
			})
		case "display_data":
			converted = append(converted, Output{
				Type: OutputTypeDisplayData,
				Data: convertData(o.Data),
			})
		case "error":
			converted = append(converted, Output{
				Type:      OutputTypeError,
				Ename:     o.Ename,
				Evalue:    o.Evalue,
				Traceback: o.Traceback,
			})
		}
	}
	return converted
}

func convertData(data map[string]string) map[string]Source {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]Source, len(data))
	for mime, v := range data {
		out[mime] = Source(v)
	}
	return out
}
