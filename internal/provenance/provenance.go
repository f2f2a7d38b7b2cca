// Package provenance keeps the execution audit trail: one row per
// kernel execution and per notebook-mutating tool call, queryable by
// notebook, execution id, tool, or agent. Rows land in SQLite by
// default; PostgreSQL is a drop-in alternative behind the same store.
package provenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/db"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/db/dialect"
)

// Record is one audit row. ExecID ties kernel executions to their
// scheduler records; tool-level rows carry the tool name and leave
// ExecID empty unless the tool started an execution.
type Record struct {
	ID           string                 `json:"id"`
	NotebookPath string                 `json:"notebook_path"`
	ExecID       string                 `json:"exec_id,omitempty"`
	KernelID     string                 `json:"kernel_id,omitempty"`
	CellIndex    int                    `json:"cell_index"`
	Tool         string                 `json:"tool,omitempty"`
	Status       string                 `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
	DurationMS   int64                  `json:"duration_ms"`
	TraceID      string                 `json:"trace_id,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ListFilter narrows List queries. Zero values mean "any". Notebook
// matches with LIKE, so "%analysis%" finds the notebook by fragment.
type ListFilter struct {
	Notebook string
	ExecID   string
	Tool     string
	Status   string
	AgentID  string
	Limit    int
}

// ToolStat aggregates finished rows per tool.
type ToolStat struct {
	Tool      string  `json:"tool"`
	Runs      int     `json:"runs"`
	Errors    int     `json:"errors"`
	AvgMillis float64 `json:"avg_ms"`
}

// DayCount is one day of execution volume.
type DayCount struct {
	Day    string `json:"day"`
	Runs   int    `json:"runs"`
	Errors int    `json:"errors"`
}

const defaultListLimit = 50

// Store persists audit rows through a reader/writer pool. All queries
// are parameterized; filter values never reach the SQL text.
type Store struct {
	pool   *db.Pool
	driver string
	log    *logger.Logger
}

// NewStore builds the store and migrates the schema.
func NewStore(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		driver: pool.Writer().DriverName(),
		log:    log.WithFields(zap.String("component", "provenance")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("provenance schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS provenance (
		id            TEXT PRIMARY KEY,
		notebook_path TEXT NOT NULL,
		exec_id       TEXT NOT NULL DEFAULT '',
		kernel_id     TEXT NOT NULL DEFAULT '',
		cell_index    INTEGER NOT NULL DEFAULT -1,
		tool          TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		started_at    TIMESTAMP NOT NULL,
		finished_at   TIMESTAMP,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		trace_id      TEXT NOT NULL DEFAULT '',
		error         TEXT NOT NULL DEFAULT '',
		metadata      TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_provenance_notebook ON provenance(notebook_path);
	CREATE INDEX IF NOT EXISTS idx_provenance_exec ON provenance(exec_id);
	CREATE INDEX IF NOT EXISTS idx_provenance_started ON provenance(started_at);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Insert writes one row. A missing ID gets a UUID; a zero StartedAt
// gets the current time.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	} else {
		rec.StartedAt = rec.StartedAt.UTC()
	}

	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}
	var finishedAt interface{}
	if rec.FinishedAt != nil {
		finishedAt = rec.FinishedAt.UTC()
	}

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO provenance (id, notebook_path, exec_id, kernel_id, cell_index, tool, status,
			started_at, finished_at, duration_ms, trace_id, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.NotebookPath, rec.ExecID, rec.KernelID, rec.CellIndex, rec.Tool, rec.Status,
		rec.StartedAt, finishedAt, rec.DurationMS, rec.TraceID, rec.Error, string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("insert provenance row: %w", err)
	}
	return nil
}

// Finish closes the open row for an execution. Returns the number of
// rows updated; zero means no open row existed (the start event was
// never recorded) and the caller should insert a standalone row.
func (s *Store) Finish(ctx context.Context, execID, status string, finishedAt time.Time, durationMS int64, errText string) (int64, error) {
	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE provenance
		SET status = ?, finished_at = ?, duration_ms = ?, error = ?
		WHERE exec_id = ? AND finished_at IS NULL`),
		status, finishedAt.UTC(), durationMS, errText, execID,
	)
	if err != nil {
		return 0, fmt.Errorf("finish provenance row: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("finish provenance row: %w", err)
	}
	return rows, nil
}

// Recent returns the newest rows, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Record, error) {
	return s.List(ctx, ListFilter{Limit: limit})
}

// List returns rows matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	query := `
		SELECT id, notebook_path, exec_id, kernel_id, cell_index, tool, status,
			started_at, finished_at, duration_ms, trace_id, error, metadata
		FROM provenance`
	var conds []string
	var args []interface{}

	if filter.Notebook != "" {
		conds = append(conds, "notebook_path "+dialect.Like(s.driver)+" ?")
		args = append(args, filter.Notebook)
	}
	if filter.ExecID != "" {
		conds = append(conds, "exec_id = ?")
		args = append(args, filter.ExecID)
	}
	if filter.Tool != "" {
		conds = append(conds, "tool = ?")
		args = append(args, filter.Tool)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		conds = append(conds, dialect.JSONExtract(s.driver, "metadata", "agent_id")+" = ?")
		args = append(args, filter.AgentID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	r := s.pool.Reader()
	var rows []recordRow
	if err := r.SelectContext(ctx, &rows, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list provenance rows: %w", err)
	}

	records := make([]*Record, len(rows))
	for i := range rows {
		records[i] = rows[i].toRecord()
	}
	return records, nil
}

// ByExecID returns all rows for one execution, oldest first.
func (s *Store) ByExecID(ctx context.Context, execID string) ([]*Record, error) {
	r := s.pool.Reader()
	var rows []recordRow
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT id, notebook_path, exec_id, kernel_id, cell_index, tool, status,
			started_at, finished_at, duration_ms, trace_id, error, metadata
		FROM provenance WHERE exec_id = ? ORDER BY started_at ASC`), execID)
	if err != nil {
		return nil, fmt.Errorf("provenance rows by exec id: %w", err)
	}
	records := make([]*Record, len(rows))
	for i := range rows {
		records[i] = rows[i].toRecord()
	}
	return records, nil
}

// ToolStats aggregates finished rows per tool: run count, error count,
// and average wall time computed from the stored timestamps.
func (s *Store) ToolStats(ctx context.Context) ([]ToolStat, error) {
	query := fmt.Sprintf(`
		SELECT tool,
			COUNT(*) as runs,
			COUNT(CASE WHEN status = 'error' THEN 1 END) as errors,
			COALESCE(AVG(%s), 0) as avg_ms
		FROM provenance
		WHERE finished_at IS NOT NULL AND tool != ''
		GROUP BY tool
		ORDER BY runs DESC`,
		dialect.DurationMs(s.driver, "finished_at", "started_at"),
	)

	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("provenance tool stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []ToolStat
	for rows.Next() {
		var st ToolStat
		if err := rows.Scan(&st.Tool, &st.Runs, &st.Errors, &st.AvgMillis); err != nil {
			return nil, fmt.Errorf("scan tool stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// DailyCounts returns execution volume per day for the last N days,
// oldest day first.
func (s *Store) DailyCounts(ctx context.Context, days int) ([]DayCount, error) {
	if days <= 0 {
		days = 7
	}
	dayExpr := dialect.DateOf(s.driver, "started_at")
	if dialect.IsPostgres(s.driver) {
		// date scans as time.Time under pgx; the text cast keeps the
		// scan target a plain string on both drivers.
		dayExpr += "::text"
	}
	query := fmt.Sprintf(`
		SELECT %s as day,
			COUNT(*) as runs,
			COUNT(CASE WHEN status = 'error' THEN 1 END) as errors
		FROM provenance
		WHERE %s >= %s
		GROUP BY day
		ORDER BY day ASC`,
		dayExpr,
		dialect.DateOf(s.driver, "started_at"),
		dialect.DateNowMinusDays(s.driver, "?"),
	)

	r := s.pool.Reader()
	rows, err := r.QueryContext(ctx, r.Rebind(query), days)
	if err != nil {
		return nil, fmt.Errorf("provenance daily counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Runs, &dc.Errors); err != nil {
			return nil, fmt.Errorf("scan daily counts: %w", err)
		}
		counts = append(counts, dc)
	}
	return counts, rows.Err()
}

// Purge deletes rows older than the retention window. Returns the
// number of rows removed. retentionDays <= 0 is a no-op.
func (s *Store) Purge(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	query := "DELETE FROM provenance WHERE started_at < " + dialect.DateNowMinusDays(s.driver, "?")

	w := s.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(query), retentionDays)
	if err != nil {
		return 0, fmt.Errorf("purge provenance rows: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge provenance rows: %w", err)
	}
	if removed > 0 {
		s.log.Info("purged provenance rows",
			zap.Int64("removed", removed),
			zap.Int("retention_days", retentionDays))
	}
	return removed, nil
}

// recordRow is the DB scan target for provenance queries.
type recordRow struct {
	ID           string       `db:"id"`
	NotebookPath string       `db:"notebook_path"`
	ExecID       string       `db:"exec_id"`
	KernelID     string       `db:"kernel_id"`
	CellIndex    int          `db:"cell_index"`
	Tool         string       `db:"tool"`
	Status       string       `db:"status"`
	StartedAt    time.Time    `db:"started_at"`
	FinishedAt   sql.NullTime `db:"finished_at"`
	DurationMS   int64        `db:"duration_ms"`
	TraceID      string       `db:"trace_id"`
	Error        string       `db:"error"`
	Metadata     string       `db:"metadata"`
}

func (r *recordRow) toRecord() *Record {
	rec := &Record{
		ID:           r.ID,
		NotebookPath: r.NotebookPath,
		ExecID:       r.ExecID,
		KernelID:     r.KernelID,
		CellIndex:    r.CellIndex,
		Tool:         r.Tool,
		Status:       r.Status,
		StartedAt:    r.StartedAt,
		DurationMS:   r.DurationMS,
		TraceID:      r.TraceID,
		Error:        r.Error,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		rec.FinishedAt = &t
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		_ = json.Unmarshal([]byte(r.Metadata), &rec.Metadata)
	}
	return rec
}
