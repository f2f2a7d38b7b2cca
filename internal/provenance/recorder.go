package provenance

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/events/bus"
)

var (
	ErrRecorderAlreadyRunning = errors.New("provenance recorder is already running")
	ErrRecorderNotRunning     = errors.New("provenance recorder is not running")
)

// insertTimeout bounds each audit write. The bus delivers events on
// its own goroutines, so a slow database stalls the recorder's
// subscription, never the scheduler.
const insertTimeout = 5 * time.Second

// Recorder turns execution lifecycle events into audit rows. It is
// fire-and-forget: insert failures are logged and dropped.
type Recorder struct {
	store *Store
	bus   bus.EventBus
	log   *logger.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
	subs      []bus.Subscription
	running   bool
}

// NewRecorder builds a recorder over the given store and bus.
func NewRecorder(store *Store, eventBus bus.EventBus, log *logger.Logger) *Recorder {
	return &Recorder{
		store: store,
		bus:   eventBus,
		log:   log.WithFields(zap.String("component", "provenance-recorder")),
	}
}

// Start subscribes to execution lifecycle subjects.
func (r *Recorder) Start() error {
	if r.running {
		return ErrRecorderAlreadyRunning
	}

	r.runCtx, r.runCancel = context.WithCancel(context.Background())

	started, err := r.bus.Subscribe(bus.SubjectExecutionStarted, r.onStarted)
	if err != nil {
		r.runCancel()
		return err
	}
	completed, err := r.bus.Subscribe(bus.SubjectExecutionCompleted, r.onCompleted)
	if err != nil {
		_ = started.Unsubscribe()
		r.runCancel()
		return err
	}

	r.subs = []bus.Subscription{started, completed}
	r.running = true
	r.log.Info("provenance recorder started")
	return nil
}

// Stop unsubscribes and abandons in-flight inserts.
func (r *Recorder) Stop() error {
	if !r.running {
		return ErrRecorderNotRunning
	}
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	r.runCancel()
	r.running = false
	r.log.Info("provenance recorder stopped")
	return nil
}

func (r *Recorder) onStarted(ctx context.Context, event *bus.Event) error {
	rec := &Record{
		NotebookPath: stringField(event.Data, "notebook_path"),
		ExecID:       stringField(event.Data, "exec_id"),
		KernelID:     stringField(event.Data, "kernel_id"),
		CellIndex:    intField(event.Data, "cell_index", -1),
		Tool:         "execute_cell_async",
		Status:       "running",
		StartedAt:    event.Timestamp,
	}
	if corr := stringField(event.Data, "correlation_id"); corr != "" {
		rec.Metadata = map[string]interface{}{"correlation_id": corr}
	}

	insertCtx, cancel := context.WithTimeout(r.runCtx, insertTimeout)
	defer cancel()
	if err := r.store.Insert(insertCtx, rec); err != nil {
		r.log.Warn("failed to record execution start", zap.Error(err),
			zap.String("exec_id", rec.ExecID))
	}
	return nil
}

func (r *Recorder) onCompleted(ctx context.Context, event *bus.Event) error {
	execID := stringField(event.Data, "exec_id")
	status := stringField(event.Data, "status")
	durationMS := int64Field(event.Data, "duration_ms")
	errText := stringField(event.Data, "error")

	insertCtx, cancel := context.WithTimeout(r.runCtx, insertTimeout)
	defer cancel()

	updated, err := r.store.Finish(insertCtx, execID, status, event.Timestamp, durationMS, errText)
	if err != nil {
		r.log.Warn("failed to record execution completion", zap.Error(err),
			zap.String("exec_id", execID))
		return nil
	}
	if updated > 0 {
		return nil
	}

	// No open row: the start event predates this recorder. Keep the
	// completion anyway so the audit trail stays whole.
	finishedAt := event.Timestamp
	rec := &Record{
		NotebookPath: stringField(event.Data, "notebook_path"),
		ExecID:       execID,
		KernelID:     stringField(event.Data, "kernel_id"),
		CellIndex:    intField(event.Data, "cell_index", -1),
		Tool:         "execute_cell_async",
		Status:       status,
		StartedAt:    event.Timestamp.Add(-time.Duration(durationMS) * time.Millisecond),
		FinishedAt:   &finishedAt,
		DurationMS:   durationMS,
		Error:        errText,
	}
	if err := r.store.Insert(insertCtx, rec); err != nil {
		r.log.Warn("failed to record execution completion", zap.Error(err),
			zap.String("exec_id", execID))
	}
	return nil
}

// stringField reads a string out of event data, tolerating absence.
func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// intField reads an int out of event data. Values arrive as native
// ints from the in-memory bus and as float64 after a NATS JSON
// round-trip.
func intField(data map[string]interface{}, key string, fallback int) int {
	if data == nil {
		return fallback
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func int64Field(data map[string]interface{}, key string) int64 {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
