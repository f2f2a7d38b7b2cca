// Package session schedules cell executions against notebook kernels.
// Each notebook gets one Session with a FIFO queue and two goroutines:
// a scheduler loop that submits one execution at a time, and an IO pump
// that routes kernel messages into execution records. The Manager is
// the facade tool handlers call.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNoSession means no kernel session exists for the notebook.
	// Distinct from ErrQueueFull so callers can tell "start a kernel
	// first" from "back off and retry".
	ErrNoSession = errors.New("no active session for notebook")

	// ErrQueueFull is the backpressure signal for a session whose
	// pending queue is at capacity. Retry after a delay.
	ErrQueueFull = errors.New("execution queue is full")

	// ErrExecutionNotFound means the exec id matches nothing in the
	// session.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrSessionClosed means the session is shutting down and accepts
	// no new work.
	ErrSessionClosed = errors.New("session is shutting down")
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// A queued record may be cancelled before submission or marked error
// when submission itself fails; timeout and completed require running.
var validTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusError, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusError, StatusCancelled, StatusTimeout},
}

// Output is one captured kernel message, ordered as it arrived.
type Output struct {
	// Type is stream, error, execute_result, display_data, or
	// input_request.
	Type string `json:"type"`

	// Name is the stream name (stdout or stderr) for stream outputs;
	// Text the payload. Text also carries the prompt of input_request
	// outputs.
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`

	// Data holds rich output keyed by MIME type.
	Data map[string]string `json:"data,omitempty"`

	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`

	ExecutionCount int `json:"execution_count,omitempty"`
}

// ExecutionStatus is the poll-facing snapshot of a record. Reads never
// block; the snapshot is taken under the record lock.
type ExecutionStatus struct {
	ExecID       string     `json:"exec_id"`
	Status       Status     `json:"status"`
	CellIndex    int        `json:"cell_index"`
	Outputs      []Output   `json:"outputs"`
	Error        string     `json:"error,omitempty"`
	TextSummary  string     `json:"text_summary,omitempty"`
	QueuedAt     time.Time  `json:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// ExecutionRecord tracks one "run this code" request from enqueue to a
// terminal state. ID, CellIndex, and Code are immutable after
// creation; everything else is guarded by the record mutex.
type ExecutionRecord struct {
	ID        string
	CellIndex int
	Code      string

	maxOutputs int

	mu             sync.Mutex
	status         Status
	outputs        []Output
	truncated      bool
	errText        string
	textSummary    string
	executionCount int
	queuedAt       time.Time
	startedAt      time.Time
	lastActivity   time.Time

	// done closes exactly once when the status turns terminal;
	// finalized exactly once after write-back and provenance.
	done      chan struct{}
	finalized chan struct{}
	finalOnce sync.Once
}

func newExecutionRecord(id string, cellIndex int, code string, maxOutputs int) *ExecutionRecord {
	return &ExecutionRecord{
		ID:         id,
		CellIndex:  cellIndex,
		Code:       code,
		maxOutputs: maxOutputs,
		status:     StatusQueued,
		queuedAt:   time.Now(),
		done:       make(chan struct{}),
		finalized:  make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (r *ExecutionRecord) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed when the record reaches a terminal state.
func (r *ExecutionRecord) Done() <-chan struct{} { return r.done }

// Finalized is closed once durable effects (notebook write-back,
// provenance) have run.
func (r *ExecutionRecord) Finalized() <-chan struct{} { return r.finalized }

// transition moves the record to a new state, rejecting anything the
// state machine does not allow. Terminal states close done once.
func (r *ExecutionRecord) transition(to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

func (r *ExecutionRecord) transitionLocked(to Status) error {
	allowed := false
	for _, next := range validTransitions[r.status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid status transition %s -> %s for execution %s", r.status, to, r.ID)
	}

	now := time.Now()
	r.status = to
	r.lastActivity = now
	if to == StatusRunning {
		r.startedAt = now
	}
	if to.Terminal() {
		close(r.done)
	}
	return nil
}

// complete marks the record successfully finished.
func (r *ExecutionRecord) complete(executionCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	if executionCount > 0 {
		r.executionCount = executionCount
	}
	return nil
}

// fail marks the record errored with a human-readable reason.
func (r *ExecutionRecord) fail(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StatusError); err != nil {
		return err
	}
	r.errText = reason
	return nil
}

// cancel marks the record cancelled with a reason.
func (r *ExecutionRecord) cancel(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StatusCancelled); err != nil {
		return err
	}
	r.errText = reason
	return nil
}

// markTimeout marks the record timed out. The kernel may still be
// running the code; the message says so.
func (r *ExecutionRecord) markTimeout(after time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StatusTimeout); err != nil {
		return err
	}
	r.errText = fmt.Sprintf(
		"execution timed out after %.0fs; the kernel may still be running the code, interrupt to stop it",
		after.Seconds())
	return nil
}

// appendOutput records one kernel message, bounded by maxOutputs. The
// first overflowing message is replaced by a single truncation marker;
// later ones are dropped.
func (r *ExecutionRecord) appendOutput(out Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()

	if r.maxOutputs > 0 && len(r.outputs) >= r.maxOutputs {
		if !r.truncated {
			r.truncated = true
			r.outputs = append(r.outputs, Output{
				Type: "stream",
				Name: "stderr",
				Text: fmt.Sprintf("[output truncated after %d messages]\n", r.maxOutputs),
			})
		}
		return
	}
	r.outputs = append(r.outputs, out)
}

// touch refreshes the liveness timestamp.
func (r *ExecutionRecord) touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()
}

func (r *ExecutionRecord) setTextSummary(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.textSummary = s
}

func (r *ExecutionRecord) setExecutionCount(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > 0 {
		r.executionCount = n
	}
}

// ExecutionCount returns the kernel-side counter, 0 if unknown.
func (r *ExecutionRecord) ExecutionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executionCount
}

// Outputs returns a copy of the captured outputs.
func (r *ExecutionRecord) Outputs() []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Output(nil), r.outputs...)
}

// Error returns the terminal error text, empty for completed records.
func (r *ExecutionRecord) Error() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errText
}

// finalize runs fn exactly once across all callers, then closes the
// finalized channel.
func (r *ExecutionRecord) finalize(fn func()) {
	r.finalOnce.Do(func() {
		if fn != nil {
			fn()
		}
		close(r.finalized)
	})
}

// Snapshot returns the poll-facing view of the record.
func (r *ExecutionRecord) Snapshot() ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := ExecutionStatus{
		ExecID:      r.ID,
		Status:      r.status,
		CellIndex:   r.CellIndex,
		Outputs:     append([]Output(nil), r.outputs...),
		Error:       r.errText,
		TextSummary: r.textSummary,
		QueuedAt:    r.queuedAt,
	}
	if !r.startedAt.IsZero() {
		t := r.startedAt
		st.StartedAt = &t
	}
	if !r.lastActivity.IsZero() {
		t := r.lastActivity
		st.LastActivity = &t
	}
	return st
}

// Duration returns wall time from start to last activity, 0 if the
// record never ran.
func (r *ExecutionRecord) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() {
		return 0
	}
	return r.lastActivity.Sub(r.startedAt)
}
