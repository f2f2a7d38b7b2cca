package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/kernel"
)

// queueItem is one pending entry on the session's FIFO queue. The
// record carries the code and all mutable state; the item only adds
// queue metadata.
type queueItem struct {
	record     *ExecutionRecord
	enqueuedAt time.Time
}

// Session binds one notebook path to its kernel and execution queue.
// The kernel handle has exactly one owner: this session. Bookkeeping
// maps are guarded by mu; the queue channel is written only while mu
// is held so close and send never race.
type Session struct {
	// Path is the resolved absolute notebook path, the lookup key for
	// every operation.
	Path    string
	AgentID string
	Cwd     string

	queue chan *queueItem

	mu     sync.Mutex
	handle *kernel.Handle
	closed bool

	// executions holds records by kernel correlation id once
	// submitted; records that never reached the kernel (failed or
	// cancelled while queued) are kept under their exec id instead.
	executions map[string]*ExecutionRecord

	// queued tracks not-yet-dequeued items by exec id, answering "is
	// it still queued" and serving pre-submission cancellation.
	queued map[string]*queueItem

	executionCounter int
	maxExecutedIndex int
	stopOnError      bool
	executionTimeout time.Duration

	waitingForInput bool
	waitingSince    time.Time
	inputPrompt     string

	kernelBusy bool

	createdAt time.Time
}

// SessionInfo is the list-facing description of a session.
type SessionInfo struct {
	Path             string    `json:"path"`
	KernelUUID       string    `json:"kernel_uuid"`
	Environment      string    `json:"environment,omitempty"`
	Cwd              string    `json:"cwd"`
	AgentID          string    `json:"agent_id,omitempty"`
	QueueDepth       int       `json:"queue_depth"`
	Busy             bool      `json:"busy"`
	MaxExecutedIndex int       `json:"max_executed_index"`
	WaitingForInput  bool      `json:"waiting_for_input"`
	StartedAt        time.Time `json:"started_at"`
}

func newSession(path, cwd, agentID string, handle *kernel.Handle, queueDepth int, timeout time.Duration) *Session {
	return &Session{
		Path:             path,
		AgentID:          agentID,
		Cwd:              cwd,
		handle:           handle,
		queue:            make(chan *queueItem, queueDepth),
		executions:       make(map[string]*ExecutionRecord),
		queued:           make(map[string]*queueItem),
		maxExecutedIndex: -1,
		executionTimeout: timeout,
		createdAt:        time.Now(),
	}
}

// Handle returns the current kernel handle, nil after shutdown.
func (s *Session) Handle() *kernel.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) setHandle(h *kernel.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

// enqueue adds a record to the FIFO queue. ErrQueueFull when the queue
// is at capacity, ErrSessionClosed once the session shut down.
func (s *Session) enqueue(rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	item := &queueItem{record: rec, enqueuedAt: time.Now()}
	select {
	case s.queue <- item:
		s.queued[rec.ID] = item
		return nil
	default:
		return fmt.Errorf("%w: %d executions pending", ErrQueueFull, cap(s.queue))
	}
}

// closeQueue stops the scheduler loop after the in-flight items drain.
// Idempotent.
func (s *Session) closeQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// registerRunning binds a submitted record to its kernel correlation
// id and drops it from the queued map. Caller holds mu (the submit
// callback keeps registration atomic with the kernel write so the IO
// pump never sees an unknown correlation id).
func (s *Session) registerRunningLocked(corrID string, rec *ExecutionRecord) {
	s.executions[corrID] = rec
	delete(s.queued, rec.ID)
	s.executionCounter++
}

// finishWithoutRun moves a record that never reached the kernel out of
// the queued map, keyed by its exec id so status polls still find it.
// No-op for records already registered under a correlation id.
func (s *Session) finishWithoutRun(rec *ExecutionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, rec.ID)
	for _, existing := range s.executions {
		if existing == rec {
			return
		}
	}
	s.executions[rec.ID] = rec
}

// recordByCorrelation resolves an IO pump message to its record.
func (s *Session) recordByCorrelation(corrID string) *ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executions[corrID]
}

// findRecord looks an execution up by its client-facing exec id,
// queued entries first, then submitted records.
func (s *Session) findRecord(execID string) *ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.queued[execID]; ok {
		return item.record
	}
	for _, rec := range s.executions {
		if rec.ID == execID {
			return rec
		}
	}
	return nil
}

// cancelQueued cancels a not-yet-submitted execution. The item stays
// on the channel; the scheduler skips terminal records on dequeue.
func (s *Session) cancelQueued(execID, reason string) (*ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queued[execID]
	if !ok {
		return nil, false
	}
	if err := item.record.cancel(reason); err != nil {
		return nil, false
	}
	delete(s.queued, execID)
	s.executions[execID] = item.record
	return item.record, true
}

// drainQueued cancels everything still waiting in the queue, returning
// the cancelled records so the caller can finalize them.
func (s *Session) drainQueued(reason string) []*ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	drained := make([]*ExecutionRecord, 0, len(s.queued))
	for id, item := range s.queued {
		if err := item.record.cancel(reason); err != nil {
			continue
		}
		delete(s.queued, id)
		s.executions[id] = item.record
		drained = append(drained, item.record)
	}
	return drained
}

// failActive cancels queued records and fails running ones, used when
// the kernel goes away underneath the session.
func (s *Session) failActive(reason string) []*ExecutionRecord {
	affected := s.drainQueued(reason)

	s.mu.Lock()
	records := make([]*ExecutionRecord, 0, len(s.executions))
	for _, rec := range s.executions {
		records = append(records, rec)
	}
	s.mu.Unlock()

	for _, rec := range records {
		if rec.Status() == StatusRunning {
			if err := rec.fail(reason); err == nil {
				affected = append(affected, rec)
			}
		}
	}
	return affected
}

// linearityWarning synthesizes the out-of-order integrity warning for
// a cell index, empty when execution order is linear. Re-running an
// earlier cell is allowed; this only flags the reproducibility risk.
func (s *Session) linearityWarning(cellIndex int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cellIndex < 0 || cellIndex >= s.maxExecutedIndex {
		return ""
	}
	return fmt.Sprintf(
		"Cell %d executed out-of-order; highest executed cell is %d. Kernel state may not match a top-to-bottom run.",
		cellIndex, s.maxExecutedIndex)
}

// advanceMaxExecuted raises the linearity watermark. Called only for
// completed executions; internal executions (index -1) never move it.
func (s *Session) advanceMaxExecuted(cellIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cellIndex >= 0 && cellIndex > s.maxExecutedIndex {
		s.maxExecutedIndex = cellIndex
	}
}

// MaxExecutedIndex returns the linearity watermark, -1 before any cell
// completes.
func (s *Session) MaxExecutedIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxExecutedIndex
}

// SetStopOnError toggles queue draining on execution errors.
func (s *Session) SetStopOnError(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopOnError = on
}

// StopOnError reports the current policy.
func (s *Session) StopOnError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopOnError
}

// timeoutOr returns the session's execution timeout, or def when no
// override is set.
func (s *Session) timeoutOr(def time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executionTimeout > 0 {
		return s.executionTimeout
	}
	return def
}

func (s *Session) setWaitingForInput(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitingForInput = true
	s.waitingSince = time.Now()
	s.inputPrompt = prompt
}

func (s *Session) clearWaitingForInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitingForInput = false
	s.inputPrompt = ""
}

// waitingInput reports whether an input_request is outstanding and
// since when.
func (s *Session) waitingInput() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingForInput, s.waitingSince
}

func (s *Session) setKernelBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kernelBusy = busy
}

// Busy reports whether the kernel is doing or about to do work:
// executing, queued work pending, or a running record outstanding.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kernelBusy || len(s.queued) > 0 {
		return true
	}
	for _, rec := range s.executions {
		if rec.Status() == StatusRunning {
			return true
		}
	}
	return false
}

// QueueDepth returns the number of not-yet-started executions.
func (s *Session) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// Info returns the list-facing snapshot.
func (s *Session) Info() SessionInfo {
	busy := s.Busy()

	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		Path:             s.Path,
		Cwd:              s.Cwd,
		AgentID:          s.AgentID,
		QueueDepth:       len(s.queued),
		Busy:             busy,
		MaxExecutedIndex: s.maxExecutedIndex,
		WaitingForInput:  s.waitingForInput,
		StartedAt:        s.createdAt,
	}
	if s.handle != nil {
		info.KernelUUID = s.handle.UUID
		info.Environment = s.handle.EnvInfo.DisplayName
		if info.Environment == "" {
			info.Environment = string(s.handle.EnvInfo.Type)
		}
	}
	return info
}
