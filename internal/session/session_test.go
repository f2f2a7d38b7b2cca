package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(queueDepth int) *Session {
	return newSession("/home/u/nb.ipynb", "/home/u", "", nil, queueDepth, 0)
}

func TestSession_EnqueueBackpressure(t *testing.T) {
	sess := newTestSession(2)

	require.NoError(t, sess.enqueue(newExecutionRecord("e1", 0, "x", 10)))
	require.NoError(t, sess.enqueue(newExecutionRecord("e2", 1, "x", 10)))
	assert.Equal(t, 2, sess.QueueDepth())

	err := sess.enqueue(newExecutionRecord("e3", 2, "x", 10))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Contains(t, err.Error(), "2 executions pending")
}

func TestSession_EnqueueAfterClose(t *testing.T) {
	sess := newTestSession(4)
	sess.closeQueue()
	sess.closeQueue() // idempotent

	err := sess.enqueue(newExecutionRecord("e1", 0, "x", 10))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_FindRecord(t *testing.T) {
	sess := newTestSession(4)
	rec := newExecutionRecord("e1", 0, "x", 10)
	require.NoError(t, sess.enqueue(rec))

	// Queued records are found by exec id.
	assert.Same(t, rec, sess.findRecord("e1"))
	assert.Nil(t, sess.findRecord("nope"))

	// Submitted records are keyed by correlation id but still found
	// by exec id.
	sess.mu.Lock()
	sess.registerRunningLocked("corr-1", rec)
	sess.mu.Unlock()

	assert.Same(t, rec, sess.findRecord("e1"))
	assert.Same(t, rec, sess.recordByCorrelation("corr-1"))
	assert.Nil(t, sess.recordByCorrelation("e1"))
}

func TestSession_CancelQueued(t *testing.T) {
	sess := newTestSession(4)
	rec := newExecutionRecord("e1", 0, "x", 10)
	require.NoError(t, sess.enqueue(rec))

	got, ok := sess.cancelQueued("e1", "cancelled by request")
	require.True(t, ok)
	assert.Same(t, rec, got)
	assert.Equal(t, StatusCancelled, rec.Status())
	assert.Equal(t, "cancelled by request", rec.Error())
	assert.Equal(t, 0, sess.QueueDepth())

	// Still findable for status polling after the cancel.
	assert.Same(t, rec, sess.findRecord("e1"))

	_, ok = sess.cancelQueued("e1", "again")
	assert.False(t, ok)
	_, ok = sess.cancelQueued("unknown", "x")
	assert.False(t, ok)
}

func TestSession_DrainQueued(t *testing.T) {
	sess := newTestSession(8)
	for i := 0; i < 3; i++ {
		require.NoError(t, sess.enqueue(newExecutionRecord(fmt.Sprintf("e%d", i), i, "x", 10)))
	}

	drained := sess.drainQueued("stop requested")
	require.Len(t, drained, 3)
	assert.Equal(t, 0, sess.QueueDepth())
	for _, rec := range drained {
		assert.Equal(t, StatusCancelled, rec.Status())
		assert.Equal(t, "stop requested", rec.Error())
	}

	// Drained records remain pollable.
	assert.NotNil(t, sess.findRecord("e0"))
	assert.Empty(t, sess.drainQueued("again"))
}

func TestSession_FailActive(t *testing.T) {
	sess := newTestSession(8)

	running := newExecutionRecord("run", 0, "x", 10)
	require.NoError(t, running.transition(StatusRunning))
	sess.mu.Lock()
	sess.registerRunningLocked("corr-run", running)
	sess.mu.Unlock()

	queued := newExecutionRecord("wait", 1, "x", 10)
	require.NoError(t, sess.enqueue(queued))

	done := newExecutionRecord("done", 2, "x", 10)
	require.NoError(t, done.transition(StatusRunning))
	require.NoError(t, done.complete(1))
	sess.mu.Lock()
	sess.registerRunningLocked("corr-done", done)
	sess.mu.Unlock()

	affected := sess.failActive("kernel process exited unexpectedly")
	require.Len(t, affected, 2)

	assert.Equal(t, StatusError, running.Status())
	assert.Equal(t, StatusCancelled, queued.Status())
	assert.Equal(t, StatusCompleted, done.Status())
}

func TestSession_LinearityWarning(t *testing.T) {
	sess := newTestSession(4)

	// Nothing executed yet: no warning for any index.
	assert.Empty(t, sess.linearityWarning(0))
	assert.Empty(t, sess.linearityWarning(10))

	sess.advanceMaxExecuted(5)

	warning := sess.linearityWarning(3)
	assert.Contains(t, warning, "Cell 3 executed out-of-order")
	assert.Contains(t, warning, "highest executed cell is 5")

	// Re-running the highest cell or moving forward is linear.
	assert.Empty(t, sess.linearityWarning(5))
	assert.Empty(t, sess.linearityWarning(6))

	// Internal executions carry no cell index and never warn.
	assert.Empty(t, sess.linearityWarning(-1))
}

func TestSession_AdvanceMaxExecuted(t *testing.T) {
	sess := newTestSession(4)
	assert.Equal(t, -1, sess.MaxExecutedIndex())

	sess.advanceMaxExecuted(2)
	assert.Equal(t, 2, sess.MaxExecutedIndex())

	// Monotonic: running an earlier cell never lowers the watermark.
	sess.advanceMaxExecuted(1)
	assert.Equal(t, 2, sess.MaxExecutedIndex())

	sess.advanceMaxExecuted(-1)
	assert.Equal(t, 2, sess.MaxExecutedIndex())

	sess.advanceMaxExecuted(7)
	assert.Equal(t, 7, sess.MaxExecutedIndex())
}

func TestSession_Busy(t *testing.T) {
	sess := newTestSession(4)
	assert.False(t, sess.Busy())

	rec := newExecutionRecord("e1", 0, "x", 10)
	require.NoError(t, sess.enqueue(rec))
	assert.True(t, sess.Busy())

	sess.mu.Lock()
	sess.registerRunningLocked("corr-1", rec)
	sess.mu.Unlock()
	require.NoError(t, rec.transition(StatusRunning))
	assert.True(t, sess.Busy())

	require.NoError(t, rec.complete(1))
	assert.False(t, sess.Busy())

	sess.setKernelBusy(true)
	assert.True(t, sess.Busy())
	sess.setKernelBusy(false)
	assert.False(t, sess.Busy())
}

func TestSession_TimeoutOverride(t *testing.T) {
	def := 30 * time.Second

	sess := newTestSession(4)
	assert.Equal(t, def, sess.timeoutOr(def))

	custom := newSession("/nb", "/", "", nil, 4, 90*time.Second)
	assert.Equal(t, 90*time.Second, custom.timeoutOr(def))
}

func TestSession_WaitingForInput(t *testing.T) {
	sess := newTestSession(4)
	waiting, _ := sess.waitingInput()
	assert.False(t, waiting)

	sess.setWaitingForInput("name: ")
	waiting, since := sess.waitingInput()
	assert.True(t, waiting)
	assert.False(t, since.IsZero())

	sess.clearWaitingForInput()
	waiting, _ = sess.waitingInput()
	assert.False(t, waiting)
}

func TestSession_Info(t *testing.T) {
	sess := newSession("/home/u/nb.ipynb", "/home/u/.mcp-agents/a1", "a1", nil, 4, 0)
	require.NoError(t, sess.enqueue(newExecutionRecord("e1", 0, "x", 10)))
	sess.advanceMaxExecuted(3)
	sess.setWaitingForInput("? ")

	info := sess.Info()
	assert.Equal(t, "/home/u/nb.ipynb", info.Path)
	assert.Equal(t, "/home/u/.mcp-agents/a1", info.Cwd)
	assert.Equal(t, "a1", info.AgentID)
	assert.Equal(t, 1, info.QueueDepth)
	assert.True(t, info.Busy)
	assert.Equal(t, 3, info.MaxExecutedIndex)
	assert.True(t, info.WaitingForInput)
	assert.Empty(t, info.KernelUUID)
	assert.False(t, info.StartedAt.IsZero())
}

func TestRegistry_AddGetRemove(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, 0, reg.Len())

	a := newSession("/b.ipynb", "/", "", nil, 4, 0)
	b := newSession("/a.ipynb", "/", "", nil, 4, 0)
	require.NoError(t, reg.Add(a))
	require.NoError(t, reg.Add(b))
	assert.ErrorIs(t, reg.Add(a), ErrSessionExists)

	got, ok := reg.Get("/b.ipynb")
	require.True(t, ok)
	assert.Same(t, a, got)

	// List is sorted by path for stable output.
	paths := []string{}
	for _, s := range reg.List() {
		paths = append(paths, s.Path)
	}
	assert.Equal(t, []string{"/a.ipynb", "/b.ipynb"}, paths)

	removed, ok := reg.Remove("/b.ipynb")
	require.True(t, ok)
	assert.Same(t, a, removed)
	_, ok = reg.Remove("/b.ipynb")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}
