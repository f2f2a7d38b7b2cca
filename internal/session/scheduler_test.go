package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// submitAndRegister emulates the manager's execute callback: mark the
// record running and bind its correlation id, all under the session
// lock.
func submitAndRegister(sess *Session, rec *ExecutionRecord) (string, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := rec.transition(StatusRunning); err != nil {
		return "", err
	}
	corr := "corr-" + rec.ID
	sess.registerRunningLocked(corr, rec)
	return corr, nil
}

func TestScheduler_RunsQueueInOrder(t *testing.T) {
	sess := newTestSession(8)

	var mu sync.Mutex
	var order []string
	var last *ExecutionRecord
	overlapped := false

	execute := func(_ context.Context, s *Session, rec *ExecutionRecord) (string, error) {
		mu.Lock()
		order = append(order, rec.ID)
		if last != nil && !last.Status().Terminal() {
			overlapped = true
		}
		last = rec
		mu.Unlock()

		corr, err := submitAndRegister(s, rec)
		if err != nil {
			return "", err
		}
		go func() {
			time.Sleep(5 * time.Millisecond)
			_ = rec.complete(1)
		}()
		return corr, nil
	}

	sc := NewScheduler(5*time.Second, execute, nil, newTestLogger(t))

	ids := []string{"e0", "e1", "e2", "e3"}
	for i, id := range ids {
		require.NoError(t, sess.enqueue(newExecutionRecord(id, i, "x", 10)))
	}
	sess.closeQueue()
	sc.ProcessQueue(context.Background(), sess)

	assert.Equal(t, ids, order)
	assert.False(t, overlapped, "an execution was submitted before the previous one finished")
	assert.Equal(t, 3, sess.MaxExecutedIndex())
}

func TestScheduler_OutOfOrderWarning(t *testing.T) {
	sess := newTestSession(8)

	execute := func(_ context.Context, s *Session, rec *ExecutionRecord) (string, error) {
		corr, err := submitAndRegister(s, rec)
		if err != nil {
			return "", err
		}
		_ = rec.complete(1)
		return corr, nil
	}
	sc := NewScheduler(5*time.Second, execute, nil, newTestLogger(t))

	first := newExecutionRecord("e0", 0, "x", 10)
	second := newExecutionRecord("e1", 4, "x", 10)
	backwards := newExecutionRecord("e2", 2, "x", 10)
	for _, rec := range []*ExecutionRecord{first, second, backwards} {
		require.NoError(t, sess.enqueue(rec))
	}
	sess.closeQueue()
	sc.ProcessQueue(context.Background(), sess)

	assert.Empty(t, first.Snapshot().TextSummary)
	assert.Empty(t, second.Snapshot().TextSummary)
	assert.Contains(t, backwards.Snapshot().TextSummary, "Cell 2 executed out-of-order")

	// Re-running an earlier cell still executes and still completes.
	assert.Equal(t, StatusCompleted, backwards.Status())
	assert.Equal(t, 4, sess.MaxExecutedIndex())
}

func TestScheduler_TimeoutAbandonsWait(t *testing.T) {
	// Per-session override keeps the test fast.
	sess := newSession("/nb", "/", "", nil, 8, 40*time.Millisecond)

	execute := func(_ context.Context, s *Session, rec *ExecutionRecord) (string, error) {
		corr, err := submitAndRegister(s, rec)
		if err != nil {
			return "", err
		}
		if rec.ID != "slow" {
			_ = rec.complete(1)
		}
		return corr, nil
	}
	sc := NewScheduler(5*time.Second, execute, nil, newTestLogger(t))

	slow := newExecutionRecord("slow", 0, "time.sleep(60)", 10)
	fast := newExecutionRecord("fast", 1, "x", 10)
	require.NoError(t, sess.enqueue(slow))
	require.NoError(t, sess.enqueue(fast))
	sess.closeQueue()
	sc.ProcessQueue(context.Background(), sess)

	assert.Equal(t, StatusTimeout, slow.Status())
	assert.Contains(t, slow.Error(), "timed out")

	// The timeout frees the loop; the next item still runs, and only
	// completed cells move the linearity watermark.
	assert.Equal(t, StatusCompleted, fast.Status())
	assert.Equal(t, 1, sess.MaxExecutedIndex())
}

func TestScheduler_StopOnErrorDrainsQueue(t *testing.T) {
	sess := newTestSession(8)
	sess.SetStopOnError(true)

	var mu sync.Mutex
	submitted := 0
	finalized := map[string]int{}

	execute := func(_ context.Context, s *Session, rec *ExecutionRecord) (string, error) {
		mu.Lock()
		submitted++
		mu.Unlock()
		corr, err := submitAndRegister(s, rec)
		if err != nil {
			return "", err
		}
		_ = rec.fail("ZeroDivisionError: division by zero")
		return corr, nil
	}
	finalize := func(_ *Session, rec *ExecutionRecord) {
		mu.Lock()
		finalized[rec.ID]++
		mu.Unlock()
	}
	sc := NewScheduler(5*time.Second, execute, finalize, newTestLogger(t))

	failing := newExecutionRecord("e0", 0, "1/0", 10)
	q1 := newExecutionRecord("e1", 1, "x", 10)
	q2 := newExecutionRecord("e2", 2, "x", 10)
	for _, rec := range []*ExecutionRecord{failing, q1, q2} {
		require.NoError(t, sess.enqueue(rec))
	}
	sess.closeQueue()
	sc.ProcessQueue(context.Background(), sess)

	assert.Equal(t, 1, submitted, "drained executions must never reach the kernel")
	assert.Equal(t, StatusError, failing.Status())
	for _, rec := range []*ExecutionRecord{q1, q2} {
		assert.Equal(t, StatusCancelled, rec.Status())
		assert.Contains(t, rec.Error(), "earlier execution e0")
		assert.Contains(t, rec.Error(), "status error")
	}

	// Every record finalized exactly once, drained ones included.
	assert.Equal(t, map[string]int{"e0": 1, "e1": 1, "e2": 1}, finalized)
}

func TestScheduler_ErrorWithoutStopOnError(t *testing.T) {
	sess := newTestSession(8)

	execute := func(_ context.Context, s *Session, rec *ExecutionRecord) (string, error) {
		corr, err := submitAndRegister(s, rec)
		if err != nil {
			return "", err
		}
		if rec.ID == "e0" {
			_ = rec.fail("NameError: name 'x' is not defined")
		} else {
			_ = rec.complete(1)
		}
		return corr, nil
	}
	sc := NewScheduler(5*time.Second, execute, nil, newTestLogger(t))

	failing := newExecutionRecord("e0", 0, "x", 10)
	next := newExecutionRecord("e1", 1, "y=1", 10)
	require.NoError(t, sess.enqueue(failing))
	require.NoError(t, sess.enqueue(next))
	sess.closeQueue()
	sc.ProcessQueue(context.Background(), sess)

	assert.Equal(t, StatusError, failing.Status())
	assert.Equal(t, StatusCompleted, next.Status())
}

func TestScheduler_SubmitFailure(t *testing.T) {
	sess := newTestSession(8)

	execute := func(_ context.Context, s *Session, rec *ExecutionRecord) (string, error) {
		if rec.ID == "bad" {
			return "", errors.New("kernel is not running")
		}
		corr, err := submitAndRegister(s, rec)
		if err != nil {
			return "", err
		}
		_ = rec.complete(1)
		return corr, nil
	}
	sc := NewScheduler(5*time.Second, execute, nil, newTestLogger(t))

	bad := newExecutionRecord("bad", 0, "x", 10)
	good := newExecutionRecord("good", 1, "x", 10)
	require.NoError(t, sess.enqueue(bad))
	require.NoError(t, sess.enqueue(good))
	sess.closeQueue()
	sc.ProcessQueue(context.Background(), sess)

	assert.Equal(t, StatusError, bad.Status())
	assert.Contains(t, bad.Error(), "failed to submit execution")

	// Never-submitted records stay pollable under their exec id.
	assert.Same(t, bad, sess.findRecord("bad"))
	assert.Equal(t, StatusCompleted, good.Status())
}

func TestScheduler_SkipsRecordsCancelledWhileQueued(t *testing.T) {
	sess := newTestSession(8)

	var mu sync.Mutex
	var submitted []string
	execute := func(_ context.Context, s *Session, rec *ExecutionRecord) (string, error) {
		mu.Lock()
		submitted = append(submitted, rec.ID)
		mu.Unlock()
		corr, err := submitAndRegister(s, rec)
		if err != nil {
			return "", err
		}
		_ = rec.complete(1)
		return corr, nil
	}
	sc := NewScheduler(5*time.Second, execute, nil, newTestLogger(t))

	doomed := newExecutionRecord("doomed", 0, "x", 10)
	kept := newExecutionRecord("kept", 1, "x", 10)
	require.NoError(t, sess.enqueue(doomed))
	require.NoError(t, sess.enqueue(kept))

	_, ok := sess.cancelQueued("doomed", "cancelled by request")
	require.True(t, ok)

	sess.closeQueue()
	sc.ProcessQueue(context.Background(), sess)

	assert.Equal(t, []string{"kept"}, submitted)
	assert.Equal(t, StatusCancelled, doomed.Status())
	select {
	case <-doomed.Finalized():
	default:
		t.Fatal("skipped record was not finalized")
	}
}

func TestScheduler_PanicContained(t *testing.T) {
	sess := newTestSession(8)

	execute := func(_ context.Context, s *Session, rec *ExecutionRecord) (string, error) {
		if rec.ID == "boom" {
			panic("handler exploded")
		}
		corr, err := submitAndRegister(s, rec)
		if err != nil {
			return "", err
		}
		_ = rec.complete(1)
		return corr, nil
	}
	sc := NewScheduler(5*time.Second, execute, nil, newTestLogger(t))

	exploding := newExecutionRecord("boom", 0, "x", 10)
	after := newExecutionRecord("after", 1, "x", 10)
	require.NoError(t, sess.enqueue(exploding))
	require.NoError(t, sess.enqueue(after))
	sess.closeQueue()
	sc.ProcessQueue(context.Background(), sess)

	assert.Equal(t, StatusError, exploding.Status())
	assert.Contains(t, exploding.Error(), "internal error")
	select {
	case <-exploding.Finalized():
	default:
		t.Fatal("panicked record was not finalized")
	}

	// The loop survives and keeps serving the session.
	assert.Equal(t, StatusCompleted, after.Status())
}

func TestScheduler_ShutdownCancelsInFlight(t *testing.T) {
	sess := newTestSession(8)

	execute := func(_ context.Context, s *Session, rec *ExecutionRecord) (string, error) {
		return submitAndRegister(s, rec) // never completes
	}
	sc := NewScheduler(time.Minute, execute, nil, newTestLogger(t))

	rec := newExecutionRecord("e0", 0, "while True: pass", 10)
	require.NoError(t, sess.enqueue(rec))

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		sc.ProcessQueue(ctx, sess)
		close(loopDone)
	}()

	require.Eventually(t, func() bool {
		return rec.Status() == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-rec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not settle the in-flight execution")
	}
	assert.Equal(t, StatusCancelled, rec.Status())
	assert.Contains(t, rec.Error(), "server shutting down")

	sess.closeQueue()
	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("queue loop did not exit")
	}
}
