package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusTimeout.Terminal())
}

func TestExecutionRecord_HappyPathTransitions(t *testing.T) {
	rec := newExecutionRecord("e1", 0, "print(1)", 100)
	assert.Equal(t, StatusQueued, rec.Status())

	require.NoError(t, rec.transition(StatusRunning))
	assert.Equal(t, StatusRunning, rec.Status())

	select {
	case <-rec.Done():
		t.Fatal("done closed before a terminal state")
	default:
	}

	require.NoError(t, rec.complete(3))
	assert.Equal(t, StatusCompleted, rec.Status())
	assert.Equal(t, 3, rec.ExecutionCount())

	select {
	case <-rec.Done():
	default:
		t.Fatal("done not closed after completion")
	}
}

func TestExecutionRecord_InvalidTransitions(t *testing.T) {
	// Completed and timeout both require a running record first.
	rec := newExecutionRecord("e1", 0, "x", 100)
	assert.Error(t, rec.complete(1))
	assert.Error(t, rec.markTimeout(time.Second))
	assert.Equal(t, StatusQueued, rec.Status())

	// Terminal records reject every further transition.
	require.NoError(t, rec.cancel("gone"))
	assert.Error(t, rec.transition(StatusRunning))
	assert.Error(t, rec.fail("late"))
	assert.Error(t, rec.cancel("again"))
	assert.Equal(t, StatusCancelled, rec.Status())
	assert.Equal(t, "gone", rec.Error())
}

func TestExecutionRecord_QueuedCanFailOrCancel(t *testing.T) {
	rec := newExecutionRecord("e1", 0, "x", 100)
	require.NoError(t, rec.fail("submit failed"))
	assert.Equal(t, StatusError, rec.Status())

	rec = newExecutionRecord("e2", 0, "x", 100)
	require.NoError(t, rec.cancel("cancelled while queued"))
	assert.Equal(t, StatusCancelled, rec.Status())
}

func TestExecutionRecord_TimeoutMessage(t *testing.T) {
	rec := newExecutionRecord("e1", 0, "x", 100)
	require.NoError(t, rec.transition(StatusRunning))
	require.NoError(t, rec.markTimeout(30*time.Second))

	assert.Equal(t, StatusTimeout, rec.Status())
	assert.Contains(t, rec.Error(), "timed out after 30s")
	assert.Contains(t, rec.Error(), "kernel may still be running")
}

func TestExecutionRecord_OutputsBounded(t *testing.T) {
	rec := newExecutionRecord("e1", 0, "x", 3)
	for i := 0; i < 10; i++ {
		rec.appendOutput(Output{Type: "stream", Name: "stdout", Text: "line\n"})
	}

	outs := rec.Outputs()
	require.Len(t, outs, 4)
	last := outs[3]
	assert.Equal(t, "stderr", last.Name)
	assert.Contains(t, last.Text, "truncated after 3 messages")

	// Only one marker regardless of how much more arrives.
	rec.appendOutput(Output{Type: "stream", Text: "more"})
	assert.Len(t, rec.Outputs(), 4)
}

func TestExecutionRecord_OutputsUnboundedWhenZero(t *testing.T) {
	rec := newExecutionRecord("e1", 0, "x", 0)
	for i := 0; i < 50; i++ {
		rec.appendOutput(Output{Type: "stream", Text: "line"})
	}
	assert.Len(t, rec.Outputs(), 50)
}

func TestExecutionRecord_OutputsReturnsCopy(t *testing.T) {
	rec := newExecutionRecord("e1", 0, "x", 10)
	rec.appendOutput(Output{Type: "stream", Text: "original"})

	outs := rec.Outputs()
	outs[0].Text = "mutated"
	assert.Equal(t, "original", rec.Outputs()[0].Text)
}

func TestExecutionRecord_Snapshot(t *testing.T) {
	rec := newExecutionRecord("e1", 4, "print(1)", 10)
	snap := rec.Snapshot()
	assert.Equal(t, "e1", snap.ExecID)
	assert.Equal(t, StatusQueued, snap.Status)
	assert.Equal(t, 4, snap.CellIndex)
	assert.Nil(t, snap.StartedAt)
	assert.False(t, snap.QueuedAt.IsZero())

	require.NoError(t, rec.transition(StatusRunning))
	rec.appendOutput(Output{Type: "stream", Name: "stdout", Text: "hi\n"})
	rec.setTextSummary("summary")
	require.NoError(t, rec.complete(7))

	snap = rec.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.LastActivity)
	assert.Equal(t, "summary", snap.TextSummary)
	require.Len(t, snap.Outputs, 1)
	assert.Equal(t, "hi\n", snap.Outputs[0].Text)
}

func TestExecutionRecord_FinalizeRunsOnce(t *testing.T) {
	rec := newExecutionRecord("e1", 0, "x", 10)

	var mu sync.Mutex
	calls := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.finalize(func() {
				mu.Lock()
				calls++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
	select {
	case <-rec.Finalized():
	default:
		t.Fatal("finalized not closed")
	}

	// Later calls are no-ops.
	rec.finalize(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	assert.Equal(t, 1, calls)
}

func TestExecutionRecord_ExecutionCountKeepsKnownValue(t *testing.T) {
	rec := newExecutionRecord("e1", 0, "x", 10)
	rec.setExecutionCount(5)
	require.NoError(t, rec.transition(StatusRunning))

	// A reply without a counter must not erase the one the
	// execute_result already carried.
	require.NoError(t, rec.complete(0))
	assert.Equal(t, 5, rec.ExecutionCount())
}

func TestExecutionRecord_Duration(t *testing.T) {
	rec := newExecutionRecord("e1", 0, "x", 10)
	assert.Equal(t, time.Duration(0), rec.Duration())

	require.NoError(t, rec.transition(StatusRunning))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, rec.complete(1))
	assert.Greater(t, rec.Duration(), time.Duration(0))
}

func TestExecutionRecord_TruncationMarkerMentionsLimit(t *testing.T) {
	rec := newExecutionRecord("e1", 0, "x", 2)
	for i := 0; i < 5; i++ {
		rec.appendOutput(Output{Type: "stream", Text: "x"})
	}
	outs := rec.Outputs()
	require.Len(t, outs, 3)
	assert.True(t, strings.HasSuffix(outs[2].Text, "\n"))
}
