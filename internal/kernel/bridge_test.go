package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
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

// fakeBridge wires a procClient to in-memory pipes and lets tests play
// the python side of the protocol.
type fakeBridge struct {
	client *procClient
	ops    *io.PipeReader
	out    *io.PipeWriter
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	opsR, opsW := io.Pipe()
	outR, outW := io.Pipe()
	c := newProcClient(opsW, outR, newTestLogger(t))
	t.Cleanup(func() {
		opsR.Close()
		outW.Close()
	})
	return &fakeBridge{client: c, ops: opsR, out: outW}
}

func (b *fakeBridge) send(t *testing.T, line string) {
	t.Helper()
	if _, err := b.out.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write bridge output: %v", err)
	}
}

func (b *fakeBridge) drainOps() {
	go io.Copy(io.Discard, b.ops)
}

func TestProcClient_ReadyHandshake(t *testing.T) {
	b := newFakeBridge(t)
	b.drainOps()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b.send(t, `{"type":"ready"}`)
	require.NoError(t, b.client.waitReady(ctx, make(chan struct{})))
}

func TestProcClient_WaitReadyFailsWhenProcessExits(t *testing.T) {
	b := newFakeBridge(t)
	b.drainOps()

	exited := make(chan struct{})
	close(exited)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, b.client.waitReady(ctx, exited))
}

func TestProcClient_RoutesMessages(t *testing.T) {
	b := newFakeBridge(t)
	b.drainOps()

	b.send(t, `{"parent_id":"m1","type":"stream","name":"stdout","text":"hello"}`)
	b.send(t, `{"parent_id":"m1","type":"execute_reply","status":"ok","execution_count":3}`)

	msg := <-b.client.Messages()
	assert.Equal(t, "m1", msg.ParentID)
	assert.Equal(t, MessageTypeStream, msg.Type)
	assert.Equal(t, "stdout", msg.Name)
	assert.Equal(t, "hello", msg.Text)

	msg = <-b.client.Messages()
	assert.Equal(t, MessageTypeExecuteReply, msg.Type)
	assert.Equal(t, ReplyOK, msg.Status)
	assert.Equal(t, 3, msg.ExecutionCount)
}

func TestProcClient_DropsUnparseableLines(t *testing.T) {
	b := newFakeBridge(t)
	b.drainOps()

	b.send(t, `not json at all`)
	b.send(t, `{"parent_id":"m2","type":"status","execution_state":"idle"}`)

	msg := <-b.client.Messages()
	assert.Equal(t, MessageTypeStatus, msg.Type)
	assert.Equal(t, StateIdle, msg.ExecutionState)
}

func TestProcClient_ExecuteWritesOp(t *testing.T) {
	b := newFakeBridge(t)

	done := make(chan map[string]interface{}, 1)
	go func() {
		scanner := bufio.NewScanner(b.ops)
		if scanner.Scan() {
			var req map[string]interface{}
			if json.Unmarshal(scanner.Bytes(), &req) == nil {
				done <- req
			}
		}
	}()

	id, err := b.client.Execute(context.Background(), "print(1)")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case req := <-done:
		assert.Equal(t, "execute", req["op"])
		assert.Equal(t, id, req["msg_id"])
		assert.Equal(t, "print(1)", req["code"])
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never received the execute op")
	}
}

func TestProcClient_KernelInfoRoundTrip(t *testing.T) {
	b := newFakeBridge(t)

	go func() {
		scanner := bufio.NewScanner(b.ops)
		for scanner.Scan() {
			var req map[string]interface{}
			if json.Unmarshal(scanner.Bytes(), &req) != nil {
				continue
			}
			if req["op"] == "kernel_info" {
				reply := fmt.Sprintf(
					`{"parent_id":%q,"type":"kernel_info_reply","info":{"implementation":"ipython","language_name":"python","language_version":"3.12.1"}}`,
					req["msg_id"])
				b.out.Write([]byte(reply + "\n"))
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, err := b.client.KernelInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "python", info.LanguageName)
	assert.Equal(t, "3.12.1", info.LanguageVersion)
}

func TestProcClient_KernelInfoHonorsContext(t *testing.T) {
	b := newFakeBridge(t)
	b.drainOps()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.client.KernelInfo(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcClient_CloseSendsShutdown(t *testing.T) {
	b := newFakeBridge(t)

	ops := make(chan map[string]interface{}, 4)
	go func() {
		scanner := bufio.NewScanner(b.ops)
		for scanner.Scan() {
			var req map[string]interface{}
			if json.Unmarshal(scanner.Bytes(), &req) == nil {
				ops <- req
			}
		}
		close(ops)
	}()

	require.NoError(t, b.client.Close())

	select {
	case req := <-ops:
		assert.Equal(t, "shutdown", req["op"])
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never received the shutdown op")
	}

	// Second close is a no-op.
	assert.NoError(t, b.client.Close())
}

func TestProcClient_DeadAfterStreamEnds(t *testing.T) {
	b := newFakeBridge(t)
	b.drainOps()

	require.True(t, b.client.IsAlive())
	b.out.Close()

	// Messages closes once the read loop finishes.
	for range b.client.Messages() {
	}
	assert.False(t, b.client.IsAlive())

	_, err := b.client.Execute(context.Background(), "x")
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
