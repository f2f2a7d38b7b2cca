package kernel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
)

// ErrConnectionClosed means the kernel's message connection is gone,
// usually because the process exited.
var ErrConnectionClosed = errors.New("kernel connection closed")

// messageBuffer bounds the client's outbound channel. The session pump
// drains it continuously; the bound only matters during teardown.
const messageBuffer = 1024

// bridgeSource is the helper the launcher runs inside the kernel's
// Python environment. It starts the kernel through jupyter_client,
// relays kernel messages as JSON lines on stdout, and accepts requests
// as JSON lines on stdin. Keeping the wire protocol inside
// jupyter_client means we never speak ZMQ from Go.
const bridgeSource = `import json
import subprocess
import sys
import threading

from jupyter_client.manager import KernelManager

_out_lock = threading.Lock()
_alias = {}
_alias_lock = threading.Lock()


def emit(obj):
    with _out_lock:
        sys.stdout.write(json.dumps(obj) + "\n")
        sys.stdout.flush()


def resolve(msg_id):
    with _alias_lock:
        return _alias.get(msg_id, msg_id)


def remember(kernel_id, ours):
    with _alias_lock:
        _alias[kernel_id] = ours


def text_data(data):
    out = {}
    for mime, value in (data or {}).items():
        out[mime] = value if isinstance(value, str) else json.dumps(value)
    return out


def relay(msg):
    parent = resolve(msg.get("parent_header", {}).get("msg_id", ""))
    mtype = msg.get("msg_type", "")
    c = msg.get("content", {}) or {}
    if mtype == "stream":
        emit({"parent_id": parent, "type": "stream",
              "name": c.get("name", ""), "text": c.get("text", "")})
    elif mtype == "error":
        emit({"parent_id": parent, "type": "error",
              "ename": c.get("ename", ""), "evalue": c.get("evalue", ""),
              "traceback": c.get("traceback", [])})
    elif mtype in ("execute_result", "display_data"):
        emit({"parent_id": parent, "type": mtype,
              "data": text_data(c.get("data")),
              "execution_count": c.get("execution_count") or 0})
    elif mtype == "status":
        emit({"parent_id": parent, "type": "status",
              "execution_state": c.get("execution_state", "")})
    elif mtype == "execute_reply":
        emit({"parent_id": parent, "type": "execute_reply",
              "status": c.get("status", ""),
              "execution_count": c.get("execution_count") or 0,
              "ename": c.get("ename", ""), "evalue": c.get("evalue", ""),
              "traceback": c.get("traceback", [])})
    elif mtype == "kernel_info_reply":
        info = c.get("language_info", {}) or {}
        emit({"parent_id": parent, "type": "kernel_info_reply", "info": {
              "implementation": c.get("implementation", ""),
              "implementation_version": c.get("implementation_version", ""),
              "language_name": info.get("name", ""),
              "language_version": info.get("version", ""),
              "banner": c.get("banner", "")}})
    elif mtype == "input_request":
        emit({"parent_id": parent, "type": "input_request",
              "prompt": c.get("prompt", ""),
              "password": bool(c.get("password"))})


def pump(getter):
    while True:
        try:
            msg = getter(timeout=0.5)
        except Exception:
            if not km.is_alive():
                return
            continue
        relay(msg)


km = KernelManager()
if len(sys.argv) > 1:
    km.connection_file = sys.argv[1]
km.start_kernel(stdout=subprocess.DEVNULL, stderr=subprocess.DEVNULL)
kc = km.client()
kc.start_channels()
kc.wait_for_ready(timeout=120)

for g in (kc.get_iopub_msg, kc.get_shell_msg, kc.get_stdin_msg):
    threading.Thread(target=pump, args=(g,), daemon=True).start()

emit({"type": "ready"})

try:
    for line in sys.stdin:
        line = line.strip()
        if not line:
            continue
        req = json.loads(line)
        op = req.get("op")
        if op == "execute":
            kid = kc.execute(req.get("code", ""), allow_stdin=True)
            remember(kid, req.get("msg_id", kid))
        elif op == "kernel_info":
            kid = kc.kernel_info()
            remember(kid, req.get("msg_id", kid))
        elif op == "input":
            kc.input(req.get("text", ""))
        elif op == "interrupt":
            km.interrupt_kernel()
        elif op == "shutdown":
            break
finally:
    try:
        kc.stop_channels()
    except Exception:
        pass
    try:
        km.shutdown_kernel(now=False)
    except Exception:
        km.shutdown_kernel(now=True)
`

// procClient speaks the bridge's JSON-lines protocol over a process's
// stdin/stdout pipes.
type procClient struct {
	stdin io.WriteCloser
	log   *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	messages chan Message
	ready    chan struct{}

	mu      sync.Mutex
	pending map[string]chan Message

	alive atomic.Bool
}

func newProcClient(stdin io.WriteCloser, stdout io.Reader, log *logger.Logger) *procClient {
	c := &procClient{
		stdin:    stdin,
		log:      log,
		messages: make(chan Message, messageBuffer),
		ready:    make(chan struct{}),
		pending:  make(map[string]chan Message),
	}
	c.alive.Store(true)
	go c.readLoop(stdout)
	return c
}

func (c *procClient) readLoop(r io.Reader) {
	defer func() {
		c.alive.Store(false)
		c.failPending()
		close(c.messages)
	}()

	scanner := bufio.NewScanner(r)
	// Display data can carry large base64 payloads.
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	readySeen := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("dropping unparseable kernel message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case MessageTypeReady:
			if !readySeen {
				readySeen = true
				close(c.ready)
			}
		case MessageTypeKernelInfoReply:
			c.mu.Lock()
			ch := c.pending[msg.ParentID]
			delete(c.pending, msg.ParentID)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		default:
			c.messages <- msg
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug("kernel message stream closed", zap.Error(err))
	}
}

func (c *procClient) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// waitReady blocks until the bridge reports the kernel accepts
// requests, the process exits, or ctx expires.
func (c *procClient) waitReady(ctx context.Context, exited <-chan struct{}) error {
	select {
	case <-c.ready:
		return nil
	case <-exited:
		return errors.New("kernel exited during startup")
	case <-ctx.Done():
		return fmt.Errorf("kernel did not become ready: %w", ctx.Err())
	}
}

func (c *procClient) writeOp(op map[string]interface{}) error {
	if !c.alive.Load() {
		return ErrConnectionClosed
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode kernel request: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write kernel request: %w", err)
	}
	return nil
}

func (c *procClient) Execute(_ context.Context, code string) (string, error) {
	msgID := uuid.New().String()
	if err := c.writeOp(map[string]interface{}{"op": "execute", "msg_id": msgID, "code": code}); err != nil {
		return "", err
	}
	return msgID, nil
}

func (c *procClient) Interrupt(_ context.Context) error {
	return c.writeOp(map[string]interface{}{"op": "interrupt"})
}

func (c *procClient) SendInput(_ context.Context, text string) error {
	return c.writeOp(map[string]interface{}{"op": "input", "text": text})
}

func (c *procClient) KernelInfo(ctx context.Context) (*Info, error) {
	msgID := uuid.New().String()
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[msgID] = ch
	c.mu.Unlock()

	if err := c.writeOp(map[string]interface{}{"op": "kernel_info", "msg_id": msgID}); err != nil {
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok || msg.Info == nil {
			return nil, ErrConnectionClosed
		}
		return msg.Info, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *procClient) IsAlive() bool { return c.alive.Load() }

func (c *procClient) Messages() <-chan Message { return c.messages }

func (c *procClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Best effort: ask the bridge to shut the kernel down before
		// cutting the pipe.
		_ = c.writeOp(map[string]interface{}{"op": "shutdown"})
		err = c.stdin.Close()
	})
	return err
}
