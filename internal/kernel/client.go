package kernel

import "context"

// Message types relayed from the kernel, mirroring the Jupyter
// messaging protocol types the scheduler and output pump care about.
const (
	MessageTypeStream          = "stream"
	MessageTypeError           = "error"
	MessageTypeExecuteResult   = "execute_result"
	MessageTypeDisplayData     = "display_data"
	MessageTypeStatus          = "status"
	MessageTypeInputRequest    = "input_request"
	MessageTypeExecuteReply    = "execute_reply"
	MessageTypeKernelInfoReply = "kernel_info_reply"

	// MessageTypeReady is a bridge-internal handshake emitted once the
	// kernel accepts requests. It never reaches Messages().
	MessageTypeReady = "ready"
)

// Execution states carried by status messages.
const (
	StateBusy = "busy"
	StateIdle = "idle"
)

// Execute reply statuses.
const (
	ReplyOK      = "ok"
	ReplyError   = "error"
	ReplyAborted = "aborted"
)

// Message is one demultiplexable unit from the kernel's output stream.
// ParentID correlates it to the execute request that produced it. Only
// the fields for the given Type are populated.
type Message struct {
	ParentID string `json:"parent_id"`
	Type     string `json:"type"`

	// stream
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`

	// error, and execute_reply with status "error"
	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`

	// execute_result and display_data, keyed by MIME type
	Data map[string]string `json:"data,omitempty"`

	// status
	ExecutionState string `json:"execution_state,omitempty"`

	// input_request
	Prompt   string `json:"prompt,omitempty"`
	Password bool   `json:"password,omitempty"`

	// execute_reply
	Status         string `json:"status,omitempty"`
	ExecutionCount int    `json:"execution_count,omitempty"`

	// kernel_info_reply
	Info *Info `json:"info,omitempty"`
}

// Info is the subset of a kernel_info reply used by health checks.
type Info struct {
	Implementation        string `json:"implementation"`
	ImplementationVersion string `json:"implementation_version"`
	LanguageName          string `json:"language_name"`
	LanguageVersion       string `json:"language_version"`
	Banner                string `json:"banner,omitempty"`
}

// Client is the capability surface a session needs from its kernel.
// Execute returns the correlation id of the request without waiting
// for results; results arrive on Messages tagged with that id.
type Client interface {
	// Execute submits code and returns its correlation id immediately.
	Execute(ctx context.Context, code string) (string, error)

	// Interrupt asks the kernel to abort the current execution.
	Interrupt(ctx context.Context) error

	// SendInput answers a pending input_request.
	SendInput(ctx context.Context, text string) error

	// KernelInfo performs a request/reply round trip, used as the
	// health probe.
	KernelInfo(ctx context.Context) (*Info, error)

	// IsAlive reports whether the kernel connection is still up.
	IsAlive() bool

	// Messages is the single consumer channel of kernel output. It is
	// closed when the connection dies.
	Messages() <-chan Message

	// Close shuts the connection down and releases resources.
	Close() error
}
