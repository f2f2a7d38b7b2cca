// Package kernel manages the lifecycle of Jupyter kernel processes:
// launching them on the host or in containers, tracking their identity,
// and stopping, restarting, or interrupting them on demand. Execution
// scheduling lives elsewhere; this package only cares about processes
// and their client connections.
package kernel

import (
	"errors"
	"time"
)

// KernelIDEnvVar is the environment variable carrying a kernel's
// session-scoped UUID. The reaper reads it back from the process
// environment to verify a PID still belongs to a tracked kernel before
// killing it, instead of trusting a possibly reused PID.
const KernelIDEnvVar = "MCP_KERNEL_ID"

var (
	// ErrCapacity means the system-wide concurrent kernel cap is reached.
	// Callers should retry after a backoff; there is no start queue.
	ErrCapacity = errors.New("kernel capacity reached")

	// ErrKernelExists means the kernel id is already in use.
	ErrKernelExists = errors.New("kernel already running")

	// ErrKernelNotFound means no kernel is tracked under the given id.
	ErrKernelNotFound = errors.New("kernel not found")

	// ErrMountViolation means a container mount path failed security
	// validation. This is a hard failure, never downgraded to a warning.
	ErrMountViolation = errors.New("mount path not allowed")

	// ErrDockerDisabled means a docker image was requested but the
	// docker runtime is unavailable.
	ErrDockerDisabled = errors.New("docker runtime is not available")
)

// EnvType classifies the interpreter environment a kernel runs in.
type EnvType string

const (
	EnvLocal  EnvType = "local"
	EnvVenv   EnvType = "venv"
	EnvDocker EnvType = "docker"
)

// EnvInfo describes the interpreter environment of a running kernel,
// used for display and diagnostics.
type EnvInfo struct {
	Type        EnvType `json:"type"`
	Python      string  `json:"python,omitempty"`
	VenvPath    string  `json:"venv_path,omitempty"`
	DockerImage string  `json:"docker_image,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
}

// StartSpec describes how to launch a kernel. It is preserved on the
// handle so a restart reproduces the same configuration.
type StartSpec struct {
	// NotebookDir is the directory of the owning notebook.
	NotebookDir string

	// WorkDir is the kernel's working directory. Usually NotebookDir,
	// or a per-agent subdirectory when agent isolation is on.
	WorkDir string

	// Environment names an entry in the kernels.yaml registry. When
	// set, its venv/image/python values fill the fields below.
	Environment string

	VenvPath    string
	DockerImage string

	// Env is extra environment passed to the kernel process.
	Env map[string]string
}

// HealthStatus is the result of a kernel health round trip.
type HealthStatus struct {
	Alive     bool    `json:"alive"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Handle identifies a running kernel and owns its process and client
// connection. A handle has exactly one owner (the notebook session).
type Handle struct {
	ID        string
	UUID      string
	EnvInfo   EnvInfo
	Spec      StartSpec
	StartedAt time.Time

	proc Process
}

// NewHandle wraps a launched Process in a Handle.
func NewHandle(id, uuid string, env EnvInfo, spec StartSpec, proc Process) *Handle {
	return &Handle{
		ID:        id,
		UUID:      uuid,
		EnvInfo:   env,
		Spec:      spec,
		StartedAt: time.Now(),
		proc:      proc,
	}
}

// PID returns the kernel's host process id.
func (h *Handle) PID() int { return h.proc.PID() }

// ContainerID returns the container id for docker kernels, or "".
func (h *Handle) ContainerID() string { return h.proc.ContainerID() }

// ConnectionFile returns the path of the kernel's connection file.
func (h *Handle) ConnectionFile() string { return h.proc.ConnectionFile() }

// Client returns the kernel's message client.
func (h *Handle) Client() Client { return h.proc.Client() }

// Exited is closed when the kernel process exits for any reason.
func (h *Handle) Exited() <-chan struct{} { return h.proc.Exited() }
