package kernel

import (
	"context"
	"time"
)

// LaunchSpec is the runtime-level launch request, fully resolved: no
// environment names, all paths absolute.
type LaunchSpec struct {
	// KernelUUID is injected into the process environment as
	// KernelIDEnvVar so the reaper can verify identity later.
	KernelUUID string

	WorkDir  string
	Python   string
	VenvPath string

	// Image selects the docker runtime when non-empty.
	Image string

	// Mounts are host directories bound into the container at the same
	// path. Validated before launch.
	Mounts []string

	Env map[string]string

	// ConnectionDir is where the connection file and bridge script are
	// written for host kernels.
	ConnectionDir string
}

// Process is a running kernel produced by a Runtime.
type Process interface {
	PID() int

	// ContainerID is empty for host kernels.
	ContainerID() string

	ConnectionFile() string

	Client() Client

	// Exited is closed when the process terminates for any reason.
	Exited() <-chan struct{}

	// Stop shuts the kernel down, escalating to a kill after grace.
	Stop(ctx context.Context, grace time.Duration) error
}

// Runtime launches kernel processes.
type Runtime interface {
	Name() string
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}
