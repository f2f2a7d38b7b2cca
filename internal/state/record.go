// Package state persists per-notebook session records on disk and
// reconciles kernels orphaned by dead servers. Records survive server
// crashes; the reaper of the next server instance uses them to find
// and verify leftover kernel processes before killing them.
package state

import "time"

// PersistedSessionRecord is the crash-surviving description of one
// notebook session's kernel. One JSON file per notebook path.
type PersistedSessionRecord struct {
	NotebookPath string `json:"notebook_path"`

	// KernelID is the per-start UUID injected into the kernel process
	// environment. It, not the PID, is the kernel's identity.
	KernelID string `json:"kernel_id"`

	KernelPID int `json:"kernel_pid"`

	// KernelCreateTime is the kernel process start in unix
	// milliseconds, 0 when the platform cannot provide it. Used as the
	// identity fallback when the environment is unreadable.
	KernelCreateTime int64 `json:"kernel_create_time_ms"`

	// ContainerID is set for containerized kernels; the reaper removes
	// the container instead of signalling the PID.
	ContainerID string `json:"container_id,omitempty"`

	ConnectionFile string `json:"connection_file,omitempty"`

	// ServerPID identifies the owning server. Records whose server is
	// still alive are never touched.
	ServerPID int `json:"server_pid"`

	// ServerCreateTime disambiguates a reused server PID, same unit and
	// zero semantics as KernelCreateTime.
	ServerCreateTime int64 `json:"server_create_time_ms"`

	CreatedAt time.Time `json:"created_at"`
}
