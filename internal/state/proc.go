package state

import "errors"

// ProcessInfo reports identity facts about a live process.
type ProcessInfo struct {
	PID int

	// CreateTimeMS is the process start in unix milliseconds, 0 when
	// unknown.
	CreateTimeMS int64

	// Env is the process environment, nil when unreadable. Callers
	// must treat nil as unverifiable, never as a mismatch.
	Env map[string]string
}

var (
	// ErrProcessGone means the PID does not refer to a live process.
	ErrProcessGone = errors.New("process not running")

	// ErrProcessUnsupported means this platform cannot inspect process
	// identity; the reaper then removes records without killing.
	ErrProcessUnsupported = errors.New("process inspection is not supported on this platform")
)
