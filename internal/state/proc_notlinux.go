//go:build !linux

package state

// ReadProcess cannot verify kernel identity off linux; the reaper
// then removes stale records without killing anything.
func ReadProcess(pid int) (*ProcessInfo, error) {
	return nil, ErrProcessUnsupported
}

// ProcessCreateTime is unavailable off linux; records carry 0 and the
// reaper's create-time fallback stays disabled.
func ProcessCreateTime(pid int) (int64, error) {
	return 0, ErrProcessUnsupported
}
