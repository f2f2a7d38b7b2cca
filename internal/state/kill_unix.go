//go:build unix

package state

import "syscall"

// killProcessTree sends SIGKILL to the process group, falling back to
// the single process when it leads no group of its own.
func killProcessTree(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
