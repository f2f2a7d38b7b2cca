//go:build unix

package state

import "syscall"

// PidAlive reports whether pid refers to a live process. EPERM counts
// as alive: the process exists, we just cannot signal it.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
