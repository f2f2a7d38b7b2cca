//go:build windows

package state

import (
	"os/exec"
	"strconv"
)

// killProcessTree kills the whole process tree via taskkill.
func killProcessTree(pid int) {
	if pid <= 0 {
		return
	}
	kill := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid))
	_ = kill.Run()
}
