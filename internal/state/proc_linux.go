//go:build linux

package state

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// USER_HZ on every mainstream linux.
const clockTicksPerSecond = 100

// ReadProcess returns identity facts for pid from /proc. A partial
// result is normal: environ is unreadable for other users' processes.
func ReadProcess(pid int) (*ProcessInfo, error) {
	if !PidAlive(pid) {
		return nil, ErrProcessGone
	}
	info := &ProcessInfo{PID: pid}
	if ct, err := readCreateTimeMS(pid); err == nil {
		info.CreateTimeMS = ct
	}
	if env, err := readEnviron(pid); err == nil {
		info.Env = env
	}
	return info, nil
}

// ProcessCreateTime returns the start of pid as unix milliseconds.
func ProcessCreateTime(pid int) (int64, error) {
	if !PidAlive(pid) {
		return 0, ErrProcessGone
	}
	return readCreateTimeMS(pid)
}

// readCreateTimeMS derives the process start from /proc/<pid>/stat
// field 22 (starttime in clock ticks since boot) plus the boot time
// from /proc/stat.
func readCreateTimeMS(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}

	// comm can contain spaces and parens; count fields after the last
	// closing paren.
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[idx+2:])
	// starttime is overall field 22; fields here start at field 3.
	if len(fields) < 20 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	ticks, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse starttime for pid %d: %w", pid, err)
	}

	boot, err := bootTimeUnix()
	if err != nil {
		return 0, err
	}
	return boot*1000 + int64(ticks)*1000/clockTicksPerSecond, nil
}

func bootTimeUnix() (int64, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			return strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64)
		}
	}
	return 0, errors.New("btime not found in /proc/stat")
}

// readEnviron parses the NUL separated /proc/<pid>/environ.
func readEnviron(pid int) (map[string]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		return nil, err
	}
	env := make(map[string]string)
	for _, kv := range bytes.Split(data, []byte{0}) {
		if len(kv) == 0 {
			continue
		}
		if i := bytes.IndexByte(kv, '='); i > 0 {
			env[string(kv[:i])] = string(kv[i+1:])
		}
	}
	return env, nil
}
