package state

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// AdvisoryLock serializes cross-process access to a session record.
// Locks are advisory: every server must go through the same lock
// before mutating or reaping a record.
type AdvisoryLock interface {
	// TryLock attempts the lock without blocking and reports whether
	// it was acquired.
	TryLock() (bool, error)

	// Unlock releases the lock. Unlocking an unheld lock is a no-op.
	Unlock() error
}

// FileLock is an AdvisoryLock backed by an OS file lock living next to
// the record it guards. The lock dies with the holding process, so a
// crashed server never leaves a record permanently locked.
type FileLock struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewFileLock returns an unheld lock at path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (l *FileLock) TryLock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		return false, errors.New("lock already held")
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}
	ok, err := lockFile(f)
	if err != nil || !ok {
		f.Close()
		return false, err
	}
	l.f = f
	return true, nil
}

func (l *FileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	l.f.Close()
	l.f = nil
	return err
}
