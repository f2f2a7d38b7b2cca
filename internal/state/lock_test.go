package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_AcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json.lock")

	lock := NewFileLock(path)
	ok, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Unlock())
}

func TestFileLock_SecondHolderBlocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json.lock")

	first := NewFileLock(path)
	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer first.Unlock()

	second := NewFileLock(path)
	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileLock_ReleasedLockCanBeReacquired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json.lock")

	first := NewFileLock(path)
	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.Unlock())

	second := NewFileLock(path)
	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock())
}

func TestFileLock_DoubleTryLockFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json.lock")

	lock := NewFileLock(path)
	ok, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Unlock()

	_, err = lock.TryLock()
	assert.Error(t, err)
}

func TestFileLock_UnlockWithoutLockIsNoop(t *testing.T) {
	lock := NewFileLock(filepath.Join(t.TempDir(), "record.json.lock"))
	assert.NoError(t, lock.Unlock())
}

func TestStore_LockGuardsRecord(t *testing.T) {
	store := newTestStore(t)

	lock := store.Lock("/home/user/analysis.ipynb")
	ok, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Unlock()

	// A second lock for the same notebook contends on the same file.
	other := store.Lock("/home/user/analysis.ipynb")
	ok, err = other.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	// A different notebook locks independently.
	unrelated := store.Lock("/home/user/other.ipynb")
	ok, err = unrelated.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, unrelated.Unlock())
}
