package state

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/events/bus"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/kernel"
)

const deadServerPID = 999999

func newTestReaper(t *testing.T) (*Reaper, *Store) {
	t.Helper()
	store := newTestStore(t)
	r := NewReaper(store, nil, nil, time.Minute, newTestLogger(t))
	r.pidAlive = func(int) bool { return false }
	r.readProcess = func(int) (*ProcessInfo, error) { return nil, ErrProcessGone }
	r.killTree = func(int) {}
	return r, store
}

type killRecorder struct {
	mu   sync.Mutex
	pids []int
}

func (k *killRecorder) kill(pid int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pids = append(k.pids, pid)
}

func (k *killRecorder) killed() []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]int(nil), k.pids...)
}

type fakeContainerReaper struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (f *fakeContainerReaper) ReapContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeContainerReaper) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func zombieRecord(notebookPath string, kernelPID int) *PersistedSessionRecord {
	return &PersistedSessionRecord{
		NotebookPath:     notebookPath,
		KernelID:         "8e0a4f0e-62fd-44a5-9a3c-6d9a4c79c1a2",
		KernelPID:        kernelPID,
		KernelCreateTime: 1724300000000,
		ServerPID:        deadServerPID,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestReaper_SkipsOwnRecords(t *testing.T) {
	r, store := newTestReaper(t)
	kills := &killRecorder{}
	r.killTree = kills.kill

	rec := zombieRecord("/home/user/mine.ipynb", 4242)
	rec.ServerPID = os.Getpid()
	require.NoError(t, store.Save(rec))

	r.ReconcileZombies(context.Background())

	_, err := store.Load("/home/user/mine.ipynb")
	assert.NoError(t, err, "own record must survive reconciliation")
	assert.Empty(t, kills.killed())
}

func TestReaper_SkipsLiveServer(t *testing.T) {
	r, store := newTestReaper(t)
	kills := &killRecorder{}
	r.killTree = kills.kill
	r.pidAlive = func(pid int) bool { return pid == deadServerPID }

	require.NoError(t, store.Save(zombieRecord("/home/user/theirs.ipynb", 4242)))

	r.ReconcileZombies(context.Background())

	_, err := store.Load("/home/user/theirs.ipynb")
	assert.NoError(t, err, "record owned by a live server must survive")
	assert.Empty(t, kills.killed())
}

func TestReaper_ReusedServerPidTreatedAsDead(t *testing.T) {
	r, store := newTestReaper(t)
	kills := &killRecorder{}
	r.killTree = kills.kill

	rec := zombieRecord("/home/user/reused.ipynb", 4242)
	rec.ServerCreateTime = 1724200000000
	require.NoError(t, store.Save(rec))

	// The server PID is alive but belongs to a younger process.
	r.pidAlive = func(pid int) bool { return pid == deadServerPID }
	r.readProcess = func(pid int) (*ProcessInfo, error) {
		if pid == deadServerPID {
			return &ProcessInfo{PID: pid, CreateTimeMS: 1724290000000}, nil
		}
		return nil, ErrProcessGone
	}

	r.ReconcileZombies(context.Background())

	_, err := store.Load("/home/user/reused.ipynb")
	assert.ErrorIs(t, err, ErrNotFound, "record of a reused server pid is stale")
	assert.Empty(t, kills.killed(), "kernel pid is dead, nothing to kill")
}

func TestReaper_KillsVerifiedKernel(t *testing.T) {
	r, store := newTestReaper(t)
	kills := &killRecorder{}
	r.killTree = kills.kill

	rec := zombieRecord("/home/user/orphan.ipynb", 4242)
	require.NoError(t, store.Save(rec))

	r.pidAlive = func(pid int) bool { return pid == 4242 }
	r.readProcess = func(pid int) (*ProcessInfo, error) {
		return &ProcessInfo{
			PID: pid,
			Env: map[string]string{kernel.KernelIDEnvVar: rec.KernelID},
		}, nil
	}

	r.ReconcileZombies(context.Background())

	assert.Equal(t, []int{4242}, kills.killed())
	_, err := store.Load("/home/user/orphan.ipynb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReaper_RecycledPidNotKilled(t *testing.T) {
	r, store := newTestReaper(t)
	kills := &killRecorder{}
	r.killTree = kills.kill

	require.NoError(t, store.Save(zombieRecord("/home/user/recycled.ipynb", 4242)))

	// The PID is alive but belongs to some other process now.
	r.pidAlive = func(pid int) bool { return pid == 4242 }
	r.readProcess = func(pid int) (*ProcessInfo, error) {
		return &ProcessInfo{
			PID: pid,
			Env: map[string]string{"PATH": "/usr/bin"},
		}, nil
	}

	r.ReconcileZombies(context.Background())

	assert.Empty(t, kills.killed(), "a recycled pid must never be signalled")
	_, err := store.Load("/home/user/recycled.ipynb")
	assert.ErrorIs(t, err, ErrNotFound, "stale record is removed even when the kernel is left alone")
}

func TestReaper_CreateTimeFallbackKills(t *testing.T) {
	r, store := newTestReaper(t)
	kills := &killRecorder{}
	r.killTree = kills.kill

	rec := zombieRecord("/home/user/fallback.ipynb", 4242)
	require.NoError(t, store.Save(rec))

	r.pidAlive = func(pid int) bool { return pid == 4242 }
	r.readProcess = func(pid int) (*ProcessInfo, error) {
		// Environment unreadable, create time matches the record.
		return &ProcessInfo{PID: pid, CreateTimeMS: rec.KernelCreateTime}, nil
	}

	r.ReconcileZombies(context.Background())

	assert.Equal(t, []int{4242}, kills.killed())
}

func TestReaper_CreateTimeMismatchNotKilled(t *testing.T) {
	r, store := newTestReaper(t)
	kills := &killRecorder{}
	r.killTree = kills.kill

	rec := zombieRecord("/home/user/mismatch.ipynb", 4242)
	require.NoError(t, store.Save(rec))

	r.pidAlive = func(pid int) bool { return pid == 4242 }
	r.readProcess = func(pid int) (*ProcessInfo, error) {
		return &ProcessInfo{PID: pid, CreateTimeMS: rec.KernelCreateTime + 5000}, nil
	}

	r.ReconcileZombies(context.Background())

	assert.Empty(t, kills.killed())
	_, err := store.Load("/home/user/mismatch.ipynb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReaper_UnknownCreateTimeNotKilled(t *testing.T) {
	r, store := newTestReaper(t)
	kills := &killRecorder{}
	r.killTree = kills.kill

	rec := zombieRecord("/home/user/unknown.ipynb", 4242)
	rec.KernelCreateTime = 0
	require.NoError(t, store.Save(rec))

	r.pidAlive = func(pid int) bool { return pid == 4242 }
	r.readProcess = func(pid int) (*ProcessInfo, error) {
		return &ProcessInfo{PID: pid, CreateTimeMS: 1724300000000}, nil
	}

	r.ReconcileZombies(context.Background())

	assert.Empty(t, kills.killed())
}

func TestReaper_DeadKernelOnlyRemovesRecord(t *testing.T) {
	r, store := newTestReaper(t)
	kills := &killRecorder{}
	r.killTree = kills.kill

	require.NoError(t, store.Save(zombieRecord("/home/user/gone.ipynb", 4242)))

	r.ReconcileZombies(context.Background())

	assert.Empty(t, kills.killed())
	_, err := store.Load("/home/user/gone.ipynb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReaper_UninspectableKernelNotKilled(t *testing.T) {
	r, store := newTestReaper(t)
	kills := &killRecorder{}
	r.killTree = kills.kill

	require.NoError(t, store.Save(zombieRecord("/home/user/opaque.ipynb", 4242)))

	r.pidAlive = func(pid int) bool { return pid == 4242 }
	r.readProcess = func(int) (*ProcessInfo, error) { return nil, ErrProcessUnsupported }

	r.ReconcileZombies(context.Background())

	assert.Empty(t, kills.killed())
	_, err := store.Load("/home/user/opaque.ipynb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReaper_RemovesContainerKernels(t *testing.T) {
	r, store := newTestReaper(t)
	containers := &fakeContainerReaper{}
	r.containers = containers
	kills := &killRecorder{}
	r.killTree = kills.kill

	rec := zombieRecord("/home/user/docker.ipynb", 0)
	rec.ContainerID = "abc123def456"
	require.NoError(t, store.Save(rec))

	r.ReconcileZombies(context.Background())

	assert.Equal(t, []string{"abc123def456"}, containers.removedIDs())
	assert.Empty(t, kills.killed())
	_, err := store.Load("/home/user/docker.ipynb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReaper_ContainerWithoutDockerStillRemovesRecord(t *testing.T) {
	r, store := newTestReaper(t)

	rec := zombieRecord("/home/user/docker.ipynb", 0)
	rec.ContainerID = "abc123def456"
	require.NoError(t, store.Save(rec))

	r.ReconcileZombies(context.Background())

	_, err := store.Load("/home/user/docker.ipynb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReaper_RemovesCorruptRecords(t *testing.T) {
	r, store := newTestReaper(t)

	corrupt := store.Dir() + "/" + recordPrefix + "deadbeefdeadbeef.json"
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o600))

	r.ReconcileZombies(context.Background())

	listed, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestReaper_LockedRecordSkipped(t *testing.T) {
	r, store := newTestReaper(t)
	kills := &killRecorder{}
	r.killTree = kills.kill

	require.NoError(t, store.Save(zombieRecord("/home/user/locked.ipynb", 4242)))

	lock := store.Lock("/home/user/locked.ipynb")
	ok, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	r.ReconcileZombies(context.Background())
	_, err = store.Load("/home/user/locked.ipynb")
	assert.NoError(t, err, "record under another holder's lock must be left alone")

	require.NoError(t, lock.Unlock())

	r.ReconcileZombies(context.Background())
	_, err = store.Load("/home/user/locked.ipynb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReaper_PublishesReapEvent(t *testing.T) {
	store := newTestStore(t)
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	received := make(chan *bus.Event, 1)
	sub, err := eventBus.Subscribe(bus.SubjectKernelReaped, func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	r := NewReaper(store, nil, eventBus, time.Minute, log)
	rec := zombieRecord("/home/user/orphan.ipynb", 4242)
	require.NoError(t, store.Save(rec))

	r.pidAlive = func(pid int) bool { return pid == 4242 }
	r.readProcess = func(pid int) (*ProcessInfo, error) {
		return &ProcessInfo{
			PID: pid,
			Env: map[string]string{kernel.KernelIDEnvVar: rec.KernelID},
		}, nil
	}
	r.killTree = func(int) {}

	r.ReconcileZombies(context.Background())

	select {
	case event := <-received:
		assert.Equal(t, bus.SubjectKernelReaped, event.Type)
		assert.Equal(t, "reaper", event.Source)
		assert.Equal(t, "/home/user/orphan.ipynb", event.Data["notebook_path"])
		assert.Equal(t, rec.KernelID, event.Data["kernel_id"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reap event")
	}
}

func TestReaper_StartStop(t *testing.T) {
	r, store := newTestReaper(t)

	killed := make(chan int, 1)
	r.killTree = func(pid int) { killed <- pid }

	rec := zombieRecord("/home/user/orphan.ipynb", 4242)
	require.NoError(t, store.Save(rec))
	r.pidAlive = func(pid int) bool { return pid == 4242 }
	r.readProcess = func(pid int) (*ProcessInfo, error) {
		return &ProcessInfo{
			PID: pid,
			Env: map[string]string{kernel.KernelIDEnvVar: rec.KernelID},
		}, nil
	}

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	assert.ErrorIs(t, r.Start(ctx), ErrReaperAlreadyRunning)

	select {
	case pid := <-killed:
		assert.Equal(t, 4242, pid)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial reconciliation")
	}

	require.NoError(t, r.Stop())
	assert.ErrorIs(t, r.Stop(), ErrReaperNotRunning)
}
