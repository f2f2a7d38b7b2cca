package state

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/events/bus"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/kernel"
)

var (
	ErrReaperAlreadyRunning = errors.New("reaper is already running")
	ErrReaperNotRunning     = errors.New("reaper is not running")
)

// ContainerReaper removes kernel containers left behind by dead
// servers. Nil disables container reaping.
type ContainerReaper interface {
	ReapContainer(ctx context.Context, containerID string) error
}

// Reaper reconciles session records against reality: records owned by
// dead servers are removed, and their kernels killed once identity is
// verified. A PID is never signalled on number alone.
type Reaper struct {
	store      *Store
	containers ContainerReaper
	bus        bus.EventBus
	interval   time.Duration
	logger     *logger.Logger

	// Test seams over the platform process probes.
	pidAlive    func(int) bool
	readProcess func(int) (*ProcessInfo, error)
	killTree    func(int)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewReaper builds a reaper over the store. eventBus and containers
// may be nil.
func NewReaper(store *Store, containers ContainerReaper, eventBus bus.EventBus, interval time.Duration, log *logger.Logger) *Reaper {
	return &Reaper{
		store:       store,
		containers:  containers,
		bus:         eventBus,
		interval:    interval,
		logger:      log.WithFields(zap.String("component", "reaper")),
		pidAlive:    PidAlive,
		readProcess: ReadProcess,
		killTree:    killProcessTree,
	}
}

// Start runs one reconciliation immediately, then one per interval.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrReaperAlreadyRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("reaper starting", zap.Duration("interval", r.interval))

	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrReaperNotRunning
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("reaper stopped")
	return nil
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	r.ReconcileZombies(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.ReconcileZombies(ctx)
		}
	}
}

// ReconcileZombies walks every session record once. Safe to call
// directly; the periodic loop uses it too.
func (r *Reaper) ReconcileZombies(ctx context.Context) {
	records, err := r.store.List()
	if err != nil {
		r.logger.Error("failed to list session records", zap.Error(err))
		return
	}

	for _, entry := range records {
		if entry.Record == nil {
			// Unreadable records can never be verified or reclaimed.
			r.logger.Warn("removing unreadable session record",
				zap.String("path", entry.Path), zap.Error(entry.Err))
			r.store.RemoveFile(entry.Path)
			continue
		}
		r.reconcileRecord(ctx, entry.Record)
	}
}

func (r *Reaper) reconcileRecord(ctx context.Context, rec *PersistedSessionRecord) {
	if rec.ServerPID == os.Getpid() {
		return
	}
	if r.serverAlive(rec) {
		// Another live server owns this session.
		return
	}

	lock := r.store.Lock(rec.NotebookPath)
	ok, err := lock.TryLock()
	if err != nil {
		r.logger.Warn("failed to lock session record",
			zap.String("notebook", rec.NotebookPath), zap.Error(err))
		return
	}
	if !ok {
		// Someone else is reconciling it right now.
		return
	}
	defer lock.Unlock()

	log := r.logger.WithNotebook(rec.NotebookPath)
	r.reapKernel(ctx, rec, log)

	// The record refers to a dead server either way; remove it even
	// when the kernel was left alone.
	if err := r.store.Delete(rec.NotebookPath); err != nil {
		log.Warn("failed to delete stale session record", zap.Error(err))
	} else {
		log.Info("removed stale session record",
			zap.Int("server_pid", rec.ServerPID),
			zap.String("kernel_id", rec.KernelID))
	}
}

// serverAlive reports whether the record's owning server still runs.
// A live PID whose create time differs from the record means the PID
// was reused, so the owner is actually dead.
func (r *Reaper) serverAlive(rec *PersistedSessionRecord) bool {
	if !r.pidAlive(rec.ServerPID) {
		return false
	}
	if rec.ServerCreateTime == 0 {
		return true
	}
	info, err := r.readProcess(rec.ServerPID)
	if err != nil || info.CreateTimeMS == 0 {
		return true
	}
	return info.CreateTimeMS == rec.ServerCreateTime
}

// reapKernel kills the recorded kernel if, and only if, its identity
// checks out.
func (r *Reaper) reapKernel(ctx context.Context, rec *PersistedSessionRecord, log *logger.Logger) {
	if rec.ContainerID != "" {
		if r.containers == nil {
			log.Warn("cannot remove kernel container, docker unavailable",
				zap.String("container_id", rec.ContainerID))
			return
		}
		if err := r.containers.ReapContainer(ctx, rec.ContainerID); err != nil {
			log.Warn("failed to remove kernel container",
				zap.String("container_id", rec.ContainerID), zap.Error(err))
			return
		}
		log.Info("removed orphaned kernel container",
			zap.String("container_id", rec.ContainerID))
		r.publishReaped(ctx, rec)
		return
	}

	if rec.KernelPID <= 0 || !r.pidAlive(rec.KernelPID) {
		return
	}

	info, err := r.readProcess(rec.KernelPID)
	if err != nil {
		log.Warn("kernel identity could not be inspected, not killing",
			zap.Int("pid", rec.KernelPID), zap.Error(err))
		return
	}

	if info.Env != nil {
		if info.Env[kernel.KernelIDEnvVar] != rec.KernelID {
			// Readable environment without our marker means the PID
			// was recycled.
			log.Warn("pid does not carry the recorded kernel id, not killing",
				zap.Int("pid", rec.KernelPID),
				zap.String("kernel_id", rec.KernelID))
			return
		}
		r.kill(ctx, rec, log)
		return
	}

	// Environment unreadable: require an exact create-time match.
	if rec.KernelCreateTime != 0 && info.CreateTimeMS == rec.KernelCreateTime {
		r.kill(ctx, rec, log)
		return
	}
	log.Warn("kernel identity could not be verified, not killing",
		zap.Int("pid", rec.KernelPID),
		zap.Int64("recorded_create_time_ms", rec.KernelCreateTime),
		zap.Int64("observed_create_time_ms", info.CreateTimeMS))
}

func (r *Reaper) kill(ctx context.Context, rec *PersistedSessionRecord, log *logger.Logger) {
	r.killTree(rec.KernelPID)
	log.Info("killed orphaned kernel",
		zap.Int("pid", rec.KernelPID),
		zap.String("kernel_id", rec.KernelID))
	r.publishReaped(ctx, rec)
}

func (r *Reaper) publishReaped(ctx context.Context, rec *PersistedSessionRecord) {
	if r.bus == nil {
		return
	}
	evt := bus.NewEvent(bus.SubjectKernelReaped, "reaper", map[string]interface{}{
		"notebook_path": rec.NotebookPath,
		"kernel_id":     rec.KernelID,
		"kernel_pid":    rec.KernelPID,
		"container_id":  rec.ContainerID,
	})
	if err := r.bus.Publish(ctx, bus.SubjectKernelReaped, evt); err != nil {
		r.logger.Debug("failed to publish reap event", zap.Error(err))
	}
}
