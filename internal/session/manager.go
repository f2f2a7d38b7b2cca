package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/appctx"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/config"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/events/bus"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/kernel"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/state"
)

var (
	ErrManagerAlreadyRunning = errors.New("session manager is already running")
	ErrManagerNotRunning     = errors.New("session manager is not running")
)

// teardownSlack is how much longer than the interrupt grace a detached
// teardown may run. Container removal happens in that window.
const teardownSlack = 15 * time.Second

// KernelManager is the slice of the kernel lifecycle the session layer
// drives. *kernel.Manager implements it.
type KernelManager interface {
	Start(ctx context.Context, id string, spec kernel.StartSpec) (*kernel.Handle, error)
	Stop(ctx context.Context, id string, grace time.Duration) bool
	Restart(ctx context.Context, id string, grace time.Duration) (*kernel.Handle, error)
	Interrupt(ctx context.Context, id string) (bool, error)
	HealthCheck(ctx context.Context, id string) kernel.HealthStatus
}

// NotebookWriter writes execution outputs back into the notebook file.
// A nil writer disables write-back.
type NotebookWriter interface {
	WriteOutputs(path string, cellIndex int, outputs []Output, executionCount int) error
}

// StartOptions configure a new kernel session.
type StartOptions struct {
	// Environment names an entry in the kernels.yaml registry.
	Environment string
	VenvPath    string
	DockerImage string

	// Timeout overrides the default per-execution timeout for this
	// session. Zero keeps the default.
	Timeout time.Duration

	// AgentID isolates the kernel working directory into a per-agent
	// subdirectory so concurrent agents do not collide on cwd.
	AgentID string
}

// CancelResult describes the outcome of a cancel request.
type CancelResult struct {
	ExecID    string `json:"exec_id"`
	Status    Status `json:"status"`
	WasQueued bool   `json:"was_queued"`
	Message   string `json:"message"`
}

// Manager is the facade tool handlers call: it resolves notebook paths
// to sessions, owns the registry, persists crash-recovery records, and
// runs the input watchdog.
type Manager struct {
	cfg       config.KernelConfig
	kernels   KernelManager
	registry  *Registry
	store     *state.Store
	eventBus  bus.EventBus
	notebooks NotebookWriter
	scheduler *Scheduler
	log       *logger.Logger

	// runCtx outlives any single request; session goroutines wait on
	// it so a tool call's context cannot cancel an execution.
	runCtx    context.Context
	runCancel context.CancelFunc

	watchdogInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	sessionWG sync.WaitGroup
}

// NewManager wires the session layer. store, eventBus, and notebooks
// may each be nil to disable persistence, events, or write-back.
func NewManager(cfg config.KernelConfig, kernels KernelManager, store *state.Store, eventBus bus.EventBus, notebooks NotebookWriter, log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		kernels:   kernels,
		registry:  NewRegistry(),
		store:     store,
		eventBus:  eventBus,
		notebooks: notebooks,
		log:       log.WithFields(zap.String("component", "session-manager")),
		runCtx:    ctx,
		runCancel: cancel,
	}
	m.scheduler = NewScheduler(cfg.DefaultTimeoutDuration(), m.submitExecution, m.finalizeExecution, log)

	m.watchdogInterval = cfg.InputRequestTimeoutDuration() / 4
	if m.watchdogInterval < time.Second {
		m.watchdogInterval = time.Second
	}
	return m
}

// Start launches the input watchdog.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrManagerAlreadyRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watchInputs(ctx)
	return nil
}

// Stop halts the watchdog. Sessions are not touched; use ShutdownAll.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerNotRunning
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func (m *Manager) watchInputs(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkStuckInputs(ctx)
		}
	}
}

// checkStuckInputs recovers sessions whose input() caller went away:
// after input_request_timeout it answers with an empty string and
// interrupts the kernel so the queue moves again.
func (m *Manager) checkStuckInputs(ctx context.Context) {
	threshold := m.cfg.InputRequestTimeoutDuration()
	for _, sess := range m.registry.List() {
		waiting, since := sess.waitingInput()
		if !waiting || time.Since(since) < threshold {
			continue
		}

		log := m.log.WithNotebook(sess.Path)
		log.Warn("input request unanswered, recovering session",
			zap.Duration("waiting", time.Since(since)))

		h := sess.Handle()
		if h == nil {
			sess.clearWaitingForInput()
			continue
		}
		if err := h.Client().SendInput(ctx, ""); err != nil {
			log.Warn("failed to submit synthetic input", zap.Error(err))
		}
		sess.clearWaitingForInput()
		if _, err := m.kernels.Interrupt(ctx, sess.Path); err != nil {
			log.Warn("failed to interrupt input-blocked kernel", zap.Error(err))
		}
	}
}

// StartKernel starts a kernel for the notebook and registers its
// session. A second start for the same resolved path reports the
// existing kernel instead of spawning another.
func (m *Manager) StartKernel(ctx context.Context, path string, opts StartOptions) (string, error) {
	resolved, err := resolveNotebookPath(path)
	if err != nil {
		return "", err
	}

	if _, ok := m.registry.Get(resolved); ok {
		return fmt.Sprintf("Kernel already running for %s", resolved), nil
	}

	notebookDir := filepath.Dir(resolved)
	cwd := notebookDir
	if opts.AgentID != "" {
		cwd, err = agentWorkDir(notebookDir, opts.AgentID)
		if err != nil {
			return "", err
		}
	}

	spec := kernel.StartSpec{
		NotebookDir: notebookDir,
		WorkDir:     cwd,
		Environment: opts.Environment,
		VenvPath:    opts.VenvPath,
		DockerImage: opts.DockerImage,
	}

	h, err := m.kernels.Start(ctx, resolved, spec)
	if err != nil {
		if errors.Is(err, kernel.ErrKernelExists) {
			return fmt.Sprintf("Kernel already running for %s", resolved), nil
		}
		return "", err
	}

	sess := newSession(resolved, cwd, opts.AgentID, h, m.cfg.QueueMaxDepth, opts.Timeout)
	if err := m.registry.Add(sess); err != nil {
		// Lost a start race; the winner owns the path. The loser's
		// kernel must die even if the request context already did.
		dctx, cancel := m.detachedTeardown(ctx)
		m.kernels.Stop(dctx, resolved, m.cfg.InterruptGraceDuration())
		cancel()
		return fmt.Sprintf("Kernel already running for %s", resolved), nil
	}

	m.persistRecord(sess, h)

	m.sessionWG.Add(2)
	go func() {
		defer m.sessionWG.Done()
		m.scheduler.ProcessQueue(m.runCtx, sess)
	}()
	go func() {
		defer m.sessionWG.Done()
		m.runIOPump(sess, h)
	}()

	m.publish(bus.SubjectKernelStarted, map[string]interface{}{
		"notebook_path": resolved,
		"kernel_id":     h.UUID,
		"environment":   describeEnv(h.EnvInfo),
	})
	m.log.WithNotebook(resolved).Info("session started",
		zap.String("kernel_id", h.UUID),
		zap.String("cwd", cwd))

	return fmt.Sprintf("Kernel started for %s (%s)", resolved, describeEnv(h.EnvInfo)), nil
}

// ExecuteCellAsync enqueues code on the notebook's session and returns
// the execution id without waiting. ErrNoSession when no kernel was
// started for the path; ErrQueueFull when the queue is at capacity.
// A caller-supplied execID already known to the session is returned
// as-is, making duplicate submissions idempotent.
func (m *Manager) ExecuteCellAsync(ctx context.Context, path string, cellIndex int, code, execID string) (string, error) {
	resolved, err := resolveNotebookPath(path)
	if err != nil {
		return "", err
	}
	sess, ok := m.registry.Get(resolved)
	if !ok {
		return "", ErrNoSession
	}

	if execID != "" {
		if rec := sess.findRecord(execID); rec != nil {
			return execID, nil
		}
	} else {
		execID = uuid.New().String()
	}

	rec := newExecutionRecord(execID, cellIndex, code, m.cfg.MaxOutputs)
	if err := sess.enqueue(rec); err != nil {
		return "", err
	}

	m.log.WithNotebook(resolved).WithExecID(execID).Debug("execution queued",
		zap.Int("cell_index", cellIndex),
		zap.Int("queue_depth", sess.QueueDepth()))
	return execID, nil
}

// GetExecutionStatus returns the current snapshot of an execution.
// Pure read; it never blocks on the kernel.
func (m *Manager) GetExecutionStatus(path, execID string) (*ExecutionStatus, error) {
	resolved, err := resolveNotebookPath(path)
	if err != nil {
		return nil, err
	}
	sess, ok := m.registry.Get(resolved)
	if !ok {
		return nil, ErrNoSession
	}
	rec := sess.findRecord(execID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, execID)
	}
	snap := rec.Snapshot()
	return &snap, nil
}

// CancelExecution cancels an execution. Still-queued work is removed
// without touching the kernel; running work gets an interrupt and up
// to the grace period before being declared cancelled regardless.
func (m *Manager) CancelExecution(ctx context.Context, path, execID string) (*CancelResult, error) {
	resolved, err := resolveNotebookPath(path)
	if err != nil {
		return nil, err
	}
	sess, ok := m.registry.Get(resolved)
	if !ok {
		return nil, ErrNoSession
	}

	if rec, ok := sess.cancelQueued(execID, "cancelled by request"); ok {
		rec.finalize(func() { m.finalizeExecution(sess, rec) })
		m.log.WithNotebook(resolved).WithExecID(execID).Info("queued execution cancelled")
		return &CancelResult{
			ExecID:    execID,
			Status:    StatusCancelled,
			WasQueued: true,
			Message:   "execution removed from queue before it started",
		}, nil
	}

	rec := sess.findRecord(execID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, execID)
	}
	if st := rec.Status(); st.Terminal() {
		return &CancelResult{ExecID: execID, Status: st, Message: "execution already finished"}, nil
	}

	if _, err := m.kernels.Interrupt(ctx, resolved); err != nil {
		m.log.WithNotebook(resolved).Warn("interrupt failed during cancel", zap.Error(err))
	}

	grace := m.cfg.InterruptGraceDuration()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-rec.Done():
	case <-timer.C:
		// The kernel never acknowledged; stop making the caller wait.
		_ = rec.cancel("cancelled; kernel did not acknowledge the interrupt in time")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	st := rec.Status()
	m.log.WithNotebook(resolved).WithExecID(execID).Info("running execution cancelled",
		zap.String("status", string(st)))
	return &CancelResult{ExecID: execID, Status: st, Message: fmt.Sprintf("execution %s", st)}, nil
}

// SubmitInput answers a kernel blocked on input().
func (m *Manager) SubmitInput(ctx context.Context, path, text string) error {
	resolved, err := resolveNotebookPath(path)
	if err != nil {
		return err
	}
	sess, ok := m.registry.Get(resolved)
	if !ok {
		return ErrNoSession
	}
	h := sess.Handle()
	if h == nil {
		return ErrNoSession
	}
	if waiting, _ := sess.waitingInput(); !waiting {
		m.log.WithNotebook(resolved).Warn("input submitted with no pending request")
	}
	if err := h.Client().SendInput(ctx, text); err != nil {
		return fmt.Errorf("failed to forward input to kernel: %w", err)
	}
	sess.clearWaitingForInput()
	return nil
}

// SetStopOnError toggles the session policy of draining the queue on
// the first execution error.
func (m *Manager) SetStopOnError(path string, on bool) error {
	resolved, err := resolveNotebookPath(path)
	if err != nil {
		return err
	}
	sess, ok := m.registry.Get(resolved)
	if !ok {
		return ErrNoSession
	}
	sess.SetStopOnError(on)
	return nil
}

// IsKernelBusy reports whether the session's kernel is executing or
// has pending work.
func (m *Manager) IsKernelBusy(path string) (bool, error) {
	resolved, err := resolveNotebookPath(path)
	if err != nil {
		return false, err
	}
	sess, ok := m.registry.Get(resolved)
	if !ok {
		return false, ErrNoSession
	}
	return sess.Busy(), nil
}

// StopKernel stops the notebook's kernel and tears the session down.
// Idempotent: no session is not an error.
func (m *Manager) StopKernel(ctx context.Context, path string) (string, error) {
	resolved, err := resolveNotebookPath(path)
	if err != nil {
		return "", err
	}
	sess, ok := m.registry.Remove(resolved)
	if !ok {
		return fmt.Sprintf("No kernel running for %s", resolved), nil
	}

	// Teardown finishes even if the caller abandons the request;
	// manager shutdown still aborts it.
	dctx, cancel := m.detachedTeardown(ctx)
	defer cancel()
	m.stopSession(dctx, sess, "kernel stopped")
	return fmt.Sprintf("Kernel stopped for %s", resolved), nil
}

// detachedTeardown derives a context for kernel teardown that survives
// the request's cancellation, bounded by the interrupt grace plus slack
// for container removal.
func (m *Manager) detachedTeardown(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := m.cfg.InterruptGraceDuration() + teardownSlack
	return appctx.Detached(ctx, m.runCtx.Done(), timeout)
}

func (m *Manager) stopSession(ctx context.Context, sess *Session, reason string) {
	sess.closeQueue()

	affected := sess.failActive(reason)
	for _, rec := range affected {
		rec.finalize(func() { m.finalizeExecution(sess, rec) })
	}

	h := sess.Handle()
	sess.setHandle(nil)

	m.kernels.Stop(ctx, sess.Path, m.cfg.InterruptGraceDuration())
	m.deleteRecord(sess.Path)

	data := map[string]interface{}{"notebook_path": sess.Path}
	if h != nil {
		data["kernel_id"] = h.UUID
	}
	m.publish(bus.SubjectKernelStopped, data)
	m.log.WithNotebook(sess.Path).Info("session stopped",
		zap.Int("executions_affected", len(affected)))
}

// RestartKernel replaces the session's kernel with a fresh process,
// clearing interpreter state but keeping the session and its queue.
func (m *Manager) RestartKernel(ctx context.Context, path string) (string, error) {
	resolved, err := resolveNotebookPath(path)
	if err != nil {
		return "", err
	}
	sess, ok := m.registry.Get(resolved)
	if !ok {
		return fmt.Sprintf("No kernel running for %s", resolved), nil
	}

	affected := sess.failActive("kernel restarted")
	for _, rec := range affected {
		rec.finalize(func() { m.finalizeExecution(sess, rec) })
	}

	// Detach the old handle first so its IO pump exits quietly.
	sess.setHandle(nil)

	h, err := m.kernels.Restart(ctx, resolved, m.cfg.InterruptGraceDuration())
	if err != nil {
		// The old kernel is gone and no new one came up; drop the
		// session rather than leaving a kernel-less shell behind.
		m.registry.Remove(resolved)
		sess.closeQueue()
		m.deleteRecord(resolved)
		return "", fmt.Errorf("failed to restart kernel: %w", err)
	}

	sess.setHandle(h)
	sess.clearWaitingForInput()
	m.persistRecord(sess, h)

	m.sessionWG.Add(1)
	go func() {
		defer m.sessionWG.Done()
		m.runIOPump(sess, h)
	}()

	m.publish(bus.SubjectKernelStarted, map[string]interface{}{
		"notebook_path": resolved,
		"kernel_id":     h.UUID,
		"restarted":     true,
	})
	m.log.WithNotebook(resolved).Info("kernel restarted",
		zap.String("kernel_id", h.UUID),
		zap.Int("executions_affected", len(affected)))

	return fmt.Sprintf("Kernel restarted for %s", resolved), nil
}

// InterruptKernel stops the currently running cell without destroying
// kernel state.
func (m *Manager) InterruptKernel(ctx context.Context, path string) (string, error) {
	resolved, err := resolveNotebookPath(path)
	if err != nil {
		return "", err
	}
	found, err := m.kernels.Interrupt(ctx, resolved)
	if err != nil {
		return "", err
	}
	if !found {
		return fmt.Sprintf("No kernel running for %s", resolved), nil
	}
	return fmt.Sprintf("Interrupt sent to kernel for %s", resolved), nil
}

// KernelHealth runs a liveness probe against the notebook's kernel.
func (m *Manager) KernelHealth(ctx context.Context, path string) (kernel.HealthStatus, error) {
	resolved, err := resolveNotebookPath(path)
	if err != nil {
		return kernel.HealthStatus{}, err
	}
	return m.kernels.HealthCheck(ctx, resolved), nil
}

// ListSessions returns a snapshot of every live session.
func (m *Manager) ListSessions() []SessionInfo {
	sessions := m.registry.List()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// ShutdownAll stops every session and waits for their goroutines so no
// background work survives process exit.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	// Wake every in-flight completion wait first.
	m.runCancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range m.registry.List() {
		g.Go(func() error {
			if _, ok := m.registry.Remove(sess.Path); !ok {
				return nil
			}
			m.stopSession(gctx, sess, "server shutting down")
			return nil
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		m.sessionWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for session goroutines: %w", ctx.Err())
	}

	m.log.Info("all sessions shut down")
	return err
}

// submitExecution is the scheduler's execute callback. Marking the
// record running, submitting to the kernel, and registering the
// correlation id happen under the session lock so the IO pump never
// sees a correlation id before the record is findable.
func (m *Manager) submitExecution(ctx context.Context, sess *Session, rec *ExecutionRecord) (string, error) {
	corrID, err := m.submitLocked(ctx, sess, rec)
	if err != nil {
		return "", err
	}

	m.publish(bus.SubjectExecutionStarted, map[string]interface{}{
		"notebook_path":  sess.Path,
		"exec_id":        rec.ID,
		"cell_index":     rec.CellIndex,
		"correlation_id": corrID,
	})
	return corrID, nil
}

func (m *Manager) submitLocked(ctx context.Context, sess *Session, rec *ExecutionRecord) (string, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.handle == nil {
		return "", errors.New("kernel is not running")
	}
	// Running first: once past this point a queued-cancel can no
	// longer win the race and orphan a submitted execution.
	if err := rec.transition(StatusRunning); err != nil {
		return "", err
	}
	corrID, err := sess.handle.Client().Execute(ctx, rec.Code)
	if err != nil {
		return "", err
	}
	sess.registerRunningLocked(corrID, rec)
	return corrID, nil
}

// finalizeExecution runs durable effects for one terminal record:
// notebook write-back for real cells, then the completion event that
// feeds provenance.
func (m *Manager) finalizeExecution(sess *Session, rec *ExecutionRecord) {
	status := rec.Status()

	if m.notebooks != nil && rec.CellIndex >= 0 &&
		(status == StatusCompleted || status == StatusError) {
		if err := m.notebooks.WriteOutputs(sess.Path, rec.CellIndex, rec.Outputs(), rec.ExecutionCount()); err != nil {
			m.log.WithNotebook(sess.Path).Warn("failed to write outputs to notebook",
				zap.Error(err))
		}
	}

	data := map[string]interface{}{
		"notebook_path": sess.Path,
		"exec_id":       rec.ID,
		"cell_index":    rec.CellIndex,
		"status":        string(status),
		"duration_ms":   rec.Duration().Milliseconds(),
	}
	if errText := rec.Error(); errText != "" {
		data["error"] = errText
	}
	if h := sess.Handle(); h != nil {
		data["kernel_id"] = h.UUID
	}
	m.publish(bus.SubjectExecutionCompleted, data)
}

// persistRecord writes the crash-recovery record for a freshly started
// kernel. Best effort: persistence failures are logged, not fatal.
func (m *Manager) persistRecord(sess *Session, h *kernel.Handle) {
	if m.store == nil {
		return
	}
	rec := &state.PersistedSessionRecord{
		NotebookPath:   sess.Path,
		KernelID:       h.UUID,
		KernelPID:      h.PID(),
		ContainerID:    h.ContainerID(),
		ConnectionFile: h.ConnectionFile(),
		ServerPID:      os.Getpid(),
		CreatedAt:      time.Now().UTC(),
	}
	if ct, err := state.ProcessCreateTime(h.PID()); err == nil {
		rec.KernelCreateTime = ct
	}
	if ct, err := state.ProcessCreateTime(os.Getpid()); err == nil {
		rec.ServerCreateTime = ct
	}

	lock := m.store.Lock(sess.Path)
	if ok, err := lock.TryLock(); err == nil && ok {
		defer lock.Unlock()
	}
	if err := m.store.Save(rec); err != nil {
		m.log.WithNotebook(sess.Path).Warn("failed to persist session record", zap.Error(err))
	}
}

func (m *Manager) deleteRecord(path string) {
	if m.store == nil {
		return
	}
	lock := m.store.Lock(path)
	if ok, err := lock.TryLock(); err == nil && ok {
		defer lock.Unlock()
	}
	if err := m.store.Delete(path); err != nil {
		m.log.WithNotebook(path).Warn("failed to delete session record", zap.Error(err))
	}
}

// resolveNotebookPath maps any spelling of a notebook path to one
// canonical absolute form, so relative and absolute references hit the
// same session. The file itself may not exist yet; then the directory
// is resolved instead.
func resolveNotebookPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("notebook path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve notebook path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	if resolvedDir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(resolvedDir, filepath.Base(abs)), nil
	}
	return filepath.Clean(abs), nil
}

// agentWorkDir creates the per-agent working directory under the
// notebook's directory.
func agentWorkDir(notebookDir, agentID string) (string, error) {
	if agentID != filepath.Base(agentID) || agentID == "." || agentID == ".." {
		return "", fmt.Errorf("invalid agent id %q", agentID)
	}
	dir := filepath.Join(notebookDir, ".mcp-agents", agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create agent workdir: %w", err)
	}
	return dir, nil
}

func describeEnv(info kernel.EnvInfo) string {
	switch info.Type {
	case kernel.EnvDocker:
		return "docker: " + info.DockerImage
	case kernel.EnvVenv:
		return "venv: " + info.VenvPath
	default:
		if info.DisplayName != "" {
			return info.DisplayName
		}
		return "local python"
	}
}
