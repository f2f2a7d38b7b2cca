package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/config"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
)

// Manager owns every running kernel and enforces the system-wide
// concurrency cap. Starts that would exceed the cap fail immediately
// with ErrCapacity; there is no start queue.
type Manager struct {
	cfg    config.KernelConfig
	sem    *semaphore.Weighted
	local  Runtime
	docker Runtime
	envs   map[string]Environment
	log    *logger.Logger

	mu       sync.RWMutex
	kernels  map[string]*Handle
	starting map[string]struct{}
}

// NewManager builds a Manager. Docker is optional: if the docker
// client cannot be constructed the manager degrades to host kernels.
func NewManager(cfg config.KernelConfig, dockerCfg config.DockerConfig, log *logger.Logger) (*Manager, error) {
	envs := map[string]Environment{}
	if cfg.EnvironmentsFile != "" {
		loaded, err := LoadEnvironments(cfg.EnvironmentsFile)
		if err != nil {
			return nil, err
		}
		envs = loaded
	}

	m := &Manager{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		local:    newLocalRuntime(cfg.Python, log),
		envs:     envs,
		log:      log,
		kernels:  make(map[string]*Handle),
		starting: make(map[string]struct{}),
	}

	if dockerCfg.Enabled {
		docker, err := newDockerRuntime(dockerCfg, log)
		if err != nil {
			log.Warn("docker runtime unavailable, containerized kernels disabled", zap.Error(err))
		} else {
			m.docker = docker
		}
	}
	return m, nil
}

// Start launches a kernel under the given id.
func (m *Manager) Start(ctx context.Context, id string, spec StartSpec) (*Handle, error) {
	m.mu.Lock()
	if _, exists := m.kernels[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKernelExists, id)
	}
	if _, exists := m.starting[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKernelExists, id)
	}
	if !m.sem.TryAcquire(1) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d kernels already running", ErrCapacity, m.cfg.MaxConcurrent)
	}
	m.starting[id] = struct{}{}
	m.mu.Unlock()

	handle, err := m.launch(ctx, id, spec)

	m.mu.Lock()
	delete(m.starting, id)
	if err == nil {
		m.kernels[id] = handle
	}
	m.mu.Unlock()

	if err != nil {
		m.sem.Release(1)
		return nil, err
	}
	return handle, nil
}

func (m *Manager) launch(ctx context.Context, id string, spec StartSpec) (*Handle, error) {
	resolved, envInfo, err := m.resolveSpec(spec)
	if err != nil {
		return nil, err
	}

	rt := m.local
	if resolved.Image != "" {
		if m.docker == nil {
			return nil, ErrDockerDisabled
		}
		rt = m.docker
		for _, mnt := range resolved.Mounts {
			if err := ValidateMountPath(mnt, m.cfg.AllowedMountRoot); err != nil {
				return nil, err
			}
		}
	}

	kernelUUID := uuid.New().String()
	resolved.KernelUUID = kernelUUID

	log := m.log.WithKernelID(id)
	log.Info("starting kernel",
		zap.String("runtime", rt.Name()),
		zap.String("kernel_uuid", kernelUUID),
		zap.String("workdir", resolved.WorkDir))

	launchCtx, cancel := context.WithTimeout(ctx, m.cfg.LaunchTimeoutDuration())
	defer cancel()

	proc, err := rt.Launch(launchCtx, resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to start kernel: %w", err)
	}

	log.Info("kernel started", zap.Int("pid", proc.PID()))

	return NewHandle(id, kernelUUID, envInfo, spec, proc), nil
}

// resolveSpec applies the named environment and fills defaults,
// producing the runtime-level launch request.
func (m *Manager) resolveSpec(spec StartSpec) (LaunchSpec, EnvInfo, error) {
	venv := spec.VenvPath
	img := spec.DockerImage
	python := ""
	display := ""

	if spec.Environment != "" {
		env, ok := m.envs[spec.Environment]
		if !ok {
			return LaunchSpec{}, EnvInfo{}, fmt.Errorf("unknown kernel environment %q", spec.Environment)
		}
		if venv == "" {
			venv = env.Venv
		}
		if img == "" {
			img = env.DockerImage
		}
		python = env.Python
		display = env.DisplayName
	}

	workDir := spec.WorkDir
	if workDir == "" {
		workDir = spec.NotebookDir
	}

	info := EnvInfo{Type: EnvLocal, Python: python, DisplayName: display}
	switch {
	case img != "":
		info.Type = EnvDocker
		info.DockerImage = img
	case venv != "":
		info.Type = EnvVenv
		info.VenvPath = venv
	default:
		if info.Python == "" {
			info.Python = m.cfg.Python
		}
	}

	var mounts []string
	if img != "" {
		mounts = append(mounts, spec.NotebookDir)
		if workDir != spec.NotebookDir && !isWithin(spec.NotebookDir, workDir) {
			mounts = append(mounts, workDir)
		}
	}

	return LaunchSpec{
		WorkDir:       workDir,
		Python:        python,
		VenvPath:      venv,
		Image:         img,
		Mounts:        mounts,
		Env:           spec.Env,
		ConnectionDir: m.cfg.ConnectionDir,
	}, info, nil
}

// Stop shuts a kernel down and frees its capacity slot. It reports
// whether a kernel was running; stopping twice is not an error.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) bool {
	m.mu.Lock()
	h, ok := m.kernels[id]
	if ok {
		delete(m.kernels, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	log := m.log.WithKernelID(id)
	if err := h.proc.Stop(ctx, grace); err != nil {
		log.Warn("kernel stop was not clean", zap.Error(err))
	}
	m.sem.Release(1)
	log.Info("kernel stopped")
	return true
}

// Restart stops the kernel and starts a fresh one with the same spec.
// All in-memory execution state dies with the old process.
func (m *Manager) Restart(ctx context.Context, id string, grace time.Duration) (*Handle, error) {
	m.mu.RLock()
	h, ok := m.kernels[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKernelNotFound, id)
	}
	spec := h.Spec
	m.Stop(ctx, id, grace)
	return m.Start(ctx, id, spec)
}

// Interrupt asks the kernel to abort the current execution. The bool
// reports whether a kernel was found.
func (m *Manager) Interrupt(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	h, ok := m.kernels[id]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := h.Client().Interrupt(ctx); err != nil {
		return true, fmt.Errorf("failed to interrupt kernel: %w", err)
	}
	return true, nil
}

// HealthCheck runs a kernel_info round trip and reports liveness and
// latency. It never mutates kernel state.
func (m *Manager) HealthCheck(ctx context.Context, id string) HealthStatus {
	m.mu.RLock()
	h, ok := m.kernels[id]
	m.mu.RUnlock()
	if !ok {
		return HealthStatus{Alive: false, Error: "no kernel running"}
	}
	if !h.Client().IsAlive() {
		return HealthStatus{Alive: false, Error: "kernel process exited"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := h.Client().KernelInfo(probeCtx); err != nil {
		return HealthStatus{Alive: false, Error: err.Error()}
	}
	return HealthStatus{
		Alive:     true,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

// Get returns the handle for id.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.kernels[id]
	return h, ok
}

// List returns all live handles.
func (m *Manager) List() []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handles := make([]*Handle, 0, len(m.kernels))
	for _, h := range m.kernels {
		handles = append(handles, h)
	}
	return handles
}

// Count returns the number of live kernels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.kernels)
}

// ReapContainer force-removes a kernel container left behind by a
// dead server. Used by the zombie reaper.
func (m *Manager) ReapContainer(ctx context.Context, containerID string) error {
	dr, ok := m.docker.(*dockerRuntime)
	if !ok {
		return ErrDockerDisabled
	}
	return dr.removeContainer(ctx, containerID)
}

// Shutdown stops every kernel concurrently.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.kernels))
	for id := range m.kernels {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Stop(ctx, id, grace)
		}(id)
	}
	wg.Wait()
}
