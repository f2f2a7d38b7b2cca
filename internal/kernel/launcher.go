package kernel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
)

// localRuntime launches kernels as host subprocesses running the
// jupyter_client bridge.
type localRuntime struct {
	defaultPython string
	log           *logger.Logger
}

func newLocalRuntime(defaultPython string, log *logger.Logger) *localRuntime {
	return &localRuntime{defaultPython: defaultPython, log: log}
}

func (r *localRuntime) Name() string { return "local" }

func (r *localRuntime) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	python := spec.Python
	if spec.VenvPath != "" {
		python = venvPython(spec.VenvPath)
	}
	if python == "" {
		python = r.defaultPython
	}

	connDir := spec.ConnectionDir
	if connDir == "" {
		connDir = os.TempDir()
	}
	if err := os.MkdirAll(connDir, 0o755); err != nil {
		return nil, fmt.Errorf("create connection dir: %w", err)
	}
	connFile := filepath.Join(connDir, fmt.Sprintf("kernel-%s.json", spec.KernelUUID))
	bridgeFile := filepath.Join(connDir, fmt.Sprintf("bridge-%s.py", spec.KernelUUID))
	if err := os.WriteFile(bridgeFile, []byte(bridgeSource), 0o600); err != nil {
		return nil, fmt.Errorf("write bridge script: %w", err)
	}

	// Not CommandContext: shutdown is driven by Stop so the kernel
	// gets a chance to exit cleanly.
	cmd := exec.Command(python, bridgeFile, connFile)
	cmd.Dir = spec.WorkDir
	cmd.Env = buildEnv(spec)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		os.Remove(bridgeFile)
		return nil, fmt.Errorf("start kernel process: %w", err)
	}

	p := &localProcess{
		cmd:        cmd,
		connFile:   connFile,
		bridgeFile: bridgeFile,
		log:        r.log.WithFields(zap.Int("pid", cmd.Process.Pid)),
		exited:     make(chan struct{}),
	}
	p.client = newProcClient(stdin, stdout, p.log)

	go logStderrLines(stderr, p.log)
	go p.monitorExit()

	if err := p.client.waitReady(ctx, p.exited); err != nil {
		_ = p.Stop(context.Background(), 2*time.Second)
		return nil, err
	}
	return p, nil
}

func buildEnv(spec LaunchSpec) []string {
	env := os.Environ()
	if spec.VenvPath != "" {
		bin := "bin"
		if runtime.GOOS == "windows" {
			bin = "Scripts"
		}
		env = append(env,
			"VIRTUAL_ENV="+spec.VenvPath,
			"PATH="+filepath.Join(spec.VenvPath, bin)+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	env = append(env, KernelIDEnvVar+"="+spec.KernelUUID, "PYTHONUNBUFFERED=1")
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func venvPython(venv string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venv, "Scripts", "python.exe")
	}
	return filepath.Join(venv, "bin", "python")
}

// localProcess is a host kernel process and its bridge connection.
type localProcess struct {
	cmd        *exec.Cmd
	client     *procClient
	connFile   string
	bridgeFile string
	log        *logger.Logger

	exited chan struct{}

	mu       sync.Mutex
	stopping bool
}

func (p *localProcess) PID() int                { return p.cmd.Process.Pid }
func (p *localProcess) ContainerID() string     { return "" }
func (p *localProcess) ConnectionFile() string  { return p.connFile }
func (p *localProcess) Client() Client          { return p.client }
func (p *localProcess) Exited() <-chan struct{} { return p.exited }

// logStderrLines forwards a kernel's stderr to the debug log.
func logStderrLines(r io.Reader, log *logger.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug("kernel stderr", zap.String("line", scanner.Text()))
	}
}

func (p *localProcess) monitorExit() {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()

	if stopping {
		p.log.Debug("kernel process exited", zap.Int("code", code))
	} else {
		p.log.Warn("kernel process exited unexpectedly",
			zap.Int("code", code), zap.Error(err))
	}
	close(p.exited)
	p.cleanup()
}

func (p *localProcess) cleanup() {
	if p.bridgeFile != "" {
		os.Remove(p.bridgeFile)
	}
	if p.connFile != "" {
		os.Remove(p.connFile)
	}
}

// Stop asks the bridge to shut the kernel down, then escalates through
// SIGTERM to SIGKILL on the process group if it does not exit within
// grace.
func (p *localProcess) Stop(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		select {
		case <-p.exited:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.stopping = true
	p.mu.Unlock()

	_ = p.client.Close()

	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	p.log.Warn("kernel did not exit after shutdown request, terminating process group")
	terminateProcessGroup(p.cmd)

	select {
	case <-p.exited:
		return nil
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	p.log.Warn("kernel ignored termination, killing process group")
	killProcessGroup(p.cmd)

	select {
	case <-p.exited:
		return nil
	case <-time.After(2 * time.Second):
		return errors.New("kernel process did not exit after kill")
	}
}
