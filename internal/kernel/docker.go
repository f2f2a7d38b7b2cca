package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/config"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
)

// ContainerLabelUUID marks kernel containers with their session UUID
// so the reaper can match containers to persisted records.
const ContainerLabelUUID = "mcp-jupyter.kernel-uuid"

// dockerRuntime launches kernels inside containers. The bridge script
// is passed with python -c, so the image only needs python with
// jupyter_client and ipykernel installed.
type dockerRuntime struct {
	cli *client.Client
	cfg config.DockerConfig
	log *logger.Logger
}

func newDockerRuntime(cfg config.DockerConfig, log *logger.Logger) (*dockerRuntime, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &dockerRuntime{cli: cli, cfg: cfg, log: log}, nil
}

func (r *dockerRuntime) Name() string { return "docker" }

// Ping reports whether the docker daemon is reachable.
func (r *dockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

func (r *dockerRuntime) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	img := spec.Image
	if img == "" {
		img = r.cfg.DefaultImage
	}

	connFile := fmt.Sprintf("/tmp/kernel-%s.json", spec.KernelUUID)

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, src := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: src,
			Target: src,
		})
	}

	env := []string{
		KernelIDEnvVar + "=" + spec.KernelUUID,
		"PYTHONUNBUFFERED=1",
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:      img,
		Cmd:        []string{"python", "-u", "-c", bridgeSource, connFile},
		Env:        env,
		WorkingDir: spec.WorkDir,
		Labels:     map[string]string{ContainerLabelUUID: spec.KernelUUID},
		OpenStdin:  true,
		StdinOnce:  false,
		// No TTY: stream demultiplexing relies on it.
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(r.cfg.DefaultNetwork),
	}

	name := "mcp-jupyter-kernel-" + spec.KernelUUID

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		if !client.IsErrNotFound(err) {
			return nil, fmt.Errorf("failed to create kernel container: %w", err)
		}
		if err := r.pullImage(ctx, img); err != nil {
			return nil, err
		}
		resp, err = r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
		if err != nil {
			return nil, fmt.Errorf("failed to create kernel container: %w", err)
		}
	}
	id := resp.ID

	attach, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.cleanupContainer(id)
		return nil, fmt.Errorf("failed to attach to kernel container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		attach.Close()
		r.cleanupContainer(id)
		return nil, fmt.Errorf("failed to start kernel container: %w", err)
	}

	inspect, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		attach.Close()
		r.cleanupContainer(id)
		return nil, fmt.Errorf("failed to inspect kernel container: %w", err)
	}

	p := &dockerProcess{
		cli:      r.cli,
		id:       id,
		pid:      inspect.State.Pid,
		connFile: connFile,
		log:      r.log.WithFields(zap.String("container_id", shortID(id))),
		exited:   make(chan struct{}),
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		demuxStreams(attach.Reader, outW, errW)
		outW.Close()
		errW.Close()
	}()
	go logStderrLines(errR, p.log)

	p.client = newProcClient(attach.Conn, outR, p.log)
	go p.monitorExit()

	if err := p.client.waitReady(ctx, p.exited); err != nil {
		_ = p.Stop(context.Background(), 2*time.Second)
		return nil, err
	}
	return p, nil
}

func (r *dockerRuntime) pullImage(ctx context.Context, img string) error {
	r.log.Info("pulling kernel image", zap.String("image", img))
	reader, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Drain so the pull completes before we create the container.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

func (r *dockerRuntime) removeContainer(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove kernel container: %w", err)
	}
	return nil
}

func (r *dockerRuntime) cleanupContainer(id string) {
	if err := r.removeContainer(context.Background(), id); err != nil {
		r.log.Warn("failed to remove kernel container",
			zap.String("container_id", shortID(id)), zap.Error(err))
	}
}

// demuxStreams splits Docker's multiplexed attach stream. Each frame
// carries an 8 byte header: stream type, three reserved bytes, and a
// big endian frame size.
func demuxStreams(r io.Reader, stdout, stderr io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}
		switch streamType {
		case 1:
			stdout.Write(data)
		case 2:
			stderr.Write(data)
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// dockerProcess is a containerized kernel and its bridge connection.
type dockerProcess struct {
	cli      *client.Client
	id       string
	pid      int
	connFile string
	client   *procClient
	log      *logger.Logger

	exited chan struct{}

	mu       sync.Mutex
	stopping bool
}

func (p *dockerProcess) PID() int                { return p.pid }
func (p *dockerProcess) ContainerID() string     { return p.id }
func (p *dockerProcess) ConnectionFile() string  { return p.connFile }
func (p *dockerProcess) Client() Client          { return p.client }
func (p *dockerProcess) Exited() <-chan struct{} { return p.exited }

func (p *dockerProcess) monitorExit() {
	statusCh, errCh := p.cli.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)

	var code int64 = -1
	select {
	case err := <-errCh:
		if err != nil {
			p.log.Warn("error waiting for kernel container", zap.Error(err))
		}
	case status := <-statusCh:
		code = status.StatusCode
	}

	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()

	if stopping {
		p.log.Debug("kernel container exited", zap.Int64("exit_code", code))
	} else {
		p.log.Warn("kernel container exited unexpectedly", zap.Int64("exit_code", code))
	}
	close(p.exited)
}

// Stop asks the bridge to shut the kernel down, lets docker escalate
// if the container ignores it, and always removes the container.
func (p *dockerProcess) Stop(ctx context.Context, grace time.Duration) error {
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
	case <-time.After(grace):
		p.log.Warn("kernel container did not exit after shutdown request, stopping it")
		seconds := 2
		if err := p.cli.ContainerStop(ctx, p.id, container.StopOptions{Timeout: &seconds}); err != nil {
			p.log.Warn("failed to stop kernel container", zap.Error(err))
		}
	case <-ctx.Done():
	}

	err := p.cli.ContainerRemove(context.Background(), p.id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove kernel container: %w", err)
	}
	return nil
}
