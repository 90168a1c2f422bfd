package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"golang.org/x/sync/singleflight"
)

const (
	execInspectAttempts = 20
	execInspectDelay    = 50 * time.Millisecond
)

// imageAPI is the slice of the Docker client EnsureImage depends on, split
// out so pull deduplication is testable without a daemon.
type imageAPI interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// DockerBackend implements Backend using the Docker Engine API.
type DockerBackend struct {
	cli    *client.Client
	images imageAPI
	pulls  singleflight.Group
}

// NewDockerBackend creates a Docker-backed runtime adapter from the
// environment (DOCKER_HOST etc.).
func NewDockerBackend() (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized")
	return &DockerBackend{cli: cli, images: cli}, nil
}

// EnsureImage makes the image available locally, pulling it if necessary.
// Concurrent calls for the same reference share a single pull.
func (b *DockerBackend) EnsureImage(ctx context.Context, ref string) error {
	_, err, _ := b.pulls.Do(ref, func() (interface{}, error) {
		images, err := b.images.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", ref)),
		})
		if err != nil {
			return nil, fmt.Errorf("list images: %w", err)
		}
		if len(images) > 0 {
			return nil, nil
		}

		slog.Info("Pulling image", "image", ref)
		rc, err := b.images.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			if errdefs.IsNotFound(err) || errdefs.IsUnauthorized(err) {
				return nil, fmt.Errorf("pull %s: %w: %s", ref, ErrImageUnavailable, err)
			}
			return nil, fmt.Errorf("pull image %s: %w", ref, err)
		}
		defer rc.Close()

		// The pull is only complete once the progress stream is drained.
		if _, err := io.Copy(io.Discard, rc); err != nil {
			return nil, fmt.Errorf("read pull progress for %s: %w", ref, err)
		}
		slog.Info("Image pulled", "image", ref)
		return nil, nil
	})
	return err
}

// CreateVolume creates a named volume. Returns nil if it already exists.
func (b *DockerBackend) CreateVolume(ctx context.Context, name string) error {
	if _, err := b.cli.VolumeInspect(ctx, name); err == nil {
		return nil
	}
	if _, err := b.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume deletes a named volume. Missing volumes are not an error.
func (b *DockerBackend) RemoveVolume(ctx context.Context, name string) error {
	if err := b.cli.VolumeRemove(ctx, name, true); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	return nil
}

// CloneVolume copies the contents of src into dst via a helper container.
func (b *DockerBackend) CloneVolume(ctx context.Context, helperImage, src, dst string) error {
	cmd := []string{"sh", "-c", "cp -a /from/. /to/"}
	mounts := []HelperMount{
		{Volume: src, Path: "/from", ReadOnly: true},
		{Volume: dst, Path: "/to"},
	}
	if err := b.RunHelper(ctx, helperImage, cmd, mounts); err != nil {
		return fmt.Errorf("clone volume %s -> %s: %w", src, dst, err)
	}
	return nil
}

// CreateContainer creates a container from cfg without starting it.
func (b *DockerBackend) CreateContainer(ctx context.Context, cfg Config) (Handle, error) {
	config := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		WorkingDir: cfg.WorkDir,
		Env:        cfg.Env,
		Labels:     cfg.Labels,
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   cfg.MemoryBytes,
			NanoCPUs: cfg.CPUCount * 1e9,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: cfg.NoFileLimit, Hard: cfg.NoFileLimit},
			},
		},
	}
	if cfg.VolumeName != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: cfg.VolumeName,
			Target: cfg.MountPath,
		}}
	}

	resp, err := b.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return Handle{}, fmt.Errorf("create container %s: %w", cfg.Name, err)
	}
	return Handle{ID: resp.ID, Name: cfg.Name}, nil
}

// GetContainer looks a container up by name.
func (b *DockerBackend) GetContainer(ctx context.Context, name string) (Handle, error) {
	inspect, err := b.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Handle{}, fmt.Errorf("container %s: %w", name, ErrNotFound)
		}
		return Handle{}, fmt.Errorf("inspect container %s: %w", name, err)
	}
	return Handle{ID: inspect.ID, Name: name, Running: inspect.State.Running}, nil
}

// StartContainer starts a created or stopped container.
func (b *DockerBackend) StartContainer(ctx context.Context, id string) error {
	if err := b.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

// StopContainer stops a container, tolerating already-stopped and
// already-removed states.
func (b *DockerBackend) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := b.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container. Already-gone is not an error.
func (b *DockerBackend) RemoveContainer(ctx context.Context, id string) error {
	if err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// Exec runs a command to completion and captures output and exit code.
func (b *DockerBackend) Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions) (ExecResult, error) {
	return b.exec(ctx, containerID, cmd, nil, opts)
}

// ExecWithInput runs a command feeding input on stdin.
func (b *DockerBackend) ExecWithInput(ctx context.Context, containerID string, cmd []string, input []byte, opts ExecOptions) (ExecResult, error) {
	return b.exec(ctx, containerID, cmd, input, opts)
}

func (b *DockerBackend) exec(ctx context.Context, containerID string, cmd []string, input []byte, opts ExecOptions) (ExecResult, error) {
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  input != nil,
		WorkingDir:   opts.WorkDir,
		Env:          opts.Env,
		User:         opts.User,
	}

	resp, err := b.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ExecResult{}, fmt.Errorf("container %s: %w", containerID, ErrNotFound)
		}
		return ExecResult{}, fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attach.Close()

	if input != nil {
		if _, err := attach.Conn.Write(input); err != nil {
			return ExecResult{}, fmt.Errorf("write exec stdin: %w", err)
		}
		if err := attach.CloseWrite(); err != nil {
			return ExecResult{}, fmt.Errorf("close exec stdin: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	exitCode, err := b.waitExecExit(ctx, resp.ID)
	if err != nil {
		return ExecResult{}, err
	}

	return ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// waitExecExit polls exec inspect until the process has exited. The output
// stream normally closes after exit, so this settles on the first attempt.
func (b *DockerBackend) waitExecExit(ctx context.Context, execID string) (int, error) {
	for i := 0; i < execInspectAttempts; i++ {
		inspect, err := b.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("inspect exec %s: %w", execID, err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(execInspectDelay):
		}
	}
	return 0, fmt.Errorf("exec %s still running after output close", execID)
}

// ExecInteractive starts a TTY exec and returns the raw duplex stream.
func (b *DockerBackend) ExecInteractive(ctx context.Context, containerID string, opts TerminalOptions) (string, net.Conn, error) {
	execConfig := container.ExecOptions{
		Cmd:          opts.Cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		WorkingDir:   opts.WorkDir,
		Env:          opts.Env,
		ConsoleSize:  &[2]uint{opts.Rows, opts.Cols},
	}

	resp, err := b.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", nil, fmt.Errorf("container %s: %w", containerID, ErrNotFound)
		}
		return "", nil, fmt.Errorf("create interactive exec in container %s: %w", containerID, err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return "", nil, fmt.Errorf("attach interactive exec %s: %w", resp.ID, err)
	}

	// Keystroke latency matters more than throughput on this stream.
	if tcp, ok := attach.Conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			slog.Debug("Failed to disable Nagle on exec stream", "error", err)
		}
	}

	slog.Info("Interactive exec created", "exec_id", resp.ID, "container_id", containerID)
	return resp.ID, attach.Conn, nil
}

// ResizeExec resizes a running interactive exec's terminal.
func (b *DockerBackend) ResizeExec(ctx context.Context, execID string, cols, rows uint) error {
	if err := b.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	}); err != nil {
		return fmt.Errorf("resize exec %s to %dx%d: %w", execID, cols, rows, err)
	}
	return nil
}

// RunHelper runs a one-shot container to completion and removes it.
func (b *DockerBackend) RunHelper(ctx context.Context, img string, cmd []string, mounts []HelperMount) error {
	volumeMounts := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		volumeMounts = append(volumeMounts, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   m.Volume,
			Target:   m.Path,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := b.cli.ContainerCreate(ctx,
		&container.Config{Image: img, Cmd: cmd},
		&container.HostConfig{Mounts: volumeMounts},
		nil, nil, "")
	if err != nil {
		return fmt.Errorf("create helper container: %w", err)
	}
	defer func() {
		if removeErr := b.RemoveContainer(context.WithoutCancel(ctx), resp.ID); removeErr != nil {
			slog.Warn("Failed to remove helper container", "container_id", resp.ID, "error", removeErr)
		}
	}()

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start helper container: %w", err)
	}

	waitCh, errCh := b.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if res.StatusCode != 0 {
			return fmt.Errorf("helper container exited with status %d", res.StatusCode)
		}
	case err := <-errCh:
		return fmt.Errorf("wait for helper container: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ContainerLogs returns the last tailLines of combined container output.
func (b *DockerBackend) ContainerLogs(ctx context.Context, id string, tailLines int) (string, error) {
	rc, err := b.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailLines),
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("container logs %s: %w", id, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return buf.String(), nil
}
