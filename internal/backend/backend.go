// Package backend wraps the container runtime behind a narrow interface so
// the orchestrator, terminal bridge, and file façade never talk to the
// Docker SDK directly.
package backend

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrNotFound indicates a container, volume, or exec target does not
	// exist. Callers treat this as recoverable (recreate or report stopped).
	ErrNotFound = errors.New("backend: not found")

	// ErrImageUnavailable indicates the image reference does not exist or
	// registry access was denied. Fatal to provisioning, never retried.
	ErrImageUnavailable = errors.New("backend: image unavailable")
)

// Handle identifies a container known to the runtime.
type Handle struct {
	ID      string
	Name    string
	Running bool
}

// Config describes a container to create.
type Config struct {
	Name        string
	Image       string
	Cmd         []string
	VolumeName  string
	MountPath   string
	WorkDir     string
	Env         []string
	Labels      map[string]string
	MemoryBytes int64
	CPUCount    int64
	NoFileLimit int64
}

// ExecOptions control a one-shot exec.
type ExecOptions struct {
	WorkDir string
	Env     []string
	User    string
}

// ExecResult is the outcome of a one-shot exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// HelperMount binds a named volume into a helper container.
type HelperMount struct {
	Volume   string
	Path     string
	ReadOnly bool
}

// TerminalOptions control an interactive TTY exec.
type TerminalOptions struct {
	Cmd     []string
	WorkDir string
	Env     []string
	Cols    uint
	Rows    uint
}

// Backend is the container runtime surface the rest of the system depends on.
type Backend interface {
	// EnsureImage makes the image available locally, pulling if necessary.
	// Idempotent and safe to call concurrently for the same reference.
	EnsureImage(ctx context.Context, ref string) error

	// CreateVolume creates a named volume, returning nil if it already exists.
	CreateVolume(ctx context.Context, name string) error

	// RemoveVolume deletes a named volume. Missing volumes are not an error.
	RemoveVolume(ctx context.Context, name string) error

	// CloneVolume copies the full contents of src into dst using a
	// short-lived helper container running helperImage.
	CloneVolume(ctx context.Context, helperImage, src, dst string) error

	// CreateContainer creates a container from cfg without starting it.
	CreateContainer(ctx context.Context, cfg Config) (Handle, error)

	// GetContainer looks a container up by name. Returns ErrNotFound if absent.
	GetContainer(ctx context.Context, name string) (Handle, error)

	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error

	// Exec runs a command to completion and captures output and exit code.
	Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions) (ExecResult, error)

	// ExecWithInput runs a command feeding input on stdin, then captures
	// output and exit code.
	ExecWithInput(ctx context.Context, containerID string, cmd []string, input []byte, opts ExecOptions) (ExecResult, error)

	// ExecInteractive starts a TTY exec and returns its exec ID and the raw
	// bidirectional stream to the allocated pseudo-terminal.
	ExecInteractive(ctx context.Context, containerID string, opts TerminalOptions) (string, net.Conn, error)

	// ResizeExec resizes a running interactive exec's terminal.
	ResizeExec(ctx context.Context, execID string, cols, rows uint) error

	// RunHelper creates a container from image with the given volume mounts,
	// runs cmd to completion, and removes it. Fails on non-zero exit.
	RunHelper(ctx context.Context, image string, cmd []string, mounts []HelperMount) error

	// ContainerLogs returns the last tailLines of a container's log output.
	ContainerLogs(ctx context.Context, id string, tailLines int) (string, error)
}
