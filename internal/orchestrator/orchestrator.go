// Package orchestrator drives session containers through their provisioning
// lifecycle and owns the shared session-tracking state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avoloshko/devbox/internal/backend"
	"github.com/avoloshko/devbox/internal/config"
	"github.com/avoloshko/devbox/internal/domain"
	"github.com/avoloshko/devbox/internal/status"
	"github.com/avoloshko/devbox/internal/store"
	"github.com/google/uuid"
)

// Error codes surfaced through the status registry.
const (
	CodeImageUnavailable = "IMAGE_UNAVAILABLE"
	CodeCreateFailed     = "CREATE_FAILED"
)

const (
	readyMarkerPath = "/tmp/ready"
)

// idleCommand touches the readiness marker then parks, so readiness is
// observable from outside without a health-check protocol.
var idleCommand = []string{"sh", "-c", "touch " + readyMarkerPath + " && sleep infinity"}

// readinessCheck is the probe command run via exec.
var readinessCheck = []string{"sh", "-c", "test -f " + readyMarkerPath + " && echo READY || echo WAIT"}

// ErrSessionNotFound indicates a session is unknown to the orchestrator.
var ErrSessionNotFound = errors.New("session not found")

// CreateOptions are caller-supplied parameters for a new session.
type CreateOptions struct {
	Image       string
	ProjectName string
	Description string
}

// Orchestrator provisions and tracks development-container sessions.
type Orchestrator struct {
	backend   backend.Backend
	registry  *status.Registry
	estimator *status.Estimator
	repo      store.Store
	template  *TemplateManager
	cfg       config.SandboxConfig

	mu     sync.Mutex
	active map[string]string // session ID -> container ID cache; may be stale
}

// New creates an orchestrator. template may be nil if the template volume
// optimization is disabled.
func New(b backend.Backend, registry *status.Registry, estimator *status.Estimator, repo store.Store, template *TemplateManager, cfg config.SandboxConfig) *Orchestrator {
	return &Orchestrator{
		backend:   b,
		registry:  registry,
		estimator: estimator,
		repo:      repo,
		template:  template,
		cfg:       cfg,
		active:    make(map[string]string),
	}
}

// CreateSession registers a new session and kicks off provisioning in the
// background. It returns immediately; callers observe progress by polling.
func (o *Orchestrator) CreateSession(ctx context.Context, ownerID string, opts CreateOptions) (*domain.Session, error) {
	image := opts.Image
	if image == "" {
		image = o.cfg.Image
	}

	now := time.Now()
	session := &domain.Session{
		SessionID:    uuid.New().String(),
		OwnerUserID:  ownerID,
		ProjectName:  opts.ProjectName,
		Description:  opts.Description,
		Image:        image,
		VolumeName:   "",
		CreatedAt:    now,
		LastActivity: now,
	}
	session.VolumeName = domain.VolumeNameFor(session.SessionID)

	o.registry.Begin(session.SessionID, ownerID)

	if err := o.repo.CreateSession(ctx, session); err != nil {
		o.registry.Delete(session.SessionID)
		return nil, fmt.Errorf("persist session: %w", err)
	}

	go o.provision(session)

	slog.Info("Session created", "session_id", session.SessionID, "user_id", ownerID, "image", image)
	return session, nil
}

// Status returns the provisioning status of a session.
func (o *Orchestrator) Status(sessionID string) (status.Record, bool) {
	return o.registry.Get(sessionID)
}

// provision runs the full phase sequence for one session. It is the only
// writer of this session's status entry.
func (o *Orchestrator) provision(session *domain.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ProvisionTimeout)
	defer cancel()

	sid := session.SessionID
	image := session.Image
	name := session.ContainerName()

	fail := func(code string, err error) {
		slog.Error("Provisioning failed", "session_id", sid, "code", code, "error", err)
		o.registry.Fail(sid, code)
		// The failure may be the provision timeout itself, so the state
		// write must not ride the expired context.
		if dbErr := o.repo.UpdateContainerState(context.WithoutCancel(ctx), sid, "", "error"); dbErr != nil {
			slog.Warn("Failed to record provisioning error", "session_id", sid, "error", dbErr)
		}
	}

	// enter moves the session into a phase and returns a completion hook
	// that feeds the observed duration back into the estimator.
	enter := func(phase status.Phase, percent int) func() {
		start := time.Now()
		eta := o.estimator.EstimateRemaining(image, phase, 0)
		if err := o.registry.Set(sid, phase, percent, eta); err != nil {
			slog.Warn("Status update rejected", "session_id", sid, "phase", phase, "error", err)
		}
		return func() {
			o.estimator.RecordObservation(image, phase, time.Since(start))
		}
	}

	doneStarting := enter(status.PhaseStarting, 5)
	existing, err := o.backend.GetContainer(ctx, name)
	doneStarting()

	if err == nil {
		o.provisionExisting(ctx, session, existing, enter, fail)
		return
	}
	if !errors.Is(err, backend.ErrNotFound) {
		fail(CodeCreateFailed, err)
		return
	}

	donePull := enter(status.PhasePullingImage, 10)
	if err := o.backend.EnsureImage(ctx, image); err != nil {
		if errors.Is(err, backend.ErrImageUnavailable) {
			fail(CodeImageUnavailable, err)
		} else {
			fail(CodeCreateFailed, err)
		}
		return
	}
	donePull()

	doneVolume := enter(status.PhaseCreatingVolume, 25)
	if err := o.backend.CreateVolume(ctx, session.VolumeName); err != nil {
		fail(CodeCreateFailed, err)
		return
	}
	if o.template != nil && o.template.Ready() {
		// Best effort: a failed clone degrades to an empty workspace.
		if err := o.backend.CloneVolume(ctx, image, o.template.VolumeName(), session.VolumeName); err != nil {
			slog.Warn("Template volume clone failed, continuing with empty volume",
				"session_id", sid, "error", err)
		}
	}
	doneVolume()

	doneCreate := enter(status.PhaseCreatingContainer, 45)
	handle, err := o.backend.CreateContainer(ctx, backend.Config{
		Name:        name,
		Image:       image,
		Cmd:         idleCommand,
		VolumeName:  session.VolumeName,
		MountPath:   o.cfg.WorkDir,
		WorkDir:     o.cfg.WorkDir,
		Labels:      map[string]string{"devbox.session": sid, "devbox.owner": session.OwnerUserID},
		MemoryBytes: int64(o.cfg.MemoryLimitMB) * 1024 * 1024,
		CPUCount:    int64(o.cfg.CPUCount),
		NoFileLimit: int64(o.cfg.NoFileLimit),
	})
	if err != nil {
		// A racing create can leave a container with our name. Fall back to
		// the existing one instead of failing the session.
		if handle, err = o.backend.GetContainer(ctx, name); err != nil {
			fail(CodeCreateFailed, err)
			return
		}
		slog.Warn("Container name already taken, reusing existing", "session_id", sid, "container_id", handle.ID)
	}
	doneCreate()

	doneStart := enter(status.PhaseStartingContainer, 70)
	if !handle.Running {
		if err := o.backend.StartContainer(ctx, handle.ID); err != nil {
			fail(CodeCreateFailed, err)
			return
		}
	}
	if err := o.waitReady(ctx, handle.ID); err != nil {
		o.logContainerTail(ctx, sid, handle.ID)
		fail(CodeCreateFailed, err)
		return
	}
	doneStart()

	o.markReady(ctx, session, handle.ID)
}

// logContainerTail captures the container's recent output when provisioning
// fails after the container exists, since the error alone rarely explains why
// the readiness marker never appeared.
func (o *Orchestrator) logContainerTail(ctx context.Context, sessionID, containerID string) {
	logs, err := o.backend.ContainerLogs(ctx, containerID, 20)
	if err != nil {
		slog.Debug("Failed to capture container logs", "session_id", sessionID, "error", err)
		return
	}
	slog.Error("Container output before failure", "session_id", sessionID, "logs", logs)
}

// provisionExisting handles the fast path: the deterministically named
// container already exists, either running or stopped.
func (o *Orchestrator) provisionExisting(ctx context.Context, session *domain.Session, handle backend.Handle, enter func(status.Phase, int) func(), fail func(string, error)) {
	sid := session.SessionID

	if handle.Running {
		slog.Info("Container already running, skipping provisioning",
			"session_id", sid, "container_id", handle.ID)
		o.markReady(ctx, session, handle.ID)
		return
	}

	slog.Info("Restarting stopped container", "session_id", sid, "container_id", handle.ID)
	doneStart := enter(status.PhaseStartingContainer, 70)
	if err := o.backend.StartContainer(ctx, handle.ID); err != nil {
		fail(CodeCreateFailed, err)
		return
	}
	// Readiness timeout is fatal here too: a container that never touches
	// its marker is not usable, restarted or not.
	if err := o.waitReady(ctx, handle.ID); err != nil {
		o.logContainerTail(ctx, sid, handle.ID)
		fail(CodeCreateFailed, err)
		return
	}
	doneStart()

	o.markReady(ctx, session, handle.ID)
}

func (o *Orchestrator) markReady(ctx context.Context, session *domain.Session, containerID string) {
	sid := session.SessionID

	o.mu.Lock()
	o.active[sid] = containerID
	o.mu.Unlock()

	if err := o.repo.UpdateContainerState(ctx, sid, containerID, "running"); err != nil {
		slog.Warn("Failed to record container binding", "session_id", sid, "error", err)
	}
	if err := o.registry.SetReady(sid); err != nil {
		slog.Warn("Failed to mark session ready", "session_id", sid, "error", err)
		return
	}
	slog.Info("Session ready", "session_id", sid, "container_id", containerID)
}

// waitReady polls the readiness marker inside the container.
func (o *Orchestrator) waitReady(ctx context.Context, containerID string) error {
	probe := func(ctx context.Context) (bool, error) {
		res, err := o.backend.Exec(ctx, containerID, readinessCheck, backend.ExecOptions{})
		if err != nil {
			return false, err
		}
		return strings.Contains(res.Stdout, "READY"), nil
	}
	return waitUntilReady(ctx, probe, o.cfg.ReadyPollAttempts, o.cfg.ReadyPollInterval)
}

// ProbeReady re-checks the readiness marker of a session's container. Used
// by the terminal bridge before attaching.
func (o *Orchestrator) ProbeReady(ctx context.Context, sessionID string) (bool, error) {
	handle, err := o.ResolveContainer(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !handle.Running {
		return false, nil
	}
	res, err := o.backend.Exec(ctx, handle.ID, readinessCheck, backend.ExecOptions{})
	if err != nil {
		return false, err
	}
	return strings.Contains(res.Stdout, "READY"), nil
}

// ResolveContainer finds the container backing a session. The tracking map
// is only a cache; the runtime is the source of truth, so resolution always
// verifies by deterministic name and re-syncs the cache.
func (o *Orchestrator) ResolveContainer(ctx context.Context, sessionID string) (backend.Handle, error) {
	handle, err := o.backend.GetContainer(ctx, domain.ContainerNameFor(sessionID))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			o.mu.Lock()
			delete(o.active, sessionID)
			o.mu.Unlock()
			return backend.Handle{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return backend.Handle{}, err
	}

	o.mu.Lock()
	o.active[sessionID] = handle.ID
	o.mu.Unlock()
	return handle, nil
}

// Tracked reports whether a session is in the active tracking map.
func (o *Orchestrator) Tracked(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// Touch records session activity, keeping the sweeper at bay.
func (o *Orchestrator) Touch(ctx context.Context, sessionID string) {
	if err := o.repo.UpdateActivity(ctx, sessionID, time.Now()); err != nil {
		slog.Warn("Failed to update session activity", "session_id", sessionID, "error", err)
	}
}

// DeleteSession fully destroys a session: container, volume, status entry,
// and persisted record.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	handle, err := o.backend.GetContainer(ctx, domain.ContainerNameFor(sessionID))
	if err == nil {
		if stopErr := o.backend.StopContainer(ctx, handle.ID, o.cfg.StopTimeout); stopErr != nil && !errors.Is(stopErr, backend.ErrNotFound) {
			slog.Warn("Failed to stop container during delete", "session_id", sessionID, "error", stopErr)
		}
		if removeErr := o.backend.RemoveContainer(ctx, handle.ID); removeErr != nil {
			return fmt.Errorf("remove container: %w", removeErr)
		}
	} else if !errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("lookup container: %w", err)
	}

	if err := o.backend.RemoveVolume(ctx, domain.VolumeNameFor(sessionID)); err != nil {
		slog.Warn("Failed to remove session volume", "session_id", sessionID, "error", err)
	}

	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()

	o.registry.Delete(sessionID)

	if err := o.repo.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}

	slog.Info("Session destroyed", "session_id", sessionID)
	return nil
}
