package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avoloshko/devbox/internal/backend"
	"github.com/avoloshko/devbox/internal/config"
	"github.com/avoloshko/devbox/internal/domain"
)

// CleanupCallback is invoked for every session the sweeper reclaims, before
// its container is stopped. Used to close live terminal connections.
type CleanupCallback func(sessionID string)

// StartSweeper runs a background goroutine that periodically stops and
// removes containers of sessions idle beyond the configured timeout.
func StartSweeper(ctx context.Context, o *Orchestrator, cfg config.SweepConfig, onCleanup CleanupCallback) {
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Cleanup sweeper started", "interval", cfg.Interval, "idle_timeout", cfg.IdleTimeout)

		for {
			select {
			case <-ticker.C:
				o.SweepIdle(ctx, cfg.IdleTimeout, onCleanup)
			case <-ctx.Done():
				slog.Info("Cleanup sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepIdle reclaims every session idle beyond idleTimeout. Each session is
// cleaned independently; one failure never stops the sweep. The session's
// volume is retained so the workspace can be resurrected later. Returns the
// number of sessions cleaned.
func (o *Orchestrator) SweepIdle(ctx context.Context, idleTimeout time.Duration, onCleanup CleanupCallback) int {
	idle, err := o.repo.GetIdleSessions(ctx, idleTimeout)
	if err != nil {
		slog.Error("Sweeper failed to list idle sessions", "error", err)
		return 0
	}
	if len(idle) == 0 {
		return 0
	}

	slog.Info("Sweeper found idle sessions", "count", len(idle))

	cleaned := 0
	for _, session := range idle {
		if o.sweepOne(ctx, session, onCleanup) {
			cleaned++
		}
	}

	slog.Info("Sweeper cleanup completed", "cleaned", cleaned)
	return cleaned
}

func (o *Orchestrator) sweepOne(ctx context.Context, session *domain.Session, onCleanup CleanupCallback) bool {
	sid := session.SessionID
	slog.Info("Sweeper reclaiming idle session",
		"session_id", sid, "container_id", session.ContainerID)

	if onCleanup != nil {
		onCleanup(sid)
	}

	if err := o.backend.StopContainer(ctx, session.ContainerID, o.cfg.StopTimeout); err != nil && !errors.Is(err, backend.ErrNotFound) {
		slog.Error("Sweeper failed to stop container",
			"error", err, "session_id", sid, "container_id", session.ContainerID)
		return false
	}
	if err := o.backend.RemoveContainer(ctx, session.ContainerID); err != nil {
		slog.Error("Sweeper failed to remove container",
			"error", err, "session_id", sid, "container_id", session.ContainerID)
		return false
	}

	o.mu.Lock()
	delete(o.active, sid)
	o.mu.Unlock()

	// Swept sessions vanish from status polling as well; a later poll gets
	// SESSION_NOT_FOUND rather than a stale last-known phase.
	o.registry.Delete(sid)

	if err := o.repo.UpdateContainerState(ctx, sid, "", "stopped"); err != nil {
		slog.Warn("Sweeper failed to clear container binding",
			"error", err, "session_id", sid)
	}
	return true
}
