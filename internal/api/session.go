package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avoloshko/devbox/internal/backend"
	"github.com/avoloshko/devbox/internal/domain"
	"github.com/avoloshko/devbox/internal/identity"
	"github.com/avoloshko/devbox/internal/orchestrator"
	"github.com/avoloshko/devbox/internal/shared"
	"github.com/go-chi/chi/v5"
)

// destroyLocks prevents concurrent destroy requests for the same session.
var destroyLocks sync.Map

// RegisterRoutes registers the session API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/status", h.SessionStatus)
			r.Delete("/", h.DeleteSession)
			r.Post("/exec", h.ExecCommand)
			r.Get("/history", h.CommandHistory)
			r.Get("/files", h.ListDir)
			r.Get("/files/content", h.ReadFile)
			r.Put("/files/content", h.WriteFile)
			r.Get("/files/tree", h.FileTree)
			r.Get("/files/metadata", h.FileMetadata)
		})
	})
}

type createSessionRequest struct {
	Image       string `json:"image"`
	ProjectName string `json:"project_name"`
	Description string `json:"description"`
}

// CreateSession starts provisioning a new session and returns immediately.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, CodeForbidden)
		return
	}

	var req createSessionRequest
	if r.Body != nil {
		// An empty body means all defaults; malformed JSON is still an error.
		if err := decodeJSONBody(r, &req); err != nil {
			Error(w, http.StatusBadRequest, CodeSessionIDMissing)
			return
		}
	}

	session, err := h.orch.CreateSession(r.Context(), userID, orchestrator.CreateOptions{
		Image:       req.Image,
		ProjectName: req.ProjectName,
		Description: req.Description,
	})
	if err != nil {
		slog.Error("Failed to create session", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, CodeInternal)
		return
	}

	JSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":         true,
		"session_id": session.SessionID,
		"phase":      "Starting",
	})
}

// SessionStatus reports provisioning progress for polling clients.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, CodeSessionIDMissing)
		return
	}

	rec, ok := h.orch.Status(sessionID)
	if !ok {
		Error(w, http.StatusNotFound, CodeSessionNotFound)
		return
	}
	if rec.OwnerID != userID {
		Error(w, http.StatusForbidden, CodeForbidden)
		return
	}

	var errField interface{}
	if rec.ErrorCode != "" {
		errField = rec.ErrorCode
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"session_id": rec.SessionID,
		"ready":      rec.Ready,
		"phase":      string(rec.Phase),
		"progress": map[string]interface{}{
			"percent": rec.Percent,
			"eta_ms":  rec.ETAMillis,
		},
		"error": errField,
	})
}

// ListSessions returns all sessions owned by the caller.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	sessions, err := h.repo.ListSessionsByOwner(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, CodeInternal)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"sessions": sessions,
	})
}

// DeleteSession destroys a session and everything backing it.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	sessionID := session.SessionID

	lock, _ := destroyLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		JSON(w, http.StatusOK, map[string]interface{}{"ok": true, "status": "destroying"})
		return
	}
	defer func() {
		mutex.Unlock()
		destroyLocks.Delete(sessionID)
	}()

	// Close any live terminals before tearing the container down.
	h.cm.CloseSession(sessionID)

	if err := h.deleteSessionWithRetry(r.Context(), sessionID); err != nil {
		slog.Error("Failed to destroy session", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, CodeInternal)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"ok": true, "status": "destroyed"})
}

// deleteSessionWithRetry retries destruction on SQLite concurrency errors
// with exponential backoff.
func (h *Handler) deleteSessionWithRetry(ctx context.Context, sessionID string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = h.orch.DeleteSession(ctx, sessionID)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			return err
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("Session delete hit database contention, retrying",
			"session_id", sessionID, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

type execRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_directory"`
}

// ExecCommand runs a one-shot command in the session container.
func (h *Handler) ExecCommand(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var req execRequest
	if err := decodeJSONBody(r, &req); err != nil || req.Command == "" {
		Error(w, http.StatusBadRequest, CodeSessionIDMissing)
		return
	}

	entry, err := h.facade.RunCommand(r.Context(), session.SessionID, req.Command, req.WorkingDir)
	if err != nil {
		h.facadeError(w, err, session.SessionID)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"exit_code":   entry.ExitCode,
		"output":      entry.Output,
		"duration_ms": entry.DurationMS,
	})
}

// CommandHistory returns the most recent terminal history entries.
func (h *Handler) CommandHistory(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	entries, err := h.repo.RecentCommands(r.Context(), session.SessionID, 100)
	if err != nil {
		slog.Error("Failed to load command history", "error", err, "session_id", session.SessionID)
		Error(w, http.StatusInternalServerError, CodeInternal)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"history": entries,
	})
}

// ownedSession resolves the sessionID URL parameter to a session owned by
// the caller, writing the appropriate error response otherwise.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, CodeSessionIDMissing)
		return nil, false
	}

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, CodeInternal)
		return nil, false
	}
	if session == nil {
		Error(w, http.StatusNotFound, CodeSessionNotFound)
		return nil, false
	}
	if session.OwnerUserID != userID {
		Error(w, http.StatusForbidden, CodeForbidden)
		return nil, false
	}
	return session, true
}

// facadeError maps façade failures onto the API error taxonomy.
func (h *Handler) facadeError(w http.ResponseWriter, err error, sessionID string) {
	if errors.Is(err, backend.ErrNotFound) || errors.Is(err, orchestrator.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, CodeSessionNotFound)
		return
	}
	slog.Error("Session operation failed", "error", err, "session_id", sessionID)
	Error(w, http.StatusInternalServerError, CodeInternal)
}
