// Package api provides HTTP handlers for the devbox API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/avoloshko/devbox/internal/files"
	"github.com/avoloshko/devbox/internal/orchestrator"
	"github.com/avoloshko/devbox/internal/store"
	"github.com/avoloshko/devbox/internal/terminal"
	"github.com/go-chi/chi/v5"
)

// Error codes returned in the "error" field of failed responses.
const (
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeSessionIDMissing = "SESSION_ID_MISSING"
	CodeInternal         = "INTERNAL"
)

// Handler provides common handler dependencies.
type Handler struct {
	repo   store.Store
	orch   *orchestrator.Orchestrator
	facade *files.Facade
	cm     *terminal.ConnManager
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Store, orch *orchestrator.Orchestrator, facade *files.Facade, cm *terminal.ConnManager) *Handler {
	return &Handler{
		repo:   repo,
		orch:   orch,
		facade: facade,
		cm:     cm,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response with an error code.
func Error(w http.ResponseWriter, status int, code string) {
	JSON(w, status, map[string]interface{}{"ok": false, "error": code})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Store
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Store) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
