// devbox - ephemeral development-container orchestrator
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avoloshko/devbox/internal/api"
	"github.com/avoloshko/devbox/internal/backend"
	"github.com/avoloshko/devbox/internal/config"
	"github.com/avoloshko/devbox/internal/files"
	"github.com/avoloshko/devbox/internal/identity"
	"github.com/avoloshko/devbox/internal/middleware"
	"github.com/avoloshko/devbox/internal/orchestrator"
	"github.com/avoloshko/devbox/internal/status"
	"github.com/avoloshko/devbox/internal/store"
	"github.com/avoloshko/devbox/internal/terminal"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	dockerBackend, err := backend.NewDockerBackend()
	if err != nil {
		slog.Error("Failed to initialize container backend", "error", err)
		os.Exit(1)
	}

	// Template volume init is best effort: failure only disables the
	// clone-on-create fast path.
	template := orchestrator.NewTemplateManager(dockerBackend, cfg.Sandbox.Image, cfg.Sandbox.TemplateVolume)
	if err := template.Init(context.Background()); err != nil {
		slog.Warn("Template volume unavailable, sessions start with empty volumes", "error", err)
	}

	registry := status.NewRegistry()
	estimator := status.NewEstimator()
	orch := orchestrator.New(dockerBackend, registry, estimator, repo, template, cfg.Sandbox)
	facade := files.NewFacade(orch, dockerBackend, repo, cfg.Sandbox.WorkDir)
	cm := terminal.NewConnManager()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, orch, facade, cm)
	healthHandler := api.NewHealthHandler(repo)
	bridge := terminal.NewBridge(repo, dockerBackend, orch, cm, cfg.Sandbox, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		allowedOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(allowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	baseHandler.RegisterRoutes(r)

	// WebSocket terminal endpoint.
	r.Get("/ws/terminal", bridge.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // terminal connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchestrator.StartSweeper(ctx, orch, cfg.Sweep, cm.CloseSession)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
