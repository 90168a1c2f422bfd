// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/avoloshko/devbox/internal/domain"
)

// Store defines the interface for persisting sessions, terminal history,
// and file metadata.
type Store interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID. Returns (nil, nil) if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessionsByOwner retrieves all sessions owned by a user, newest first.
	ListSessionsByOwner(ctx context.Context, userID string) ([]*domain.Session, error)

	// UpdateActivity updates the last_activity timestamp for a session.
	UpdateActivity(ctx context.Context, sessionID string, at time.Time) error

	// UpdateContainerState records the container ID and status for a session.
	UpdateContainerState(ctx context.Context, sessionID, containerID, containerStatus string) error

	// DeleteSession removes a session record and its history and metadata.
	DeleteSession(ctx context.Context, sessionID string) error

	// GetIdleSessions retrieves sessions with a bound container whose
	// last activity is older than the idle timeout.
	GetIdleSessions(ctx context.Context, idleTimeout time.Duration) ([]*domain.Session, error)

	// AppendCommand appends one entry to a session's terminal history.
	AppendCommand(ctx context.Context, sessionID string, entry *domain.CommandEntry) error

	// RecentCommands returns the most recent history entries, newest last.
	RecentCommands(ctx context.Context, sessionID string, limit int) ([]*domain.CommandEntry, error)

	// UpsertFileMetadata creates or updates metadata for (session, path).
	UpsertFileMetadata(ctx context.Context, meta *domain.FileMetadata) error

	// ListFileMetadata returns all file metadata recorded for a session.
	ListFileMetadata(ctx context.Context, sessionID string) ([]*domain.FileMetadata, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
