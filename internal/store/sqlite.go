package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/avoloshko/devbox/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		project_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL,
		container_id TEXT,
		container_status TEXT NOT NULL DEFAULT '',
		volume_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity) WHERE container_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS terminal_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		command TEXT NOT NULL,
		output TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		working_directory TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		executed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_session ON terminal_history(session_id, executed_at);

	CREATE TABLE IF NOT EXISTS file_metadata (
		session_id TEXT NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		content_preview TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, path)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, owner_user_id, project_name, description,
	                      image, container_id, container_status, volume_name,
	                      created_at, last_activity)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var containerID interface{}
	if session.ContainerID != "" {
		containerID = session.ContainerID
	}

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.OwnerUserID, session.ProjectName, session.Description,
		session.Image, containerID, session.ContainerStatus, session.VolumeName,
		session.CreatedAt.Unix(), session.LastActivity.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func scanSession(scan func(dest ...interface{}) error) (*domain.Session, error) {
	var session domain.Session
	var containerID sql.NullString
	var createdAt, lastActivity int64

	err := scan(
		&session.SessionID, &session.OwnerUserID, &session.ProjectName, &session.Description,
		&session.Image, &containerID, &session.ContainerStatus, &session.VolumeName,
		&createdAt, &lastActivity,
	)
	if err != nil {
		return nil, err
	}

	session.ContainerID = containerID.String
	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastActivity = time.Unix(lastActivity, 0)
	return &session, nil
}

const sessionColumns = `session_id, owner_user_id, project_name, description,
	image, container_id, container_status, volume_name, created_at, last_activity`

// GetSession retrieves a session by ID. Returns (nil, nil) if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	session, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessionsByOwner retrieves all sessions owned by a user, newest first.
func (s *SQLiteStore) ListSessionsByOwner(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE owner_user_id = ? ORDER BY created_at DESC`
	return s.querySessions(ctx, query, userID)
}

// GetIdleSessions retrieves sessions with a bound container whose last
// activity is older than the idle timeout.
func (s *SQLiteStore) GetIdleSessions(ctx context.Context, idleTimeout time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-idleTimeout).Unix()
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE container_id IS NOT NULL AND last_activity < ?`
	return s.querySessions(ctx, query, threshold)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// UpdateActivity updates the last_activity timestamp for a session.
func (s *SQLiteStore) UpdateActivity(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE sessions SET last_activity = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, at.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("update last_activity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateActivity affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// UpdateContainerState records the container ID and status for a session.
func (s *SQLiteStore) UpdateContainerState(ctx context.Context, sessionID, containerID, containerStatus string) error {
	query := `UPDATE sessions SET container_id = ?, container_status = ? WHERE session_id = ?`

	var id interface{}
	if containerID != "" {
		id = containerID
	}

	result, err := s.db.ExecContext(ctx, query, id, containerStatus, sessionID)
	if err != nil {
		return fmt.Errorf("update container state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

// DeleteSession removes a session record and its history and metadata.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM terminal_history WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete terminal history: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_metadata WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete file metadata: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendCommand appends one entry to a session's terminal history.
func (s *SQLiteStore) AppendCommand(ctx context.Context, sessionID string, entry *domain.CommandEntry) error {
	query := `
	INSERT INTO terminal_history (session_id, command, output, exit_code,
	                              working_directory, duration_ms, executed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sessionID, entry.Command, entry.Output, entry.ExitCode,
		entry.WorkingDir, entry.DurationMS, entry.ExecutedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append command: %w", err)
	}
	return nil
}

// RecentCommands returns the most recent history entries, newest last.
func (s *SQLiteStore) RecentCommands(ctx context.Context, sessionID string, limit int) ([]*domain.CommandEntry, error) {
	query := `
	SELECT command, output, exit_code, working_directory, duration_ms, executed_at
	FROM (
		SELECT id, command, output, exit_code, working_directory, duration_ms, executed_at
		FROM terminal_history WHERE session_id = ?
		ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query terminal history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	var entries []*domain.CommandEntry
	for rows.Next() {
		var entry domain.CommandEntry
		var executedAt int64
		if err := rows.Scan(
			&entry.Command, &entry.Output, &entry.ExitCode,
			&entry.WorkingDir, &entry.DurationMS, &executedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entry.ExecutedAt = time.Unix(executedAt, 0)
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate terminal history: %w", err)
	}
	return entries, nil
}

// UpsertFileMetadata creates or updates metadata for (session, path).
func (s *SQLiteStore) UpsertFileMetadata(ctx context.Context, meta *domain.FileMetadata) error {
	query := `
	INSERT INTO file_metadata (session_id, path, name, type, size,
	                           content_preview, language, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, path) DO UPDATE SET
		name = excluded.name,
		type = excluded.type,
		size = excluded.size,
		content_preview = excluded.content_preview,
		language = excluded.language,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		meta.SessionID, meta.Path, meta.Name, meta.Type, meta.Size,
		meta.ContentPreview, meta.Language, meta.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert file metadata: %w", err)
	}
	return nil
}

// ListFileMetadata returns all file metadata recorded for a session.
func (s *SQLiteStore) ListFileMetadata(ctx context.Context, sessionID string) ([]*domain.FileMetadata, error) {
	query := `
	SELECT session_id, path, name, type, size, content_preview, language, updated_at
	FROM file_metadata WHERE session_id = ? ORDER BY path`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query file metadata: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close metadata rows", "error", closeErr)
		}
	}()

	var metas []*domain.FileMetadata
	for rows.Next() {
		var meta domain.FileMetadata
		var updatedAt int64
		if err := rows.Scan(
			&meta.SessionID, &meta.Path, &meta.Name, &meta.Type, &meta.Size,
			&meta.ContentPreview, &meta.Language, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan metadata row: %w", err)
		}
		meta.UpdatedAt = time.Unix(updatedAt, 0)
		metas = append(metas, &meta)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file metadata: %w", err)
	}
	return metas, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
