// Package domain contains core domain types for the devbox service.
package domain

import (
	"time"
)

// Session represents one development workspace: a stable ID backed by
// exactly one container and one volume.
type Session struct {
	SessionID       string    `json:"session_id"`
	OwnerUserID     string    `json:"owner_user_id"`
	ProjectName     string    `json:"project_name,omitempty"`
	Description     string    `json:"description,omitempty"`
	Image           string    `json:"image"`
	ContainerID     string    `json:"container_id,omitempty"`
	ContainerStatus string    `json:"container_status,omitempty"`
	VolumeName      string    `json:"volume_name"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
}

// ContainerName returns the deterministic container name for a session.
func (s *Session) ContainerName() string {
	return ContainerNameFor(s.SessionID)
}

// ContainerNameFor derives the deterministic container name for a session ID.
func ContainerNameFor(sessionID string) string {
	return "devbox-" + sessionID
}

// VolumeNameFor derives the deterministic volume name for a session ID.
func VolumeNameFor(sessionID string) string {
	return "devbox-" + sessionID + "-data"
}

// IdleFor returns how long the session has been inactive.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// CommandEntry is one executed command in a session's terminal history.
type CommandEntry struct {
	Command    string    `json:"command"`
	Output     string    `json:"output"`
	ExitCode   int       `json:"exit_code"`
	WorkingDir string    `json:"working_directory"`
	DurationMS int64     `json:"duration_ms"`
	ExecutedAt time.Time `json:"executed_at"`
}

// FileMetadata describes a file observed inside a session workspace,
// keyed by (session, path).
type FileMetadata struct {
	SessionID      string    `json:"session_id"`
	Path           string    `json:"path"`
	Name           string    `json:"name"`
	Type           string    `json:"type"` // "file" or "directory"
	Size           int64     `json:"size"`
	ContentPreview string    `json:"content_preview,omitempty"`
	Language       string    `json:"language,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
