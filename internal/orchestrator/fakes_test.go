package orchestrator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/avoloshko/devbox/internal/backend"
	"github.com/avoloshko/devbox/internal/domain"
)

// fakeBackend is an in-memory backend.Backend for provisioning tests.
type fakeBackend struct {
	mu sync.Mutex

	containers map[string]backend.Handle // keyed by name
	volumes    map[string]bool
	images     map[string]bool

	ensureImageErr error
	createErr      error
	execResult     backend.ExecResult
	execErr        error
	stopErrs       map[string]error // keyed by container ID

	calls []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		containers: make(map[string]backend.Handle),
		volumes:    make(map[string]bool),
		images:     make(map[string]bool),
		stopErrs:   make(map[string]error),
		execResult: backend.ExecResult{ExitCode: 0, Stdout: "READY\n"},
	}
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeBackend) addContainer(name, id string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = backend.Handle{ID: id, Name: name, Running: running}
}

func (f *fakeBackend) hasContainer(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok
}

func (f *fakeBackend) EnsureImage(ctx context.Context, ref string) error {
	f.record("EnsureImage")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureImageErr != nil {
		return f.ensureImageErr
	}
	f.images[ref] = true
	return nil
}

func (f *fakeBackend) CreateVolume(ctx context.Context, name string) error {
	f.record("CreateVolume")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return nil
}

func (f *fakeBackend) RemoveVolume(ctx context.Context, name string) error {
	f.record("RemoveVolume")
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

func (f *fakeBackend) CloneVolume(ctx context.Context, helperImage, src, dst string) error {
	f.record("CloneVolume")
	return nil
}

func (f *fakeBackend) CreateContainer(ctx context.Context, cfg backend.Config) (backend.Handle, error) {
	f.record("CreateContainer")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return backend.Handle{}, f.createErr
	}
	if _, exists := f.containers[cfg.Name]; exists {
		return backend.Handle{}, fmt.Errorf("container name %s already in use", cfg.Name)
	}
	h := backend.Handle{ID: "ctr-" + cfg.Name, Name: cfg.Name, Running: false}
	f.containers[cfg.Name] = h
	return h, nil
}

func (f *fakeBackend) GetContainer(ctx context.Context, name string) (backend.Handle, error) {
	f.record("GetContainer")
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.containers[name]
	if !ok {
		return backend.Handle{}, fmt.Errorf("container %s: %w", name, backend.ErrNotFound)
	}
	return h, nil
}

func (f *fakeBackend) StartContainer(ctx context.Context, id string) error {
	f.record("StartContainer")
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, h := range f.containers {
		if h.ID == id {
			h.Running = true
			f.containers[name] = h
			return nil
		}
	}
	return fmt.Errorf("container %s: %w", id, backend.ErrNotFound)
}

func (f *fakeBackend) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.record("StopContainer")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.stopErrs[id]; ok {
		return err
	}
	for name, h := range f.containers {
		if h.ID == id {
			h.Running = false
			f.containers[name] = h
		}
	}
	return nil
}

func (f *fakeBackend) RemoveContainer(ctx context.Context, id string) error {
	f.record("RemoveContainer")
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, h := range f.containers {
		if h.ID == id {
			delete(f.containers, name)
		}
	}
	return nil
}

func (f *fakeBackend) Exec(ctx context.Context, containerID string, cmd []string, opts backend.ExecOptions) (backend.ExecResult, error) {
	f.record("Exec")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return backend.ExecResult{}, f.execErr
	}
	return f.execResult, nil
}

func (f *fakeBackend) ExecWithInput(ctx context.Context, containerID string, cmd []string, input []byte, opts backend.ExecOptions) (backend.ExecResult, error) {
	f.record("ExecWithInput")
	return f.execResult, nil
}

func (f *fakeBackend) ExecInteractive(ctx context.Context, containerID string, opts backend.TerminalOptions) (string, net.Conn, error) {
	f.record("ExecInteractive")
	return "", nil, fmt.Errorf("not supported in fake")
}

func (f *fakeBackend) ResizeExec(ctx context.Context, execID string, cols, rows uint) error {
	f.record("ResizeExec")
	return nil
}

func (f *fakeBackend) RunHelper(ctx context.Context, image string, cmd []string, mounts []backend.HelperMount) error {
	f.record("RunHelper")
	return nil
}

func (f *fakeBackend) ContainerLogs(ctx context.Context, id string, tailLines int) (string, error) {
	f.record("ContainerLogs")
	return "", nil
}

// fakeStore is an in-memory store.Store.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	history  map[string][]*domain.CommandEntry
	files    map[string]map[string]*domain.FileMetadata
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*domain.Session),
		history:  make(map[string][]*domain.CommandEntry),
		files:    make(map[string]map[string]*domain.FileMetadata),
	}
}

func (f *fakeStore) CreateSession(ctx context.Context, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *session
	f.sessions[session.SessionID] = &cp
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ListSessionsByOwner(ctx context.Context, userID string) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Session
	for _, s := range f.sessions {
		if s.OwnerUserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateActivity(ctx context.Context, sessionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.LastActivity = at
	}
	return nil
}

func (f *fakeStore) UpdateContainerState(ctx context.Context, sessionID, containerID, containerStatus string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	s.ContainerID = containerID
	s.ContainerStatus = containerStatus
	return nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	delete(f.history, sessionID)
	delete(f.files, sessionID)
	return nil
}

func (f *fakeStore) GetIdleSessions(ctx context.Context, idleTimeout time.Duration) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	threshold := time.Now().Add(-idleTimeout)
	var out []*domain.Session
	for _, s := range f.sessions {
		if s.ContainerID != "" && s.LastActivity.Before(threshold) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendCommand(ctx context.Context, sessionID string, entry *domain.CommandEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *entry
	f.history[sessionID] = append(f.history[sessionID], &cp)
	return nil
}

func (f *fakeStore) RecentCommands(ctx context.Context, sessionID string, limit int) ([]*domain.CommandEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.history[sessionID]
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (f *fakeStore) UpsertFileMetadata(ctx context.Context, meta *domain.FileMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[meta.SessionID] == nil {
		f.files[meta.SessionID] = make(map[string]*domain.FileMetadata)
	}
	cp := *meta
	f.files[meta.SessionID][meta.Path] = &cp
	return nil
}

func (f *fakeStore) ListFileMetadata(ctx context.Context, sessionID string) ([]*domain.FileMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.FileMetadata
	for _, m := range f.files[sessionID] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) Close() error { return nil }
