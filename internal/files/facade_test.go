package files

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/avoloshko/devbox/internal/backend"
	"github.com/avoloshko/devbox/internal/domain"
)

type fakeResolver struct {
	handle  backend.Handle
	err     error
	touched int
}

func (f *fakeResolver) ResolveContainer(ctx context.Context, sessionID string) (backend.Handle, error) {
	return f.handle, f.err
}

func (f *fakeResolver) Touch(ctx context.Context, sessionID string) {
	f.touched++
}

// execBackend stubs out the two exec entry points the façade uses.
type execBackend struct {
	execResult backend.ExecResult
	execErr    error
	lastCmd    []string
	lastInput  []byte
}

func (b *execBackend) Exec(ctx context.Context, containerID string, cmd []string, opts backend.ExecOptions) (backend.ExecResult, error) {
	b.lastCmd = cmd
	return b.execResult, b.execErr
}

func (b *execBackend) ExecWithInput(ctx context.Context, containerID string, cmd []string, input []byte, opts backend.ExecOptions) (backend.ExecResult, error) {
	b.lastCmd = cmd
	b.lastInput = input
	return b.execResult, b.execErr
}

func (b *execBackend) EnsureImage(ctx context.Context, ref string) error         { return nil }
func (b *execBackend) CreateVolume(ctx context.Context, name string) error       { return nil }
func (b *execBackend) RemoveVolume(ctx context.Context, name string) error       { return nil }
func (b *execBackend) CloneVolume(ctx context.Context, img, src, dst string) error {
	return nil
}
func (b *execBackend) CreateContainer(ctx context.Context, cfg backend.Config) (backend.Handle, error) {
	return backend.Handle{}, nil
}
func (b *execBackend) GetContainer(ctx context.Context, name string) (backend.Handle, error) {
	return backend.Handle{}, backend.ErrNotFound
}
func (b *execBackend) StartContainer(ctx context.Context, id string) error { return nil }
func (b *execBackend) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}
func (b *execBackend) RemoveContainer(ctx context.Context, id string) error { return nil }
func (b *execBackend) ExecInteractive(ctx context.Context, containerID string, opts backend.TerminalOptions) (string, net.Conn, error) {
	return "", nil, errors.New("not supported")
}
func (b *execBackend) ResizeExec(ctx context.Context, execID string, cols, rows uint) error {
	return nil
}
func (b *execBackend) RunHelper(ctx context.Context, image string, cmd []string, mounts []backend.HelperMount) error {
	return nil
}
func (b *execBackend) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	return "", nil
}

type historyStore struct {
	fakeStoreBase
	entries []*domain.CommandEntry
	metas   []*domain.FileMetadata
}

func (s *historyStore) AppendCommand(ctx context.Context, sessionID string, entry *domain.CommandEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func (s *historyStore) UpsertFileMetadata(ctx context.Context, meta *domain.FileMetadata) error {
	s.metas = append(s.metas, meta)
	return nil
}

// fakeStoreBase satisfies the store methods the façade never calls.
type fakeStoreBase struct{}

func (fakeStoreBase) CreateSession(ctx context.Context, s *domain.Session) error { return nil }
func (fakeStoreBase) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return nil, nil
}
func (fakeStoreBase) ListSessionsByOwner(ctx context.Context, userID string) ([]*domain.Session, error) {
	return nil, nil
}
func (fakeStoreBase) UpdateActivity(ctx context.Context, id string, at time.Time) error { return nil }
func (fakeStoreBase) UpdateContainerState(ctx context.Context, id, cid, st string) error {
	return nil
}
func (fakeStoreBase) DeleteSession(ctx context.Context, id string) error { return nil }
func (fakeStoreBase) GetIdleSessions(ctx context.Context, idle time.Duration) ([]*domain.Session, error) {
	return nil, nil
}
func (fakeStoreBase) AppendCommand(ctx context.Context, id string, e *domain.CommandEntry) error {
	return nil
}
func (fakeStoreBase) RecentCommands(ctx context.Context, id string, limit int) ([]*domain.CommandEntry, error) {
	return nil, nil
}
func (fakeStoreBase) UpsertFileMetadata(ctx context.Context, m *domain.FileMetadata) error {
	return nil
}
func (fakeStoreBase) ListFileMetadata(ctx context.Context, id string) ([]*domain.FileMetadata, error) {
	return nil, nil
}
func (fakeStoreBase) Ping(ctx context.Context) error { return nil }
func (fakeStoreBase) Close() error                   { return nil }

func newTestFacade(b *execBackend, r *fakeResolver, s *historyStore) *Facade {
	return NewFacade(r, b, s, "/workspace")
}

func runningResolver() *fakeResolver {
	return &fakeResolver{handle: backend.Handle{ID: "ctr-1", Name: "devbox-s1", Running: true}}
}

func TestRunCommand(t *testing.T) {
	b := &execBackend{execResult: backend.ExecResult{ExitCode: 0, Stdout: "hello\n"}}
	r := runningResolver()
	s := &historyStore{}
	f := newTestFacade(b, r, s)

	entry, err := f.RunCommand(context.Background(), "s1", "echo hello", "")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	if entry.Output != "hello\n" || entry.ExitCode != 0 {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.WorkingDir != "/workspace" {
		t.Errorf("WorkingDir = %q, want default /workspace", entry.WorkingDir)
	}
	if len(b.lastCmd) != 3 || b.lastCmd[0] != "sh" || b.lastCmd[1] != "-c" || b.lastCmd[2] != "echo hello" {
		t.Errorf("unexpected exec cmd: %v", b.lastCmd)
	}
	if len(s.entries) != 1 {
		t.Errorf("expected command to be recorded in history, got %d entries", len(s.entries))
	}
	if r.touched != 1 {
		t.Errorf("expected one activity touch, got %d", r.touched)
	}
}

func TestRunCommandNonZeroExit(t *testing.T) {
	b := &execBackend{execResult: backend.ExecResult{ExitCode: 2, Stderr: "no such file\n"}}
	f := newTestFacade(b, runningResolver(), &historyStore{})

	// Non-zero exit is a result, not an error.
	entry, err := f.RunCommand(context.Background(), "s1", "ls /nope", "")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	if entry.ExitCode != 2 || entry.Output != "no such file\n" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestRunCommandStoppedContainer(t *testing.T) {
	b := &execBackend{}
	r := &fakeResolver{handle: backend.Handle{ID: "ctr-1", Running: false}}
	f := newTestFacade(b, r, &historyStore{})

	_, err := f.RunCommand(context.Background(), "s1", "true", "")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound for stopped container, got %v", err)
	}
}

func TestReadFileMissing(t *testing.T) {
	b := &execBackend{execResult: backend.ExecResult{ExitCode: 1, Stderr: "cat: no such file\n"}}
	f := newTestFacade(b, runningResolver(), &historyStore{})

	_, err := f.ReadFile(context.Background(), "s1", "/workspace/nope.txt")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing file, got %v", err)
	}
}

func TestWriteFile(t *testing.T) {
	b := &execBackend{execResult: backend.ExecResult{ExitCode: 0}}
	s := &historyStore{}
	f := newTestFacade(b, runningResolver(), s)

	if err := f.WriteFile(context.Background(), "s1", "/workspace/a/b.txt", "content"); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if string(b.lastInput) != "content" {
		t.Errorf("content not passed on stdin: %q", b.lastInput)
	}
	if len(s.metas) != 1 || s.metas[0].Path != "/workspace/a/b.txt" {
		t.Errorf("expected file metadata upsert, got %+v", s.metas)
	}
}

func TestWriteFilePreviewStaysValidUTF8(t *testing.T) {
	b := &execBackend{execResult: backend.ExecResult{ExitCode: 0}}
	s := &historyStore{}
	f := newTestFacade(b, runningResolver(), s)

	// Place a multi-byte rune across the preview boundary: the rune's
	// first byte sits at previewBytes-1, its continuation byte just past it.
	content := strings.Repeat("x", previewBytes-1) + "éllo"
	if err := f.WriteFile(context.Background(), "s1", "/workspace/u.txt", content); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if len(s.metas) != 1 {
		t.Fatalf("expected one metadata record, got %d", len(s.metas))
	}
	preview := s.metas[0].ContentPreview
	if !utf8.ValidString(preview) {
		t.Errorf("preview is not valid UTF-8: %q", preview)
	}
	if len(preview) > previewBytes {
		t.Errorf("preview length = %d, want at most %d", len(preview), previewBytes)
	}
	if !strings.HasPrefix(content, preview) {
		t.Errorf("preview %q is not a prefix of the content", preview)
	}
}

func TestParseListing(t *testing.T) {
	out := `total 16
drwxr-xr-x    2 root     root          4096 Jan  1 00:00 .
drwxr-xr-x    3 root     root          4096 Jan  1 00:00 ..
-rw-r--r--    1 root     root           512 Jan  1 00:00 main.go
drwxr-xr-x    2 root     root          4096 Jan  1 00:00 src
-rw-r--r--    1 root     root             0 Jan  1 00:00 file with spaces.txt
lrwxrwxrwx    1 root     root             7 Jan  1 00:00 link -> target
`

	entries := parseListing(out)
	if len(entries) != 4 {
		t.Fatalf("len(entries) = %d, want 4: %+v", len(entries), entries)
	}

	want := []DirEntry{
		{Name: "main.go", Type: "file", Size: 512, Mode: "-rw-r--r--"},
		{Name: "src", Type: "directory", Size: 4096, Mode: "drwxr-xr-x"},
		{Name: "file with spaces.txt", Type: "file", Size: 0, Mode: "-rw-r--r--"},
		{Name: "link", Type: "file", Size: 7, Mode: "lrwxrwxrwx"},
	}
	for i, w := range want {
		if entries[i] != w {
			t.Errorf("entries[%d] = %+v, want %+v", i, entries[i], w)
		}
	}
}

func TestParseListingEmpty(t *testing.T) {
	if entries := parseListing("total 0\n"); len(entries) != 0 {
		t.Errorf("expected no entries, got %+v", entries)
	}
	if entries := parseListing(""); len(entries) != 0 {
		t.Errorf("expected no entries for empty output, got %+v", entries)
	}
}

func TestBuildTree(t *testing.T) {
	lines := []string{
		"d /workspace/src",
		"f /workspace/src/main.go",
		"f /workspace/README.md",
		"d /workspace/src/pkg",
		"f /workspace/src/pkg/util.go",
	}

	tree := buildTree("/workspace", lines)
	if tree.Name != "workspace" || tree.Type != "directory" {
		t.Fatalf("unexpected root: %+v", tree)
	}
	if len(tree.Children) != 2 {
		t.Fatalf("root children = %d, want 2", len(tree.Children))
	}

	// Children are sorted by path: README.md before src.
	if tree.Children[0].Name != "README.md" || tree.Children[1].Name != "src" {
		t.Errorf("unexpected root ordering: %s, %s", tree.Children[0].Name, tree.Children[1].Name)
	}

	src := tree.Children[1]
	if len(src.Children) != 2 {
		t.Fatalf("src children = %d, want 2", len(src.Children))
	}
	pkg := src.Children[1]
	if pkg.Name != "pkg" || len(pkg.Children) != 1 || pkg.Children[0].Name != "util.go" {
		t.Errorf("unexpected pkg subtree: %+v", pkg)
	}
}

func TestBuildTreeOrphanAttachesToRoot(t *testing.T) {
	// A file whose parent directory line is missing still lands in the tree.
	tree := buildTree("/workspace", []string{"f /workspace/missing/file.txt"})
	if len(tree.Children) != 1 || tree.Children[0].Name != "file.txt" {
		t.Errorf("expected orphan attached to root, got %+v", tree.Children)
	}
}

func TestBuildTreeBounded(t *testing.T) {
	var lines []string
	for i := 0; i < treeMaxEntries+100; i++ {
		lines = append(lines, fmt.Sprintf("f /workspace/file-%04d.txt", i))
	}

	tree := buildTree("/workspace", lines)
	if len(tree.Children) > treeMaxEntries {
		t.Errorf("tree has %d entries, want at most %d", len(tree.Children), treeMaxEntries)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/workspace/a.txt", "'/workspace/a.txt'"},
		{"file with spaces", "'file with spaces'"},
		{"it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLanguageFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"main.go", "go"},
		{"script.PY", "python"},
		{"notes.md", "markdown"},
		{"Makefile", ""},
	}
	for _, tt := range tests {
		if got := languageFor(tt.path); got != tt.want {
			t.Errorf("languageFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
