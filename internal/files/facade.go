// Package files provides one-shot command and file operations against an
// already-provisioned session container.
package files

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/avoloshko/devbox/internal/backend"
	"github.com/avoloshko/devbox/internal/domain"
	"github.com/avoloshko/devbox/internal/store"
)

const (
	// treeMaxEntries bounds recursive tree listings to keep responses small.
	treeMaxEntries = 500

	previewBytes = 256
)

// ContainerResolver locates the container backing a session.
type ContainerResolver interface {
	ResolveContainer(ctx context.Context, sessionID string) (backend.Handle, error)
	Touch(ctx context.Context, sessionID string)
}

// DirEntry is one parsed entry of a directory listing.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"` // "file" or "directory"
	Size int64  `json:"size"`
	Mode string `json:"mode"`
}

// TreeNode is one node of a bounded recursive file tree.
type TreeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Facade runs discrete commands and file operations inside session
// containers. It never creates or destroys containers.
type Facade struct {
	resolver ContainerResolver
	backend  backend.Backend
	repo     store.Store
	workDir  string
}

// NewFacade creates a command/file façade.
func NewFacade(resolver ContainerResolver, b backend.Backend, repo store.Store, workDir string) *Facade {
	return &Facade{resolver: resolver, backend: b, repo: repo, workDir: workDir}
}

func (f *Facade) resolveRunning(ctx context.Context, sessionID string) (backend.Handle, error) {
	handle, err := f.resolver.ResolveContainer(ctx, sessionID)
	if err != nil {
		return backend.Handle{}, err
	}
	if !handle.Running {
		return backend.Handle{}, fmt.Errorf("container %s: %w", handle.Name, backend.ErrNotFound)
	}
	return handle, nil
}

// RunCommand executes a shell command, records it in the terminal history,
// and returns the captured result.
func (f *Facade) RunCommand(ctx context.Context, sessionID, command, workDir string) (*domain.CommandEntry, error) {
	handle, err := f.resolveRunning(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if workDir == "" {
		workDir = f.workDir
	}

	start := time.Now()
	res, err := f.backend.Exec(ctx, handle.ID, []string{"sh", "-c", command}, backend.ExecOptions{WorkDir: workDir})
	if err != nil {
		return nil, fmt.Errorf("run command: %w", err)
	}

	entry := &domain.CommandEntry{
		Command:    command,
		Output:     res.Stdout + res.Stderr,
		ExitCode:   res.ExitCode,
		WorkingDir: workDir,
		DurationMS: time.Since(start).Milliseconds(),
		ExecutedAt: start,
	}

	if err := f.repo.AppendCommand(ctx, sessionID, entry); err != nil {
		slog.Warn("Failed to record command history", "session_id", sessionID, "error", err)
	}
	f.resolver.Touch(ctx, sessionID)

	return entry, nil
}

// ListDir lists a directory, parsed into structured entries.
func (f *Facade) ListDir(ctx context.Context, sessionID, dirPath string) ([]DirEntry, error) {
	handle, err := f.resolveRunning(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if dirPath == "" {
		dirPath = f.workDir
	}

	res, err := f.backend.Exec(ctx, handle.ID, []string{"ls", "-la", dirPath}, backend.ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("directory %s: %w", dirPath, backend.ErrNotFound)
	}

	f.resolver.Touch(ctx, sessionID)
	return parseListing(res.Stdout), nil
}

// parseListing turns `ls -la` output into structured entries, skipping the
// total line and the . / .. entries.
func parseListing(out string) []DirEntry {
	var entries []DirEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "total") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}

		name := strings.Join(fields[8:], " ")
		if name == "." || name == ".." {
			continue
		}
		// Symlink listings carry "name -> target".
		if idx := strings.Index(name, " -> "); idx >= 0 {
			name = name[:idx]
		}

		size, _ := strconv.ParseInt(fields[4], 10, 64)

		entryType := "file"
		if strings.HasPrefix(fields[0], "d") {
			entryType = "directory"
		}

		entries = append(entries, DirEntry{
			Name: name,
			Type: entryType,
			Size: size,
			Mode: fields[0],
		})
	}
	return entries
}

// ReadFile returns a file's full content.
func (f *Facade) ReadFile(ctx context.Context, sessionID, filePath string) (string, error) {
	handle, err := f.resolveRunning(ctx, sessionID)
	if err != nil {
		return "", err
	}

	res, err := f.backend.Exec(ctx, handle.ID, []string{"cat", filePath}, backend.ExecOptions{})
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("file %s: %w", filePath, backend.ErrNotFound)
	}

	f.recordMetadata(ctx, sessionID, filePath, res.Stdout)
	f.resolver.Touch(ctx, sessionID)
	return res.Stdout, nil
}

// WriteFile writes content to a file, creating parent directories as needed.
func (f *Facade) WriteFile(ctx context.Context, sessionID, filePath, content string) error {
	handle, err := f.resolveRunning(ctx, sessionID)
	if err != nil {
		return err
	}

	quoted := shellQuote(filePath)
	cmd := []string{"sh", "-c", fmt.Sprintf("mkdir -p \"$(dirname %s)\" && cat > %s", quoted, quoted)}

	res, err := f.backend.ExecWithInput(ctx, handle.ID, cmd, []byte(content), backend.ExecOptions{})
	if err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("write file %s: exit code %d: %s", filePath, res.ExitCode, res.Stderr)
	}

	f.recordMetadata(ctx, sessionID, filePath, content)
	f.resolver.Touch(ctx, sessionID)
	return nil
}

// FileTree builds a recursive tree rooted at dirPath, bounded to the first
// treeMaxEntries entries.
func (f *Facade) FileTree(ctx context.Context, sessionID, dirPath string) (*TreeNode, error) {
	handle, err := f.resolveRunning(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if dirPath == "" {
		dirPath = f.workDir
	}

	// POSIX-portable type tagging: busybox find has no -printf.
	script := fmt.Sprintf(
		`find %s -mindepth 1 -exec sh -c 'for p; do if [ -d "$p" ]; then echo "d $p"; else echo "f $p"; fi; done' sh {} +`,
		shellQuote(dirPath))

	res, err := f.backend.Exec(ctx, handle.ID, []string{"sh", "-c", script}, backend.ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("build file tree: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("directory %s: %w", dirPath, backend.ErrNotFound)
	}

	f.resolver.Touch(ctx, sessionID)
	return buildTree(dirPath, strings.Split(res.Stdout, "\n")), nil
}

// buildTree assembles tagged "d path" / "f path" lines into a tree.
func buildTree(root string, lines []string) *TreeNode {
	rootNode := &TreeNode{Name: path.Base(root), Path: root, Type: "directory"}
	nodes := map[string]*TreeNode{root: rootNode}

	count := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) < 3 {
			continue
		}
		if count >= treeMaxEntries {
			break
		}

		entryType := "file"
		if line[0] == 'd' {
			entryType = "directory"
		}
		p := line[2:]

		node := &TreeNode{Name: path.Base(p), Path: p, Type: entryType}
		nodes[p] = node

		parent, ok := nodes[path.Dir(p)]
		if !ok {
			// Entry outside the known subtree (truncated parent); attach to root.
			parent = rootNode
		}
		parent.Children = append(parent.Children, node)
		count++
	}

	sortTree(rootNode)
	return rootNode
}

func sortTree(node *TreeNode) {
	sort.Slice(node.Children, func(i, j int) bool {
		return node.Children[i].Path < node.Children[j].Path
	})
	for _, child := range node.Children {
		sortTree(child)
	}
}

// recordMetadata upserts file metadata observed during read/write.
func (f *Facade) recordMetadata(ctx context.Context, sessionID, filePath, content string) {
	preview := content
	if len(preview) > previewBytes {
		// Back off to a rune boundary so the stored preview is valid UTF-8.
		cut := previewBytes
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		preview = preview[:cut]
	}

	meta := &domain.FileMetadata{
		SessionID:      sessionID,
		Path:           filePath,
		Name:           path.Base(filePath),
		Type:           "file",
		Size:           int64(len(content)),
		ContentPreview: preview,
		Language:       languageFor(filePath),
		UpdatedAt:      time.Now(),
	}
	if err := f.repo.UpsertFileMetadata(ctx, meta); err != nil {
		slog.Warn("Failed to record file metadata", "session_id", sessionID, "path", filePath, "error", err)
	}
}

var languages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".sh":   "shell",
	".md":   "markdown",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".html": "html",
	".css":  "css",
	".c":    "c",
	".cpp":  "cpp",
	".rs":   "rust",
	".java": "java",
	".sql":  "sql",
}

func languageFor(filePath string) string {
	return languages[strings.ToLower(path.Ext(filePath))]
}

// shellQuote single-quotes a string for safe interpolation into sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
