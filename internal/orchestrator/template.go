package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/avoloshko/devbox/internal/backend"
)

// templateInitCommand populates a fresh template volume with the workspace
// skeleton and a marker file. Idempotent: re-running against an initialized
// volume is a no-op.
var templateInitCommand = []string{"sh", "-c",
	"test -f /seed/.devbox-template || { mkdir -p /seed/workspace /seed/.config && touch /seed/.devbox-template; }"}

// TemplateManager maintains the pre-populated seed volume cloned into new
// session volumes for fast cold start.
type TemplateManager struct {
	backend backend.Backend
	image   string
	volume  string
	ready   atomic.Bool
}

// NewTemplateManager creates a template manager for the given seed volume.
func NewTemplateManager(b backend.Backend, image, volume string) *TemplateManager {
	return &TemplateManager{backend: b, image: image, volume: volume}
}

// Init ensures the template volume exists and is populated. Best effort:
// a returned error only disables the clone-on-create fast path, it must
// never abort process startup.
func (t *TemplateManager) Init(ctx context.Context) error {
	if err := t.backend.EnsureImage(ctx, t.image); err != nil {
		return fmt.Errorf("ensure template image: %w", err)
	}
	if err := t.backend.CreateVolume(ctx, t.volume); err != nil {
		return fmt.Errorf("create template volume: %w", err)
	}

	mounts := []backend.HelperMount{{Volume: t.volume, Path: "/seed"}}
	if err := t.backend.RunHelper(ctx, t.image, templateInitCommand, mounts); err != nil {
		return fmt.Errorf("initialize template volume: %w", err)
	}

	t.ready.Store(true)
	slog.Info("Template volume ready", "volume", t.volume)
	return nil
}

// Ready reports whether the template volume is available for cloning.
func (t *TemplateManager) Ready() bool {
	return t.ready.Load()
}

// VolumeName returns the template volume's fixed name.
func (t *TemplateManager) VolumeName() string {
	return t.volume
}
