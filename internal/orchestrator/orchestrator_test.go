package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avoloshko/devbox/internal/backend"
	"github.com/avoloshko/devbox/internal/config"
	"github.com/avoloshko/devbox/internal/domain"
	"github.com/avoloshko/devbox/internal/status"
)

func testSandboxConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Image:             "devbox-sandbox:latest",
		WorkDir:           "/workspace",
		MemoryLimitMB:     256,
		CPUCount:          1,
		NoFileLimit:       256,
		ReadyPollAttempts: 3,
		ReadyPollInterval: time.Millisecond,
		StopTimeout:       time.Second,
		ProvisionTimeout:  5 * time.Second,
		TerminalTerm:      "xterm",
		Shell:             "/bin/sh",
	}
}

func newTestOrchestrator(fb *fakeBackend, fs *fakeStore) *Orchestrator {
	return New(fb, status.NewRegistry(), status.NewEstimator(), fs, nil, testSandboxConfig())
}

// waitForTerminal polls until the session reaches a terminal phase.
func waitForTerminal(t *testing.T, o *Orchestrator, sessionID string) status.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok := o.Status(sessionID)
		if ok && rec.Phase.Terminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached a terminal phase", sessionID)
	return status.Record{}
}

func TestCreateSessionFullProvisioning(t *testing.T) {
	fb := newFakeBackend()
	fs := newFakeStore()
	o := newTestOrchestrator(fb, fs)

	session, err := o.CreateSession(context.Background(), "user-a", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.Image != "devbox-sandbox:latest" {
		t.Errorf("Image = %q, want configured default", session.Image)
	}

	rec := waitForTerminal(t, o, session.SessionID)
	if rec.Phase != status.PhaseReady || !rec.Ready {
		t.Fatalf("unexpected terminal record: %+v", rec)
	}
	if rec.Percent != 100 || rec.ETAMillis != 0 {
		t.Errorf("ready record should report 100%% / 0 ETA, got %+v", rec)
	}

	for _, call := range []string{"EnsureImage", "CreateVolume", "CreateContainer", "StartContainer"} {
		if !fb.called(call) {
			t.Errorf("expected backend call %s", call)
		}
	}
	if !fb.hasContainer(session.ContainerName()) {
		t.Errorf("expected container %s to exist", session.ContainerName())
	}

	stored, _ := fs.GetSession(context.Background(), session.SessionID)
	if stored == nil || stored.ContainerStatus != "running" || stored.ContainerID == "" {
		t.Errorf("unexpected stored session: %+v", stored)
	}
	if !o.Tracked(session.SessionID) {
		t.Error("expected session to be tracked after provisioning")
	}
}

func TestCreateSessionFastPathRunning(t *testing.T) {
	fb := newFakeBackend()
	fs := newFakeStore()
	o := newTestOrchestrator(fb, fs)

	now := time.Now()
	existing := &domain.Session{
		SessionID:    "fixed-session",
		OwnerUserID:  "user-a",
		Image:        "devbox-sandbox:latest",
		VolumeName:   domain.VolumeNameFor("fixed-session"),
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := fs.CreateSession(context.Background(), existing); err != nil {
		t.Fatalf("seed session failed: %v", err)
	}
	fb.addContainer(existing.ContainerName(), "ctr-existing", true)

	o.registry.Begin(existing.SessionID, existing.OwnerUserID)
	o.provision(existing)

	rec, ok := o.Status(existing.SessionID)
	if !ok || rec.Phase != status.PhaseReady || !rec.Ready {
		t.Fatalf("fast path did not reach Ready: %+v", rec)
	}
	if fb.called("CreateContainer") || fb.called("EnsureImage") || fb.called("CreateVolume") {
		t.Error("fast path must not pull, create volumes, or create containers")
	}
	if fb.called("StartContainer") {
		t.Error("running container must not be restarted")
	}
}

func TestCreateSessionFastPathStopped(t *testing.T) {
	fb := newFakeBackend()
	fs := newFakeStore()
	o := newTestOrchestrator(fb, fs)

	now := time.Now()
	session := &domain.Session{
		SessionID:    "stopped-session",
		OwnerUserID:  "user-a",
		Image:        "devbox-sandbox:latest",
		VolumeName:   domain.VolumeNameFor("stopped-session"),
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := fs.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("seed session failed: %v", err)
	}
	fb.addContainer(session.ContainerName(), "ctr-stopped", false)

	o.registry.Begin(session.SessionID, session.OwnerUserID)
	o.provision(session)

	rec, _ := o.Status(session.SessionID)
	if rec.Phase != status.PhaseReady {
		t.Fatalf("restart fast path did not reach Ready: %+v", rec)
	}
	if !fb.called("StartContainer") {
		t.Error("expected stopped container to be started")
	}
	if fb.called("CreateContainer") {
		t.Error("restart fast path must not create a container")
	}
}

func TestProvisionImageUnavailable(t *testing.T) {
	fb := newFakeBackend()
	fb.ensureImageErr = backend.ErrImageUnavailable
	fs := newFakeStore()
	o := newTestOrchestrator(fb, fs)

	session, err := o.CreateSession(context.Background(), "user-a", CreateOptions{Image: "no/such:image"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	rec := waitForTerminal(t, o, session.SessionID)
	if rec.Phase != status.PhaseError || rec.Ready {
		t.Fatalf("expected Error phase, got %+v", rec)
	}
	if rec.ErrorCode != CodeImageUnavailable {
		t.Errorf("ErrorCode = %q, want %q", rec.ErrorCode, CodeImageUnavailable)
	}
	if fb.called("CreateContainer") {
		t.Error("provisioning must stop before container creation on pull failure")
	}
}

func TestProvisionReadinessTimeout(t *testing.T) {
	fb := newFakeBackend()
	fb.execResult = backend.ExecResult{ExitCode: 0, Stdout: "WAIT\n"}
	fs := newFakeStore()
	o := newTestOrchestrator(fb, fs)

	session, err := o.CreateSession(context.Background(), "user-a", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	rec := waitForTerminal(t, o, session.SessionID)
	if rec.Phase != status.PhaseError || rec.ErrorCode != CodeCreateFailed {
		t.Fatalf("expected CREATE_FAILED on readiness timeout, got %+v", rec)
	}

	stored, _ := fs.GetSession(context.Background(), session.SessionID)
	if stored == nil || stored.ContainerStatus != "error" {
		t.Errorf("expected persisted error state, got %+v", stored)
	}
}

func TestProvisionTimeoutStillRecordsError(t *testing.T) {
	fb := newFakeBackend()
	fb.execResult = backend.ExecResult{ExitCode: 0, Stdout: "WAIT\n"}
	fs := newFakeStore()

	// The provision deadline expires while the readiness poll is still
	// waiting; the error must reach the database anyway.
	cfg := testSandboxConfig()
	cfg.ProvisionTimeout = 50 * time.Millisecond
	cfg.ReadyPollAttempts = 1000
	cfg.ReadyPollInterval = 5 * time.Millisecond
	o := New(fb, status.NewRegistry(), status.NewEstimator(), fs, nil, cfg)

	session, err := o.CreateSession(context.Background(), "user-a", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	rec := waitForTerminal(t, o, session.SessionID)
	if rec.Phase != status.PhaseError || rec.ErrorCode != CodeCreateFailed {
		t.Fatalf("expected CREATE_FAILED, got %+v", rec)
	}

	stored, _ := fs.GetSession(context.Background(), session.SessionID)
	if stored == nil || stored.ContainerStatus != "error" {
		t.Errorf("error state not persisted after provision timeout: %+v", stored)
	}
}

func TestDeleteSession(t *testing.T) {
	fb := newFakeBackend()
	fs := newFakeStore()
	o := newTestOrchestrator(fb, fs)

	session, err := o.CreateSession(context.Background(), "user-a", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	waitForTerminal(t, o, session.SessionID)

	if err := o.DeleteSession(context.Background(), session.SessionID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if fb.hasContainer(session.ContainerName()) {
		t.Error("expected container to be removed")
	}
	if !fb.called("RemoveVolume") {
		t.Error("expected session volume to be removed")
	}
	if _, ok := o.Status(session.SessionID); ok {
		t.Error("expected status entry to be evicted")
	}
	if stored, _ := fs.GetSession(context.Background(), session.SessionID); stored != nil {
		t.Error("expected session record to be deleted")
	}
	if o.Tracked(session.SessionID) {
		t.Error("expected session to be untracked")
	}
}

func TestDeleteSessionWithoutContainer(t *testing.T) {
	fb := newFakeBackend()
	fs := newFakeStore()
	o := newTestOrchestrator(fb, fs)

	now := time.Now()
	if err := fs.CreateSession(context.Background(), &domain.Session{
		SessionID:    "ghost",
		OwnerUserID:  "user-a",
		Image:        "devbox-sandbox:latest",
		VolumeName:   domain.VolumeNameFor("ghost"),
		CreatedAt:    now,
		LastActivity: now,
	}); err != nil {
		t.Fatalf("seed session failed: %v", err)
	}

	// Deleting a session whose container never materialized must still
	// clean up the record.
	if err := o.DeleteSession(context.Background(), "ghost"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if stored, _ := fs.GetSession(context.Background(), "ghost"); stored != nil {
		t.Error("expected session record to be deleted")
	}
}

func TestResolveContainer(t *testing.T) {
	fb := newFakeBackend()
	fs := newFakeStore()
	o := newTestOrchestrator(fb, fs)

	fb.addContainer(domain.ContainerNameFor("s1"), "ctr-1", true)

	handle, err := o.ResolveContainer(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ResolveContainer failed: %v", err)
	}
	if handle.ID != "ctr-1" || !handle.Running {
		t.Errorf("unexpected handle: %+v", handle)
	}
	if !o.Tracked("s1") {
		t.Error("expected resolution to sync the tracking cache")
	}

	_, err = o.ResolveContainer(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestProbeReady(t *testing.T) {
	fb := newFakeBackend()
	fs := newFakeStore()
	o := newTestOrchestrator(fb, fs)

	fb.addContainer(domain.ContainerNameFor("s1"), "ctr-1", true)
	ready, err := o.ProbeReady(context.Background(), "s1")
	if err != nil || !ready {
		t.Errorf("ProbeReady = (%v, %v), want (true, nil)", ready, err)
	}

	fb.execResult = backend.ExecResult{ExitCode: 0, Stdout: "WAIT\n"}
	ready, err = o.ProbeReady(context.Background(), "s1")
	if err != nil || ready {
		t.Errorf("ProbeReady = (%v, %v), want (false, nil)", ready, err)
	}

	fb.addContainer(domain.ContainerNameFor("s2"), "ctr-2", false)
	ready, err = o.ProbeReady(context.Background(), "s2")
	if err != nil || ready {
		t.Errorf("ProbeReady on stopped container = (%v, %v), want (false, nil)", ready, err)
	}
}
