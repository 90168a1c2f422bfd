package status

import (
	"fmt"
	"sync"
	"time"
)

// Record is the externally visible status of one session.
type Record struct {
	SessionID string
	OwnerID   string
	Phase     Phase
	Percent   int
	ETAMillis int64
	Ready     bool
	ErrorCode string
	UpdatedAt time.Time
}

// Registry is a process-wide map from session ID to provisioning status.
// Reads come from status polling; writes come from the single orchestrator
// goroutine owning that session.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty status registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Begin registers a new session in phase Starting.
func (r *Registry) Begin(sessionID, ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[sessionID] = &Record{
		SessionID: sessionID,
		OwnerID:   ownerID,
		Phase:     PhaseStarting,
		UpdatedAt: time.Now(),
	}
}

// Set advances a session to the given phase with progress and ETA.
// Percent is monotonic: a lower value than the stored one is ignored.
// Returns an error on an illegal phase transition or unknown session.
func (r *Registry) Set(sessionID string, phase Phase, percent int, etaMillis int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[sessionID]
	if !ok {
		return fmt.Errorf("status: unknown session %s", sessionID)
	}
	if !rec.Phase.CanTransition(phase) {
		return fmt.Errorf("status: illegal transition %s -> %s for session %s", rec.Phase, phase, sessionID)
	}

	rec.Phase = phase
	if percent > rec.Percent {
		rec.Percent = percent
	}
	rec.ETAMillis = etaMillis
	rec.UpdatedAt = time.Now()
	return nil
}

// SetReady marks a session fully provisioned.
func (r *Registry) SetReady(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[sessionID]
	if !ok {
		return fmt.Errorf("status: unknown session %s", sessionID)
	}
	if !rec.Phase.CanTransition(PhaseReady) {
		return fmt.Errorf("status: illegal transition %s -> %s for session %s", rec.Phase, PhaseReady, sessionID)
	}

	rec.Phase = PhaseReady
	rec.Percent = 100
	rec.ETAMillis = 0
	rec.Ready = true
	rec.UpdatedAt = time.Now()
	return nil
}

// Fail moves a session into the terminal Error phase with an error code.
// Ready is forced false. Failing an already-terminal session is a no-op.
func (r *Registry) Fail(sessionID, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[sessionID]
	if !ok || rec.Phase.Terminal() {
		return
	}

	rec.Phase = PhaseError
	rec.Ready = false
	rec.ErrorCode = code
	rec.ETAMillis = 0
	rec.UpdatedAt = time.Now()
}

// Get returns a copy of the session's status record.
func (r *Registry) Get(sessionID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[sessionID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Delete evicts a session's status entry. Called by the cleanup sweeper and
// on explicit session deletion.
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, sessionID)
}
