package status

import (
	"sync"
	"time"
)

// EMA weighting: new = emaOldWeight*old + emaNewWeight*observed.
const (
	emaOldWeight = 0.7
	emaNewWeight = 0.3
)

// defaultPhaseSeconds is the conservative estimate used before any
// observation exists for an (image, phase) pair.
var defaultPhaseSeconds = map[Phase]float64{
	PhaseStarting:          2,
	PhasePullingImage:      30,
	PhaseCreatingVolume:    5,
	PhaseCreatingContainer: 10,
	PhaseStartingContainer: 15,
	PhaseReady:             0,
}

type etaKey struct {
	image string
	phase Phase
}

// Estimator keeps exponentially weighted per-(image, phase) durations and
// produces advisory remaining-time estimates. Safe for concurrent use.
type Estimator struct {
	mu      sync.RWMutex
	history map[etaKey]float64
}

// NewEstimator creates an estimator with no history.
func NewEstimator() *Estimator {
	return &Estimator{history: make(map[etaKey]float64)}
}

// EstimateRemaining returns the estimated remaining milliseconds for the
// current phase given the time already spent in it. Never negative.
func (e *Estimator) EstimateRemaining(image string, phase Phase, elapsed time.Duration) int64 {
	e.mu.RLock()
	estimate, ok := e.history[etaKey{image, phase}]
	e.mu.RUnlock()

	if !ok {
		estimate = defaultPhaseSeconds[phase]
	}

	remaining := estimate - elapsed.Seconds()
	if remaining < 0 {
		return 0
	}
	return int64(remaining * 1000)
}

// RecordObservation folds a completed phase duration into the history.
// The first observation for a key seeds the value directly.
func (e *Estimator) RecordObservation(image string, phase Phase, duration time.Duration) {
	key := etaKey{image, phase}
	observed := duration.Seconds()

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.history[key]; ok {
		e.history[key] = emaOldWeight*old + emaNewWeight*observed
	} else {
		e.history[key] = observed
	}
}
