// Package status tracks per-session provisioning state and ETA history.
package status

// Phase is a step in the session provisioning state machine.
type Phase string

const (
	PhaseStarting          Phase = "Starting"
	PhasePullingImage      Phase = "PullingImage"
	PhaseCreatingVolume    Phase = "CreatingVolume"
	PhaseCreatingContainer Phase = "CreatingContainer"
	PhaseStartingContainer Phase = "StartingContainer"
	PhaseReady             Phase = "Ready"
	PhaseError             Phase = "Error"
)

// transitions lists the allowed forward edges of the state machine.
// Error is reachable from every non-terminal phase and is handled separately.
var transitions = map[Phase][]Phase{
	PhaseStarting:          {PhasePullingImage, PhaseStartingContainer, PhaseReady},
	PhasePullingImage:      {PhaseCreatingVolume},
	PhaseCreatingVolume:    {PhaseCreatingContainer},
	PhaseCreatingContainer: {PhaseStartingContainer},
	PhaseStartingContainer: {PhaseReady},
	PhaseReady:             {},
	PhaseError:             {},
}

// Terminal reports whether no further transitions are allowed from p.
func (p Phase) Terminal() bool {
	return p == PhaseReady || p == PhaseError
}

// CanTransition reports whether moving from p to next is a legal step.
// Staying in the same phase is always allowed (progress updates within a phase).
func (p Phase) CanTransition(next Phase) bool {
	if p == next {
		return !p.Terminal()
	}
	if next == PhaseError {
		return !p.Terminal()
	}
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}
