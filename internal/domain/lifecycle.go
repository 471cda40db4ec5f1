package domain

import "fmt"

// LifecycleState is the gateway-owned state of a plugin.
type LifecycleState string

const (
	StateDiscovered        LifecycleState = "discovered"
	StateSignatureVerified LifecycleState = "signature_verified"
	StateManifestValidated LifecycleState = "manifest_validated"
	StateAdmitted          LifecycleState = "admitted"
	StateRunning           LifecycleState = "running"
	StateIdle              LifecycleState = "idle"
	StateCrashed           LifecycleState = "crashed"
	StateRecovering        LifecycleState = "recovering"
	StateRestarted         LifecycleState = "restarted"
	StateDisabled          LifecycleState = "disabled"
	StateAwaitingUser      LifecycleState = "awaiting_user"
	StateTerminated        LifecycleState = "terminated"
)

// transitions lists the legal successor states. Terminated is reachable from
// every state because unload and shutdown may interrupt anything.
var transitions = map[LifecycleState][]LifecycleState{
	StateDiscovered:        {StateSignatureVerified},
	StateSignatureVerified: {StateManifestValidated},
	StateManifestValidated: {StateAdmitted},
	StateAdmitted:          {StateRunning},
	StateRunning:           {StateIdle, StateCrashed},
	StateIdle:              {StateRunning},
	StateCrashed:           {StateRecovering},
	StateRecovering:        {StateRestarted, StateDisabled, StateAwaitingUser},
	StateRestarted:         {StateRunning, StateCrashed},
	StateDisabled:          {StateIdle},
	StateAwaitingUser:      {StateRestarted, StateDisabled},
	StateTerminated:        {},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to LifecycleState) bool {
	if to == StateTerminated {
		return from != StateTerminated
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition for an illegal step.
func ValidateTransition(from, to LifecycleState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// Executable reports whether a plugin in state s may accept a new execution.
func (s LifecycleState) Executable() bool {
	return s == StateAdmitted || s == StateIdle || s == StateRestarted
}
