// Package state defines the lifecycle state machine shared by the runtime
// manager and the admin surface. It keeps transition rules in one place so
// every component agrees on what an instance may do next.
package state

import (
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle status of a mini-app instance.
type Status int32

const (
	// StatusUnloaded indicates no instance exists yet.
	StatusUnloaded Status = iota

	// StatusValidating indicates the manifest is being validated.
	StatusValidating

	// StatusAwaitingRollout indicates the instance is waiting on an
	// eligibility decision.
	StatusAwaitingRollout

	// StatusSandboxed indicates the sandbox has been constructed but entry
	// code has not started.
	StatusSandboxed

	// StatusRunning indicates mini-app code is executing.
	StatusRunning

	// StatusSuspended indicates execution is paused and may be resumed.
	StatusSuspended

	// StatusTerminated is absorbing: the instance is gone and every
	// operation on it fails except an idempotent stop.
	StatusTerminated
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusValidating:
		return "validating"
	case StatusAwaitingRollout:
		return "awaiting-rollout"
	case StatusSandboxed:
		return "sandboxed"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Parse(str)
	return nil
}

// Parse converts a string to Status.
func Parse(s string) Status {
	switch s {
	case "unloaded":
		return StatusUnloaded
	case "validating":
		return StatusValidating
	case "awaiting-rollout":
		return StatusAwaitingRollout
	case "sandboxed":
		return StatusSandboxed
	case "running":
		return StatusRunning
	case "suspended":
		return StatusSuspended
	case "terminated":
		return StatusTerminated
	default:
		return StatusUnloaded
	}
}

// IsTerminal returns true for the absorbing state.
func (s Status) IsTerminal() bool {
	return s == StatusTerminated
}

// IsActive returns true while the instance holds a live sandbox.
func (s Status) IsActive() bool {
	return s == StatusSandboxed || s == StatusRunning || s == StatusSuspended
}

// ValidTransitions defines allowed lifecycle transitions. Terminated is
// reachable from every non-terminal state (crash, stop, kill switch).
var ValidTransitions = map[Status][]Status{
	StatusUnloaded:        {StatusValidating},
	StatusValidating:      {StatusAwaitingRollout, StatusTerminated},
	StatusAwaitingRollout: {StatusSandboxed, StatusTerminated},
	StatusSandboxed:       {StatusRunning, StatusTerminated},
	StatusRunning:         {StatusSuspended, StatusTerminated},
	StatusSuspended:       {StatusRunning, StatusTerminated},
	StatusTerminated:      {},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Status) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid lifecycle transition.
type TransitionError struct {
	From Status
	To   Status
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to Status) TransitionError {
	return TransitionError{From: from, To: to}
}
