package authproto

import "fmt"

// State is the state of an outbound authorization request.
type State int

const (
	// StateWaiting indicates the request was broadcast and no decisive response arrived yet.
	StateWaiting State = iota

	// StateAllowed indicates a peer granted the request (terminal state).
	StateAllowed

	// StateDenied indicates a peer refused the request (terminal state).
	StateDenied

	// StateTimedOut indicates no decisive response arrived in time (terminal state).
	StateTimedOut

	// StateAbandoned indicates the caller or the protocol gave up waiting (terminal state).
	StateAbandoned
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateAllowed:
		return "allowed"
	case StateDenied:
		return "denied"
	case StateTimedOut:
		return "timed_out"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal returns true if no further transitions are allowed.
func (s State) IsTerminal() bool {
	return s != StateWaiting
}

// CanTransitionTo returns true if a transition to the target state is valid.
func (s State) CanTransitionTo(target State) bool {
	return s == StateWaiting && target.IsTerminal()
}
