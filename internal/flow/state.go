package flow

import "fmt"

// SessionState is the lifecycle position of one session.
type SessionState int32

const (
	StateUninitiated SessionState = iota
	StateInitiated
	StateClosing
	StateClosed
	StateErrored
)

func (s SessionState) String() string {
	switch s {
	case StateUninitiated:
		return "UNINITIATED"
	case StateInitiated:
		return "INITIATED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// canAdvance enforces forward-only movement. ERRORED is reachable from any
// non-terminal state.
func canAdvance(from, to SessionState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateErrored {
		return true
	}
	return to > from
}
