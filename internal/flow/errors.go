package flow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/flowctl/internal/identity"
	"github.com/danmuck/flowctl/internal/protocol"
)

var (
	ErrPrematureClose       = errors.New("session closed before it was initialised")
	ErrUnexpectedSessionEnd = errors.New("tried to access ended session")
	ErrSessionClosed        = errors.New("flow: session closed")
	ErrInvalidParameter     = errors.New("flow: invalid parameter")
	ErrFlowKilled           = errors.New("flow: killed")
	ErrUnknownParty         = errors.New("flow: unknown party")
	ErrNoResponder          = errors.New("flow: no responder registered")
	ErrUnknownFlow          = errors.New("flow: unknown flow")
	ErrManagerClosed        = errors.New("flow: manager shut down")
	ErrResponderExists      = errors.New("flow: responder already registered")
	ErrInvalidTag           = errors.New("flow: invalid flow tag")
	ErrCheckpoint           = errors.New("flow: checkpoint failed")
)

// SessionError reports a failed session operation. It unwraps to both the
// operation's sentinel and the cause that ended the session, so callers can
// match either with errors.Is / errors.As.
type SessionError struct {
	SessionID    protocol.SessionID
	Counterparty identity.Party
	Op           string
	Err          error
	Cause        error
}

func (e *SessionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "flow: %s session=%s counterparty=%s: %v", e.Op, e.SessionID, e.Counterparty, e.Err)
	if e.Cause != nil && e.Cause != e.Err {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *SessionError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Err != nil {
		out = append(out, e.Err)
	}
	if e.Cause != nil && e.Cause != e.Err {
		out = append(out, e.Cause)
	}
	return out
}

// PeerError carries the reason a counterparty gave in an ERROR envelope.
type PeerError struct {
	Party  identity.Party
	Reason string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("flow: counterparty %s errored: %s", e.Party, e.Reason)
}

// Is matches ErrNoResponder when the peer rejected the session for lack of one.
func (e *PeerError) Is(target error) bool {
	return target == ErrNoResponder && strings.HasPrefix(e.Reason, ErrNoResponder.Error())
}

func sessionErr(s *Session, op string, err, cause error) error {
	return &SessionError{
		SessionID:    s.id,
		Counterparty: s.counterparty,
		Op:           op,
		Err:          err,
		Cause:        cause,
	}
}
