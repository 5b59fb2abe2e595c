package flow

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/flowctl/internal/identity"
	logs "github.com/danmuck/flowctl/internal/logging"
)

// Context is the flow-facing API. Every method must be called from the
// flow's own goroutine.
type Context struct {
	inst   *instance
	logger zerolog.Logger
}

func newContext(inst *instance) *Context {
	logger := logs.Logger().With().
		Str("flow", string(inst.id)).
		Str("tag", inst.tag).
		Str("role", string(inst.role)).
		Logger()
	return &Context{inst: inst, logger: logger}
}

func (c *Context) ID() FlowID {
	return c.inst.id
}

func (c *Context) Tag() string {
	return c.inst.tag
}

func (c *Context) Role() Role {
	return c.inst.role
}

func (c *Context) Self() identity.Party {
	return c.inst.m.self
}

func (c *Context) Logger() *zerolog.Logger {
	return &c.logger
}

// Done is closed when the flow's event loop has stopped, e.g. after Kill.
func (c *Context) Done() <-chan struct{} {
	return c.inst.done
}

// Suspensions counts suspension points reached so far.
func (c *Context) Suspensions() uint64 {
	return c.inst.suspensions.Load()
}

// InitiateSession creates an UNINITIATED session to party. Nothing is sent
// until the first Send or Receive.
func (c *Context) InitiateSession(party identity.Party) (*Session, error) {
	if err := party.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownParty, err)
	}
	if r := c.inst.m.resolver; r != nil && party != c.inst.m.self {
		if _, err := r.Resolve(party); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownParty, err)
		}
	}
	res, err := c.call(&request{op: opInitiate, party: party})
	if err != nil {
		return nil, err
	}
	return res.session, nil
}

// Send suspends until payload is handed to the transport, or queued behind
// the handshake when the session is not confirmed yet.
func (c *Context) Send(s *Session, payload []byte) error {
	_, err := c.call(&request{op: opSend, session: s, payload: payload})
	return err
}

// Receive suspends until a payload arrives or the session ends.
func (c *Context) Receive(s *Session) ([]byte, error) {
	res, err := c.call(&request{op: opReceive, session: s})
	if err != nil {
		return nil, err
	}
	return res.payload, nil
}

func (c *Context) SendAndReceive(s *Session, payload []byte) ([]byte, error) {
	if err := c.Send(s, payload); err != nil {
		return nil, err
	}
	return c.Receive(s)
}

// Close ends s and suspends until it is terminal. Closing a terminal session
// is a no-op.
func (c *Context) Close(s *Session) error {
	_, err := c.call(&request{op: opClose, session: s})
	return err
}

// CloseAll closes every session in one suspension. The set must be non-empty
// and owned by this flow; otherwise nothing happens and ErrInvalidParameter
// is returned.
func (c *Context) CloseAll(sessions ...*Session) error {
	if len(sessions) == 0 {
		return fmt.Errorf("%w: close requires at least one session", ErrInvalidParameter)
	}
	for _, s := range sessions {
		if s == nil {
			return fmt.Errorf("%w: nil session", ErrInvalidParameter)
		}
		if s.flowID != c.inst.id {
			return fmt.Errorf("%w: session %s belongs to flow %s", ErrInvalidParameter, s.id, s.flowID)
		}
	}
	_, err := c.call(&request{op: opCloseAll, sessions: sessions})
	return err
}

func (c *Context) Sleep(d time.Duration) error {
	_, err := c.call(&request{op: opSleep, delay: d})
	return err
}

func (c *Context) call(req *request) (result, error) {
	req.reply = make(chan result, 1)
	select {
	case c.inst.reqs <- req:
	case <-c.inst.done:
		return result{}, ErrFlowKilled
	}
	select {
	case res := <-req.reply:
		return res, res.err
	case <-c.inst.done:
		select {
		case res := <-req.reply:
			return res, res.err
		default:
		}
		return result{}, ErrFlowKilled
	}
}
