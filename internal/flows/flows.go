// Package flows holds the sample flows every node registers: a single
// ping exchange with optional misuse, a looping exchange and a fan-out that
// closes each round with CloseAll.
package flows

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/flowctl/internal/flow"
	"github.com/danmuck/flowctl/internal/identity"
)

const (
	TagPing  = "ping"
	TagLoop  = "ping.loop"
	TagMulti = "ping.multi"
)

const (
	hello    = "Hello"
	question = "What's up?"
	answer   = "All good!"
)

var ErrUnexpectedPayload = errors.New("flows: unexpected payload")

// PingOptions select the misuse a Ping flow commits.
type PingOptions struct {
	// PrematureClose closes the session before anything was sent on it.
	PrematureClose bool
	// AccessClosedSession receives after the responder has closed.
	AccessClosedSession bool
	// Wait is how long to sleep before the late receive.
	Wait time.Duration
}

// Ping sends one greeting to party.
func Ping(party identity.Party, opts PingOptions) flow.Flow {
	return flow.FlowFunc(func(ctx *flow.Context) error {
		s, err := ctx.InitiateSession(party)
		if err != nil {
			return err
		}
		if opts.PrematureClose {
			if err := ctx.Close(s); err != nil {
				return err
			}
		}
		if err := ctx.Send(s, []byte(hello)); err != nil {
			return err
		}
		if opts.AccessClosedSession {
			wait := opts.Wait
			if wait <= 0 {
				wait = time.Second
			}
			if err := ctx.Sleep(wait); err != nil {
				return err
			}
			if _, err := ctx.Receive(s); err != nil {
				return err
			}
		}
		return nil
	})
}

// PingLoop opens, uses and closes one session per iteration.
func PingLoop(party identity.Party, iterations int) flow.Flow {
	return flow.FlowFunc(func(ctx *flow.Context) error {
		for i := 1; i <= iterations; i++ {
			s, err := ctx.InitiateSession(party)
			if err != nil {
				return err
			}
			if err := ask(ctx, s); err != nil {
				return err
			}
			if err := ctx.Close(s); err != nil {
				return err
			}
			ctx.Logger().Debug().Int("iteration", i).Msg("flows.PingLoop iteration complete")
		}
		return nil
	})
}

// PingMulti opens perRound sessions per round and closes each round with a
// single CloseAll.
func PingMulti(party identity.Party, rounds, perRound int) flow.Flow {
	return flow.FlowFunc(func(ctx *flow.Context) error {
		for round := 1; round <= rounds; round++ {
			sessions := make([]*flow.Session, 0, perRound)
			for n := 0; n < perRound; n++ {
				s, err := ctx.InitiateSession(party)
				if err != nil {
					return err
				}
				sessions = append(sessions, s)
				if err := ask(ctx, s); err != nil {
					return err
				}
			}
			if err := ctx.CloseAll(sessions...); err != nil {
				return err
			}
		}
		return nil
	})
}

func ask(ctx *flow.Context, s *flow.Session) error {
	reply, err := ctx.SendAndReceive(s, []byte(question))
	if err != nil {
		return err
	}
	return expect(reply, answer)
}

func expect(got []byte, want string) error {
	if string(got) != want {
		return fmt.Errorf("%w: got %q want %q", ErrUnexpectedPayload, got, want)
	}
	return nil
}

func pingResponder(s *flow.Session) flow.Flow {
	return flow.FlowFunc(func(ctx *flow.Context) error {
		payload, err := ctx.Receive(s)
		if err != nil {
			return err
		}
		if err := expect(payload, hello); err != nil {
			return err
		}
		return ctx.Close(s)
	})
}

func answerResponder(s *flow.Session) flow.Flow {
	return flow.FlowFunc(func(ctx *flow.Context) error {
		payload, err := ctx.Receive(s)
		if err != nil {
			return err
		}
		if err := expect(payload, question); err != nil {
			return err
		}
		return ctx.Send(s, []byte(answer))
	})
}

// Registrar is satisfied by *flow.Manager.
type Registrar interface {
	RegisterResponder(tag string, factory flow.ResponderFactory) error
}

// Register installs the responders for every sample tag.
func Register(r Registrar) error {
	for tag, factory := range map[string]flow.ResponderFactory{
		TagPing:  pingResponder,
		TagLoop:  answerResponder,
		TagMulti: answerResponder,
	} {
		if err := r.RegisterResponder(tag, factory); err != nil {
			return err
		}
	}
	return nil
}
