package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/flowctl/internal/checkpoint"
	"github.com/danmuck/flowctl/internal/identity"
	"github.com/danmuck/flowctl/internal/protocol"
	"github.com/danmuck/flowctl/internal/transport"
)

const (
	alice identity.Party = "O=Alice, L=London, C=GB"
	bob   identity.Party = "O=Bob, L=Paris, C=FR"
)

const waitTimeout = 5 * time.Second

// recorder sits between a manager and its transport and keeps every
// envelope the manager sent.
type recorder struct {
	next Sender

	mu   sync.Mutex
	sent []protocol.Envelope
}

func (r *recorder) Send(ctx context.Context, env protocol.Envelope) error {
	r.mu.Lock()
	r.sent = append(r.sent, env)
	r.mu.Unlock()
	if r.next == nil {
		return nil
	}
	return r.next.Send(ctx, env)
}

func (r *recorder) count(kind protocol.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.sent {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind protocol.Kind) (protocol.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Kind == kind {
			return r.sent[i], true
		}
	}
	return protocol.Envelope{}, false
}

type testNode struct {
	m     *Manager
	out   *recorder
	store *checkpoint.MemoryStore
}

func newTestNode(t *testing.T, net *transport.MemoryNetwork, party identity.Party) *testNode {
	t.Helper()
	ep, err := net.Join(party)
	if err != nil {
		t.Fatalf("join %s: %v", party, err)
	}
	t.Cleanup(func() { _ = ep.Close() })

	n := newDetachedNode(t, party, ep)
	if err := ep.Start(n.m.Deliver); err != nil {
		t.Fatalf("start endpoint %s: %v", party, err)
	}
	return n
}

// newDetachedNode builds a manager whose envelopes go to next, or nowhere
// when next is nil.
func newDetachedNode(t *testing.T, party identity.Party, next Sender) *testNode {
	t.Helper()
	out := &recorder{next: next}
	store := checkpoint.NewMemoryStore()
	m, err := NewManager(DefaultConfig(), party, out, store)
	if err != nil {
		t.Fatalf("new manager %s: %v", party, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &testNode{m: m, out: out, store: store}
}

func newPair(t *testing.T) (*testNode, *testNode) {
	t.Helper()
	net := transport.NewMemoryNetwork()
	return newTestNode(t, net, alice), newTestNode(t, net, bob)
}

func waitFlow(t *testing.T, h *FlowHandle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := h.WaitContext(ctx)
	if err == context.DeadlineExceeded {
		t.Fatalf("flow %s (%s) did not finish", h.ID(), h.Tag())
	}
	return err
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for responder")
	}
	return nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}

// echoResponder answers one payload with pong and then waits for the
// initiator to end the session. Its result goes to results.
func echoResponder(results chan<- error) ResponderFactory {
	return func(s *Session) Flow {
		return FlowFunc(func(ctx *Context) error {
			if _, err := ctx.Receive(s); err != nil {
				results <- err
				return err
			}
			if err := ctx.Send(s, []byte("pong")); err != nil {
				results <- err
				return err
			}
			_, err := ctx.Receive(s)
			results <- err
			return nil
		})
	}
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// relay waits for from to send an envelope of kind and delivers the latest
// one to to.
func relay(t *testing.T, from *testNode, kind protocol.Kind, to *testNode) {
	t.Helper()
	eventually(t, "sent "+kind.String(), func() bool { return from.out.count(kind) > 0 })
	env, _ := from.out.last(kind)
	to.m.Deliver(env)
}

func timeoutCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}
