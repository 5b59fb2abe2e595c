package flow

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/flowctl/internal/checkpoint"
	"github.com/danmuck/flowctl/internal/identity"
	"github.com/danmuck/flowctl/internal/protocol"
	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

const peer identity.Party = "O=Peer"

func peerEnv(s *Session, kind protocol.Kind, seq uint64, payload string) protocol.Envelope {
	env := protocol.Envelope{
		SessionID:       s.ID(),
		SourceSessionID: "peer-session",
		Kind:            kind,
		Sequence:        seq,
		Sender:          peer,
		Recipient:       alice,
	}
	if kind == protocol.KindData {
		env.Payload = []byte(payload)
	}
	if kind == protocol.KindError {
		env.Reason = payload
	}
	return env
}

type received struct {
	payloads []string
	err      error
}

// startReader runs a flow that opens a session to peer, sends the INIT and
// then receives up to n payloads, stopping at the first error.
func startReader(t *testing.T, m *Manager, n int) (*FlowHandle, *Session, *received) {
	t.Helper()
	opened := make(chan *Session, 1)
	out := &received{}
	h, err := m.StartFlow("ping", FlowFunc(func(ctx *Context) error {
		s, err := ctx.InitiateSession(peer)
		if err != nil {
			return err
		}
		if err := ctx.Send(s, []byte("hello")); err != nil {
			return err
		}
		opened <- s
		for i := 0; i < n; i++ {
			payload, err := ctx.Receive(s)
			if err != nil {
				out.err = err
				return nil
			}
			out.payloads = append(out.payloads, string(payload))
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("start reader: %v", err)
	}
	select {
	case s := <-opened:
		return h, s, out
	case <-time.After(waitTimeout):
		t.Fatalf("reader never opened its session")
	}
	return nil, nil, nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOutOfOrderDataIsDeliveredInSendOrder(t *testing.T) {
	testlog.Start(t)
	a := newDetachedNode(t, alice, nil)
	h, s, got := startReader(t, a.m, 3)

	a.m.Deliver(peerEnv(s, protocol.KindConfirm, 0, ""))
	a.m.Deliver(peerEnv(s, protocol.KindData, 2, "b"))
	a.m.Deliver(peerEnv(s, protocol.KindData, 2, "b"))
	a.m.Deliver(peerEnv(s, protocol.KindData, 3, "c"))
	a.m.Deliver(peerEnv(s, protocol.KindData, 1, "a"))

	if err := waitFlow(t, h); err != nil {
		t.Fatalf("flow failed: %v", err)
	}
	if got.err != nil || !sameStrings(got.payloads, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected delivery %v err=%v", got.payloads, got.err)
	}
	if a.m.Dispatcher().Dropped() != 1 {
		t.Fatalf("expected the duplicate to be dropped, dropped=%d", a.m.Dispatcher().Dropped())
	}
}

func TestCloseIsHonoredAfterPendingData(t *testing.T) {
	testlog.Start(t)
	a := newDetachedNode(t, alice, nil)
	h, s, got := startReader(t, a.m, 3)

	a.m.Deliver(peerEnv(s, protocol.KindConfirm, 0, ""))
	a.m.Deliver(peerEnv(s, protocol.KindClose, 3, ""))
	a.m.Deliver(peerEnv(s, protocol.KindData, 2, "b"))
	a.m.Deliver(peerEnv(s, protocol.KindData, 1, "a"))

	if err := waitFlow(t, h); err != nil {
		t.Fatalf("flow failed: %v", err)
	}
	if !sameStrings(got.payloads, []string{"a", "b"}) {
		t.Fatalf("data sent before CLOSE must be delivered, got %v", got.payloads)
	}
	if !errors.Is(got.err, ErrUnexpectedSessionEnd) {
		t.Fatalf("expected ErrUnexpectedSessionEnd after draining, got %v", got.err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", s.State())
	}
	if a.out.count(protocol.KindCloseAck) != 1 {
		t.Fatalf("expected one CLOSE_ACK, got %d", a.out.count(protocol.KindCloseAck))
	}
	if a.out.count(protocol.KindClose) != 0 {
		t.Fatalf("peer-closed session must not be closed again")
	}
}

func TestReorderWindowBoundsParkedEnvelopes(t *testing.T) {
	testlog.Start(t)
	out := &recorder{}
	m, err := NewManager(Config{ReorderWindow: 2}, alice, out, checkpoint.NewMemoryStore())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := timeoutCtx(t)
	t.Cleanup(func() { _ = m.Shutdown(ctx) })
	h, s, got := startReader(t, m, 1)

	m.Deliver(peerEnv(s, protocol.KindConfirm, 0, ""))
	m.Deliver(peerEnv(s, protocol.KindData, 9, "far"))
	m.Deliver(peerEnv(s, protocol.KindData, 1, "near"))

	if err := waitFlow(t, h); err != nil {
		t.Fatalf("flow failed: %v", err)
	}
	if !sameStrings(got.payloads, []string{"near"}) {
		t.Fatalf("unexpected delivery %v", got.payloads)
	}
	if m.Dispatcher().Dropped() != 1 {
		t.Fatalf("expected the far envelope to be dropped, dropped=%d", m.Dispatcher().Dropped())
	}
}

func TestPeerErrorBypassesSequencing(t *testing.T) {
	testlog.Start(t)
	a := newDetachedNode(t, alice, nil)
	h, s, got := startReader(t, a.m, 1)

	a.m.Deliver(peerEnv(s, protocol.KindConfirm, 0, ""))
	a.m.Deliver(peerEnv(s, protocol.KindError, 42, "vault locked"))

	if err := waitFlow(t, h); err != nil {
		t.Fatalf("flow failed: %v", err)
	}
	var peerErr *PeerError
	if !errors.As(got.err, &peerErr) || peerErr.Reason != "vault locked" || peerErr.Party != peer {
		t.Fatalf("expected PeerError, got %v", got.err)
	}
	if s.State() != StateErrored {
		t.Fatalf("expected ERRORED, got %s", s.State())
	}
	if a.out.count(protocol.KindError) != 0 {
		t.Fatalf("errored session must not echo ERROR back")
	}
}

func TestDispatcherDropsUnroutableEnvelopes(t *testing.T) {
	testlog.Start(t)
	a := newDetachedNode(t, alice, nil)
	d := a.m.Dispatcher()

	stray := protocol.Envelope{Kind: protocol.KindData, SessionID: "gone", SourceSessionID: "peer-session", Sequence: 4, Sender: peer, Recipient: alice, Payload: []byte("x")}
	a.m.Deliver(stray)
	if d.Dropped() != 1 {
		t.Fatalf("unknown session should be dropped, dropped=%d", d.Dropped())
	}

	misrouted := stray
	misrouted.Recipient = bob
	a.m.Deliver(misrouted)
	invalid := stray
	invalid.Sender = ""
	a.m.Deliver(invalid)
	if d.Dropped() != 3 {
		t.Fatalf("misrouted and invalid envelopes should be dropped, dropped=%d", d.Dropped())
	}

	confirm := protocol.Envelope{Kind: protocol.KindConfirm, SessionID: "gone", SourceSessionID: "peer-session", Sender: peer, Recipient: alice}
	a.m.Deliver(confirm)
	reply, ok := a.out.last(protocol.KindError)
	if !ok {
		t.Fatalf("CONFIRM for an unknown session should be answered")
	}
	if reply.SessionID != "peer-session" || reply.Recipient != peer || reply.Reason != reasonUnknownSession {
		t.Fatalf("unexpected answer %s", reply)
	}
}
