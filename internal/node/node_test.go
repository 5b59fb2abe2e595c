package node

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/flowctl/internal/checkpoint"
	"github.com/danmuck/flowctl/internal/flows"
	"github.com/danmuck/flowctl/internal/identity"
	"github.com/danmuck/flowctl/internal/protocol"
	"github.com/danmuck/flowctl/internal/testutil/testlog"
	"github.com/danmuck/flowctl/internal/transport"
)

const (
	alice identity.Party = "O=Alice, L=London, C=GB"
	bob   identity.Party = "O=Bob, L=Paris, C=FR"
)

func closeNode(t *testing.T, n *Node) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Close(ctx)
	})
}

func memoryNode(t *testing.T, net *transport.MemoryNetwork, party identity.Party) *Node {
	t.Helper()
	ep, err := net.Join(party)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Party = party
	cfg.AdminAddr = ""
	n, err := New(cfg, WithTransport(ep), WithStore(checkpoint.NewMemoryStore()))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	closeNode(t, n)
	if err := n.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return n
}

func runScenario(t *testing.T, n *Node, name string, peer identity.Party) {
	t.Helper()
	sc, err := flows.LookupScenario(name)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, verdict := flows.Run(ctx, n.Manager(), sc, peer); verdict != nil {
		t.Fatalf("%v", verdict)
	}
}

func TestNodesOverMemoryNetwork(t *testing.T) {
	testlog.Start(t)
	net := transport.NewMemoryNetwork()
	a := memoryNode(t, net, alice)
	memoryNode(t, net, bob)
	if a.Admin() != nil {
		t.Fatalf("admin should be disabled without an address")
	}
	runScenario(t, a, "ping", bob)
	runScenario(t, a, "multi", bob)
}

func TestNodesOverTCP(t *testing.T) {
	testlog.Start(t)
	newTCPNode := func(party identity.Party) *Node {
		cfg := DefaultConfig()
		cfg.Party = party
		cfg.AdminAddr = ""
		cfg.NetworkToken = "shared"
		cfg.Transport.ListenAddr = "127.0.0.1:0"
		cfg.Transport.Backoff.InitialDelay = 10 * time.Millisecond
		n, err := New(cfg)
		if err != nil {
			t.Fatalf("new node: %v", err)
		}
		closeNode(t, n)
		if err := n.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		return n
	}
	a := newTCPNode(alice)
	b := newTCPNode(bob)
	addrOf := func(n *Node) string {
		tcp, ok := n.Transport().(*transport.TCPTransport)
		if !ok {
			t.Fatalf("expected tcp transport, got %T", n.Transport())
		}
		return tcp.Addr().String()
	}
	if err := a.Resolver().Bind(bob, addrOf(b)); err != nil {
		t.Fatalf("bind bob: %v", err)
	}
	if err := b.Resolver().Bind(alice, addrOf(a)); err != nil {
		t.Fatalf("bind alice: %v", err)
	}
	runScenario(t, a, "ping", bob)
	runScenario(t, a, "loop", bob)
}

func TestNewRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if _, err := New(cfg); !errors.Is(err, identity.ErrInvalidParty) {
		t.Fatalf("expected invalid party, got %v", err)
	}
	cfg.Party = alice
	cfg.Peers = []Peer{{Party: bob, Addr: "a:1"}, {Party: bob, Addr: "b:1"}}
	if _, err := New(cfg, WithStore(checkpoint.NewMemoryStore())); !errors.Is(err, identity.ErrPartyConflict) {
		t.Fatalf("expected peer conflict, got %v", err)
	}
}

func TestAdminHealthThroughNode(t *testing.T) {
	testlog.Start(t)
	net := transport.NewMemoryNetwork()
	ep, err := net.Join(alice)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Party = alice
	n, err := New(cfg, WithTransport(ep), WithStore(checkpoint.NewMemoryStore()))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	closeNode(t, n)
	if n.Admin() == nil {
		t.Fatalf("expected admin server")
	}
	w := httptest.NewRecorder()
	n.Admin().Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected health status %d", w.Code)
	}
	w = httptest.NewRecorder()
	n.Admin().Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/responders", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected responders status %d", w.Code)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	net := transport.NewMemoryNetwork()
	ep, _ := net.Join(alice)
	cfg := DefaultConfig()
	cfg.Party = alice
	cfg.AdminAddr = "127.0.0.1:0"
	n, err := New(cfg, WithTransport(ep), WithStore(checkpoint.NewMemoryStore()))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	if _, err := n.Manager().StartFlow(flows.TagPing, flows.Ping(bob, flows.PingOptions{})); err == nil {
		t.Fatalf("expected closed manager")
	}
}

func TestStartReleasesSessionsFromPreviousRun(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	store, err := checkpoint.OpenLevel(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Save(checkpoint.Record{
		FlowID:     "before-restart",
		Tag:        flows.TagPing,
		Role:       "initiator",
		Step:       2,
		Suspension: "receive",
		Sessions: []checkpoint.SessionRecord{
			{ID: "a-1", PeerID: "b-1", Counterparty: string(bob), State: "INITIATED", Initiated: true, InitSent: true, SendSeq: 2},
		},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	net := transport.NewMemoryNetwork()
	peer, err := net.Join(bob)
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	got := make(chan protocol.Envelope, 4)
	if err := peer.Start(func(env protocol.Envelope) { got <- env }); err != nil {
		t.Fatalf("start bob: %v", err)
	}

	ep, err := net.Join(alice)
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Party = alice
	cfg.AdminAddr = ""
	cfg.CheckpointPath = dir
	n, err := New(cfg, WithTransport(ep))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	closeNode(t, n)
	if err := n.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case env := <-got:
		if env.Kind != protocol.KindError || env.SessionID != "b-1" || env.Reason != protocol.ReasonRestarted {
			t.Fatalf("unexpected envelope after restart %+v", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("peer was never told about the restart")
	}
	records, err := n.store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("leftover checkpoints not cleared: %+v", records)
	}
}
