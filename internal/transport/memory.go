package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/danmuck/flowctl/internal/identity"
	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/protocol"
	"github.com/danmuck/flowctl/internal/protocol/frame"
)

// MemoryNetwork connects in-process endpoints. Envelopes still pass through
// the wire codec so both ends see exactly what a socket would carry.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[identity.Party]*MemoryEndpoint
	limits    frame.Limits
	delivered atomic.Uint64
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[identity.Party]*MemoryEndpoint),
		limits:    frame.DefaultLimits(),
	}
}

// Join attaches party to the network.
func (n *MemoryNetwork) Join(party identity.Party) (*MemoryEndpoint, error) {
	if err := party.Validate(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[party]; ok {
		return nil, fmt.Errorf("transport: party %q already joined", party)
	}
	ep := &MemoryEndpoint{
		net:   n,
		party: party,
		queue: queue.New(),
		done:  make(chan struct{}),
	}
	ep.cond = sync.NewCond(&ep.mu)
	n.endpoints[party] = ep
	return ep, nil
}

// Delivered counts envelopes handed to handlers across the network.
func (n *MemoryNetwork) Delivered() uint64 {
	return n.delivered.Load()
}

func (n *MemoryNetwork) endpoint(party identity.Party) (*MemoryEndpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[party]
	return ep, ok
}

func (n *MemoryNetwork) leave(party identity.Party) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, party)
}

// MemoryEndpoint is one party's attachment. Inbound envelopes queue without
// bound and a single goroutine hands them to the handler in arrival order,
// so Send never blocks on the receiver.
type MemoryEndpoint struct {
	net   *MemoryNetwork
	party identity.Party

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *queue.Queue
	handler Handler
	started bool
	closed  bool
	done    chan struct{}
}

func (e *MemoryEndpoint) Party() identity.Party {
	return e.party
}

func (e *MemoryEndpoint) Start(h Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.handler = h
	e.started = true
	go e.deliverLoop()
	return nil
}

func (e *MemoryEndpoint) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.Sender != e.party {
		return fmt.Errorf("%w: sender=%q self=%q", ErrWrongSender, env.Sender, e.party)
	}
	var buf bytes.Buffer
	if err := protocol.WriteEnvelope(&buf, env, e.net.limits); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	dst, ok := e.net.endpoint(env.Recipient)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, env.Recipient)
	}
	return dst.push(buf.Bytes())
}

func (e *MemoryEndpoint) push(wire []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: peer %q", ErrClosed, e.party)
	}
	e.queue.Add(wire)
	e.cond.Signal()
	return nil
}

// Pending reports envelopes queued but not yet handed to the handler.
func (e *MemoryEndpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Length()
}

func (e *MemoryEndpoint) deliverLoop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for e.queue.Length() == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		wire := e.queue.Remove().([]byte)
		h := e.handler
		e.mu.Unlock()

		env, err := protocol.ReadEnvelope(bytes.NewReader(wire), e.net.limits)
		if err != nil {
			logs.Warnf("transport.MemoryEndpoint.deliver decode party=%q err=%v", e.party, err)
			continue
		}
		h(env)
		e.net.delivered.Add(1)
	}
}

// Close detaches the endpoint. Queued envelopes are discarded.
func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.cond.Broadcast()
	e.mu.Unlock()

	e.net.leave(e.party)
	if started {
		<-e.done
	}
	return nil
}
