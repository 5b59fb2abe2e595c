package flow

import (
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/danmuck/flowctl/internal/checkpoint"
	"github.com/danmuck/flowctl/internal/identity"
	"github.com/danmuck/flowctl/internal/protocol"
)

// Session is a flow's handle on one logical conversation with a counterparty.
// Exported accessors are safe from any goroutine; everything else is owned by
// the owning instance's event loop.
type Session struct {
	id           protocol.SessionID
	flowID       FlowID
	counterparty identity.Party
	owner        *instance
	state        atomic.Int32

	peerID     protocol.SessionID
	initSent   bool
	initiated  bool
	peerClosed bool
	premature  bool
	sendSeq    uint64
	recvSeq    uint64
	reorder    map[uint64]protocol.Envelope
	inbound    *queue.Queue
	outbound   [][]byte
	cause      error
}

func newSession(owner *instance, counterparty identity.Party) *Session {
	return &Session{
		id:           protocol.NewSessionID(),
		flowID:       owner.id,
		counterparty: counterparty,
		owner:        owner,
		reorder:      make(map[uint64]protocol.Envelope),
		inbound:      queue.New(),
	}
}

func (s *Session) ID() protocol.SessionID {
	return s.id
}

func (s *Session) FlowID() FlowID {
	return s.flowID
}

func (s *Session) Counterparty() identity.Party {
	return s.counterparty
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(to SessionState) bool {
	from := s.State()
	if !canAdvance(from, to) {
		return false
	}
	s.state.Store(int32(to))
	return true
}

func (s *Session) nextSeq() uint64 {
	seq := s.sendSeq
	s.sendSeq++
	return seq
}

func (s *Session) buffered() int {
	return s.inbound.Length()
}

func (s *Session) pop() []byte {
	return s.inbound.Remove().([]byte)
}

// discard drops undelivered payloads in both directions.
func (s *Session) discard() {
	for s.inbound.Length() > 0 {
		s.inbound.Remove()
	}
	s.outbound = nil
}

// release drops every buffer the session holds.
func (s *Session) release() {
	s.discard()
	s.reorder = make(map[uint64]protocol.Envelope)
}

// endCause is the error surfaced by operations on an ended session.
func (s *Session) endCause() error {
	if s.premature {
		return ErrPrematureClose
	}
	return s.cause
}

func (s *Session) record() checkpoint.SessionRecord {
	return checkpoint.SessionRecord{
		ID:           string(s.id),
		PeerID:       string(s.peerID),
		Counterparty: string(s.counterparty),
		State:        s.State().String(),
		Initiated:    s.initiated,
		InitSent:     s.initSent,
		PeerClosed:   s.peerClosed,
		Premature:    s.premature,
		SendSeq:      s.sendSeq,
		RecvSeq:      s.recvSeq,
		Buffered:     s.buffered(),
	}
}
