package flow

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/danmuck/flowctl/internal/identity"
	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/protocol"
)

const reasonUnknownSession = "unknown session"

// endedSession is what the dispatcher remembers about a released session.
type endedSession struct {
	id           protocol.SessionID
	counterparty identity.Party
	state        SessionState
	initSent     bool
	initiated    bool
	premature    bool
	nextSeq      uint64
	reason       string
}

// Dispatcher routes inbound envelopes to the flow instance owning the
// recipient session. Envelopes that cannot be routed are dropped and never
// surface in a flow.
type Dispatcher struct {
	m       *Manager
	ended   *lru.Cache
	dropped atomic.Uint64
}

func newDispatcher(m *Manager, size int) (*Dispatcher, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{m: m, ended: cache}, nil
}

// Dropped reports how many inbound envelopes were discarded.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Dispatcher) Deliver(env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		logs.Warnf("flow.Dispatcher.Deliver invalid envelope %s err=%v", env, err)
		d.count("invalid")
		return
	}
	if env.Recipient != d.m.self {
		logs.Warnf("flow.Dispatcher.Deliver misrouted %s self=%q", env, d.m.self)
		d.count("misrouted")
		return
	}
	if env.Kind == protocol.KindInit {
		d.m.accept(env)
		return
	}
	s, ok := d.m.registry.Lookup(env.SessionID)
	if !ok || !s.owner.enqueue(env) {
		d.late(env)
	}
}

// remember records how s ended. Called before s leaves the registry.
func (d *Dispatcher) remember(s *Session) {
	entry := endedSession{
		id:           s.id,
		counterparty: s.counterparty,
		state:        s.State(),
		initSent:     s.initSent,
		initiated:    s.initiated,
		premature:    s.premature,
		nextSeq:      s.sendSeq,
	}
	if s.cause != nil {
		entry.reason = s.cause.Error()
	}
	d.ended.Add(s.id, entry)
}

// late handles an envelope for a session that is no longer registered. A
// CONFIRM for a session abandoned before it was confirmed is answered so
// the peer can release its side.
func (d *Dispatcher) late(env protocol.Envelope) {
	v, ok := d.ended.Get(env.SessionID)
	if !ok {
		if env.Kind == protocol.KindConfirm {
			d.answer(env, protocol.KindError, 1, reasonUnknownSession)
		}
		d.drop(env, "unknown_session")
		return
	}
	entry := v.(endedSession)
	if env.Kind == protocol.KindConfirm && entry.initSent && !entry.initiated {
		switch {
		case entry.state == StateErrored:
			reason := entry.reason
			if reason == "" {
				reason = "flow failed"
			}
			d.answer(env, protocol.KindError, entry.nextSeq, reason)
		case entry.premature:
			d.answer(env, protocol.KindClose, entry.nextSeq, protocol.ReasonPremature)
		default:
			d.answer(env, protocol.KindClose, entry.nextSeq, "")
		}
		return
	}
	logs.Debugf("flow.Dispatcher.late envelope for ended session %s state=%s", env, entry.state)
	d.count("ended_session")
}

func (d *Dispatcher) answer(env protocol.Envelope, kind protocol.Kind, seq uint64, reason string) {
	logs.Debugf("flow.Dispatcher.answer %s with kind=%s reason=%q", env, kind, reason)
	d.m.notify(protocol.Envelope{
		SessionID:       env.SourceSessionID,
		SourceSessionID: env.SessionID,
		Kind:            kind,
		Sequence:        seq,
		Sender:          d.m.self,
		Recipient:       env.Sender,
		Reason:          reason,
	})
}

func (d *Dispatcher) drop(env protocol.Envelope, reason string) {
	logs.Debugf("flow.Dispatcher.drop reason=%s %s", reason, env)
	d.count(reason)
}

func (d *Dispatcher) count(reason string) {
	d.dropped.Add(1)
	d.m.metrics.EnvelopeDropped(reason)
}
