package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/danmuck/flowctl/internal/checkpoint"
	"github.com/danmuck/flowctl/internal/identity"
	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/protocol"
)

var errPeerClosed = errors.New("flow: counterparty closed the session")

type opKind int

const (
	opInitiate opKind = iota
	opSend
	opReceive
	opClose
	opCloseAll
	opSleep
	opFinish
)

func (o opKind) String() string {
	switch o {
	case opInitiate:
		return "initiate"
	case opSend:
		return "send"
	case opReceive:
		return "receive"
	case opClose:
		return "close"
	case opCloseAll:
		return "close_all"
	case opSleep:
		return "sleep"
	case opFinish:
		return "finish"
	default:
		return "unknown"
	}
}

type request struct {
	op       opKind
	party    identity.Party
	session  *Session
	sessions []*Session
	payload  []byte
	delay    time.Duration
	err      error
	reply    chan result
}

type result struct {
	session *Session
	payload []byte
	err     error
}

func (r *request) respond(res result) {
	r.reply <- res
}

// instance is one running flow. Fields below live are owned by loop.
type instance struct {
	id        FlowID
	tag       string
	role      Role
	flow      Flow
	m         *Manager
	startedAt time.Time

	// sendCtx bounds transport sends made by the loop. kill cancels ctx,
	// and teardown swaps sendCtx for a short-lived one.
	ctx     context.Context
	cancel  context.CancelFunc
	sendCtx context.Context

	reqs     chan *request
	events   chan protocol.Envelope
	wake     chan struct{}
	killCh   chan error
	killOnce sync.Once
	done     chan struct{}
	finished chan struct{}
	result   error

	suspensions atomic.Uint64

	live       map[protocol.SessionID]*Session
	pending    *request
	step       uint64
	sleepTimer *time.Timer
	onStart    func()
}

func (m *Manager) newInstance(tag string, role Role) *instance {
	ctx, cancel := context.WithCancel(m.ctx)
	return &instance{
		ctx:       ctx,
		cancel:    cancel,
		sendCtx:   ctx,
		id:        newFlowID(),
		tag:       tag,
		role:      role,
		m:         m,
		startedAt: time.Now().UTC(),
		reqs:      make(chan *request),
		events:    make(chan protocol.Envelope, m.cfg.EventBuffer),
		wake:      make(chan struct{}, 1),
		killCh:    make(chan error, 1),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		live:      make(map[protocol.SessionID]*Session),
	}
}

// kill asks the loop to tear the flow down and aborts any send it is
// blocked in.
func (inst *instance) kill(err error) {
	inst.killOnce.Do(func() {
		inst.killCh <- err
		inst.cancel()
	})
}

// enqueue hands an inbound envelope to the loop. It reports false once the
// instance has ended.
func (inst *instance) enqueue(env protocol.Envelope) bool {
	select {
	case inst.events <- env:
		return true
	case <-inst.done:
		return false
	}
}

func (inst *instance) runLogic(ctx *Context) {
	defer close(inst.finished)

	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = inst.flow.Call(ctx)
	})
	if r := pc.Recovered(); r != nil {
		logs.Errf("flow.instance.runLogic panic flow=%s tag=%s value=%v", inst.id, inst.tag, r.Value)
		err = r.AsError()
	}

	select {
	case inst.reqs <- &request{op: opFinish, err: err, reply: make(chan result, 1)}:
	case <-inst.done:
	}
	<-inst.done
}

func (inst *instance) loop() {
	defer close(inst.done)
	defer inst.m.forget(inst)
	defer inst.cancel()

	if inst.onStart != nil {
		inst.onStart()
	}
	for {
		select {
		case err := <-inst.killCh:
			inst.teardown(err)
			return
		default:
		}
		select {
		case req := <-inst.reqs:
			if req.op == opFinish {
				inst.teardown(req.err)
				return
			}
			inst.handle(req)
		case env := <-inst.events:
			inst.onEnvelope(env)
		case <-inst.wake:
			inst.onWake()
		case err := <-inst.killCh:
			inst.teardown(err)
			return
		}
	}
}

func (inst *instance) handle(req *request) {
	switch req.op {
	case opInitiate:
		inst.initiate(req)
	case opSend:
		inst.send(req)
	case opReceive:
		inst.receive(req)
	case opClose:
		inst.closeOne(req)
	case opCloseAll:
		inst.closeAll(req)
	case opSleep:
		inst.sleep(req)
	}
}

func (inst *instance) owns(s *Session) bool {
	return s != nil && s.owner == inst
}

// suspend records a suspension point and persists the checkpoint for it.
func (inst *instance) suspend(op opKind) error {
	inst.step++
	inst.suspensions.Add(1)
	inst.m.metrics.Suspended(op.String())

	ids := make([]protocol.SessionID, 0, len(inst.live))
	for id := range inst.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	sessions := make([]checkpoint.SessionRecord, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, inst.live[id].record())
	}
	logs.Debugf("flow.instance.suspend flow=%s step=%d op=%s sessions=%d", inst.id, inst.step, op, len(sessions))
	return inst.m.saveCheckpoint(checkpoint.Record{
		FlowID:     string(inst.id),
		Tag:        inst.tag,
		Role:       string(inst.role),
		Step:       inst.step,
		Suspension: op.String(),
		Sessions:   sessions,
		SavedAt:    time.Now().UTC(),
	})
}

func (inst *instance) initiate(req *request) {
	s := newSession(inst, req.party)
	if err := inst.m.registry.Add(s); err != nil {
		req.respond(result{err: err})
		return
	}
	inst.live[s.id] = s
	inst.m.metrics.SessionOpened(string(RoleInitiator))
	logs.Debugf("flow.instance.initiate flow=%s session=%s counterparty=%q", inst.id, s.id, s.counterparty)
	req.respond(result{session: s})
}

// transmit sends env under the loop's current send context. A send cut short
// by kill reports ErrFlowKilled.
func (inst *instance) transmit(env protocol.Envelope) error {
	err := inst.m.transmit(inst.sendCtx, env)
	if err != nil && inst.ctx.Err() != nil && inst.sendCtx == inst.ctx {
		return fmt.Errorf("%w: %v", ErrFlowKilled, err)
	}
	return err
}

func (inst *instance) emit(s *Session, kind protocol.Kind, payload []byte, reason string) error {
	return inst.transmit(protocol.Envelope{
		SessionID:       s.peerID,
		SourceSessionID: s.id,
		Kind:            kind,
		Sequence:        s.nextSeq(),
		Sender:          inst.m.self,
		Recipient:       s.counterparty,
		Reason:          reason,
		Payload:         payload,
	})
}

func (inst *instance) sendInit(s *Session, payload []byte) error {
	err := inst.transmit(protocol.Envelope{
		SourceSessionID: s.id,
		Kind:            protocol.KindInit,
		Sequence:        s.sendSeq,
		Sender:          inst.m.self,
		Recipient:       s.counterparty,
		FlowTag:         inst.tag,
		Payload:         payload,
	})
	if err != nil {
		return err
	}
	s.sendSeq++
	s.initSent = true
	return nil
}

func (inst *instance) send(req *request) {
	s := req.session
	if !inst.owns(s) {
		req.respond(result{err: ErrInvalidParameter})
		return
	}
	state := s.State()
	switch {
	case s.premature:
		req.respond(result{err: sessionErr(s, "send", ErrPrematureClose, nil)})
		return
	case state.Terminal() || state == StateClosing:
		req.respond(result{err: sessionErr(s, "send", ErrSessionClosed, s.endCause())})
		return
	case s.peerClosed:
		req.respond(result{err: sessionErr(s, "send", ErrSessionClosed, errPeerClosed)})
		return
	}
	if err := inst.suspend(opSend); err != nil {
		req.respond(result{err: err})
		return
	}

	payload := append([]byte{}, req.payload...)
	var err error
	switch {
	case state == StateUninitiated && !s.initSent:
		err = inst.sendInit(s, payload)
	case state == StateUninitiated:
		s.outbound = append(s.outbound, payload)
	default:
		err = inst.emit(s, protocol.KindData, payload, "")
	}
	if err != nil {
		req.respond(result{err: sessionErr(s, "send", err, nil)})
		return
	}
	req.respond(result{})
}

func (inst *instance) receive(req *request) {
	s := req.session
	if !inst.owns(s) {
		req.respond(result{err: ErrInvalidParameter})
		return
	}
	if s.buffered() > 0 {
		req.respond(result{payload: inst.take(s)})
		return
	}
	state := s.State()
	if state.Terminal() || state == StateClosing {
		req.respond(result{err: sessionErr(s, "receive", ErrUnexpectedSessionEnd, s.endCause())})
		return
	}
	if state == StateUninitiated && !s.initSent {
		if err := inst.sendInit(s, nil); err != nil {
			req.respond(result{err: sessionErr(s, "receive", err, nil)})
			return
		}
	}
	if err := inst.suspend(opReceive); err != nil {
		req.respond(result{err: err})
		return
	}
	inst.pending = req
}

// take pops one payload. A peer-closed session ends once drained.
func (inst *instance) take(s *Session) []byte {
	payload := s.pop()
	if s.peerClosed && s.buffered() == 0 && s.State() == StateInitiated {
		inst.finish(s, StateClosed)
	}
	return payload
}

func (inst *instance) sleep(req *request) {
	if err := inst.suspend(opSleep); err != nil {
		req.respond(result{err: err})
		return
	}
	inst.pending = req
	inst.sleepTimer = time.AfterFunc(req.delay, func() {
		select {
		case inst.wake <- struct{}{}:
		default:
		}
	})
}

func (inst *instance) onWake() {
	if inst.pending == nil || inst.pending.op != opSleep {
		return
	}
	req := inst.pending
	inst.pending = nil
	inst.sleepTimer = nil
	req.respond(result{})
}

// resume answers the pending request once its wait condition holds.
func (inst *instance) resume() {
	req := inst.pending
	if req == nil {
		return
	}
	switch req.op {
	case opReceive:
		s := req.session
		if s.buffered() > 0 {
			inst.pending = nil
			req.respond(result{payload: inst.take(s)})
			return
		}
		if s.State().Terminal() {
			inst.pending = nil
			req.respond(result{err: sessionErr(s, "receive", ErrUnexpectedSessionEnd, s.endCause())})
		}
	case opClose, opCloseAll:
		if allTerminal(req.sessions) {
			inst.pending = nil
			req.respond(result{})
		}
	}
}

func (inst *instance) onEnvelope(env protocol.Envelope) {
	inst.m.metrics.EnvelopeReceived(env.Kind.String())
	s, ok := inst.live[env.SessionID]
	if !ok {
		inst.m.dispatcher.late(env)
		return
	}
	if env.Kind == protocol.KindError {
		inst.onPeerError(s, env)
		inst.resume()
		return
	}

	switch {
	case env.Sequence < s.recvSeq:
		inst.m.dispatcher.drop(env, "duplicate")
		return
	case env.Sequence > s.recvSeq:
		window := uint64(inst.m.cfg.ReorderWindow)
		if env.Sequence-s.recvSeq > window || len(s.reorder) >= int(window) {
			inst.m.dispatcher.drop(env, "reorder_window")
			return
		}
		if _, dup := s.reorder[env.Sequence]; dup {
			inst.m.dispatcher.drop(env, "duplicate")
			return
		}
		s.reorder[env.Sequence] = env
		logs.Debugf("flow.instance.onEnvelope parked %s expected=%d", env, s.recvSeq)
		return
	}

	inst.apply(s, env)
	s.recvSeq++
	for !s.State().Terminal() {
		next, ok := s.reorder[s.recvSeq]
		if !ok {
			break
		}
		delete(s.reorder, s.recvSeq)
		inst.apply(s, next)
		s.recvSeq++
	}
	inst.resume()
}

func (inst *instance) apply(s *Session, env protocol.Envelope) {
	logs.Tracef("flow.instance.apply flow=%s state=%s %s", inst.id, s.State(), env)
	switch env.Kind {
	case protocol.KindConfirm:
		if s.State() != StateUninitiated || !s.initSent || s.initiated {
			inst.m.dispatcher.drop(env, "unexpected_confirm")
			return
		}
		s.peerID = env.SourceSessionID
		s.initiated = true
		s.setState(StateInitiated)
		queued := s.outbound
		s.outbound = nil
		for _, payload := range queued {
			if err := inst.emit(s, protocol.KindData, payload, ""); err != nil {
				s.cause = err
				inst.finish(s, StateErrored)
				return
			}
		}
		logs.Debugf("flow.instance.confirmed flow=%s session=%s peer=%s flushed=%d", inst.id, s.id, s.peerID, len(queued))
	case protocol.KindData:
		if s.State() != StateInitiated {
			inst.m.dispatcher.drop(env, "data_after_close")
			return
		}
		s.inbound.Add(env.Payload)
	case protocol.KindClose:
		s.peerClosed = true
		if env.Reason == protocol.ReasonPremature {
			s.premature = true
		}
		if err := inst.emit(s, protocol.KindCloseAck, nil, ""); err != nil {
			logs.Warnf("flow.instance.apply close_ack failed flow=%s session=%s err=%v", inst.id, s.id, err)
		}
		switch s.State() {
		case StateClosing:
			inst.finish(s, StateClosed)
		case StateInitiated:
			if s.buffered() == 0 {
				inst.finish(s, StateClosed)
			}
		}
	case protocol.KindCloseAck:
		if s.State() != StateClosing {
			inst.m.dispatcher.drop(env, "unexpected_close_ack")
			return
		}
		inst.finish(s, StateClosed)
	default:
		inst.m.dispatcher.drop(env, "unexpected_kind")
	}
}

func (inst *instance) onPeerError(s *Session, env protocol.Envelope) {
	logs.Warnf("flow.instance.onPeerError flow=%s session=%s from=%q reason=%q", inst.id, s.id, env.Sender, env.Reason)
	s.peerClosed = true
	s.cause = &PeerError{Party: env.Sender, Reason: env.Reason}
	inst.finish(s, StateErrored)
}

// finish moves s to a terminal state and releases it in the same step.
func (inst *instance) finish(s *Session, to SessionState) {
	from := s.State()
	if !s.setState(to) {
		return
	}
	s.release()
	delete(inst.live, s.id)
	inst.m.dispatcher.remember(s)
	inst.m.registry.Remove(s.id)
	inst.m.metrics.SessionEnded(to.String())
	logs.Debugf(
		"flow.instance.finish flow=%s session=%s %s->%s premature=%t peer_closed=%t",
		inst.id,
		s.id,
		from,
		to,
		s.premature,
		s.peerClosed,
	)
}

// teardown ends every live session. A nil err closes them; otherwise they
// error and peers that know the session are told why.
func (inst *instance) teardown(err error) {
	notifyCtx, cancel := context.WithTimeout(context.Background(), inst.m.cfg.NotifyTimeout)
	defer cancel()
	inst.sendCtx = notifyCtx

	if inst.sleepTimer != nil {
		inst.sleepTimer.Stop()
		inst.sleepTimer = nil
	}
	ids := make([]protocol.SessionID, 0, len(inst.live))
	for id := range inst.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		s := inst.live[id]
		if err == nil {
			inst.closeOnEnd(s)
		} else {
			inst.errorOnEnd(s, err)
		}
	}
	if inst.pending != nil {
		inst.pending.respond(result{err: err})
		inst.pending = nil
	}
	inst.result = err
	inst.m.dropCheckpoint(inst.id)

	label := "ok"
	switch {
	case errors.Is(err, ErrFlowKilled):
		label = "killed"
	case err != nil:
		label = "failed"
	}
	inst.m.metrics.FlowEnded(string(inst.role), label)
	if err != nil {
		logs.Warnf("flow.instance.end flow=%s tag=%s role=%s steps=%d err=%v", inst.id, inst.tag, inst.role, inst.step, err)
		return
	}
	logs.Infof("flow.instance.end flow=%s tag=%s role=%s steps=%d", inst.id, inst.tag, inst.role, inst.step)
}

func (inst *instance) closeOnEnd(s *Session) {
	if s.State() == StateInitiated && !s.peerClosed {
		if err := inst.emit(s, protocol.KindClose, nil, ""); err != nil {
			logs.Warnf("flow.instance.closeOnEnd close failed flow=%s session=%s err=%v", inst.id, s.id, err)
		}
	}
	inst.finish(s, StateClosed)
}

func (inst *instance) errorOnEnd(s *Session, err error) {
	if s.peerID != "" && !s.peerClosed {
		reason := err.Error()
		if reason == "" {
			reason = "flow failed"
		}
		if sendErr := inst.emit(s, protocol.KindError, nil, reason); sendErr != nil {
			logs.Warnf("flow.instance.errorOnEnd error notify failed flow=%s session=%s err=%v", inst.id, s.id, sendErr)
		}
	}
	s.cause = err
	inst.finish(s, StateErrored)
}
