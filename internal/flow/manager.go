package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sourcegraph/conc"

	"github.com/danmuck/flowctl/internal/checkpoint"
	"github.com/danmuck/flowctl/internal/identity"
	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/protocol"
)

// Sender hands envelopes to the network.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

type Option func(*Manager)

func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithResolver makes InitiateSession reject parties the resolver cannot place.
func WithResolver(r identity.Resolver) Option {
	return func(m *Manager) {
		m.resolver = r
	}
}

// FlowInfo is a point-in-time view of a running flow.
type FlowInfo struct {
	ID          FlowID    `json:"id"`
	Tag         string    `json:"tag"`
	Role        Role      `json:"role"`
	Sessions    int       `json:"sessions"`
	Suspensions uint64    `json:"suspensions"`
	StartedAt   time.Time `json:"started_at"`
}

// Manager owns every flow instance on a node, the session registry and the
// dispatcher that feeds them.
type Manager struct {
	cfg        Config
	self       identity.Party
	transport  Sender
	store      checkpoint.Store
	metrics    Metrics
	resolver   identity.Resolver
	registry   *Registry
	responders *Responders
	dispatcher *Dispatcher
	// accepted remembers the sender/source session of INITs already
	// answered, so a re-delivered INIT starts nothing.
	accepted *lru.Cache

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	flows  map[FlowID]*instance
	closed bool
	wg     conc.WaitGroup
}

func NewManager(cfg Config, self identity.Party, transport Sender, store checkpoint.Store, opts ...Option) (*Manager, error) {
	if err := self.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidParameter)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil checkpoint store", ErrInvalidParameter)
	}
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		self:       self,
		transport:  transport,
		store:      store,
		metrics:    nopMetrics{},
		registry:   NewRegistry(),
		responders: NewResponders(),
		ctx:        ctx,
		cancel:     cancel,
		flows:      make(map[FlowID]*instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	d, err := newDispatcher(m, cfg.EndedCacheSize)
	if err != nil {
		cancel()
		return nil, err
	}
	m.dispatcher = d
	accepted, err := lru.New(cfg.EndedCacheSize)
	if err != nil {
		cancel()
		return nil, err
	}
	m.accepted = accepted
	logs.Infof("flow.Manager.new self=%q reorder_window=%d ended_cache=%d", self, cfg.ReorderWindow, cfg.EndedCacheSize)
	return m, nil
}

func (m *Manager) Self() identity.Party {
	return m.self
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Sessions lists every registered session on this node.
func (m *Manager) Sessions() []SessionInfo {
	return m.registry.Snapshot()
}

// Deliver is the transport handler for inbound envelopes.
func (m *Manager) Deliver(env protocol.Envelope) {
	m.dispatcher.Deliver(env)
}

// RegisterResponder binds factory to sessions initiated by flows tagged tag.
func (m *Manager) RegisterResponder(tag string, factory ResponderFactory) error {
	if err := m.responders.Register(tag, factory); err != nil {
		return err
	}
	logs.Infof("flow.Manager.RegisterResponder tag=%s", tag)
	return nil
}

func (m *Manager) ResponderTags() []string {
	return m.responders.Tags()
}

// StartFlow runs f as a new initiating flow. tag is carried by every session
// the flow initiates and selects the counterparty's responder.
func (m *Manager) StartFlow(tag string, f Flow) (*FlowHandle, error) {
	if err := ValidateTag(tag); err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: nil flow", ErrInvalidParameter)
	}
	inst := m.newInstance(tag, RoleInitiator)
	inst.flow = f
	if err := m.launch(inst); err != nil {
		return nil, err
	}
	logs.Infof("flow.Manager.StartFlow flow=%s tag=%s", inst.id, tag)
	return &FlowHandle{inst: inst}, nil
}

// Kill fails the flow: open sessions become ERRORED and peers are told.
func (m *Manager) Kill(id FlowID) error {
	m.mu.Lock()
	inst, ok := m.flows[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlow, id)
	}
	logs.Warnf("flow.Manager.Kill flow=%s tag=%s", id, inst.tag)
	inst.kill(ErrFlowKilled)
	return nil
}

// Flows lists running flows ordered by start time.
func (m *Manager) Flows() []FlowInfo {
	m.mu.Lock()
	list := make([]*instance, 0, len(m.flows))
	for _, inst := range m.flows {
		list = append(list, inst)
	}
	m.mu.Unlock()

	out := make([]FlowInfo, 0, len(list))
	for _, inst := range list {
		out = append(out, FlowInfo{
			ID:          inst.id,
			Tag:         inst.tag,
			Role:        inst.role,
			Sessions:    m.registry.LenFlow(inst.id),
			Suspensions: inst.suspensions.Load(),
			StartedAt:   inst.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Shutdown kills every flow and waits for their goroutines, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	list := make([]*instance, 0, len(m.flows))
	for _, inst := range m.flows {
		list = append(list, inst)
	}
	m.mu.Unlock()

	logs.Infof("flow.Manager.Shutdown flows=%d", len(list))
	for _, inst := range list {
		inst.kill(fmt.Errorf("%w: %v", ErrFlowKilled, ErrManagerClosed))
	}
	m.cancel()

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Manager) launch(inst *instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.flows[inst.id] = inst
	m.metrics.FlowStarted(string(inst.role))
	ctx := newContext(inst)
	m.wg.Go(inst.loop)
	m.wg.Go(func() {
		inst.runLogic(ctx)
	})
	return nil
}

func (m *Manager) forget(inst *instance) {
	m.mu.Lock()
	delete(m.flows, inst.id)
	m.mu.Unlock()
}

func initKey(env protocol.Envelope) string {
	return string(env.Sender) + "/" + string(env.SourceSessionID)
}

// accept answers an INIT by starting the registered responder flow. Each
// sender/source session pair is answered once.
func (m *Manager) accept(env protocol.Envelope) {
	if seen, _ := m.accepted.ContainsOrAdd(initKey(env), env.FlowTag); seen {
		m.dispatcher.drop(env, "duplicate_init")
		return
	}
	factory, ok := m.responders.Resolve(env.FlowTag)
	if !ok {
		m.reject(env, fmt.Sprintf("%s: %s", ErrNoResponder.Error(), env.FlowTag))
		return
	}

	inst := m.newInstance(env.FlowTag, RoleResponder)
	s := newSession(inst, env.Sender)
	s.peerID = env.SourceSessionID
	s.initiated = true
	s.recvSeq = env.Sequence + 1
	s.setState(StateInitiated)
	if env.HasPayload() {
		s.inbound.Add(env.Payload)
	}
	f := factory(s)
	if f == nil {
		inst.cancel()
		m.reject(env, fmt.Sprintf("%s: %s", ErrNoResponder.Error(), env.FlowTag))
		return
	}
	inst.flow = f
	inst.live[s.id] = s
	inst.onStart = func() {
		if err := inst.emit(s, protocol.KindConfirm, nil, ""); err != nil {
			logs.Errf("flow.Manager.accept confirm failed flow=%s session=%s err=%v", inst.id, s.id, err)
			s.cause = err
			inst.finish(s, StateErrored)
		}
	}
	if err := m.registry.Add(s); err != nil {
		inst.cancel()
		m.reject(env, err.Error())
		return
	}
	if err := m.launch(inst); err != nil {
		inst.cancel()
		m.registry.Remove(s.id)
		m.reject(env, err.Error())
		return
	}
	m.metrics.SessionOpened(string(RoleResponder))
	logs.Infof(
		"flow.Manager.accept flow=%s tag=%s session=%s peer=%s counterparty=%q",
		inst.id,
		env.FlowTag,
		s.id,
		s.peerID,
		s.counterparty,
	)
}

func (m *Manager) reject(env protocol.Envelope, reason string) {
	logs.Warnf("flow.Manager.reject tag=%s from=%q session=%s reason=%q", env.FlowTag, env.Sender, env.SourceSessionID, reason)
	m.metrics.EnvelopeDropped("rejected_init")
	m.notify(protocol.Envelope{
		SessionID:       env.SourceSessionID,
		SourceSessionID: protocol.NewSessionID(),
		Kind:            protocol.KindError,
		Sequence:        0,
		Sender:          m.self,
		Recipient:       env.Sender,
		Reason:          reason,
	})
}

// notify sends a reply no flow is waiting on, bounded by NotifyTimeout. A
// failed reply counts as a dropped envelope.
func (m *Manager) notify(env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.NotifyTimeout)
	defer cancel()
	if err := m.transmit(ctx, env); err != nil {
		m.dispatcher.count("reply_failed")
	}
}

func (m *Manager) transmit(ctx context.Context, env protocol.Envelope) error {
	if err := m.transport.Send(ctx, env); err != nil {
		logs.Warnf("flow.Manager.transmit failed %s err=%v", env, err)
		return err
	}
	m.metrics.EnvelopeSent(env.Kind.String())
	logs.Tracef("flow.Manager.transmit %s", env)
	return nil
}

func (m *Manager) saveCheckpoint(r checkpoint.Record) error {
	if err := m.store.Save(r); err != nil {
		logs.Errf("flow.Manager.saveCheckpoint flow=%s step=%d err=%v", r.FlowID, r.Step, err)
		return fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	return nil
}

func (m *Manager) dropCheckpoint(id FlowID) {
	if err := m.store.Delete(string(id)); err != nil {
		logs.Warnf("flow.Manager.dropCheckpoint flow=%s err=%v", id, err)
	}
}

// FlowHandle tracks a started flow.
type FlowHandle struct {
	inst *instance
}

func (h *FlowHandle) ID() FlowID {
	return h.inst.id
}

func (h *FlowHandle) Tag() string {
	return h.inst.tag
}

// Done is closed once the flow has ended and released its sessions.
func (h *FlowHandle) Done() <-chan struct{} {
	return h.inst.finished
}

// Wait blocks until the flow ends and returns its result.
func (h *FlowHandle) Wait() error {
	<-h.inst.finished
	return h.inst.result
}

// WaitContext is Wait bounded by ctx.
func (h *FlowHandle) WaitContext(ctx context.Context) error {
	select {
	case <-h.inst.finished:
		return h.inst.result
	case <-ctx.Done():
		return ctx.Err()
	}
}
