package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/flowctl/internal/auth"
	"github.com/danmuck/flowctl/internal/identity"
	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/protocol"
)

// TCPOptions carries the node identity pieces the links need.
type TCPOptions struct {
	Self     identity.Party
	Resolver identity.Resolver
	// Token is presented in every outbound hello.
	Token string
	// Validator checks inbound hello tokens. Nil accepts any token.
	Validator auth.Validator
}

// TCPTransport keeps one dialed link per peer for outbound envelopes and
// reads inbound envelopes from links peers dialed to us.
type TCPTransport struct {
	cfg  Config
	opts TCPOptions

	handler Handler
	ln      net.Listener
	started atomic.Bool
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	links map[identity.Party]*link
	conns map[net.Conn]struct{}

	backoff *Backoff

	outbox  *Outbox
	inbound atomic.Int64
}

type link struct {
	mu     sync.Mutex
	conn   net.Conn
	peer   identity.Party
	broken bool
}

func NewTCPTransport(cfg Config, opts TCPOptions) (*TCPTransport, error) {
	if err := opts.Self.Validate(); err != nil {
		return nil, err
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("transport: resolver required")
	}
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		cfg:     cfg,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[identity.Party]*link),
		conns:   make(map[net.Conn]struct{}),
		backoff: NewBackoff(cfg.Backoff, time.Now().UnixNano()),
		outbox:  NewOutbox(),
	}, nil
}

// Addr is the bound listen address once started.
func (t *TCPTransport) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *TCPTransport) Outbox() *Outbox {
	return t.outbox
}

// Start validates the server settings, binds the listener and begins accepting.
func (t *TCPTransport) Start(h Handler) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := t.cfg.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := t.listen()
	if err != nil {
		return err
	}
	t.handler = h
	t.ln = ln
	logs.Infof("transport.TCPTransport.Start self=%q addr=%q tls=%t", t.opts.Self, ln.Addr().String(), t.cfg.TLS.Enabled)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.serve(ln); err != nil {
			logs.Errf("transport.TCPTransport.serve err=%v", err)
		}
	}()
	return nil
}

func (t *TCPTransport) listen() (net.Listener, error) {
	if !t.cfg.TLS.Enabled {
		return net.Listen("tcp", t.cfg.ListenAddr)
	}
	tlsCfg, err := t.cfg.serverTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", t.cfg.ListenAddr, tlsCfg)
}

func (t *TCPTransport) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		t.trackConn(conn)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConn(conn)
		}()
	}
}

// handleConn authenticates an inbound link and feeds its envelopes to the handler.
func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	defer t.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := t.inbound.Add(1)
	defer t.inbound.Add(-1)

	tlsPeer, err := t.authenticateConn(conn)
	if err != nil {
		logs.Warnf("transport.TCPTransport.handleConn transport auth remote=%q err=%v", remote, err)
		return
	}

	reader := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	hello, err := ReadHello(reader, t.cfg.Limits)
	if err != nil {
		logs.Warnf("transport.TCPTransport.handleConn read hello remote=%q err=%v", remote, err)
		return
	}
	if reason := t.checkHello(hello, tlsPeer); reason != "" {
		logs.Warnf("transport.TCPTransport.handleConn rejected party=%q remote=%q reason=%q", hello.Party, remote, reason)
		_ = WriteHelloAck(conn, HelloAck{Party: t.opts.Self, Status: HelloStatusRejected, Reason: reason}, t.cfg.Limits)
		return
	}
	if err := WriteHelloAck(conn, HelloAck{Party: t.opts.Self, Status: HelloStatusAccepted}, t.cfg.Limits); err != nil {
		logs.Warnf("transport.TCPTransport.handleConn write hello ack remote=%q err=%v", remote, err)
		return
	}
	_ = conn.SetDeadline(time.Time{})
	logs.Infof("transport.TCPTransport.handleConn linked party=%q remote=%q active=%d", hello.Party, remote, active)

	for {
		if t.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		}
		env, err := protocol.ReadEnvelope(reader, t.cfg.Limits)
		if err != nil {
			if t.ctx.Err() == nil {
				logs.Debugf("transport.TCPTransport.handleConn closed party=%q err=%v", hello.Party, err)
			}
			return
		}
		if env.Sender != hello.Party {
			logs.Warnf("transport.TCPTransport.handleConn sender mismatch party=%q sender=%q", hello.Party, env.Sender)
			return
		}
		t.handler(env)
	}
}

func (t *TCPTransport) checkHello(hello Hello, tlsPeer string) string {
	if t.opts.Validator != nil {
		if err := t.opts.Validator.Validate(hello.Token); err != nil {
			return err.Error()
		}
	}
	if t.cfg.RequireIdentityBinding && tlsPeer != "" && tlsPeer != string(hello.Party) {
		return fmt.Sprintf("%v: tls=%q hello=%q", ErrIdentityMismatch, tlsPeer, hello.Party)
	}
	return ""
}

// authenticateConn completes the TLS handshake and returns the peer
// certificate identity, if any.
func (t *TCPTransport) authenticateConn(conn net.Conn) (string, error) {
	mode := NormalizeSecurityMode(t.cfg.SecurityMode)
	if !t.cfg.TLS.Enabled {
		if mode == SecurityModeProduction {
			return "", ErrTLSRequired
		}
		return "", nil
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", fmt.Errorf("transport: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return "", err
	}
	state := tlsConn.ConnectionState()
	needPeer := t.cfg.TLS.Mutual || mode == SecurityModeProduction
	if len(state.PeerCertificates) == 0 {
		if needPeer {
			return "", ErrMTLSRequired
		}
		return "", nil
	}
	return peerIdentityFromCert(state.PeerCertificates[0]), nil
}

// Send writes env on the link to its recipient, redialing with backoff until
// MaxSendAttempts is reached.
func (t *TCPTransport) Send(ctx context.Context, env protocol.Envelope) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if env.Sender != t.opts.Self {
		return fmt.Errorf("%w: sender=%q self=%q", ErrWrongSender, env.Sender, t.opts.Self)
	}
	if err := env.Validate(); err != nil {
		return err
	}

	key := t.outbox.Track(env, time.Now())
	defer t.outbox.Done(key)

	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxSendAttempts; attempt++ {
		if attempt > 1 {
			if err := t.backoff.Wait(ctx, t.ctx.Done(), attempt-1); err != nil {
				return err
			}
		}
		err := t.sendOnce(ctx, env)
		if err == nil {
			return nil
		}
		lastErr = err
		t.outbox.Failed(key, time.Now(), err)
		logs.Warnf("transport.TCPTransport.Send attempt=%d peer=%q kind=%s err=%v", attempt, env.Recipient, env.Kind, err)
		if errors.Is(err, ErrHelloRejected) || errors.Is(err, identity.ErrUnknownParty) || errors.Is(err, ErrClosed) {
			return err
		}
	}
	return fmt.Errorf("%w: peer=%q: %v", ErrSendExhausted, env.Recipient, lastErr)
}

func (t *TCPTransport) sendOnce(ctx context.Context, env protocol.Envelope) error {
	l, err := t.link(ctx, env.Recipient)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken {
		return fmt.Errorf("transport: link to %q broken", l.peer)
	}
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = l.conn.SetWriteDeadline(deadline)
	if err := protocol.WriteEnvelope(l.conn, env, t.cfg.Limits); err != nil {
		l.broken = true
		_ = l.conn.Close()
		t.dropLink(l)
		return err
	}
	return nil
}

func (t *TCPTransport) link(ctx context.Context, peer identity.Party) (*link, error) {
	t.mu.Lock()
	if l, ok := t.links[peer]; ok {
		t.mu.Unlock()
		return l, nil
	}
	t.mu.Unlock()

	addr, err := t.opts.Resolver.Resolve(peer)
	if err != nil {
		return nil, err
	}
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := t.hello(conn, peer); err != nil {
		_ = conn.Close()
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		_ = conn.Close()
		return nil, ErrClosed
	}
	if existing, ok := t.links[peer]; ok {
		_ = conn.Close()
		return existing, nil
	}
	l := &link{conn: conn, peer: peer}
	t.links[peer] = l
	logs.Infof("transport.TCPTransport.link dialed party=%q addr=%q", peer, addr)
	return l, nil
}

func (t *TCPTransport) dropLink(l *link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.links[l.peer]; ok && cur == l {
		delete(t.links, l.peer)
	}
}

func (t *TCPTransport) dial(ctx context.Context, addr string) (net.Conn, error) {
	if err := t.cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !t.cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := t.cfg.clientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (t *TCPTransport) hello(conn net.Conn, peer identity.Party) error {
	_ = conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	if err := WriteHello(conn, Hello{Party: t.opts.Self, Token: t.opts.Token}, t.cfg.Limits); err != nil {
		return err
	}
	ack, err := ReadHelloAck(conn, t.cfg.Limits)
	if err != nil {
		return err
	}
	if ack.Status != HelloStatusAccepted {
		return fmt.Errorf("%w: party=%q reason=%q", ErrHelloRejected, ack.Party, ack.Reason)
	}
	if ack.Party != peer {
		return fmt.Errorf("%w: dialed %q answered %q", ErrUnknownPeer, peer, ack.Party)
	}
	_ = conn.SetDeadline(time.Time{})
	return nil
}

func (t *TCPTransport) trackConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[conn] = struct{}{}
}

func (t *TCPTransport) untrackConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

// Peers lists parties with a live outbound link.
func (t *TCPTransport) Peers() []identity.Party {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]identity.Party, 0, len(t.links))
	for p := range t.links {
		out = append(out, p)
	}
	return out
}

// Close stops accepting, closes every link and waits for reader goroutines.
func (t *TCPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	if t.ln != nil {
		_ = t.ln.Close()
	}
	t.mu.Lock()
	for conn := range t.conns {
		_ = conn.Close()
		delete(t.conns, conn)
	}
	for peer, l := range t.links {
		_ = l.conn.Close()
		delete(t.links, peer)
	}
	t.mu.Unlock()
	t.wg.Wait()
	logs.Infof("transport.TCPTransport.Close self=%q", strings.TrimSpace(string(t.opts.Self)))
	return nil
}
