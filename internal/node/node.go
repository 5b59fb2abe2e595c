// Package node assembles one network participant: identity, transport,
// checkpoint store, flow manager, sample flows and the admin API.
package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/flowctl/internal/admin"
	"github.com/danmuck/flowctl/internal/auth"
	"github.com/danmuck/flowctl/internal/checkpoint"
	"github.com/danmuck/flowctl/internal/flow"
	"github.com/danmuck/flowctl/internal/flows"
	"github.com/danmuck/flowctl/internal/identity"
	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/observability"
	"github.com/danmuck/flowctl/internal/transport"
)

const shutdownTimeout = 10 * time.Second

type Peer struct {
	Party identity.Party
	Addr  string
}

type Config struct {
	Party identity.Party
	// AdminAddr empty disables the admin HTTP listener.
	AdminAddr    string
	AdminToken   string
	NetworkToken string
	// CheckpointPath empty keeps checkpoints in memory.
	CheckpointPath string
	CorsOrigins    []string
	Peers          []Peer
	Engine         flow.Config
	Transport      transport.Config
}

func DefaultConfig() Config {
	return Config{
		AdminAddr: "127.0.0.1:7410",
		Engine:    flow.DefaultConfig(),
		Transport: transport.DefaultConfig(),
	}
}

type Option func(*options)

type options struct {
	transport transport.Transport
	store     checkpoint.Store
}

// WithTransport replaces the TCP transport, e.g. with a memory endpoint.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithStore replaces the leveldb checkpoint store.
func WithStore(s checkpoint.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

type Node struct {
	cfg       Config
	resolver  *identity.StaticResolver
	transport transport.Transport
	store     checkpoint.Store
	manager   *flow.Manager
	admin     *admin.Server

	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
	closeErr  error
}

func New(cfg Config, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Party.Validate(); err != nil {
		return nil, err
	}

	resolver := identity.NewStaticResolver()
	for i, p := range cfg.Peers {
		if err := resolver.Bind(p.Party, p.Addr); err != nil {
			return nil, fmt.Errorf("node: peer[%d]: %w", i, err)
		}
	}

	n := &Node{cfg: cfg, resolver: resolver}

	n.store = o.store
	if n.store == nil {
		store, err := checkpoint.OpenLevel(strings.TrimSpace(cfg.CheckpointPath))
		if err != nil {
			return nil, err
		}
		n.store = store
	}

	n.transport = o.transport
	if n.transport == nil {
		var validator auth.Validator
		if cfg.NetworkToken != "" {
			validator = auth.StaticToken{Token: cfg.NetworkToken}
		}
		tcp, err := transport.NewTCPTransport(cfg.Transport, transport.TCPOptions{
			Self:      cfg.Party,
			Resolver:  resolver,
			Token:     cfg.NetworkToken,
			Validator: validator,
		})
		if err != nil {
			_ = n.store.Close()
			return nil, err
		}
		n.transport = tcp
	}

	managerOpts := []flow.Option{flow.WithMetrics(observability.NewFlowMetrics(string(cfg.Party)))}
	if o.transport == nil || len(cfg.Peers) > 0 {
		managerOpts = append(managerOpts, flow.WithResolver(resolver))
	}
	manager, err := flow.NewManager(cfg.Engine, cfg.Party, n.transport, n.store, managerOpts...)
	if err != nil {
		_ = n.transport.Close()
		_ = n.store.Close()
		return nil, err
	}
	n.manager = manager
	if err := flows.Register(manager); err != nil {
		_ = n.transport.Close()
		_ = n.store.Close()
		return nil, err
	}

	if strings.TrimSpace(cfg.AdminAddr) != "" {
		adminCfg := admin.Config{
			Addr:        cfg.AdminAddr,
			Token:       cfg.AdminToken,
			CorsOrigins: cfg.CorsOrigins,
			Checkpoints: n.store,
		}
		if tcp, ok := n.transport.(*transport.TCPTransport); ok {
			adminCfg.Outbox = tcp.Outbox()
		}
		n.admin = admin.New(adminCfg, manager)
	}
	logs.Infof("node.New party=%q peers=%d admin=%q", cfg.Party, len(cfg.Peers), cfg.AdminAddr)
	return n, nil
}

func (n *Node) Party() identity.Party {
	return n.cfg.Party
}

func (n *Node) Manager() *flow.Manager {
	return n.manager
}

func (n *Node) Transport() transport.Transport {
	return n.transport
}

func (n *Node) Resolver() *identity.StaticResolver {
	return n.resolver
}

// Admin is nil when the admin listener is disabled.
func (n *Node) Admin() *admin.Server {
	return n.admin
}

// Start hands inbound envelopes to the manager and releases sessions left in
// the checkpoint store by an earlier run. It does not start the admin
// listener; Run does.
func (n *Node) Start() error {
	n.startOnce.Do(func() {
		n.startErr = n.transport.Start(n.manager.Deliver)
		if n.startErr != nil {
			return
		}
		recovered, err := n.manager.Recover()
		if err != nil {
			logs.Warnf("node.Start recover party=%q err=%v", n.cfg.Party, err)
		}
		logs.Infof("node.Start party=%q recovered=%d", n.cfg.Party, len(recovered))
	})
	return n.startErr
}

// Run starts the node and blocks until ctx is done or a component fails,
// then shuts everything down.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	if n.admin != nil {
		g.Go(func() error {
			return n.admin.ListenAndServe()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return n.Close(closeCtx)
	})
	return g.Wait()
}

// Close stops flows first, then the admin API, the transport and the store.
func (n *Node) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		var errs []error
		if err := n.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("manager: %w", err))
		}
		if n.admin != nil {
			if err := n.admin.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("admin: %w", err))
			}
		}
		if err := n.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport: %w", err))
		}
		if err := n.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint: %w", err))
		}
		n.closeErr = errors.Join(errs...)
		logs.Infof("node.Close party=%q err=%v", n.cfg.Party, n.closeErr)
	})
	return n.closeErr
}
