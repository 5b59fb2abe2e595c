package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/flowctl/internal/flow"
	"github.com/danmuck/flowctl/internal/identity"
	"github.com/danmuck/flowctl/internal/transport"
)

// NodeFile is the on-disk shape of a node config. Durations are strings
// accepted by time.ParseDuration.
type NodeFile struct {
	Party                  string        `toml:"party"`
	ListenAddr             string        `toml:"listen_addr"`
	AdminAddr              string        `toml:"admin_addr"`
	AdminToken             string        `toml:"admin_token"`
	NetworkToken           string        `toml:"network_token"`
	CheckpointPath         string        `toml:"checkpoint_path"`
	CorsOrigins            []string      `toml:"cors_origins"`
	SecurityMode           string        `toml:"security_mode"`
	RequireIdentityBinding bool          `toml:"require_identity_binding"`
	Engine                 EngineFile    `toml:"engine"`
	Transport              TransportFile `toml:"transport"`
	TLS                    TLSFile       `toml:"tls"`
	Peers                  []PeerFile    `toml:"peers"`
}

type EngineFile struct {
	ReorderWindow  int `toml:"reorder_window"`
	EndedCacheSize int `toml:"ended_cache_size"`
	EventBuffer    int `toml:"event_buffer"`
}

type TransportFile struct {
	ConnectTimeout    string  `toml:"connect_timeout"`
	HandshakeTimeout  string  `toml:"handshake_timeout"`
	ReadTimeout       string  `toml:"read_timeout"`
	WriteTimeout      string  `toml:"write_timeout"`
	MaxSendAttempts   int     `toml:"max_send_attempts"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     *bool   `toml:"backoff_jitter"`
}

type TLSFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type PeerFile struct {
	Party string `toml:"party"`
	Addr  string `toml:"addr"`
}

// LoadNodeFile reads path strictly: unknown keys are an error.
func LoadNodeFile(path string) (NodeFile, error) {
	var cfg NodeFile
	if err := loadToml(path, &cfg); err != nil {
		return NodeFile{}, err
	}
	cfg.applyDefaults()
	if err := ValidateNodeFile(cfg); err != nil {
		return NodeFile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func (f *NodeFile) applyDefaults() {
	def := transport.DefaultConfig()
	if strings.TrimSpace(f.ListenAddr) == "" {
		f.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(f.AdminAddr) == "" {
		f.AdminAddr = "127.0.0.1:7410"
	}
	if strings.TrimSpace(f.SecurityMode) == "" {
		f.SecurityMode = string(transport.SecurityModeDevelopment)
	}
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config parse failed (%s): unknown keys: %s", path, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeFile(cfg NodeFile) error {
	if err := identity.Party(strings.TrimSpace(cfg.Party)).Validate(); err != nil {
		return fmt.Errorf("party: %w", err)
	}
	if strings.TrimSpace(cfg.AdminAddr) == strings.TrimSpace(cfg.ListenAddr) {
		return fmt.Errorf("admin_addr and listen_addr must differ")
	}
	if cfg.Engine.ReorderWindow < 0 || cfg.Engine.EndedCacheSize < 0 || cfg.Engine.EventBuffer < 0 {
		return fmt.Errorf("engine sizes must not be negative")
	}
	if _, err := cfg.Resolver(); err != nil {
		return err
	}
	tc, err := cfg.TransportConfig()
	if err != nil {
		return err
	}
	if err := tc.ValidateServerTransport(); err != nil {
		return err
	}
	return tc.ValidateClientTransport()
}

// Resolver binds every configured peer. Listing the node itself is allowed.
func (f NodeFile) Resolver() (*identity.StaticResolver, error) {
	r := identity.NewStaticResolver()
	for i, p := range f.Peers {
		if err := r.Bind(identity.Party(strings.TrimSpace(p.Party)), p.Addr); err != nil {
			return nil, fmt.Errorf("peers[%d] invalid: %w", i, err)
		}
	}
	return r, nil
}

func (f NodeFile) EngineConfig() flow.Config {
	return flow.Config{
		ReorderWindow:  f.Engine.ReorderWindow,
		EndedCacheSize: f.Engine.EndedCacheSize,
		EventBuffer:    f.Engine.EventBuffer,
	}.WithDefaults()
}

func (f NodeFile) TransportConfig() (transport.Config, error) {
	cfg := transport.DefaultConfig()
	cfg.ListenAddr = strings.TrimSpace(f.ListenAddr)
	cfg.SecurityMode = transport.NormalizeSecurityMode(transport.SecurityMode(f.SecurityMode))
	cfg.RequireIdentityBinding = f.RequireIdentityBinding
	cfg.TLS = transport.TLSConfig{
		Enabled:            f.TLS.Enabled,
		Mutual:             f.TLS.Mutual,
		CertFile:           strings.TrimSpace(f.TLS.CertFile),
		KeyFile:            strings.TrimSpace(f.TLS.KeyFile),
		CAFile:             strings.TrimSpace(f.TLS.CAFile),
		ServerName:         strings.TrimSpace(f.TLS.ServerName),
		InsecureSkipVerify: f.TLS.InsecureSkipVerify,
	}

	t := f.Transport
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"transport.connect_timeout", t.ConnectTimeout, &cfg.ConnectTimeout},
		{"transport.handshake_timeout", t.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"transport.read_timeout", t.ReadTimeout, &cfg.ReadTimeout},
		{"transport.write_timeout", t.WriteTimeout, &cfg.WriteTimeout},
		{"transport.backoff_initial", t.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"transport.backoff_max", t.BackoffMax, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return transport.Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		if v < 0 {
			return transport.Config{}, fmt.Errorf("%s must not be negative", d.key)
		}
		*d.dst = v
	}
	if t.MaxSendAttempts < 0 {
		return transport.Config{}, fmt.Errorf("transport.max_send_attempts must not be negative")
	}
	if t.MaxSendAttempts > 0 {
		cfg.MaxSendAttempts = t.MaxSendAttempts
	}
	if t.BackoffMultiplier != 0 {
		if t.BackoffMultiplier < 1 {
			return transport.Config{}, fmt.Errorf("transport.backoff_multiplier must be at least 1")
		}
		cfg.Backoff.Multiplier = t.BackoffMultiplier
	}
	if t.BackoffJitter != nil {
		cfg.Backoff.Jitter = *t.BackoffJitter
	}
	return cfg.WithDefaults(), nil
}
