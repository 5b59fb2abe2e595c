package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/flowctl/internal/identity"
	"github.com/danmuck/flowctl/internal/node"
	"github.com/danmuck/flowctl/internal/transport"
)

type fileConfig struct {
	Party                  string   `toml:"party"`
	ListenAddr             string   `toml:"listen_addr"`
	AdminAddr              string   `toml:"admin_addr"`
	AdminToken             string   `toml:"admin_token"`
	NetworkToken           string   `toml:"network_token"`
	CheckpointPath         string   `toml:"checkpoint_path"`
	CorsOrigins            []string `toml:"cors_origins"`
	SecurityMode           string   `toml:"security_mode"`
	RequireIdentityBinding bool     `toml:"require_identity_binding"`
	Engine                 struct {
		ReorderWindow  int `toml:"reorder_window"`
		EndedCacheSize int `toml:"ended_cache_size"`
		EventBuffer    int `toml:"event_buffer"`
	} `toml:"engine"`
	Transport struct {
		ConnectTimeout    string  `toml:"connect_timeout"`
		HandshakeTimeout  string  `toml:"handshake_timeout"`
		ReadTimeout       string  `toml:"read_timeout"`
		WriteTimeout      string  `toml:"write_timeout"`
		MaxSendAttempts   int     `toml:"max_send_attempts"`
		BackoffInitial    string  `toml:"backoff_initial"`
		BackoffMax        string  `toml:"backoff_max"`
		BackoffMultiplier float64 `toml:"backoff_multiplier"`
		BackoffJitter     bool    `toml:"backoff_jitter"`
	} `toml:"transport"`
	TLS struct {
		Enabled            bool   `toml:"enabled"`
		Mutual             bool   `toml:"mutual"`
		CertFile           string `toml:"cert_file"`
		KeyFile            string `toml:"key_file"`
		CAFile             string `toml:"ca_file"`
		ServerName         string `toml:"server_name"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`
	Peers []struct {
		Party string `toml:"party"`
		Addr  string `toml:"addr"`
	} `toml:"peers"`
}

// loadNodeConfig overlays the keys present in path on node.DefaultConfig.
func loadNodeConfig(path string) (node.Config, error) {
	cfg := node.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return node.Config{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("party") {
		cfg.Party = identity.Party(strings.TrimSpace(raw.Party))
	}
	if meta.IsDefined("listen_addr") {
		cfg.Transport.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = raw.AdminToken
	}
	if meta.IsDefined("network_token") {
		cfg.NetworkToken = raw.NetworkToken
	}
	if meta.IsDefined("checkpoint_path") {
		cfg.CheckpointPath = strings.TrimSpace(raw.CheckpointPath)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("security_mode") {
		cfg.Transport.SecurityMode = transport.NormalizeSecurityMode(transport.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("require_identity_binding") {
		cfg.Transport.RequireIdentityBinding = raw.RequireIdentityBinding
	}

	if meta.IsDefined("engine", "reorder_window") {
		cfg.Engine.ReorderWindow = raw.Engine.ReorderWindow
	}
	if meta.IsDefined("engine", "ended_cache_size") {
		cfg.Engine.EndedCacheSize = raw.Engine.EndedCacheSize
	}
	if meta.IsDefined("engine", "event_buffer") {
		cfg.Engine.EventBuffer = raw.Engine.EventBuffer
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.Transport.ConnectTimeout, &cfg.Transport.ConnectTimeout},
		{"handshake_timeout", raw.Transport.HandshakeTimeout, &cfg.Transport.HandshakeTimeout},
		{"read_timeout", raw.Transport.ReadTimeout, &cfg.Transport.ReadTimeout},
		{"write_timeout", raw.Transport.WriteTimeout, &cfg.Transport.WriteTimeout},
		{"backoff_initial", raw.Transport.BackoffInitial, &cfg.Transport.Backoff.InitialDelay},
		{"backoff_max", raw.Transport.BackoffMax, &cfg.Transport.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("transport", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return node.Config{}, fmt.Errorf("parse transport.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("transport", "max_send_attempts") {
		cfg.Transport.MaxSendAttempts = raw.Transport.MaxSendAttempts
	}
	if meta.IsDefined("transport", "backoff_multiplier") {
		cfg.Transport.Backoff.Multiplier = raw.Transport.BackoffMultiplier
	}
	if meta.IsDefined("transport", "backoff_jitter") {
		cfg.Transport.Backoff.Jitter = raw.Transport.BackoffJitter
	}

	if meta.IsDefined("tls") {
		cfg.Transport.TLS = transport.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}

	if meta.IsDefined("peers") {
		cfg.Peers = make([]node.Peer, 0, len(raw.Peers))
		for _, p := range raw.Peers {
			cfg.Peers = append(cfg.Peers, node.Peer{
				Party: identity.Party(strings.TrimSpace(p.Party)),
				Addr:  strings.TrimSpace(p.Addr),
			})
		}
	}

	return cfg, nil
}
