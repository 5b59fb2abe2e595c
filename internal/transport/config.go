package transport

import (
	"strings"
	"time"

	"github.com/danmuck/flowctl/internal/protocol/frame"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines link reliability and security settings.
type Config struct {
	ListenAddr       string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout closes inbound links idle for longer. Zero keeps them open.
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxSendAttempts int
	// RequireIdentityBinding makes the hello party match the TLS peer identity.
	RequireIdentityBinding bool
	SecurityMode           SecurityMode
	TLS                    TLSConfig
	Backoff                BackoffConfig
	Limits                 frame.Limits
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:7400",
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		MaxSendAttempts:  5,
		SecurityMode:     SecurityModeDevelopment,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Limits: frame.DefaultLimits(),
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = def.MaxSendAttempts
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 && c.Backoff.Multiplier == 0 {
		c.Backoff = def.Backoff
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits.MaxPayloadBytes = def.Limits.MaxPayloadBytes
	}
	return c
}
