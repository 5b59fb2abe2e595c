package flow

import "time"

const (
	defaultReorderWindow  = 256
	defaultEndedCacheSize = 4096
	defaultEventBuffer    = 256
	defaultNotifyTimeout  = 2 * time.Second
)

// Config bounds per-session and per-manager buffers.
type Config struct {
	// ReorderWindow is how far ahead of the expected sequence an envelope may
	// arrive and still be parked.
	ReorderWindow int
	// EndedCacheSize is how many ended sessions are remembered for late
	// envelope diagnostics and handshake replies.
	EndedCacheSize int
	// EventBuffer is the inbound envelope channel depth per flow instance.
	EventBuffer int
	// NotifyTimeout bounds sends made on a flow's way out, and replies the
	// dispatcher makes on behalf of ended or unknown sessions.
	NotifyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReorderWindow:  defaultReorderWindow,
		EndedCacheSize: defaultEndedCacheSize,
		EventBuffer:    defaultEventBuffer,
		NotifyTimeout:  defaultNotifyTimeout,
	}
}

func (c Config) WithDefaults() Config {
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = defaultReorderWindow
	}
	if c.EndedCacheSize <= 0 {
		c.EndedCacheSize = defaultEndedCacheSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = defaultNotifyTimeout
	}
	return c
}
