package transport

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/flowctl/internal/identity"
	"github.com/danmuck/flowctl/internal/protocol"
)

// PendingSend is an envelope Send has accepted but not yet written.
type PendingSend struct {
	Key           string         `json:"key"`
	Peer          identity.Party `json:"peer"`
	Kind          string         `json:"kind"`
	Attempts      int            `json:"attempts"`
	QueuedAt      time.Time      `json:"queued_at"`
	LastAttemptAt time.Time      `json:"last_attempt_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

// Outbox is the set of sends in progress on a transport. Entries exist only
// while Send is retrying, so a long-lived entry means an unreachable peer.
type Outbox struct {
	mu    sync.Mutex
	items map[string]*PendingSend
}

func NewOutbox() *Outbox {
	return &Outbox{items: make(map[string]*PendingSend)}
}

// outboxKey is unique per sender: a source session never reuses a sequence.
func outboxKey(env protocol.Envelope) string {
	return fmt.Sprintf("%s/%d", env.SourceSessionID, env.Sequence)
}

// Track records env as pending and returns its key.
func (o *Outbox) Track(env protocol.Envelope, at time.Time) string {
	key := outboxKey(env)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = &PendingSend{
		Key:      key,
		Peer:     env.Recipient,
		Kind:     env.Kind.String(),
		QueuedAt: at,
	}
	return key
}

// Failed counts a failed write attempt for key.
func (o *Outbox) Failed(key string, at time.Time, err error) (PendingSend, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingSend{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	if err != nil {
		item.LastError = err.Error()
	}
	return *item, true
}

func (o *Outbox) Done(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Snapshot lists pending sends, oldest first.
func (o *Outbox) Snapshot() []PendingSend {
	o.mu.Lock()
	out := make([]PendingSend, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, *item)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}
