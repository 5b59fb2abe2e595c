package flow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/flowctl/internal/identity"
	"github.com/danmuck/flowctl/internal/protocol"
)

// SessionInfo is a point-in-time view of a registered session.
type SessionInfo struct {
	ID           protocol.SessionID `json:"id"`
	FlowID       FlowID             `json:"flow_id"`
	Counterparty identity.Party     `json:"counterparty"`
	State        string             `json:"state"`
}

// Registry maps live session ids to sessions, partitioned by owning flow.
type Registry struct {
	mu     sync.RWMutex
	byFlow map[FlowID]map[protocol.SessionID]*Session
	index  map[protocol.SessionID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byFlow: make(map[FlowID]map[protocol.SessionID]*Session),
		index:  make(map[protocol.SessionID]*Session),
	}
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[s.id]; ok {
		return fmt.Errorf("%w: duplicate session id %s", ErrInvalidParameter, s.id)
	}
	part, ok := r.byFlow[s.flowID]
	if !ok {
		part = make(map[protocol.SessionID]*Session)
		r.byFlow[s.flowID] = part
	}
	part[s.id] = s
	r.index[s.id] = s
	return nil
}

// Remove is idempotent.
func (r *Registry) Remove(id protocol.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.index[id]
	if !ok {
		return
	}
	delete(r.index, id)
	part := r.byFlow[s.flowID]
	delete(part, id)
	if len(part) == 0 {
		delete(r.byFlow, s.flowID)
	}
}

func (r *Registry) Lookup(id protocol.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.index[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

func (r *Registry) LenFlow(flowID FlowID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byFlow[flowID])
}

// Snapshot lists registered sessions ordered by flow then session id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.index))
	for _, s := range r.index {
		out = append(out, SessionInfo{
			ID:           s.id,
			FlowID:       s.flowID,
			Counterparty: s.counterparty,
			State:        s.State().String(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlowID != out[j].FlowID {
			return out[i].FlowID < out[j].FlowID
		}
		return out[i].ID < out[j].ID
	})
	return out
}
