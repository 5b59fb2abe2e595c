// Package checkpoint persists flow suspension records.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("checkpoint: not found")
	ErrInvalidFlow  = errors.New("checkpoint: empty flow id")
	ErrStoreClosed  = errors.New("checkpoint: store closed")
	ErrCorruptEntry = errors.New("checkpoint: corrupt record")
)

// SessionRecord is the persisted view of one session at a suspension point.
type SessionRecord struct {
	ID           string `json:"id"`
	PeerID       string `json:"peer_id,omitempty"`
	Counterparty string `json:"counterparty"`
	State        string `json:"state"`
	Initiated    bool   `json:"initiated"`
	InitSent     bool   `json:"init_sent"`
	PeerClosed   bool   `json:"peer_closed"`
	Premature    bool   `json:"premature"`
	SendSeq      uint64 `json:"send_seq"`
	RecvSeq      uint64 `json:"recv_seq"`
	Buffered     int    `json:"buffered"`
}

// Record is one flow checkpoint. Step counts suspensions since the flow started.
type Record struct {
	FlowID     string          `json:"flow_id"`
	Tag        string          `json:"tag"`
	Role       string          `json:"role"`
	Step       uint64          `json:"step"`
	Suspension string          `json:"suspension"`
	Sessions   []SessionRecord `json:"sessions"`
	SavedAt    time.Time       `json:"saved_at"`
}

func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func Unmarshal(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return r, nil
}

// Store keeps the latest checkpoint per flow.
type Store interface {
	Save(r Record) error
	Load(flowID string) (Record, error)
	Delete(flowID string) error
	List() ([]Record, error)
	Close() error
}

// MemoryStore is a map-backed Store. Records are stored encoded so callers
// never share slices with the store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
	saves   uint64
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Save(r Record) error {
	if r.FlowID == "" {
		return ErrInvalidFlow
	}
	b, err := r.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.records[r.FlowID] = b
	s.saves++
	return nil
}

func (s *MemoryStore) Load(flowID string) (Record, error) {
	s.mu.Lock()
	b, ok := s.records[flowID]
	s.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, flowID)
	}
	return Unmarshal(b)
}

// Delete is idempotent.
func (s *MemoryStore) Delete(flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, flowID)
	return nil
}

func (s *MemoryStore) List() ([]Record, error) {
	s.mu.Lock()
	blobs := make([][]byte, 0, len(s.records))
	for _, b := range s.records {
		blobs = append(blobs, b)
	}
	s.mu.Unlock()

	out := make([]Record, 0, len(blobs))
	for _, b := range blobs {
		r, err := Unmarshal(b)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

// Saves reports how many checkpoints were written over the store's lifetime.
func (s *MemoryStore) Saves() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortRecords(out []Record) {
	sort.Slice(out, func(i, j int) bool {
		return out[i].FlowID < out[j].FlowID
	})
}
