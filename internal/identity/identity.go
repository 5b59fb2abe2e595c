// Package identity maps network parties to transport addresses.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidParty  = errors.New("identity: invalid party")
	ErrUnknownParty  = errors.New("identity: unknown party")
	ErrPartyConflict = errors.New("identity: party already bound to a different address")
)

// Party is the legal identity of a node on the network, e.g. "O=Alice,L=London".
type Party string

func (p Party) String() string {
	return string(p)
}

// Validate rejects empty names and names carrying control characters.
func (p Party) Validate() error {
	name := strings.TrimSpace(string(p))
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidParty)
	}
	if name != string(p) {
		return fmt.Errorf("%w: surrounding whitespace in %q", ErrInvalidParty, string(p))
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character in %q", ErrInvalidParty, name)
		}
	}
	return nil
}

// Resolver turns a party into a dialable address.
type Resolver interface {
	Resolve(p Party) (string, error)
}

// StaticResolver is a fixed party -> address table, usually loaded from config.
type StaticResolver struct {
	mu    sync.RWMutex
	addrs map[Party]string
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{addrs: make(map[Party]string)}
}

// Bind records addr for p. Rebinding the same address is a no-op.
func (r *StaticResolver) Bind(p Party, addr string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty address for %q", ErrInvalidParty, p)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.addrs[p]; ok && prev != addr {
		return fmt.Errorf("%w: %q at %q", ErrPartyConflict, p, prev)
	}
	r.addrs[p] = addr
	return nil
}

func (r *StaticResolver) Resolve(p Party) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addrs[p]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownParty, p)
	}
	return addr, nil
}

// Parties lists bound parties in name order.
func (r *StaticResolver) Parties() []Party {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Party, 0, len(r.addrs))
	for p := range r.addrs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})
	return out
}
