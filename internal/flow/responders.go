package flow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ResponderFactory builds the flow that answers an initiating session.
type ResponderFactory func(s *Session) Flow

// Responders stores responder factories by initiating flow tag.
type Responders struct {
	mu    sync.RWMutex
	items map[string]ResponderFactory
}

func NewResponders() *Responders {
	return &Responders{items: make(map[string]ResponderFactory)}
}

// ValidateTag checks the flow tag format: lowercase words joined by '.', '-' or '_'.
func ValidateTag(tag string) error {
	if strings.TrimSpace(tag) == "" || !isValidTag(tag) {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	return nil
}

func (r *Responders) Register(tag string, factory ResponderFactory) error {
	if err := ValidateTag(tag); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("%w: nil responder factory for %q", ErrInvalidParameter, tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[tag]; ok {
		return fmt.Errorf("%w: %q", ErrResponderExists, tag)
	}
	r.items[tag] = factory
	return nil
}

func (r *Responders) Resolve(tag string) (ResponderFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.items[tag]
	return f, ok
}

// Tags returns registered tags in deterministic order.
func (r *Responders) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for tag := range r.items {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func isValidTag(tag string) bool {
	lastSep := false
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(tag)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
