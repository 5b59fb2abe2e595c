package flow

import (
	"errors"
	"testing"

	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

func TestRegistryPartitionsByFlow(t *testing.T) {
	testlog.Start(t)
	m := &Manager{}
	one := m.newInstance("ping", RoleInitiator)
	two := m.newInstance("ping", RoleResponder)
	r := NewRegistry()

	a1 := newSession(one, bob)
	a2 := newSession(one, bob)
	b1 := newSession(two, alice)
	for _, s := range []*Session{a1, a2, b1} {
		if err := r.Add(s); err != nil {
			t.Fatalf("add %s: %v", s.ID(), err)
		}
	}
	if err := r.Add(a1); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected duplicate add to fail, got %v", err)
	}
	if r.Len() != 3 || r.LenFlow(one.id) != 2 || r.LenFlow(two.id) != 1 {
		t.Fatalf("unexpected sizes len=%d one=%d two=%d", r.Len(), r.LenFlow(one.id), r.LenFlow(two.id))
	}
	if got, ok := r.Lookup(b1.ID()); !ok || got != b1 {
		t.Fatalf("lookup failed")
	}

	r.Remove(a1.ID())
	r.Remove(a1.ID())
	r.Remove(a2.ID())
	if r.LenFlow(one.id) != 0 || r.Len() != 1 {
		t.Fatalf("remove did not release, len=%d", r.Len())
	}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].ID != b1.ID() || snap[0].FlowID != two.id {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
