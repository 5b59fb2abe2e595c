package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/flowctl/internal/protocol"
	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

func TestOutboxLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox()
	now := time.Unix(1700000000, 0)
	env := protocol.Envelope{Kind: protocol.KindData, SessionID: "b-1", SourceSessionID: "a-1", Sequence: 3, Sender: "O=Alice", Recipient: "O=Bob"}
	key := o.Track(env, now)
	if key != "a-1/3" {
		t.Fatalf("unexpected key=%q", key)
	}
	older := env
	older.SourceSessionID, older.Sequence = "a-2", 1
	olderKey := o.Track(older, now.Add(-time.Second))
	if o.Len() != 2 {
		t.Fatalf("unexpected len=%d", o.Len())
	}

	item, ok := o.Failed(key, now.Add(time.Second), errors.New("connection refused"))
	if !ok {
		t.Fatalf("missing pending item")
	}
	if item.Attempts != 1 || item.LastError != "connection refused" || item.Kind != "DATA" {
		t.Fatalf("unexpected item=%+v", item)
	}
	if _, ok := o.Failed("missing/1", now, nil); ok {
		t.Fatalf("unknown key should not be marked")
	}

	list := o.Snapshot()
	if len(list) != 2 || list[0].Key != olderKey || list[1].Peer != "O=Bob" {
		t.Fatalf("unexpected snapshot=%+v", list)
	}
	o.Done(key)
	o.Done(olderKey)
	o.Done(olderKey)
	if o.Len() != 0 {
		t.Fatalf("sends should be removed, len=%d", o.Len())
	}
}
