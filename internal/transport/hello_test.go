package transport

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/flowctl/internal/protocol"
	"github.com/danmuck/flowctl/internal/protocol/frame"
	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteHello(&buf, Hello{Party: "O=Alice", Token: "secret"}, frame.DefaultLimits()); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	got, err := ReadHello(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if got.Party != "O=Alice" || got.Token != "secret" || got.TimestampMS == 0 {
		t.Fatalf("unexpected hello: %+v", got)
	}
}

func TestHelloAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	ack := HelloAck{Party: "O=Bob", Status: HelloStatusRejected, Reason: "auth: unauthorized"}
	if err := WriteHelloAck(&buf, ack, frame.DefaultLimits()); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	got, err := ReadHelloAck(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if got != ack {
		t.Fatalf("unexpected ack: %+v", got)
	}
}

func TestHelloValidation(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteHello(&buf, Hello{}, frame.DefaultLimits()); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
	if err := WriteHelloAck(&buf, HelloAck{Party: "O=Bob", Status: "maybe"}, frame.DefaultLimits()); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected ErrInvalidHelloAck, got %v", err)
	}
}

func TestReadHelloRejectsEnvelope(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	env := protocol.Envelope{Kind: protocol.KindInit, SourceSessionID: "a-1", Sender: "O=Alice", Recipient: "O=Bob", FlowTag: "ping"}
	if err := protocol.WriteEnvelope(&buf, env, frame.DefaultLimits()); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
	if _, err := ReadHello(&buf, frame.DefaultLimits()); err == nil {
		t.Fatalf("expected session envelope to be refused as hello")
	}
}
