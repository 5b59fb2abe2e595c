package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/flowctl/internal/protocol/frame"
	"github.com/danmuck/flowctl/internal/protocol/schema"
	"github.com/danmuck/flowctl/internal/protocol/tlv"
	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

func TestEnvelopeRoundTripPerKind(t *testing.T) {
	testlog.Start(t)
	cases := []Envelope{
		{Kind: KindInit, SourceSessionID: "a-1", Sender: "O=Alice", Recipient: "O=Bob", FlowTag: "ping", Payload: []byte("hi")},
		{Kind: KindInit, SourceSessionID: "a-1", Sender: "O=Alice", Recipient: "O=Bob", FlowTag: "ping"},
		{Kind: KindInit, SourceSessionID: "a-2", Sender: "O=Alice", Recipient: "O=Bob", FlowTag: "ping", Payload: []byte{}},
		{Kind: KindConfirm, SessionID: "a-1", SourceSessionID: "b-1", Sender: "O=Bob", Recipient: "O=Alice"},
		{Kind: KindData, SessionID: "b-1", SourceSessionID: "a-1", Sequence: 3, Sender: "O=Alice", Recipient: "O=Bob", Payload: []byte{}},
		{Kind: KindClose, SessionID: "a-1", SourceSessionID: "b-1", Sequence: 4, Sender: "O=Bob", Recipient: "O=Alice", Reason: ReasonPremature},
		{Kind: KindCloseAck, SessionID: "b-1", SourceSessionID: "a-1", Sequence: 5, Sender: "O=Alice", Recipient: "O=Bob"},
		{Kind: KindError, SessionID: "b-1", SourceSessionID: "a-1", Sequence: 6, Sender: "O=Alice", Recipient: "O=Bob", Reason: "boom"},
	}
	for _, in := range cases {
		var buf bytes.Buffer
		if err := WriteEnvelope(&buf, in, frame.DefaultLimits()); err != nil {
			t.Fatalf("%s: write: %v", in.Kind, err)
		}
		out, err := ReadEnvelope(&buf, frame.DefaultLimits())
		if err != nil {
			t.Fatalf("%s: read: %v", in.Kind, err)
		}
		if out.Kind != in.Kind || out.SessionID != in.SessionID || out.SourceSessionID != in.SourceSessionID {
			t.Fatalf("%s: header mismatch: %+v", in.Kind, out)
		}
		if out.Sequence != in.Sequence || out.Sender != in.Sender || out.Recipient != in.Recipient {
			t.Fatalf("%s: routing mismatch: %+v", in.Kind, out)
		}
		if out.FlowTag != in.FlowTag || out.Reason != in.Reason || !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("%s: body mismatch: %+v", in.Kind, out)
		}
		if (in.Payload == nil) != (out.Payload == nil) {
			t.Fatalf("%s: payload presence changed: in=%v out=%v", in.Kind, in.Payload, out.Payload)
		}
	}
}

func TestEnvelopeValidate(t *testing.T) {
	testlog.Start(t)
	base := Envelope{Kind: KindData, SessionID: "b", SourceSessionID: "a", Sender: "O=A", Recipient: "O=B"}

	bad := base
	bad.Kind = 42
	if err := bad.Validate(); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	bad = base
	bad.Recipient = ""
	if err := bad.Validate(); !errors.Is(err, ErrMissingParty) {
		t.Fatalf("expected ErrMissingParty, got %v", err)
	}
	bad = base
	bad.SessionID = ""
	if err := bad.Validate(); !errors.Is(err, ErrMissingSession) {
		t.Fatalf("expected ErrMissingSession, got %v", err)
	}
	bad = base
	bad.Kind = KindInit
	bad.FlowTag = "ping"
	if err := bad.Validate(); !errors.Is(err, ErrUnexpectedSession) {
		t.Fatalf("expected ErrUnexpectedSession, got %v", err)
	}
	bad.SessionID = ""
	bad.FlowTag = ""
	if err := bad.Validate(); !errors.Is(err, ErrMissingFlowTag) {
		t.Fatalf("expected ErrMissingFlowTag, got %v", err)
	}
	bad = base
	bad.Kind = KindError
	if err := bad.Validate(); !errors.Is(err, ErrMissingReason) {
		t.Fatalf("expected ErrMissingReason, got %v", err)
	}
}

func TestDecodeRejectsSequenceMismatch(t *testing.T) {
	testlog.Start(t)
	f, err := Encode(Envelope{Kind: KindCloseAck, SessionID: "b", SourceSessionID: "a", Sequence: 7, Sender: "O=A", Recipient: "O=B"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Header.MessageID = 8
	if _, err := Decode(f); !errors.Is(err, ErrSequenceMismatch) {
		t.Fatalf("expected ErrSequenceMismatch, got %v", err)
	}
}

func TestDecodeRejectsLinkFrames(t *testing.T) {
	testlog.Start(t)
	f := frame.Frame{
		Header:  frame.Header{MessageType: schema.MsgLinkHello},
		Payload: tlv.EncodeFields([]tlv.Field{tlv.String(schema.FieldParty, "O=A")}),
	}
	if _, err := Decode(f); !errors.Is(err, ErrNotSessionEnvelope) {
		t.Fatalf("expected ErrNotSessionEnvelope, got %v", err)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	testlog.Start(t)
	f := frame.Frame{
		Header: frame.Header{MessageType: schema.MsgSessionData},
		Payload: tlv.EncodeFields([]tlv.Field{
			tlv.String(schema.FieldSourceSessionID, "a"),
			tlv.U64(schema.FieldSequence, 0),
			tlv.String(schema.FieldSender, "O=A"),
			tlv.String(schema.FieldRecipient, "O=B"),
			tlv.String(schema.FieldSessionID, "b"),
		}),
	}
	_, err := Decode(f)
	var vErr schema.ValidationError
	if !errors.As(err, &vErr) || vErr.FieldID != schema.FieldPayload {
		t.Fatalf("expected missing payload validation error, got %v", err)
	}
}

func TestKindString(t *testing.T) {
	testlog.Start(t)
	if KindCloseAck.String() != "CLOSE_ACK" || Kind(99).String() != "KIND(99)" {
		t.Fatalf("unexpected kind names: %s %s", KindCloseAck, Kind(99))
	}
}
