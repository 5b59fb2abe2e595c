package protocol

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/danmuck/flowctl/internal/identity"
	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/protocol/frame"
	"github.com/danmuck/flowctl/internal/protocol/schema"
	"github.com/danmuck/flowctl/internal/protocol/tlv"
)

// ReasonPremature marks a CLOSE sent for a session the initiator already
// abandoned before it was confirmed.
const ReasonPremature = "premature"

// ReasonRestarted is the ERROR reason for sessions a node lost to a restart.
const ReasonRestarted = "node restarted"

// SessionID names one side of a session. Each side allocates its own.
type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

func (id SessionID) String() string {
	return string(id)
}

// Kind is the envelope type. Values share the schema message type ids.
type Kind uint32

const (
	KindInit     = Kind(schema.MsgSessionInit)
	KindConfirm  = Kind(schema.MsgSessionConfirm)
	KindData     = Kind(schema.MsgSessionData)
	KindClose    = Kind(schema.MsgSessionClose)
	KindCloseAck = Kind(schema.MsgSessionCloseAck)
	KindError    = Kind(schema.MsgSessionError)
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "INIT"
	case KindConfirm:
		return "CONFIRM"
	case KindData:
		return "DATA"
	case KindClose:
		return "CLOSE"
	case KindCloseAck:
		return "CLOSE_ACK"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("KIND(%d)", uint32(k))
	}
}

func (k Kind) Valid() bool {
	return k >= KindInit && k <= KindError
}

// Envelope is one session-layer message between two parties.
//
// SessionID addresses the recipient's session and is empty on INIT.
// SourceSessionID is always the sender's own session id.
type Envelope struct {
	SessionID       SessionID
	SourceSessionID SessionID
	Kind            Kind
	Sequence        uint64
	Sender          identity.Party
	Recipient       identity.Party
	FlowTag         string
	Reason          string
	// Payload is nil when the envelope carries no payload field. An empty
	// message is a non-nil, zero-length slice.
	Payload []byte
}

// HasPayload reports whether e carries a message, possibly an empty one.
func (e Envelope) HasPayload() bool {
	return e.Payload != nil
}

func (e Envelope) String() string {
	return fmt.Sprintf(
		"%s session=%s src=%s seq=%d %s->%s",
		e.Kind,
		e.SessionID,
		e.SourceSessionID,
		e.Sequence,
		e.Sender,
		e.Recipient,
	)
}

// Validate checks the per-kind field contract before encoding.
func (e Envelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint32(e.Kind))
	}
	if e.Sender == "" || e.Recipient == "" {
		return ErrMissingParty
	}
	if e.SourceSessionID == "" {
		return fmt.Errorf("%w: source", ErrMissingSession)
	}
	switch e.Kind {
	case KindInit:
		if e.SessionID != "" {
			return ErrUnexpectedSession
		}
		if e.FlowTag == "" {
			return ErrMissingFlowTag
		}
		return nil
	case KindError:
		if e.Reason == "" {
			return ErrMissingReason
		}
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: %s", ErrMissingSession, e.Kind)
	}
	return nil
}

func (e Envelope) fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldSourceSessionID, string(e.SourceSessionID)),
		tlv.U64(schema.FieldSequence, e.Sequence),
		tlv.String(schema.FieldSender, string(e.Sender)),
		tlv.String(schema.FieldRecipient, string(e.Recipient)),
	}
	if e.Kind != KindInit {
		fields = append(fields, tlv.String(schema.FieldSessionID, string(e.SessionID)))
	} else {
		fields = append(fields, tlv.String(schema.FieldFlowTag, e.FlowTag))
	}
	switch {
	case e.Kind == KindData:
		fields = append(fields, tlv.Bytes(schema.FieldPayload, e.Payload))
	case e.Kind == KindInit && e.HasPayload():
		fields = append(fields, tlv.Bytes(schema.FieldPayload, e.Payload))
	}
	if e.Reason != "" {
		fields = append(fields, tlv.String(schema.FieldReason, e.Reason))
	}
	return fields
}

// Encode validates e and packs it into a frame. The frame message id carries
// the envelope sequence.
func Encode(e Envelope) (frame.Frame, error) {
	if err := e.Validate(); err != nil {
		return frame.Frame{}, err
	}
	var flags uint16
	if e.Kind == KindError {
		flags |= frame.FlagIsError
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   e.Sequence,
			MessageType: uint32(e.Kind),
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(e.fields()),
	}, nil
}

// Decode unpacks a session envelope from f.
func Decode(f frame.Frame) (Envelope, error) {
	kind := Kind(f.Header.MessageType)
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: message_type=%d", ErrNotSessionEnvelope, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Envelope{}, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Envelope{}, err
	}

	seqField, _ := tlv.GetField(fields, schema.FieldSequence)
	seq, err := seqField.Uint64()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrFieldTypeMismatch, err)
	}
	if seq != f.Header.MessageID {
		return Envelope{}, fmt.Errorf("%w: message_id=%d sequence=%d", ErrSequenceMismatch, f.Header.MessageID, seq)
	}

	e := Envelope{Kind: kind, Sequence: seq}
	for _, fld := range fields {
		switch fld.ID {
		case schema.FieldSessionID:
			e.SessionID = SessionID(fld.Value)
		case schema.FieldSourceSessionID:
			e.SourceSessionID = SessionID(fld.Value)
		case schema.FieldSender:
			e.Sender = identity.Party(fld.Value)
		case schema.FieldRecipient:
			e.Recipient = identity.Party(fld.Value)
		case schema.FieldFlowTag:
			e.FlowTag = string(fld.Value)
		case schema.FieldReason:
			e.Reason = string(fld.Value)
		case schema.FieldPayload:
			e.Payload = fld.Value
		}
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func WriteEnvelope(w io.Writer, e Envelope, limits frame.Limits) error {
	f, err := Encode(e)
	if err != nil {
		logs.Warnf("protocol.WriteEnvelope invalid envelope kind=%s err=%v", e.Kind, err)
		return err
	}
	return frame.WriteFrame(w, f, limits)
}

func ReadEnvelope(r io.Reader, limits frame.Limits) (Envelope, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(f)
}
