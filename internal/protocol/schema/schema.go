package schema

import (
	"fmt"

	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/protocol/tlv"
)

// Message type IDs. Session envelope kinds occupy 1..15, link control 16 and up.
const (
	MsgSessionInit     uint32 = 1
	MsgSessionConfirm  uint32 = 2
	MsgSessionData     uint32 = 3
	MsgSessionClose    uint32 = 4
	MsgSessionCloseAck uint32 = 5
	MsgSessionError    uint32 = 6

	MsgLinkHello    uint32 = 16
	MsgLinkHelloAck uint32 = 17
)

// Field IDs.
const (
	FieldSessionID       uint16 = 1
	FieldSourceSessionID uint16 = 2
	FieldSequence        uint16 = 3
	FieldSender          uint16 = 4
	FieldRecipient       uint16 = 5
	FieldFlowTag         uint16 = 6
	FieldPayload         uint16 = 7
	FieldReason          uint16 = 8

	FieldParty     uint16 = 100
	FieldToken     uint16 = 101
	FieldStatus    uint16 = 102
	FieldTimestamp uint16 = 103
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var envelopeCommon = []Requirement{
	{FieldSourceSessionID, tlv.TypeString},
	{FieldSequence, tlv.TypeU64},
	{FieldSender, tlv.TypeString},
	{FieldRecipient, tlv.TypeString},
}

func withCommon(extra ...Requirement) []Requirement {
	out := make([]Requirement, 0, len(envelopeCommon)+len(extra))
	out = append(out, envelopeCommon...)
	return append(out, extra...)
}

var requirements = map[uint32][]Requirement{
	MsgSessionInit: withCommon(
		Requirement{FieldFlowTag, tlv.TypeString},
	),
	MsgSessionConfirm: withCommon(
		Requirement{FieldSessionID, tlv.TypeString},
	),
	MsgSessionData: withCommon(
		Requirement{FieldSessionID, tlv.TypeString},
		Requirement{FieldPayload, tlv.TypeBytes},
	),
	MsgSessionClose: withCommon(
		Requirement{FieldSessionID, tlv.TypeString},
	),
	MsgSessionCloseAck: withCommon(
		Requirement{FieldSessionID, tlv.TypeString},
	),
	MsgSessionError: withCommon(
		Requirement{FieldSessionID, tlv.TypeString},
		Requirement{FieldReason, tlv.TypeString},
	),
	MsgLinkHello: {
		{FieldParty, tlv.TypeString},
	},
	MsgLinkHelloAck: {
		{FieldParty, tlv.TypeString},
		{FieldStatus, tlv.TypeString},
	},
}

// optional lists typed fields that may appear but are not required.
var optional = map[uint16]uint8{
	FieldPayload:   tlv.TypeBytes,
	FieldReason:    tlv.TypeString,
	FieldToken:     tlv.TypeString,
	FieldTimestamp: tlv.TypeU64,
}

// Known reports whether messageType has a schema.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a message type.
// Optional fields must carry their declared type; unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		logs.Errf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			logs.Errf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if err := f.Check(req.Type); err != nil {
			logs.Errf("schema.Validate message_type=%d err=%v", messageType, err)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, f := range fields {
		want, ok := optional[f.ID]
		if ok && f.Check(want) != nil {
			return ValidationError{MessageType: messageType, FieldID: f.ID, Reason: "type mismatch"}
		}
	}
	logs.Tracef("schema.Validate ok message_type=%d fields=%d", messageType, len(fields))
	return nil
}
