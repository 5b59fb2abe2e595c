package transport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/flowctl/internal/identity"
	"github.com/danmuck/flowctl/internal/protocol/frame"
	"github.com/danmuck/flowctl/internal/protocol/schema"
	"github.com/danmuck/flowctl/internal/protocol/tlv"
)

const (
	HelloStatusAccepted = "accepted"
	HelloStatusRejected = "rejected"
)

var (
	ErrInvalidHello    = errors.New("transport: invalid hello")
	ErrInvalidHelloAck = errors.New("transport: invalid hello ack")
)

// Hello opens a link. The dialing side names itself and presents the
// network token.
type Hello struct {
	Party       identity.Party
	Token       string
	TimestampMS uint64
}

func (h Hello) Validate() error {
	if err := h.Party.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	return nil
}

// HelloAck answers a Hello.
type HelloAck struct {
	Party  identity.Party
	Status string
	Reason string
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != HelloStatusAccepted && status != HelloStatusRejected {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidHelloAck, a.Status)
	}
	if err := a.Party.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHelloAck, err)
	}
	return nil
}

func WriteHello(w io.Writer, h Hello, limits frame.Limits) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if h.TimestampMS == 0 {
		h.TimestampMS = uint64(time.Now().UnixMilli())
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldParty, string(h.Party)),
		tlv.U64(schema.FieldTimestamp, h.TimestampMS),
	}
	if h.Token != "" {
		fields = append(fields, tlv.String(schema.FieldToken, h.Token))
	}
	return writeControl(w, schema.MsgLinkHello, fields, limits)
}

func ReadHello(r io.Reader, limits frame.Limits) (Hello, error) {
	fields, err := readControl(r, schema.MsgLinkHello, limits)
	if err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	var h Hello
	for _, f := range fields {
		switch f.ID {
		case schema.FieldParty:
			h.Party = identity.Party(f.Value)
		case schema.FieldToken:
			h.Token = string(f.Value)
		case schema.FieldTimestamp:
			h.TimestampMS, _ = f.Uint64()
		}
	}
	if err := h.Validate(); err != nil {
		return Hello{}, err
	}
	return h, nil
}

func WriteHelloAck(w io.Writer, a HelloAck, limits frame.Limits) error {
	if err := a.Validate(); err != nil {
		return err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldParty, string(a.Party)),
		tlv.String(schema.FieldStatus, a.Status),
	}
	if a.Reason != "" {
		fields = append(fields, tlv.String(schema.FieldReason, a.Reason))
	}
	return writeControl(w, schema.MsgLinkHelloAck, fields, limits)
}

func ReadHelloAck(r io.Reader, limits frame.Limits) (HelloAck, error) {
	fields, err := readControl(r, schema.MsgLinkHelloAck, limits)
	if err != nil {
		return HelloAck{}, fmt.Errorf("%w: %v", ErrInvalidHelloAck, err)
	}
	var a HelloAck
	for _, f := range fields {
		switch f.ID {
		case schema.FieldParty:
			a.Party = identity.Party(f.Value)
		case schema.FieldStatus:
			a.Status = string(f.Value)
		case schema.FieldReason:
			a.Reason = string(f.Value)
		}
	}
	if err := a.Validate(); err != nil {
		return HelloAck{}, err
	}
	return a, nil
}

func writeControl(w io.Writer, messageType uint32, fields []tlv.Field, limits frame.Limits) error {
	return frame.WriteFrame(w, frame.Frame{
		Header: frame.Header{
			MessageType: messageType,
			Flags:       frame.FlagIsHello | frame.FlagIsSystem,
		},
		Payload: tlv.EncodeFields(fields),
	}, limits)
}

func readControl(r io.Reader, messageType uint32, limits frame.Limits) ([]tlv.Field, error) {
	fr, err := frame.ReadFrame(r, limits)
	if err != nil {
		return nil, err
	}
	if fr.Header.MessageType != messageType {
		return nil, fmt.Errorf("unexpected message_type=%d want=%d", fr.Header.MessageType, messageType)
	}
	fields, err := tlv.DecodeFields(fr.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
