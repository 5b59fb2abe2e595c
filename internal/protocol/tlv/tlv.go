// Package tlv encodes envelope fields as id/type/length/value records.
// Each record is a 7-byte header (u16 id, u8 type, u32 length, big endian)
// followed by the value.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrDuplicateField   = errors.New("tlv: duplicate field")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
)

const (
	TypeU8     uint8 = 1
	TypeU64    uint8 = 4
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

var fixedWidth = map[uint8]int{
	TypeU8:  1,
	TypeU64: 8,
}

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

// Bytes copies v.
func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), v...)}
}

func U8(id uint16, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func U64(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeU64, Value: binary.BigEndian.AppendUint64(nil, v)}
}

// Check reports whether f carries want and, for fixed-width types, the
// matching value length.
func (f Field) Check(want uint8) error {
	if f.Type != want {
		return fmt.Errorf("%w: field %d got type %d want %d", ErrTypeMismatch, f.ID, f.Type, want)
	}
	if n, fixed := fixedWidth[want]; fixed && len(f.Value) != n {
		return fmt.Errorf("%w: field %d has %d bytes, type %d needs %d", ErrTypeMismatch, f.ID, len(f.Value), want, n)
	}
	return nil
}

func (f Field) Uint64() (uint64, error) {
	if err := f.Check(TypeU64); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func AppendField(dst []byte, f Field) []byte {
	dst = binary.BigEndian.AppendUint16(dst, f.ID)
	dst = append(dst, f.Type)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Value)))
	return append(dst, f.Value...)
}

func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = AppendField(out, f)
	}
	return out
}

// DecodeFields parses payload in order. An id may appear at most once.
// Values are copied out of payload.
func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	seen := make(map[uint16]bool)
	for rest := payload; len(rest) > 0; {
		if len(rest) < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		f := Field{
			ID:   binary.BigEndian.Uint16(rest[0:2]),
			Type: rest[2],
		}
		n := binary.BigEndian.Uint32(rest[3:7])
		rest = rest[HeaderLen:]
		if uint64(len(rest)) < uint64(n) {
			return nil, ErrShortFieldValue
		}
		if seen[f.ID] {
			return nil, fmt.Errorf("%w: id=%d", ErrDuplicateField, f.ID)
		}
		seen[f.ID] = true
		// zero-length values stay non-nil so field presence survives decoding
		f.Value = make([]byte, n)
		copy(f.Value, rest[:n])
		rest = rest[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}
