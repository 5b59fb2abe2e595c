package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

func TestDecodeFieldsPreservesOrderAndValues(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "session-a"),
		U64(2, 7),
		Bytes(3, []byte{0xde, 0xad}),
		Bytes(4, nil),
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(out))
	}
	if string(out[0].Value) != "session-a" || out[0].Type != TypeString {
		t.Fatalf("unexpected first field: %+v", out[0])
	}
	seq, err := out[1].Uint64()
	if err != nil || seq != 7 {
		t.Fatalf("unexpected seq=%d err=%v", seq, err)
	}
	if !bytes.Equal(out[2].Value, []byte{0xde, 0xad}) {
		t.Fatalf("unexpected bytes field: %x", out[2].Value)
	}
	if out[3].Value == nil || len(out[3].Value) != 0 {
		t.Fatalf("expected empty non-nil value, got %#v", out[3].Value)
	}
}

func TestDecodeFieldsTruncated(t *testing.T) {
	testlog.Start(t)
	payload := AppendField(nil, String(1, "abc"))
	if _, err := DecodeFields(payload[:HeaderLen-1]); !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
	if _, err := DecodeFields(payload[:len(payload)-1]); !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestDecodeFieldsRejectsDuplicateIDs(t *testing.T) {
	testlog.Start(t)
	payload := EncodeFields([]Field{U8(4, 1), U8(4, 2)})
	if _, err := DecodeFields(payload); !errors.Is(err, ErrDuplicateField) {
		t.Fatalf("expected ErrDuplicateField, got %v", err)
	}
}

func TestFieldCheck(t *testing.T) {
	testlog.Start(t)
	if err := U64(1, 1).Check(TypeU64); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := U64(1, 1).Check(TypeString); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
	short := Field{ID: 2, Type: TypeU64, Value: []byte{1, 2}}
	if _, err := short.Uint64(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected width mismatch, got %v", err)
	}
}
