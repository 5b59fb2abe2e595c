// Package frame delimits messages on a stream. A frame is a fixed 28-byte
// big-endian header followed by the payload:
//
//	magic u32 | version u16 | flags u16 | message_type u32 |
//	message_id u64 | payload_len u32 | payload_crc u32
//
// payload_crc is CRC-32C (Castagnoli) of the payload bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	HeaderLen        = 28
	Magic     uint32 = 0xF10E5E55
	Version   uint16 = 2

	FlagIsError  uint16 = 0x01
	FlagIsHello  uint16 = 0x02
	FlagIsSystem uint16 = 0x04
)

var (
	ErrShortHeader        = errors.New("frame: short header")
	ErrShortPayload       = errors.New("frame: short payload")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrChecksum           = errors.New("frame: payload checksum mismatch")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type Header struct {
	Magic       uint32
	Version     uint16
	Flags       uint16
	MessageType uint32
	MessageID   uint64
	PayloadLen  uint32
	PayloadCRC  uint32
}

type Frame struct {
	Header  Header
	Payload []byte
}

type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

func (h Header) append(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.Magic)
	dst = binary.BigEndian.AppendUint16(dst, h.Version)
	dst = binary.BigEndian.AppendUint16(dst, h.Flags)
	dst = binary.BigEndian.AppendUint32(dst, h.MessageType)
	dst = binary.BigEndian.AppendUint64(dst, h.MessageID)
	dst = binary.BigEndian.AppendUint32(dst, h.PayloadLen)
	return binary.BigEndian.AppendUint32(dst, h.PayloadCRC)
}

func EncodeHeader(h Header) []byte {
	return h.append(make([]byte, 0, HeaderLen))
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	be := binary.BigEndian
	return Header{
		Magic:       be.Uint32(b[0:4]),
		Version:     be.Uint16(b[4:6]),
		Flags:       be.Uint16(b[6:8]),
		MessageType: be.Uint32(b[8:12]),
		MessageID:   be.Uint64(b[12:20]),
		PayloadLen:  be.Uint32(b[20:24]),
		PayloadCRC:  be.Uint32(b[24:28]),
	}, nil
}

// ReadFrame reads one frame. A stream that ends cleanly before the first
// header byte yields io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var raw [HeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(raw[:])
	if err != nil {
		return Frame{}, err
	}
	switch {
	case h.Magic != Magic:
		return Frame{}, fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, h.Magic)
	case h.Version != Version:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	case h.PayloadLen > limits.MaxPayloadBytes:
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortPayload
		}
		return Frame{}, err
	}
	if crc32.Checksum(payload, castagnoli) != h.PayloadCRC {
		return Frame{}, fmt.Errorf("%w: message_type=%d message_id=%d", ErrChecksum, h.MessageType, h.MessageID)
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes f with a single Write. Magic, version, length and
// checksum are always stamped.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), limits.MaxPayloadBytes)
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint32(len(f.Payload))
	h.PayloadCRC = crc32.Checksum(f.Payload, castagnoli)

	buf := h.append(make([]byte, 0, HeaderLen+len(f.Payload)))
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}
