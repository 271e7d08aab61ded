package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic   uint32 = 0x50445848 // "PDXH"
	Version uint16 = 1

	FixedHeaderLen uint16 = 32

	FlagIsResponse uint32 = 0x01
	FlagIsError    uint32 = 0x02
)

// Message types carried in the frame header.
const (
	TypeCheck     uint32 = 1
	TypeCheckOK   uint32 = 2
	TypeRun       uint32 = 3
	TypeLogRecord uint32 = 4
	TypeRunResult uint32 = 5
	TypeShutdown  uint32 = 6
	TypeError     uint32 = 7
)

var (
	ErrShortHeader     = errors.New("wire: short fixed header")
	ErrBadMagic        = errors.New("wire: bad magic")
	ErrBadVersion      = errors.New("wire: unsupported version")
	ErrHeaderTooSmall  = errors.New("wire: header_len smaller than fixed header")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// maxDecodablePayload is the hard ceiling on a single frame's payload,
// applied regardless of Limits. Kept below the smallest int so the payload
// allocation is valid on every platform.
const maxDecodablePayload uint64 = 1 << 30

// Limits constrains frame decode memory use. A zero MaxPayloadBytes means
// unlimited; run arguments and log text have no protocol-level size cap.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrBadMagic
	}
	if h.Version != Version {
		return Frame{}, ErrBadVersion
	}
	if h.HeaderLen < FixedHeaderLen {
		return Frame{}, ErrHeaderTooSmall
	}
	// Even with unlimited limits, a length no real frame can carry marks a
	// corrupt header; it must fail decode, not size an allocation.
	if h.PayloadLen > maxDecodablePayload {
		return Frame{}, ErrPayloadTooLarge
	}
	if limits.MaxPayloadBytes > 0 && h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	// Extension header bytes beyond the fixed header are skipped so newer
	// peers can grow the header without breaking older readers.
	if extra := int64(h.HeaderLen) - int64(FixedHeaderLen); extra > 0 {
		if _, err := io.CopyN(io.Discard, r, extra); err != nil {
			return Frame{}, err
		}
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}

	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > maxDecodablePayload {
		return ErrPayloadTooLarge
	}
	if limits.MaxPayloadBytes > 0 && payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = payloadLen

	hb := EncodeHeader(h)
	if _, err := w.Write(hb); err != nil {
		return err
	}
	if payloadLen > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("wire: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(b[24:32]),
	}, nil
}
