// Package frame implements the encoding and decoding of single
// websocket frames as used by socklet. Fragmented messages, control
// frames other than close and extensions are not supported: frames
// sent by the server always have the FIN bit set, and frames received
// from clients must be masked text, binary or close frames.
//
// See https://tools.ietf.org/html/rfc6455#section-5.2 for the wire
// format.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Opcode is the opcode of a websocket frame.
type Opcode byte

// List of opcodes understood by the codec.
const (
	Text   Opcode = 0x1
	Binary Opcode = 0x2
	Close  Opcode = 0x8
)

var opcodeNames = map[Opcode]string{
	Text:   "text",
	Binary: "binary",
	Close:  "close",
}

// String returns the string representation of the opcode.
func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("opcode(%#x)", byte(o))
}

const (
	finBit  = 1 << 7
	maskBit = 1 << 7

	// 7-bit length values that announce an extended length.
	len16 = 126
	len64 = 127

	maxShortLen = 125
)

// List of errors returned by Decode.
var (
	// ErrTooShort is returned when the input does not contain a
	// complete frame header.
	ErrTooShort = errors.New("socklet/frame: frame too short")

	// ErrInvalidOpcode is returned for any opcode other than text,
	// binary or close.
	ErrInvalidOpcode = errors.New("socklet/frame: invalid opcode")

	// ErrLengthMismatch is returned when the declared payload length
	// exceeds the bytes available in the input.
	ErrLengthMismatch = errors.New("socklet/frame: payload length mismatch")

	// ErrMaskRequired is returned when a frame does not have the MASK
	// bit set. Client frames must always be masked.
	ErrMaskRequired = errors.New("socklet/frame: MASK must be set")

	// ErrTooLarge is returned by DecodeLimit when the declared payload
	// length exceeds the limit.
	ErrTooLarge = errors.New("socklet/frame: payload exceeds limit")

	// ErrConnectionClosed is returned when a close frame is decoded. It
	// is not a protocol error, it signals that the peer terminates the
	// connection.
	ErrConnectionClosed = errors.New("socklet/frame: connection closed by peer")
)

// Frame is a decoded websocket frame.
type Frame struct {
	Opcode  Opcode
	Masked  bool
	Length  uint64
	MaskKey [4]byte
	Payload []byte
}

// Encode returns the unmasked frame for payload with the FIN bit set.
// It chooses the shortest header form that can hold the payload length.
func Encode(op Opcode, payload []byte) []byte {
	b := make([]byte, 0, headerLen(len(payload), false)+len(payload))
	b = appendHeader(b, op, len(payload), false)
	return append(b, payload...)
}

// EncodeMasked returns the frame for payload masked with key, as
// a client would send it. The payload slice is not modified.
func EncodeMasked(op Opcode, payload []byte, key [4]byte) []byte {
	b := make([]byte, 0, headerLen(len(payload), true)+len(payload))
	b = appendHeader(b, op, len(payload), true)
	b = append(b, key[:]...)
	start := len(b)
	b = append(b, payload...)
	Mask(key, b[start:])
	return b
}

func headerLen(n int, masked bool) int {
	l := 2
	switch {
	case n > math.MaxUint16:
		l += 8
	case n > maxShortLen:
		l += 2
	}
	if masked {
		l += 4
	}
	return l
}

func appendHeader(b []byte, op Opcode, n int, masked bool) []byte {
	var mb byte
	if masked {
		mb = maskBit
	}

	b = append(b, finBit|byte(op)&0x0F)
	switch {
	case n <= maxShortLen:
		b = append(b, mb|byte(n))
	case n <= math.MaxUint16:
		b = append(b, mb|len16, 0, 0)
		binary.BigEndian.PutUint16(b[len(b)-2:], uint16(n))
	default:
		b = append(b, mb|len64, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(b[len(b)-8:], uint64(n))
	}
	return b
}

// Mask applies the websocket masking algorithm to b in place. As the
// operation is a XOR, the same call unmasks a masked payload.
func Mask(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

// Decode decodes the frame at the start of b. It returns the frame and
// the number of bytes of b that it spans. The payload is unmasked into
// a newly allocated slice, b is not modified.
//
// A close frame returns ErrConnectionClosed with the opcode set on the
// returned frame.
func Decode(b []byte) (Frame, int, error) {
	return DecodeLimit(b, 0)
}

// DecodeLimit is like Decode, but fails with ErrTooLarge if the
// declared payload length is above limit. A limit of 0 means no limit.
func DecodeLimit(b []byte, limit int64) (Frame, int, error) {
	var f Frame

	if len(b) < 2 {
		return f, 0, ErrTooShort
	}

	f.Opcode = Opcode(b[0] & 0x0F)
	switch f.Opcode {
	case Close:
		return f, 0, ErrConnectionClosed
	case Text, Binary:
	default:
		return f, 0, fmt.Errorf("%w: %#x", ErrInvalidOpcode, byte(f.Opcode))
	}

	f.Masked = b[1]&maskBit != 0
	f.Length = uint64(b[1] &^ maskBit)
	pos := 2

	switch f.Length {
	case len16:
		if len(b) < pos+2 {
			return f, 0, ErrTooShort
		}
		f.Length = uint64(binary.BigEndian.Uint16(b[pos:]))
		pos += 2
	case len64:
		if len(b) < pos+8 {
			return f, 0, ErrTooShort
		}
		f.Length = binary.BigEndian.Uint64(b[pos:])
		pos += 8
	}

	if limit > 0 && f.Length > uint64(limit) {
		return f, 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, f.Length, limit)
	}

	avail := uint64(len(b) - pos)
	if f.Masked {
		if avail < 4 {
			return f, 0, ErrLengthMismatch
		}
		avail -= 4
	}
	if f.Length > avail {
		return f, 0, ErrLengthMismatch
	}

	if !f.Masked {
		return f, 0, ErrMaskRequired
	}

	copy(f.MaskKey[:], b[pos:pos+4])
	pos += 4

	n := int(f.Length)
	f.Payload = make([]byte, n)
	copy(f.Payload, b[pos:pos+n])
	Mask(f.MaskKey, f.Payload)
	return f, pos + n, nil
}

// IsIncomplete returns true if err indicates that more bytes are
// needed to decode the frame, as opposed to an invalid frame.
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrTooShort) || errors.Is(err, ErrLengthMismatch)
}
