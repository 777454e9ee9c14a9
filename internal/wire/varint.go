// Package wire implements the control-message framing and datagram header
// encoding of the QUICR-Q protocol (spec.md §4.6): length-prefixed control
// messages on a reliable stream, and a varint-composed datagram header.
//
// Varints follow the QUIC transport encoding (RFC 9000 §16): the two most
// significant bits of the first byte select the encoded length (1, 2, 4 or
// 8 bytes); the remaining bits of that length hold the value, big-endian.
package wire

import (
	"encoding/binary"

	quicrqerrors "github.com/alxayo/quicrq/internal/errors"
)

const (
	varint1ByteMax = 1<<6 - 1
	varint2ByteMax = 1<<14 - 1
	varint4ByteMax = 1<<30 - 1
	varint8ByteMax = 1<<62 - 1
)

// VarintLen returns the number of bytes AppendVarint will write for v.
// Panics if v exceeds the 62-bit varint range.
func VarintLen(v uint64) int {
	switch {
	case v <= varint1ByteMax:
		return 1
	case v <= varint2ByteMax:
		return 2
	case v <= varint4ByteMax:
		return 4
	case v <= varint8ByteMax:
		return 8
	default:
		panic("wire: varint value exceeds 62-bit range")
	}
}

// AppendVarint appends the QUIC-style varint encoding of v to buf and
// returns the extended slice.
func AppendVarint(buf []byte, v uint64) []byte {
	switch {
	case v <= varint1ByteMax:
		return append(buf, byte(v))
	case v <= varint2ByteMax:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v))
		b[0] |= 0x40
		return append(buf, b[:]...)
	case v <= varint4ByteMax:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v))
		b[0] |= 0x80
		return append(buf, b[:]...)
	case v <= varint8ByteMax:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		b[0] |= 0xC0
		return append(buf, b[:]...)
	default:
		panic("wire: varint value exceeds 62-bit range")
	}
}

// ReadVarint decodes a QUIC-style varint from the front of buf, returning the
// value, the number of bytes consumed, and an error. Truncated or empty
// input yields a DecodeError, never a panic.
func ReadVarint(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, quicrqerrors.NewDecodeError("wire.read_varint", errShortBuffer)
	}
	n := 1 << (buf[0] >> 6)
	if len(buf) < n {
		return 0, 0, quicrqerrors.NewDecodeError("wire.read_varint", errShortBuffer)
	}
	var scratch [8]byte
	copy(scratch[8-n:], buf[:n])
	scratch[8-n] &= 0x3F
	v := binary.BigEndian.Uint64(scratch[:])
	return v, n, nil
}

var errShortBuffer = shortBufferError{}

type shortBufferError struct{}

func (shortBufferError) Error() string { return "truncated varint" }
