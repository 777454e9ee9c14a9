package wire

import (
	"fmt"

	quicrqerrors "github.com/alxayo/quicrq/internal/errors"
)

// DatagramHeader is the varint-composed header prefixing every datagram
// fragment (spec.md §4.6). The fragment payload follows the header and runs
// to the end of the datagram — datagrams carry no independent length field
// since the transport already delivers them as discrete records.
type DatagramHeader struct {
	DatagramStreamID       uint64
	GroupID                uint64
	ObjectID                uint64
	Offset                 uint64
	QueueDelay             uint64
	Flags                  uint8
	NbObjectsPreviousGroup uint64
	IsLastFragment         bool
}

// HeaderLen returns the encoded byte length of h's header (excluding payload).
func (h DatagramHeader) HeaderLen() int {
	return VarintLen(h.DatagramStreamID) + VarintLen(h.GroupID) + VarintLen(h.ObjectID) +
		VarintLen(h.Offset) + VarintLen(h.QueueDelay) + 1 + VarintLen(h.NbObjectsPreviousGroup) + 1
}

// EncodeDatagram appends h's header followed by payload to buf.
func EncodeDatagram(buf []byte, h DatagramHeader, payload []byte) []byte {
	buf = AppendVarint(buf, h.DatagramStreamID)
	buf = AppendVarint(buf, h.GroupID)
	buf = AppendVarint(buf, h.ObjectID)
	buf = AppendVarint(buf, h.Offset)
	buf = AppendVarint(buf, h.QueueDelay)
	buf = append(buf, h.Flags)
	buf = AppendVarint(buf, h.NbObjectsPreviousGroup)
	if h.IsLastFragment {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, payload...)
	return buf
}

// DecodeDatagram parses a datagram header from the front of buf and returns
// the header plus the remaining payload bytes (a sub-slice of buf, not
// copied — callers that retain it across calls must copy).
func DecodeDatagram(buf []byte) (DatagramHeader, []byte, error) {
	var h DatagramHeader
	var n int
	var err error

	h.DatagramStreamID, n, err = ReadVarint(buf)
	if err != nil {
		return h, nil, quicrqerrors.NewDecodeError("wire.decode_datagram_header", err)
	}
	buf = buf[n:]

	h.GroupID, n, err = ReadVarint(buf)
	if err != nil {
		return h, nil, quicrqerrors.NewDecodeError("wire.decode_datagram_header", err)
	}
	buf = buf[n:]

	h.ObjectID, n, err = ReadVarint(buf)
	if err != nil {
		return h, nil, quicrqerrors.NewDecodeError("wire.decode_datagram_header", err)
	}
	buf = buf[n:]

	h.Offset, n, err = ReadVarint(buf)
	if err != nil {
		return h, nil, quicrqerrors.NewDecodeError("wire.decode_datagram_header", err)
	}
	buf = buf[n:]

	h.QueueDelay, n, err = ReadVarint(buf)
	if err != nil {
		return h, nil, quicrqerrors.NewDecodeError("wire.decode_datagram_header", err)
	}
	buf = buf[n:]

	if len(buf) < 1 {
		return h, nil, quicrqerrors.NewDecodeError("wire.decode_datagram_header", fmt.Errorf("truncated flags byte"))
	}
	h.Flags = buf[0]
	buf = buf[1:]

	h.NbObjectsPreviousGroup, n, err = ReadVarint(buf)
	if err != nil {
		return h, nil, quicrqerrors.NewDecodeError("wire.decode_datagram_header", err)
	}
	buf = buf[n:]

	if len(buf) < 1 {
		return h, nil, quicrqerrors.NewDecodeError("wire.decode_datagram_header", fmt.Errorf("truncated is_last_fragment byte"))
	}
	switch buf[0] {
	case 0:
		h.IsLastFragment = false
	case 1:
		h.IsLastFragment = true
	default:
		return h, nil, quicrqerrors.NewDecodeError("wire.decode_datagram_header", fmt.Errorf("invalid is_last_fragment byte %d", buf[0]))
	}
	buf = buf[1:]

	return h, buf, nil
}
