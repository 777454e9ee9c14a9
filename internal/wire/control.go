package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	quicrqerrors "github.com/alxayo/quicrq/internal/errors"
)

// Tag identifies a control message type (spec.md §4.6 table).
type Tag uint8

const (
	TagOpenStream    Tag = 1
	TagOpenDatagram  Tag = 2
	TagFinDatagram   Tag = 3
	TagRequestRepair Tag = 4
	TagRepair        Tag = 5
	TagPost          Tag = 6
	TagAccept        Tag = 7
)

// maxURLLen bounds a single decoded URL field; well above any realistic
// media source name but small enough to reject a corrupt/hostile length.
const maxURLLen = 1 << 16

// OpenStream requests a stream-mode subscription to URL.
type OpenStream struct{ URL string }

// OpenDatagram requests a datagram-mode subscription to URL, binding it to
// DatagramStreamID for datagram demultiplexing.
type OpenDatagram struct {
	URL              string
	DatagramStreamID uint64
}

// FinDatagram announces the final object id of a stream; it ends
// stream-mode, datagram-mode and POST streams alike.
type FinDatagram struct{ FinalObjectID uint64 }

// RequestRepair asks the peer to resend a specific object. Per spec.md §9
// (Open Questions) the receive side is not fully specified; Decode accepts
// the wire shape but callers must treat it as a protocol violation until
// repair semantics are implemented (see internal/quicrq connection dispatch).
type RequestRepair struct {
	FinalObjectID uint64
	ObjectID      uint64
}

// Repair carries one stream-mode fragment: REPAIR header plus payload.
type Repair struct {
	ObjectID       uint64
	Offset         uint64
	IsLastFragment bool
	Data           []byte
}

// Post announces an upstream publish intent to a relay.
type Post struct{ URL string }

// Accept acknowledges an OPEN_DATAGRAM by confirming the datagram stream id
// to use. A POST stream gets no ACCEPT reply.
type Accept struct{ DatagramStreamID uint64 }

// Encode serializes msg (the tag byte followed by its payload, NOT including
// the 16-bit length prefix used on the wire — see WriteMessage).
func Encode(msg any) (Tag, []byte, error) {
	switch m := msg.(type) {
	case *OpenStream:
		if len(m.URL) > maxURLLen {
			return 0, nil, quicrqerrors.NewInternalError("wire.encode_open_stream", fmt.Errorf("url too long: %d", len(m.URL)))
		}
		buf := AppendVarint(nil, uint64(len(m.URL)))
		buf = append(buf, m.URL...)
		return TagOpenStream, buf, nil
	case *OpenDatagram:
		if len(m.URL) > maxURLLen {
			return 0, nil, quicrqerrors.NewInternalError("wire.encode_open_datagram", fmt.Errorf("url too long: %d", len(m.URL)))
		}
		buf := AppendVarint(nil, uint64(len(m.URL)))
		buf = append(buf, m.URL...)
		buf = AppendVarint(buf, m.DatagramStreamID)
		return TagOpenDatagram, buf, nil
	case *FinDatagram:
		return TagFinDatagram, AppendVarint(nil, m.FinalObjectID), nil
	case *RequestRepair:
		buf := AppendVarint(nil, m.FinalObjectID)
		buf = AppendVarint(buf, m.ObjectID)
		return TagRequestRepair, buf, nil
	case *Repair:
		buf := AppendVarint(nil, m.ObjectID)
		buf = AppendVarint(buf, m.Offset)
		encLen := uint64(len(m.Data)) << 1
		if m.IsLastFragment {
			encLen |= 1
		}
		buf = AppendVarint(buf, encLen)
		buf = append(buf, m.Data...)
		return TagRepair, buf, nil
	case *Post:
		if len(m.URL) > maxURLLen {
			return 0, nil, quicrqerrors.NewInternalError("wire.encode_post", fmt.Errorf("url too long: %d", len(m.URL)))
		}
		buf := AppendVarint(nil, uint64(len(m.URL)))
		buf = append(buf, m.URL...)
		return TagPost, buf, nil
	case *Accept:
		return TagAccept, AppendVarint(nil, m.DatagramStreamID), nil
	default:
		return 0, nil, quicrqerrors.NewInternalError("wire.encode", fmt.Errorf("unknown message type %T", msg))
	}
}

// Decode parses a control message payload given its tag. It never panics:
// any truncation or over-long length field yields a DecodeError.
func Decode(tag Tag, payload []byte) (any, error) {
	switch tag {
	case TagOpenStream:
		url, _, err := readURL(payload)
		if err != nil {
			return nil, err
		}
		return &OpenStream{URL: url}, nil
	case TagOpenDatagram:
		url, n, err := readURL(payload)
		if err != nil {
			return nil, err
		}
		id, _, err := ReadVarint(payload[n:])
		if err != nil {
			return nil, quicrqerrors.NewDecodeError("wire.decode_open_datagram", err)
		}
		return &OpenDatagram{URL: url, DatagramStreamID: id}, nil
	case TagFinDatagram:
		v, _, err := ReadVarint(payload)
		if err != nil {
			return nil, quicrqerrors.NewDecodeError("wire.decode_fin_datagram", err)
		}
		return &FinDatagram{FinalObjectID: v}, nil
	case TagRequestRepair:
		final, n, err := ReadVarint(payload)
		if err != nil {
			return nil, quicrqerrors.NewDecodeError("wire.decode_request_repair", err)
		}
		obj, _, err := ReadVarint(payload[n:])
		if err != nil {
			return nil, quicrqerrors.NewDecodeError("wire.decode_request_repair", err)
		}
		return &RequestRepair{FinalObjectID: final, ObjectID: obj}, nil
	case TagRepair:
		obj, n, err := ReadVarint(payload)
		if err != nil {
			return nil, quicrqerrors.NewDecodeError("wire.decode_repair", err)
		}
		payload = payload[n:]
		off, n, err := ReadVarint(payload)
		if err != nil {
			return nil, quicrqerrors.NewDecodeError("wire.decode_repair", err)
		}
		payload = payload[n:]
		encLen, n, err := ReadVarint(payload)
		if err != nil {
			return nil, quicrqerrors.NewDecodeError("wire.decode_repair", err)
		}
		payload = payload[n:]
		length := encLen >> 1
		isLast := encLen&1 == 1
		if length > uint64(len(payload)) {
			return nil, quicrqerrors.NewDecodeError("wire.decode_repair", fmt.Errorf("declared length %d exceeds buffer %d", length, len(payload)))
		}
		data := make([]byte, length)
		copy(data, payload[:length])
		return &Repair{ObjectID: obj, Offset: off, IsLastFragment: isLast, Data: data}, nil
	case TagPost:
		url, _, err := readURL(payload)
		if err != nil {
			return nil, err
		}
		return &Post{URL: url}, nil
	case TagAccept:
		id, _, err := ReadVarint(payload)
		if err != nil {
			return nil, quicrqerrors.NewDecodeError("wire.decode_accept", err)
		}
		return &Accept{DatagramStreamID: id}, nil
	default:
		return nil, quicrqerrors.NewDecodeError("wire.decode", fmt.Errorf("unknown tag %d", tag))
	}
}

// readURL decodes a varint length prefix followed by that many bytes, and
// returns the consumed byte count.
func readURL(buf []byte) (string, int, error) {
	l, n, err := ReadVarint(buf)
	if err != nil {
		return "", 0, quicrqerrors.NewDecodeError("wire.decode_url", err)
	}
	if l > maxURLLen || l > uint64(len(buf)-n) {
		return "", 0, quicrqerrors.NewDecodeError("wire.decode_url", fmt.Errorf("declared length %d exceeds buffer", l))
	}
	start := n
	end := n + int(l)
	return string(buf[start:end]), end, nil
}

// EncodeFull serializes msg as it appears on the wire minus the 16-bit
// length prefix: a single tag byte followed by the payload.
func EncodeFull(msg any) ([]byte, error) {
	tag, payload, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(tag))
	out = append(out, payload...)
	return out, nil
}

// DecodeFull is the inverse of EncodeFull: it splits the leading tag byte
// from buf and dispatches to Decode. An empty buf is a DecodeError.
func DecodeFull(buf []byte) (any, error) {
	if len(buf) == 0 {
		return nil, quicrqerrors.NewDecodeError("wire.decode_full", fmt.Errorf("empty message"))
	}
	return Decode(Tag(buf[0]), buf[1:])
}

// WriteMessage frames msg with a 16-bit big-endian length prefix (tag byte +
// payload) and writes it to w.
func WriteMessage(w io.Writer, msg any) error {
	body, err := EncodeFull(msg)
	if err != nil {
		return err
	}
	if len(body) > 1<<16-1 {
		return quicrqerrors.NewInternalError("wire.write_message", fmt.Errorf("framed message too large: %d bytes", len(body)))
	}
	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(body)))
	copy(frame[2:], body)
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one length-prefixed control message from r and decodes
// it. io.EOF is returned unwrapped when the peer has cleanly closed the
// stream between messages; any other truncation is a DecodeError.
func ReadMessage(r io.Reader) (any, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, quicrqerrors.NewDecodeError("wire.read_message", err)
		}
		return nil, err
	}
	total := binary.BigEndian.Uint16(lenBuf[:])
	if total == 0 {
		return nil, quicrqerrors.NewDecodeError("wire.read_message", fmt.Errorf("zero-length frame"))
	}
	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, quicrqerrors.NewDecodeError("wire.read_message", err)
	}
	return DecodeFull(body)
}
