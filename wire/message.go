// Package wire implements the framed peer-wire protocol: the handshake
// preamble and the length-prefixed message stream exchanged after it.
//
// Framing is <4-byte big-endian length><1-byte tag><payload>, where length
// covers the tag and payload together. A length of zero is a keep-alive and
// carries no tag or payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ID identifies the kind of a peer-wire message.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

const (
	// BlockMax is the largest block size a Request may ask for.
	BlockMax = 16384
	// MaxFrame is the largest accepted value of L, the length prefix
	// covering the tag byte and payload (excludes the 4-byte prefix itself).
	MaxFrame = 65536
)

var (
	// ErrFrameTooLarge is returned by Decode/Encode when a frame's length
	// would exceed MaxFrame.
	ErrFrameTooLarge = errors.New("wire: frame too large")
	// ErrUnknownTag is returned by Decode when the tag byte does not match
	// one of the nine known message kinds.
	ErrUnknownTag = errors.New("wire: unknown message tag")
)

// Message is a single decoded peer-wire message. A nil *Message represents a
// keep-alive.
type Message struct {
	ID      ID
	Payload []byte
}

// NewRequest builds a REQUEST message for a block within a piece.
func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// NewHave builds a HAVE message announcing possession of piece index.
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// ParsePiece reads the (index, begin) header of a PIECE message and returns
// them along with the block bytes. The caller is expected to have already
// checked msg.ID == Piece.
func (msg *Message) ParsePiece() (index, begin int, block []byte, err error) {
	if len(msg.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("wire: piece payload too short, %d < 8", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	block = msg.Payload[8:]
	return index, begin, block, nil
}

// ParseHave reads the piece index out of a HAVE message.
func (msg *Message) ParseHave() (int, error) {
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("wire: expected 4-byte have payload, got %d", len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// Encode serializes msg into <length><tag><payload>. A nil msg encodes to
// the 4-byte zero-length keep-alive.
func Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return make([]byte, 4), nil
	}
	framed := len(msg.Payload) + 1
	if framed > MaxFrame {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, framed)
	}
	buf := make([]byte, 4+framed)
	binary.BigEndian.PutUint32(buf[0:4], uint32(framed))
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf, nil
}

// Decode parses exactly one frame from the front of buf. It returns the
// message, the number of bytes consumed, and an error. A nil message with
// consumed > 0 and err == nil signals a keep-alive was dropped and the
// caller should retry Decode on the remaining bytes. A nil message with
// consumed == 0 and err == nil means buf does not yet hold a complete frame
// and the caller must wait for more bytes before retrying — Decode never
// consumes bytes it cannot fully frame.
func Decode(buf []byte) (msg *Message, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return nil, 4, nil
	}
	if length > MaxFrame {
		return nil, 0, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}
	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	tag := ID(buf[4])
	switch tag {
	case Choke, Unchoke, Interested, NotInterested, Have, Bitfield, Request, Piece, Cancel:
	default:
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownTag, buf[4])
	}

	payload := make([]byte, length-1)
	copy(payload, buf[5:total])
	return &Message{ID: tag, Payload: payload}, total, nil
}

// Read blocks on r until it has parsed one non-keep-alive message, silently
// dropping keep-alives along the way.
func Read(r io.Reader) (*Message, error) {
	for {
		var lengthBuf [4]byte
		if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint32(lengthBuf[:])
		if length == 0 {
			continue
		}
		if length > MaxFrame {
			return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
		}

		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}

		tag := ID(body[0])
		switch tag {
		case Choke, Unchoke, Interested, NotInterested, Have, Bitfield, Request, Piece, Cancel:
		default:
			return nil, fmt.Errorf("%w: %d", ErrUnknownTag, body[0])
		}

		return &Message{ID: tag, Payload: body[1:]}, nil
	}
}

// Write serializes and writes msg to w in one call.
func Write(w io.Writer, msg *Message) error {
	buf, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
