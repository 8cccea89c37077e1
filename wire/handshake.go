package wire

import (
	"fmt"
	"io"
)

const (
	protocolName = "BitTorrent protocol"

	// PeerIDLen is the fixed length of a peer identifier.
	PeerIDLen = 20
	// InfoHashLen is the fixed length of a content info hash.
	InfoHashLen = 20

	// HandshakeLen is the fixed wire length of a handshake frame:
	// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info_hash) + 20 (peer_id).
	HandshakeLen = 1 + 19 + 8 + InfoHashLen + PeerIDLen
)

// Handshake is the 68-byte fixed preamble every peer connection opens with.
type Handshake struct {
	InfoHash [InfoHashLen]byte
	PeerID   [PeerIDLen]byte
}

// NewHandshake builds a standard-protocol handshake for the given content
// and client identity.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes the handshake to its 68-byte wire form.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolName))
	n := 1
	n += copy(buf[n:], protocolName)
	n += copy(buf[n:], make([]byte, 8)) // reserved
	n += copy(buf[n:], h.InfoHash[:])
	copy(buf[n:], h.PeerID[:])
	return buf
}

// ReadHandshake parses a handshake from r, validating the fixed pstrlen and
// protocol name. The remote peer id is returned for informational purposes
// only — the reference never matches it against anything.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read handshake: %w", err)
	}

	if buf[0] != 19 {
		return nil, fmt.Errorf("wire: expected pstrlen 19, got %d", buf[0])
	}
	if string(buf[1:20]) != protocolName {
		return nil, fmt.Errorf("wire: expected protocol %q, got %q", protocolName, buf[1:20])
	}

	h := &Handshake{}
	copy(h.InfoHash[:], buf[1+19+8:1+19+8+20])
	copy(h.PeerID[:], buf[1+19+8+20:])
	return h, nil
}
