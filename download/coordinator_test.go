package download

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmget/swarmget/peer"
	"github.com/swarmget/swarmget/piece"
	"github.com/swarmget/swarmget/wire"
)

var errBadRequest = errors.New("download: malformed request payload")

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testRNG() *rand.Rand {
	return rand.New(rand.NewSource(1))
}

// servePeer accepts exactly one connection on ln, completes the handshake,
// sends the given bitfield, then hands the connection to serve for the rest
// of the session.
func servePeer(t *testing.T, ln net.Listener, infoHash [20]byte, bitfield []byte, serve func(conn net.Conn)) {
	t.Helper()
	_ = infoHash // kept for call-site clarity; the reply echoes whatever hash the client actually sent
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hs, err := wire.ReadHandshake(conn)
		if err != nil {
			return
		}
		reply := wire.NewHandshake(hs.InfoHash, [20]byte{'s'})
		if _, err := conn.Write(reply.Serialize()); err != nil {
			return
		}
		if err := wire.Write(conn, &wire.Message{ID: wire.Bitfield, Payload: bitfield}); err != nil {
			return
		}
		serve(conn)
	}()
}

func dialTestPeer(t *testing.T, ln net.Listener, infoHash [20]byte) *peer.Peer {
	t.Helper()
	addr := ln.Addr().(*net.TCPAddr)
	var clientID [20]byte
	copy(clientID[:], "00112233445566778899")
	p, err := peer.Dial(peer.Addr{IP: addr.IP, Port: uint16(addr.Port)}, infoHash, clientID, testLogger())
	require.NoError(t, err)
	return p
}

func pieceReply(index, begin int, block []byte) *wire.Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &wire.Message{ID: wire.Piece, Payload: payload}
}

func parseRequestForTest(msg *wire.Message) (index, begin, length int, err error) {
	if len(msg.Payload) != 12 {
		return 0, 0, 0, errBadRequest
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

// fetchPieceForTest wraps fetchPiece with a bounded timeout so a stuck test
// fails fast instead of hanging the suite.
func fetchPieceForTest(t *testing.T, pc *piece.Piece, peers []*peer.Peer) ([]byte, error) {
	t.Helper()
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf, err := fetchPiece(pc, peers, testLogger())
		done <- result{buf, err}
	}()
	select {
	case r := <-done:
		return r.buf, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("fetchPiece timed out")
		return nil, nil
	}
}

func TestFetchPieceSinglePeerSerial(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")

	data := make([]byte, 3*wire.BlockMax-100)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	servePeer(t, ln, infoHash, []byte{0xFF}, func(conn net.Conn) {
		msg, err := wire.Read(conn)
		if err != nil || msg.ID != wire.Interested {
			return
		}
		wire.Write(conn, &wire.Message{ID: wire.Unchoke})
		for {
			req, err := wire.Read(conn)
			if err != nil {
				return
			}
			if req.ID != wire.Request {
				continue
			}
			_, begin, length, err := parseRequestForTest(req)
			if err != nil {
				return
			}
			wire.Write(conn, pieceReply(0, begin, data[begin:begin+length]))
		}
	})

	p := dialTestPeer(t, ln, infoHash)
	defer p.Close()

	pc := piece.New(0, hash, len(data), map[int]struct{}{0: {}}, testRNG())
	got, err := fetchPieceForTest(t, pc, []*peer.Peer{p})
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// TestFetchPieceChokeStorm has one peer stall with a Choke after its first
// block and a second peer pick up the remaining blocks, matching spec.md's
// "across peers on one piece: no ordering" invariant.
func TestFetchPieceChokeStorm(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "cccccccccccccccccccc")

	data := make([]byte, 3*wire.BlockMax)
	for i := range data {
		data[i] = byte(i * 7)
	}
	hash := sha1.Sum(data)

	lnA, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lnA.Close()
	lnB, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lnB.Close()

	servePeer(t, lnA, infoHash, []byte{0xFF}, func(conn net.Conn) {
		msg, err := wire.Read(conn)
		if err != nil || msg.ID != wire.Interested {
			return
		}
		wire.Write(conn, &wire.Message{ID: wire.Unchoke})
		req, err := wire.Read(conn)
		if err != nil || req.ID != wire.Request {
			return
		}
		_, begin, length, err := parseRequestForTest(req)
		if err != nil {
			return
		}
		wire.Write(conn, pieceReply(0, begin, data[begin:begin+length]))
		wire.Write(conn, &wire.Message{ID: wire.Choke})
		// Peer A goes quiet after choking: it reads at most one more message
		// without answering, then returns and its connection is closed.
		wire.Read(conn)
	})

	servePeer(t, lnB, infoHash, []byte{0xFF}, func(conn net.Conn) {
		msg, err := wire.Read(conn)
		if err != nil || msg.ID != wire.Interested {
			return
		}
		wire.Write(conn, &wire.Message{ID: wire.Unchoke})
		for {
			req, err := wire.Read(conn)
			if err != nil {
				return
			}
			if req.ID != wire.Request {
				continue
			}
			_, begin, length, err := parseRequestForTest(req)
			if err != nil {
				return
			}
			wire.Write(conn, pieceReply(0, begin, data[begin:begin+length]))
		}
	})

	pA := dialTestPeer(t, lnA, infoHash)
	defer pA.Close()
	pB := dialTestPeer(t, lnB, infoHash)
	defer pB.Close()

	pc := piece.New(0, hash, len(data), map[int]struct{}{0: {}, 1: {}}, testRNG())
	got, err := fetchPieceForTest(t, pc, []*peer.Peer{pA, pB})
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchPieceNoPeers(t *testing.T) {
	var hash [20]byte
	pc := piece.New(0, hash, wire.BlockMax, map[int]struct{}{}, testRNG())

	_, err := fetchPiece(pc, nil, testLogger())
	assert.ErrorIs(t, err, ErrNoPeersForPiece)
}

func TestFetchPieceHashMismatch(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "dddddddddddddddddddd")

	data := make([]byte, wire.BlockMax)
	wrongHash := sha1.Sum(append([]byte{0x01}, data[1:]...))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	servePeer(t, ln, infoHash, []byte{0xFF}, func(conn net.Conn) {
		msg, err := wire.Read(conn)
		if err != nil || msg.ID != wire.Interested {
			return
		}
		wire.Write(conn, &wire.Message{ID: wire.Unchoke})
		req, err := wire.Read(conn)
		if err != nil || req.ID != wire.Request {
			return
		}
		wire.Write(conn, pieceReply(0, 0, data))
	})

	p := dialTestPeer(t, ln, infoHash)
	defer p.Close()

	pc := piece.New(0, wrongHash, len(data), map[int]struct{}{0: {}}, testRNG())
	_, err = fetchPieceForTest(t, pc, []*peer.Peer{p})
	assert.ErrorIs(t, err, ErrHashMismatch)
}
