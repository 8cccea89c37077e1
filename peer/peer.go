// Package peer implements one peer connection: the handshake, the initial
// bitfield ingest, and the per-piece participation loop that requests and
// collects blocks under choke/unchoke flow control.
package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swarmget/swarmget/bitfield"
	"github.com/swarmget/swarmget/wire"
)

const (
	dialTimeout      = 3 * time.Second
	handshakeTimeout = 3 * time.Second
	bitfieldTimeout  = 5 * time.Second
)

// ErrProtocolViolation is returned when a peer breaks the strict per-piece
// state machine: an unsolicited Choke/Unchoke/Bitfield out of turn. The
// reference treats these as fatal per-peer errors; swarmget preserves that
// strict stance (spec.md Design Notes).
var ErrProtocolViolation = errors.New("peer: protocol violation")

// Addr is a remote peer's IPv4 socket address.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

// Peer is one established, handshaken connection. It is exclusively owned by
// the download driver and lent mutably to one piece coordinator at a time.
type Peer struct {
	Addr     Addr
	Bitfield bitfield.Bitfield
	Choked   bool

	conn net.Conn
	r    *bufio.Reader
	log  logrus.FieldLogger
}

// Dial connects to addr, performs the handshake, and reads the peer's
// initial bitfield. Per spec §4.2, the first message after handshake MUST be
// a Bitfield; anything else is a protocol violation and the connection is
// dropped.
func Dial(addr Addr, infoHash, peerID [20]byte, log logrus.FieldLogger) (*Peer, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("peer", addr.String())

	conn, err := net.DialTimeout("tcp", addr.String(), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	if err := handshake(conn, infoHash, peerID); err != nil {
		conn.Close()
		return nil, err
	}

	r := bufio.NewReader(conn)

	conn.SetDeadline(time.Now().Add(bitfieldTimeout))
	msg, err := wire.Read(r)
	conn.SetDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: read initial message: %w", err)
	}
	if msg.ID != wire.Bitfield {
		conn.Close()
		return nil, fmt.Errorf("%w: first message was %s, not bitfield", ErrProtocolViolation, msg.ID)
	}

	log.WithField("pieces", len(bitfield.Bitfield(msg.Payload).Pieces())).Debug("handshake complete")

	return &Peer{
		Addr:     addr,
		Bitfield: msg.Payload,
		Choked:   true,
		conn:     conn,
		r:        r,
		log:      log,
	}, nil
}

func handshake(conn net.Conn, infoHash, peerID [20]byte) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	req := wire.NewHandshake(infoHash, peerID)
	if _, err := conn.Write(req.Serialize()); err != nil {
		return fmt.Errorf("peer: write handshake: %w", err)
	}

	res, err := wire.ReadHandshake(conn)
	if err != nil {
		return err
	}
	if res.InfoHash != infoHash {
		return fmt.Errorf("peer: info hash mismatch: expected %x, got %x", infoHash, res.InfoHash)
	}
	return nil
}

// Close tears down the underlying connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// HasPiece reports whether the peer's bitfield claims piece i: the handshake
// bitfield plus any Have messages ingested since. The driver builds piece
// candidate sets from it once, at download start; later Have messages update
// p.Bitfield but, per spec.md's
// Design Notes, are not retroactively used to enlarge an already-queued
// piece's candidate set.
func (p *Peer) HasPiece(i int) bool {
	return p.Bitfield.Has(i)
}

// Participate is the per-peer worker for one piece: it pulls block indices
// from work, requests them one at a time (at most one outstanding request
// per peer, per spec §4.2's invariant), and forwards completed Piece
// messages to completed. work doubles as both the pull channel and the
// resubmit channel — a block interrupted by a Choke is pushed back onto the
// same channel other participants are pulling from, matching the Rust
// original's shared kanal channel split into a submit/tasks pair.
//
// Go channels panic if closed while a second goroutine may still be sending
// on them, which rules out the Rust original's "close once every sender is
// dropped" signal for a channel multiple peers resubmit onto. ctx stands in
// for that signal instead: the coordinator cancels it once the piece is
// complete (or unrecoverably failed), and every blocking pull/resubmit
// selects against ctx.Done() so idle participants exit promptly without a
// channel-close race.
//
// Participate returns nil when work is closed or ctx is cancelled with no
// block in hand (clean exit), and a non-nil error on I/O failure or
// protocol violation.
func (p *Peer) Participate(ctx context.Context, pieceIndex, pieceLength, numBlocks int, work chan int, completed chan<- *wire.Message) error {
	log := p.log.WithField("piece", pieceIndex)

	if err := wire.Write(p.conn, &wire.Message{ID: wire.Interested}); err != nil {
		return fmt.Errorf("peer: send interested: %w", err)
	}

outer:
	for {
		for p.Choked {
			msg, err := wire.Read(p.r)
			if err != nil {
				return fmt.Errorf("peer: read while choked: %w", err)
			}
			switch msg.ID {
			case wire.Unchoke:
				p.Choked = false
			case wire.Have:
				if idx, err := msg.ParseHave(); err == nil {
					p.Bitfield.Set(idx)
				}
			case wire.Choke:
				return fmt.Errorf("%w: choke received while already choked", ErrProtocolViolation)
			case wire.Bitfield:
				return fmt.Errorf("%w: bitfield received after handshake", ErrProtocolViolation)
			default:
				// Interested, NotInterested, Request, Cancel, Piece: we do
				// not serve uploads and are not tracking a stale piece
				// reply here, so these are simply not actionable.
			}
		}

		var block int
		select {
		case b, ok := <-work:
			if !ok {
				return nil
			}
			block = b
		case <-ctx.Done():
			return nil
		}

		blockSize := blockSizeAt(block, numBlocks, pieceLength)
		req := wire.NewRequest(pieceIndex, block*wire.BlockMax, blockSize)
		if err := wire.Write(p.conn, req); err != nil {
			return fmt.Errorf("peer: send request for block %d: %w", block, err)
		}

		for {
			msg, err := wire.Read(p.r)
			if err != nil {
				return fmt.Errorf("peer: read reply for block %d: %w", block, err)
			}

			switch msg.ID {
			case wire.Choke:
				p.Choked = true
				select {
				case work <- block:
				case <-ctx.Done():
					return nil
				}
				log.WithField("block", block).Debug("choked mid-request, resubmitted block")
				continue outer
			case wire.Piece:
				index, begin, payload, err := msg.ParsePiece()
				if err != nil {
					return fmt.Errorf("peer: malformed piece message: %w", err)
				}
				if index != pieceIndex || begin != block*wire.BlockMax || len(payload) != blockSize {
					// Stale reply for a piece/block we are no longer
					// responsible for; keep waiting.
					continue
				}
				completed <- msg
				continue outer
			case wire.Have:
				if idx, err := msg.ParseHave(); err == nil {
					p.Bitfield.Set(idx)
				}
			case wire.Unchoke:
				return fmt.Errorf("%w: unchoke received while already unchoked", ErrProtocolViolation)
			case wire.Bitfield:
				return fmt.Errorf("%w: bitfield received after handshake", ErrProtocolViolation)
			default:
				// Interested, NotInterested, Request, Cancel: not actionable.
			}
		}
	}
}

func blockSizeAt(block, numBlocks, pieceLength int) int {
	if block == numBlocks-1 {
		if md := pieceLength % wire.BlockMax; md != 0 {
			return md
		}
		return wire.BlockMax
	}
	return wire.BlockMax
}
