package download

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/swarmget/swarmget/peer"
	"github.com/swarmget/swarmget/piece"
	"github.com/swarmget/swarmget/wire"
)

// ErrNoPeersForPiece is returned when every peer participating in a piece
// has exited before the piece's bytes were all received.
var ErrNoPeersForPiece = errors.New("download: no peers left to complete piece")

// ErrHashMismatch is returned when a fully-assembled piece's SHA-1 does not
// match the expected hash from the metainfo. The reference asserts (fatal);
// spec.md's Design Notes flag a permissive redo as a possible improvement,
// deliberately left undone here — see DESIGN.md's Open Questions.
var ErrHashMismatch = errors.New("download: piece failed integrity check")

// fetchPiece orchestrates the download of a single piece: it spawns one
// participation goroutine per candidate peer, drains completed blocks into
// an output buffer, and verifies the assembled bytes against the expected
// hash. It implements spec.md §4.4-§4.5 end to end.
func fetchPiece(p *piece.Piece, peers []*peer.Peer, log logrus.FieldLogger) ([]byte, error) {
	log = log.WithField("piece", p.Index)
	numBlocks := p.NumBlocks()

	// Block work queue (spec.md §4.4): capacity = block count, seeded with
	// every block index up front. completed carries raw Piece messages and
	// is sized the same; every block is completed at most once.
	work := make(chan int, numBlocks)
	for b := 0; b < numBlocks; b++ {
		work <- b
	}
	completed := make(chan *wire.Message, numBlocks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, pr := range peers {
		wg.Add(1)
		go func(pr *peer.Peer) {
			defer wg.Done()
			if err := pr.Participate(ctx, p.Index, p.Length, numBlocks, work, completed); err != nil {
				log.WithField("peer", pr.Addr).WithError(err).Warn("peer exited piece participation")
			}
		}(pr)
	}

	// Once every participant has returned, close completed so the receive
	// loop below can observe "no peers left" as channel closure rather
	// than blocking forever (spec.md §4.5 step 7 / §9).
	go func() {
		wg.Wait()
		close(completed)
	}()

	buf := make([]byte, p.Length)
	received := 0
	for received < p.Length {
		msg, ok := <-completed
		if !ok {
			return nil, fmt.Errorf("%w %d", ErrNoPeersForPiece, p.Index)
		}
		_, begin, block, err := msg.ParsePiece()
		if err != nil {
			return nil, fmt.Errorf("download: malformed piece reply: %w", err)
		}
		received += copy(buf[begin:], block)
	}

	// Every block has arrived; cancel releases any participant still
	// idling on a work pull (spec.md §5: dropping the peer-task set is
	// safe once the piece is done — see peer.Participate's doc comment for
	// why that's a context cancellation here rather than a channel close).
	cancel()

	hash := sha1.Sum(buf)
	if hash != p.Hash {
		log.WithField("expected", fmt.Sprintf("%x", p.Hash)).
			WithField("got", fmt.Sprintf("%x", hash)).
			Error("piece failed integrity check")
		return nil, fmt.Errorf("%w: piece %d", ErrHashMismatch, p.Index)
	}

	log.Debug("piece verified")
	return buf, nil
}
