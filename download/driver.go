// Package download implements the global download driver: peer acquisition,
// rarest-first piece scheduling, and per-piece coordination into a single
// assembled output buffer.
package download

import (
	"container/heap"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/swarmget/swarmget/metainfo"
	"github.com/swarmget/swarmget/peer"
	"github.com/swarmget/swarmget/piece"
	"github.com/swarmget/swarmget/tracker"
)

// ErrNoPeersForPieces is returned when, after connecting to the swarm, one
// or more pieces have no candidate peer at all. The reference implementation
// treats this as fatal rather than stalling or re-querying the tracker.
var ErrNoPeersForPieces = errors.New("download: one or more pieces have no candidate peers")

// NewPeerID generates a random 20-byte peer identifier for this client.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-SG0001-")
	rand.Read(id[8:])
	return id
}

// All runs the full download: it announces to the tracker, connects to up
// to cfg.MaxPeers peers, schedules pieces rarest-first, and fetches every
// piece, returning the assembled content and its file manifest.
func All(ctx context.Context, m *metainfo.Metainfo, peerID [20]byte, cfg Config) (*Downloaded, error) {
	log := cfg.logger()
	infoHash := m.InfoHash()

	addrs, err := tracker.Announce(m, peerID, 6881)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	log.WithField("count", len(addrs)).Debug("tracker returned peer addresses")

	peers := connectPeers(ctx, addrs, infoHash, peerID, cfg, log)
	if len(peers) == 0 {
		return nil, fmt.Errorf("download: no peers could be reached")
	}
	log.WithField("count", len(peers)).Info("connected to peers")

	numPieces := m.NumPieces()
	needPieces, noPeers := buildHeap(m, peers)
	if len(noPeers) > 0 {
		indices := make([]int, len(noPeers))
		for i, p := range noPeers {
			indices[i] = p.Index
		}
		log.WithField("pieces", indices).Error("pieces with no candidate peer")
		return nil, fmt.Errorf("%w: %v", ErrNoPeersForPieces, indices)
	}

	total := m.Info.Length()
	buf := make([]byte, total)
	done := 0
	for needPieces.Len() > 0 {
		p := heap.Pop(needPieces).(*piece.Piece)
		candidates := peersFor(p, peers)

		pieceBuf, err := fetchPiece(p, candidates, log)
		if err != nil {
			return nil, fmt.Errorf("download: piece %d: %w", p.Index, err)
		}

		begin := p.Index * m.Info.PieceLength
		copy(buf[begin:], pieceBuf)

		done++
		log.WithField("piece", p.Index).
			WithField("progress", fmt.Sprintf("%d/%d", done, numPieces)).
			Info("piece complete")
	}

	return &Downloaded{Bytes: buf, Files: m.Files()}, nil
}

// connectPeers dials every candidate address concurrently, bounded by
// cfg.MaxPeers in flight at once, and returns the peers that completed the
// handshake successfully. It mirrors the reference's buffer_unordered(5)
// fan-out with a semaphore-guarded worker pool, since Go has no bounded
// stream combinator in the standard library.
func connectPeers(ctx context.Context, addrs []peer.Addr, infoHash, peerID [20]byte, cfg Config, log logrus.FieldLogger) []*peer.Peer {
	max := cfg.MaxPeers
	if max <= 0 {
		max = DefaultMaxPeers
	}

	sem := make(chan struct{}, max)
	results := make(chan *peer.Peer, len(addrs))
	var wg sync.WaitGroup

	for _, addr := range addrs {
		wg.Add(1)
		go func(addr peer.Addr) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- nil
				return
			}
			defer func() { <-sem }()

			p, err := peer.Dial(addr, infoHash, peerID, log)
			if err != nil {
				log.WithField("peer", addr).WithError(err).Debug("failed to connect to peer")
				results <- nil
				return
			}
			results <- p
		}(addr)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var peers []*peer.Peer
	for p := range results {
		if p == nil {
			continue
		}
		peers = append(peers, p)
		if len(peers) >= max {
			break
		}
	}
	return peers
}

// buildHeap constructs the rarest-first piece priority queue for every piece
// in m against the connected peer set, segregating pieces no connected peer
// holds per spec.md §4.3/§4.6.
func buildHeap(m *metainfo.Metainfo, peers []*peer.Peer) (*piece.Heap, []*piece.Piece) {
	rng := mrand.New(mrand.NewSource(tieBreakSeed()))

	needPieces := &piece.Heap{}
	heap.Init(needPieces)
	var noPeers []*piece.Piece

	for i := 0; i < m.NumPieces(); i++ {
		peerSet := map[int]struct{}{}
		for pi, p := range peers {
			if p.HasPiece(i) {
				peerSet[pi] = struct{}{}
			}
		}
		pc := piece.New(i, m.Info.Pieces[i], m.PieceLength(i), peerSet, rng)
		if len(peerSet) == 0 {
			noPeers = append(noPeers, pc)
			continue
		}
		heap.Push(needPieces, pc)
	}
	return needPieces, noPeers
}

func peersFor(p *piece.Piece, all []*peer.Peer) []*peer.Peer {
	candidates := make([]*peer.Peer, 0, len(p.Peers))
	for idx := range p.Peers {
		candidates = append(candidates, all[idx])
	}
	return candidates
}

func tieBreakSeed() int64 {
	var b [8]byte
	rand.Read(b[:])
	return int64(binary.BigEndian.Uint64(b[:]))
}

// Downloaded is the fully assembled download: the concatenated content
// bytes plus the file manifest describing how to split them back into the
// original file(s).
type Downloaded struct {
	Bytes []byte
	Files []metainfo.File
}

// DownloadedFile is one file's byte range within a Downloaded's content.
type DownloadedFile struct {
	Path  []string
	Bytes []byte
}

// ByFile splits d's assembled bytes back into per-file slices in manifest
// order, mirroring how pieces concatenate files for a multi-file torrent.
func (d *Downloaded) ByFile() []DownloadedFile {
	out := make([]DownloadedFile, 0, len(d.Files))
	offset := 0
	for _, f := range d.Files {
		out = append(out, DownloadedFile{Path: f.Path, Bytes: d.Bytes[offset : offset+f.Length]})
		offset += f.Length
	}
	return out
}
