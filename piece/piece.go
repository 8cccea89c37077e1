// Package piece implements the immutable per-piece descriptor and the
// rarest-first priority ordering the download driver pops pieces from.
package piece

import (
	"bytes"
	"container/heap"
	"math/rand"
)

// BlockSize is the fixed block stride (16384 bytes) pieces are requested in.
const BlockSize = 16384

// Piece is an immutable record of one piece's identity and which currently
// connected peers (by index into the driver's peer vector) claim to hold it.
// Created once per piece at download start; consumed when the piece
// completes.
type Piece struct {
	Index  int
	Length int
	Hash   [20]byte
	Peers  map[int]struct{}

	// tieBreak is a random value fixed at construction time so repeated
	// comparisons of the same two pieces stay consistent within one run,
	// while still spreading contention across runs when many pieces share
	// a peer count.
	tieBreak uint64
}

// New builds the descriptor for piece index out of its expected hash, its
// length in bytes, and the set of peer indices known to hold it; rng draws
// the piece's tie-break value.
func New(index int, hash [20]byte, length int, peers map[int]struct{}, rng *rand.Rand) *Piece {
	return &Piece{
		Index:    index,
		Length:   length,
		Hash:     hash,
		Peers:    peers,
		tieBreak: rng.Uint64(),
	}
}

// NumBlocks returns the number of 16384-byte blocks in this piece, the last
// one possibly shorter.
func (p *Piece) NumBlocks() int {
	return (p.Length + BlockSize - 1) / BlockSize
}

// BlockSize returns the size of block b within this piece (BlockSize except
// possibly the last block).
func (p *Piece) BlockSize(b int) int {
	if b == p.NumBlocks()-1 {
		if md := p.Length % BlockSize; md != 0 {
			return md
		}
		return BlockSize
	}
	return BlockSize
}

// less reports whether a is rarer than b: fewer candidate peers sorts first.
// Ties break, in order, on a random tag fixed at construction (standing in
// for the Rust original's randomized HashSet iteration order), then hash,
// then length, then index — so comparisons stay a strict total order
// regardless of tie-break collisions.
func less(a, b *Piece) bool {
	if len(a.Peers) != len(b.Peers) {
		return len(a.Peers) < len(b.Peers)
	}
	if a.tieBreak != b.tieBreak {
		return a.tieBreak < b.tieBreak
	}
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}
	if a.Length != b.Length {
		return a.Length < b.Length
	}
	return a.Index < b.Index
}

// Heap is a min-heap of *Piece ordered by rarest-first priority: popping
// yields the piece with the fewest candidate peers first. It implements
// container/heap.Interface directly so callers use heap.Push/heap.Pop.
type Heap []*Piece

func (h Heap) Len() int { return len(h) }

func (h Heap) Less(i, j int) bool { return less(h[i], h[j]) }

func (h Heap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *Heap) Push(x any) {
	*h = append(*h, x.(*Piece))
}

func (h *Heap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*Heap)(nil)
