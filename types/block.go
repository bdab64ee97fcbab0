package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Header is the part of a block that commits to its position in the chain.
type Header struct {
	ParentHash Hash
	Number     uint64
	StateRoot  Hash
	DataHash   Hash
}

// Hash computes the header hash: sha256 over the fixed-width field encoding.
// The encoding is number (big endian) followed by the three hashes; it is
// stable across versions because headers never gain fields retroactively.
func (h *Header) Hash() Hash {
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], h.Number)

	hasher := sha256.New()
	hasher.Write(num[:])
	hasher.Write(h.ParentHash[:])
	hasher.Write(h.StateRoot[:])
	hasher.Write(h.DataHash[:])
	return NewHash(hasher.Sum(nil))
}

func (h *Header) String() string {
	return fmt.Sprintf("Header{#%d %v parent=%v}", h.Number, h.Hash(), h.ParentHash)
}

// Block is a header plus its body. Body entries are opaque to the sync
// engine; validity is the import queue's business.
type Block struct {
	Header Header
	Body   [][]byte
}

// Hash returns the header hash.
func (b *Block) Hash() Hash { return b.Header.Hash() }

// Justification is an opaque finality proof attached to a block.
type Justification []byte

// BlockData is one element of a block response: the pieces of a single block
// a peer chose (or was asked) to send. Header may be nil when only a
// justification was requested.
type BlockData struct {
	Hash          Hash
	Header        *Header
	Body          [][]byte
	Justification Justification
}

// HasHeader reports whether the element carries a header.
func (bd *BlockData) HasHeader() bool { return bd.Header != nil }

// Number returns the block number, or false if no header is present.
func (bd *BlockData) Number() (uint64, bool) {
	if bd.Header == nil {
		return 0, false
	}
	return bd.Header.Number, true
}

// BlockAnnounce is a peer's notification of a newly produced or newly best
// block.
type BlockAnnounce struct {
	Header Header
	IsBest bool
}
