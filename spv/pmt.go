// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MaxTxnCount is the largest number of transactions a partial merkle tree
// may claim.  It is the maximum block weight divided by the weight of the
// smallest possible transaction.
const MaxTxnCount = blockchain.MaxBlockWeight / 240

// PartialMerkleTree is a compact proof that a set of transactions is part
// of the merkle tree committed to by a block header.  The wire format is
//
//	uint32  number of transactions in the block
//	varint  number of hashes, followed by the 32 byte hashes
//	varint  number of flag bytes, followed by the flag bytes
type PartialMerkleTree struct {
	NumTx  uint32
	Hashes []chainhash.Hash
	Flags  []byte
}

// ParsePartialMerkleTree deserializes a partial merkle tree, rejecting
// declared element counts that could not belong to a valid tree before
// allocating for them.
func ParsePartialMerkleTree(b []byte) (*PartialMerkleTree, error) {
	r := bytes.NewReader(b)

	var numTxBytes [4]byte
	if _, err := io.ReadFull(r, numTxBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: transaction count: %v", ErrMalformedProof, err)
	}
	numTx := binary.LittleEndian.Uint32(numTxBytes[:])
	if numTx == 0 || numTx > MaxTxnCount {
		return nil, fmt.Errorf("%w: transaction count %d out of range",
			ErrMalformedProof, numTx)
	}

	nHashes, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: hash count: %v", ErrMalformedProof, err)
	}
	if nHashes > uint64(numTx) || nHashes*chainhash.HashSize > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: hash count %d out of range",
			ErrMalformedProof, nHashes)
	}
	hashes := make([]chainhash.Hash, nHashes)
	for i := range hashes {
		if _, err := io.ReadFull(r, hashes[i][:]); err != nil {
			return nil, fmt.Errorf("%w: hash %d: %v", ErrMalformedProof, i, err)
		}
	}

	nFlags, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: flag count: %v", ErrMalformedProof, err)
	}
	if nFlags > maxFlagBytes(numTx) || nFlags != uint64(r.Len()) {
		return nil, fmt.Errorf("%w: flag byte count %d out of range",
			ErrMalformedProof, nFlags)
	}
	flags := make([]byte, nFlags)
	if _, err := io.ReadFull(r, flags); err != nil {
		return nil, fmt.Errorf("%w: flags: %v", ErrMalformedProof, err)
	}

	return &PartialMerkleTree{NumTx: numTx, Hashes: hashes, Flags: flags}, nil
}

// maxFlagBytes returns the number of flag bytes needed to describe every
// node of a tree over numTx leaves.
func maxFlagBytes(numTx uint32) uint64 {
	return (2*uint64(numTx) - 1 + 7) / 8
}

// Serialize returns the wire encoding of the tree.
func (p *PartialMerkleTree) Serialize() []byte {
	var buf bytes.Buffer
	var numTx [4]byte
	binary.LittleEndian.PutUint32(numTx[:], p.NumTx)
	buf.Write(numTx[:])
	_ = wire.WriteVarInt(&buf, 0, uint64(len(p.Hashes)))
	for i := range p.Hashes {
		buf.Write(p.Hashes[i][:])
	}
	_ = wire.WriteVarInt(&buf, 0, uint64(len(p.Flags)))
	buf.Write(p.Flags)
	return buf.Bytes()
}

// Match is a leaf the tree proves to be part of the block.
type Match struct {
	Hash  chainhash.Hash
	Index uint32
}

// treeWalker holds the traversal state of a single extraction.
type treeWalker struct {
	numTx      uint32
	hashes     []chainhash.Hash
	bits       []bool
	bitsUsed   int
	hashesUsed int
	bad        bool
	matches    []Match
}

func (w *treeWalker) width(height uint) uint32 {
	return uint32((uint64(w.numTx) + (1 << height) - 1) >> height)
}

func (w *treeWalker) extract(height uint, pos uint32) chainhash.Hash {
	if w.bitsUsed >= len(w.bits) {
		w.bad = true
		return chainhash.Hash{}
	}
	parentOfMatch := w.bits[w.bitsUsed]
	w.bitsUsed++

	if height == 0 || !parentOfMatch {
		if w.hashesUsed >= len(w.hashes) {
			w.bad = true
			return chainhash.Hash{}
		}
		hash := w.hashes[w.hashesUsed]
		w.hashesUsed++
		if height == 0 && parentOfMatch {
			w.matches = append(w.matches, Match{Hash: hash, Index: pos})
		}
		return hash
	}

	left := w.extract(height-1, pos*2)
	right := left
	if pos*2+1 < w.width(height-1) {
		right = w.extract(height-1, pos*2+1)

		// Identical siblings allow two different transaction lists to
		// produce the same root (CVE-2012-2459).
		if right == left {
			w.bad = true
		}
	}
	return blockchain.HashMerkleBranches(&left, &right)
}

// ExtractMatches walks the tree and returns its merkle root and the leaves
// flagged as matched.  Trees that leave hashes or flag bytes unused, run out
// of either, or contain duplicated siblings are rejected.
func (p *PartialMerkleTree) ExtractMatches() (chainhash.Hash, []Match, error) {
	if p.NumTx == 0 || p.NumTx > MaxTxnCount {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: transaction count %d",
			ErrInvalidProof, p.NumTx)
	}
	if len(p.Hashes) > int(p.NumTx) {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: more hashes than "+
			"transactions", ErrInvalidProof)
	}
	if len(p.Flags)*8 < len(p.Hashes) {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: fewer flag bits than "+
			"hashes", ErrInvalidProof)
	}

	w := &treeWalker{
		numTx:  p.NumTx,
		hashes: p.Hashes,
		bits:   make([]bool, len(p.Flags)*8),
	}
	for i := range w.bits {
		w.bits[i] = p.Flags[i/8]&(1<<(uint(i)%8)) != 0
	}

	var height uint
	for w.width(height) > 1 {
		height++
	}
	root := w.extract(height, 0)

	switch {
	case w.bad:
		return chainhash.Hash{}, nil, fmt.Errorf("%w: malformed traversal",
			ErrInvalidProof)
	case (w.bitsUsed+7)/8 != len(p.Flags):
		return chainhash.Hash{}, nil, fmt.Errorf("%w: unused flag bytes",
			ErrInvalidProof)
	case w.hashesUsed != len(p.Hashes):
		return chainhash.Hash{}, nil, fmt.Errorf("%w: unused hashes",
			ErrInvalidProof)
	}
	return root, w.matches, nil
}

// NewPartialMerkleTree builds the tree proving the leaves of leafHashes
// whose matching entry is true.
func NewPartialMerkleTree(leafHashes []chainhash.Hash, match []bool) *PartialMerkleTree {
	b := &treeBuilder{
		numTx:  uint32(len(leafHashes)),
		leaves: leafHashes,
		match:  match,
	}
	var height uint
	for b.width(height) > 1 {
		height++
	}
	b.build(height, 0)

	flags := make([]byte, (len(b.bits)+7)/8)
	for i, bit := range b.bits {
		if bit {
			flags[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return &PartialMerkleTree{NumTx: b.numTx, Hashes: b.hashes, Flags: flags}
}

type treeBuilder struct {
	numTx  uint32
	leaves []chainhash.Hash
	match  []bool
	bits   []bool
	hashes []chainhash.Hash
}

func (b *treeBuilder) width(height uint) uint32 {
	return uint32((uint64(b.numTx) + (1 << height) - 1) >> height)
}

func (b *treeBuilder) hash(height uint, pos uint32) chainhash.Hash {
	if height == 0 {
		return b.leaves[pos]
	}
	left := b.hash(height-1, pos*2)
	right := left
	if pos*2+1 < b.width(height-1) {
		right = b.hash(height-1, pos*2+1)
	}
	return blockchain.HashMerkleBranches(&left, &right)
}

func (b *treeBuilder) build(height uint, pos uint32) {
	var parentOfMatch bool
	for p := pos << height; p < (pos+1)<<height && p < b.numTx; p++ {
		if int(p) < len(b.match) && b.match[p] {
			parentOfMatch = true
			break
		}
	}
	b.bits = append(b.bits, parentOfMatch)
	if height == 0 || !parentOfMatch {
		b.hashes = append(b.hashes, b.hash(height, pos))
		return
	}
	b.build(height-1, pos*2)
	if pos*2+1 < b.width(height-1) {
		b.build(height-1, pos*2+1)
	}
}
