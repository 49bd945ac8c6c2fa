// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcbridge/spv"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func leafHashes(n int) []chainhash.Hash {
	hashes := make([]chainhash.Hash, n)
	for i := range hashes {
		hashes[i] = chainhash.DoubleHashH([]byte{byte(i), byte(i >> 8)})
	}
	return hashes
}

// merkleRoot computes the root the way a block does, through btcd.
func merkleRoot(leaves []chainhash.Hash) chainhash.Hash {
	level := append([]chainhash.Hash(nil), leaves...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			next[i] = blockchain.HashMerkleBranches(&level[2*i], &level[2*i+1])
		}
		level = next
	}
	return level[0]
}

func TestPartialMerkleTreeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 3, 7, 16, 33} {
		leaves := leafHashes(n)
		for _, matched := range []int{0, n / 2, n - 1} {
			match := make([]bool, n)
			match[matched] = true

			pmt := spv.NewPartialMerkleTree(leaves, match)
			parsed, err := spv.ParsePartialMerkleTree(pmt.Serialize())
			require.NoError(t, err)
			require.Equal(t, pmt, parsed)

			root, matches, err := parsed.ExtractMatches()
			require.NoError(t, err)
			require.Equal(t, merkleRoot(leaves), root, "n=%d", n)
			require.Equal(t, []spv.Match{{
				Hash: leaves[matched], Index: uint32(matched),
			}}, matches)
		}
	}
}

func TestPartialMerkleTreeMultipleMatches(t *testing.T) {
	t.Parallel()

	leaves := leafHashes(9)
	match := []bool{true, false, false, true, false, false, false, false, true}
	root, matches, err := spv.NewPartialMerkleTree(leaves, match).ExtractMatches()
	require.NoError(t, err)
	require.Equal(t, merkleRoot(leaves), root)
	require.Len(t, matches, 3)
	require.Equal(t, uint32(8), matches[2].Index)
}

// TestSingleTransactionBlock uses the proof of a block containing only its
// coinbase: one hash, and a flag byte whose unused bits are set.
func TestSingleTransactionBlock(t *testing.T) {
	t.Parallel()

	hash := chainhash.DoubleHashH([]byte("coinbase"))
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, uint32(1))
	b.WriteByte(1)
	b.Write(hash[:])
	b.WriteByte(1)
	b.WriteByte(0x3f)

	pmt, err := spv.ParsePartialMerkleTree(b.Bytes())
	require.NoError(t, err)
	root, matches, err := pmt.ExtractMatches()
	require.NoError(t, err)
	require.Equal(t, hash, root)
	require.Equal(t, []spv.Match{{Hash: hash}}, matches)
}

func TestParsePartialMerkleTreeMalformed(t *testing.T) {
	t.Parallel()

	valid := spv.NewPartialMerkleTree(leafHashes(4), []bool{false, true, false, false}).Serialize()

	withNumTx := func(n uint32) []byte {
		b := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(b[:4], n)
		return b
	}
	tooManyHashes := func() []byte {
		var b bytes.Buffer
		_ = binary.Write(&b, binary.LittleEndian, uint32(1))
		b.WriteByte(2)
		b.Write(make([]byte, 64))
		b.WriteByte(1)
		b.WriteByte(0x01)
		return b.Bytes()
	}
	tooManyFlags := func() []byte {
		var b bytes.Buffer
		_ = binary.Write(&b, binary.LittleEndian, uint32(1))
		b.WriteByte(1)
		b.Write(make([]byte, 32))
		b.WriteByte(2)
		b.Write([]byte{1, 0})
		return b.Bytes()
	}
	hugeHashCount := func() []byte {
		var b bytes.Buffer
		_ = binary.Write(&b, binary.LittleEndian, uint32(10))
		b.Write([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f})
		return b.Bytes()
	}

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"short count", valid[:3]},
		{"zero transactions", withNumTx(0)},
		{"too many transactions", withNumTx(spv.MaxTxnCount + 1)},
		{"more hashes than transactions", tooManyHashes()},
		{"huge hash count", hugeHashCount()},
		{"too many flag bytes", tooManyFlags()},
		{"truncated", valid[:len(valid)-1]},
		{"trailing byte", append(append([]byte(nil), valid...), 0)},
	}
	for _, test := range tests {
		_, err := spv.ParsePartialMerkleTree(test.in)
		require.ErrorIs(t, err, spv.ErrMalformedProof, test.name)
	}
}

func TestExtractMatchesRejects(t *testing.T) {
	t.Parallel()

	leaves := leafHashes(4)
	match := []bool{false, false, false, true}

	// Duplicate siblings.
	dup := append([]chainhash.Hash(nil), leaves...)
	dup[2] = dup[3]
	_, _, err := spv.NewPartialMerkleTree(dup, match).ExtractMatches()
	require.ErrorIs(t, err, spv.ErrInvalidProof)

	// An extra, unused hash.
	pmt := spv.NewPartialMerkleTree(leaves, match)
	pmt.Hashes = append(pmt.Hashes, leaves[0])
	_, _, err = pmt.ExtractMatches()
	require.ErrorIs(t, err, spv.ErrInvalidProof)

	// Missing hashes.
	pmt = spv.NewPartialMerkleTree(leaves, match)
	pmt.Hashes = pmt.Hashes[:len(pmt.Hashes)-1]
	_, _, err = pmt.ExtractMatches()
	require.ErrorIs(t, err, spv.ErrInvalidProof)

	// Unused flag byte.
	pmt = spv.NewPartialMerkleTree(leaves, match)
	pmt.Flags = append(pmt.Flags, 0)
	_, _, err = pmt.ExtractMatches()
	require.ErrorIs(t, err, spv.ErrInvalidProof)

	// No flags at all.
	pmt = spv.NewPartialMerkleTree(leaves, match)
	pmt.Flags = nil
	_, _, err = pmt.ExtractMatches()
	require.ErrorIs(t, err, spv.ErrInvalidProof)
}

func TestWitnessMerkleRoot(t *testing.T) {
	t.Parallel()

	txs := []*wire.MsgTx{newCoinbase(nil), newTx(1, true), newTx(2, false)}
	utxs := []*btcutil.Tx{btcutil.NewTx(txs[0]), btcutil.NewTx(txs[1]), btcutil.NewTx(txs[2])}
	store := blockchain.BuildMerkleTreeStore(utxs, true)
	want := *store[len(store)-1]
	require.Equal(t, want, spv.WitnessMerkleRoot(txs))

	// The coinbase contributes a zero leaf.
	leaves := []chainhash.Hash{{}, txs[1].WitnessHash(), txs[2].WitnessHash()}
	require.Equal(t, merkleRoot(leaves), want)
}
