// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcbridge/spv"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// newTx returns a distinct one input, one output transaction.
func newTx(seed byte, witness bool) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	prev := wire.OutPoint{Hash: chainhash.DoubleHashH([]byte{seed}), Index: uint32(seed)}
	in := wire.NewTxIn(&prev, []byte{0x51}, nil)
	if witness {
		in.SignatureScript = nil
		in.Witness = wire.TxWitness{{seed, 1, 2, 3}, {0x02, seed}}
	}
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(int64(seed)*1000, []byte{0x51, seed}))
	return tx
}

// newCoinbase returns a coinbase that commits to witnessRoot when it is not
// nil.
func newCoinbase(witnessRoot *chainhash.Hash) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	prev := wire.OutPoint{Index: wire.MaxPrevOutIndex}
	in := wire.NewTxIn(&prev, []byte{0x03, 0x01, 0x02, 0x03}, nil)
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(50e8, []byte{0x51}))
	if witnessRoot != nil {
		var reserved [32]byte
		in.Witness = wire.TxWitness{reserved[:]}
		preimage := append(append([]byte(nil), witnessRoot[:]...), reserved[:]...)
		commitment := chainhash.DoubleHashB(preimage)
		script := append(append([]byte(nil), blockchain.WitnessMagicBytes...), commitment...)
		tx.AddTxOut(wire.NewTxOut(0, script))
	}
	return tx
}

func serialize(t *testing.T, tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

// testBlock is a block with a coinbase, a legacy transaction and a segwit
// transaction stored in a header chain.
type testBlock struct {
	txs       []*wire.MsgTx
	header    *wire.BlockHeader
	height    int32
	chain     *spv.MemHeaderChain
	coinbases *memCoinbases
	witness   *spv.CoinbaseInformation
}

type memCoinbases map[chainhash.Hash]*spv.CoinbaseInformation

func (m memCoinbases) CoinbaseInformation(h chainhash.Hash) (*spv.CoinbaseInformation, error) {
	return m[h], nil
}

func newTestBlock(t *testing.T, height, head int32) *testBlock {
	txs := []*wire.MsgTx{nil, newTx(1, false), newTx(2, true)}
	txs[0] = newCoinbase(nil)
	witnessRoot := spv.WitnessMerkleRoot(txs)
	txs[0] = newCoinbase(&witnessRoot)

	hashes := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.TxHash()
	}
	header := &wire.BlockHeader{
		Version:    4,
		MerkleRoot: merkleRoot(hashes),
		Timestamp:  time.Unix(1700000000, 0),
		Bits:       0x207fffff,
	}
	chain := spv.NewMemHeaderChain()
	chain.AddHeader(height, header)
	chain.SetHead(head)

	return &testBlock{
		txs:       txs,
		header:    header,
		height:    height,
		chain:     chain,
		coinbases: &memCoinbases{},
		witness:   &spv.CoinbaseInformation{WitnessMerkleRoot: witnessRoot},
	}
}

func (b *testBlock) proof(i int, witness bool) []byte {
	hashes := make([]chainhash.Hash, len(b.txs))
	for j, tx := range b.txs {
		hashes[j] = tx.TxHash()
		if witness {
			hashes[j] = tx.WitnessHash()
			if j == 0 {
				hashes[j] = chainhash.Hash{}
			}
		}
	}
	match := make([]bool, len(hashes))
	match[i] = true
	return spv.NewPartialMerkleTree(hashes, match).Serialize()
}

func (b *testBlock) verifier(minConf int32) *spv.Verifier {
	return &spv.Verifier{Headers: b.chain, Coinbases: b.coinbases, MinConfirmations: minConf}
}

func TestVerifyAdmits(t *testing.T) {
	t.Parallel()

	b := newTestBlock(t, 100, 105)
	res, err := b.verifier(6).Verify(serialize(t, b.txs[1]), 100, b.proof(1, false))
	require.NoError(t, err)
	require.True(t, res.Admitted, res.Reason.String())
	require.Equal(t, b.txs[1].TxHash(), res.Tx.TxHash())
	require.Equal(t, b.header.BlockHash(), res.BlockHash)
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()

	b := newTestBlock(t, 100, 105)
	legacy := serialize(t, b.txs[1])
	proof := b.proof(1, false)

	other := newTestBlock(t, 100, 105)
	other.txs[1] = newTx(9, false)

	tests := []struct {
		name    string
		tx      []byte
		height  int32
		proof   []byte
		minConf int32
		want    spv.RejectReason
	}{
		{"garbage tx", []byte{1, 2, 3}, 100, proof, 6, spv.RejectMalformedTx},
		{"trailing tx bytes", append(append([]byte(nil), legacy...), 0), 100, proof, 6, spv.RejectMalformedTx},
		{"garbage proof", legacy, 100, []byte{1, 0, 0}, 6, spv.RejectMalformedProof},
		{"not matched", legacy, 100, b.proof(0, false), 6, spv.RejectTxNotInProof},
		{"negative height", legacy, -1, proof, 6, spv.RejectHeightOutOfRange},
		{"above head", legacy, 106, proof, 6, spv.RejectHeightOutOfRange},
		{"no header", legacy, 99, proof, 6, spv.RejectHeaderNotFound},
		{"other block", serialize(t, other.txs[1]), 100, other.proof(1, false), 6, spv.RejectMerkleRootMismatch},
		{"one confirmation short", legacy, 100, proof, 7, spv.RejectInsufficientConfirmations},
	}
	for _, test := range tests {
		res, err := b.verifier(test.minConf).Verify(test.tx, test.height, test.proof)
		require.NoError(t, err, test.name)
		require.False(t, res.Admitted, test.name)
		require.Equal(t, test.want, res.Reason, test.name)
	}
}

func TestVerifySegwit(t *testing.T) {
	t.Parallel()

	b := newTestBlock(t, 100, 105)
	segwit := serialize(t, b.txs[2])

	// The witness proof cannot be admitted until coinbase information is
	// registered for the block.
	res, err := b.verifier(1).Verify(segwit, 100, b.proof(2, true))
	require.NoError(t, err)
	require.Equal(t, spv.RejectMissingCoinbaseInformation, res.Reason)

	(*b.coinbases)[b.header.BlockHash()] = b.witness
	res, err = b.verifier(1).Verify(segwit, 100, b.proof(2, true))
	require.NoError(t, err)
	require.True(t, res.Admitted, res.Reason.String())

	// A proof over the transaction hash is not a witness proof.
	res, err = b.verifier(1).Verify(segwit, 100, b.proof(2, false))
	require.NoError(t, err)
	require.Equal(t, spv.RejectTxNotInProof, res.Reason)

	// Coinbase information recorded for the wrong root.
	(*b.coinbases)[b.header.BlockHash()] = &spv.CoinbaseInformation{}
	res, err = b.verifier(1).Verify(segwit, 100, b.proof(2, true))
	require.NoError(t, err)
	require.Equal(t, spv.RejectMerkleRootMismatch, res.Reason)
}

func TestVerifyCoinbase(t *testing.T) {
	t.Parallel()

	b := newTestBlock(t, 100, 100)
	pmt, err := spv.ParsePartialMerkleTree(b.proof(0, false))
	require.NoError(t, err)

	res, err := b.verifier(6).VerifyCoinbase(b.txs[0], 100, pmt)
	require.NoError(t, err)
	require.True(t, res.Admitted, res.Reason.String())
	require.NoError(t, spv.CheckWitnessCommitment(b.txs[0], b.witness))
	require.Error(t, spv.CheckWitnessCommitment(b.txs[0], &spv.CoinbaseInformation{}))
	require.ErrorIs(t, spv.CheckWitnessCommitment(b.txs[1], b.witness),
		spv.ErrNoWitnessCommitment)

	pmt, err = spv.ParsePartialMerkleTree(b.proof(1, false))
	require.NoError(t, err)
	res, err = b.verifier(6).VerifyCoinbase(b.txs[1], 100, pmt)
	require.NoError(t, err)
	require.Equal(t, spv.RejectMalformedTx, res.Reason)
}

type failingChain struct{}

var errOracle = errors.New("oracle down")

func (failingChain) StoredBlockAtHeight(int32) (*wire.BlockHeader, error) {
	return nil, errOracle
}

func (failingChain) ChainHeadHeight() (int32, error) { return 0, errOracle }

func TestVerifyOracleFailure(t *testing.T) {
	t.Parallel()

	b := newTestBlock(t, 100, 105)
	v := &spv.Verifier{Headers: failingChain{}, MinConfirmations: 1}
	_, err := v.Verify(serialize(t, b.txs[1]), 100, b.proof(1, false))
	require.ErrorIs(t, err, errOracle)
}
