// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrNoWitnessCommitment indicates a coinbase without a witness commitment
// output.
var ErrNoWitnessCommitment = errors.New("spv: coinbase has no witness commitment")

// CoinbaseInformation is the witness data registered for a block so that
// segwit transactions in it can be proven against the witness merkle root.
type CoinbaseInformation struct {
	WitnessMerkleRoot    chainhash.Hash
	WitnessReservedValue [32]byte
}

// CoinbaseSource looks up registered coinbase information.
type CoinbaseSource interface {
	// CoinbaseInformation returns the record for blockHash, or nil if
	// none was registered.
	CoinbaseInformation(blockHash chainhash.Hash) (*CoinbaseInformation, error)
}

// CheckWitnessCommitment verifies that coinbase commits to the witness
// merkle root and reserved value of info.
func CheckWitnessCommitment(coinbase *wire.MsgTx, info *CoinbaseInformation) error {
	commitment, ok := blockchain.ExtractWitnessCommitment(btcutil.NewTx(coinbase))
	if !ok {
		return ErrNoWitnessCommitment
	}

	var preimage [chainhash.HashSize * 2]byte
	copy(preimage[:], info.WitnessMerkleRoot[:])
	copy(preimage[chainhash.HashSize:], info.WitnessReservedValue[:])
	want := chainhash.DoubleHashB(preimage[:])
	if !bytes.Equal(commitment, want) {
		return errors.New("spv: witness commitment mismatch")
	}
	return nil
}

// WitnessMerkleRoot returns the witness merkle root of txs, where the
// coinbase is txs[0].
func WitnessMerkleRoot(txs []*wire.MsgTx) chainhash.Hash {
	utxs := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		utxs[i] = btcutil.NewTx(tx)
	}
	store := blockchain.BuildMerkleTreeStore(utxs, true)
	return *store[len(store)-1]
}
