// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcbridge/spv"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// RegisterBtcCoinbaseTransaction registers the witness merkle root of the
// block at height so that segwit transactions in it can be registered.
// The coinbase must be proven by pmt and commit to the root and reserved
// value.  Invalid registrations are ignored and nothing is overwritten.
func (e *Engine) RegisterBtcCoinbaseTransaction(ctx context.Context, rsk RskTx,
	coinbase []byte, height int32, pmt []byte, witnessMerkleRoot chainhash.Hash,
	witnessReservedValue [32]byte) error {

	return e.run(ctx, rsk, func(x *execution) error {
		err := x.requireRule("RegisterBtcCoinbaseTransaction", activation.RSKIP143)
		if err != nil {
			return err
		}

		tx, err := spv.DecodeTx(coinbase)
		if err != nil {
			log.Debugf("Ignoring undecodable coinbase: %v", err)
			return nil
		}
		if len(tx.TxIn) != 1 || len(tx.TxIn[0].Witness) != 1 ||
			!bytes.Equal(tx.TxIn[0].Witness[0], witnessReservedValue[:]) {

			log.Infof("Coinbase %v does not carry the witness reserved value",
				tx.TxHash())
			return nil
		}

		tree, err := spv.ParsePartialMerkleTree(pmt)
		if err != nil {
			log.Debugf("Ignoring coinbase %v: %v", tx.TxHash(), err)
			return nil
		}
		verifier := &spv.Verifier{Headers: e.cfg.Headers}
		res, err := verifier.VerifyCoinbase(tx, height, tree)
		if err != nil {
			return err
		}
		if !res.Admitted {
			log.Infof("Coinbase %v not admitted: %v", tx.TxHash(), res.Reason)
			return nil
		}

		existing, err := x.store.CoinbaseInformation(res.BlockHash)
		if err != nil {
			return err
		}
		if existing != nil {
			log.Debugf("Coinbase information of %v already registered",
				res.BlockHash)
			return nil
		}

		info := &spv.CoinbaseInformation{
			WitnessMerkleRoot:    witnessMerkleRoot,
			WitnessReservedValue: witnessReservedValue,
		}
		if err := spv.CheckWitnessCommitment(tx, info); err != nil {
			log.Infof("Coinbase %v rejected: %v", tx.TxHash(), err)
			return nil
		}
		x.store.SetCoinbaseInformation(res.BlockHash, info)
		log.Infof("Registered coinbase information of block %v", res.BlockHash)
		return nil
	})
}
