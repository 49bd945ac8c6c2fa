// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// RejectReason describes why a transaction was not admitted.
type RejectReason uint8

// These constants define the reasons a proof can be rejected.
const (
	RejectNone RejectReason = iota
	RejectMalformedTx
	RejectMalformedProof
	RejectInvalidProof
	RejectTxNotInProof
	RejectHeightOutOfRange
	RejectHeaderNotFound
	RejectMerkleRootMismatch
	RejectInsufficientConfirmations
	RejectMissingCoinbaseInformation
)

var rejectReasonStrings = map[RejectReason]string{
	RejectNone:                       "none",
	RejectMalformedTx:                "malformed transaction",
	RejectMalformedProof:             "malformed merkle proof",
	RejectInvalidProof:               "invalid merkle proof",
	RejectTxNotInProof:               "transaction not matched by proof",
	RejectHeightOutOfRange:           "height out of range",
	RejectHeaderNotFound:             "no header at height",
	RejectMerkleRootMismatch:         "merkle root mismatch",
	RejectInsufficientConfirmations:  "not enough confirmations",
	RejectMissingCoinbaseInformation: "no coinbase information for block",
}

func (r RejectReason) String() string {
	if s, ok := rejectReasonStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown reject reason (%d)", uint8(r))
}

// Result is the outcome of verifying a transaction.
type Result struct {
	Admitted bool
	Reason   RejectReason

	// Tx is the decoded transaction.  It is set whenever the bytes could
	// be decoded, even if the transaction was not admitted.
	Tx *wire.MsgTx

	// BlockHash is the hash of the header the proof was checked against.
	BlockHash chainhash.Hash
}

func rejected(reason RejectReason, tx *wire.MsgTx) *Result {
	return &Result{Reason: reason, Tx: tx}
}

// Verifier admits Bitcoin transactions that are proven to be included in a
// block of the header chain with enough confirmations.
type Verifier struct {
	Headers          HeaderChain
	Coinbases        CoinbaseSource
	MinConfirmations int32
}

// DecodeTx decodes a serialized transaction and rejects trailing bytes.
func DecodeTx(b []byte) (*wire.MsgTx, error) {
	var tx wire.MsgTx
	r := bytes.NewReader(b)
	if err := tx.Deserialize(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after transaction", r.Len())
	}
	return &tx, nil
}

// Verify checks that txBytes is included at height according to pmtBytes.
// Attacker controlled input never produces an error; the returned Result
// carries the reason instead.  Errors are only returned when the header
// chain or coinbase source fail.
func (v *Verifier) Verify(txBytes []byte, height int32, pmtBytes []byte) (*Result, error) {
	tx, err := DecodeTx(txBytes)
	if err != nil {
		log.Debugf("Rejecting undecodable transaction: %v", err)
		return rejected(RejectMalformedTx, nil), nil
	}

	// A 64 byte transaction can be passed off as an inner merkle node.
	if tx.SerializeSizeStripped() == 64 {
		return rejected(RejectMalformedTx, tx), nil
	}

	pmt, err := ParsePartialMerkleTree(pmtBytes)
	if err != nil {
		log.Debugf("Rejecting proof for %v: %v", tx.TxHash(), err)
		return rejected(RejectMalformedProof, tx), nil
	}
	return v.VerifyTx(tx, height, pmt)
}

// VerifyTx is Verify for an already decoded transaction and proof.
// Transactions carrying witness data are proven by their witness hash
// against the registered witness merkle root of the block.
func (v *Verifier) VerifyTx(tx *wire.MsgTx, height int32,
	pmt *PartialMerkleTree) (*Result, error) {

	return v.verify(tx, height, pmt, tx.HasWitness(), true)
}

// VerifyCoinbase checks that tx is the first transaction of the block at
// height.  The proof is always over the transaction hash and no minimum
// depth applies.
func (v *Verifier) VerifyCoinbase(tx *wire.MsgTx, height int32,
	pmt *PartialMerkleTree) (*Result, error) {

	if !isCoinbase(tx) {
		return rejected(RejectMalformedTx, tx), nil
	}
	return v.verify(tx, height, pmt, false, false)
}

func isCoinbase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prev := tx.TxIn[0].PreviousOutPoint
	return prev.Index == wire.MaxPrevOutIndex && prev.Hash == chainhash.Hash{}
}

func (v *Verifier) verify(tx *wire.MsgTx, height int32, pmt *PartialMerkleTree,
	segwit, checkDepth bool) (*Result, error) {

	if height < 0 {
		return rejected(RejectHeightOutOfRange, tx), nil
	}

	root, matches, err := pmt.ExtractMatches()
	if err != nil {
		log.Debugf("Rejecting proof for %v: %v", tx.TxHash(), err)
		return rejected(RejectInvalidProof, tx), nil
	}

	leaf := tx.TxHash()
	if segwit {
		leaf = tx.WitnessHash()
	}
	coinbase := !checkDepth
	found := false
	for _, m := range matches {
		if m.Hash == leaf && (!coinbase || m.Index == 0) {
			found = true
			break
		}
	}
	if !found {
		return rejected(RejectTxNotInProof, tx), nil
	}

	head, err := v.Headers.ChainHeadHeight()
	switch {
	case errors.Is(err, ErrNoHeaders):
		return rejected(RejectHeaderNotFound, tx), nil
	case err != nil:
		return nil, err
	}
	if height > head {
		return rejected(RejectHeightOutOfRange, tx), nil
	}

	header, err := v.Headers.StoredBlockAtHeight(height)
	switch {
	case errors.Is(err, ErrHeaderNotFound):
		return rejected(RejectHeaderNotFound, tx), nil
	case err != nil:
		return nil, err
	}
	blockHash := header.BlockHash()

	want := header.MerkleRoot
	if segwit {
		if v.Coinbases == nil {
			return rejected(RejectMissingCoinbaseInformation, tx), nil
		}
		info, err := v.Coinbases.CoinbaseInformation(blockHash)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return rejected(RejectMissingCoinbaseInformation, tx), nil
		}
		want = info.WitnessMerkleRoot
	}
	if root != want {
		return rejected(RejectMerkleRootMismatch, tx), nil
	}

	confirmations := head - height + 1
	if checkDepth && confirmations < v.MinConfirmations {
		log.Debugf("Transaction %v has %d confirmations, need %d",
			tx.TxHash(), confirmations, v.MinConfirmations)
		return rejected(RejectInsufficientConfirmations, tx), nil
	}

	return &Result{Admitted: true, Tx: tx, BlockHash: blockHash}, nil
}
