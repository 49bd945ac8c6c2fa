// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"

	"github.com/btcsuite/btcbridge/bridge"
	"github.com/btcsuite/btcbridge/peg"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// eventLog writes bridge events to the log.
type eventLog struct{}

var _ bridge.EventLogger = eventLog{}

func (eventLog) LogLockBtc(dest peg.RskAddress, tx *wire.MsgTx, sender btcutil.Address,
	amount btcutil.Amount) {

	log.Infof("lock_btc: %v from %v locked %v for %x", tx.TxHash(), sender,
		amount, dest[:])
}

func (eventLog) LogPeginBtc(dest peg.RskAddress, tx *wire.MsgTx,
	amount btcutil.Amount, protocolVersion int) {

	log.Infof("pegin_btc: %v locked %v for %x (protocol %d)", tx.TxHash(),
		amount, dest[:], protocolVersion)
}

func (eventLog) LogRejectedPegin(tx *wire.MsgTx, reason peg.RejectedPeginReason) {
	log.Infof("rejected_pegin: %v: %v", tx.TxHash(), reason)
}

func (eventLog) LogUnrefundablePegin(tx *wire.MsgTx, reason peg.UnrefundablePeginReason) {
	log.Infof("unrefundable_pegin: %v: %v", tx.TxHash(), reason)
}

func (eventLog) LogReleaseBtcRequested(rskTxHash chainhash.Hash, tx *wire.MsgTx,
	amount btcutil.Amount) {

	log.Infof("release_btc_requested: %v releases %v (sidechain tx %x)",
		tx.TxHash(), amount, rskTxHash[:])
}

func (eventLog) LogPegoutTransactionCreated(btcTxHash chainhash.Hash,
	spent []btcutil.Amount) {

	log.Infof("pegout_transaction_created: %v spends %v", btcTxHash, spent)
}

func (eventLog) LogReleaseRequestReceived(rskTxHash chainhash.Hash, pkScript []byte,
	amount btcutil.Amount) {

	log.Infof("release_request_received: %v to %x (sidechain tx %x)", amount,
		pkScript, rskTxHash[:])
}

func (eventLog) LogReleaseRequestRejected(rskTxHash chainhash.Hash,
	amount btcutil.Amount, reason bridge.ReleaseRejection) {

	log.Infof("release_request_rejected: %v: %v (sidechain tx %x)", amount,
		reason, rskTxHash[:])
}

func (eventLog) LogReleaseRequested(rskTxHash, btcTxHash chainhash.Hash,
	amount btcutil.Amount) {

	log.Infof("release_requested: %v releases %v (sidechain tx %x)",
		btcTxHash, amount, rskTxHash[:])
}

func (eventLog) LogPegoutConfirmed(btcTxHash chainhash.Hash, rskHeight int64) {
	log.Infof("pegout_confirmed: %v created at sidechain block %d",
		btcTxHash, rskHeight)
}

func (eventLog) LogCommitFederation(oldFed, newFed []byte, activationHeight int64) {
	log.Infof("commit_federation: %s replaced by %s, active at %d",
		hex.EncodeToString(oldFed), hex.EncodeToString(newFed),
		activationHeight)
}

func (eventLog) LogCommitFederationFailed(proposed []byte, height int64) {
	log.Infof("commit_federation_failed: %x at %d", proposed, height)
}
