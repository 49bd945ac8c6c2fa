// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"github.com/btcsuite/btcbridge/peg"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// EventLogger receives the events emitted by bridge operations.  Events of
// an operation are delivered only after its state changes were committed,
// in the order they were emitted.
type EventLogger interface {
	// LogLockBtc reports a registered peg-in before peg-in events were
	// introduced.
	LogLockBtc(dest peg.RskAddress, tx *wire.MsgTx, sender btcutil.Address,
		amount btcutil.Amount)

	// LogPeginBtc reports a registered peg-in.
	LogPeginBtc(dest peg.RskAddress, tx *wire.MsgTx, amount btcutil.Amount,
		protocolVersion int)

	LogRejectedPegin(tx *wire.MsgTx, reason peg.RejectedPeginReason)
	LogUnrefundablePegin(tx *wire.MsgTx, reason peg.UnrefundablePeginReason)

	// LogReleaseBtcRequested reports a refund created for a rejected
	// peg-in or flyover deposit.
	LogReleaseBtcRequested(rskTxHash chainhash.Hash, tx *wire.MsgTx,
		amount btcutil.Amount)

	// LogPegoutTransactionCreated reports the values of the outputs spent
	// by a new federation transaction.
	LogPegoutTransactionCreated(btcTxHash chainhash.Hash, spent []btcutil.Amount)

	LogReleaseRequestReceived(rskTxHash chainhash.Hash, pkScript []byte,
		amount btcutil.Amount)
	LogReleaseRequestRejected(rskTxHash chainhash.Hash, amount btcutil.Amount,
		reason ReleaseRejection)

	// LogReleaseRequested reports a queued release that was turned into
	// a Bitcoin transaction.
	LogReleaseRequested(rskTxHash, btcTxHash chainhash.Hash, amount btcutil.Amount)

	// LogPegoutConfirmed reports a transaction handed to the signers.
	LogPegoutConfirmed(btcTxHash chainhash.Hash, rskHeight int64)

	LogCommitFederation(oldFed, newFed []byte, activationHeight int64)
	LogCommitFederationFailed(proposed []byte, height int64)
}

// ReleaseRejection is the reason a release request was not queued.
type ReleaseRejection uint8

// These constants define the release rejections.
const (
	ReleaseLowAmount ReleaseRejection = iota + 1
	ReleaseWrongNetwork
)

func (r ReleaseRejection) String() string {
	switch r {
	case ReleaseLowAmount:
		return "LOW_AMOUNT"
	case ReleaseWrongNetwork:
		return "INVALID_DESTINATION"
	}
	return "unknown"
}

// eventBuffer holds the events of an operation until it is committed.
type eventBuffer struct {
	pending []func(EventLogger)
}

func (b *eventBuffer) add(f func(EventLogger)) {
	b.pending = append(b.pending, f)
}

func (b *eventBuffer) flush(l EventLogger) {
	if l == nil {
		return
	}
	for _, f := range b.pending {
		f(l)
	}
	b.pending = nil
}

func (b *eventBuffer) LogLockBtc(dest peg.RskAddress, tx *wire.MsgTx,
	sender btcutil.Address, amount btcutil.Amount) {

	b.add(func(l EventLogger) { l.LogLockBtc(dest, tx, sender, amount) })
}

func (b *eventBuffer) LogPeginBtc(dest peg.RskAddress, tx *wire.MsgTx,
	amount btcutil.Amount, protocolVersion int) {

	b.add(func(l EventLogger) { l.LogPeginBtc(dest, tx, amount, protocolVersion) })
}

func (b *eventBuffer) LogRejectedPegin(tx *wire.MsgTx, reason peg.RejectedPeginReason) {
	b.add(func(l EventLogger) { l.LogRejectedPegin(tx, reason) })
}

func (b *eventBuffer) LogUnrefundablePegin(tx *wire.MsgTx,
	reason peg.UnrefundablePeginReason) {

	b.add(func(l EventLogger) { l.LogUnrefundablePegin(tx, reason) })
}

func (b *eventBuffer) LogReleaseBtcRequested(rskTxHash chainhash.Hash,
	tx *wire.MsgTx, amount btcutil.Amount) {

	b.add(func(l EventLogger) { l.LogReleaseBtcRequested(rskTxHash, tx, amount) })
}

func (b *eventBuffer) LogPegoutTransactionCreated(btcTxHash chainhash.Hash,
	spent []btcutil.Amount) {

	b.add(func(l EventLogger) { l.LogPegoutTransactionCreated(btcTxHash, spent) })
}

func (b *eventBuffer) LogReleaseRequestReceived(rskTxHash chainhash.Hash,
	pkScript []byte, amount btcutil.Amount) {

	b.add(func(l EventLogger) { l.LogReleaseRequestReceived(rskTxHash, pkScript, amount) })
}

func (b *eventBuffer) LogReleaseRequestRejected(rskTxHash chainhash.Hash,
	amount btcutil.Amount, reason ReleaseRejection) {

	b.add(func(l EventLogger) { l.LogReleaseRequestRejected(rskTxHash, amount, reason) })
}

func (b *eventBuffer) LogReleaseRequested(rskTxHash, btcTxHash chainhash.Hash,
	amount btcutil.Amount) {

	b.add(func(l EventLogger) { l.LogReleaseRequested(rskTxHash, btcTxHash, amount) })
}

func (b *eventBuffer) LogPegoutConfirmed(btcTxHash chainhash.Hash, rskHeight int64) {
	b.add(func(l EventLogger) { l.LogPegoutConfirmed(btcTxHash, rskHeight) })
}

func (b *eventBuffer) LogCommitFederation(oldFed, newFed []byte, activationHeight int64) {
	b.add(func(l EventLogger) { l.LogCommitFederation(oldFed, newFed, activationHeight) })
}

func (b *eventBuffer) LogCommitFederationFailed(proposed []byte, height int64) {
	b.add(func(l EventLogger) { l.LogCommitFederationFailed(proposed, height) })
}
