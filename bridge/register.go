// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"errors"

	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcbridge/peg"
	"github.com/btcsuite/btcbridge/spv"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/davecgh/go-spew/spew"
)

// RegisterBtcTransaction registers a Bitcoin transaction included at height
// according to the partial merkle tree pmt.  Transactions that are
// malformed, unproven, already processed or unrelated to the bridge are
// ignored without error.  Errors are only returned for storage failures
// and corrupt state, in which case nothing is changed.
func (e *Engine) RegisterBtcTransaction(ctx context.Context, rsk RskTx,
	btcTx []byte, height int32, pmt []byte) error {

	return e.run(ctx, rsk, func(x *execution) error {
		tx, err := spv.DecodeTx(btcTx)
		if err != nil {
			log.Debugf("Ignoring undecodable transaction: %v", err)
			return nil
		}
		txHash := tx.TxHash()
		processed, err := x.isProcessed(txHash)
		if err != nil {
			return err
		}
		if processed {
			log.Debugf("Transaction %v already processed", txHash)
			return nil
		}

		verifier := &spv.Verifier{
			Headers:          e.cfg.Headers,
			Coinbases:        x.store,
			MinConfirmations: x.c.Btc2RskMinimumAcceptableConfirmations,
		}
		res, err := verifier.Verify(btcTx, height, pmt)
		if err != nil {
			return err
		}
		if !res.Admitted {
			log.Infof("Transaction %v not admitted: %v", txHash, res.Reason)
			return nil
		}

		meta := wtxmgr.BlockMeta{
			Block: wtxmgr.Block{Hash: res.BlockHash, Height: height},
		}
		return x.registerTx(res.Tx, meta)
	})
}

func (x *execution) registerTx(tx *wire.MsgTx, meta wtxmgr.BlockMeta) error {
	fc, err := x.federations()
	if err != nil {
		return err
	}
	p := x.policy(meta.Block.Height)

	classifier := &peg.Classifier{
		Policy:              &p,
		Federations:         fc,
		SigHashes:           x.store,
		OldFederationScript: x.e.oldFedScript,
	}
	typ, err := classifier.Classify(tx)
	if err != nil {
		return err
	}

	switch typ {
	case peg.TxPegin:
		return x.registerPegin(tx, meta, &p, fc)
	case peg.TxPegoutOrMigration:
		return x.registerPegoutOrMigration(tx, meta, &p, fc)
	}
	log.Warnf("Transaction %v is not a peg-in, peg-out or migration",
		tx.TxHash())
	log.Tracef("Unrelated transaction: %v", newLogClosure(func() string {
		return spew.Sdump(tx)
	}))
	return nil
}

func (x *execution) registerPegin(tx *wire.MsgTx, meta wtxmgr.BlockMeta,
	p *peg.Policy, fc *peg.FederationContext) error {

	txHash := tx.TxHash()
	live := fc.Live()
	info, parseErr := peg.ParsePeginInformation(tx, p, x.c.Params)

	var eval peg.PeginEvaluation
	if p.EvaluatePegins {
		eval = peg.EvaluatePegin(tx, info, parseErr, p, live)
	} else {
		eval = peg.EvaluateLegacyPegin(tx, info, parseErr, p, live)
	}

	var total btcutil.Amount
	for _, fed := range live {
		for _, out := range peg.OutputsTo(tx, fed.P2SHScript()) {
			total += btcutil.Amount(out.Value)
		}
	}

	if eval.Action == peg.PeginRegister && p.CheckLockingCap {
		ok, err := x.lockable(total)
		if err != nil {
			return err
		}
		if !ok {
			log.Infof("Peg-in %v of %v surpasses the locking cap", txHash, total)
			eval = peg.CapSurpassed(info)
		}
	}

	log.Debugf("Peg-in %v evaluated as %v", txHash, eval.Action)
	switch eval.Action {
	case peg.PeginIgnore:
		log.Infof("Ignoring peg-in %v (%v)", txHash, eval.Rejected)

	case peg.PeginRegister:
		if err := x.executePegin(tx, meta, info, total, p, fc); err != nil {
			return err
		}

	case peg.PeginRefund:
		x.events.LogRejectedPegin(tx, eval.Rejected)
		err := x.refund(tx, outputCredits(tx, fedScriptsOf(live)),
			info.RefundAddress, total, p)
		if err != nil {
			return err
		}

	case peg.PeginNoRefund:
		x.events.LogRejectedPegin(tx, eval.Rejected)
		x.events.LogUnrefundablePegin(tx, eval.Unrefundable(info.ProtocolVersion))
	}

	if eval.MarkProcessed {
		return x.markProcessed(txHash)
	}
	return nil
}

// executePegin credits the federation outputs of a valid peg-in.
func (x *execution) executePegin(tx *wire.MsgTx, meta wtxmgr.BlockMeta,
	info *peg.PeginInformation, total btcutil.Amount, p *peg.Policy,
	fc *peg.FederationContext) error {

	if info == nil || info.RskDestination.IsNone() {
		return errors.New("bridge: registered peg-in has no destination")
	}
	dest := info.RskDestination.UnwrapOr(peg.RskAddress{})

	_, err := x.creditOutputs(tx, meta, fedScripts(fc.Active), fedScripts(fc.Retiring))
	if err != nil {
		return err
	}

	if p.LogPeginBtc {
		x.events.LogPeginBtc(dest, tx, total, info.ProtocolVersion)
	} else {
		x.events.LogLockBtc(dest, tx, info.Sender.Address, total)
	}
	log.Infof("Registered peg-in %v of %v to %v", tx.TxHash(), total, dest)
	return nil
}

// refund returns credits to refundAddress.  A refund that cannot be built
// is reported as unrefundable.
func (x *execution) refund(tx *wire.MsgTx, credits []wtxmgr.Credit,
	refundAddress btcutil.Address, amount btcutil.Amount, p *peg.Policy) error {

	pkScript, err := txscript.PayToAddrScript(refundAddress)
	if err != nil {
		return err
	}
	active, err := x.feds.ActiveFederation()
	if err != nil {
		return err
	}

	res, err := x.builder(credits, active.P2SHScript(), p).BuildEmptyWalletTo(pkScript)
	if err != nil {
		return err
	}
	if res.Response != peg.BuildSuccess {
		log.Warnf("Could not build refund for %v: %v", tx.TxHash(), res.Response)
		x.events.LogUnrefundablePegin(tx, peg.UnrefundableRefundTxFailed)
		return nil
	}

	if err := x.addOutbound(res, x.rsk.Hash, p); err != nil {
		return err
	}
	x.events.LogReleaseBtcRequested(x.rsk.Hash, res.Tx.Tx, amount)
	log.Infof("Refunding %v of %v to %v in %v", amount, tx.TxHash(),
		refundAddress, res.Tx.Tx.TxHash())
	return nil
}

// registerPegoutOrMigration accounts for a transaction spending federation
// funds.  No events are emitted.
func (x *execution) registerPegoutOrMigration(tx *wire.MsgTx,
	meta wtxmgr.BlockMeta, p *peg.Policy, fc *peg.FederationContext) error {

	txHash := tx.TxHash()
	if err := x.markProcessed(txHash); err != nil {
		return err
	}
	if err := x.debitSpent(tx); err != nil {
		return err
	}
	change, err := x.creditOutputs(tx, meta, fedScripts(fc.Active),
		fedScripts(fc.Retiring))
	if err != nil {
		return err
	}
	log.Infof("Registered federation spend %v with %v change", txHash, change)

	if !p.FederationValidation {
		return nil
	}
	return x.registerSvpTx(tx, p)
}

func fedScriptsOf(feds []*federation.Federation) [][]byte {
	scripts := make([][]byte, 0, len(feds))
	for _, fed := range feds {
		scripts = append(scripts, fed.P2SHScript())
	}
	return scripts
}
