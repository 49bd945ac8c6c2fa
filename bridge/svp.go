// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"bytes"
	"context"
	"errors"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcbridge/peg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ProposeFederation stores fed as the federation to hand custody to.  A
// proposal is rejected while a previous change is unfinished.
func (e *Engine) ProposeFederation(ctx context.Context, rsk RskTx,
	fed *federation.Federation) error {

	return e.run(ctx, rsk, func(x *execution) error {
		if _, err := x.federations(); err != nil {
			return err
		}
		proposed, err := x.feds.ProposedFederation()
		if err != nil {
			return err
		}
		retiring, err := x.feds.RetiringFederation()
		if err != nil {
			return err
		}
		if proposed != nil || retiring != nil {
			return ErrFederationChangeInProgress
		}

		x.feds.SetProposedFederation(fed)
		x.clearSvp()
		log.Infof("Proposed federation %v", fed.Address())
		return nil
	})
}

// CommitProposedFederation makes the proposed federation active without
// validation.  Once validation is enabled the proposed federation is only
// committed when its validation spend is registered.
func (e *Engine) CommitProposedFederation(ctx context.Context, rsk RskTx) error {
	return e.run(ctx, rsk, func(x *execution) error {
		if x.rules.IsActive(activation.RSKIP419) {
			return ErrValidationRequired
		}
		proposed, err := x.feds.ProposedFederation()
		if err != nil {
			return err
		}
		if proposed == nil {
			return ErrNoProposedFederation
		}
		p, err := x.headPolicy()
		if err != nil {
			return err
		}
		return x.commitProposed(proposed, &p)
	})
}

// CreateSvpFundTransaction funds the proposed federation and its flyover
// validation address from the active federation.
func (e *Engine) CreateSvpFundTransaction(ctx context.Context, rsk RskTx) error {
	return e.run(ctx, rsk, func(x *execution) error {
		if err := x.requireRule("CreateSvpFundTransaction", activation.RSKIP419); err != nil {
			return err
		}
		proposed, err := x.ongoingValidation()
		if err != nil {
			return err
		}
		fund, err := x.store.SvpFundTxHashUnsigned()
		if err != nil {
			return err
		}
		signed, err := x.store.SvpFundTxSigned()
		if err != nil {
			return err
		}
		spend, err := x.store.SvpSpendTxHashUnsigned()
		if err != nil {
			return err
		}
		if fund.IsSome() || signed != nil || spend.IsSome() {
			return ErrValidationNotOngoing
		}
		p, err := x.headPolicy()
		if err != nil {
			return err
		}
		return x.createSvpFund(proposed, &p)
	})
}

// CreateSvpSpendTransaction hands the signers the transaction returning the
// validation funds of the signed fund transaction to the active federation.
func (e *Engine) CreateSvpSpendTransaction(ctx context.Context, rsk RskTx) error {
	return e.run(ctx, rsk, func(x *execution) error {
		if err := x.requireRule("CreateSvpSpendTransaction", activation.RSKIP419); err != nil {
			return err
		}
		proposed, err := x.ongoingValidation()
		if err != nil {
			return err
		}
		signed, err := x.store.SvpFundTxSigned()
		if err != nil {
			return err
		}
		if signed == nil {
			return ErrValidationNotOngoing
		}
		p, err := x.headPolicy()
		if err != nil {
			return err
		}
		return x.createSvpSpend(proposed, signed, &p)
	})
}

// ongoingValidation returns the proposed federation if its validation
// period has not ended.
func (x *execution) ongoingValidation() (*federation.Federation, error) {
	proposed, err := x.feds.ProposedFederation()
	if err != nil {
		return nil, err
	}
	if proposed == nil {
		return nil, ErrNoProposedFederation
	}
	if !x.svpOngoing(proposed) {
		return nil, ErrValidationNotOngoing
	}
	return proposed, nil
}

func (x *execution) svpOngoing(proposed *federation.Federation) bool {
	end := proposed.CreationBlockNumber() + x.c.ValidationPeriodDuration
	return x.rsk.BlockNumber < end
}

func (x *execution) clearSvp() {
	x.store.SetSvpFundTxHashUnsigned(fn.None[chainhash.Hash]())
	x.store.SetSvpFundTxSigned(nil)
	x.store.SetSvpSpendTxHashUnsigned(fn.None[chainhash.Hash]())
}

// processSvp advances the validation of the proposed federation by one
// step, discarding it once the validation period is over.
func (x *execution) processSvp(p *peg.Policy) error {
	proposed, err := x.feds.ProposedFederation()
	if err != nil || proposed == nil {
		return err
	}

	if !x.svpOngoing(proposed) {
		log.Warnf("Validation of proposed federation %v failed",
			proposed.Address())
		x.feds.SetProposedFederation(nil)
		x.clearSvp()
		x.events.LogCommitFederationFailed(proposed.P2SHScript(), x.rsk.BlockNumber)
		return nil
	}

	fund, err := x.store.SvpFundTxHashUnsigned()
	if err != nil {
		return err
	}
	signed, err := x.store.SvpFundTxSigned()
	if err != nil {
		return err
	}
	spend, err := x.store.SvpSpendTxHashUnsigned()
	if err != nil {
		return err
	}
	switch {
	case fund.IsNone() && signed == nil && spend.IsNone():
		return x.createSvpFund(proposed, p)
	case signed != nil && spend.IsNone():
		return x.createSvpSpend(proposed, signed, p)
	}
	return nil
}

func (x *execution) createSvpFund(proposed *federation.Federation, p *peg.Policy) error {
	active, err := x.feds.ActiveFederation()
	if err != nil {
		return err
	}
	utxos, err := x.feds.ActiveFederationUTXOs()
	if err != nil {
		return err
	}

	res, err := x.builder(utxos, active.P2SHScript(), p).BuildSvpFund(
		proposed, x.c.ProposedFlyoverPrefix, x.c.SvpFundTxOutputsValue)
	if err != nil {
		return err
	}
	if res.Response != peg.BuildSuccess {
		log.Warnf("Could not build validation fund transaction: %v", res.Response)
		return nil
	}

	x.feds.SetActiveFederationUTXOs(removeCredits(utxos, res.Selected))
	if err := x.addOutbound(res, x.rsk.Hash, p); err != nil {
		return err
	}
	fundHash := res.Tx.Tx.TxHash()
	x.store.SetSvpFundTxHashUnsigned(fn.Some(fundHash))
	log.Infof("Created validation fund transaction %v", fundHash)
	return nil
}

func (x *execution) createSvpSpend(proposed *federation.Federation,
	fund *wire.MsgTx, p *peg.Policy) error {

	prefix := x.c.ProposedFlyoverPrefix
	proposedScript := proposed.P2SHScript()
	flyoverScript := proposed.FlyoverP2SHScript(prefix)
	credits := outputCredits(fund, [][]byte{proposedScript, flyoverScript})

	active, err := x.feds.ActiveFederation()
	if err != nil {
		return err
	}
	b := x.builder(credits, active.P2SHScript(), p)
	b.Redeem = func(pkScript []byte) ([]byte, error) {
		switch {
		case bytes.Equal(pkScript, proposedScript):
			return proposed.RedeemScript(), nil
		case bytes.Equal(pkScript, flyoverScript):
			return proposed.FlyoverRedeemScript(prefix), nil
		}
		return nil, &ScriptError{PkScript: pkScript}
	}
	res, err := b.BuildEmptyWalletTo(active.P2SHScript())
	if err != nil {
		return err
	}
	if res.Response != peg.BuildSuccess {
		log.Warnf("Could not build validation spend transaction: %v", res.Response)
		return nil
	}

	spend := res.Tx.Tx
	if err := x.store.AddWaitingForSignatures(x.rsk.Hash, spend); err != nil {
		return err
	}
	if p.RecordPegoutSigHash {
		if h, ok := peg.FirstInputSigHash(spend); ok {
			if err := x.store.AddPegoutSigHash(h); err != nil {
				return err
			}
		}
	}
	if p.LogPegoutCreated {
		x.events.LogPegoutTransactionCreated(spend.TxHash(), res.Tx.PrevInputValues)
	}
	x.store.SetSvpSpendTxHashUnsigned(fn.Some(spend.TxHash()))
	x.store.SetSvpFundTxSigned(nil)
	log.Infof("Created validation spend transaction %v", spend.TxHash())
	return nil
}

// registerSvpTx records the registration of the validation transactions.
// Registering the spend proves the proposed federation can sign, so it is
// committed.
func (x *execution) registerSvpTx(tx *wire.MsgTx, p *peg.Policy) error {
	proposed, err := x.feds.ProposedFederation()
	if err != nil || proposed == nil {
		return err
	}
	unsigned := peg.UnsignedTxHash(tx)

	fund, err := x.store.SvpFundTxHashUnsigned()
	if err != nil {
		return err
	}
	if isHash(fund, unsigned) {
		log.Infof("Registered validation fund transaction %v", tx.TxHash())
		x.store.SetSvpFundTxHashUnsigned(fn.None[chainhash.Hash]())
		x.store.SetSvpFundTxSigned(tx)
		return nil
	}

	spend, err := x.store.SvpSpendTxHashUnsigned()
	if err != nil {
		return err
	}
	if !isHash(spend, unsigned) {
		return nil
	}
	log.Infof("Registered validation spend transaction %v", tx.TxHash())
	x.store.SetSvpSpendTxHashUnsigned(fn.None[chainhash.Hash]())

	err = x.commitProposed(proposed, p)
	if errors.Is(err, ErrFederationChangeInProgress) {
		log.Warnf("Cannot commit %v: %v", proposed.Address(), err)
		x.feds.SetProposedFederation(nil)
		x.clearSvp()
		x.events.LogCommitFederationFailed(proposed.P2SHScript(), x.rsk.BlockNumber)
		return nil
	}
	return err
}

// commitProposed hands custody to proposed.  The active federation and its
// funds become the retiring ones.
func (x *execution) commitProposed(proposed *federation.Federation, p *peg.Policy) error {
	active, err := x.feds.ActiveFederation()
	if err != nil {
		return err
	}
	if active == nil {
		return ErrNoActiveFederation
	}
	retiring, err := x.feds.RetiringFederation()
	if err != nil {
		return err
	}
	if retiring != nil {
		return ErrFederationChangeInProgress
	}

	utxos, err := x.feds.ActiveFederationUTXOs()
	if err != nil {
		return err
	}
	x.feds.SetRetiringFederationUTXOs(utxos)
	x.feds.SetActiveFederationUTXOs(nil)
	x.feds.SetRetiringFederation(active)
	x.feds.SetActiveFederation(proposed)
	x.feds.SetProposedFederation(nil)
	x.clearSvp()

	activationHeight := x.rsk.BlockNumber + x.c.FederationActivationAge
	if p.RetirementRecords {
		x.feds.SetFederationCreationHeights(proposed.CreationBlockNumber(),
			activationHeight)
	}
	x.events.LogCommitFederation(active.P2SHScript(), proposed.P2SHScript(),
		activationHeight)
	log.Infof("Committed federation %v, retiring %v", proposed.Address(),
		active.Address())
	return nil
}

func isHash(o fn.Option[chainhash.Hash], h chainhash.Hash) bool {
	return o.IsSome() && o.UnwrapOr(chainhash.Hash{}) == h
}
