// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"sort"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcbridge/bridgedb"
	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcbridge/peg"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// ReleaseBtc queues a pegout of amount to the Bitcoin address to.  Requests
// below the minimum pegout value or for another network are rejected with
// an event and nothing queued.
func (e *Engine) ReleaseBtc(ctx context.Context, rsk RskTx, to btcutil.Address,
	amount btcutil.Amount) error {

	return e.run(ctx, rsk, func(x *execution) error {
		if !to.IsForNet(x.c.Params) {
			x.events.LogReleaseRequestRejected(rsk.Hash, amount, ReleaseWrongNetwork)
			return nil
		}
		if amount < x.c.MinimumPegoutValue {
			x.events.LogReleaseRequestRejected(rsk.Hash, amount, ReleaseLowAmount)
			return nil
		}
		pkScript, err := txscript.PayToAddrScript(to)
		if err != nil {
			return err
		}
		err = x.store.EnqueueReleaseRequest(bridgedb.ReleaseRequest{
			PkScript:  pkScript,
			Amount:    amount,
			RskTxHash: rsk.Hash,
		})
		if err != nil {
			return err
		}
		x.events.LogReleaseRequestReceived(rsk.Hash, pkScript, amount)
		log.Infof("Queued release of %v to %v", amount, to)
		return nil
	})
}

// UpdateCollections is the periodic bridge step.  It migrates retiring
// funds, turns queued releases into transactions, advances federation
// validation and hands one confirmed transaction to the signers.
func (e *Engine) UpdateCollections(ctx context.Context, rsk RskTx) error {
	return e.run(ctx, rsk, func(x *execution) error {
		if _, err := x.federations(); err != nil {
			return err
		}
		p, err := x.headPolicy()
		if err != nil {
			return err
		}
		if err := x.processFundsMigration(&p); err != nil {
			return err
		}
		if err := x.processReleaseRequests(&p); err != nil {
			return err
		}
		if p.FederationValidation {
			if err := x.processSvp(&p); err != nil {
				return err
			}
		}
		return x.processPendingOutbound()
	})
}

// MigrateRetiringFunds moves every retiring federation output to the active
// federation and retires the retiring federation, regardless of its age.
func (e *Engine) MigrateRetiringFunds(ctx context.Context, rsk RskTx) error {
	return e.run(ctx, rsk, func(x *execution) error {
		fc, err := x.federations()
		if err != nil {
			return err
		}
		if fc.Retiring == nil {
			return ErrNoRetiringFederation
		}
		p, err := x.headPolicy()
		if err != nil {
			return err
		}
		if err := x.migrate(fc.Active, &p); err != nil {
			return err
		}
		x.retire(fc.Retiring)
		return nil
	})
}

// processFundsMigration migrates the retiring funds while the active
// federation is inside the migration window, and retires the retiring
// federation once the window is over.
func (x *execution) processFundsMigration(p *peg.Policy) error {
	retiring, err := x.feds.RetiringFederation()
	if err != nil || retiring == nil {
		return err
	}
	active, err := x.feds.ActiveFederation()
	if err != nil {
		return err
	}

	age := x.rsk.BlockNumber - active.CreationBlockNumber()
	begin := x.c.FederationActivationAge + x.c.FundsMigrationAgeBegin
	end := x.c.FederationActivationAge + x.c.FundsMigrationAgeEnd

	switch {
	case age > begin && age < end:
		return x.migrate(active, p)
	case age >= end:
		if err := x.migrate(active, p); err != nil {
			return err
		}
		x.retire(retiring)
	}
	return nil
}

// migrate moves the retiring federation funds to active.  A migration that
// cannot be built leaves the funds in place.
func (x *execution) migrate(active *federation.Federation, p *peg.Policy) error {
	utxos, err := x.feds.RetiringFederationUTXOs()
	if err != nil || len(utxos) == 0 {
		return err
	}

	to := active.P2SHScript()
	res, err := x.builder(utxos, to, p).BuildMigration(to)
	if err != nil {
		return err
	}
	if res.Response != peg.BuildSuccess {
		log.Warnf("Could not build migration of %v: %v", sumCredits(utxos),
			res.Response)
		return nil
	}

	x.feds.SetRetiringFederationUTXOs(removeCredits(utxos, res.Selected))
	if err := x.addOutbound(res, x.rsk.Hash, p); err != nil {
		return err
	}
	log.Infof("Migrating %v in %v", sumCredits(res.Selected), res.Tx.Tx.TxHash())
	return nil
}

// retire drops the retiring federation.  Funds it still holds are no
// longer tracked.
func (x *execution) retire(retiring *federation.Federation) {
	utxos, err := x.feds.RetiringFederationUTXOs()
	if err == nil && len(utxos) > 0 {
		log.Warnf("Retiring federation %v with %v unmigrated",
			retiring.Address(), sumCredits(utxos))
	}
	x.feds.SetRetiringFederation(nil)
	x.feds.SetRetiringFederationUTXOs(nil)
	if x.rules.IsActive(activation.RSKIP186) {
		x.feds.SetLastRetiredFederationP2SHScript(retiring.StandardP2SHScript())
	}
	log.Infof("Retired federation %v", retiring.Address())
}

// processReleaseRequests builds a transaction for each queued release, in
// arrival order.  Releases that cannot be paid yet stay queued.
func (x *execution) processReleaseRequests(p *peg.Policy) error {
	releases, err := x.store.ReleaseRequests()
	if err != nil || len(releases) == 0 {
		return err
	}
	active, err := x.feds.ActiveFederation()
	if err != nil {
		return err
	}
	utxos, err := x.feds.ActiveFederationUTXOs()
	if err != nil {
		return err
	}

	var (
		remaining []bridgedb.ReleaseRequest
		changed   bool
	)
	for i, r := range releases {
		if i >= x.c.MaxReleaseIterations {
			remaining = append(remaining, releases[i:]...)
			break
		}

		res, err := x.builder(utxos, active.P2SHScript(), p).BuildAmountTo(
			r.PkScript, r.Amount)
		if err != nil {
			return err
		}
		if res.Response != peg.BuildSuccess {
			log.Debugf("Release of %v requested in %v deferred: %v",
				r.Amount, r.RskTxHash, res.Response)
			remaining = append(remaining, r)
			continue
		}

		utxos = removeCredits(utxos, res.Selected)
		changed = true
		if err := x.addOutbound(res, r.RskTxHash, p); err != nil {
			return err
		}
		btcTxHash := res.Tx.Tx.TxHash()
		x.events.LogReleaseRequested(r.RskTxHash, btcTxHash, r.Amount)
		log.Infof("Release of %v requested in %v is %v", r.Amount,
			r.RskTxHash, btcTxHash)
	}

	if changed {
		x.feds.SetActiveFederationUTXOs(utxos)
		x.store.SetReleaseRequests(remaining)
	}
	return nil
}

// processPendingOutbound hands the oldest transaction with enough sidechain
// confirmations to the signers.
func (x *execution) processPendingOutbound() error {
	pending, err := x.store.PendingOutbound()
	if err != nil {
		return err
	}
	waiting, err := x.store.WaitingForSignatures()
	if err != nil {
		return err
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].RskHeight < pending[j].RskHeight
	})

	for _, po := range pending {
		confirmations := x.rsk.BlockNumber - po.RskHeight
		if confirmations < x.c.Rsk2BtcMinimumAcceptableConfirmations {
			break
		}
		// One transaction per creating sidechain transaction is signed
		// at a time.
		if _, ok := waiting[po.RskTxHash]; ok {
			continue
		}

		if err := x.store.RemovePendingOutbound(po.Record.Hash); err != nil {
			return err
		}
		tx := po.Record.MsgTx
		if err := x.store.AddWaitingForSignatures(po.RskTxHash, &tx); err != nil {
			return err
		}
		x.events.LogPegoutConfirmed(po.Record.Hash, po.RskHeight)
		log.Infof("Transaction %v confirmed after %d blocks", po.Record.Hash,
			confirmations)
		return nil
	}
	return nil
}
