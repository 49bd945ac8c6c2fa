// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"bytes"
	"context"
	"time"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcbridge/bridgedb"
	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcbridge/peg"
	"github.com/btcsuite/btcbridge/spv"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// FeePerKbProvider returns the fee rate used for federation transactions.
type FeePerKbProvider interface {
	FeePerKb() btcutil.Amount
}

// StaticFeePerKb is a fixed fee rate.
type StaticFeePerKb btcutil.Amount

// FeePerKb returns f.
func (f StaticFeePerKb) FeePerKb() btcutil.Amount { return btcutil.Amount(f) }

// RskTx identifies the sidechain transaction an operation executes in.
type RskTx struct {
	Hash        chainhash.Hash
	BlockNumber int64
}

// Config holds the dependencies of an Engine.
type Config struct {
	DB          walletdb.DB
	Constants   *peg.Constants
	Activations *activation.Config
	Headers     spv.HeaderChain
	FeePerKb    FeePerKbProvider

	// Events receives the events of committed operations.  It may be
	// nil.
	Events EventLogger
}

// Engine executes bridge operations.  Every operation runs in a single
// database transaction: either all of its state changes and events are
// committed or none are.
type Engine struct {
	cfg          Config
	oldFedScript []byte
}

// New returns an engine over cfg.DB, creating the bridge namespace if it
// does not exist yet.
func New(cfg *Config) (*Engine, error) {
	err := bridgedb.Open(cfg.DB)
	if bridgedb.IsError(err, bridgedb.ErrNoExist) {
		err = bridgedb.Create(cfg.DB)
	}
	if err != nil {
		return nil, err
	}
	oldFed, err := cfg.Constants.OldFederationScript()
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: *cfg, oldFedScript: oldFed}, nil
}

// execution is the state of one operation.
type execution struct {
	e      *Engine
	c      *peg.Constants
	rsk    RskTx
	rules  activation.ForBlock
	feds   *bridgedb.FederationProvider
	store  *bridgedb.BridgeProvider
	events *eventBuffer
}

// run executes f for rsk in a writable transaction.  The providers are
// saved when f succeeds, and the events are delivered once the
// transaction committed.
func (e *Engine) run(ctx context.Context, rsk RskTx, f func(x *execution) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var events eventBuffer
	err := walletdb.Update(e.cfg.DB, func(tx walletdb.ReadWriteTx) error {
		ns := bridgedb.NamespaceRW(tx)
		x := &execution{
			e:      e,
			c:      e.cfg.Constants,
			rsk:    rsk,
			rules:  e.cfg.Activations.ForBlock(rsk.BlockNumber),
			feds:   bridgedb.NewFederationProvider(ns, e.cfg.Constants.Params),
			store:  bridgedb.NewBridgeProvider(ns),
			events: &events,
		}
		if err := f(x); err != nil {
			return err
		}
		if err := x.feds.Save(x.rules); err != nil {
			return err
		}
		return x.store.Save(x.rules)
	})
	if err != nil {
		return err
	}
	events.flush(e.cfg.Events)
	return nil
}

// view executes f in a read-only transaction.
func (e *Engine) view(rskHeight int64, f func(x *execution) error) error {
	return walletdb.View(e.cfg.DB, func(tx walletdb.ReadTx) error {
		ns := bridgedb.Namespace(tx)
		x := &execution{
			e:      e,
			c:      e.cfg.Constants,
			rsk:    RskTx{BlockNumber: rskHeight},
			rules:  e.cfg.Activations.ForBlock(rskHeight),
			feds:   bridgedb.NewFederationProvider(ns, e.cfg.Constants.Params),
			store:  bridgedb.NewBridgeProvider(ns),
			events: &eventBuffer{},
		}
		return f(x)
	})
}

// Bootstrap stores genesis as the active federation of an empty bridge.
func (e *Engine) Bootstrap(ctx context.Context, rsk RskTx,
	genesis *federation.Federation) error {

	return e.run(ctx, rsk, func(x *execution) error {
		active, err := x.feds.ActiveFederation()
		if err != nil {
			return err
		}
		if active != nil {
			return ErrAlreadyBootstrapped
		}
		x.feds.SetActiveFederation(genesis)
		log.Infof("Bootstrapped bridge with federation %v", genesis.Address())
		return nil
	})
}

func (x *execution) requireRule(op string, r activation.Rule) error {
	if !x.rules.IsActive(r) {
		return &RuleError{Op: op, Rule: r}
	}
	return nil
}

func (x *execution) federations() (*peg.FederationContext, error) {
	active, err := x.feds.ActiveFederation()
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, ErrNoActiveFederation
	}
	retiring, err := x.feds.RetiringFederation()
	if err != nil {
		return nil, err
	}
	retired, err := x.feds.LastRetiredFederationP2SHScript()
	if err != nil {
		return nil, err
	}
	return &peg.FederationContext{
		Active:          active,
		Retiring:        retiring,
		LastRetiredP2SH: retired.UnwrapOr(nil),
	}, nil
}

// policy returns the policy for the current block at Bitcoin height
// btcHeight.
func (x *execution) policy(btcHeight int32) peg.Policy {
	return peg.PolicyFor(x.rules, btcHeight, x.c)
}

// headPolicy is policy at the head of the header chain.
func (x *execution) headPolicy() (peg.Policy, error) {
	head, err := x.e.cfg.Headers.ChainHeadHeight()
	if err != nil {
		return peg.Policy{}, err
	}
	return x.policy(head), nil
}

// lockingCap returns the stored cap, defaulting to the initial one.
func (x *execution) lockingCap() (btcutil.Amount, error) {
	stored, err := x.store.LockingCap()
	if err != nil {
		return 0, err
	}
	return stored.UnwrapOr(x.c.InitialLockingCap), nil
}

// lockedBalance is the value held by the active and retiring federations.
func (x *execution) lockedBalance() (btcutil.Amount, error) {
	active, err := x.feds.ActiveFederationUTXOs()
	if err != nil {
		return 0, err
	}
	retiring, err := x.feds.RetiringFederationUTXOs()
	if err != nil {
		return 0, err
	}
	return sumCredits(active) + sumCredits(retiring), nil
}

// lockable reports whether amount more can be locked without surpassing
// the locking cap.
func (x *execution) lockable(amount btcutil.Amount) (bool, error) {
	lockingCap, err := x.lockingCap()
	if err != nil {
		return false, err
	}
	locked, err := x.lockedBalance()
	if err != nil {
		return false, err
	}
	return locked+amount <= lockingCap, nil
}

// redeemScript returns the script spending outputs paying pkScript.
// Federation and flyover outputs of every stored federation are known.
func (x *execution) redeemScript(pkScript []byte) ([]byte, error) {
	var feds []*federation.Federation
	for _, get := range []func() (*federation.Federation, error){
		x.feds.ActiveFederation,
		x.feds.RetiringFederation,
		x.feds.ProposedFederation,
	} {
		fed, err := get()
		if err != nil {
			return nil, err
		}
		if fed == nil {
			continue
		}
		if bytes.Equal(pkScript, fed.P2SHScript()) {
			return fed.RedeemScript(), nil
		}
		feds = append(feds, fed)
	}

	derivation, err := x.store.FlyoverDerivationForScript(pkScript)
	if err != nil {
		return nil, err
	}
	if derivation.IsSome() {
		h := [32]byte(derivation.UnwrapOr(chainhash.Hash{}))
		for _, fed := range feds {
			if bytes.Equal(pkScript, fed.FlyoverP2SHScript(h)) {
				return fed.FlyoverRedeemScript(h), nil
			}
		}
	}
	return nil, &ScriptError{PkScript: pkScript}
}

func (x *execution) builder(credits []wtxmgr.Credit, changeScript []byte,
	p *peg.Policy) *peg.ReleaseBuilder {

	return &peg.ReleaseBuilder{
		Credits:      credits,
		Redeem:       x.redeemScript,
		ChangeScript: changeScript,
		FeePerKb:     x.e.cfg.FeePerKb.FeePerKb(),
		TxVersion:    p.TxVersion,
		MaxTxSize:    x.c.MaxTxSize,
	}
}

// addOutbound queues a built transaction until it has enough sidechain
// confirmations to be signed.
func (x *execution) addOutbound(built *peg.BuildResult, rskTxHash chainhash.Hash,
	p *peg.Policy) error {

	tx := built.Tx.Tx
	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, time.Time{})
	if err != nil {
		return err
	}
	err = x.store.AddPendingOutbound(&bridgedb.PendingOutbound{
		Record:    rec,
		RskHeight: x.rsk.BlockNumber,
		RskTxHash: rskTxHash,
	})
	if err != nil {
		return err
	}

	if p.RecordPegoutSigHash {
		if h, ok := peg.FirstInputSigHash(tx); ok {
			if err := x.store.AddPegoutSigHash(h); err != nil {
				return err
			}
		}
	}
	if p.LogPegoutCreated {
		x.events.LogPegoutTransactionCreated(tx.TxHash(), built.Tx.PrevInputValues)
	}
	return nil
}

// creditOutputs adds the outputs of tx paying activeScripts to the active
// federation UTXOs and those paying retiringScripts to the retiring ones.
// It returns the total credited.
func (x *execution) creditOutputs(tx *wire.MsgTx, meta wtxmgr.BlockMeta,
	activeScripts, retiringScripts [][]byte) (btcutil.Amount, error) {

	var total btcutil.Amount
	add := func(credits []wtxmgr.Credit, scripts [][]byte) []wtxmgr.Credit {
		txHash := tx.TxHash()
		for i, out := range tx.TxOut {
			if !containsScript(scripts, out.PkScript) {
				continue
			}
			op := wire.OutPoint{Hash: txHash, Index: uint32(i)}
			if hasOutPoint(credits, op) {
				continue
			}
			credits = append(credits, wtxmgr.Credit{
				OutPoint:  op,
				BlockMeta: meta,
				Amount:    btcutil.Amount(out.Value),
				PkScript:  out.PkScript,
			})
			total += btcutil.Amount(out.Value)
		}
		return credits
	}

	if len(activeScripts) > 0 {
		credits, err := x.feds.ActiveFederationUTXOs()
		if err != nil {
			return 0, err
		}
		x.feds.SetActiveFederationUTXOs(add(credits, activeScripts))
	}
	if len(retiringScripts) > 0 {
		credits, err := x.feds.RetiringFederationUTXOs()
		if err != nil {
			return 0, err
		}
		x.feds.SetRetiringFederationUTXOs(add(credits, retiringScripts))
	}
	return total, nil
}

// debitSpent removes the federation UTXOs spent by tx.
func (x *execution) debitSpent(tx *wire.MsgTx) error {
	spent := make(map[wire.OutPoint]struct{}, len(tx.TxIn))
	for _, in := range tx.TxIn {
		spent[in.PreviousOutPoint] = struct{}{}
	}
	keep := func(credits []wtxmgr.Credit) ([]wtxmgr.Credit, bool) {
		kept := credits[:0:0]
		for _, c := range credits {
			if _, ok := spent[c.OutPoint]; !ok {
				kept = append(kept, c)
			}
		}
		return kept, len(kept) != len(credits)
	}

	active, err := x.feds.ActiveFederationUTXOs()
	if err != nil {
		return err
	}
	if kept, changed := keep(active); changed {
		x.feds.SetActiveFederationUTXOs(kept)
	}
	retiring, err := x.feds.RetiringFederationUTXOs()
	if err != nil {
		return err
	}
	if kept, changed := keep(retiring); changed {
		x.feds.SetRetiringFederationUTXOs(kept)
	}
	return nil
}

// markProcessed records tx as processed in the current block.
func (x *execution) markProcessed(txHash chainhash.Hash) error {
	return x.store.SetProcessedHeight(txHash, x.rsk.BlockNumber)
}

func (x *execution) isProcessed(txHash chainhash.Hash) (bool, error) {
	_, ok, err := x.store.ProcessedHeight(txHash)
	return ok, err
}

// fedScripts returns the output scripts paying fed, including the flyover
// variants for derivations.
func fedScripts(fed *federation.Federation, derivations ...[32]byte) [][]byte {
	if fed == nil {
		return nil
	}
	if len(derivations) == 0 {
		return [][]byte{fed.P2SHScript()}
	}
	scripts := make([][]byte, 0, len(derivations))
	for _, d := range derivations {
		scripts = append(scripts, fed.FlyoverP2SHScript(d))
	}
	return scripts
}

// removeCredits returns credits without those in selected.
func removeCredits(credits, selected []wtxmgr.Credit) []wtxmgr.Credit {
	drop := make(map[wire.OutPoint]struct{}, len(selected))
	for _, c := range selected {
		drop[c.OutPoint] = struct{}{}
	}
	kept := make([]wtxmgr.Credit, 0, len(credits))
	for _, c := range credits {
		if _, ok := drop[c.OutPoint]; !ok {
			kept = append(kept, c)
		}
	}
	return kept
}

func sumCredits(credits []wtxmgr.Credit) btcutil.Amount {
	var total btcutil.Amount
	for _, c := range credits {
		total += c.Amount
	}
	return total
}

func hasOutPoint(credits []wtxmgr.Credit, op wire.OutPoint) bool {
	for _, c := range credits {
		if c.OutPoint == op {
			return true
		}
	}
	return false
}

func containsScript(scripts [][]byte, s []byte) bool {
	for _, script := range scripts {
		if bytes.Equal(script, s) {
			return true
		}
	}
	return false
}

// outputCredits returns the outputs of tx paying any of scripts as
// spendable credits.
func outputCredits(tx *wire.MsgTx, scripts [][]byte) []wtxmgr.Credit {
	var credits []wtxmgr.Credit
	txHash := tx.TxHash()
	for i, out := range tx.TxOut {
		if !containsScript(scripts, out.PkScript) {
			continue
		}
		credits = append(credits, wtxmgr.Credit{
			OutPoint: wire.OutPoint{Hash: txHash, Index: uint32(i)},
			Amount:   btcutil.Amount(out.Value),
			PkScript: out.PkScript,
		})
	}
	return credits
}
