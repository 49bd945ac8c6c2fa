// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcbridge/peg"
	"github.com/btcsuite/btcbridge/spv"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"golang.org/x/crypto/sha3"
)

// FlyoverStatus is the outcome of a flyover registration.
type FlyoverStatus int8

// These constants define the flyover statuses.
const (
	FlyoverTransferred FlyoverStatus = iota
	FlyoverRefunded
	FlyoverUnprocessable
	FlyoverInvalidAmount
	FlyoverAlreadyUsed
	FlyoverAlreadyProcessed
)

var flyoverStatusStrings = map[FlyoverStatus]string{
	FlyoverTransferred:      "transferred",
	FlyoverRefunded:         "refunded",
	FlyoverUnprocessable:    "unprocessable",
	FlyoverInvalidAmount:    "invalid amount",
	FlyoverAlreadyUsed:      "derivation already used",
	FlyoverAlreadyProcessed: "already processed",
}

func (s FlyoverStatus) String() string {
	if str, ok := flyoverStatusStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown flyover status (%d)", int8(s))
}

// FlyoverRequest is a deposit to an address derived from a liquidity
// provider quote.
type FlyoverRequest struct {
	BtcTx  []byte
	Height int32
	PMT    []byte

	DerivationArgumentsHash     chainhash.Hash
	UserRefundAddress           btcutil.Address
	LbcAddress                  peg.RskAddress
	LiquidityProviderBtcAddress btcutil.Address

	// ShouldTransferToContract sends refunds to the user instead of the
	// liquidity provider.
	ShouldTransferToContract bool
}

// FlyoverResult is the status of a flyover registration and the value it
// moved.
type FlyoverResult struct {
	Status FlyoverStatus
	Amount btcutil.Amount
}

// FlyoverDerivationHash returns the hash deriving the flyover addresses of
// a quote.
func FlyoverDerivationHash(argsHash chainhash.Hash, userRefund btcutil.Address,
	lbc peg.RskAddress, lp btcutil.Address) chainhash.Hash {

	h := sha3.NewLegacyKeccak256()
	h.Write(argsHash[:])
	h.Write(userRefund.ScriptAddress())
	h.Write(lbc[:])
	h.Write(lp.ScriptAddress())

	var out chainhash.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// RegisterFlyoverBtcTransaction registers a flyover deposit.  Each
// derivation can be used once.  Deposits surpassing the locking cap are
// refunded.
func (e *Engine) RegisterFlyoverBtcTransaction(ctx context.Context, rsk RskTx,
	req *FlyoverRequest) (*FlyoverResult, error) {

	var result *FlyoverResult
	err := e.run(ctx, rsk, func(x *execution) error {
		r, err := x.registerFlyover(req)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (x *execution) registerFlyover(req *FlyoverRequest) (*FlyoverResult, error) {
	err := x.requireRule("RegisterFlyoverBtcTransaction", activation.RSKIP176)
	if err != nil {
		return nil, err
	}
	status := func(s FlyoverStatus) (*FlyoverResult, error) {
		return &FlyoverResult{Status: s}, nil
	}

	tx, err := spv.DecodeTx(req.BtcTx)
	if err != nil {
		return status(FlyoverUnprocessable)
	}
	txHash := tx.TxHash()
	processed, err := x.isProcessed(txHash)
	if err != nil {
		return nil, err
	}
	if processed {
		return status(FlyoverAlreadyProcessed)
	}

	verifier := &spv.Verifier{
		Headers:          x.e.cfg.Headers,
		Coinbases:        x.store,
		MinConfirmations: x.c.Btc2RskMinimumAcceptableConfirmations,
	}
	res, err := verifier.Verify(req.BtcTx, req.Height, req.PMT)
	if err != nil {
		return nil, err
	}
	if !res.Admitted {
		log.Infof("Flyover transaction %v not admitted: %v", txHash, res.Reason)
		return status(FlyoverUnprocessable)
	}

	derivation := FlyoverDerivationHash(req.DerivationArgumentsHash,
		req.UserRefundAddress, req.LbcAddress, req.LiquidityProviderBtcAddress)
	_, used, err := x.store.FlyoverDerivationHeight(derivation)
	if err != nil {
		return nil, err
	}
	if used {
		return status(FlyoverAlreadyUsed)
	}

	fc, err := x.federations()
	if err != nil {
		return nil, err
	}
	activeScripts := fedScripts(fc.Active, derivation)
	retiringScripts := fedScripts(fc.Retiring, derivation)
	scripts := append(activeScripts[:len(activeScripts):len(activeScripts)],
		retiringScripts...)

	credits := outputCredits(tx, scripts)
	total := sumCredits(credits)
	if total <= 0 {
		return status(FlyoverInvalidAmount)
	}

	for _, s := range scripts {
		x.store.SetFlyoverScript(s, derivation)
	}
	x.store.SetFlyoverDerivationHeight(derivation, x.rsk.BlockNumber)
	if err := x.markProcessed(txHash); err != nil {
		return nil, err
	}

	p := x.policy(req.Height)
	ok, err := x.lockable(total)
	if err != nil {
		return nil, err
	}
	if !ok {
		refundTo := req.LiquidityProviderBtcAddress
		if req.ShouldTransferToContract {
			refundTo = req.UserRefundAddress
		}
		log.Infof("Flyover deposit %v of %v surpasses the locking cap",
			txHash, total)
		if err := x.refund(tx, credits, refundTo, total, &p); err != nil {
			return nil, err
		}
		return &FlyoverResult{Status: FlyoverRefunded, Amount: total}, nil
	}

	meta := wtxmgr.BlockMeta{
		Block: wtxmgr.Block{Hash: res.BlockHash, Height: req.Height},
	}
	if _, err := x.creditOutputs(tx, meta, activeScripts, retiringScripts); err != nil {
		return nil, err
	}
	log.Infof("Registered flyover deposit %v of %v", txHash, total)
	return &FlyoverResult{Status: FlyoverTransferred, Amount: total}, nil
}
