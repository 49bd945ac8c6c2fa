// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peg

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TxType is the role of a Bitcoin transaction with respect to the bridge.
type TxType uint8

// These constants define the transaction types.
const (
	TxUnknown TxType = iota
	TxPegin
	TxPegoutOrMigration
)

func (t TxType) String() string {
	switch t {
	case TxUnknown:
		return "unknown"
	case TxPegin:
		return "peg-in"
	case TxPegoutOrMigration:
		return "peg-out or migration"
	}
	return fmt.Sprintf("unknown transaction type (%d)", uint8(t))
}

// SigHashIndex reports whether a signature hash belongs to a transaction
// the bridge created.
type SigHashIndex interface {
	HasPegoutSigHash(h chainhash.Hash) (bool, error)
}

// FederationContext is the set of federations a transaction is classified
// against.
type FederationContext struct {
	Active   *federation.Federation
	Retiring *federation.Federation

	// LastRetiredP2SH is the standard output script of the last
	// federation whose funds were fully migrated, or nil.
	LastRetiredP2SH []byte
}

// Live returns the active federation followed by the retiring one, if any.
func (c *FederationContext) Live() []*federation.Federation {
	if c.Retiring == nil {
		return []*federation.Federation{c.Active}
	}
	return []*federation.Federation{c.Active, c.Retiring}
}

// Classifier decides the type of Bitcoin transactions.
type Classifier struct {
	Policy      *Policy
	Federations *FederationContext
	SigHashes   SigHashIndex

	// OldFederationScript is the output script of the federation that
	// predates versioned storage, or nil.
	OldFederationScript []byte
}

// Classify returns the type of tx.
func (c *Classifier) Classify(tx *wire.MsgTx) (TxType, error) {
	if c.Policy.UsePegoutIndex {
		return c.classifyWithIndex(tx)
	}
	return c.classifyLegacy(tx), nil
}

// classifyWithIndex only trusts the signature hash index to recognize
// federation spends.  Anything else that pays a live federation is a peg-in.
func (c *Classifier) classifyWithIndex(tx *wire.MsgTx) (TxType, error) {
	if h, ok := FirstInputSigHash(tx); ok {
		known, err := c.SigHashes.HasPegoutSigHash(h)
		if err != nil {
			return TxUnknown, err
		}
		if known {
			return TxPegoutOrMigration, nil
		}
	}

	for _, fed := range c.Federations.Live() {
		if len(OutputsTo(tx, fed.P2SHScript())) > 0 {
			return TxPegin, nil
		}
	}
	return TxUnknown, nil
}

func (c *Classifier) classifyLegacy(tx *wire.MsgTx) TxType {
	if c.Policy.OldFederationSpends && c.OldFederationScript != nil &&
		spendsAny(tx, c.OldFederationScript) {

		return TxPegoutOrMigration
	}

	live := c.Federations.Live()
	if c.isValidPegin(tx, live, c.Federations.LastRetiredP2SH) {
		return TxPegin
	}
	if c.isMigration(tx) {
		return TxPegoutOrMigration
	}

	scripts := make([][]byte, 0, len(live))
	for _, fed := range live {
		scripts = append(scripts, fed.StandardP2SHScript())
	}
	if c.isPegout(tx, scripts) {
		return TxPegoutOrMigration
	}
	return TxUnknown
}

// isPegout reports whether any input of tx spends one of the standard
// output scripts.  Emergency and flyover redeem scripts are reduced to
// their standard form first when the policy allows it.
func (c *Classifier) isPegout(tx *wire.MsgTx, standardScripts [][]byte) bool {
	for _, in := range tx.TxIn {
		redeem, ok := federation.RedeemScriptFromScriptSig(in.SignatureScript)
		if !ok {
			continue
		}
		if c.Policy.StandardRedeemScript {
			std, err := federation.ExtractStandardRedeemScript(redeem)
			if err != nil {
				continue
			}
			redeem = std
		}
		if containsScript(standardScripts, P2SHScript(redeem)) {
			return true
		}
	}
	return false
}

// isValidPegin reports whether tx pays the federations feds without
// spending from them or from the retired federation.
func (c *Classifier) isValidPegin(tx *wire.MsgTx, feds []*federation.Federation,
	retired []byte) bool {

	for _, in := range tx.TxIn {
		for _, fed := range feds {
			if spends(in, fed.P2SHScript()) {
				return false
			}
		}
		if retired != nil && spends(in, retired) {
			return false
		}

		if !c.Policy.StandardRedeemScript {
			continue
		}
		redeem, ok := federation.RedeemScriptFromScriptSig(in.SignatureScript)
		if !ok {
			continue
		}
		if !c.Policy.P2shErpPegins {
			kind, err := federation.ParseMultiSigType(
				federation.StripFlyoverPrefix(redeem))
			if err == nil && kind == federation.P2shErp {
				continue
			}
		}
		std, err := federation.ExtractStandardRedeemScript(redeem)
		if err != nil {
			continue
		}
		for _, fed := range feds {
			if bytes.Equal(std, fed.StandardRedeemScript()) {
				return false
			}
		}
		if retired != nil && bytes.Equal(P2SHScript(std), retired) {
			return false
		}
	}

	var (
		total      btcutil.Amount
		belowFloor bool
	)
	for _, fed := range feds {
		for _, out := range OutputsTo(tx, fed.P2SHScript()) {
			value := btcutil.Amount(out.Value)
			total += value
			if value < c.Policy.MinimumPeginValue {
				belowFloor = true
			}
		}
	}
	if c.Policy.PerOutputMinimum {
		return !belowFloor
	}
	return total >= c.Policy.MinimumPeginValue
}

// isMigration reports whether tx moves funds from the retiring or retired
// federation to the active one.
func (c *Classifier) isMigration(tx *wire.MsgTx) bool {
	fc := c.Federations
	if fc.Retiring == nil && fc.LastRetiredP2SH == nil {
		return false
	}

	var sources [][]byte
	if fc.LastRetiredP2SH != nil {
		sources = append(sources, fc.LastRetiredP2SH)
	}
	if fc.Retiring != nil {
		sources = append(sources, fc.Retiring.StandardP2SHScript())
	}
	if !c.isPegout(tx, sources) {
		return false
	}
	return c.isValidPegin(tx, []*federation.Federation{fc.Active}, nil)
}

// FirstInputSigHash returns the SIGHASH_ALL signature hash of the first
// input of tx under the redeem script it carries.  Signature scripts do not
// affect the hash, so it is the same before and after signing.
func FirstInputSigHash(tx *wire.MsgTx) (chainhash.Hash, bool) {
	if len(tx.TxIn) == 0 {
		return chainhash.Hash{}, false
	}
	redeem, ok := federation.RedeemScriptFromScriptSig(tx.TxIn[0].SignatureScript)
	if !ok {
		return chainhash.Hash{}, false
	}
	h, err := SigHash(tx, 0, redeem)
	if err != nil {
		return chainhash.Hash{}, false
	}
	return h, true
}

// SigHash is the SIGHASH_ALL signature hash of input idx of tx spending
// redeem.
func SigHash(tx *wire.MsgTx, idx int, redeem []byte) (chainhash.Hash, error) {
	b, err := txscript.CalcSignatureHash(redeem, txscript.SigHashAll, tx, idx)
	if err != nil {
		return chainhash.Hash{}, err
	}
	var h chainhash.Hash
	copy(h[:], b)
	return h, nil
}

// P2SHScript returns the pay-to-script-hash output script of redeem.
func P2SHScript(redeem []byte) []byte {
	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(redeem)).
		AddOp(txscript.OP_EQUAL).
		Script()
	return script
}

// OutputsTo returns the outputs of tx paying pkScript.
func OutputsTo(tx *wire.MsgTx, pkScript []byte) []*wire.TxOut {
	var outs []*wire.TxOut
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			outs = append(outs, out)
		}
	}
	return outs
}

// spends reports whether in carries a redeem script hashing to the P2SH
// output script pkScript.
func spends(in *wire.TxIn, pkScript []byte) bool {
	redeem, ok := federation.RedeemScriptFromScriptSig(in.SignatureScript)
	return ok && bytes.Equal(P2SHScript(redeem), pkScript)
}

func spendsAny(tx *wire.MsgTx, pkScript []byte) bool {
	for _, in := range tx.TxIn {
		if spends(in, pkScript) {
			return true
		}
	}
	return false
}

func containsScript(scripts [][]byte, s []byte) bool {
	for _, c := range scripts {
		if bytes.Equal(c, s) {
			return true
		}
	}
	return false
}
