// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peg

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// BuildResponse is the outcome of building a federation transaction.
type BuildResponse uint8

// These constants define the build responses.
const (
	BuildSuccess BuildResponse = iota
	BuildInsufficientMoney
	BuildCouldNotAdjustDownwards
	BuildDustySendRequested
	BuildExceedMaxTransactionSize
)

var buildResponseStrings = map[BuildResponse]string{
	BuildSuccess:                  "SUCCESS",
	BuildInsufficientMoney:        "INSUFFICIENT_MONEY",
	BuildCouldNotAdjustDownwards:  "COULD_NOT_ADJUST_DOWNWARDS",
	BuildDustySendRequested:       "DUSTY_SEND_REQUESTED",
	BuildExceedMaxTransactionSize: "EXCEED_MAX_TRANSACTION_SIZE",
}

func (r BuildResponse) String() string {
	if s, ok := buildResponseStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown build response (%d)", uint8(r))
}

// maxSignatureSize is the largest DER signature with its sighash byte.
const maxSignatureSize = 73

// RedeemScriptSource returns the redeem script that spends outputs paying
// pkScript.
type RedeemScriptSource func(pkScript []byte) ([]byte, error)

// ReleaseBuilder builds unsigned transactions spending federation outputs.
// Every input carries a signature script with empty placeholders for the
// signatures followed by the redeem script, so the signature hashes of the
// unsigned transaction match those of the signed one.
type ReleaseBuilder struct {
	// Credits are the outputs available for spending.
	Credits []wtxmgr.Credit

	Redeem RedeemScriptSource

	// ChangeScript receives the change.
	ChangeScript []byte

	FeePerKb  btcutil.Amount
	TxVersion int32
	MaxTxSize int
}

// BuildResult is a built transaction and the credits it spends.
type BuildResult struct {
	Response BuildResponse
	Tx       *txauthor.AuthoredTx
	Selected []wtxmgr.Credit
}

func failed(r BuildResponse) *BuildResult {
	return &BuildResult{Response: r}
}

// BuildAmountTo pays amount to pkScript.  The recipient pays the fee.
func (b *ReleaseBuilder) BuildAmountTo(pkScript []byte,
	amount btcutil.Amount) (*BuildResult, error) {

	return b.build([]*wire.TxOut{wire.NewTxOut(int64(amount), pkScript)}, true)
}

// BuildSvpFund sends value to the proposed federation and to its flyover
// address derived from the validation prefix.  The federation pays the fee.
func (b *ReleaseBuilder) BuildSvpFund(proposed *federation.Federation,
	flyoverPrefix [32]byte, value btcutil.Amount) (*BuildResult, error) {

	outputs := []*wire.TxOut{
		wire.NewTxOut(int64(value), proposed.P2SHScript()),
		wire.NewTxOut(int64(value), proposed.FlyoverP2SHScript(flyoverPrefix)),
	}
	return b.build(outputs, false)
}

// BuildEmptyWalletTo spends every credit to pkScript, paying the fee out of
// the single output.
func (b *ReleaseBuilder) BuildEmptyWalletTo(pkScript []byte) (*BuildResult, error) {
	if len(b.Credits) == 0 {
		return failed(BuildInsufficientMoney), nil
	}
	credits := sortedCredits(b.Credits)

	var total btcutil.Amount
	for _, c := range credits {
		total += c.Amount
	}
	out := wire.NewTxOut(int64(total), pkScript)

	tx, err := b.author(credits, []*wire.TxOut{out}, nil)
	if err != nil {
		return nil, err
	}
	size, err := b.signedSize(tx.Tx)
	if err != nil {
		return nil, err
	}
	if size > b.MaxTxSize {
		return failed(BuildExceedMaxTransactionSize), nil
	}

	out.Value -= int64(txrules.FeeForSerializeSize(b.FeePerKb, size))
	if out.Value <= 0 || txrules.IsDustOutput(out, txrules.DefaultRelayFeePerKb) {
		return failed(BuildCouldNotAdjustDownwards), nil
	}
	return &BuildResult{Response: BuildSuccess, Tx: tx, Selected: credits}, nil
}

// BuildMigration moves every credit to the federation paid by pkScript.
func (b *ReleaseBuilder) BuildMigration(pkScript []byte) (*BuildResult, error) {
	return b.BuildEmptyWalletTo(pkScript)
}

func (b *ReleaseBuilder) build(outputs []*wire.TxOut,
	recipientsPayFees bool) (*BuildResult, error) {

	for _, out := range outputs {
		if out.Value <= 0 || txrules.IsDustOutput(out, txrules.DefaultRelayFeePerKb) {
			return failed(BuildDustySendRequested), nil
		}
	}
	target := txauthor.SumOutputValues(outputs)
	change := wire.NewTxOut(0, b.ChangeScript)
	withChange := append(outputs[:len(outputs):len(outputs)], change)

	var (
		selected []wtxmgr.Credit
		total    btcutil.Amount
	)
	for _, c := range sortedCredits(b.Credits) {
		if total >= target {
			if recipientsPayFees {
				break
			}
			f, err := b.estimateFee(selected, withChange)
			if err != nil {
				return nil, err
			}
			if total >= target+f {
				break
			}
		}
		selected = append(selected, c)
		total += c.Amount
	}

	fee, err := b.estimateFee(selected, withChange)
	if err != nil {
		return nil, err
	}
	switch {
	case len(selected) == 0 || total < target:
		return failed(BuildInsufficientMoney), nil
	case !recipientsPayFees && total < target+fee:
		return failed(BuildInsufficientMoney), nil
	}

	if recipientsPayFees {
		if !adjustDownwards(outputs, fee) {
			return failed(BuildCouldNotAdjustDownwards), nil
		}
		change.Value = int64(total - target)
	} else {
		change.Value = int64(total - target - fee)
	}

	var changeOut *wire.TxOut
	if change.Value > 0 && !txrules.IsDustOutput(change, txrules.DefaultRelayFeePerKb) {
		changeOut = change
	}

	tx, err := b.author(selected, outputs, changeOut)
	if err != nil {
		return nil, err
	}
	size, err := b.signedSize(tx.Tx)
	if err != nil {
		return nil, err
	}
	if size > b.MaxTxSize {
		return failed(BuildExceedMaxTransactionSize), nil
	}
	return &BuildResult{Response: BuildSuccess, Tx: tx, Selected: selected}, nil
}

// adjustDownwards subtracts fee from outputs, splitting it evenly with the
// remainder taken from the first output.
func adjustDownwards(outputs []*wire.TxOut, fee btcutil.Amount) bool {
	n := int64(len(outputs))
	share := int64(fee) / n
	rest := int64(fee) % n
	for i, out := range outputs {
		out.Value -= share
		if i == 0 {
			out.Value -= rest
		}
		if out.Value <= 0 || txrules.IsDustOutput(out, txrules.DefaultRelayFeePerKb) {
			return false
		}
	}
	return true
}

func (b *ReleaseBuilder) author(credits []wtxmgr.Credit, outputs []*wire.TxOut,
	change *wire.TxOut) (*txauthor.AuthoredTx, error) {

	tx := wire.NewMsgTx(b.TxVersion)
	authored := &txauthor.AuthoredTx{Tx: tx, ChangeIndex: -1}
	for i := range credits {
		c := &credits[i]
		redeem, err := b.Redeem(c.PkScript)
		if err != nil {
			return nil, err
		}
		sigScript, err := unsignedSigScript(redeem)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(wire.NewTxIn(&c.OutPoint, sigScript, nil))
		authored.PrevScripts = append(authored.PrevScripts, c.PkScript)
		authored.PrevInputValues = append(authored.PrevInputValues, c.Amount)
		authored.TotalInput += c.Amount
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	if change != nil {
		authored.ChangeIndex = len(tx.TxOut)
		tx.AddTxOut(change)
	}
	return authored, nil
}

// estimateFee is the fee of a transaction spending credits to outputs once
// every input is signed.
func (b *ReleaseBuilder) estimateFee(credits []wtxmgr.Credit,
	outputs []*wire.TxOut) (btcutil.Amount, error) {

	size := 8 + wire.VarIntSerializeSize(uint64(len(credits))) +
		wire.VarIntSerializeSize(uint64(len(outputs))) +
		txsizes.SumOutputSerializeSizes(outputs)
	for i := range credits {
		redeem, err := b.Redeem(credits[i].PkScript)
		if err != nil {
			return 0, err
		}
		n, err := signedInputSize(redeem)
		if err != nil {
			return 0, err
		}
		size += n
	}
	return txrules.FeeForSerializeSize(b.FeePerKb, size), nil
}

// signedSize is the serialized size of tx once every input is signed.
func (b *ReleaseBuilder) signedSize(tx *wire.MsgTx) (int, error) {
	size := 8 + wire.VarIntSerializeSize(uint64(len(tx.TxIn))) +
		wire.VarIntSerializeSize(uint64(len(tx.TxOut))) +
		txsizes.SumOutputSerializeSizes(tx.TxOut)
	for _, in := range tx.TxIn {
		redeem, ok := federation.RedeemScriptFromScriptSig(in.SignatureScript)
		if !ok {
			return 0, fmt.Errorf("input %v has no redeem script",
				in.PreviousOutPoint)
		}
		n, err := signedInputSize(redeem)
		if err != nil {
			return 0, err
		}
		size += n
	}
	return size, nil
}

// signaturesRequired returns the signatures the default branch of redeem
// needs and whether redeem is an emergency script.
func signaturesRequired(redeem []byte) (int, bool, error) {
	inner := federation.StripFlyoverPrefix(redeem)
	kind, err := federation.ParseMultiSigType(inner)
	if err != nil {
		return 0, false, err
	}
	std, err := federation.ExtractStandardRedeemScript(inner)
	if err != nil {
		return 0, false, err
	}
	m := int(std[0]) - txscript.OP_1 + 1
	return m, kind != federation.StandardMultiSig, nil
}

// unsignedSigScript is OP_0, one empty push per required signature, an
// OP_0 selecting the default branch of emergency scripts, and the redeem
// script.
func unsignedSigScript(redeem []byte) ([]byte, error) {
	m, erp, err := signaturesRequired(redeem)
	if err != nil {
		return nil, err
	}
	sb := txscript.NewScriptBuilder().AddOp(txscript.OP_0)
	for i := 0; i < m; i++ {
		sb.AddOp(txscript.OP_0)
	}
	if erp {
		sb.AddOp(txscript.OP_0)
	}
	return sb.AddData(redeem).Script()
}

func signedInputSize(redeem []byte) (int, error) {
	m, erp, err := signaturesRequired(redeem)
	if err != nil {
		return 0, err
	}
	script := 1 + m*(1+maxSignatureSize) + canonicalPushSize(redeem)
	if erp {
		script++
	}
	// Outpoint, sequence and the script length prefix.
	return 32 + 4 + 4 + wire.VarIntSerializeSize(uint64(script)) + script, nil
}

func canonicalPushSize(data []byte) int {
	switch n := len(data); {
	case n < txscript.OP_PUSHDATA1:
		return 1 + n
	case n <= 0xff:
		return 2 + n
	case n <= 0xffff:
		return 3 + n
	default:
		return 5 + len(data)
	}
}

// UnsignedTxHash returns the hash tx had before it was signed.  Inputs
// spending a federation script get their placeholder signature script
// back; other inputs are left as they are.
func UnsignedTxHash(tx *wire.MsgTx) chainhash.Hash {
	unsigned := tx.Copy()
	for _, in := range unsigned.TxIn {
		redeem, ok := federation.RedeemScriptFromScriptSig(in.SignatureScript)
		if !ok {
			continue
		}
		script, err := unsignedSigScript(redeem)
		if err != nil {
			continue
		}
		in.SignatureScript = script
		in.Witness = nil
	}
	return unsigned.TxHash()
}

// sortedCredits orders credits by decreasing amount, then by outpoint.
func sortedCredits(credits []wtxmgr.Credit) []wtxmgr.Credit {
	sorted := append([]wtxmgr.Credit(nil), credits...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := &sorted[i], &sorted[j]
		if a.Amount != b.Amount {
			return a.Amount > b.Amount
		}
		if c := bytes.Compare(a.OutPoint.Hash[:], b.OutPoint.Hash[:]); c != 0 {
			return c < 0
		}
		return a.OutPoint.Index < b.OutPoint.Index
	})
	return sorted
}
