// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package federation

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
)

// maxCSVDelay is the largest block based relative lock time that fits in
// the low 16 bits of a BIP0068 sequence number.
const maxCSVDelay = 0xffff

// Kind identifies the redeem script construction a federation uses.
type Kind uint8

// These constants define the supported redeem script constructions.
const (
	// StandardMultiSig is a plain m-of-n OP_CHECKMULTISIG script.
	StandardMultiSig Kind = iota

	// LegacyErp is the first emergency recovery script, where both
	// branches share a single trailing OP_CHECKMULTISIG.
	LegacyErp

	// P2shErp is the emergency recovery script whose default branch is a
	// complete standard multisig script.
	P2shErp
)

// String returns the Kind as a human-readable name.
func (k Kind) String() string {
	switch k {
	case StandardMultiSig:
		return "standard-multisig"
	case LegacyErp:
		return "legacy-erp"
	case P2shErp:
		return "p2sh-erp"
	default:
		return fmt.Sprintf("unknown kind (%d)", uint8(k))
	}
}

// FormatVersion is the storage format version tag written next to a
// serialized federation.
type FormatVersion uint32

// Known storage format versions.
const (
	StandardMultiSigFormat FormatVersion = 1000
	LegacyErpFormat        FormatVersion = 2000
	P2shErpFormat          FormatVersion = 3000
)

// FormatVersion returns the storage format used for federations of kind k.
func (k Kind) FormatVersion() FormatVersion {
	switch k {
	case LegacyErp:
		return LegacyErpFormat
	case P2shErp:
		return P2shErpFormat
	default:
		return StandardMultiSigFormat
	}
}

// ErpParams configures the emergency recovery branch of an ERP federation.
type ErpParams struct {
	// Keys are the recovery public keys.
	Keys []*btcec.PublicKey

	// ActivationDelay is the number of blocks a federation output must
	// age before the recovery branch may spend it.
	ActivationDelay int64
}

func (p ErpParams) validate() error {
	if len(p.Keys) == 0 {
		return newError(ErrInvalidErpParams, "no emergency recovery keys", nil)
	}
	if p.ActivationDelay <= 0 || p.ActivationDelay > maxCSVDelay {
		str := fmt.Sprintf("activation delay %d out of range (0, %d]",
			p.ActivationDelay, maxCSVDelay)
		return newError(ErrInvalidErpParams, str, nil)
	}
	return checkDuplicates(p.Keys)
}

// ScriptBuilder builds the redeem script of a federation from its member
// keys.  The set of implementations is closed; switch on Kind for an
// exhaustive match.
type ScriptBuilder interface {
	// Kind returns the construction this builder implements.
	Kind() Kind

	// BuildScript returns the redeem script for the sorted keys.
	BuildScript(keys []*btcec.PublicKey) ([]byte, error)

	scriptBuilder()
}

// StandardMultiSigBuilder builds plain multisig redeem scripts.
type StandardMultiSigBuilder struct{}

// LegacyErpBuilder builds legacy emergency recovery redeem scripts.
type LegacyErpBuilder struct {
	Erp ErpParams
}

// P2shErpBuilder builds P2SH emergency recovery redeem scripts.
type P2shErpBuilder struct {
	Erp ErpParams
}

// NewLegacyErpBuilder validates erp and returns a legacy ERP builder.
func NewLegacyErpBuilder(erp ErpParams) (*LegacyErpBuilder, error) {
	if err := erp.validate(); err != nil {
		return nil, err
	}
	erp.Keys = sortedKeys(erp.Keys)
	return &LegacyErpBuilder{Erp: erp}, nil
}

// NewP2shErpBuilder validates erp and returns a P2SH ERP builder.
func NewP2shErpBuilder(erp ErpParams) (*P2shErpBuilder, error) {
	if err := erp.validate(); err != nil {
		return nil, err
	}
	erp.Keys = sortedKeys(erp.Keys)
	return &P2shErpBuilder{Erp: erp}, nil
}

func (StandardMultiSigBuilder) scriptBuilder() {}
func (*LegacyErpBuilder) scriptBuilder()       {}
func (*P2shErpBuilder) scriptBuilder()         {}

// Kind returns StandardMultiSig.
func (StandardMultiSigBuilder) Kind() Kind { return StandardMultiSig }

// Kind returns LegacyErp.
func (*LegacyErpBuilder) Kind() Kind { return LegacyErp }

// Kind returns P2shErp.
func (*P2shErpBuilder) Kind() Kind { return P2shErp }

// BuildScript returns OP_M <keys> OP_N OP_CHECKMULTISIG.
func (StandardMultiSigBuilder) BuildScript(keys []*btcec.PublicKey) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	addMultiSig(b, keys)
	b.AddOp(txscript.OP_CHECKMULTISIG)
	return finishScript(b)
}

// BuildScript returns
//
//	OP_NOTIF OP_M <keys> OP_N
//	OP_ELSE <delay> OP_CHECKSEQUENCEVERIFY OP_DROP OP_M' <erp keys> OP_N'
//	OP_ENDIF OP_CHECKMULTISIG
func (b *LegacyErpBuilder) BuildScript(keys []*btcec.PublicKey) ([]byte, error) {
	sb := txscript.NewScriptBuilder()
	sb.AddOp(txscript.OP_NOTIF)
	addMultiSig(sb, keys)
	sb.AddOp(txscript.OP_ELSE)
	addDelay(sb, b.Erp.ActivationDelay)
	addMultiSig(sb, b.Erp.Keys)
	sb.AddOp(txscript.OP_ENDIF)
	sb.AddOp(txscript.OP_CHECKMULTISIG)
	return finishScript(sb)
}

// BuildScript returns
//
//	OP_NOTIF <standard multisig>
//	OP_ELSE <delay> OP_CHECKSEQUENCEVERIFY OP_DROP <erp multisig>
//	OP_ENDIF
func (b *P2shErpBuilder) BuildScript(keys []*btcec.PublicKey) ([]byte, error) {
	sb := txscript.NewScriptBuilder()
	sb.AddOp(txscript.OP_NOTIF)
	addMultiSig(sb, keys)
	sb.AddOp(txscript.OP_CHECKMULTISIG)
	sb.AddOp(txscript.OP_ELSE)
	addDelay(sb, b.Erp.ActivationDelay)
	addMultiSig(sb, b.Erp.Keys)
	sb.AddOp(txscript.OP_CHECKMULTISIG)
	sb.AddOp(txscript.OP_ENDIF)
	return finishScript(sb)
}

// threshold returns the number of signatures required out of n.
func threshold(n int) int {
	return n/2 + 1
}

func addMultiSig(b *txscript.ScriptBuilder, keys []*btcec.PublicKey) {
	b.AddInt64(int64(threshold(len(keys))))
	for _, k := range keys {
		b.AddData(k.SerializeCompressed())
	}
	b.AddInt64(int64(len(keys)))
}

func addDelay(b *txscript.ScriptBuilder, delay int64) {
	b.AddInt64(delay)
	b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	b.AddOp(txscript.OP_DROP)
}

func finishScript(b *txscript.ScriptBuilder) ([]byte, error) {
	script, err := b.Script()
	if err != nil {
		return nil, newError(ErrScriptCreation, "unable to build redeem script", err)
	}
	return script, nil
}
