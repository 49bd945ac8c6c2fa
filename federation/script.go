// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package federation

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
)

// flyoverPrefixLen is the length of the <32 byte push> OP_DROP prefix of a
// flyover redeem script.
const flyoverPrefixLen = 1 + 32 + 1

type token struct {
	op   byte
	data []byte
	end  int
}

func tokenize(script []byte) ([]token, error) {
	var tokens []token
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		tokens = append(tokens, token{
			op:   tokenizer.Opcode(),
			data: tokenizer.Data(),
			end:  int(tokenizer.ByteIndex()),
		})
	}
	if err := tokenizer.Err(); err != nil {
		return nil, newError(ErrInvalidRedeemScript, "malformed script", err)
	}
	return tokens, nil
}

// IsFlyoverRedeemScript reports whether script starts with a 32 byte push
// followed by OP_DROP.
func IsFlyoverRedeemScript(script []byte) bool {
	return len(script) > flyoverPrefixLen &&
		script[0] == txscript.OP_DATA_32 &&
		script[flyoverPrefixLen-1] == txscript.OP_DROP
}

// StripFlyoverPrefix returns script without a flyover derivation prefix.
// Scripts without the prefix are returned unchanged.
func StripFlyoverPrefix(script []byte) []byte {
	if IsFlyoverRedeemScript(script) {
		return script[flyoverPrefixLen:]
	}
	return script
}

// multiSigKeys returns the keys of a M <keys> N sequence occupying all of
// tokens, or false if tokens are not such a sequence.
func multiSigKeys(tokens []token) ([]*btcec.PublicKey, bool) {
	if len(tokens) < 3 {
		return nil, false
	}
	first, last := tokens[0].op, tokens[len(tokens)-1].op
	if !isSmallInt(first) || !isSmallInt(last) {
		return nil, false
	}
	m, n := asSmallInt(first), asSmallInt(last)
	keyTokens := tokens[1 : len(tokens)-1]
	if m < 1 || n != len(keyTokens) || m > n {
		return nil, false
	}
	keys := make([]*btcec.PublicKey, 0, n)
	for _, t := range keyTokens {
		if len(t.data) != btcec.PubKeyBytesLenCompressed {
			return nil, false
		}
		k, err := btcec.ParsePubKey(t.data)
		if err != nil {
			return nil, false
		}
		keys = append(keys, k)
	}
	return keys, true
}

// erpBranches splits an OP_NOTIF ... OP_ELSE ... OP_ENDIF script into the
// tokens of its default branch, its recovery branch, and whatever follows
// OP_ENDIF.
func erpBranches(tokens []token) (def, erp, tail []token, ok bool) {
	if len(tokens) == 0 || tokens[0].op != txscript.OP_NOTIF {
		return nil, nil, nil, false
	}
	elseIdx, endIdx := -1, -1
	for i := 1; i < len(tokens); i++ {
		switch tokens[i].op {
		case txscript.OP_IF, txscript.OP_NOTIF:
			return nil, nil, nil, false
		case txscript.OP_ELSE:
			if elseIdx != -1 {
				return nil, nil, nil, false
			}
			elseIdx = i
		case txscript.OP_ENDIF:
			if endIdx != -1 {
				return nil, nil, nil, false
			}
			endIdx = i
		}
	}
	if elseIdx == -1 || endIdx < elseIdx {
		return nil, nil, nil, false
	}
	return tokens[1:elseIdx], tokens[elseIdx+1 : endIdx], tokens[endIdx+1:], true
}

// recoveryMultiSig checks that a recovery branch is
// <delay> OP_CHECKSEQUENCEVERIFY OP_DROP <multisig...> and returns the
// multisig part.
func recoveryMultiSig(branch []token) ([]token, bool) {
	if len(branch) < 3 ||
		branch[1].op != txscript.OP_CHECKSEQUENCEVERIFY ||
		branch[2].op != txscript.OP_DROP {
		return nil, false
	}
	return branch[3:], true
}

func isSmallInt(op byte) bool {
	return op == txscript.OP_0 || (op >= txscript.OP_1 && op <= txscript.OP_16)
}

func asSmallInt(op byte) int {
	if op == txscript.OP_0 {
		return 0
	}
	return int(op - (txscript.OP_1 - 1))
}

func isCheckMultiSig(t token) bool {
	return t.op == txscript.OP_CHECKMULTISIG
}

// ParseMultiSigType reports which federation script construction produced
// script.  A flyover prefix is ignored.
func ParseMultiSigType(script []byte) (Kind, error) {
	tokens, err := tokenize(StripFlyoverPrefix(script))
	if err != nil {
		return 0, err
	}
	if n := len(tokens); n > 0 && isCheckMultiSig(tokens[n-1]) {
		if _, ok := multiSigKeys(tokens[:n-1]); ok {
			return StandardMultiSig, nil
		}
	}

	def, erp, tail, ok := erpBranches(tokens)
	if !ok {
		return 0, newError(ErrInvalidRedeemScript, "unrecognized redeem script", nil)
	}
	rec, ok := recoveryMultiSig(erp)
	if !ok {
		return 0, newError(ErrInvalidRedeemScript, "malformed recovery branch", nil)
	}

	switch {
	// Legacy: both branches share one trailing OP_CHECKMULTISIG.
	case len(tail) == 1 && isCheckMultiSig(tail[0]):
		_, okDef := multiSigKeys(def)
		_, okRec := multiSigKeys(rec)
		if okDef && okRec {
			return LegacyErp, nil
		}

	case len(tail) == 0 && len(def) > 0 && len(rec) > 0 &&
		isCheckMultiSig(def[len(def)-1]) && isCheckMultiSig(rec[len(rec)-1]):

		_, okDef := multiSigKeys(def[:len(def)-1])
		_, okRec := multiSigKeys(rec[:len(rec)-1])
		if okDef && okRec {
			return P2shErp, nil
		}
	}
	return 0, newError(ErrInvalidRedeemScript, "unrecognized emergency script", nil)
}

// ExtractStandardRedeemScript returns the plain multisig script spendable
// by the default branch of a federation redeem script.  Standard multisig
// scripts are returned unchanged, emergency scripts are reduced to their
// default branch, and flyover prefixes are removed.
func ExtractStandardRedeemScript(script []byte) ([]byte, error) {
	inner := StripFlyoverPrefix(script)
	kind, err := ParseMultiSigType(inner)
	if err != nil {
		return nil, err
	}
	if kind == StandardMultiSig {
		return append([]byte(nil), inner...), nil
	}

	tokens, err := tokenize(inner)
	if err != nil {
		return nil, err
	}
	def, _, _, _ := erpBranches(tokens)

	// The default branch occupies the bytes between OP_NOTIF and OP_ELSE.
	start := tokens[0].end
	end := def[len(def)-1].end
	std := append([]byte(nil), inner[start:end]...)
	if kind == LegacyErp {
		std = append(std, txscript.OP_CHECKMULTISIG)
	}
	return std, nil
}

// StandardKeys returns the member keys of the default spending path of a
// federation redeem script.
func StandardKeys(script []byte) ([]*btcec.PublicKey, error) {
	std, err := ExtractStandardRedeemScript(script)
	if err != nil {
		return nil, err
	}
	tokens, err := tokenize(std)
	if err != nil {
		return nil, err
	}
	keys, _ := multiSigKeys(tokens[:len(tokens)-1])
	return keys, nil
}

// RedeemScriptFromScriptSig returns the last data push of a push-only
// signature script, which for a P2SH spend is the redeem script.
func RedeemScriptFromScriptSig(sigScript []byte) ([]byte, bool) {
	if len(sigScript) == 0 || !txscript.IsPushOnlyScript(sigScript) {
		return nil, false
	}
	pushes, err := txscript.PushedData(sigScript)
	if err != nil || len(pushes) == 0 {
		return nil, false
	}
	last := pushes[len(pushes)-1]
	if len(last) == 0 {
		return nil, false
	}
	return last, true
}
