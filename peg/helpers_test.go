// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peg

import (
	"testing"
	"time"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

var (
	allRules = activation.AllActive().ForBlock(1)
	noRules  = activation.AllActive().Without(activation.AllRules()...).ForBlock(1)

	// fingerroot predates peg-in evaluation and the pegout index.
	fingerroot = activation.AllActive().Without(activation.RSKIP379,
		activation.RSKIP419, activation.RSKIP428).ForBlock(1)

	// hop predates P2SH emergency peg-ins.
	hop = activation.AllActive().Without(activation.RSKIP353,
		activation.RSKIP379, activation.RSKIP419, activation.RSKIP428).ForBlock(1)
)

func testKey(seed byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	var b [32]byte
	b[0] = 0x42
	b[31] = seed
	return btcec.PrivKeyFromBytes(b[:])
}

func testMembers(seed byte, n int) []*federation.Member {
	members := make([]*federation.Member, n)
	for i := range members {
		_, pub := testKey(seed + byte(i))
		members[i] = federation.NewMemberFromBtcKey(pub)
	}
	return members
}

func testArgs(seed byte) federation.Args {
	return federation.Args{
		Members:             testMembers(seed, 5),
		CreationTime:        time.Unix(1700000000, 0),
		CreationBlockNumber: 10,
		Params:              testParams,
	}
}

func standardFed(t *testing.T, seed byte) *federation.Federation {
	f, err := federation.NewStandardMultiSig(testArgs(seed))
	require.NoError(t, err)
	return f
}

func p2shErpFed(t *testing.T, seed byte) *federation.Federation {
	keys := make([]*btcec.PublicKey, 3)
	for i := range keys {
		_, keys[i] = testKey(200 + byte(i))
	}
	f, err := federation.NewP2shErp(testArgs(seed), federation.ErpParams{
		Keys:            keys,
		ActivationDelay: 500,
	})
	require.NoError(t, err)
	return f
}

// p2pkhSigScript is a signature script of a single key spend.  The
// signature is not valid; nothing in the bridge checks it.
func p2pkhSigScript(t *testing.T, pub *btcec.PublicKey) []byte {
	sig := make([]byte, 71)
	sig[0] = 0x30
	script, err := txscript.NewScriptBuilder().
		AddData(sig).
		AddData(pub.SerializeCompressed()).
		Script()
	require.NoError(t, err)
	return script
}

func fedSigScript(t *testing.T, redeem []byte) []byte {
	script, err := unsignedSigScript(redeem)
	require.NoError(t, err)
	return script
}

func addrScript(t *testing.T, addr btcutil.Address) []byte {
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return script
}

func p2pkhScript(t *testing.T, pub *btcec.PublicKey) []byte {
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), testParams)
	require.NoError(t, err)
	return addrScript(t, addr)
}

// newTx returns a transaction with one input per signature script.
func newTx(sigScripts ...[]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for i, s := range sigScripts {
		prev := wire.OutPoint{Hash: chainhash.Hash{0xab, byte(i)}, Index: uint32(i)}
		tx.AddTxIn(wire.NewTxIn(&prev, s, nil))
	}
	return tx
}

func credit(seed byte, amount btcutil.Amount, pkScript []byte) wtxmgr.Credit {
	return wtxmgr.Credit{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{seed}, Index: uint32(seed)},
		Amount:   amount,
		PkScript: pkScript,
	}
}

func btcecPrivKey(b [32]byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	return btcec.PrivKeyFromBytes(b[:])
}
