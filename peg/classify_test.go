// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peg

import (
	"testing"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type memSigHashes map[chainhash.Hash]struct{}

func (m memSigHashes) HasPegoutSigHash(h chainhash.Hash) (bool, error) {
	_, ok := m[h]
	return ok, nil
}

func classifier(t *testing.T, rules activation.ForBlock, btcHeight int32,
	fc *FederationContext, oldFed []byte) *Classifier {

	p := PolicyFor(rules, btcHeight, RegNetConstants())
	return &Classifier{
		Policy:              &p,
		Federations:         fc,
		SigHashes:           memSigHashes{},
		OldFederationScript: oldFed,
	}
}

func TestClassifyLegacy(t *testing.T) {
	t.Parallel()

	active := standardFed(t, 1)
	retiring := standardFed(t, 20)
	oldFed := standardFed(t, 40)
	erp := p2shErpFed(t, 60)
	_, user := testKey(99)
	c := RegNetConstants()

	pay := func(tx *wire.MsgTx, fed *federation.Federation, value int64) *wire.MsgTx {
		tx.AddTxOut(wire.NewTxOut(value, fed.P2SHScript()))
		return tx
	}
	userTx := func() *wire.MsgTx { return newTx(p2pkhSigScript(t, user)) }

	live := &FederationContext{Active: active, Retiring: retiring}
	tests := []struct {
		name  string
		rules activation.ForBlock
		fc    *FederationContext
		tx    *wire.MsgTx
		want  TxType
	}{{
		name:  "pegin above legacy minimum",
		rules: noRules,
		fc:    live,
		tx:    pay(userTx(), active, int64(c.LegacyMinimumPeginValue)),
		want:  TxPegin,
	}, {
		name:  "pegin below legacy minimum",
		rules: noRules,
		fc:    live,
		tx:    pay(userTx(), active, int64(c.LegacyMinimumPeginValue)-1),
		want:  TxUnknown,
	}, {
		name:  "outputs summed before per output minimum",
		rules: noRules,
		fc:    live,
		tx: pay(pay(userTx(), active, int64(c.LegacyMinimumPeginValue)/2),
			retiring, int64(c.LegacyMinimumPeginValue)/2),
		want: TxPegin,
	}, {
		name:  "one small output fails per output minimum",
		rules: fingerroot,
		fc:    live,
		tx: pay(pay(userTx(), active, int64(c.MinimumPeginValue)),
			retiring, int64(c.MinimumPeginValue)-1),
		want: TxUnknown,
	}, {
		name:  "no federation output under per output minimum",
		rules: fingerroot,
		fc:    live,
		tx:    userTx(),
		want:  TxPegin,
	}, {
		name:  "pegout from active",
		rules: fingerroot,
		fc:    live,
		tx:    newTx(fedSigScript(t, active.RedeemScript())),
		want:  TxPegoutOrMigration,
	}, {
		name:  "migration from retiring",
		rules: fingerroot,
		fc:    live,
		tx: pay(newTx(fedSigScript(t, retiring.RedeemScript())), active,
			int64(c.MinimumPeginValue)),
		want: TxPegoutOrMigration,
	}, {
		name:  "migration from retired",
		rules: fingerroot,
		fc: &FederationContext{
			Active:          active,
			LastRetiredP2SH: retiring.StandardP2SHScript(),
		},
		tx: pay(newTx(fedSigScript(t, retiring.RedeemScript())), active,
			int64(c.MinimumPeginValue)),
		want: TxPegoutOrMigration,
	}, {
		name:  "old federation spend",
		rules: fingerroot,
		fc:    &FederationContext{Active: active},
		tx:    newTx(fedSigScript(t, oldFed.RedeemScript())),
		want:  TxPegoutOrMigration,
	}, {
		name:  "old federation spend before recognition",
		rules: activation.AllActive().Without(activation.RSKIP199,
			activation.RSKIP293).ForBlock(1),
		fc:    &FederationContext{Active: active},
		tx:    newTx(fedSigScript(t, oldFed.RedeemScript())),
		want:  TxUnknown,
	}, {
		name:  "emergency federation spend to active before P2SH emergency pegins",
		rules: hop,
		fc:    live,
		tx: pay(newTx(fedSigScript(t, erp.RedeemScript())), active,
			int64(c.MinimumPeginValue)),
		want: TxPegin,
	}, {
		name:  "flyover spend of active",
		rules: fingerroot,
		fc:    live,
		tx: newTx(fedSigScript(t,
			active.FlyoverRedeemScript(chainhash.Hash{7}))),
		want: TxPegoutOrMigration,
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got, err := classifier(t, test.rules, 0, test.fc, oldFed.P2SHScript()).
				Classify(test.tx)
			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}

func TestClassifyWithIndex(t *testing.T) {
	t.Parallel()

	active := standardFed(t, 1)
	_, user := testKey(99)
	fc := &FederationContext{Active: active}
	indexHeight := RegNetConstants().PegoutIndexHeight()

	pegout := newTx(fedSigScript(t, active.RedeemScript()))
	pegout.AddTxOut(wire.NewTxOut(1e6, active.P2SHScript()))
	h, ok := FirstInputSigHash(pegout)
	require.True(t, ok)

	cl := classifier(t, allRules, indexHeight, fc, nil)
	cl.SigHashes = memSigHashes{h: {}}

	got, err := cl.Classify(pegout)
	require.NoError(t, err)
	require.Equal(t, TxPegoutOrMigration, got)

	// A federation spend the index does not know only counts as a
	// peg-in when it pays a live federation.
	cl.SigHashes = memSigHashes{}
	got, err = cl.Classify(pegout)
	require.NoError(t, err)
	require.Equal(t, TxPegin, got)

	small := newTx(p2pkhSigScript(t, user))
	small.AddTxOut(wire.NewTxOut(1, active.P2SHScript()))
	got, err = cl.Classify(small)
	require.NoError(t, err)
	require.Equal(t, TxPegin, got)

	got, err = cl.Classify(newTx(p2pkhSigScript(t, user)))
	require.NoError(t, err)
	require.Equal(t, TxUnknown, got)

	// Below the index height the same spend is recognized structurally.
	got, err = classifier(t, allRules, indexHeight-1, fc, nil).Classify(pegout)
	require.NoError(t, err)
	require.Equal(t, TxPegoutOrMigration, got)
}

func TestFirstInputSigHashIgnoresSignatures(t *testing.T) {
	t.Parallel()

	fed := standardFed(t, 1)
	tx := newTx(fedSigScript(t, fed.RedeemScript()))
	tx.AddTxOut(wire.NewTxOut(5e5, fed.P2SHScript()))
	unsigned, ok := FirstInputSigHash(tx)
	require.True(t, ok)

	_, err := SigHash(tx, 0, fed.RedeemScript())
	require.NoError(t, err)

	signed := tx.Copy()
	sigScript := append([]byte{0x00, 0x01, 0x30}, fedSigScript(t, fed.RedeemScript())[1:]...)
	signed.TxIn[0].SignatureScript = sigScript
	got, ok := FirstInputSigHash(signed)
	require.True(t, ok)
	require.Equal(t, unsigned, got)

	_, ok = FirstInputSigHash(wire.NewMsgTx(2))
	require.False(t, ok)
}
