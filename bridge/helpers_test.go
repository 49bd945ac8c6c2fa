// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcbridge/bridgedb"
	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcbridge/peg"
	"github.com/btcsuite/btcbridge/spv"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/stretchr/testify/require"
)

// indexHeight is a Bitcoin height where the pegout index is authoritative
// on regtest.
const indexHeight = 400

type recordedEvent struct {
	name   string
	reason string
	amount btcutil.Amount
	hash   chainhash.Hash
}

// recorder is an EventLogger keeping every event.
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) add(e recordedEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, e := range r.events {
		names = append(names, e.name)
	}
	return names
}

func (r *recorder) last(name string) recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].name == name {
			return r.events[i]
		}
	}
	return recordedEvent{}
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *recorder) LogLockBtc(_ peg.RskAddress, tx *wire.MsgTx, _ btcutil.Address,
	amount btcutil.Amount) {

	r.add(recordedEvent{name: "lock_btc", amount: amount, hash: tx.TxHash()})
}

func (r *recorder) LogPeginBtc(_ peg.RskAddress, tx *wire.MsgTx,
	amount btcutil.Amount, _ int) {

	r.add(recordedEvent{name: "pegin_btc", amount: amount, hash: tx.TxHash()})
}

func (r *recorder) LogRejectedPegin(tx *wire.MsgTx, reason peg.RejectedPeginReason) {
	r.add(recordedEvent{name: "rejected_pegin", reason: reason.String(), hash: tx.TxHash()})
}

func (r *recorder) LogUnrefundablePegin(tx *wire.MsgTx, reason peg.UnrefundablePeginReason) {
	r.add(recordedEvent{name: "unrefundable_pegin", reason: reason.String(), hash: tx.TxHash()})
}

func (r *recorder) LogReleaseBtcRequested(_ chainhash.Hash, tx *wire.MsgTx,
	amount btcutil.Amount) {

	r.add(recordedEvent{name: "release_btc_requested", amount: amount, hash: tx.TxHash()})
}

func (r *recorder) LogPegoutTransactionCreated(btcTxHash chainhash.Hash,
	spent []btcutil.Amount) {

	var total btcutil.Amount
	for _, a := range spent {
		total += a
	}
	r.add(recordedEvent{name: "pegout_transaction_created", amount: total, hash: btcTxHash})
}

func (r *recorder) LogReleaseRequestReceived(rskTxHash chainhash.Hash, _ []byte,
	amount btcutil.Amount) {

	r.add(recordedEvent{name: "release_request_received", amount: amount, hash: rskTxHash})
}

func (r *recorder) LogReleaseRequestRejected(rskTxHash chainhash.Hash,
	amount btcutil.Amount, reason ReleaseRejection) {

	r.add(recordedEvent{name: "release_request_rejected", reason: reason.String(),
		amount: amount, hash: rskTxHash})
}

func (r *recorder) LogReleaseRequested(_, btcTxHash chainhash.Hash, amount btcutil.Amount) {
	r.add(recordedEvent{name: "release_requested", amount: amount, hash: btcTxHash})
}

func (r *recorder) LogPegoutConfirmed(btcTxHash chainhash.Hash, _ int64) {
	r.add(recordedEvent{name: "pegout_confirmed", hash: btcTxHash})
}

func (r *recorder) LogCommitFederation(_, _ []byte, _ int64) {
	r.add(recordedEvent{name: "commit_federation"})
}

func (r *recorder) LogCommitFederationFailed(_ []byte, _ int64) {
	r.add(recordedEvent{name: "commit_federation_failed"})
}

// harness is an engine over a temporary database and an in-memory header
// chain, bootstrapped with a standard federation.
type harness struct {
	t      *testing.T
	c      *peg.Constants
	engine *Engine
	chain  *spv.MemHeaderChain
	events *recorder
	fed    *federation.Federation
}

func newHarness(t *testing.T, acts *activation.Config,
	tweak ...func(*peg.Constants)) *harness {

	t.Helper()

	path := filepath.Join(t.TempDir(), "bridge.db")
	db, err := walletdb.Create("bdb", path, true, time.Second*10, false)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	c := peg.RegNetConstants()
	for _, f := range tweak {
		f(c)
	}
	chain := spv.NewMemHeaderChain()
	chain.AddHeader(indexHeight+20, &wire.BlockHeader{Version: 4, Nonce: 1})

	h := &harness{
		t:      t,
		c:      c,
		chain:  chain,
		events: &recorder{},
		fed:    testFed(t, 1, 1),
	}
	h.engine, err = New(&Config{
		DB:          db,
		Constants:   c,
		Activations: acts,
		Headers:     chain,
		FeePerKb:    StaticFeePerKb(10_000),
		Events:      h.events,
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.Bootstrap(context.Background(), rskTx(1), h.fed))
	return h
}

func rskTx(block int64) RskTx {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(block))
	return RskTx{Hash: chainhash.DoubleHashH(b[:]), BlockNumber: block}
}

func testKey(seed byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	var b [32]byte
	b[0] = 0x17
	b[31] = seed
	return btcec.PrivKeyFromBytes(b[:])
}

func testFed(t *testing.T, seed byte, creationBlock int64) *federation.Federation {
	members := make([]*federation.Member, 5)
	for i := range members {
		_, pub := testKey(seed*10 + byte(i))
		members[i] = federation.NewMemberFromBtcKey(pub)
	}
	f, err := federation.NewStandardMultiSig(federation.Args{
		Members:             members,
		CreationTime:        time.Unix(1700000000, 0),
		CreationBlockNumber: creationBlock,
		Params:              &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)
	return f
}

// p2pkhTx returns a transaction spent by a single key and paying outs.
func p2pkhTx(t *testing.T, seed byte, outs ...*wire.TxOut) *wire.MsgTx {
	_, pub := testKey(100 + seed)
	sig := make([]byte, 71)
	sig[0] = 0x30
	sigScript, err := txscript.NewScriptBuilder().
		AddData(sig).
		AddData(pub.SerializeCompressed()).
		Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	prev := wire.OutPoint{Hash: chainhash.Hash{0xfe, seed}, Index: 0}
	tx.AddTxIn(wire.NewTxIn(&prev, sigScript, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}

func senderAddress(t *testing.T, seed byte) btcutil.Address {
	_, pub := testKey(100 + seed)
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()),
		&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr
}

func p2pkhScript(t *testing.T, seed byte) []byte {
	script, err := txscript.PayToAddrScript(senderAddress(t, seed))
	require.NoError(t, err)
	return script
}

func serialize(t *testing.T, tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

// block is a mined test block.
type block struct {
	height int32
	txs    []*wire.MsgTx
}

func merkleRoot(leaves []chainhash.Hash) chainhash.Hash {
	level := append([]chainhash.Hash(nil), leaves...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			next[i] = blockchain.HashMerkleBranches(&level[2*i], &level[2*i+1])
		}
		level = next
	}
	return level[0]
}

func coinbaseTx(height int32, witnessRoot *chainhash.Hash) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	prev := wire.OutPoint{Index: wire.MaxPrevOutIndex}
	in := wire.NewTxIn(&prev, []byte{0x03, byte(height), byte(height >> 8), 0x00}, nil)
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(50e8, []byte{txscript.OP_TRUE}))
	if witnessRoot != nil {
		var reserved [32]byte
		in.Witness = wire.TxWitness{reserved[:]}
		preimage := append(append([]byte(nil), witnessRoot[:]...), reserved[:]...)
		commitment := chainhash.DoubleHashB(preimage)
		script := append(append([]byte(nil), blockchain.WitnessMagicBytes...), commitment...)
		tx.AddTxOut(wire.NewTxOut(0, script))
	}
	return tx
}

// mine stores a block at height holding a coinbase followed by txs.  The
// coinbase commits to the witness root when any tx carries a witness.
func (h *harness) mine(height int32, txs ...*wire.MsgTx) *block {
	all := append([]*wire.MsgTx{coinbaseTx(height, nil)}, txs...)
	for _, tx := range txs {
		if tx.HasWitness() {
			root := spv.WitnessMerkleRoot(all)
			all[0] = coinbaseTx(height, &root)
			break
		}
	}

	hashes := make([]chainhash.Hash, len(all))
	for i, tx := range all {
		hashes[i] = tx.TxHash()
	}
	h.chain.AddHeader(height, &wire.BlockHeader{
		Version:    4,
		MerkleRoot: merkleRoot(hashes),
		Timestamp:  time.Unix(1700000000+int64(height)*600, 0),
		Bits:       0x207fffff,
		Nonce:      uint32(height),
	})
	return &block{height: height, txs: all}
}

// proof proves the transaction at index i, by witness hash if witness is
// set.
func (b *block) proof(i int, witness bool) []byte {
	hashes := make([]chainhash.Hash, len(b.txs))
	for j, tx := range b.txs {
		hashes[j] = tx.TxHash()
		if witness {
			hashes[j] = tx.WitnessHash()
			if j == 0 {
				hashes[j] = chainhash.Hash{}
			}
		}
	}
	match := make([]bool, len(hashes))
	match[i] = true
	return spv.NewPartialMerkleTree(hashes, match).Serialize()
}

// register mines tx alone at height and registers it at rsk block.
func (h *harness) register(block int64, height int32, tx *wire.MsgTx) {
	h.t.Helper()

	b := h.mine(height, tx)
	err := h.engine.RegisterBtcTransaction(context.Background(), rskTx(block),
		serialize(h.t, tx), height, b.proof(1, tx.HasWitness()))
	require.NoError(h.t, err)
}

func (h *harness) updateCollections(block int64) {
	h.t.Helper()
	require.NoError(h.t, h.engine.UpdateCollections(context.Background(), rskTx(block)))
}

// snapshot is the stored bridge state.
type snapshot struct {
	active, retiring, proposed *federation.Federation
	activeUtxos                []wtxmgr.Credit
	retiringUtxos              []wtxmgr.Credit
	pending                    []*bridgedb.PendingOutbound
	waiting                    map[chainhash.Hash]*wire.MsgTx
	releases                   []bridgedb.ReleaseRequest
	lastRetired                []byte
}

func (h *harness) state() *snapshot {
	h.t.Helper()

	st, err := h.engine.State(context.Background())
	require.NoError(h.t, err)
	return &snapshot{
		active:        st.Active,
		retiring:      st.Retiring,
		proposed:      st.Proposed,
		activeUtxos:   st.ActiveUtxos,
		retiringUtxos: st.RetiringUtxos,
		pending:       st.Pending,
		waiting:       st.WaitingForSignatures,
		releases:      st.ReleaseRequests,
		lastRetired:   st.LastRetiredP2SH,
	}
}

func (h *harness) processed(txHash chainhash.Hash) bool {
	h.t.Helper()

	var ok bool
	err := h.engine.view(0, func(x *execution) error {
		var err error
		ok, err = x.isProcessed(txHash)
		return err
	})
	require.NoError(h.t, err)
	return ok
}
