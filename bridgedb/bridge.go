// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridgedb

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcbridge/spv"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// Keys of the SVP bucket.
var (
	keySvpFundUnsigned  = []byte("fu")
	keySvpFundSigned    = []byte("fs")
	keySvpSpendUnsigned = []byte("su")
)

// TLV record types of stored values.
const (
	typeRskHeight tlv.Type = 0
	typeRskTxHash tlv.Type = 1
	typeTx        tlv.Type = 2

	typeWitnessRoot tlv.Type = 0
	typeReserved    tlv.Type = 1

	typePkScript tlv.Type = 0
	typeAmount   tlv.Type = 1
	typeTxHash   tlv.Type = 2
)

// PendingOutbound is a federation transaction waiting for enough sidechain
// confirmations before it is handed to the signers.
type PendingOutbound struct {
	Record    *wtxmgr.TxRecord
	RskHeight int64
	RskTxHash chainhash.Hash
}

// ReleaseRequest is a queued user pegout.
type ReleaseRequest struct {
	PkScript  []byte
	Amount    btcutil.Amount
	RskTxHash chainhash.Hash
}

// BridgeProvider holds the bridge indexes: processed transactions, pegout
// signature hashes, outbound transactions, registered coinbase information,
// flyover derivations, queued releases and the federation validation
// records.  Writes are buffered until Save.
type BridgeProvider struct {
	ns walletdb.ReadBucket

	processed map[chainhash.Hash]int64
	sigHashes map[chainhash.Hash]struct{}
	coinbases map[chainhash.Hash]*spv.CoinbaseInformation
	flyover   map[chainhash.Hash]int64
	flyoverPk map[string]chainhash.Hash

	pending      fn.Option[map[chainhash.Hash]*PendingOutbound]
	pendingDirty bool
	waiting      fn.Option[map[chainhash.Hash]*wire.MsgTx]
	waitingDirty bool
	releases     fn.Option[[]ReleaseRequest]
	releaseDirty bool

	lockingCap      fn.Option[btcutil.Amount]
	lockingCapDirty bool

	svpFundUnsigned  fn.Option[fn.Option[chainhash.Hash]]
	svpFundSigned    fn.Option[*wire.MsgTx]
	svpSpendUnsigned fn.Option[fn.Option[chainhash.Hash]]
	svpDirty         bool
}

// NewBridgeProvider returns a provider over the bridge namespace ns.
func NewBridgeProvider(ns walletdb.ReadBucket) *BridgeProvider {
	return &BridgeProvider{
		ns:        ns,
		processed: make(map[chainhash.Hash]int64),
		sigHashes: make(map[chainhash.Hash]struct{}),
		coinbases: make(map[chainhash.Hash]*spv.CoinbaseInformation),
		flyover:   make(map[chainhash.Hash]int64),
		flyoverPk: make(map[string]chainhash.Hash),
	}
}

// ProcessedHeight returns the sidechain height at which the Bitcoin
// transaction txHash was processed.
func (p *BridgeProvider) ProcessedHeight(txHash chainhash.Hash) (int64, bool, error) {
	if h, ok := p.processed[txHash]; ok {
		return h, true, nil
	}
	b, err := nested(p.ns, bucketProcessed)
	if err != nil {
		return 0, false, err
	}
	h, ok, err := fetchUint64(b, txHash[:])
	return int64(h), ok, err
}

// SetProcessedHeight marks txHash as processed at height.  A transaction is
// processed at most once.
func (p *BridgeProvider) SetProcessedHeight(txHash chainhash.Hash, height int64) error {
	_, ok, err := p.ProcessedHeight(txHash)
	if err != nil {
		return err
	}
	if ok {
		str := fmt.Sprintf("transaction %v already processed", txHash)
		return storeError(ErrAlreadyProcessed, str, nil)
	}
	p.processed[txHash] = height
	return nil
}

// HasPegoutSigHash reports whether h is the signature hash of a transaction
// built by the federation.
func (p *BridgeProvider) HasPegoutSigHash(h chainhash.Hash) (bool, error) {
	if _, ok := p.sigHashes[h]; ok {
		return true, nil
	}
	b, err := nested(p.ns, bucketSigHashes)
	if err != nil {
		return false, err
	}
	return b.Get(h[:]) != nil, nil
}

// AddPegoutSigHash indexes h.
func (p *BridgeProvider) AddPegoutSigHash(h chainhash.Hash) error {
	ok, err := p.HasPegoutSigHash(h)
	if err != nil {
		return err
	}
	if ok {
		str := fmt.Sprintf("signature hash %v already indexed", h)
		return storeError(ErrDuplicateSigHash, str, nil)
	}
	p.sigHashes[h] = struct{}{}
	return nil
}

// CoinbaseInformation returns the coinbase information registered for
// blockHash, or nil.
func (p *BridgeProvider) CoinbaseInformation(blockHash chainhash.Hash) (*spv.CoinbaseInformation, error) {
	if info, ok := p.coinbases[blockHash]; ok {
		return info, nil
	}
	b, err := nested(p.ns, bucketCoinbases)
	if err != nil {
		return nil, err
	}
	v := b.Get(blockHash[:])
	if v == nil {
		return nil, nil
	}
	return decodeCoinbase(v)
}

var _ spv.CoinbaseSource = (*BridgeProvider)(nil)

// SetCoinbaseInformation registers info for blockHash.
func (p *BridgeProvider) SetCoinbaseInformation(blockHash chainhash.Hash,
	info *spv.CoinbaseInformation) {

	p.coinbases[blockHash] = info
}

// FlyoverDerivationHeight returns the height at which a flyover deposit with
// the derivation hash h was registered.
func (p *BridgeProvider) FlyoverDerivationHeight(h chainhash.Hash) (int64, bool, error) {
	if height, ok := p.flyover[h]; ok {
		return height, true, nil
	}
	b, err := nested(p.ns, bucketFlyover)
	if err != nil {
		return 0, false, err
	}
	height, ok, err := fetchUint64(b, h[:])
	return int64(height), ok, err
}

// SetFlyoverDerivationHeight records a flyover deposit.
func (p *BridgeProvider) SetFlyoverDerivationHeight(h chainhash.Hash, height int64) {
	p.flyover[h] = height
}

// FlyoverDerivationForScript returns the derivation hash of the flyover
// output script pkScript, if one was recorded.
func (p *BridgeProvider) FlyoverDerivationForScript(pkScript []byte) (fn.Option[chainhash.Hash], error) {
	if h, ok := p.flyoverPk[string(pkScript)]; ok {
		return fn.Some(h), nil
	}
	b, err := nested(p.ns, bucketFlyoverScripts)
	if err != nil {
		return fn.None[chainhash.Hash](), err
	}
	v := b.Get(pkScript)
	if v == nil {
		return fn.None[chainhash.Hash](), nil
	}
	h, err := chainhash.NewHash(v)
	if err != nil {
		str := "malformed flyover script record"
		return fn.None[chainhash.Hash](), storeError(ErrCorruptState, str, err)
	}
	return fn.Some(*h), nil
}

// SetFlyoverScript records that outputs paying pkScript were derived from
// the flyover derivation hash h.
func (p *BridgeProvider) SetFlyoverScript(pkScript []byte, h chainhash.Hash) {
	p.flyoverPk[string(pkScript)] = h
}

// PendingOutbound returns the outbound transactions ordered by the sidechain
// height they were created at, then by hash.
func (p *BridgeProvider) PendingOutbound() ([]*PendingOutbound, error) {
	pending, err := p.loadPending()
	if err != nil {
		return nil, err
	}
	list := make([]*PendingOutbound, 0, len(pending))
	for _, po := range pending {
		list = append(list, po)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].RskHeight != list[j].RskHeight {
			return list[i].RskHeight < list[j].RskHeight
		}
		return bytes.Compare(list[i].Record.Hash[:], list[j].Record.Hash[:]) < 0
	})
	return list, nil
}

// AddPendingOutbound queues an outbound transaction.
func (p *BridgeProvider) AddPendingOutbound(po *PendingOutbound) error {
	pending, err := p.loadPending()
	if err != nil {
		return err
	}
	pending[po.Record.Hash] = po
	p.pendingDirty = true
	return nil
}

// RemovePendingOutbound drops the outbound transaction txHash.
func (p *BridgeProvider) RemovePendingOutbound(txHash chainhash.Hash) error {
	pending, err := p.loadPending()
	if err != nil {
		return err
	}
	delete(pending, txHash)
	p.pendingDirty = true
	return nil
}

func (p *BridgeProvider) loadPending() (map[chainhash.Hash]*PendingOutbound, error) {
	if p.pending.IsSome() {
		return p.pending.UnwrapOr(nil), nil
	}
	b, err := nested(p.ns, bucketPending)
	if err != nil {
		return nil, err
	}
	pending := make(map[chainhash.Hash]*PendingOutbound)
	err = b.ForEach(func(_, v []byte) error {
		po, err := decodePending(v)
		if err != nil {
			return err
		}
		pending[po.Record.Hash] = po
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.pending = fn.Some(pending)
	return pending, nil
}

// WaitingForSignatures returns the transactions handed to the signers keyed
// by the sidechain transaction that created them.
func (p *BridgeProvider) WaitingForSignatures() (map[chainhash.Hash]*wire.MsgTx, error) {
	if p.waiting.IsSome() {
		return p.waiting.UnwrapOr(nil), nil
	}
	b, err := nested(p.ns, bucketWaiting)
	if err != nil {
		return nil, err
	}
	waiting := make(map[chainhash.Hash]*wire.MsgTx)
	err = b.ForEach(func(k, v []byte) error {
		var tx wire.MsgTx
		if len(k) != chainhash.HashSize {
			return storeError(ErrCorruptState, "bad waiting key", nil)
		}
		if err := tx.Deserialize(bytes.NewReader(v)); err != nil {
			str := fmt.Sprintf("bad waiting transaction %x", k)
			return storeError(ErrCorruptState, str, err)
		}
		var h chainhash.Hash
		copy(h[:], k)
		waiting[h] = &tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.waiting = fn.Some(waiting)
	return waiting, nil
}

// AddWaitingForSignatures hands tx to the signers.
func (p *BridgeProvider) AddWaitingForSignatures(rskTxHash chainhash.Hash, tx *wire.MsgTx) error {
	waiting, err := p.WaitingForSignatures()
	if err != nil {
		return err
	}
	waiting[rskTxHash] = tx
	p.waitingDirty = true
	return nil
}

// ReleaseRequests returns the queued pegouts in arrival order.
func (p *BridgeProvider) ReleaseRequests() ([]ReleaseRequest, error) {
	if p.releases.IsSome() {
		return p.releases.UnwrapOr(nil), nil
	}
	b, err := nested(p.ns, bucketReleases)
	if err != nil {
		return nil, err
	}
	var releases []ReleaseRequest
	err = b.ForEach(func(_, v []byte) error {
		r, err := decodeRelease(v)
		if err != nil {
			return err
		}
		releases = append(releases, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.releases = fn.Some(releases)
	return releases, nil
}

// EnqueueReleaseRequest appends r to the release queue.
func (p *BridgeProvider) EnqueueReleaseRequest(r ReleaseRequest) error {
	releases, err := p.ReleaseRequests()
	if err != nil {
		return err
	}
	p.releases = fn.Some(append(releases, r))
	p.releaseDirty = true
	return nil
}

// SetReleaseRequests replaces the release queue.
func (p *BridgeProvider) SetReleaseRequests(releases []ReleaseRequest) {
	p.releases = fn.Some(releases)
	p.releaseDirty = true
}

// LockingCap returns the maximum amount the federations may custody.
func (p *BridgeProvider) LockingCap() (fn.Option[btcutil.Amount], error) {
	if p.lockingCap.IsSome() {
		return p.lockingCap, nil
	}
	v, ok, err := fetchUint64(p.ns, rootLockingCap)
	if err != nil || !ok {
		return fn.None[btcutil.Amount](), err
	}
	p.lockingCap = fn.Some(btcutil.Amount(v))
	return p.lockingCap, nil
}

// SetLockingCap replaces the locking cap.
func (p *BridgeProvider) SetLockingCap(amount btcutil.Amount) {
	p.lockingCap = fn.Some(amount)
	p.lockingCapDirty = true
}

// SvpFundTxHashUnsigned returns the hash of the validation funding
// transaction while it awaits signatures.
func (p *BridgeProvider) SvpFundTxHashUnsigned() (fn.Option[chainhash.Hash], error) {
	return p.svpHash(&p.svpFundUnsigned, keySvpFundUnsigned)
}

// SvpSpendTxHashUnsigned returns the hash of the validation spend
// transaction while it awaits signatures.
func (p *BridgeProvider) SvpSpendTxHashUnsigned() (fn.Option[chainhash.Hash], error) {
	return p.svpHash(&p.svpSpendUnsigned, keySvpSpendUnsigned)
}

func (p *BridgeProvider) svpHash(cache *fn.Option[fn.Option[chainhash.Hash]],
	k []byte) (fn.Option[chainhash.Hash], error) {

	if cache.IsSome() {
		return cache.UnwrapOr(fn.None[chainhash.Hash]()), nil
	}
	b, err := nested(p.ns, bucketSvp)
	if err != nil {
		return fn.None[chainhash.Hash](), err
	}
	v := b.Get(k)
	if v == nil {
		return fn.None[chainhash.Hash](), nil
	}
	h, err := chainhash.NewHash(v)
	if err != nil {
		return fn.None[chainhash.Hash](), storeError(ErrCorruptState, "bad svp hash", err)
	}
	*cache = fn.Some(fn.Some(*h))
	return fn.Some(*h), nil
}

// SetSvpFundTxHashUnsigned replaces the unsigned funding transaction hash.
func (p *BridgeProvider) SetSvpFundTxHashUnsigned(h fn.Option[chainhash.Hash]) {
	p.svpFundUnsigned = fn.Some(h)
	p.svpDirty = true
}

// SetSvpSpendTxHashUnsigned replaces the unsigned spend transaction hash.
func (p *BridgeProvider) SetSvpSpendTxHashUnsigned(h fn.Option[chainhash.Hash]) {
	p.svpSpendUnsigned = fn.Some(h)
	p.svpDirty = true
}

// SvpFundTxSigned returns the registered validation funding transaction, or
// nil.
func (p *BridgeProvider) SvpFundTxSigned() (*wire.MsgTx, error) {
	if p.svpFundSigned.IsSome() {
		return p.svpFundSigned.UnwrapOr(nil), nil
	}
	b, err := nested(p.ns, bucketSvp)
	if err != nil {
		return nil, err
	}
	v := b.Get(keySvpFundSigned)
	if v == nil {
		return nil, nil
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(v)); err != nil {
		return nil, storeError(ErrCorruptState, "bad svp fund transaction", err)
	}
	p.svpFundSigned = fn.Some(&tx)
	return &tx, nil
}

// SetSvpFundTxSigned replaces the registered funding transaction.  A nil tx
// clears it.
func (p *BridgeProvider) SetSvpFundTxSigned(tx *wire.MsgTx) {
	p.svpFundSigned = fn.Some(tx)
	p.svpDirty = true
}

// Save writes every buffered change.
func (p *BridgeProvider) Save(rules activation.ForBlock) error {
	ns, err := writable(p.ns)
	if err != nil {
		return err
	}

	if err := p.saveIndexes(ns); err != nil {
		return err
	}

	if p.pendingDirty {
		entries := make(map[string][]byte)
		for h, po := range p.pending.UnwrapOr(nil) {
			v, err := encodePending(po)
			if err != nil {
				return err
			}
			entries[string(h[:])] = v
		}
		if err := rewriteBucket(ns, bucketPending, entries); err != nil {
			return err
		}
		p.pendingDirty = false
	}

	if p.waitingDirty {
		entries := make(map[string][]byte)
		for h, tx := range p.waiting.UnwrapOr(nil) {
			var buf bytes.Buffer
			if err := tx.Serialize(&buf); err != nil {
				return err
			}
			entries[string(h[:])] = buf.Bytes()
		}
		if err := rewriteBucket(ns, bucketWaiting, entries); err != nil {
			return err
		}
		p.waitingDirty = false
	}

	if p.releaseDirty {
		entries := make(map[string][]byte)
		for i, r := range p.releases.UnwrapOr(nil) {
			v, err := encodeRelease(&r)
			if err != nil {
				return err
			}
			k := make([]byte, 8)
			byteOrder.PutUint64(k, uint64(i))
			entries[string(k)] = v
		}
		if err := rewriteBucket(ns, bucketReleases, entries); err != nil {
			return err
		}
		p.releaseDirty = false
	}

	if p.lockingCapDirty {
		amount := p.lockingCap.UnwrapOr(0)
		if err := putUint64(ns, rootLockingCap, uint64(amount)); err != nil {
			return err
		}
		p.lockingCapDirty = false
	}

	if p.svpDirty && rules.IsActive(activation.RSKIP419) {
		if err := p.saveSvp(ns); err != nil {
			return err
		}
		p.svpDirty = false
	}

	return nil
}

func (p *BridgeProvider) saveIndexes(ns walletdb.ReadWriteBucket) error {
	b, err := nestedRW(ns, bucketProcessed)
	if err != nil {
		return err
	}
	for h, height := range p.processed {
		if err := putUint64(b, h[:], uint64(height)); err != nil {
			return err
		}
	}
	clear(p.processed)

	b, err = nestedRW(ns, bucketSigHashes)
	if err != nil {
		return err
	}
	for h := range p.sigHashes {
		if err := put(b, h[:], []byte{1}); err != nil {
			return err
		}
	}
	clear(p.sigHashes)

	b, err = nestedRW(ns, bucketCoinbases)
	if err != nil {
		return err
	}
	for h, info := range p.coinbases {
		v, err := encodeCoinbase(info)
		if err != nil {
			return err
		}
		if err := put(b, h[:], v); err != nil {
			return err
		}
	}
	clear(p.coinbases)

	b, err = nestedRW(ns, bucketFlyover)
	if err != nil {
		return err
	}
	for h, height := range p.flyover {
		if err := putUint64(b, h[:], uint64(height)); err != nil {
			return err
		}
	}
	clear(p.flyover)

	b, err = nestedRW(ns, bucketFlyoverScripts)
	if err != nil {
		return err
	}
	for pkScript, h := range p.flyoverPk {
		if err := put(b, []byte(pkScript), h[:]); err != nil {
			return err
		}
	}
	clear(p.flyoverPk)

	return nil
}

func (p *BridgeProvider) saveSvp(ns walletdb.ReadWriteBucket) error {
	b, err := nestedRW(ns, bucketSvp)
	if err != nil {
		return err
	}

	putHash := func(cache fn.Option[fn.Option[chainhash.Hash]], k []byte) error {
		if cache.IsNone() {
			return nil
		}
		h := cache.UnwrapOr(fn.None[chainhash.Hash]())
		if h.IsNone() {
			return del(b, k)
		}
		hash := h.UnwrapOr(chainhash.Hash{})
		return put(b, k, hash[:])
	}
	if err := putHash(p.svpFundUnsigned, keySvpFundUnsigned); err != nil {
		return err
	}
	if err := putHash(p.svpSpendUnsigned, keySvpSpendUnsigned); err != nil {
		return err
	}

	if p.svpFundSigned.IsSome() {
		tx := p.svpFundSigned.UnwrapOr(nil)
		if tx == nil {
			return del(b, keySvpFundSigned)
		}
		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			return err
		}
		return put(b, keySvpFundSigned, buf.Bytes())
	}
	return nil
}

func rewriteBucket(ns walletdb.ReadWriteBucket, name []byte,
	entries map[string][]byte) error {

	b, err := nestedRW(ns, name)
	if err != nil {
		return err
	}
	var stale [][]byte
	err = b.ForEach(func(k, _ []byte) error {
		if _, ok := entries[string(k)]; !ok {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := del(b, k); err != nil {
			return err
		}
	}
	for k, v := range entries {
		if err := put(b, []byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func encodeStream(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeStream(v []byte, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	if err := stream.Decode(bytes.NewReader(v)); err != nil {
		return storeError(ErrCorruptState, "bad tlv record", err)
	}
	return nil
}

func encodePending(po *PendingOutbound) ([]byte, error) {
	height := uint64(po.RskHeight)
	rskTxHash := [32]byte(po.RskTxHash)
	raw := po.Record.SerializedTx
	return encodeStream(
		tlv.MakePrimitiveRecord(typeRskHeight, &height),
		tlv.MakePrimitiveRecord(typeRskTxHash, &rskTxHash),
		tlv.MakePrimitiveRecord(typeTx, &raw),
	)
}

func decodePending(v []byte) (*PendingOutbound, error) {
	var (
		height    uint64
		rskTxHash [32]byte
		raw       []byte
	)
	err := decodeStream(v,
		tlv.MakePrimitiveRecord(typeRskHeight, &height),
		tlv.MakePrimitiveRecord(typeRskTxHash, &rskTxHash),
		tlv.MakePrimitiveRecord(typeTx, &raw),
	)
	if err != nil {
		return nil, err
	}
	rec, err := wtxmgr.NewTxRecord(raw, time.Time{})
	if err != nil {
		return nil, storeError(ErrCorruptState, "bad pending transaction", err)
	}
	return &PendingOutbound{
		Record:    rec,
		RskHeight: int64(height),
		RskTxHash: rskTxHash,
	}, nil
}

func encodeCoinbase(info *spv.CoinbaseInformation) ([]byte, error) {
	root := [32]byte(info.WitnessMerkleRoot)
	reserved := info.WitnessReservedValue
	return encodeStream(
		tlv.MakePrimitiveRecord(typeWitnessRoot, &root),
		tlv.MakePrimitiveRecord(typeReserved, &reserved),
	)
}

func decodeCoinbase(v []byte) (*spv.CoinbaseInformation, error) {
	var root, reserved [32]byte
	err := decodeStream(v,
		tlv.MakePrimitiveRecord(typeWitnessRoot, &root),
		tlv.MakePrimitiveRecord(typeReserved, &reserved),
	)
	if err != nil {
		return nil, err
	}
	return &spv.CoinbaseInformation{
		WitnessMerkleRoot:    root,
		WitnessReservedValue: reserved,
	}, nil
}

func encodeRelease(r *ReleaseRequest) ([]byte, error) {
	script := r.PkScript
	amount := uint64(r.Amount)
	rskTxHash := [32]byte(r.RskTxHash)
	return encodeStream(
		tlv.MakePrimitiveRecord(typePkScript, &script),
		tlv.MakePrimitiveRecord(typeAmount, &amount),
		tlv.MakePrimitiveRecord(typeTxHash, &rskTxHash),
	)
}

func decodeRelease(v []byte) (ReleaseRequest, error) {
	var (
		script    []byte
		amount    uint64
		rskTxHash [32]byte
	)
	err := decodeStream(v,
		tlv.MakePrimitiveRecord(typePkScript, &script),
		tlv.MakePrimitiveRecord(typeAmount, &amount),
		tlv.MakePrimitiveRecord(typeTxHash, &rskTxHash),
	)
	if err != nil {
		return ReleaseRequest{}, err
	}
	return ReleaseRequest{
		PkScript:  script,
		Amount:    btcutil.Amount(amount),
		RskTxHash: rskTxHash,
	}, nil
}
