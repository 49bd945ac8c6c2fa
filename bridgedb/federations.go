// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridgedb

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Keys of the federations bucket.
var (
	keyActive               = []byte("new")
	keyActiveVersion        = []byte("newv")
	keyRetiring             = []byte("old")
	keyRetiringVersion      = []byte("oldv")
	keyProposed             = []byte("prop")
	keyProposedVersion      = []byte("propv")
	keyLastRetiredP2SH      = []byte("lrps")
	keyActiveCreationHeight = []byte("afch")
	keyNextCreationHeight   = []byte("nfch")
)

// nullRecord marks a slot that was explicitly cleared.  No encoded federation
// is a single byte long.
var nullRecord = []byte{0}

// slot is a cached federation slot.  Some(nil) is an explicitly empty slot.
// None means nothing was read yet, so a slot missing from the store is
// queried again on the next call.
type slot struct {
	key, versionKey []byte
	cached          fn.Option[*federation.Federation]
	dirty           bool
}

type utxoSet struct {
	bucket []byte
	cached fn.Option[[]wtxmgr.Credit]
	dirty  bool
}

// FederationProvider reads and writes the federation slots and their UTXO
// sets.  Reads are memoized for the life of the provider and writes are
// buffered until Save.  A provider is not safe for concurrent use and must
// not outlive the database transaction it was created in.
type FederationProvider struct {
	ns     walletdb.ReadBucket
	params *chaincfg.Params

	versions map[string]fn.Option[federation.FormatVersion]

	active, retiring, proposed slot

	activeUtxos, retiringUtxos utxoSet

	lastRetiredP2SH      fn.Option[[]byte]
	lastRetiredP2SHDirty bool
	activeCreationHeight fn.Option[int64]
	nextCreationHeight   fn.Option[int64]
	creationHeightsDirty bool
}

// NewFederationProvider returns a provider over the bridge namespace ns.
// Save requires ns to be writable.
func NewFederationProvider(ns walletdb.ReadBucket,
	params *chaincfg.Params) *FederationProvider {

	return &FederationProvider{
		ns:       ns,
		params:   params,
		versions: make(map[string]fn.Option[federation.FormatVersion]),
		active: slot{
			key: keyActive, versionKey: keyActiveVersion,
		},
		retiring: slot{
			key: keyRetiring, versionKey: keyRetiringVersion,
		},
		proposed: slot{
			key: keyProposed, versionKey: keyProposedVersion,
		},
		activeUtxos:   utxoSet{bucket: bucketActiveUtxos},
		retiringUtxos: utxoSet{bucket: bucketRetiringUtxo},
	}
}

// ActiveFederation returns the active federation, or nil if none is stored.
func (p *FederationProvider) ActiveFederation() (*federation.Federation, error) {
	return p.get(&p.active)
}

// RetiringFederation returns the retiring federation, or nil.
func (p *FederationProvider) RetiringFederation() (*federation.Federation, error) {
	return p.get(&p.retiring)
}

// ProposedFederation returns the federation awaiting validation, or nil.
func (p *FederationProvider) ProposedFederation() (*federation.Federation, error) {
	return p.get(&p.proposed)
}

// SetActiveFederation replaces the active federation.
func (p *FederationProvider) SetActiveFederation(f *federation.Federation) {
	p.set(&p.active, f)
}

// SetRetiringFederation replaces the retiring federation.  A nil f clears
// the slot.
func (p *FederationProvider) SetRetiringFederation(f *federation.Federation) {
	p.set(&p.retiring, f)
}

// SetProposedFederation replaces the proposed federation.  A nil f clears
// the slot.
func (p *FederationProvider) SetProposedFederation(f *federation.Federation) {
	p.set(&p.proposed, f)
}

// LiveFederations returns the active federation followed by the retiring one
// when present.
func (p *FederationProvider) LiveFederations() ([]*federation.Federation, error) {
	active, err := p.ActiveFederation()
	if err != nil {
		return nil, err
	}
	retiring, err := p.RetiringFederation()
	if err != nil {
		return nil, err
	}
	var live []*federation.Federation
	if active != nil {
		live = append(live, active)
	}
	if retiring != nil {
		live = append(live, retiring)
	}
	return live, nil
}

func (p *FederationProvider) set(s *slot, f *federation.Federation) {
	s.cached = fn.Some(f)
	s.dirty = true
}

func (p *FederationProvider) get(s *slot) (*federation.Federation, error) {
	if s.cached.IsSome() {
		return s.cached.UnwrapOr(nil), nil
	}

	b, err := nested(p.ns, bucketFederations)
	if err != nil {
		return nil, err
	}
	payload := b.Get(s.key)
	if payload == nil {
		return nil, nil
	}
	if bytes.Equal(payload, nullRecord) {
		s.cached = fn.Some[*federation.Federation](nil)
		return nil, nil
	}

	version, err := p.version(b, s.versionKey)
	if err != nil {
		return nil, err
	}

	// Records written before versioned storage carry only BTC keys.
	decode := func() (*federation.Federation, error) {
		return federation.DecodeBtcKeysOnly(payload, p.params)
	}
	version.WhenSome(func(v federation.FormatVersion) {
		decode = func() (*federation.Federation, error) {
			return federation.Decode(v, payload, p.params)
		}
	})
	f, err := decode()
	if err != nil {
		str := fmt.Sprintf("failed to decode federation %q", s.key)
		return nil, storeError(ErrCorruptState, str, err)
	}

	s.cached = fn.Some(f)
	return f, nil
}

// version returns the memoized format version stored under k.  Absent
// versions are not memoized.
func (p *FederationProvider) version(b walletdb.ReadBucket,
	k []byte) (fn.Option[federation.FormatVersion], error) {

	if v, ok := p.versions[string(k)]; ok {
		return v, nil
	}
	raw := b.Get(k)
	if raw == nil {
		return fn.None[federation.FormatVersion](), nil
	}
	if len(raw) != 4 {
		str := fmt.Sprintf("bad format version under %q", k)
		return fn.None[federation.FormatVersion](), storeError(ErrCorruptState, str, nil)
	}
	v := federation.FormatVersion(byteOrder.Uint32(raw))
	if !federation.IsKnownFormatVersion(v) {
		str := fmt.Sprintf("unknown format version %d under %q", v, k)
		return fn.None[federation.FormatVersion](), storeError(ErrCorruptState, str, nil)
	}
	p.versions[string(k)] = fn.Some(v)
	return fn.Some(v), nil
}

// ActiveFederationUTXOs returns the spendable outputs of the active
// federation ordered by outpoint.
func (p *FederationProvider) ActiveFederationUTXOs() ([]wtxmgr.Credit, error) {
	return p.utxos(&p.activeUtxos)
}

// RetiringFederationUTXOs returns the spendable outputs of the retiring
// federation ordered by outpoint.
func (p *FederationProvider) RetiringFederationUTXOs() ([]wtxmgr.Credit, error) {
	return p.utxos(&p.retiringUtxos)
}

// SetActiveFederationUTXOs replaces the active federation UTXO set.
func (p *FederationProvider) SetActiveFederationUTXOs(utxos []wtxmgr.Credit) {
	p.activeUtxos.cached = fn.Some(utxos)
	p.activeUtxos.dirty = true
}

// SetRetiringFederationUTXOs replaces the retiring federation UTXO set.
func (p *FederationProvider) SetRetiringFederationUTXOs(utxos []wtxmgr.Credit) {
	p.retiringUtxos.cached = fn.Some(utxos)
	p.retiringUtxos.dirty = true
}

func (p *FederationProvider) utxos(s *utxoSet) ([]wtxmgr.Credit, error) {
	if s.cached.IsSome() {
		return s.cached.UnwrapOr(nil), nil
	}

	b, err := nested(p.ns, s.bucket)
	if err != nil {
		return nil, err
	}
	var utxos []wtxmgr.Credit
	err = b.ForEach(func(k, v []byte) error {
		c, err := readCredit(k, v)
		if err != nil {
			return err
		}
		utxos = append(utxos, c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cached = fn.Some(utxos)
	return utxos, nil
}

// LastRetiredFederationP2SHScript returns the standard P2SH output script of
// the most recently retired federation.
func (p *FederationProvider) LastRetiredFederationP2SHScript() (fn.Option[[]byte], error) {
	if p.lastRetiredP2SH.IsSome() {
		return p.lastRetiredP2SH, nil
	}
	b, err := nested(p.ns, bucketFederations)
	if err != nil {
		return fn.None[[]byte](), err
	}
	v := b.Get(keyLastRetiredP2SH)
	if v == nil {
		return fn.None[[]byte](), nil
	}
	p.lastRetiredP2SH = fn.Some(append([]byte(nil), v...))
	return p.lastRetiredP2SH, nil
}

// SetLastRetiredFederationP2SHScript records the script of a federation that
// just finished retiring.
func (p *FederationProvider) SetLastRetiredFederationP2SHScript(script []byte) {
	p.lastRetiredP2SH = fn.Some(script)
	p.lastRetiredP2SHDirty = true
}

// ActiveFederationCreationHeight returns the sidechain height at which the
// active federation was committed.
func (p *FederationProvider) ActiveFederationCreationHeight() (fn.Option[int64], error) {
	return p.creationHeight(&p.activeCreationHeight, keyActiveCreationHeight)
}

// NextFederationCreationHeight returns the sidechain height at which a
// pending federation change was committed.
func (p *FederationProvider) NextFederationCreationHeight() (fn.Option[int64], error) {
	return p.creationHeight(&p.nextCreationHeight, keyNextCreationHeight)
}

// SetFederationCreationHeights records both creation heights.
func (p *FederationProvider) SetFederationCreationHeights(active, next int64) {
	p.activeCreationHeight = fn.Some(active)
	p.nextCreationHeight = fn.Some(next)
	p.creationHeightsDirty = true
}

func (p *FederationProvider) creationHeight(cache *fn.Option[int64],
	k []byte) (fn.Option[int64], error) {

	if cache.IsSome() {
		return *cache, nil
	}
	b, err := nested(p.ns, bucketFederations)
	if err != nil {
		return fn.None[int64](), err
	}
	v, ok, err := fetchUint64(b, k)
	if err != nil || !ok {
		return fn.None[int64](), err
	}
	*cache = fn.Some(int64(v))
	return *cache, nil
}

// Save writes every modified value.  The encoding of each federation slot
// depends on the rules active for the block being processed.
func (p *FederationProvider) Save(rules activation.ForBlock) error {
	ns, err := writable(p.ns)
	if err != nil {
		return err
	}
	b, err := nestedRW(ns, bucketFederations)
	if err != nil {
		return err
	}

	if p.active.dirty {
		f := p.active.cached.UnwrapOr(nil)
		if f != nil {
			if err := p.putFederation(b, &p.active, f, rules); err != nil {
				return err
			}
		}
		p.active.dirty = false
	}

	if p.retiring.dirty {
		if err := p.putRetiring(b, rules); err != nil {
			return err
		}
		p.retiring.dirty = false
	}

	// Before validation exists the proposed slot holds the federation
	// awaiting a manual commit.
	if p.proposed.dirty {
		f := p.proposed.cached.UnwrapOr(nil)
		if f == nil {
			if err := del(b, keyProposed); err != nil {
				return err
			}
			if err := del(b, keyProposedVersion); err != nil {
				return err
			}
			delete(p.versions, string(keyProposedVersion))
		} else if err := p.putFederation(b, &p.proposed, f, rules); err != nil {
			return err
		}
		p.proposed.dirty = false
	}

	for _, s := range []*utxoSet{&p.activeUtxos, &p.retiringUtxos} {
		if !s.dirty {
			continue
		}
		if err := putUtxos(ns, s); err != nil {
			return err
		}
		s.dirty = false
	}

	if rules.IsActive(activation.RSKIP186) {
		if p.lastRetiredP2SHDirty {
			script := p.lastRetiredP2SH.UnwrapOr(nil)
			if err := put(b, keyLastRetiredP2SH, script); err != nil {
				return err
			}
			p.lastRetiredP2SHDirty = false
		}
		if p.creationHeightsDirty {
			err := putUint64(b, keyActiveCreationHeight,
				uint64(p.activeCreationHeight.UnwrapOr(0)))
			if err != nil {
				return err
			}
			err = putUint64(b, keyNextCreationHeight,
				uint64(p.nextCreationHeight.UnwrapOr(0)))
			if err != nil {
				return err
			}
			p.creationHeightsDirty = false
		}
	}

	return nil
}

// putRetiring saves the retiring slot.  Unlike the active slot, an empty
// retiring slot is written so it is not read back from an older record.
func (p *FederationProvider) putRetiring(b walletdb.ReadWriteBucket,
	rules activation.ForBlock) error {

	f := p.retiring.cached.UnwrapOr(nil)
	if f != nil {
		return p.putFederation(b, &p.retiring, f, rules)
	}
	if rules.IsActive(activation.RSKIP123) {
		err := p.putVersion(b, keyRetiringVersion,
			federation.StandardMultiSigFormat)
		if err != nil {
			return err
		}
	}
	return put(b, keyRetiring, nullRecord)
}

func (p *FederationProvider) putFederation(b walletdb.ReadWriteBucket, s *slot,
	f *federation.Federation, rules activation.ForBlock) error {

	// The proposed slot postdates the BTC-keys-only format.
	versioned := rules.IsActive(activation.RSKIP123) || s == &p.proposed

	if !versioned {
		if f.Kind() != federation.StandardMultiSig {
			str := fmt.Sprintf("%v federation cannot be stored "+
				"before %v", f.Kind(), activation.RSKIP123)
			return storeError(ErrFormatNotEnabled, str, nil)
		}
		return put(b, s.key, federation.EncodeBtcKeysOnly(f))
	}

	if f.Kind() == federation.P2shErp && !rules.IsActive(activation.RSKIP353) {
		str := fmt.Sprintf("%v federation cannot be stored before %v",
			f.Kind(), activation.RSKIP353)
		return storeError(ErrFormatNotEnabled, str, nil)
	}
	if err := p.putVersion(b, s.versionKey, f.FormatVersion()); err != nil {
		return err
	}
	return put(b, s.key, federation.Encode(f))
}

func (p *FederationProvider) putVersion(b walletdb.ReadWriteBucket, k []byte,
	v federation.FormatVersion) error {

	raw := make([]byte, 4)
	byteOrder.PutUint32(raw, uint32(v))
	if err := put(b, k, raw); err != nil {
		return err
	}
	p.versions[string(k)] = fn.Some(v)
	return nil
}

func putUtxos(ns walletdb.ReadWriteBucket, s *utxoSet) error {
	b, err := nestedRW(ns, s.bucket)
	if err != nil {
		return err
	}

	var stale [][]byte
	err = b.ForEach(func(k, _ []byte) error {
		stale = append(stale, append([]byte(nil), k...))
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

	for _, c := range s.cached.UnwrapOr(nil) {
		if err := put(b, keyOutPoint(&c.OutPoint), valueCredit(&c)); err != nil {
			return err
		}
	}
	return nil
}

// SortCredits orders credits by outpoint, the order they are read back in.
func SortCredits(credits []wtxmgr.Credit) {
	sort.Slice(credits, func(i, j int) bool {
		return bytes.Compare(keyOutPoint(&credits[i].OutPoint),
			keyOutPoint(&credits[j].OutPoint)) < 0
	})
}

// keyOutPoint returns the outpoint key: the transaction hash followed by the
// big endian output index.
func keyOutPoint(op *wire.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.Hash[:])
	byteOrder.PutUint32(k[32:], op.Index)
	return k
}

// valueCredit serializes the amount, block height, block hash and output
// script of a credit.
func valueCredit(c *wtxmgr.Credit) []byte {
	v := make([]byte, 44+len(c.PkScript))
	byteOrder.PutUint64(v, uint64(c.Amount))
	byteOrder.PutUint32(v[8:], uint32(c.Block.Height))
	copy(v[12:44], c.Block.Hash[:])
	copy(v[44:], c.PkScript)
	return v
}

func readCredit(k, v []byte) (wtxmgr.Credit, error) {
	var c wtxmgr.Credit
	if len(k) != 36 || len(v) < 44 {
		str := fmt.Sprintf("bad utxo record %x", k)
		return c, storeError(ErrCorruptState, str, nil)
	}
	copy(c.OutPoint.Hash[:], k[:32])
	c.OutPoint.Index = byteOrder.Uint32(k[32:])
	c.Amount = btcutil.Amount(byteOrder.Uint64(v))
	c.Block.Height = int32(byteOrder.Uint32(v[8:]))
	copy(c.Block.Hash[:], v[12:44])
	c.PkScript = append([]byte(nil), v[44:]...)
	return c, nil
}
