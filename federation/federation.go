// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package federation

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// MaxMembers is the largest member set a standard OP_CHECKMULTISIG script
// can express.
const MaxMembers = txscript.MaxPubKeysPerMultiSig

// Args holds the values common to every kind of federation.
type Args struct {
	Members             []*Member
	CreationTime        time.Time
	CreationBlockNumber int64
	Params              *chaincfg.Params
}

// Federation is an immutable set of members that jointly controls a P2SH
// custody address.  Two federations are equal when their redeem scripts are
// byte-identical.
type Federation struct {
	members             []*Member
	creationTime        time.Time
	creationBlockNumber int64
	params              *chaincfg.Params
	builder             ScriptBuilder

	redeemScript         []byte
	standardRedeemScript []byte
	address              *btcutil.AddressScriptHash
}

// New creates a federation whose redeem script is produced by builder.
// Members are ordered by their compressed BTC public key and the creation
// time is truncated to millisecond precision so that it survives a round
// trip through storage.
func New(args Args, builder ScriptBuilder) (*Federation, error) {
	if builder == nil {
		return nil, newError(ErrScriptCreation, "nil script builder", nil)
	}
	if args.Params == nil {
		return nil, newError(ErrInvalidMembers, "nil network params", nil)
	}
	if len(args.Members) == 0 || len(args.Members) > MaxMembers {
		str := fmt.Sprintf("member count %d out of range [1, %d]",
			len(args.Members), MaxMembers)
		return nil, newError(ErrInvalidMembers, str, nil)
	}

	members := make([]*Member, len(args.Members))
	keys := make([]*btcec.PublicKey, len(args.Members))
	for i, m := range args.Members {
		if m == nil || m.BtcPubKey == nil {
			return nil, newError(ErrInvalidKey, "member without BTC key", nil)
		}
		members[i] = m
		keys[i] = m.BtcPubKey
	}
	if err := checkDuplicates(keys); err != nil {
		return nil, err
	}
	sort.Sort(byBtcKey(members))
	keys = sortedKeys(keys)

	redeem, err := builder.BuildScript(keys)
	if err != nil {
		return nil, err
	}
	standard := redeem
	if builder.Kind() != StandardMultiSig {
		standard, err = StandardMultiSigBuilder{}.BuildScript(keys)
		if err != nil {
			return nil, err
		}
	}
	addr, err := btcutil.NewAddressScriptHash(redeem, args.Params)
	if err != nil {
		return nil, newError(ErrScriptCreation, "unable to derive address", err)
	}

	return &Federation{
		members:              members,
		creationTime:         time.UnixMilli(args.CreationTime.UnixMilli()).UTC(),
		creationBlockNumber:  args.CreationBlockNumber,
		params:               args.Params,
		builder:              builder,
		redeemScript:         redeem,
		standardRedeemScript: standard,
		address:              addr,
	}, nil
}

// NewStandardMultiSig creates a federation controlled by a plain multisig
// script.
func NewStandardMultiSig(args Args) (*Federation, error) {
	return New(args, StandardMultiSigBuilder{})
}

// NewLegacyErp creates a federation controlled by a legacy emergency
// recovery script.
func NewLegacyErp(args Args, erp ErpParams) (*Federation, error) {
	b, err := NewLegacyErpBuilder(erp)
	if err != nil {
		return nil, err
	}
	return New(args, b)
}

// NewP2shErp creates a federation controlled by a P2SH emergency recovery
// script.
func NewP2shErp(args Args, erp ErpParams) (*Federation, error) {
	b, err := NewP2shErpBuilder(erp)
	if err != nil {
		return nil, err
	}
	return New(args, b)
}

// Members returns a copy of the sorted member list.
func (f *Federation) Members() []*Member {
	m := make([]*Member, len(f.members))
	copy(m, f.members)
	return m
}

// BtcPublicKeys returns the sorted BTC keys of all members.
func (f *Federation) BtcPublicKeys() []*btcec.PublicKey {
	keys := make([]*btcec.PublicKey, len(f.members))
	for i, m := range f.members {
		keys[i] = m.BtcPubKey
	}
	return keys
}

// HasBtcPublicKey reports whether key belongs to a member.
func (f *Federation) HasBtcPublicKey(key *btcec.PublicKey) bool {
	for _, m := range f.members {
		if m.BtcPubKey.IsEqual(key) {
			return true
		}
	}
	return false
}

// Size returns the number of members.
func (f *Federation) Size() int { return len(f.members) }

// NumberOfSignaturesRequired returns the multisig threshold.
func (f *Federation) NumberOfSignaturesRequired() int {
	return threshold(len(f.members))
}

// CreationTime returns the creation time with millisecond precision.
func (f *Federation) CreationTime() time.Time { return f.creationTime }

// CreationBlockNumber returns the sidechain block the federation was
// committed in.
func (f *Federation) CreationBlockNumber() int64 { return f.creationBlockNumber }

func (f *Federation) Params() *chaincfg.Params { return f.params }

func (f *Federation) Builder() ScriptBuilder { return f.builder }

func (f *Federation) Kind() Kind { return f.builder.Kind() }

// FormatVersion returns the storage format a federation of this kind is
// written with once versioned storage is enabled.
func (f *Federation) FormatVersion() FormatVersion {
	return f.builder.Kind().FormatVersion()
}

// Address returns the P2SH custody address.
func (f *Federation) Address() *btcutil.AddressScriptHash { return f.address }

// ErpParams returns the emergency recovery configuration of an ERP
// federation.  The boolean is false for standard multisig federations.
func (f *Federation) ErpParams() (ErpParams, bool) {
	switch b := f.builder.(type) {
	case *LegacyErpBuilder:
		return b.Erp, true
	case *P2shErpBuilder:
		return b.Erp, true
	default:
		return ErpParams{}, false
	}
}

// RedeemScript returns a copy of the federation redeem script.
func (f *Federation) RedeemScript() []byte {
	return append([]byte(nil), f.redeemScript...)
}

// StandardRedeemScript returns the plain multisig script over the member
// keys.  It equals RedeemScript for standard multisig federations.
func (f *Federation) StandardRedeemScript() []byte {
	return append([]byte(nil), f.standardRedeemScript...)
}

// P2SHScript returns the output script paying the federation address.
func (f *Federation) P2SHScript() []byte {
	script, _ := txscript.PayToAddrScript(f.address)
	return script
}

// StandardP2SHScript returns the output script paying the P2SH hash of the
// standard redeem script.
func (f *Federation) StandardP2SHScript() []byte {
	return p2shScript(f.standardRedeemScript)
}

// ScriptHash returns the hash160 of the redeem script, which identifies
// the federation.
func (f *Federation) ScriptHash() []byte {
	return f.address.ScriptAddress()
}

// FlyoverRedeemScript returns the redeem script of the flyover address
// derived from hash.
func (f *Federation) FlyoverRedeemScript(hash [32]byte) []byte {
	return FlyoverRedeemScript(hash, f.redeemScript)
}

// FlyoverAddress returns the P2SH address of the flyover redeem script
// derived from hash.
func (f *Federation) FlyoverAddress(hash [32]byte) (*btcutil.AddressScriptHash, error) {
	addr, err := btcutil.NewAddressScriptHash(f.FlyoverRedeemScript(hash), f.params)
	if err != nil {
		return nil, newError(ErrScriptCreation, "unable to derive flyover address", err)
	}
	return addr, nil
}

// FlyoverP2SHScript returns the output script paying the flyover address
// derived from hash.
func (f *Federation) FlyoverP2SHScript(hash [32]byte) []byte {
	return p2shScript(f.FlyoverRedeemScript(hash))
}

// Equal reports whether both federations have identical redeem scripts.
func (f *Federation) Equal(other *Federation) bool {
	if f == nil || other == nil {
		return f == other
	}
	return bytes.Equal(f.redeemScript, other.redeemScript)
}

// String returns a short description of the federation.
func (f *Federation) String() string {
	return fmt.Sprintf("%v federation %v (%d-of-%d)", f.Kind(),
		f.address.EncodeAddress(), f.NumberOfSignaturesRequired(), f.Size())
}

// FlyoverRedeemScript prefixes redeem with a push of hash followed by
// OP_DROP.
func FlyoverRedeemScript(hash [32]byte, redeem []byte) []byte {
	script := make([]byte, 0, 2+len(hash)+len(redeem))
	script = append(script, txscript.OP_DATA_32)
	script = append(script, hash[:]...)
	script = append(script, txscript.OP_DROP)
	return append(script, redeem...)
}

func p2shScript(redeem []byte) []byte {
	script := make([]byte, 0, 23)
	script = append(script, txscript.OP_HASH160, txscript.OP_DATA_20)
	script = append(script, btcutil.Hash160(redeem)...)
	return append(script, txscript.OP_EQUAL)
}
