// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package federation

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Member is a single signer of a federation.  Only the BTC key takes part
// in script construction; the sidechain and MST keys are carried so that a
// decoded federation is identical to the one that was stored.
type Member struct {
	BtcPubKey *btcec.PublicKey
	RskPubKey *btcec.PublicKey
	MstPubKey *btcec.PublicKey
}

// NewMember returns a member with distinct keys for every chain.  Nil
// sidechain or MST keys default to the BTC key.
func NewMember(btcKey, rskKey, mstKey *btcec.PublicKey) *Member {
	if rskKey == nil {
		rskKey = btcKey
	}
	if mstKey == nil {
		mstKey = rskKey
	}
	return &Member{BtcPubKey: btcKey, RskPubKey: rskKey, MstPubKey: mstKey}
}

// NewMemberFromBtcKey returns a member that uses a single key for all chains,
// which is how federations stored in the oldest format are decoded.
func NewMemberFromBtcKey(btcKey *btcec.PublicKey) *Member {
	return NewMember(btcKey, nil, nil)
}

// Equal reports whether two members hold the same keys.
func (m *Member) Equal(other *Member) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.BtcPubKey.IsEqual(other.BtcPubKey) &&
		m.RskPubKey.IsEqual(other.RskPubKey) &&
		m.MstPubKey.IsEqual(other.MstPubKey)
}

// byBtcKey sorts members by the compressed serialization of their BTC key.
type byBtcKey []*Member

func (s byBtcKey) Len() int      { return len(s) }
func (s byBtcKey) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byBtcKey) Less(i, j int) bool {
	return bytes.Compare(s[i].BtcPubKey.SerializeCompressed(),
		s[j].BtcPubKey.SerializeCompressed()) < 0
}

// sortedKeys returns a sorted copy of keys ordered by their compressed
// serialization.
func sortedKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	sorted := make([]*btcec.PublicKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].SerializeCompressed(),
			sorted[j].SerializeCompressed()) < 0
	})
	return sorted
}

// checkDuplicates returns an error if any compressed key occurs twice.
func checkDuplicates(keys []*btcec.PublicKey) error {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == nil {
			return newError(ErrInvalidKey, "nil public key", nil)
		}
		ser := string(k.SerializeCompressed())
		if _, ok := seen[ser]; ok {
			return newError(ErrDuplicateMember,
				"duplicate public key in member set", nil)
		}
		seen[ser] = struct{}{}
	}
	return nil
}
