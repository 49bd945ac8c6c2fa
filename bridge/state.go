// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"context"

	"github.com/btcsuite/btcbridge/bridgedb"
	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// State is a snapshot of the stored bridge state.
type State struct {
	Active   *federation.Federation
	Retiring *federation.Federation
	Proposed *federation.Federation

	ActiveUtxos   []wtxmgr.Credit
	RetiringUtxos []wtxmgr.Credit

	Pending              []*bridgedb.PendingOutbound
	WaitingForSignatures map[chainhash.Hash]*wire.MsgTx
	ReleaseRequests      []bridgedb.ReleaseRequest

	LockingCap btcutil.Amount

	// LastRetiredP2SH is nil until a federation was retired.
	LastRetiredP2SH []byte
}

// LockedBalance is the value held by the active and retiring federations.
func (s *State) LockedBalance() btcutil.Amount {
	return sumCredits(s.ActiveUtxos) + sumCredits(s.RetiringUtxos)
}

// State returns a snapshot of the bridge.
func (e *Engine) State(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &State{}
	err := e.view(0, func(x *execution) error {
		var err error
		if s.Active, err = x.feds.ActiveFederation(); err != nil {
			return err
		}
		if s.Retiring, err = x.feds.RetiringFederation(); err != nil {
			return err
		}
		if s.Proposed, err = x.feds.ProposedFederation(); err != nil {
			return err
		}
		if s.ActiveUtxos, err = x.feds.ActiveFederationUTXOs(); err != nil {
			return err
		}
		if s.RetiringUtxos, err = x.feds.RetiringFederationUTXOs(); err != nil {
			return err
		}
		if s.Pending, err = x.store.PendingOutbound(); err != nil {
			return err
		}
		if s.WaitingForSignatures, err = x.store.WaitingForSignatures(); err != nil {
			return err
		}
		if s.ReleaseRequests, err = x.store.ReleaseRequests(); err != nil {
			return err
		}
		if s.LockingCap, err = x.lockingCap(); err != nil {
			return err
		}
		retired, err := x.feds.LastRetiredFederationP2SHScript()
		if err != nil {
			return err
		}
		s.LastRetiredP2SH = retired.UnwrapOr(nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
