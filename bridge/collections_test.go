// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"context"
	"testing"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestReleaseBtcRejections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, activation.AllActive())
	ctx := context.Background()

	err := h.engine.ReleaseBtc(ctx, rskTx(2), senderAddress(t, 1), h.c.MinimumPegoutValue-1)
	require.NoError(t, err)
	require.Equal(t, "LOW_AMOUNT", h.events.last("release_request_rejected").reason)

	mainnet, err := btcutil.NewAddressPubKeyHash(make([]byte, 20), &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.NoError(t, h.engine.ReleaseBtc(ctx, rskTx(3), mainnet, 1e8))
	require.Equal(t, "INVALID_DESTINATION", h.events.last("release_request_rejected").reason)

	require.Empty(t, h.state().releases)

	require.NoError(t, h.engine.ReleaseBtc(ctx, rskTx(4), senderAddress(t, 1),
		h.c.MinimumPegoutValue))
	require.Len(t, h.state().releases, 1)
	require.Equal(t, h.c.MinimumPegoutValue, h.events.last("release_request_received").amount)
}

func TestReleaseRequestsWaitForFunds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, activation.AllActive())
	ctx := context.Background()

	require.NoError(t, h.engine.ReleaseBtc(ctx, rskTx(2), senderAddress(t, 1), 5e7))
	require.NoError(t, h.engine.ReleaseBtc(ctx, rskTx(3), senderAddress(t, 2), 4e7))

	// Nothing to pay with yet.
	h.updateCollections(4)
	s := h.state()
	require.Len(t, s.releases, 2)
	require.Empty(t, s.pending)

	pegin := p2pkhTx(t, 1, wire.NewTxOut(6e7, h.fed.P2SHScript()))
	h.register(5, indexHeight, pegin)

	// The first request is paid, the second one waits for more funds.
	h.updateCollections(6)
	s = h.state()
	require.Len(t, s.releases, 1)
	require.Equal(t, btcutil.Amount(4e7), s.releases[0].Amount)
	require.Len(t, s.pending, 1)
	require.Equal(t, btcutil.Amount(5e7), h.events.last("release_requested").amount)
}

func TestMaxReleaseIterations(t *testing.T) {
	t.Parallel()

	h := newHarness(t, activation.AllActive())
	h.c.MaxReleaseIterations = 1
	ctx := context.Background()

	pegin := p2pkhTx(t, 1, wire.NewTxOut(1e8, h.fed.P2SHScript()))
	h.register(2, indexHeight, pegin)
	require.NoError(t, h.engine.ReleaseBtc(ctx, rskTx(3), senderAddress(t, 1), 1e7))
	require.NoError(t, h.engine.ReleaseBtc(ctx, rskTx(4), senderAddress(t, 2), 1e7))

	h.updateCollections(5)
	require.Len(t, h.state().releases, 1)
	require.Len(t, h.state().pending, 1)
}

func TestPendingOutboundConfirmation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, activation.AllActive())
	ctx := context.Background()

	pegin := p2pkhTx(t, 1, wire.NewTxOut(1e8, h.fed.P2SHScript()))
	h.register(2, indexHeight, pegin)
	require.NoError(t, h.engine.ReleaseBtc(ctx, rskTx(3), senderAddress(t, 1), 3e7))
	h.updateCollections(10)

	s := h.state()
	require.Len(t, s.pending, 1)
	pegoutHash := s.pending[0].Record.Hash

	// Not enough sidechain confirmations yet.
	h.updateCollections(12)
	require.Len(t, h.state().pending, 1)
	require.Empty(t, h.state().waiting)

	h.updateCollections(10 + h.c.Rsk2BtcMinimumAcceptableConfirmations)
	s = h.state()
	require.Empty(t, s.pending)
	require.Len(t, s.waiting, 1)
	require.Equal(t, pegoutHash, s.waiting[rskTx(3).Hash].TxHash())
	require.Equal(t, pegoutHash, h.events.last("pegout_confirmed").hash)
}

func TestFundsMigration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, activation.AllActive().Without(activation.RSKIP419))
	ctx := context.Background()
	old := h.fed

	pegin := p2pkhTx(t, 1, wire.NewTxOut(1e8, old.P2SHScript()))
	h.register(2, indexHeight, pegin)

	const created = 10
	next := testFed(t, 2, created)
	require.NoError(t, h.engine.ProposeFederation(ctx, rskTx(created), next))
	require.NoError(t, h.engine.CommitProposedFederation(ctx, rskTx(created+1)))
	require.Equal(t, []string{"pegin_btc", "commit_federation"}, h.events.names())

	s := h.state()
	require.True(t, s.active.Equal(next))
	require.True(t, s.retiring.Equal(old))
	require.Empty(t, s.activeUtxos)
	require.Len(t, s.retiringUtxos, 1)

	// Too young to migrate.
	begin := h.c.FederationActivationAge + h.c.FundsMigrationAgeBegin
	h.updateCollections(created + begin)
	require.Empty(t, h.state().pending)

	h.updateCollections(created + begin + 1)
	s = h.state()
	require.Len(t, s.pending, 1)
	require.Empty(t, s.retiringUtxos)
	require.True(t, s.retiring.Equal(old))
	migration := s.pending[0].Record.MsgTx
	require.Len(t, migration.TxOut, 1)
	require.Equal(t, next.P2SHScript(), migration.TxOut[0].PkScript)

	// Past the window the retiring federation is dropped.
	end := h.c.FederationActivationAge + h.c.FundsMigrationAgeEnd
	h.updateCollections(created + end)
	s = h.state()
	require.Nil(t, s.retiring)
	require.Equal(t, old.StandardP2SHScript(), s.lastRetired)

	h.register(created+end+1, indexHeight+1, &migration)
	s = h.state()
	require.Len(t, s.activeUtxos, 1)
	require.Equal(t, btcutil.Amount(migration.TxOut[0].Value), s.activeUtxos[0].Amount)
}

func TestMigrateRetiringFunds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, activation.AllActive().Without(activation.RSKIP419))
	ctx := context.Background()

	require.ErrorIs(t, h.engine.MigrateRetiringFunds(ctx, rskTx(2)), ErrNoRetiringFederation)

	pegin := p2pkhTx(t, 1, wire.NewTxOut(1e8, h.fed.P2SHScript()))
	h.register(2, indexHeight, pegin)
	next := testFed(t, 2, 3)
	require.NoError(t, h.engine.ProposeFederation(ctx, rskTx(3), next))
	require.NoError(t, h.engine.CommitProposedFederation(ctx, rskTx(4)))

	require.NoError(t, h.engine.MigrateRetiringFunds(ctx, rskTx(5)))
	s := h.state()
	require.Nil(t, s.retiring)
	require.Empty(t, s.retiringUtxos)
	require.Len(t, s.pending, 1)
	require.Equal(t, h.fed.StandardP2SHScript(), s.lastRetired)
}

func TestFederationChangeGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, activation.AllActive())
	require.ErrorIs(t, h.engine.Bootstrap(ctx, rskTx(2), h.fed), ErrAlreadyBootstrapped)
	require.ErrorIs(t, h.engine.CommitProposedFederation(ctx, rskTx(2)), ErrValidationRequired)

	h = newHarness(t, activation.AllActive().Without(activation.RSKIP419))
	require.ErrorIs(t, h.engine.CommitProposedFederation(ctx, rskTx(2)), ErrNoProposedFederation)
	require.NoError(t, h.engine.ProposeFederation(ctx, rskTx(2), testFed(t, 2, 2)))
	require.ErrorIs(t, h.engine.ProposeFederation(ctx, rskTx(3), testFed(t, 3, 3)),
		ErrFederationChangeInProgress)
}
