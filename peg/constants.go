// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peg

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Constants are the network dependent parameters of the bridge.
type Constants struct {
	Params *chaincfg.Params

	// LegacyMinimumPeginValue applies to the total sent to the
	// federations until per output checks are enabled.
	LegacyMinimumPeginValue btcutil.Amount

	// MinimumPeginValue applies to every output paying a federation once
	// per output checks are enabled.
	MinimumPeginValue btcutil.Amount

	MinimumPegoutValue btcutil.Amount

	// Btc2RskMinimumAcceptableConfirmations is the Bitcoin depth a
	// transaction needs before it can be registered.
	Btc2RskMinimumAcceptableConfirmations int32

	// Rsk2BtcMinimumAcceptableConfirmations is the number of sidechain
	// blocks an outbound transaction waits before it is handed to the
	// signers.
	Rsk2BtcMinimumAcceptableConfirmations int64

	// PegoutIndexActivationHeight and PegoutIndexGracePeriod give the
	// Bitcoin height from which the pegout signature hash index is the
	// only way to recognize federation spends.
	PegoutIndexActivationHeight int32
	PegoutIndexGracePeriod      int32

	FederationActivationAge int64
	FundsMigrationAgeBegin  int64
	FundsMigrationAgeEnd    int64

	InitialLockingCap btcutil.Amount

	// OldFederationAddress is the federation that predates versioned
	// storage.  Funds it spends are always migrations.
	OldFederationAddress string

	MaxReleaseIterations int

	ValidationPeriodDuration int64
	SvpFundTxOutputsValue    btcutil.Amount
	ProposedFlyoverPrefix    [32]byte

	// MaxTxSize bounds the serialized size of built transactions.
	MaxTxSize int
}

// OldFederationScript returns the P2SH output script of the old federation,
// or nil when the network has none.
func (c *Constants) OldFederationScript() ([]byte, error) {
	if c.OldFederationAddress == "" {
		return nil, nil
	}
	addr, err := btcutil.DecodeAddress(c.OldFederationAddress, c.Params)
	if err != nil {
		return nil, fmt.Errorf("old federation address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

// PegoutIndexHeight is the first Bitcoin height at which the pegout index is
// authoritative.
func (c *Constants) PegoutIndexHeight() int32 {
	return c.PegoutIndexActivationHeight + c.PegoutIndexGracePeriod
}

var proposedFlyoverPrefix = [32]byte{31: 0x01}

// testOldFederationAddress is the old federation of the test networks.
const testOldFederationAddress = "2N7ZgQyhFKm17RbaLqygYbS7KLrQfapyZzu"

// MainNetConstants returns the constants of the production network.
func MainNetConstants() *Constants {
	return &Constants{
		Params:                                &chaincfg.MainNetParams,
		LegacyMinimumPeginValue:               1_000_000,
		MinimumPeginValue:                     500_000,
		MinimumPegoutValue:                    250_000,
		Btc2RskMinimumAcceptableConfirmations: 100,
		Rsk2BtcMinimumAcceptableConfirmations: 4000,
		PegoutIndexActivationHeight:           837589,
		PegoutIndexGracePeriod:                4320,
		FederationActivationAge:               18500,
		FundsMigrationAgeBegin:                0,
		FundsMigrationAgeEnd:                  10585,
		InitialLockingCap:                     300 * btcutil.SatoshiPerBitcoin,
		OldFederationAddress:                  "35JUi1FxabGdhygLhnNUEFG4AgvpNMgxK1",
		MaxReleaseIterations:                  400,
		ValidationPeriodDuration:              125,
		SvpFundTxOutputsValue:                 25_000,
		ProposedFlyoverPrefix:                 proposedFlyoverPrefix,
		MaxTxSize:                             100_000,
	}
}

// TestNetConstants returns the constants of the public test network.
func TestNetConstants() *Constants {
	return &Constants{
		Params:                                &chaincfg.TestNet3Params,
		LegacyMinimumPeginValue:               1_000_000,
		MinimumPeginValue:                     500_000,
		MinimumPegoutValue:                    250_000,
		Btc2RskMinimumAcceptableConfirmations: 10,
		Rsk2BtcMinimumAcceptableConfirmations: 10,
		PegoutIndexActivationHeight:           2589553,
		PegoutIndexGracePeriod:                1440,
		FederationActivationAge:               60,
		FundsMigrationAgeBegin:                60,
		FundsMigrationAgeEnd:                  900,
		InitialLockingCap:                     200 * btcutil.SatoshiPerBitcoin,
		OldFederationAddress:                  testOldFederationAddress,
		MaxReleaseIterations:                  400,
		ValidationPeriodDuration:              80,
		SvpFundTxOutputsValue:                 25_000,
		ProposedFlyoverPrefix:                 proposedFlyoverPrefix,
		MaxTxSize:                             100_000,
	}
}

// RegNetConstants returns the constants used for local testing.
func RegNetConstants() *Constants {
	return &Constants{
		Params:                                &chaincfg.RegressionNetParams,
		LegacyMinimumPeginValue:               500_000,
		MinimumPeginValue:                     250_000,
		MinimumPegoutValue:                    250_000,
		Btc2RskMinimumAcceptableConfirmations: 3,
		Rsk2BtcMinimumAcceptableConfirmations: 3,
		PegoutIndexActivationHeight:           250,
		PegoutIndexGracePeriod:                100,
		FederationActivationAge:               10,
		FundsMigrationAgeBegin:                15,
		FundsMigrationAgeEnd:                  150,
		InitialLockingCap:                     1000 * btcutil.SatoshiPerBitcoin,
		OldFederationAddress:                  testOldFederationAddress,
		MaxReleaseIterations:                  400,
		ValidationPeriodDuration:              125,
		SvpFundTxOutputsValue:                 25_000,
		ProposedFlyoverPrefix:                 proposedFlyoverPrefix,
		MaxTxSize:                             100_000,
	}
}

// ConstantsForNetwork returns the constants of the named network.
func ConstantsForNetwork(name string) (*Constants, error) {
	switch name {
	case chaincfg.MainNetParams.Name:
		return MainNetConstants(), nil
	case chaincfg.TestNet3Params.Name:
		return TestNetConstants(), nil
	case chaincfg.RegressionNetParams.Name:
		return RegNetConstants(), nil
	}
	return nil, fmt.Errorf("unknown network %q", name)
}
