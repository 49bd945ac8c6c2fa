// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peg

import (
	"fmt"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcd/btcutil"
)

// LegacySenderAction is what happens to a version 0 peg-in whose sender is
// a multisig or a segwit script.
type LegacySenderAction uint8

// These constants define the legacy sender actions.
const (
	// LegacySenderIgnore leaves the transaction unprocessed.
	LegacySenderIgnore LegacySenderAction = iota

	// LegacySenderRefund returns the funds to the sender.
	LegacySenderRefund
)

func (a LegacySenderAction) String() string {
	switch a {
	case LegacySenderIgnore:
		return "ignore"
	case LegacySenderRefund:
		return "refund"
	}
	return fmt.Sprintf("unknown legacy sender action (%d)", uint8(a))
}

// UnknownDestinationAction is what happens to a transaction that pays none
// of the live federations and is not a recognized federation spend.
type UnknownDestinationAction uint8

// These constants define the unknown destination actions.
const (
	// UnknownDestinationPegin processes the transaction as a zero value
	// peg-in.
	UnknownDestinationPegin UnknownDestinationAction = iota

	// UnknownDestinationReject rejects the transaction without marking
	// it processed.
	UnknownDestinationReject

	// UnknownDestinationIgnore leaves the transaction untouched.
	UnknownDestinationIgnore
)

func (a UnknownDestinationAction) String() string {
	switch a {
	case UnknownDestinationPegin:
		return "process as peg-in"
	case UnknownDestinationReject:
		return "reject"
	case UnknownDestinationIgnore:
		return "ignore"
	}
	return fmt.Sprintf("unknown destination action (%d)", uint8(a))
}

// Policy is the behavior of the bridge for one sidechain block and Bitcoin
// height.  It is a pure function of the active rules, so two nodes with the
// same activation schedule always agree on it.
type Policy struct {
	// MinimumPeginValue is the smallest accepted peg-in.  When
	// PerOutputMinimum is set it applies to every output paying a
	// federation, otherwise to their total.
	MinimumPeginValue btcutil.Amount
	PerOutputMinimum  bool

	// UsePegoutIndex makes the signature hash index the only way to
	// recognize federation spends.
	UsePegoutIndex bool

	// EvaluatePegins selects the peg-in evaluation that classifies every
	// outcome before acting on it.
	EvaluatePegins bool

	LegacySender       LegacySenderAction
	UnknownDestination UnknownDestinationAction

	// PeginV1 enables OP_RETURN peg-in payloads.
	PeginV1 bool

	CheckLockingCap      bool
	LogPeginBtc          bool
	LogPegoutCreated     bool
	RecordPegoutSigHash  bool
	OldFederationSpends  bool
	StandardRedeemScript bool
	P2shErpPegins        bool
	Flyover              bool
	CoinbaseRegistration bool
	RetirementRecords    bool
	FederationValidation bool

	TxVersion int32
}

// PolicyFor returns the policy in force for rules at the Bitcoin height
// btcHeight.
func PolicyFor(rules activation.ForBlock, btcHeight int32, c *Constants) Policy {
	p := Policy{
		MinimumPeginValue:    c.LegacyMinimumPeginValue,
		PerOutputMinimum:     rules.IsActive(activation.RSKIP293),
		EvaluatePegins:       rules.IsActive(activation.RSKIP379),
		PeginV1:              rules.IsActive(activation.RSKIP170),
		CheckLockingCap:      rules.IsActive(activation.RSKIP134),
		LogPeginBtc:          rules.IsActive(activation.RSKIP170),
		LogPegoutCreated:     rules.IsActive(activation.RSKIP428),
		RecordPegoutSigHash:  rules.IsActive(activation.RSKIP379),
		OldFederationSpends:  rules.IsActive(activation.RSKIP199),
		StandardRedeemScript: rules.IsActive(activation.RSKIP201),
		P2shErpPegins:        rules.IsActive(activation.RSKIP353),
		Flyover:              rules.IsActive(activation.RSKIP176),
		CoinbaseRegistration: rules.IsActive(activation.RSKIP143),
		RetirementRecords:    rules.IsActive(activation.RSKIP186),
		FederationValidation: rules.IsActive(activation.RSKIP419),
		TxVersion:            1,
	}
	if p.PerOutputMinimum {
		p.MinimumPeginValue = c.MinimumPeginValue
	}
	if p.EvaluatePegins && btcHeight >= c.PegoutIndexHeight() {
		p.UsePegoutIndex = true
	}
	if p.StandardRedeemScript {
		p.TxVersion = 2
	}

	if p.CoinbaseRegistration {
		p.LegacySender = LegacySenderRefund
	}

	switch {
	case !p.EvaluatePegins:
		p.UnknownDestination = UnknownDestinationPegin
	case !p.UsePegoutIndex:
		p.UnknownDestination = UnknownDestinationReject
	default:
		p.UnknownDestination = UnknownDestinationIgnore
	}

	return p
}
