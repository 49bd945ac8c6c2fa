// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peg

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// PeginAction is the outcome of evaluating a peg-in.
type PeginAction uint8

// These constants define the peg-in actions.
const (
	// PeginIgnore leaves the transaction unprocessed so it can be
	// registered again once the rules allow it.
	PeginIgnore PeginAction = iota
	PeginRegister
	PeginRefund
	PeginNoRefund
)

func (a PeginAction) String() string {
	switch a {
	case PeginIgnore:
		return "ignore"
	case PeginRegister:
		return "register"
	case PeginRefund:
		return "refund"
	case PeginNoRefund:
		return "no refund"
	}
	return fmt.Sprintf("unknown peg-in action (%d)", uint8(a))
}

// RejectedPeginReason explains a rejected peg-in.
type RejectedPeginReason uint8

// These constants define the rejection reasons.
const (
	RejectedNone RejectedPeginReason = iota
	RejectedInvalidAmount
	RejectedLegacyMultisigSender
	RejectedLegacyUndeterminedSender
	RejectedCapSurpassed
	RejectedV1InvalidPayload
)

var rejectedReasonStrings = map[RejectedPeginReason]string{
	RejectedNone:                     "none",
	RejectedInvalidAmount:            "INVALID_AMOUNT",
	RejectedLegacyMultisigSender:     "LEGACY_PEGIN_MULTISIG_SENDER",
	RejectedLegacyUndeterminedSender: "LEGACY_PEGIN_UNDETERMINED_SENDER",
	RejectedCapSurpassed:             "PEGIN_CAP_SURPASSED",
	RejectedV1InvalidPayload:         "PEGIN_V1_INVALID_PAYLOAD",
}

func (r RejectedPeginReason) String() string {
	if s, ok := rejectedReasonStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown rejection reason (%d)", uint8(r))
}

// UnrefundablePeginReason explains why a rejected peg-in is not refunded.
type UnrefundablePeginReason uint8

// These constants define the unrefundable reasons.
const (
	UnrefundableLegacyUndeterminedSender UnrefundablePeginReason = iota
	UnrefundableV1RefundAddressNotSet
	UnrefundableInvalidAmount
	UnrefundableRefundTxFailed
)

var unrefundableReasonStrings = map[UnrefundablePeginReason]string{
	UnrefundableLegacyUndeterminedSender: "LEGACY_PEGIN_UNDETERMINED_SENDER",
	UnrefundableV1RefundAddressNotSet:    "PEGIN_V1_REFUND_ADDRESS_NOT_SET",
	UnrefundableInvalidAmount:            "INVALID_AMOUNT",
	UnrefundableRefundTxFailed:           "REFUND_TX_FAILED",
}

func (r UnrefundablePeginReason) String() string {
	if s, ok := unrefundableReasonStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown unrefundable reason (%d)", uint8(r))
}

// PeginEvaluation is the decision taken for a peg-in.
type PeginEvaluation struct {
	Action   PeginAction
	Rejected RejectedPeginReason

	// MarkProcessed records the transaction in the processed index.
	MarkProcessed bool
}

// Unrefundable returns the reason reported when the evaluation ends without
// a refund.
func (e PeginEvaluation) Unrefundable(protocolVersion int) UnrefundablePeginReason {
	switch {
	case e.Rejected == RejectedInvalidAmount:
		return UnrefundableInvalidAmount
	case protocolVersion == 1:
		return UnrefundableV1RefundAddressNotSet
	default:
		return UnrefundableLegacyUndeterminedSender
	}
}

var (
	register = PeginEvaluation{Action: PeginRegister, MarkProcessed: true}
	ignore   = PeginEvaluation{Action: PeginIgnore}
)

func refundOrNot(info *PeginInformation, reason RejectedPeginReason) PeginEvaluation {
	if info.RefundAddress != nil {
		return PeginEvaluation{Action: PeginRefund, Rejected: reason, MarkProcessed: true}
	}
	return PeginEvaluation{Action: PeginNoRefund, Rejected: reason, MarkProcessed: true}
}

// CapSurpassed is the evaluation of a peg-in that would lock more than the
// locking cap allows.
func CapSurpassed(info *PeginInformation) PeginEvaluation {
	return refundOrNot(info, RejectedCapSurpassed)
}

// EvaluatePegin decides what to do with a peg-in paying feds.  info and
// parseErr are the result of ParsePeginInformation.
//
// A transaction paying no federation is rejected or ignored following the
// unknown destination policy.  One paying a federation less than the
// minimum is refunded once the pegout index is authoritative and ignored
// before that.
func EvaluatePegin(tx *wire.MsgTx, info *PeginInformation, parseErr error,
	p *Policy, feds []*federation.Federation) PeginEvaluation {

	n, belowMinimum := fedOutputStats(tx, feds, p.MinimumPeginValue)
	switch {
	case n == 0:
		return unknownDestination(p)

	case belowMinimum:
		if !p.UsePegoutIndex {
			return PeginEvaluation{Action: PeginIgnore, Rejected: RejectedInvalidAmount}
		}
		return refundOrNot(info, RejectedInvalidAmount)
	}

	if parseErr != nil && !errors.Is(parseErr, ErrUndeterminedSender) {
		return refundOrNot(info, RejectedV1InvalidPayload)
	}

	if info.ProtocolVersion == 1 {
		return register
	}
	switch info.Sender.Type {
	case SenderP2PKH, SenderP2SHP2WPKH:
		return register
	case SenderP2SHMultisig, SenderP2SHP2WSH:
		return refundOrNot(info, RejectedLegacyMultisigSender)
	}
	return PeginEvaluation{
		Action:        PeginNoRefund,
		Rejected:      RejectedLegacyUndeterminedSender,
		MarkProcessed: true,
	}
}

// EvaluateLegacyPegin is EvaluatePegin for the rules that predate peg-in
// evaluation.  The amount was already checked when the transaction was
// classified.  A transaction paying none of feds only goes through the
// sender checks, and is then registered with no value, when the unknown
// destination policy processes it as a peg-in.
func EvaluateLegacyPegin(tx *wire.MsgTx, info *PeginInformation, parseErr error,
	p *Policy, feds []*federation.Federation) PeginEvaluation {

	n, _ := fedOutputStats(tx, feds, p.MinimumPeginValue)
	if n == 0 && p.UnknownDestination != UnknownDestinationPegin {
		return unknownDestination(p)
	}

	if parseErr != nil {
		if !p.PeginV1 {
			return ignore
		}
		return refundOrNot(info, RejectedV1InvalidPayload)
	}

	if info.ProtocolVersion == 1 {
		return register
	}
	switch info.Sender.Type {
	case SenderP2PKH, SenderP2SHP2WPKH:
		return register
	case SenderP2SHMultisig, SenderP2SHP2WSH:
		if p.LegacySender == LegacySenderRefund {
			return refundOrNot(info, RejectedLegacyMultisigSender)
		}
	}
	return ignore
}

// unknownDestination is the evaluation of a peg-in paying none of the live
// federations.
func unknownDestination(p *Policy) PeginEvaluation {
	switch p.UnknownDestination {
	case UnknownDestinationPegin:
		return register
	case UnknownDestinationReject:
		return PeginEvaluation{Action: PeginNoRefund, Rejected: RejectedInvalidAmount}
	}
	return ignore
}

// fedOutputStats counts the outputs of tx paying feds and reports whether
// any of them is below minimum.
func fedOutputStats(tx *wire.MsgTx, feds []*federation.Federation,
	minimum btcutil.Amount) (int, bool) {

	var (
		n     int
		below bool
	)
	for _, fed := range feds {
		for _, out := range OutputsTo(tx, fed.P2SHScript()) {
			if btcutil.Amount(out.Value) < minimum {
				below = true
			}
			n++
		}
	}
	return n, below
}
