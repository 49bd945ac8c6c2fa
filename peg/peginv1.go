// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peg

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// peginPrefix marks an OP_RETURN output carrying peg-in instructions.
var peginPrefix = []byte("RSKT")

// Refund address types of a version 1 payload.
const (
	refundP2PKH byte = 1
	refundP2SH  byte = 2
)

const (
	peginV1Len           = 4 + 1 + 20
	peginV1WithRefundLen = peginV1Len + 1 + 20
)

// ErrInvalidPayload is returned when a transaction carries peg-in
// instructions that cannot be parsed.
var ErrInvalidPayload = errors.New("invalid peg-in payload")

// ErrUndeterminedSender is returned for a transaction without instructions
// whose sender is not a recognized script.
var ErrUndeterminedSender = errors.New("undetermined peg-in sender")

// PeginInformation is what a peg-in says about where its funds go.
type PeginInformation struct {
	// ProtocolVersion is 0 for transactions without instructions and 1
	// for transactions with an OP_RETURN payload.
	ProtocolVersion int

	Sender *Sender

	// RskDestination receives the pegged-in value.
	RskDestination fn.Option[RskAddress]

	// RefundAddress receives the funds if the peg-in is rejected.  It is
	// nil when no refund is possible.
	RefundAddress btcutil.Address
}

// ParsePeginInformation extracts the peg-in instructions of tx.  When a
// payload is present but malformed, the returned information still carries
// the protocol version and the sender so the caller can decide on a refund.
func ParsePeginInformation(tx *wire.MsgTx, p *Policy,
	params *chaincfg.Params) (*PeginInformation, error) {

	sender := SenderFromTx(tx, p.CoinbaseRegistration, params)
	info := &PeginInformation{
		Sender:        sender,
		RefundAddress: sender.Address,
	}

	if p.PeginV1 {
		payload, err := findPayload(tx)
		if err != nil {
			info.ProtocolVersion = 1
			return info, err
		}
		if payload != nil {
			info.ProtocolVersion = 1
			if err := info.parseV1(payload, params); err != nil {
				return info, err
			}
			return info, nil
		}
	}

	if sender.Type == SenderUnknown {
		return info, ErrUndeterminedSender
	}
	if sender.RskAddress != nil {
		info.RskDestination = fn.Some(*sender.RskAddress)
	}
	return info, nil
}

// findPayload returns the data of the single OP_RETURN output carrying
// peg-in instructions, or nil if there is none.
func findPayload(tx *wire.MsgTx) ([]byte, error) {
	var payload []byte
	for _, out := range tx.TxOut {
		data, ok := nullData(out.PkScript)
		if !ok || !bytes.HasPrefix(data, peginPrefix) {
			continue
		}
		if payload != nil {
			return nil, fmt.Errorf("%w: more than one instruction output",
				ErrInvalidPayload)
		}
		payload = data
	}
	return payload, nil
}

// nullData returns the single data push of an OP_RETURN script.
func nullData(pkScript []byte) ([]byte, bool) {
	if len(pkScript) < 2 || pkScript[0] != txscript.OP_RETURN {
		return nil, false
	}
	pushes, err := txscript.PushedData(pkScript[1:])
	if err != nil || len(pushes) != 1 {
		return nil, false
	}
	return pushes[0], true
}

func (info *PeginInformation) parseV1(payload []byte, params *chaincfg.Params) error {
	if len(payload) != peginV1Len && len(payload) != peginV1WithRefundLen {
		return fmt.Errorf("%w: length %d", ErrInvalidPayload, len(payload))
	}
	if version := payload[len(peginPrefix)]; version != 1 {
		return fmt.Errorf("%w: version %d", ErrInvalidPayload, version)
	}

	var dest RskAddress
	copy(dest[:], payload[peginV1Len-20:peginV1Len])
	info.RskDestination = fn.Some(dest)

	if len(payload) == peginV1Len {
		return nil
	}

	refund := payload[peginV1Len:]
	var (
		addr btcutil.Address
		err  error
	)
	switch refund[0] {
	case refundP2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(refund[1:], params)
	case refundP2SH:
		addr, err = btcutil.NewAddressScriptHashFromHash(refund[1:], params)
	default:
		return fmt.Errorf("%w: refund address type %d", ErrInvalidPayload,
			refund[0])
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	info.RefundAddress = addr
	return nil
}

// PeginV1Script returns an OP_RETURN script carrying version 1 peg-in
// instructions.  refund may be nil.
func PeginV1Script(dest RskAddress, refund btcutil.Address) ([]byte, error) {
	payload := append([]byte(nil), peginPrefix...)
	payload = append(payload, 1)
	payload = append(payload, dest[:]...)
	switch a := refund.(type) {
	case nil:
	case *btcutil.AddressPubKeyHash:
		payload = append(payload, refundP2PKH)
		payload = append(payload, a.ScriptAddress()...)
	case *btcutil.AddressScriptHash:
		payload = append(payload, refundP2SH)
		payload = append(payload, a.ScriptAddress()...)
	default:
		return nil, fmt.Errorf("unsupported refund address %T", refund)
	}
	return txscript.NullDataScript(payload)
}
