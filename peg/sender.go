// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peg

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

// SenderType is the kind of script that funded the first input of a
// transaction.
type SenderType uint8

// These constants define the recognized sender types.
const (
	SenderUnknown SenderType = iota
	SenderP2PKH
	SenderP2SHP2WPKH
	SenderP2SHMultisig
	SenderP2SHP2WSH
)

var senderTypeStrings = map[SenderType]string{
	SenderUnknown:      "unknown",
	SenderP2PKH:        "p2pkh",
	SenderP2SHP2WPKH:   "p2sh-p2wpkh",
	SenderP2SHMultisig: "p2sh-multisig",
	SenderP2SHP2WSH:    "p2sh-p2wsh",
}

func (t SenderType) String() string {
	if s, ok := senderTypeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown sender type (%d)", uint8(t))
}

// RskAddress is a sidechain account address.
type RskAddress [20]byte

func (a RskAddress) String() string {
	return fmt.Sprintf("%x", a[:])
}

// RskAddressFromPubKey derives the sidechain account controlled by the same
// secp256k1 key as pub.
func RskAddressFromPubKey(pub *btcec.PublicKey) RskAddress {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	var addr RskAddress
	copy(addr[:], h.Sum(nil)[12:])
	return addr
}

// Sender describes who funded a transaction.  Address and RskAddress are
// only known for single key senders.
type Sender struct {
	Type       SenderType
	Address    btcutil.Address
	RskAddress *RskAddress
}

// SenderFromTx inspects the first input of tx.  Segwit and multisig senders
// are only recognized when segwit is set.
func SenderFromTx(tx *wire.MsgTx, segwit bool, params *chaincfg.Params) *Sender {
	unknown := &Sender{Type: SenderUnknown}
	if len(tx.TxIn) == 0 {
		return unknown
	}
	in := tx.TxIn[0]
	if len(in.SignatureScript) == 0 || !txscript.IsPushOnlyScript(in.SignatureScript) {
		return unknown
	}
	pushes, err := txscript.PushedData(in.SignatureScript)
	if err != nil || len(pushes) == 0 {
		return unknown
	}

	if s := p2pkhSender(pushes, params); s != nil {
		return s
	}
	if !segwit {
		return unknown
	}

	last := pushes[len(pushes)-1]
	scriptHash := func(t SenderType) *Sender {
		addr, err := btcutil.NewAddressScriptHash(last, params)
		if err != nil {
			return unknown
		}
		return &Sender{Type: t, Address: addr}
	}

	switch {
	case len(pushes) == 1 && txscript.IsPayToWitnessPubKeyHash(last):
		if len(in.Witness) != 2 {
			return unknown
		}
		pub, err := btcec.ParsePubKey(in.Witness[1])
		if err != nil || !pub.IsOnCurve() {
			return unknown
		}
		s := scriptHash(SenderP2SHP2WPKH)
		if s.Type != SenderUnknown {
			rsk := RskAddressFromPubKey(pub)
			s.RskAddress = &rsk
		}
		return s

	case len(pushes) == 1 && txscript.IsPayToWitnessScriptHash(last):
		if len(in.Witness) < 2 {
			return unknown
		}
		witnessScript := in.Witness[len(in.Witness)-1]
		if ok, _ := txscript.IsMultisigScript(witnessScript); !ok {
			return unknown
		}
		return scriptHash(SenderP2SHP2WSH)

	case len(pushes) >= 3 && len(pushes[0]) == 0:
		if ok, _ := txscript.IsMultisigScript(last); !ok {
			return unknown
		}
		return scriptHash(SenderP2SHMultisig)
	}
	return unknown
}

func p2pkhSender(pushes [][]byte, params *chaincfg.Params) *Sender {
	if len(pushes) != 2 {
		return nil
	}
	key := pushes[1]
	if len(key) != btcec.PubKeyBytesLenCompressed &&
		len(key) != secp256k1.PubKeyBytesLenUncompressed {
		return nil
	}
	pub, err := btcec.ParsePubKey(key)
	if err != nil {
		return nil
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(key), params)
	if err != nil {
		return nil
	}
	rsk := RskAddressFromPubKey(pub)
	return &Sender{Type: SenderP2PKH, Address: addr, RskAddress: &rsk}
}
