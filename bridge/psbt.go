// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"fmt"

	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SigningPacket returns a PSBT for federators to sign tx, a transaction
// waiting for signatures.  The redeem script of every input is taken from
// its placeholder signature script.
func SigningPacket(tx *wire.MsgTx) (*psbt.Packet, error) {
	unsigned := tx.Copy()
	redeems := make([][]byte, len(unsigned.TxIn))
	for i, in := range unsigned.TxIn {
		redeem, ok := federation.RedeemScriptFromScriptSig(in.SignatureScript)
		if !ok {
			return nil, fmt.Errorf("input %d of %v carries no redeem "+
				"script", i, tx.TxHash())
		}
		redeems[i] = redeem
		in.SignatureScript = nil
		in.Witness = nil
	}

	packet, err := psbt.NewFromUnsignedTx(unsigned)
	if err != nil {
		return nil, err
	}
	for i := range packet.Inputs {
		packet.Inputs[i].RedeemScript = redeems[i]
		packet.Inputs[i].SighashType = txscript.SigHashAll
	}
	return packet, nil
}
