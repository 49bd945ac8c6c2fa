// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HashFlag is a hash given in hex.  Bytes are taken in the order they are
// written, as sidechain hashes are displayed.
type HashFlag struct {
	chainhash.Hash
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (h *HashFlag) MarshalFlag() (string, error) {
	return hex.EncodeToString(h.Hash[:]), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (h *HashFlag) UnmarshalFlag(value string) error {
	b, err := hex.DecodeString(value)
	if err != nil {
		return err
	}
	if len(b) != chainhash.HashSize {
		return fmt.Errorf("hash must be %d bytes, got %d",
			chainhash.HashSize, len(b))
	}
	copy(h.Hash[:], b)
	return nil
}

// HexFlag is a byte string given in hex.
type HexFlag []byte

// MarshalFlag satisfies the flags.Marshaler interface.
func (h *HexFlag) MarshalFlag() (string, error) {
	return hex.EncodeToString(*h), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (h *HexFlag) UnmarshalFlag(value string) error {
	b, err := hex.DecodeString(value)
	if err != nil {
		return err
	}
	*h = b
	return nil
}
