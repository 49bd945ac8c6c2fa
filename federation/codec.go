// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package federation

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Serialized federations are laid out as follows.  All integers are little
// endian and counts are bitcoin variable length integers.
//
// BTC keys only (no version key):
//   creation time millis      8 bytes
//   creation block number     8 bytes
//   member count              varint
//   BTC keys                  33 bytes each
//
// StandardMultiSigFormat:
//   creation time millis      8 bytes
//   creation block number     8 bytes
//   member count              varint
//   members                   3 x 33 bytes each (BTC, sidechain, MST)
//
// LegacyErpFormat and P2shErpFormat append:
//   recovery key count        varint
//   recovery keys             33 bytes each
//   activation delay          8 bytes

// decoder decodes the payload of a single format version.
type decoder func(r *bytes.Reader, args *Args) (ScriptBuilder, error)

// decoders is the decode table keyed by format version.  A payload is always
// decoded with the entry for the version it was written under.
var decoders = map[FormatVersion]decoder{
	StandardMultiSigFormat: decodeStandard,
	LegacyErpFormat:        decodeErp(LegacyErp),
	P2shErpFormat:          decodeErp(P2shErp),
}

// IsKnownFormatVersion reports whether v can be decoded by this package.
func IsKnownFormatVersion(v FormatVersion) bool {
	_, ok := decoders[v]
	return ok
}

// Encode serializes f using the format version of its kind.
func Encode(f *Federation) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, f)
	writeVarInt(&buf, uint64(len(f.members)))
	for _, m := range f.members {
		buf.Write(m.BtcPubKey.SerializeCompressed())
		buf.Write(m.RskPubKey.SerializeCompressed())
		buf.Write(m.MstPubKey.SerializeCompressed())
	}
	if erp, ok := f.ErpParams(); ok {
		writeKeys(&buf, erp.Keys)
		writeUint64(&buf, uint64(erp.ActivationDelay))
	}
	return buf.Bytes()
}

// EncodeBtcKeysOnly serializes only the creation values and BTC keys of f.
// This is the format written before versioned storage was enabled.
func EncodeBtcKeysOnly(f *Federation) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, f)
	writeKeys(&buf, f.BtcPublicKeys())
	return buf.Bytes()
}

// Decode deserializes a payload written under version.
func Decode(version FormatVersion, payload []byte,
	params *chaincfg.Params) (*Federation, error) {

	dec, ok := decoders[version]
	if !ok {
		str := fmt.Sprintf("unknown federation format version %d", version)
		return nil, newError(ErrUnknownFormatVersion, str, nil)
	}

	r := bytes.NewReader(payload)
	args := Args{Params: params}
	if err := readHeader(r, &args); err != nil {
		return nil, err
	}
	builder, err := dec(r, &args)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		str := fmt.Sprintf("%d trailing bytes after federation", r.Len())
		return nil, newError(ErrSerialization, str, nil)
	}
	return New(args, builder)
}

// DecodeBtcKeysOnly deserializes a payload stored without a version key.
// Every member uses its BTC key for all chains.
func DecodeBtcKeysOnly(payload []byte, params *chaincfg.Params) (*Federation, error) {
	r := bytes.NewReader(payload)
	args := Args{Params: params}
	if err := readHeader(r, &args); err != nil {
		return nil, err
	}
	keys, err := readKeys(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		str := fmt.Sprintf("%d trailing bytes after federation", r.Len())
		return nil, newError(ErrSerialization, str, nil)
	}
	args.Members = make([]*Member, len(keys))
	for i, k := range keys {
		args.Members[i] = NewMemberFromBtcKey(k)
	}
	return NewStandardMultiSig(args)
}

func decodeStandard(r *bytes.Reader, args *Args) (ScriptBuilder, error) {
	members, err := readMembers(r)
	if err != nil {
		return nil, err
	}
	args.Members = members
	return StandardMultiSigBuilder{}, nil
}

func decodeErp(kind Kind) decoder {
	return func(r *bytes.Reader, args *Args) (ScriptBuilder, error) {
		members, err := readMembers(r)
		if err != nil {
			return nil, err
		}
		args.Members = members

		keys, err := readKeys(r)
		if err != nil {
			return nil, err
		}
		delay, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		erp := ErpParams{Keys: keys, ActivationDelay: int64(delay)}
		if kind == LegacyErp {
			return NewLegacyErpBuilder(erp)
		}
		return NewP2shErpBuilder(erp)
	}
}

func writeHeader(w *bytes.Buffer, f *Federation) {
	writeUint64(w, uint64(f.creationTime.UnixMilli()))
	writeUint64(w, uint64(f.creationBlockNumber))
}

func readHeader(r *bytes.Reader, args *Args) error {
	millis, err := readUint64(r)
	if err != nil {
		return err
	}
	block, err := readUint64(r)
	if err != nil {
		return err
	}
	args.CreationTime = time.UnixMilli(int64(millis)).UTC()
	args.CreationBlockNumber = int64(block)
	return nil
}

func writeUint64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, newError(ErrSerialization, "short read", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeVarInt(w *bytes.Buffer, v uint64) {
	// Writes to a bytes.Buffer never fail.
	_ = wire.WriteVarInt(w, 0, v)
}

// readCount reads a varint element count and rejects counts above
// MaxMembers before anything is allocated for them.
func readCount(r io.Reader) (int, error) {
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return 0, newError(ErrSerialization, "unable to read count", err)
	}
	if n == 0 || n > MaxMembers {
		str := fmt.Sprintf("key count %d out of range [1, %d]", n, MaxMembers)
		return 0, newError(ErrSerialization, str, nil)
	}
	return int(n), nil
}

func writeKeys(w *bytes.Buffer, keys []*btcec.PublicKey) {
	writeVarInt(w, uint64(len(keys)))
	for _, k := range keys {
		w.Write(k.SerializeCompressed())
	}
}

func readKey(r io.Reader) (*btcec.PublicKey, error) {
	var b [btcec.PubKeyBytesLenCompressed]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, newError(ErrSerialization, "short read", err)
	}
	k, err := btcec.ParsePubKey(b[:])
	if err != nil {
		return nil, newError(ErrInvalidKey, "unable to parse public key", err)
	}
	return k, nil
}

func readKeys(r io.Reader) ([]*btcec.PublicKey, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	keys := make([]*btcec.PublicKey, n)
	for i := range keys {
		if keys[i], err = readKey(r); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func readMembers(r io.Reader) ([]*Member, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	members := make([]*Member, n)
	for i := range members {
		var keys [3]*btcec.PublicKey
		for j := range keys {
			if keys[j], err = readKey(r); err != nil {
				return nil, err
			}
		}
		members[i] = NewMember(keys[0], keys[1], keys[2])
	}
	return members, nil
}
