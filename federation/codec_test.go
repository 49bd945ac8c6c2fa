// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package federation_test

import (
	"testing"

	"github.com/btcsuite/btcbridge/federation"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	keys := testKeys(1, 7)
	rskKeys := testKeys(50, 7)
	args := testArgs(keys)
	for i := range args.Members {
		args.Members[i] = federation.NewMember(keys[i], rskKeys[i], nil)
	}

	std, err := federation.NewStandardMultiSig(args)
	require.NoError(t, err)
	legacy, err := federation.NewLegacyErp(args, testErp())
	require.NoError(t, err)
	p2sh, err := federation.NewP2shErp(args, testErp())
	require.NoError(t, err)

	for _, f := range []*federation.Federation{std, legacy, p2sh} {
		payload := federation.Encode(f)
		got, err := federation.Decode(f.FormatVersion(), payload, testParams)
		require.NoError(t, err, f.Kind().String())

		require.True(t, f.Equal(got))
		require.Equal(t, f.Kind(), got.Kind())
		require.Equal(t, f.CreationTime(), got.CreationTime())
		require.Equal(t, f.CreationBlockNumber(), got.CreationBlockNumber())
		require.Len(t, got.Members(), len(f.Members()))
		for i, m := range f.Members() {
			require.True(t, m.Equal(got.Members()[i]))
		}
	}
}

// TestDecodeUsesStoredVersion checks that a payload always decodes as the
// version it was written with.  An ERP payload read as a standard one has
// trailing bytes and must fail rather than silently change kind.
func TestDecodeUsesStoredVersion(t *testing.T) {
	t.Parallel()

	f, err := federation.NewP2shErp(testArgs(testKeys(1, 3)), testErp())
	require.NoError(t, err)
	payload := federation.Encode(f)

	_, err = federation.Decode(federation.StandardMultiSigFormat, payload, testParams)
	require.True(t, federation.IsError(err, federation.ErrSerialization))

	legacy, err := federation.Decode(federation.LegacyErpFormat, payload, testParams)
	require.NoError(t, err)
	require.Equal(t, federation.LegacyErp, legacy.Kind())
	require.False(t, f.Equal(legacy))
}

func TestDecodeUnknownVersion(t *testing.T) {
	t.Parallel()

	f, err := federation.NewStandardMultiSig(testArgs(testKeys(1, 3)))
	require.NoError(t, err)

	_, err = federation.Decode(4000, federation.Encode(f), testParams)
	require.True(t, federation.IsError(err, federation.ErrUnknownFormatVersion))
	require.False(t, federation.IsKnownFormatVersion(4000))
	require.True(t, federation.IsKnownFormatVersion(federation.P2shErpFormat))
}

func TestBtcKeysOnlyFormat(t *testing.T) {
	t.Parallel()

	keys := testKeys(1, 5)
	args := testArgs(keys)
	rskKeys := testKeys(50, 5)
	for i := range args.Members {
		args.Members[i] = federation.NewMember(keys[i], rskKeys[i], nil)
	}
	f, err := federation.NewStandardMultiSig(args)
	require.NoError(t, err)

	payload := federation.EncodeBtcKeysOnly(f)
	require.Less(t, len(payload), len(federation.Encode(f)))

	got, err := federation.DecodeBtcKeysOnly(payload, testParams)
	require.NoError(t, err)
	require.True(t, f.Equal(got))
	require.Equal(t, f.CreationTime(), got.CreationTime())
	for _, m := range got.Members() {
		require.True(t, m.BtcPubKey.IsEqual(m.RskPubKey))
		require.True(t, m.BtcPubKey.IsEqual(m.MstPubKey))
	}

	// An ERP federation written in this format loses its recovery path.
	erp, err := federation.NewLegacyErp(args, testErp())
	require.NoError(t, err)
	got, err = federation.DecodeBtcKeysOnly(federation.EncodeBtcKeysOnly(erp), testParams)
	require.NoError(t, err)
	require.Equal(t, federation.StandardMultiSig, got.Kind())
	require.True(t, got.Equal(f))
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	f, err := federation.NewStandardMultiSig(testArgs(testKeys(1, 3)))
	require.NoError(t, err)
	payload := federation.Encode(f)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"truncated header", payload[:10]},
		{"truncated member", payload[:len(payload)-1]},
		{"trailing byte", append(append([]byte(nil), payload...), 0)},
		{"zero members", append(append([]byte(nil), payload[:16]...), 0)},
		{"oversized count", append(append([]byte(nil), payload[:16]...),
			0xfe, 0xff, 0xff, 0xff, 0x7f)},
	}
	for _, test := range tests {
		_, err := federation.Decode(federation.StandardMultiSigFormat,
			test.payload, testParams)
		require.True(t, federation.IsError(err, federation.ErrSerialization),
			test.name)
	}

	// A key that is not on the curve.
	bad := append([]byte(nil), payload...)
	bad[17] = 0x05
	_, err = federation.Decode(federation.StandardMultiSigFormat, bad, testParams)
	require.True(t, federation.IsError(err, federation.ErrInvalidKey))
}
