// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package activation_test

import (
	"testing"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    activation.Rule
		wantErr bool
	}{
		{in: "rskip379", want: activation.RSKIP379},
		{in: "RSKIP123", want: activation.RSKIP123},
		{in: " rskip428 ", want: activation.RSKIP428},
		{in: "rskip999", wantErr: true},
		{in: "bip9", wantErr: true},
		{in: "rskip", wantErr: true},
		{in: "rskip-1", wantErr: true},
	}
	for _, test := range tests {
		got, err := activation.ParseRule(test.in)
		if test.wantErr {
			require.ErrorIs(t, err, activation.ErrUnknownRule, test.in)
			continue
		}
		require.NoError(t, err, test.in)
		require.Equal(t, test.want, got)
		require.Equal(t, got, mustParse(t, got.String()))
	}
}

func mustParse(t *testing.T, s string) activation.Rule {
	r, err := activation.ParseRule(s)
	require.NoError(t, err)
	return r
}

func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg, err := activation.NewConfig(
		activation.Deployment{Rule: activation.RSKIP379, Height: 100},
		activation.Deployment{Rule: activation.RSKIP123, Height: 0},
	)
	require.NoError(t, err)

	require.False(t, cfg.IsActive(activation.RSKIP379, 99))
	require.True(t, cfg.IsActive(activation.RSKIP379, 100))
	require.True(t, cfg.IsActive(activation.RSKIP123, 0))
	require.False(t, cfg.IsActive(activation.RSKIP419, 1<<40))
	require.Equal(t, activation.Never, cfg.Height(activation.RSKIP419))

	require.Equal(t, []activation.Deployment{
		{Rule: activation.RSKIP123, Height: 0},
		{Rule: activation.RSKIP379, Height: 100},
	}, cfg.Deployments())

	_, err = activation.NewConfig(activation.Deployment{Rule: 1, Height: 0})
	require.ErrorIs(t, err, activation.ErrUnknownRule)

	_, err = activation.NewConfig(activation.Deployment{Rule: activation.RSKIP123, Height: -2})
	require.Error(t, err)

	_, err = activation.NewConfig(
		activation.Deployment{Rule: activation.RSKIP123, Height: 1},
		activation.Deployment{Rule: activation.RSKIP123, Height: 2},
	)
	require.Error(t, err)
}

func TestWithAndWithout(t *testing.T) {
	t.Parallel()

	all := activation.AllActive()
	cfg := all.Without(activation.RSKIP379, activation.RSKIP419)
	require.False(t, cfg.IsActive(activation.RSKIP379, 10))
	require.True(t, cfg.IsActive(activation.RSKIP293, 10))

	// The receiver is never modified.
	require.True(t, all.IsActive(activation.RSKIP379, 10))

	cfg, err := cfg.With(activation.Deployment{Rule: activation.RSKIP379, Height: 5})
	require.NoError(t, err)
	require.False(t, cfg.IsActive(activation.RSKIP379, 4))
	require.True(t, cfg.IsActive(activation.RSKIP379, 5))
}

func TestForBlock(t *testing.T) {
	t.Parallel()

	cfg := activation.MainNet()
	heightOf := func(r activation.Rule) int64 { return cfg.Height(r) }

	before := cfg.ForBlock(heightOf(activation.RSKIP379) - 1)
	at := cfg.ForBlock(heightOf(activation.RSKIP379))
	require.False(t, before.IsActive(activation.RSKIP379))
	require.True(t, at.IsActive(activation.RSKIP379))
	require.True(t, at.IsActive(activation.RSKIP353))
	require.False(t, at.IsActive(activation.RSKIP419))
	require.Equal(t, heightOf(activation.RSKIP379), at.Height())

	require.Empty(t, cfg.ForBlock(0).Active())
	require.Equal(t, activation.AllRules(), activation.RegNet().ForBlock(0).Active())
}

func TestUpgradesAreOrdered(t *testing.T) {
	t.Parallel()

	for _, cfg := range []*activation.Config{activation.MainNet(), activation.TestNet()} {
		prev := int64(-1)
		for _, u := range activation.Upgrades() {
			h := cfg.Height(u.Rules[0])
			require.GreaterOrEqual(t, h, prev, u.Name)
			for _, r := range u.Rules {
				require.Equal(t, h, cfg.Height(r), r.String())
			}
			prev = h
		}
	}

	_, err := activation.FromUpgrades(map[string]int64{"nope": 1})
	require.Error(t, err)

	_, err = activation.ForNetwork("mainnet")
	require.NoError(t, err)
	_, err = activation.ForNetwork("signet")
	require.Error(t, err)
}
