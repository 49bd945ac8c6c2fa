// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package activation

import "fmt"

// Upgrade is a named network upgrade that activates a group of rules at
// the same height.
type Upgrade struct {
	Name  string
	Rules []Rule
}

// upgrades lists the network upgrades in activation order.
var upgrades = []Upgrade{
	{"orchid", []Rule{RSKIP123}},
	{"wasabi", []Rule{RSKIP134, RSKIP143}},
	{"papyrus", []Rule{RSKIP170, RSKIP176}},
	{"iris", []Rule{RSKIP186, RSKIP199, RSKIP201}},
	{"hop", []Rule{RSKIP293}},
	{"fingerroot", []Rule{RSKIP353}},
	{"arrowhead", []Rule{RSKIP379}},
	{"lovell", []Rule{RSKIP419, RSKIP428}},
}

// Upgrades returns the known network upgrades in activation order.
func Upgrades() []Upgrade {
	return append([]Upgrade(nil), upgrades...)
}

// FromUpgrades builds a schedule from upgrade activation heights keyed by
// upgrade name.  Upgrades missing from heights never activate.
func FromUpgrades(heights map[string]int64) (*Config, error) {
	known := make(map[string]struct{}, len(upgrades))
	var ds []Deployment
	for _, u := range upgrades {
		known[u.Name] = struct{}{}
		h, ok := heights[u.Name]
		if !ok {
			continue
		}
		for _, r := range u.Rules {
			ds = append(ds, Deployment{Rule: r, Height: h})
		}
	}
	for name := range heights {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("activation: unknown upgrade %q", name)
		}
	}
	return NewConfig(ds...)
}

// MainNet returns the main network schedule.
func MainNet() *Config {
	return mustFromUpgrades(map[string]int64{
		"orchid":     729000,
		"wasabi":     1591000,
		"papyrus":    2392700,
		"iris":       3589500,
		"hop":        4598500,
		"fingerroot": 5468000,
		"arrowhead":  6223700,
		"lovell":     7338024,
	})
}

// TestNet returns the test network schedule.
func TestNet() *Config {
	return mustFromUpgrades(map[string]int64{
		"orchid":     0,
		"wasabi":     0,
		"papyrus":    863000,
		"iris":       2060500,
		"hop":        3103000,
		"fingerroot": 4015800,
		"arrowhead":  4927100,
		"lovell":     6110500,
	})
}

// RegNet returns the regression test schedule, where every rule is active
// from genesis.
func RegNet() *Config {
	return AllActive()
}

// ForNetwork returns the schedule for a network by name.
func ForNetwork(name string) (*Config, error) {
	switch name {
	case "mainnet":
		return MainNet(), nil
	case "testnet", "testnet3":
		return TestNet(), nil
	case "regtest", "simnet":
		return RegNet(), nil
	default:
		return nil, fmt.Errorf("activation: unknown network %q", name)
	}
}

func mustFromUpgrades(heights map[string]int64) *Config {
	c, err := FromUpgrades(heights)
	if err != nil {
		panic(err)
	}
	return c
}
