// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package activation defines the named, height gated consensus rules that
// change how the bridge stores federations and registers transactions.
package activation

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Rule is a named consensus behavior change.
type Rule uint16

// Rules consulted by the bridge.
const (
	// RSKIP123 enables versioned federation storage with multi-key
	// members.
	RSKIP123 Rule = 123

	// RSKIP134 enables the locking cap on peg-ins.
	RSKIP134 Rule = 134

	// RSKIP143 refunds peg-ins sent from multisig addresses.
	RSKIP143 Rule = 143

	// RSKIP170 enables peg-in v1 payloads and the peg-in event.
	RSKIP170 Rule = 170

	// RSKIP176 enables flyover peg-ins.
	RSKIP176 Rule = 176

	// RSKIP186 records the last retired federation script and federation
	// creation heights.
	RSKIP186 Rule = 186

	// RSKIP199 treats spends from the genesis era federation address as
	// migrations.
	RSKIP199 Rule = 199

	// RSKIP201 matches federation spends on the standard redeem script so
	// emergency recovery federations are recognized.
	RSKIP201 Rule = 201

	// RSKIP293 lowers the peg-in minimum and applies it per output.
	RSKIP293 Rule = 293

	// RSKIP353 enables P2SH emergency recovery federations.
	RSKIP353 Rule = 353

	// RSKIP379 makes the pegout signature hash index the authority for
	// recognizing bridge transactions.
	RSKIP379 Rule = 379

	// RSKIP419 enables proposed federations and the SVP.
	RSKIP419 Rule = 419

	// RSKIP428 emits an event for every pegout transaction created.
	RSKIP428 Rule = 428
)

// allRules lists every known rule in ascending order.
var allRules = []Rule{
	RSKIP123, RSKIP134, RSKIP143, RSKIP170, RSKIP176, RSKIP186, RSKIP199,
	RSKIP201, RSKIP293, RSKIP353, RSKIP379, RSKIP419, RSKIP428,
}

// Never is the activation height of a rule that is not scheduled.
const Never int64 = -1

// ErrUnknownRule describes an error where a rule name or number does not
// correspond to any known rule.
var ErrUnknownRule = errors.New("activation: unknown rule")

// AllRules returns every known rule in ascending order.
func AllRules() []Rule {
	return append([]Rule(nil), allRules...)
}

// IsKnown reports whether r is one of the defined rules.
func (r Rule) IsKnown() bool {
	for _, known := range allRules {
		if r == known {
			return true
		}
	}
	return false
}

// String returns the canonical lower case name of the rule.
func (r Rule) String() string {
	return "rskip" + strconv.Itoa(int(r))
}

// ParseRule parses a rule name such as "rskip379" or "RSKIP379".
func ParseRule(s string) (Rule, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(lower, "rskip") {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRule, s)
	}
	n, err := strconv.ParseUint(lower[len("rskip"):], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRule, s)
	}
	r := Rule(n)
	if !r.IsKnown() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRule, s)
	}
	return r, nil
}

// Deployment schedules a rule at a sidechain block height.
type Deployment struct {
	Rule   Rule
	Height int64
}

// Validate checks that the deployment refers to a known rule and a usable
// height.
func (d Deployment) Validate() error {
	if !d.Rule.IsKnown() {
		return fmt.Errorf("%w: %d", ErrUnknownRule, d.Rule)
	}
	if d.Height < Never {
		return fmt.Errorf("activation: %v height %d is negative", d.Rule,
			d.Height)
	}
	return nil
}

// Config maps every known rule to its activation height.  Rules without a
// deployment never activate.  A Config is immutable once created.
type Config struct {
	heights map[Rule]int64
}

// NewConfig validates deployments and returns the resulting schedule.
// Scheduling the same rule twice is an error.
func NewConfig(deployments ...Deployment) (*Config, error) {
	heights := make(map[Rule]int64, len(allRules))
	for _, r := range allRules {
		heights[r] = Never
	}
	seen := make(map[Rule]struct{}, len(deployments))
	for _, d := range deployments {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[d.Rule]; ok {
			return nil, fmt.Errorf("activation: %v scheduled twice", d.Rule)
		}
		seen[d.Rule] = struct{}{}
		heights[d.Rule] = d.Height
	}
	return &Config{heights: heights}, nil
}

// AllActive returns a schedule where every rule is active from genesis.
func AllActive() *Config {
	heights := make(map[Rule]int64, len(allRules))
	for _, r := range allRules {
		heights[r] = 0
	}
	return &Config{heights: heights}
}

// With returns a copy of c with the given rules rescheduled.
func (c *Config) With(deployments ...Deployment) (*Config, error) {
	heights := make(map[Rule]int64, len(c.heights))
	for r, h := range c.heights {
		heights[r] = h
	}
	for _, d := range deployments {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		heights[d.Rule] = d.Height
	}
	return &Config{heights: heights}, nil
}

// Without returns a copy of c where the given rules never activate.
func (c *Config) Without(rules ...Rule) *Config {
	heights := make(map[Rule]int64, len(c.heights))
	for r, h := range c.heights {
		heights[r] = h
	}
	for _, r := range rules {
		heights[r] = Never
	}
	return &Config{heights: heights}
}

// Height returns the activation height of r, or Never.
func (c *Config) Height(r Rule) int64 {
	h, ok := c.heights[r]
	if !ok {
		return Never
	}
	return h
}

// Deployments returns the scheduled rules ordered by rule number.
func (c *Config) Deployments() []Deployment {
	var ds []Deployment
	for r, h := range c.heights {
		if h != Never {
			ds = append(ds, Deployment{Rule: r, Height: h})
		}
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].Rule < ds[j].Rule })
	return ds
}

// IsActive reports whether r is active at the sidechain block height.
func (c *Config) IsActive(r Rule, height int64) bool {
	h := c.Height(r)
	return h != Never && height >= h
}

// ForBlock returns the set of rules active at height.
func (c *Config) ForBlock(height int64) ForBlock {
	return ForBlock{config: c, height: height}
}

// ForBlock is the set of rules active at a single sidechain block.
type ForBlock struct {
	config *Config
	height int64
}

// Height returns the sidechain block height of the view.
func (b ForBlock) Height() int64 { return b.height }

// IsActive reports whether r is active for the block.
func (b ForBlock) IsActive(r Rule) bool {
	return b.config.IsActive(r, b.height)
}

// Active returns the rules active for the block in ascending order.
func (b ForBlock) Active() []Rule {
	var rules []Rule
	for _, r := range allRules {
		if b.IsActive(r) {
			rules = append(rules, r)
		}
	}
	return rules
}
