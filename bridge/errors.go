// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridge

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcbridge/activation"
)

var (
	// ErrNoActiveFederation is returned when the store has no active
	// federation.  A bootstrapped bridge always has one.
	ErrNoActiveFederation = errors.New("bridge: no active federation")

	// ErrAlreadyBootstrapped is returned by Bootstrap when an active
	// federation is already stored.
	ErrAlreadyBootstrapped = errors.New("bridge: already bootstrapped")

	// ErrNoRetiringFederation is returned when an operation needs a
	// retiring federation and there is none.
	ErrNoRetiringFederation = errors.New("bridge: no retiring federation")

	// ErrNoProposedFederation is returned when an operation needs a
	// proposed federation and there is none.
	ErrNoProposedFederation = errors.New("bridge: no proposed federation")

	// ErrFederationChangeInProgress is returned when a federation is
	// proposed or committed while a previous change is unfinished.
	ErrFederationChangeInProgress = errors.New("bridge: federation change in progress")

	// ErrValidationRequired is returned when a proposed federation is
	// committed directly while federation validation is active.
	ErrValidationRequired = errors.New("bridge: proposed federation must be validated")

	// ErrValidationNotOngoing is returned when the validation records of
	// the proposed federation cannot be advanced.
	ErrValidationNotOngoing = errors.New("bridge: federation validation not ongoing")
)

// RuleError is returned by operations that require a rule which is not
// active at the current sidechain block.
type RuleError struct {
	Op   string
	Rule activation.Rule
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("bridge: %s requires %v", e.Op, e.Rule)
}

// ScriptError is returned when the engine is asked to spend an output whose
// script is not controlled by a known federation.  It indicates corrupt
// state.
type ScriptError struct {
	PkScript []byte
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("bridge: no redeem script for output script %x", e.PkScript)
}
