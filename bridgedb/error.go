// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridgedb

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the Error will be set to
	// the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrNoExist indicates that the bridge store does not exist.
	ErrNoExist

	// ErrAlreadyExists indicates that the bridge store already exists.
	ErrAlreadyExists

	// ErrUnknownVersion indicates the store was written by a newer
	// version of this package.
	ErrUnknownVersion

	// ErrCorruptState indicates stored data that cannot be decoded, such
	// as a federation tagged with an unknown format version.
	ErrCorruptState

	// ErrFormatNotEnabled indicates an attempt to store a federation whose
	// format is not enabled by the active rules.
	ErrFormatNotEnabled

	// ErrAlreadyProcessed indicates an attempt to record a processed
	// height for a transaction that already has one.
	ErrAlreadyProcessed

	// ErrDuplicateSigHash indicates an attempt to index a pegout
	// signature hash twice.
	ErrDuplicateSigHash

	// ErrReadOnly indicates a Save on a provider created over a read only
	// bucket.
	ErrReadOnly

	// ErrInvalidState indicates a requested change that would break a
	// federation lifecycle invariant.
	ErrInvalidState

	// lastErr is used for testing, making it possible to iterate over
	// the error codes in order to check that they all have proper
	// translations in errorCodeStrings.
	lastErr
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:         "ErrDatabase",
	ErrNoExist:          "ErrNoExist",
	ErrAlreadyExists:    "ErrAlreadyExists",
	ErrUnknownVersion:   "ErrUnknownVersion",
	ErrCorruptState:     "ErrCorruptState",
	ErrFormatNotEnabled: "ErrFormatNotEnabled",
	ErrAlreadyProcessed: "ErrAlreadyProcessed",
	ErrDuplicateSigHash: "ErrDuplicateSigHash",
	ErrReadOnly:         "ErrReadOnly",
	ErrInvalidState:     "ErrInvalidState",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error provides a single type for errors that can happen during bridge
// store operation.
type Error struct {
	Code ErrorCode // Describes the kind of error
	Desc string    // Human readable description of the issue
	Err  error     // Underlying error, optional
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Desc + ": " + e.Err.Error()
	}
	return e.Desc
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

func storeError(c ErrorCode, desc string, err error) Error {
	return Error{Code: c, Desc: desc, Err: err}
}

// IsError returns whether err is an Error with a matching error code.
func IsError(err error, code ErrorCode) bool {
	var e Error
	return errors.As(err, &e) && e.Code == code
}
