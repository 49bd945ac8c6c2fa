// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package federation

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

const (
	// ErrInvalidMembers indicates a federation was built from an empty or
	// otherwise unusable member set.
	ErrInvalidMembers ErrorCode = iota

	// ErrDuplicateMember indicates the same BTC public key appears more
	// than once in a member set.
	ErrDuplicateMember

	// ErrInvalidErpParams indicates an emergency recovery builder was
	// given no recovery keys or a non-positive activation delay.
	ErrInvalidErpParams

	// ErrScriptCreation indicates that building a redeem script failed.
	ErrScriptCreation

	// ErrInvalidRedeemScript indicates a script that is not one of the
	// recognized federation redeem script shapes.
	ErrInvalidRedeemScript

	// ErrSerialization indicates a federation payload could not be
	// encoded or decoded.
	ErrSerialization

	// ErrUnknownFormatVersion indicates a stored payload carries a format
	// version this package does not know how to decode.
	ErrUnknownFormatVersion

	// ErrInvalidKey indicates a public key could not be parsed.
	ErrInvalidKey

	// lastErr is used for testing, making it possible to iterate over
	// the error codes in order to check that they all have proper
	// translations in errorCodeStrings.
	lastErr
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidMembers:       "ErrInvalidMembers",
	ErrDuplicateMember:      "ErrDuplicateMember",
	ErrInvalidErpParams:     "ErrInvalidErpParams",
	ErrScriptCreation:       "ErrScriptCreation",
	ErrInvalidRedeemScript:  "ErrInvalidRedeemScript",
	ErrSerialization:        "ErrSerialization",
	ErrUnknownFormatVersion: "ErrUnknownFormatVersion",
	ErrInvalidKey:           "ErrInvalidKey",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is a typed error for all errors arising while building, parsing or
// serializing federations.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// newError creates a new Error.
func newError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether err is an Error with a matching error code.
func IsError(err error, code ErrorCode) bool {
	var e Error
	return errors.As(err, &e) && e.ErrorCode == code
}
