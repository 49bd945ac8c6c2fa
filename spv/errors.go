// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import "errors"

var (
	// ErrMalformedProof indicates partial merkle tree bytes that cannot be
	// decoded or that declare impossible element counts.
	ErrMalformedProof = errors.New("spv: malformed merkle proof")

	// ErrInvalidProof indicates a decoded partial merkle tree whose
	// traversal is not well formed.
	ErrInvalidProof = errors.New("spv: invalid merkle proof")

	// ErrHeaderNotFound indicates the header chain has no block at the
	// requested height.
	ErrHeaderNotFound = errors.New("spv: header not found")

	// ErrChainBroken indicates a header that does not connect to the
	// header stored below it.
	ErrChainBroken = errors.New("spv: header chain broken")

	// ErrNoHeaders indicates an empty header chain.
	ErrNoHeaders = errors.New("spv: no headers")
)
