// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// HeaderChain is the read only view of the best Bitcoin header chain that
// proofs are checked against.
type HeaderChain interface {
	// StoredBlockAtHeight returns the best chain header at height, or
	// ErrHeaderNotFound.
	StoredBlockAtHeight(height int32) (*wire.BlockHeader, error)

	// ChainHeadHeight returns the height of the best chain tip, or
	// ErrNoHeaders.
	ChainHeadHeight() (int32, error)
}

// MemHeaderChain is an in-memory HeaderChain.  Unlike DBHeaderChain it does
// not check that headers connect.
type MemHeaderChain struct {
	mu      sync.RWMutex
	headers map[int32]*wire.BlockHeader
	head    int32
	hasHead bool
}

// NewMemHeaderChain returns an empty in-memory header chain.
func NewMemHeaderChain() *MemHeaderChain {
	return &MemHeaderChain{headers: make(map[int32]*wire.BlockHeader)}
}

// AddHeader stores header at height and moves the head up if needed.
func (c *MemHeaderChain) AddHeader(height int32, header *wire.BlockHeader) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.headers[height] = header
	if !c.hasHead || height > c.head {
		c.head = height
		c.hasHead = true
	}
}

// SetHead overrides the chain head height.
func (c *MemHeaderChain) SetHead(height int32) {
	c.mu.Lock()
	c.head = height
	c.hasHead = true
	c.mu.Unlock()
}

// StoredBlockAtHeight returns the header stored at height.
func (c *MemHeaderChain) StoredBlockAtHeight(height int32) (*wire.BlockHeader, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.headers[height]
	if !ok {
		return nil, fmt.Errorf("%w: height %d", ErrHeaderNotFound, height)
	}
	return h, nil
}

// ChainHeadHeight returns the head height.
func (c *MemHeaderChain) ChainHeadHeight() (int32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.hasHead {
		return 0, ErrNoHeaders
	}
	return c.head, nil
}
