// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// headersBucketKey is the top level bucket holding the header chain.
	headersBucketKey = []byte("spvheaders")

	// heightsBucketKey is the nested bucket of serialized headers keyed by
	// big endian height.
	heightsBucketKey = []byte("heights")

	// headKey stores the big endian height of the chain head.
	headKey = []byte("head")
)

// DBHeaderChain is a HeaderChain persisted in a walletdb database.  Headers
// are imported in batches that must connect to the header stored below the
// first one, and importing at or below the current head replaces the
// headers above the fork point.
type DBHeaderChain struct {
	db walletdb.DB
}

// NewDBHeaderChain returns a header chain stored in db, creating its bucket
// if needed.
func NewDBHeaderChain(db walletdb.DB) (*DBHeaderChain, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(headersBucketKey)
		if err != nil {
			return err
		}
		_, err = ns.CreateBucketIfNotExists(heightsBucketKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create header bucket: %w", err)
	}
	return &DBHeaderChain{db: db}, nil
}

func heightKey(height int32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(height))
	return k[:]
}

func readHeader(heights walletdb.ReadBucket, height int32) (*wire.BlockHeader, error) {
	v := heights.Get(heightKey(height))
	if v == nil {
		return nil, fmt.Errorf("%w: height %d", ErrHeaderNotFound, height)
	}
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(v)); err != nil {
		return nil, fmt.Errorf("corrupt header at height %d: %w", height, err)
	}
	return &h, nil
}

func readHead(ns walletdb.ReadBucket) (int32, bool) {
	v := ns.Get(headKey)
	if len(v) != 4 {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(v)), true
}

// PutHeaders stores headers starting at height start.  The first header
// must connect to the one stored at start-1 unless the chain is empty.
// Headers above the last imported one are removed.
func (c *DBHeaderChain) PutHeaders(start int32, headers []*wire.BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}
	return walletdb.Update(c.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(headersBucketKey)
		heights := ns.NestedReadWriteBucket(heightsBucketKey)

		head, hasHead := readHead(ns)
		if hasHead {
			if start > head+1 {
				return fmt.Errorf("%w: gap between head %d and %d",
					ErrChainBroken, head, start)
			}
			prev, err := readHeader(heights, start-1)
			if err == nil {
				if headers[0].PrevBlock != prev.BlockHash() {
					return fmt.Errorf("%w: header %d does not "+
						"connect", ErrChainBroken, start)
				}
			} else if start > 0 {
				return err
			}
		}

		for i, h := range headers {
			if i > 0 && h.PrevBlock != headers[i-1].BlockHash() {
				return fmt.Errorf("%w: header %d does not connect",
					ErrChainBroken, start+int32(i))
			}
			var buf bytes.Buffer
			if err := h.Serialize(&buf); err != nil {
				return err
			}
			if err := heights.Put(heightKey(start+int32(i)), buf.Bytes()); err != nil {
				return err
			}
		}

		newHead := start + int32(len(headers)) - 1
		for h := newHead + 1; hasHead && h <= head; h++ {
			if err := heights.Delete(heightKey(h)); err != nil {
				return err
			}
		}
		log.Debugf("Stored %d headers, head now at %d", len(headers), newHead)
		return ns.Put(headKey, heightKey(newHead))
	})
}

// StoredBlockAtHeight returns the header stored at height.
func (c *DBHeaderChain) StoredBlockAtHeight(height int32) (*wire.BlockHeader, error) {
	var header *wire.BlockHeader
	err := walletdb.View(c.db, func(tx walletdb.ReadTx) error {
		heights := tx.ReadBucket(headersBucketKey).NestedReadBucket(heightsBucketKey)
		var err error
		header, err = readHeader(heights, height)
		return err
	})
	return header, err
}

// ChainHeadHeight returns the height of the last stored header.
func (c *DBHeaderChain) ChainHeadHeight() (int32, error) {
	var (
		head int32
		ok   bool
	)
	err := walletdb.View(c.db, func(tx walletdb.ReadTx) error {
		head, ok = readHead(tx.ReadBucket(headersBucketKey))
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoHeaders
	}
	return head, nil
}
