// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridgedb

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

// Naming
//
// The following variables are commonly used in this package:
//
//   ns: The namespace bucket of the bridge store
//   b:  The nested bucket being operated on
//   k:  A single bucket key
//   v:  A single bucket value

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

var _ [32]byte = chainhash.Hash{}

// NamespaceKey is the top level bucket holding all bridge state.
var NamespaceKey = []byte("bridge")

// Bucket names
var (
	bucketFederations  = []byte("fed")
	bucketActiveUtxos  = []byte("ua")
	bucketRetiringUtxo = []byte("ur")
	bucketProcessed    = []byte("p")
	bucketSigHashes    = []byte("s")
	bucketPending      = []byte("o")
	bucketWaiting      = []byte("w")
	bucketCoinbases    = []byte("cb")
	bucketFlyover      = []byte("f")

	// Added in version 2.
	bucketReleases       = []byte("r")
	bucketSvp            = []byte("v")
	bucketFlyoverScripts = []byte("fx")
)

// Root (namespace) bucket keys
var (
	rootCreateDate = []byte("date")
	rootVersion    = []byte("vers")
	rootLockingCap = []byte("lcap")
)

func fetchVersion(ns walletdb.ReadBucket) uint32 {
	v := ns.Get(rootVersion)
	if len(v) != 4 {
		return 0
	}
	return byteOrder.Uint32(v)
}

func putVersion(ns walletdb.ReadWriteBucket, version uint32) error {
	v := make([]byte, 4)
	byteOrder.PutUint32(v, version)
	if err := ns.Put(rootVersion, v); err != nil {
		str := "failed to store database version"
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

// Create initializes an empty bridge store in db.  It fails with
// ErrAlreadyExists if one exists.
func Create(db walletdb.DB) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		if tx.ReadBucket(NamespaceKey) != nil {
			str := "bridge store already exists"
			return storeError(ErrAlreadyExists, str, nil)
		}
		ns, err := tx.CreateTopLevelBucket(NamespaceKey)
		if err != nil {
			str := "failed to create bridge namespace"
			return storeError(ErrDatabase, str, err)
		}
		return createStore(ns)
	})
}

func createStore(ns walletdb.ReadWriteBucket) error {
	if err := putVersion(ns, getLatestDBVersion()); err != nil {
		return err
	}

	v := make([]byte, 8)
	byteOrder.PutUint64(v, uint64(time.Now().Unix()))
	if err := ns.Put(rootCreateDate, v); err != nil {
		str := "failed to store database creation time"
		return storeError(ErrDatabase, str, err)
	}

	buckets := [][]byte{
		bucketFederations, bucketActiveUtxos, bucketRetiringUtxo,
		bucketProcessed, bucketSigHashes, bucketPending, bucketWaiting,
		bucketCoinbases, bucketFlyover, bucketReleases, bucketSvp,
		bucketFlyoverScripts,
	}
	for _, name := range buckets {
		if _, err := ns.CreateBucket(name); err != nil {
			str := fmt.Sprintf("failed to create bucket %q", name)
			return storeError(ErrDatabase, str, err)
		}
	}
	return nil
}

// Open verifies the bridge store in db and applies any pending migrations.
func Open(db walletdb.DB) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(NamespaceKey)
		if ns == nil {
			str := "no bridge store exists"
			return storeError(ErrNoExist, str, nil)
		}
		return openStore(ns)
	})
}

func openStore(ns walletdb.ReadWriteBucket) error {
	version := fetchVersion(ns)
	if version == 0 {
		str := "no bridge store exists in namespace"
		return storeError(ErrNoExist, str, nil)
	}

	latest := getLatestDBVersion()
	if version > latest {
		str := fmt.Sprintf("recorded version %d is newer that latest "+
			"understood version %d", version, latest)
		return storeError(ErrUnknownVersion, str, nil)
	}

	for _, m := range getMigrationsToApply(version) {
		log.Infof("Upgrading bridge store to version %d", m.version)
		if m.migration != nil {
			if err := m.migration(ns); err != nil {
				return err
			}
		}
		if err := putVersion(ns, m.version); err != nil {
			return err
		}
	}
	return nil
}

// Namespace returns the read only bridge namespace of tx.
func Namespace(tx walletdb.ReadTx) walletdb.ReadBucket {
	return tx.ReadBucket(NamespaceKey)
}

// NamespaceRW returns the writable bridge namespace of tx.
func NamespaceRW(tx walletdb.ReadWriteTx) walletdb.ReadWriteBucket {
	return tx.ReadWriteBucket(NamespaceKey)
}

func writable(ns walletdb.ReadBucket) (walletdb.ReadWriteBucket, error) {
	rw, ok := ns.(walletdb.ReadWriteBucket)
	if !ok {
		str := "provider was opened read only"
		return nil, storeError(ErrReadOnly, str, nil)
	}
	return rw, nil
}

func nested(ns walletdb.ReadBucket, name []byte) (walletdb.ReadBucket, error) {
	b := ns.NestedReadBucket(name)
	if b == nil {
		str := fmt.Sprintf("missing bucket %q", name)
		return nil, storeError(ErrCorruptState, str, nil)
	}
	return b, nil
}

func nestedRW(ns walletdb.ReadWriteBucket, name []byte) (walletdb.ReadWriteBucket, error) {
	b := ns.NestedReadWriteBucket(name)
	if b == nil {
		str := fmt.Sprintf("missing bucket %q", name)
		return nil, storeError(ErrCorruptState, str, nil)
	}
	return b, nil
}

func putUint64(b walletdb.ReadWriteBucket, k []byte, n uint64) error {
	v := make([]byte, 8)
	byteOrder.PutUint64(v, n)
	if err := b.Put(k, v); err != nil {
		str := fmt.Sprintf("failed to put key %x", k)
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

func fetchUint64(b walletdb.ReadBucket, k []byte) (uint64, bool, error) {
	v := b.Get(k)
	if v == nil {
		return 0, false, nil
	}
	if len(v) != 8 {
		str := fmt.Sprintf("key %x: want 8 byte value, got %d", k, len(v))
		return 0, false, storeError(ErrCorruptState, str, nil)
	}
	return byteOrder.Uint64(v), true, nil
}

func put(b walletdb.ReadWriteBucket, k, v []byte) error {
	if err := b.Put(k, v); err != nil {
		str := fmt.Sprintf("failed to put key %x", k)
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

func del(b walletdb.ReadWriteBucket, k []byte) error {
	if err := b.Delete(k); err != nil {
		str := fmt.Sprintf("failed to delete key %x", k)
		return storeError(ErrDatabase, str, err)
	}
	return nil
}
