// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridgedb

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bridge.db")
	db, err := walletdb.Create("bdb", path, true, time.Second*10, false)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func newTestStore(t *testing.T) walletdb.DB {
	t.Helper()

	db := openTestDB(t)
	require.NoError(t, Create(db))
	return db
}

// update runs f in a writable transaction of db.
func update(t *testing.T, db walletdb.DB, f func(ns walletdb.ReadWriteBucket) error) {
	t.Helper()

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		return f(NamespaceRW(tx))
	})
	require.NoError(t, err)
}

func TestErrorCodeStringer(t *testing.T) {
	t.Parallel()

	for i := ErrorCode(0); i < TstLastErr; i++ {
		require.True(t, strings.HasPrefix(i.String(), "Err"), "code %d", i)
	}
	require.Equal(t, "ErrUnknownVersion", ErrUnknownVersion.String())
	require.Equal(t, fmt.Sprintf("Unknown ErrorCode (%d)", int(TstLastErr)),
		TstLastErr.String())

	err := storeError(ErrCorruptState, "bad", nil)
	require.True(t, IsError(err, ErrCorruptState))
	require.False(t, IsError(err, ErrDatabase))
}

func TestCreateOpen(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	require.True(t, IsError(Open(db), ErrNoExist))

	require.NoError(t, Create(db))
	require.True(t, IsError(Create(db), ErrAlreadyExists))
	require.NoError(t, Open(db))

	update(t, db, func(ns walletdb.ReadWriteBucket) error {
		require.Equal(t, getLatestDBVersion(), fetchVersion(ns))
		return TstSetVersion(ns, getLatestDBVersion()+1)
	})
	require.True(t, IsError(Open(db), ErrUnknownVersion))
}

func TestMigrateFromFirstVersion(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)
	update(t, db, func(ns walletdb.ReadWriteBucket) error {
		require.NoError(t, ns.DeleteNestedBucket(bucketReleases))
		require.NoError(t, ns.DeleteNestedBucket(bucketSvp))
		require.NoError(t, ns.DeleteNestedBucket(bucketFlyoverScripts))
		return TstSetVersion(ns, 1)
	})

	require.NoError(t, Open(db))

	update(t, db, func(ns walletdb.ReadWriteBucket) error {
		require.Equal(t, uint32(2), fetchVersion(ns))
		require.NotNil(t, ns.NestedReadBucket(bucketReleases))
		require.NotNil(t, ns.NestedReadBucket(bucketSvp))
		require.NotNil(t, ns.NestedReadBucket(bucketFlyoverScripts))
		return nil
	})
	require.Len(t, getMigrationsToApply(1), 1)
	require.Empty(t, getMigrationsToApply(getLatestDBVersion()))
}
