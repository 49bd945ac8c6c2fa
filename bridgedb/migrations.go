// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridgedb

import "github.com/btcsuite/btcwallet/walletdb"

// dbVersion encapsulates a version along with a migration closure that, once
// complete, will reflect the current version of the store.
type dbVersion struct {
	version   uint32
	migration func(walletdb.ReadWriteBucket) error
}

// dbVersions represents the different versions of the store, along with the
// migrations allowing them to proceed to said versions.
var dbVersions = []dbVersion{
	{
		version:   1,
		migration: nil,
	},
	{
		version:   2,
		migration: addReleaseAndSvpBuckets,
	},
}

// getLatestDBVersion retrieves the most recent version of the store.
func getLatestDBVersion() uint32 {
	return dbVersions[len(dbVersions)-1].version
}

// getMigrationsToApply determines the migrations that need to be applied in
// order for the given version to catch up to the latest version.
func getMigrationsToApply(version uint32) []dbVersion {
	var migrations []dbVersion
	for _, dbVersion := range dbVersions {
		if dbVersion.version > version {
			migrations = append(migrations, dbVersion)
		}
	}
	return migrations
}

// addReleaseAndSvpBuckets creates the buckets for queued release requests
// and the federation validation records, along with the index of flyover
// output scripts.
func addReleaseAndSvpBuckets(ns walletdb.ReadWriteBucket) error {
	for _, name := range [][]byte{bucketReleases, bucketSvp, bucketFlyoverScripts} {
		if _, err := ns.CreateBucketIfNotExists(name); err != nil {
			str := "failed to create bucket " + string(name)
			return storeError(ErrDatabase, str, err)
		}
	}
	return nil
}
