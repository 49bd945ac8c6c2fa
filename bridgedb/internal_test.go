// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bridgedb

var TstLastErr = lastErr

// TstSetVersion overwrites the recorded store version.
var TstSetVersion = putVersion
