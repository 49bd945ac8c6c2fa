// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package federation

var TstLastErr = lastErr

const TstMaxCSVDelay = maxCSVDelay
