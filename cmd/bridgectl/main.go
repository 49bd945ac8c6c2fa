// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// bridgectl operates a bridge database: it imports Bitcoin headers,
// registers transactions and exports the transactions the federation has to
// sign.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcbridge/internal/cfgutil"
	"github.com/jessevdk/go-flags"
)

const defaultConfigFilename = "bridgectl.conf"

var opts = defaultConfig()

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	defer closeLogRotator()

	parser := flags.NewParser(opts, flags.Default)
	if err := addCommands(parser); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// Options in the config file are overridden by the command line.
	configFile := filepath.Join(defaultAppDataDir, defaultConfigFilename)
	if ok, _ := cfgutil.FileExists(configFile); ok {
		err := flags.NewIniParser(parser).ParseFile(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing config file %s: %v\n",
				configFile, err)
			return 1
		}
	}

	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}
	return 0
}
