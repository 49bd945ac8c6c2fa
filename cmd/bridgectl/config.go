// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcbridge/activation"
	"github.com/btcsuite/btcbridge/bridge"
	"github.com/btcsuite/btcbridge/internal/cfgutil"
	"github.com/btcsuite/btcbridge/peg"
	"github.com/btcsuite/btcbridge/spv"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	defaultDBFilename  = "bridge.db"
	defaultLogFilename = "bridgectl.log"
	defaultLogLevel    = "info"
	defaultDBTimeout   = 60 * time.Second
)

var (
	defaultAppDataDir = btcutil.AppDataDir("btcbridge", false)
	defaultLogDir     = filepath.Join(defaultAppDataDir, "logs")
)

// config holds the options shared by every command.
type config struct {
	AppDataDir *cfgutil.ExplicitString `short:"A" long:"appdata" description:"Application data directory for the bridge database"`
	DBPath     *cfgutil.ExplicitString `long:"db" description:"Path to the bridge database (default: <appdata>/<network>/bridge.db)"`
	LogDir     string                  `long:"logdir" description:"Directory to log output"`
	DebugLevel string                  `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	DBTimeout  time.Duration           `long:"dbtimeout" description:"Timeout for opening the database"`

	TestNet3 bool `long:"testnet" description:"Use the test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`

	FeeRate *cfgutil.AmountFlag `long:"feerate" description:"Fee per kilobyte paid by built transactions"`

	RskTx    cfgutil.HashFlag `long:"rsktx" description:"Hash of the sidechain transaction executing the command"`
	RskBlock int64            `long:"rskblock" description:"Sidechain block executing the command"`

	Force bool `short:"f" long:"force" description:"Do not ask for confirmation"`
}

func defaultConfig() *config {
	return &config{
		AppDataDir: cfgutil.NewExplicitString(defaultAppDataDir),
		DBPath:     cfgutil.NewExplicitString(""),
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		DBTimeout:  defaultDBTimeout,
		FeeRate:    cfgutil.NewAmountFlag(txrules.DefaultRelayFeePerKb),
	}
}

// params returns the network selected by the options.
func (c *config) params() (*chaincfg.Params, error) {
	switch {
	case c.TestNet3 && c.RegTest:
		return nil, errors.New("multiple networks may not be used " +
			"simultaneously")
	case c.TestNet3:
		return &chaincfg.TestNet3Params, nil
	case c.RegTest:
		return &chaincfg.RegressionNetParams, nil
	}
	return &chaincfg.MainNetParams, nil
}

// dbPath returns the database path, defaulting to a file in the network
// directory under the application data directory.
func (c *config) dbPath(params *chaincfg.Params) string {
	if c.DBPath.ExplicitlySet() {
		return cfgutil.CleanAndExpandPath(c.DBPath.Value)
	}
	netDir := filepath.Join(cfgutil.CleanAndExpandPath(c.AppDataDir.Value),
		params.Name)
	return filepath.Join(netDir, defaultDBFilename)
}

func (c *config) rsk() bridge.RskTx {
	return bridge.RskTx{Hash: c.RskTx.Hash, BlockNumber: c.RskBlock}
}

// app is the open bridge database and the engine running over it.
type app struct {
	params  *chaincfg.Params
	db      walletdb.DB
	headers *spv.DBHeaderChain
	engine  *bridge.Engine
}

// openApp starts logging and opens the bridge database.  When create is
// set the database must not exist yet.
func openApp(c *config, create bool) (*app, error) {
	params, err := c.params()
	if err != nil {
		return nil, err
	}

	logFile := filepath.Join(cfgutil.CleanAndExpandPath(c.LogDir),
		params.Name, defaultLogFilename)
	if err := initLogRotator(logFile); err != nil {
		return nil, err
	}
	setLogLevels(c.DebugLevel)

	if c.FeeRate.Amount > 1e6 {
		return nil, fmt.Errorf("fee rate `%v/kB` is exceptionally high",
			c.FeeRate.Amount)
	}

	path := c.dbPath(params)
	exists, err := cfgutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	var db walletdb.DB
	switch {
	case create && exists:
		return nil, fmt.Errorf("database %s already exists", path)
	case create:
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		db, err = walletdb.Create("bdb", path, true, c.DBTimeout, false)
	case !exists:
		return nil, fmt.Errorf("database %s does not exist; run init "+
			"first", path)
	default:
		db, err = walletdb.Open("bdb", path, true, c.DBTimeout, false)
	}
	if err != nil {
		return nil, err
	}
	log.Debugf("Opened bridge database %s", path)

	a, err := newApp(db, params, bridge.StaticFeePerKb(c.FeeRate.Amount))
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func newApp(db walletdb.DB, params *chaincfg.Params,
	fee bridge.FeePerKbProvider) (*app, error) {

	constants, err := peg.ConstantsForNetwork(params.Name)
	if err != nil {
		return nil, err
	}
	acts, err := activation.ForNetwork(params.Name)
	if err != nil {
		return nil, err
	}
	headers, err := spv.NewDBHeaderChain(db)
	if err != nil {
		return nil, err
	}
	engine, err := bridge.New(&bridge.Config{
		DB:          db,
		Constants:   constants,
		Activations: acts,
		Headers:     headers,
		FeePerKb:    fee,
		Events:      eventLog{},
	})
	if err != nil {
		return nil, err
	}
	return &app{params: params, db: db, headers: headers, engine: engine}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
