// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcbridge/bridge"
	"github.com/btcsuite/btcbridge/federation"
	"github.com/btcsuite/btcbridge/internal/cfgutil"
	"github.com/btcsuite/btcbridge/internal/prompt"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/jessevdk/go-flags"
)

// federationOpts describe a federation on the command line.
type federationOpts struct {
	Members       []string `short:"m" long:"member" description:"Compressed public key of a member in hex; repeat for every member" required:"true"`
	CreationBlock int64    `long:"creationblock" description:"Sidechain block the federation was created at"`
	CreationTime  int64    `long:"creationtime" description:"Unix time the federation was created at"`
}

func (o *federationOpts) federation(params *chaincfg.Params) (*federation.Federation, error) {
	members, err := parseMembers(o.Members)
	if err != nil {
		return nil, err
	}
	return federation.NewStandardMultiSig(federation.Args{
		Members:             members,
		CreationTime:        time.Unix(o.CreationTime, 0),
		CreationBlockNumber: o.CreationBlock,
		Params:              params,
	})
}

// parseMembers decodes hex encoded public keys.
func parseMembers(keys []string) ([]*federation.Member, error) {
	members := make([]*federation.Member, 0, len(keys))
	for _, k := range keys {
		b, err := hex.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("member key %q: %w", k, err)
		}
		pub, err := btcec.ParsePubKey(b)
		if err != nil {
			return nil, fmt.Errorf("member key %q: %w", k, err)
		}
		members = append(members, federation.NewMemberFromBtcKey(pub))
	}
	return members, nil
}

// readHeaders reads hex encoded block headers, one per line.  Blank lines
// and lines starting with # are skipped.
func readHeaders(r io.Reader) ([]*wire.BlockHeader, error) {
	var headers []*wire.BlockHeader
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		b, err := hex.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(b) != wire.MaxBlockHeaderPayload {
			return nil, fmt.Errorf("line %d: header is %d bytes", line,
				len(b))
		}
		var h wire.BlockHeader
		if err := h.Deserialize(bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		headers = append(headers, &h)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return headers, nil
}

// withApp opens the bridge database for the duration of f.
func withApp(create bool, f func(a *app) error) error {
	a, err := openApp(opts, create)
	if err != nil {
		return err
	}
	defer a.Close()
	return f(a)
}

type initCmd struct {
	federationOpts
}

func (c *initCmd) Execute(_ []string) error {
	params, err := opts.params()
	if err != nil {
		return err
	}
	genesis, err := c.federation(params)
	if err != nil {
		return err
	}

	fmt.Printf("Genesis federation: %v\n", genesis)
	if !opts.Force {
		ok, err := prompt.Confirm(fmt.Sprintf("Create the bridge database "+
			"at %s?", opts.dbPath(params)))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	return withApp(true, func(a *app) error {
		return a.engine.Bootstrap(context.Background(), opts.rsk(), genesis)
	})
}

type importHeadersCmd struct {
	Start int32  `long:"start" description:"Bitcoin height of the first header" required:"true"`
	File  string `long:"file" description:"File with one hex encoded header per line; - reads stdin" required:"true"`
}

func (c *importHeadersCmd) Execute(_ []string) error {
	var r io.Reader = os.Stdin
	if c.File != "-" {
		f, err := os.Open(cfgutil.CleanAndExpandPath(c.File))
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	headers, err := readHeaders(r)
	if err != nil {
		return err
	}

	return withApp(false, func(a *app) error {
		if err := a.headers.PutHeaders(c.Start, headers); err != nil {
			return err
		}
		head, err := a.headers.ChainHeadHeight()
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d headers, head at %d\n", len(headers), head)
		return nil
	})
}

type registerCmd struct {
	Tx     cfgutil.HexFlag `long:"tx" description:"Serialized transaction" required:"true"`
	Height int32           `long:"height" description:"Height of the block holding the transaction" required:"true"`
	PMT    cfgutil.HexFlag `long:"pmt" description:"Serialized partial merkle tree proving the transaction" required:"true"`
}

func (c *registerCmd) Execute(_ []string) error {
	return withApp(false, func(a *app) error {
		return a.engine.RegisterBtcTransaction(context.Background(),
			opts.rsk(), c.Tx, c.Height, c.PMT)
	})
}

type registerCoinbaseCmd struct {
	registerCmd
	WitnessRoot cfgutil.HashFlag `long:"witnessroot" description:"Witness merkle root of the block" required:"true"`
	Reserved    cfgutil.HashFlag `long:"reserved" description:"Witness reserved value of the coinbase"`
}

func (c *registerCoinbaseCmd) Execute(_ []string) error {
	return withApp(false, func(a *app) error {
		return a.engine.RegisterBtcCoinbaseTransaction(context.Background(),
			opts.rsk(), c.Tx, c.Height, c.PMT, c.WitnessRoot.Hash,
			c.Reserved.Hash)
	})
}

type releaseCmd struct {
	To     string              `long:"to" description:"Bitcoin address receiving the release" required:"true"`
	Amount *cfgutil.AmountFlag `long:"amount" description:"Amount to release" required:"true"`
}

func (c *releaseCmd) Execute(_ []string) error {
	return withApp(false, func(a *app) error {
		to, err := btcutil.DecodeAddress(c.To, a.params)
		if err != nil {
			return err
		}
		return a.engine.ReleaseBtc(context.Background(), opts.rsk(), to,
			c.Amount.Amount)
	})
}

type proposeCmd struct {
	federationOpts
}

func (c *proposeCmd) Execute(_ []string) error {
	return withApp(false, func(a *app) error {
		proposed, err := c.federation(a.params)
		if err != nil {
			return err
		}
		return a.engine.ProposeFederation(context.Background(), opts.rsk(),
			proposed)
	})
}

// engineCmd runs an engine operation that takes no arguments.
type engineCmd struct {
	run func(e *bridge.Engine, ctx context.Context, rsk bridge.RskTx) error
}

func (c *engineCmd) Execute(_ []string) error {
	return withApp(false, func(a *app) error {
		return c.run(a.engine, context.Background(), opts.rsk())
	})
}

type statusCmd struct {
	Verbose bool `short:"v" long:"verbose" description:"Dump every stored record"`
}

func (c *statusCmd) Execute(_ []string) error {
	return withApp(false, func(a *app) error {
		st, err := a.engine.State(context.Background())
		if err != nil {
			return err
		}
		head, err := a.headers.ChainHeadHeight()
		if err != nil {
			head = -1
		}
		writeStatus(os.Stdout, st, head)
		if c.Verbose {
			spew.Fdump(os.Stdout, st.ActiveUtxos, st.RetiringUtxos,
				st.Pending, st.ReleaseRequests)
		}
		return nil
	})
}

func writeStatus(w io.Writer, st *bridge.State, head int32) {
	fed := func(name string, f *federation.Federation) {
		if f == nil {
			return
		}
		fmt.Fprintf(w, "%-10s %v (%d of %d, created at %d)\n", name,
			f.Address(), f.NumberOfSignaturesRequired(), f.Size(),
			f.CreationBlockNumber())
	}
	fed("active", st.Active)
	fed("retiring", st.Retiring)
	fed("proposed", st.Proposed)

	fmt.Fprintf(w, "headers    %d\n", head)
	fmt.Fprintf(w, "locked     %v in %d outputs (cap %v)\n",
		st.LockedBalance(), len(st.ActiveUtxos)+len(st.RetiringUtxos),
		st.LockingCap)
	fmt.Fprintf(w, "releases   %d queued\n", len(st.ReleaseRequests))
	fmt.Fprintf(w, "outbound   %d pending, %d waiting for signatures\n",
		len(st.Pending), len(st.WaitingForSignatures))
}

type pendingCmd struct{}

func (c *pendingCmd) Execute(_ []string) error {
	return withApp(false, func(a *app) error {
		st, err := a.engine.State(context.Background())
		if err != nil {
			return err
		}
		return writePackets(os.Stdout, st.WaitingForSignatures)
	})
}

// writePackets writes one line per transaction: the sidechain transaction
// that created it and its signing packet in base64.
func writePackets(w io.Writer, waiting map[chainhash.Hash]*wire.MsgTx) error {
	keys := make([]chainhash.Hash, 0, len(waiting))
	for k := range waiting {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})

	for _, k := range keys {
		packet, err := bridge.SigningPacket(waiting[k])
		if err != nil {
			return err
		}
		b64, err := packet.B64Encode()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%x %s\n", k[:], b64)
	}
	return nil
}

func addCommands(p *flags.Parser) error {
	commands := []struct {
		name, short string
		data        interface{}
	}{
		{"init", "Create the bridge database with a genesis federation", &initCmd{}},
		{"importheaders", "Import Bitcoin block headers", &importHeadersCmd{}},
		{"register", "Register a Bitcoin transaction", &registerCmd{}},
		{"registercoinbase", "Register the witness root of a block", &registerCoinbaseCmd{}},
		{"release", "Request a release of locked funds", &releaseCmd{}},
		{"propose", "Propose the next federation", &proposeCmd{}},
		{"commit", "Commit the proposed federation", &engineCmd{(*bridge.Engine).CommitProposedFederation}},
		{"update", "Process queued releases and outbound transactions", &engineCmd{(*bridge.Engine).UpdateCollections}},
		{"migrate", "Migrate the funds of the retiring federation", &engineCmd{(*bridge.Engine).MigrateRetiringFunds}},
		{"svpfund", "Create the validation fund transaction", &engineCmd{(*bridge.Engine).CreateSvpFundTransaction}},
		{"svpspend", "Create the validation spend transaction", &engineCmd{(*bridge.Engine).CreateSvpSpendTransaction}},
		{"status", "Show the bridge state", &statusCmd{}},
		{"pending", "Export transactions waiting for signatures as PSBTs", &pendingCmd{}},
	}
	for _, c := range commands {
		if _, err := p.AddCommand(c.name, c.short, "", c.data); err != nil {
			return err
		}
	}
	return nil
}
