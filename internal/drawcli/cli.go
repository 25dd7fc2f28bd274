// Package drawcli implements the fairdraw command line: round lifecycle
// commands against a local database, a watch command against a running
// daemon, and the daemon itself.
package drawcli

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	clock "github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"

	"github.com/drand/fairdraw/draw"
	"github.com/drand/fairdraw/draw/boltdb"
	storeerrors "github.com/drand/fairdraw/draw/errors"
	"github.com/drand/fairdraw/engine"
	"github.com/drand/fairdraw/entropy"
	"github.com/drand/fairdraw/log"
	"github.com/drand/fairdraw/randomness/mock"
	"github.com/drand/fairdraw/settlement"
)

// default output of the fairdraw operational commands
// the daemon uses its own logging mechanism.
var output io.Writer = os.Stdout

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.version=`git describe --tags`
//   -X main.buildDate=`date -u +%d/%m/%Y@%H:%M:%S` -X main.gitCommit=`git rev-parse HEAD`"
var (
	version   = "master"
	gitCommit = "none"
	buildDate = "unknown"
)

func banner() {
	fmt.Fprintf(output, "fairdraw %v (date %v, commit %v)\n", version, buildDate, gitCommit)
}

func defaultFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fairdraw"
	}
	return path.Join(home, ".fairdraw")
}

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: defaultFolder(),
	Usage: "Folder where the round and balance database lives, with absolute path.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level",
}

var idFlag = &cli.StringFlag{
	Name:  "id",
	Usage: "Identifier of the round to create. A random one is generated when omitted.",
}

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "TOML file holding the round policy (fee, deadline, winners). Defaults apply when omitted.",
}

var weightFlag = &cli.Uint64Flag{
	Name:  "weight",
	Value: 1,
	Usage: "Selection weight of the entry. Chances are proportional to it.",
}

var contributionFlag = &cli.Uint64Flag{
	Name:  "contribution",
	Usage: "Amount the participant puts into the round pool.",
}

var fundsFlag = &cli.Uint64Flag{
	Name:  "funds",
	Usage: "Funds supplied to cover the provider fee. Ignored when the round pays the fee from its pool.",
}

var sourceFlag = &cli.StringFlag{
	Name:  "source",
	Usage: "Executable whose output is used as the local seed instead of crypto/rand.",
}

var revealFlag = &cli.BoolFlag{
	Name:  "reveal",
	Usage: "Deliver a random reveal immediately after the request. Local testing only.",
}

var feeFlag = &cli.Uint64Flag{
	Name:  "provider-fee",
	Value: 10,
	Usage: "Fee the local randomness provider charges per request.",
}

var appCommands = []*cli.Command{
	{
		Name:  "open",
		Usage: "Open a new round accepting weighted entries.",
		Flags: toArray(folderFlag, idFlag, configFlag),
		Action: func(c *cli.Context) error {
			banner()
			return openCmd(c)
		},
	},
	{
		Name:      "register",
		Usage:     "Register a weighted entry into an open round.",
		ArgsUsage: "<roundID> <participant>",
		Flags:     toArray(folderFlag, weightFlag, contributionFlag),
		Action:    registerCmd,
	},
	{
		Name:      "lock",
		Usage:     "Close registrations for a round.",
		ArgsUsage: "<roundID>",
		Flags:     toArray(folderFlag),
		Action:    lockCmd,
	},
	{
		Name:      "request-draw",
		Usage:     "Commit to a local seed and request randomness for a locked round.",
		ArgsUsage: "<roundID>",
		Flags:     toArray(folderFlag, fundsFlag, sourceFlag, revealFlag, feeFlag),
		Action:    requestDrawCmd,
	},
	{
		Name:      "compute-winners",
		Usage:     "Derive the winner set of a fulfilled round and record the payout.",
		ArgsUsage: "<roundID>",
		Flags:     toArray(folderFlag),
		Action:    computeWinnersCmd,
	},
	{
		Name:      "cancel",
		Usage:     "Cancel an expired or empty round, refunding every contribution.",
		ArgsUsage: "<roundID>",
		Flags:     toArray(folderFlag),
		Action:    cancelCmd,
	},
	{
		Name:      "status",
		Usage:     "Print the full state of a round.",
		ArgsUsage: "<roundID>",
		Flags:     toArray(folderFlag),
		Action:    statusCmd,
	},
	{
		Name:   "rounds",
		Usage:  "List all rounds.",
		Flags:  toArray(folderFlag),
		Action: roundsCmd,
	},
	{
		Name:      "owed",
		Usage:     "Print the owed balance of a beneficiary.",
		ArgsUsage: "<beneficiary>",
		Flags:     toArray(folderFlag),
		Action:    owedCmd,
	},
	{
		Name:      "withdraw",
		Usage:     "Pay out the full owed balance of a beneficiary.",
		ArgsUsage: "<beneficiary>",
		Flags:     toArray(folderFlag),
		Action:    withdrawCmd,
	},
	{
		Name:      "watch",
		Usage:     "Follow a round on a running daemon until it settles or is cancelled.",
		ArgsUsage: "<roundID>",
		Flags:     toArray(urlFlag),
		Action:    watchCmd,
	},
	{
		Name:  "daemon",
		Usage: "Run the draw daemon: observer API, reveal endpoint and metrics.",
		Flags: toArray(folderFlag, bindFlag, metricsFlag, accessLogFlag,
			demoFlag, revealDelayFlag, sweepPeriodFlag, feeFlag, verboseFlag),
		Action: func(c *cli.Context) error {
			banner()
			return daemonCmd(c)
		},
	},
}

// CLI runs the fairdraw app
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "fairdraw"
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(output, "fairdraw %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version
	app.Usage = "entropy-backed fair draw service"
	app.Commands = appCommands
	app.Flags = toArray(verboseFlag, folderFlag)
	return app
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

func logLevel(c *cli.Context) int {
	if c.Bool(verboseFlag.Name) {
		return log.DebugLevel
	}
	return log.InfoLevel
}

// withEngine opens the database under the configured folder, wires a local
// randomness provider whose sequence floor sits above everything already
// stored, and hands both to fn.
func withEngine(c *cli.Context, fn func(*engine.Engine, *mock.Provider) error) error {
	logger := log.New(nil, logLevel(c), false)
	folder := c.String(folderFlag.Name)
	if err := os.MkdirAll(folder, 0o740); err != nil {
		return fmt.Errorf("creating folder %s: %w", folder, err)
	}

	store, err := boltdb.NewBoltStore(logger, folder, nil)
	if err != nil {
		return fmt.Errorf("opening database in %s: %w", folder, err)
	}

	floor, err := sequenceFloor(c.Context, store)
	if err != nil {
		return err
	}
	provider := mock.NewProvider(c.Uint64(feeFlag.Name), floor, clock.NewRealClock())

	e, err := engine.NewEngine(provider,
		engine.WithStore(store, store),
		engine.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	provider.Connect(e)
	defer func() {
		if err := e.Stop(c.Context); err != nil {
			logger.Errorw("failed to stop engine", "err", err)
		}
	}()
	return fn(e, provider)
}

// sequenceFloor scans the store for the highest sequence number handed out so
// far, so provider sequences stay unique across restarts.
func sequenceFloor(ctx context.Context, store draw.Store) (uint64, error) {
	var floor uint64
	err := store.Cursor(ctx, func(ctx context.Context, cur draw.Cursor) error {
		for round, err := cur.First(ctx); ; round, err = cur.Next(ctx) {
			if goerrors.Is(err, storeerrors.ErrNoRoundStored) {
				return nil
			}
			if err != nil {
				return err
			}
			if round.Sequence > floor {
				floor = round.Sequence
			}
		}
	})
	return floor, err
}

// roundConfigTOML is the on-disk round policy format for the open command.
type roundConfigTOML struct {
	FeeBasisPoints uint32 `toml:"fee_basis_points"`
	FeeRecipient   string `toml:"fee_recipient"`
	FeeFromPool    bool   `toml:"fee_from_pool"`
	DrawDeadline   string `toml:"draw_deadline"`
	MaxWinners     int    `toml:"max_winners"`
}

func loadRoundConfig(file string) (draw.Config, error) {
	var cfg draw.Config
	if file == "" {
		return cfg, nil
	}
	var raw roundConfigTOML
	if _, err := toml.DecodeFile(file, &raw); err != nil {
		return cfg, fmt.Errorf("reading round config %s: %w", file, err)
	}
	cfg.FeeBasisPoints = raw.FeeBasisPoints
	cfg.FeeRecipient = raw.FeeRecipient
	cfg.FeeFromPool = raw.FeeFromPool
	cfg.MaxWinners = raw.MaxWinners
	if raw.DrawDeadline != "" {
		d, err := time.ParseDuration(raw.DrawDeadline)
		if err != nil {
			return cfg, fmt.Errorf("parsing draw_deadline: %w", err)
		}
		cfg.DrawDeadline = d
	}
	return cfg, nil
}

func openCmd(c *cli.Context) error {
	id := c.String(idFlag.Name)
	if id == "" {
		id = uuid.New().String()
	}
	cfg, err := loadRoundConfig(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	return withEngine(c, func(e *engine.Engine, _ *mock.Provider) error {
		round, err := e.Open(c.Context, id, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "round opened: %s\n", round.ID)
		return nil
	})
}

func registerCmd(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("register expects <roundID> <participant>")
	}
	id, participant := c.Args().Get(0), c.Args().Get(1)
	return withEngine(c, func(e *engine.Engine, _ *mock.Provider) error {
		round, err := e.Register(c.Context, id, participant,
			c.Uint64(weightFlag.Name), c.Uint64(contributionFlag.Name))
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "registered %s in %s: %d entries, pool %d\n",
			participant, id, len(round.Entries), round.PoolAmount)
		return nil
	})
}

func lockCmd(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("lock expects <roundID>")
	}
	id := c.Args().First()
	return withEngine(c, func(e *engine.Engine, _ *mock.Provider) error {
		round, err := e.Lock(c.Context, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "round %s locked with %d entries, pool %d\n",
			id, len(round.Entries), round.PoolAmount)
		return nil
	})
}

func requestDrawCmd(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("request-draw expects <roundID>")
	}
	id := c.Args().First()
	return withEngine(c, func(e *engine.Engine, provider *mock.Provider) error {
		var seed []byte
		if script := c.String(sourceFlag.Name); script != "" {
			var err error
			seed, err = entropy.GetRandom(entropy.NewScriptReader(script), 32)
			if err != nil {
				return fmt.Errorf("reading entropy from %s: %w", script, err)
			}
		}
		round, err := e.RequestDraw(c.Context, id, seed, c.Uint64(fundsFlag.Name))
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "draw requested for %s: sequence %d, fee %d, deadline %s\n",
			id, round.Sequence, round.ProviderFee, round.Deadline)

		if c.Bool(revealFlag.Name) {
			if err := provider.RevealRandom(c.Context, round.Sequence); err != nil {
				return err
			}
			fmt.Fprintf(output, "reveal delivered for sequence %d\n", round.Sequence)
		}
		return nil
	})
}

func computeWinnersCmd(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("compute-winners expects <roundID>")
	}
	id := c.Args().First()
	return withEngine(c, func(e *engine.Engine, _ *mock.Provider) error {
		round, err := e.ComputeWinners(c.Context, id)
		if err != nil {
			return err
		}
		for _, w := range round.Winners {
			fmt.Fprintf(output, "winner: %s (%d bps)\n", w.Participant, w.ShareBasisPoints)
		}
		return nil
	})
}

func cancelCmd(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("cancel expects <roundID>")
	}
	id := c.Args().First()
	return withEngine(c, func(e *engine.Engine, _ *mock.Provider) error {
		round, err := e.CancelAndRefund(c.Context, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "round %s cancelled, %d refunded across %d entries\n",
			id, round.PoolAmount, len(round.Entries))
		return nil
	})
}

func statusCmd(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("status expects <roundID>")
	}
	id := c.Args().First()
	return withEngine(c, func(e *engine.Engine, _ *mock.Provider) error {
		round, err := e.Round(c.Context, id)
		if err != nil {
			return err
		}
		buff, err := round.Marshal()
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "%s\n", buff)
		return nil
	})
}

func roundsCmd(c *cli.Context) error {
	return withEngine(c, func(e *engine.Engine, _ *mock.Provider) error {
		rounds, err := e.Rounds(c.Context)
		if err != nil {
			return err
		}
		for _, round := range rounds {
			fmt.Fprintf(output, "%s\n", round)
		}
		return nil
	})
}

func owedCmd(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("owed expects <beneficiary>")
	}
	beneficiary := c.Args().First()
	return withEngine(c, func(e *engine.Engine, _ *mock.Provider) error {
		owed, err := e.Owed(c.Context, beneficiary)
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "%s is owed %d\n", beneficiary, owed)
		return nil
	})
}

func withdrawCmd(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("withdraw expects <beneficiary>")
	}
	beneficiary := c.Args().First()
	return withEngine(c, func(e *engine.Engine, _ *mock.Provider) error {
		amount, err := e.Withdraw(c.Context, beneficiary)
		if goerrors.Is(err, settlement.ErrNothingOwed) {
			fmt.Fprintf(output, "nothing owed to %s\n", beneficiary)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "withdrew %d for %s\n", amount, beneficiary)
		return nil
	})
}
