package engine

import (
	"context"
	"io"
	"time"

	clock "github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/drand/fairdraw/draw"
	"github.com/drand/fairdraw/log"
	"github.com/drand/fairdraw/settlement"
)

// DefaultDrawDeadline bounds RandomnessRequested for rounds whose config does
// not set one.
const DefaultDrawDeadline = 5 * time.Minute

// DefaultSweepPeriod is how often the timeout guard scans for expired rounds
// when auto-cancel is enabled.
const DefaultSweepPeriod = 30 * time.Second

// DefaultCacheSize is how many archived rounds are kept in memory for
// observer reads.
const DefaultCacheSize = 128

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds all relevant information for an engine to run.
type Config struct {
	folder       string
	boltOpts     *bolt.Options
	store        draw.Store
	balances     settlement.Store
	transfer     settlement.Transferer
	logger       log.Logger
	clock        clock.Clock
	entropy      io.Reader
	drawDeadline time.Duration
	autoCancel   bool
	sweepPeriod  time.Duration
	cacheSize    int
}

// NewConfig returns the config to pass to the engine with the default options
// set and the updated values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		logger:       log.DefaultLogger(),
		clock:        clock.NewRealClock(),
		drawDeadline: DefaultDrawDeadline,
		sweepPeriod:  DefaultSweepPeriod,
		cacheSize:    DefaultCacheSize,
		transfer: settlement.TransferFunc(func(context.Context, string, uint64) error {
			// the default funding boundary accepts every transfer; deployments
			// wire their own Transferer through WithTransferer
			return nil
		}),
	}
	for i := range opts {
		opts[i](c)
	}
	return c
}

// Folder returns the folder under which the engine stores its database.
func (c *Config) Folder() string {
	return c.folder
}

// Logger returns the logger associated with this config.
func (c *Config) Logger() log.Logger {
	return c.logger
}

// Clock returns the clock associated with this config.
func (c *Config) Clock() clock.Clock {
	return c.clock
}

// WithFolder sets the base folder for the boltdb store.
func WithFolder(folder string) ConfigOption {
	return func(c *Config) {
		c.folder = folder
	}
}

// WithBoltOptions applies boltdb specific options when bolt is used.
func WithBoltOptions(opts *bolt.Options) ConfigOption {
	return func(c *Config) {
		c.boltOpts = opts
	}
}

// WithStore overrides the round and balance stores, bypassing boltdb. Both
// arguments may be the same object.
func WithStore(rounds draw.Store, balances settlement.Store) ConfigOption {
	return func(c *Config) {
		c.store = rounds
		c.balances = balances
	}
}

// WithTransferer sets the funding boundary used by withdrawals.
func WithTransferer(t settlement.Transferer) ConfigOption {
	return func(c *Config) {
		c.transfer = t
	}
}

// WithLogger sets the engine logger.
func WithLogger(l log.Logger) ConfigOption {
	return func(c *Config) {
		c.logger = l
	}
}

// WithClock sets the clock; tests inject a fake one.
func WithClock(cl clock.Clock) ConfigOption {
	return func(c *Config) {
		c.clock = cl
	}
}

// WithEntropy sets the reader local seeds are drawn from. crypto/rand is the
// fallback either way.
func WithEntropy(r io.Reader) ConfigOption {
	return func(c *Config) {
		c.entropy = r
	}
}

// WithDrawDeadline sets the default deadline for rounds that don't carry one.
func WithDrawDeadline(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.drawDeadline = d
	}
}

// WithAutoCancel makes the timeout guard cancel and refund expired rounds on
// its own, scanning every period.
func WithAutoCancel(period time.Duration) ConfigOption {
	return func(c *Config) {
		c.autoCancel = true
		if period > 0 {
			c.sweepPeriod = period
		}
	}
}

// WithCacheSize sets the archived-round cache capacity.
func WithCacheSize(size int) ConfigOption {
	return func(c *Config) {
		c.cacheSize = size
	}
}
