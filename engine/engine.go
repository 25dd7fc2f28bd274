// Package engine orchestrates the fair draw lifecycle: it owns the round
// ledger, drives the commit-reveal protocol against the randomness port,
// derives winners from the final outcome and records payouts in the
// settlement ledger.
package engine

import (
	"context"
	goerrors "errors"
	"sync"

	clock "github.com/jonboulle/clockwork"

	"github.com/drand/fairdraw/crypto"
	"github.com/drand/fairdraw/draw"
	"github.com/drand/fairdraw/draw/boltdb"
	"github.com/drand/fairdraw/draw/memdb"
	storeerrors "github.com/drand/fairdraw/draw/errors"
	"github.com/drand/fairdraw/entropy"
	"github.com/drand/fairdraw/log"
	"github.com/drand/fairdraw/metrics"
	"github.com/drand/fairdraw/randomness"
	"github.com/drand/fairdraw/settlement"
)

// Engine is the single writer of round state. Operations on the same round
// are serialized behind a per-round lock; rounds progress independently.
type Engine struct {
	opts      *Config
	log       log.Logger
	clock     clock.Clock
	store     draw.Store
	ledger    *settlement.Ledger
	port      randomness.Port
	cache     *roundCache
	callbacks *callbackManager
	guard     *TimeoutGuard

	mu         sync.Mutex
	roundLocks map[string]*sync.Mutex
}

// NewEngine wires an engine to a randomness port. Without WithStore or
// WithFolder it runs on the in-memory store.
func NewEngine(port randomness.Port, opts ...ConfigOption) (*Engine, error) {
	c := NewConfig(opts...)
	logger := c.logger.Named("engine")

	rounds := c.store
	balances := c.balances
	if rounds == nil {
		if c.folder != "" {
			bs, err := boltdb.NewBoltStore(logger, c.folder, c.boltOpts)
			if err != nil {
				return nil, err
			}
			rounds, balances = bs, bs
		} else {
			ms := memdb.NewStore()
			rounds, balances = ms, ms
		}
	}

	cache, err := newRoundCache(logger, c.cacheSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:       c,
		log:        logger,
		clock:      c.clock,
		store:      rounds,
		ledger:     settlement.NewLedger(c.logger, balances, c.transfer, c.clock),
		port:       port,
		cache:      cache,
		callbacks:  newCallbackManager(),
		roundLocks: make(map[string]*sync.Mutex),
	}
	e.guard = newTimeoutGuard(e)
	return e, nil
}

var _ randomness.RevealSink = (*Engine)(nil)

func (e *Engine) lockFor(roundID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.roundLocks[roundID]
	if !ok {
		m = &sync.Mutex{}
		e.roundLocks[roundID] = m
	}
	return m
}

// Open creates a new round under the given policy.
func (e *Engine) Open(ctx context.Context, id string, cfg draw.Config) (*draw.Round, error) {
	m := e.lockFor(id)
	m.Lock()
	defer m.Unlock()

	_, err := e.store.Get(ctx, id)
	if err == nil {
		return nil, draw.ErrDuplicateRound
	}
	if !goerrors.Is(err, storeerrors.ErrNoRoundStored) {
		return nil, err
	}

	round, err := draw.NewRound(id, cfg, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, round); err != nil {
		return nil, err
	}
	metrics.RoundsOpened.Inc()
	e.log.Infow("round opened", "round", id, "max_winners", round.Config.MaxWinners)
	return round, nil
}

// Register appends a weighted entry to an open round and grows its pool.
func (e *Engine) Register(ctx context.Context, id, participant string, weight, contribution uint64) (*draw.Round, error) {
	m := e.lockFor(id)
	m.Lock()
	defer m.Unlock()

	round, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := round.Register(participant, weight, contribution); err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, round); err != nil {
		return nil, err
	}
	metrics.EntriesRegistered.Inc()
	e.log.Debugw("entry registered", "round", id, "participant", participant,
		"weight", weight, "pool", round.PoolAmount)
	return round, nil
}

// Lock closes registrations for a round.
func (e *Engine) Lock(ctx context.Context, id string) (*draw.Round, error) {
	m := e.lockFor(id)
	m.Lock()
	defer m.Unlock()

	round, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := round.Lock(); err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, round); err != nil {
		return nil, err
	}
	e.log.Infow("round locked", "round", id, "entries", len(round.Entries), "pool", round.PoolAmount)
	return round, nil
}

// RequestDraw submits the randomness request for a locked round. When seed is
// nil a fresh local seed is drawn from the configured entropy source. The
// funds argument is what the operator supplies to cover the provider fee; it
// is ignored when the round pays the fee from its pool.
//
// The provider call happens with no round lock held: the reveal may arrive
// from a different execution context long after, or never, and nothing may
// block on it. A losing race between two concurrent requests for the same
// round leaves one orphan provider request, which is logged and harmless -
// its reveal will find the sequence unknown.
func (e *Engine) RequestDraw(ctx context.Context, id string, seed []byte, funds uint64) (*draw.Round, error) {
	round, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if round.Status != draw.Locked {
		return nil, draw.InvalidStateChange(round.Status, draw.RandomnessRequested)
	}

	fee, err := e.port.QuoteFee(ctx)
	if err != nil {
		return nil, err
	}
	if round.Config.FeeFromPool {
		if fee > round.PoolAmount {
			return nil, draw.ErrInsufficientFee
		}
	} else if funds < fee {
		return nil, draw.ErrInsufficientFee
	}

	if seed == nil {
		seed, err = entropy.GetRandom(e.opts.entropy, crypto.SeedSize)
		if err != nil {
			return nil, err
		}
	}
	commitment := crypto.CommitmentFromSeed(seed)

	sequence, err := e.port.Request(ctx, commitment)
	if err != nil {
		return nil, err
	}

	m := e.lockFor(id)
	m.Lock()
	defer m.Unlock()

	// reload: the round may have moved while the provider call was in flight
	round, err = e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	deadline := round.Config.DrawDeadline
	if deadline == 0 {
		deadline = e.opts.drawDeadline
	}
	now := e.clock.Now()
	if err := round.MarkRequested(sequence, seed, commitment, fee, now, now.Add(deadline)); err != nil {
		e.log.Warnw("orphan provider request", "round", id, "sequence", sequence, "err", err)
		return nil, err
	}
	if err := e.store.Put(ctx, round); err != nil {
		return nil, err
	}
	metrics.DrawsRequested.Inc()
	e.log.Infow("draw requested", "round", id, "sequence", sequence,
		"fee", fee, "deadline", round.Deadline)
	return round, nil
}

// OnReveal consumes a provider reveal. It is tolerant by design: reveals for
// unknown sequence numbers or already-consumed rounds are logged and counted,
// and nil is returned so an at-least-once provider can retry delivery
// cheaply. The first delivery wins; nothing changes afterwards.
func (e *Engine) OnReveal(ctx context.Context, sequence uint64, remoteRandomness []byte) error {
	round, err := e.store.GetBySequence(ctx, sequence)
	if goerrors.Is(err, storeerrors.ErrNoRoundStored) {
		metrics.UnknownSequenceCallbacks.Inc()
		e.log.Warnw("reveal for unknown sequence", "sequence", sequence)
		return nil
	}
	if err != nil {
		return err
	}

	m := e.lockFor(round.ID)
	m.Lock()
	defer m.Unlock()

	round, err = e.store.Get(ctx, round.ID)
	if err != nil {
		return err
	}
	if round.RandomnessConsumed() {
		metrics.UnknownSequenceCallbacks.Inc()
		e.log.Debugw("duplicate or late reveal ignored", "round", round.ID,
			"sequence", sequence, "status", round.Status.String())
		return nil
	}

	outcome := crypto.CombineRandomness(round.LocalSeed, remoteRandomness)
	if err := round.Fulfill(outcome); err != nil {
		return err
	}
	if err := e.store.Put(ctx, round); err != nil {
		return err
	}
	metrics.RevealsConsumed.Inc()
	e.log.Infow("reveal consumed", "round", round.ID, "sequence", sequence)
	e.callbacks.NewRound(round.Clone())
	return nil
}

// ComputeWinners derives the winner set of a fulfilled round, records the
// payout in the settlement ledger and archives the round as Settled. The
// ledger write and the status transition stand or fall together: if the
// round store write fails the credits are reverted before returning.
func (e *Engine) ComputeWinners(ctx context.Context, id string) (*draw.Round, error) {
	m := e.lockFor(id)
	m.Lock()
	defer m.Unlock()

	round, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if round.Status != draw.Fulfilled {
		return nil, draw.InvalidStateChange(round.Status, draw.Settled)
	}

	winners, err := draw.SelectWinners(round.FinalOutcome, round.Entries,
		round.Config.MaxWinners, round.Config.FeeBasisPoints)
	if err != nil {
		return nil, err
	}

	pool := round.PoolAmount
	if round.Config.FeeFromPool {
		// the provider fee came out of the pool at request time
		pool -= round.ProviderFee
	}

	credits, err := e.ledger.RecordPayout(ctx, round.ID, pool, winners,
		round.Config.FeeBasisPoints, round.Config.FeeRecipient)
	if err != nil {
		return nil, err
	}

	if err := round.Settle(winners); err != nil {
		e.ledger.Revert(ctx, credits)
		return nil, err
	}
	if err := e.store.Put(ctx, round); err != nil {
		e.ledger.Revert(ctx, credits)
		return nil, err
	}

	metrics.RoundsSettled.Inc()
	e.log.Infow("round settled", "round", id, "winners", len(winners), "pool", pool)
	e.cache.Store(round)
	e.callbacks.NewRound(round.Clone())
	return round, nil
}

// CheckExpired reports whether a round sits past its draw deadline.
func (e *Engine) CheckExpired(ctx context.Context, id string) (bool, error) {
	return e.guard.CheckExpired(ctx, id)
}

// CancelAndRefund archives an expired round and returns every contribution
// as an owed balance. See TimeoutGuard.
func (e *Engine) CancelAndRefund(ctx context.Context, id string) (*draw.Round, error) {
	return e.guard.CancelAndRefund(ctx, id)
}

// Round returns a round by ID, serving archived rounds from the cache.
func (e *Engine) Round(ctx context.Context, id string) (*draw.Round, error) {
	if round, ok := e.cache.Get(id); ok {
		return round, nil
	}
	round, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cache.Store(round)
	return round, nil
}

// Rounds lists all rounds in store order.
func (e *Engine) Rounds(ctx context.Context) ([]*draw.Round, error) {
	var rounds []*draw.Round
	err := e.store.Cursor(ctx, func(ctx context.Context, c draw.Cursor) error {
		for round, err := c.First(ctx); ; round, err = c.Next(ctx) {
			if goerrors.Is(err, storeerrors.ErrNoRoundStored) {
				return nil
			}
			if err != nil {
				return err
			}
			rounds = append(rounds, round)
		}
	})
	return rounds, err
}

// Owed returns the owed balance of a beneficiary.
func (e *Engine) Owed(ctx context.Context, beneficiary string) (uint64, error) {
	return e.ledger.Owed(ctx, beneficiary)
}

// Balances lists all balance records.
func (e *Engine) Balances(ctx context.Context) ([]*settlement.Balance, error) {
	return e.ledger.Balances(ctx)
}

// Withdraw pays out the full owed balance of a beneficiary through the
// funding boundary. Safe to retry.
func (e *Engine) Withdraw(ctx context.Context, beneficiary string) (uint64, error) {
	amount, err := e.ledger.Withdraw(ctx, beneficiary)
	if err != nil {
		metrics.WithdrawalCounter.WithLabelValues("failure").Inc()
		return 0, err
	}
	metrics.WithdrawalCounter.WithLabelValues("success").Inc()
	return amount, nil
}

// AddCallback registers an observer notified for each round reaching
// Fulfilled, Settled or Cancelled.
func (e *Engine) AddCallback(id string, fn func(*draw.Round)) {
	e.callbacks.AddCallback(id, fn)
}

// DelCallback removes a registered observer.
func (e *Engine) DelCallback(id string) {
	e.callbacks.DelCallback(id)
}

// StartGuard launches the timeout guard sweep loop when auto-cancel is
// configured. It returns immediately otherwise.
func (e *Engine) StartGuard() {
	if e.opts.autoCancel {
		go e.guard.Run()
	}
}

// Stop shuts the engine down and closes the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.guard.Stop()
	e.callbacks.Stop()
	return e.store.Close(ctx)
}
