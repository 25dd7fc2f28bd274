package engine

import (
	"context"
	goerrors "errors"

	"github.com/hashicorp/go-multierror"

	"github.com/drand/fairdraw/draw"
	storeerrors "github.com/drand/fairdraw/draw/errors"
	"github.com/drand/fairdraw/log"
	"github.com/drand/fairdraw/metrics"
	"github.com/drand/fairdraw/settlement"
)

// TimeoutGuard cancels rounds whose provider reveal never arrived and turns
// every contribution back into an owed balance. It can run as a periodic
// sweeper or be driven manually through CancelAndRefund.
type TimeoutGuard struct {
	e    *Engine
	log  log.Logger
	stop chan bool
}

func newTimeoutGuard(e *Engine) *TimeoutGuard {
	return &TimeoutGuard{
		e:    e,
		log:  e.log.Named("timeout"),
		stop: make(chan bool),
	}
}

// CheckExpired reports whether the round sits in RandomnessRequested past its
// deadline.
func (g *TimeoutGuard) CheckExpired(ctx context.Context, id string) (bool, error) {
	round, err := g.e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return round.Status == draw.RandomnessRequested && round.Expired(g.e.clock.Now()), nil
}

// CancelAndRefund cancels an expired round and credits each participant its
// own contribution back. Refunds that fail to apply are unwound before the
// error is returned, and a reveal arriving after cancellation is a no-op
// since the round has consumed its randomness slot.
func (g *TimeoutGuard) CancelAndRefund(ctx context.Context, id string) (*draw.Round, error) {
	m := g.e.lockFor(id)
	m.Lock()
	defer m.Unlock()

	round, err := g.e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := round.Cancel(g.e.clock.Now()); err != nil {
		return nil, err
	}

	credits := refundCredits(round)
	applied, err := g.e.ledger.CreditAll(ctx, credits)
	if err != nil {
		return nil, multierror.Prefix(err, "refunding round "+id+":")
	}

	if err := g.e.store.Put(ctx, round); err != nil {
		g.e.ledger.Revert(ctx, applied)
		return nil, err
	}

	metrics.RoundsCancelled.Inc()
	g.log.Infow("round cancelled and refunded", "round", id,
		"entries", len(round.Entries), "refunded", round.PoolAmount)
	g.e.cache.Store(round)
	g.e.callbacks.NewRound(round.Clone())
	return round, nil
}

// refundCredits maps contributions back to their participants. A participant
// with several entries gets one credit per entry; the ledger sums them.
func refundCredits(round *draw.Round) []settlement.Credit {
	credits := make([]settlement.Credit, 0, len(round.Entries))
	for _, e := range round.Entries {
		credits = append(credits, settlement.Credit{
			Beneficiary: e.Participant,
			Amount:      e.Contribution,
		})
	}
	return credits
}

// Run sweeps the store on the configured period, cancelling every expired
// round it finds. It returns when Stop is called.
func (g *TimeoutGuard) Run() {
	ticker := g.e.clock.NewTicker(g.e.opts.sweepPeriod)
	defer ticker.Stop()
	g.log.Infow("timeout guard running", "period", g.e.opts.sweepPeriod)
	for {
		select {
		case <-ticker.Chan():
			g.sweep(context.Background())
		case <-g.stop:
			return
		}
	}
}

func (g *TimeoutGuard) sweep(ctx context.Context) {
	var expired []string
	err := g.e.store.Cursor(ctx, func(ctx context.Context, c draw.Cursor) error {
		now := g.e.clock.Now()
		for round, err := c.First(ctx); ; round, err = c.Next(ctx) {
			if goerrors.Is(err, storeerrors.ErrNoRoundStored) {
				return nil
			}
			if err != nil {
				return err
			}
			if round.Status == draw.RandomnessRequested && round.Expired(now) {
				expired = append(expired, round.ID)
			}
		}
	})
	if err != nil {
		g.log.Errorw("timeout sweep failed", "err", err)
		return
	}

	var result *multierror.Error
	for _, id := range expired {
		if _, err := g.CancelAndRefund(ctx, id); err != nil {
			// a reveal may have landed between the scan and the cancel
			if goerrors.Is(err, draw.ErrNotExpired) {
				continue
			}
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		g.log.Errorw("timeout sweep cancellations failed", "err", err)
	}
}

// Stop terminates the sweep loop.
func (g *TimeoutGuard) Stop() {
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
}
