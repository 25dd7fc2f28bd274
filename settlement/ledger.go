// Package settlement is the pull-payment side of the draw engine: payouts and
// refunds become owed balances that beneficiaries withdraw independently, so
// one failing transfer never blocks another.
package settlement

import (
	"context"
	goerrors "errors"
	"math/bits"
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/drand/fairdraw/draw"
	storeerrors "github.com/drand/fairdraw/draw/errors"
	"github.com/drand/fairdraw/log"
)

var ErrNothingOwed = goerrors.New("no balance owed to this beneficiary")
var ErrPayoutOverflow = goerrors.New("payout plan exceeds the round pool")

// Balance is the stored per-beneficiary record. Owed only grows until a
// withdrawal zeroes it.
type Balance struct {
	Beneficiary      string    `json:"beneficiary"`
	Owed             uint64    `json:"owed"`
	LastWithdrawalAt time.Time `json:"last_withdrawal_at,omitempty"`
}

// Store is the durable balance table backing a Ledger.
type Store interface {
	SaveBalance(ctx context.Context, balance *Balance) error
	// Balance returns storeerrors.ErrNoBalanceStored for unknown beneficiaries.
	Balance(ctx context.Context, beneficiary string) (*Balance, error)
	Balances(ctx context.Context) ([]*Balance, error)
}

// Transferer is the abstract value-transfer boundary used by Withdraw.
// Failures must be surfaced; the ledger recovers by restoring the balance.
type Transferer interface {
	Transfer(ctx context.Context, to string, amount uint64) error
}

// TransferFunc adapts a plain function to the Transferer interface.
type TransferFunc func(ctx context.Context, to string, amount uint64) error

func (f TransferFunc) Transfer(ctx context.Context, to string, amount uint64) error {
	return f(ctx, to, amount)
}

// Credit is one applied balance increase, kept so a failed follow-up write
// can revert the whole payout.
type Credit struct {
	Beneficiary string
	Amount      uint64
}

// Ledger converts winner lists and refunds into owed balances and serves
// idempotent withdrawals. Access is keyed per beneficiary so independent
// withdrawals never contend.
type Ledger struct {
	log      log.Logger
	store    Store
	transfer Transferer
	clock    clock.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger returns a ledger over the given balance store and transfer
// boundary.
func NewLedger(l log.Logger, store Store, transfer Transferer, c clock.Clock) *Ledger {
	return &Ledger{
		log:      l.Named("settlement"),
		store:    store,
		transfer: transfer,
		clock:    c,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(beneficiary string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[beneficiary]
	if !ok {
		m = &sync.Mutex{}
		l.locks[beneficiary] = m
	}
	return m
}

// Credit increases a beneficiary's owed balance.
func (l *Ledger) Credit(ctx context.Context, beneficiary string, amount uint64) error {
	m := l.lockFor(beneficiary)
	m.Lock()
	defer m.Unlock()
	return l.credit(ctx, beneficiary, amount)
}

func (l *Ledger) credit(ctx context.Context, beneficiary string, amount uint64) error {
	balance, err := l.store.Balance(ctx, beneficiary)
	if goerrors.Is(err, storeerrors.ErrNoBalanceStored) {
		balance = &Balance{Beneficiary: beneficiary}
	} else if err != nil {
		return err
	}
	balance.Owed += amount
	return l.store.SaveBalance(ctx, balance)
}

func (l *Ledger) debit(ctx context.Context, beneficiary string, amount uint64) error {
	balance, err := l.store.Balance(ctx, beneficiary)
	if err != nil {
		return err
	}
	if balance.Owed < amount {
		return errors.Errorf("cannot debit %d from %s owing %d", amount, beneficiary, balance.Owed)
	}
	balance.Owed -= amount
	return l.store.SaveBalance(ctx, balance)
}

// CreditAll applies a batch of credits, reverting the applied prefix if one
// fails, and returns the applied credits for a later caller-side revert.
func (l *Ledger) CreditAll(ctx context.Context, credits []Credit) ([]Credit, error) {
	applied := make([]Credit, 0, len(credits))
	for _, c := range credits {
		if c.Amount == 0 {
			continue
		}
		if err := l.Credit(ctx, c.Beneficiary, c.Amount); err != nil {
			l.Revert(ctx, applied)
			return nil, errors.Wrapf(err, "crediting %s", c.Beneficiary)
		}
		applied = append(applied, c)
	}
	return applied, nil
}

// Revert debits previously applied credits. Debit failures are logged, not
// returned: at this point we are already unwinding an error path.
func (l *Ledger) Revert(ctx context.Context, credits []Credit) {
	for _, c := range credits {
		m := l.lockFor(c.Beneficiary)
		m.Lock()
		if err := l.debit(ctx, c.Beneficiary, c.Amount); err != nil {
			l.log.Errorw("failed to revert credit", "beneficiary", c.Beneficiary, "amount", c.Amount, "err", err)
		}
		m.Unlock()
	}
}

// PayoutPlan computes the owed amounts for a winner list over a pool without
// writing anything. The fee comes off the top; winners split the rest in
// proportion to their shares, and the integer-division remainder goes to the
// first winner so no value is dropped.
func PayoutPlan(pool uint64, winners []draw.Winner, feeBasisPoints uint32, feeRecipient string) ([]Credit, error) {
	if feeBasisPoints > draw.TotalBasisPoints {
		return nil, draw.ErrInvalidFeePolicy
	}

	feeAmount := mulDiv(pool, uint64(feeBasisPoints), uint64(draw.TotalBasisPoints))
	distributable := pool - feeAmount

	var shareSum uint64
	for _, w := range winners {
		shareSum += uint64(w.ShareBasisPoints)
	}
	if shareSum == 0 {
		return nil, ErrPayoutOverflow
	}

	credits := make([]Credit, 0, len(winners)+1)
	var paid uint64
	for _, w := range winners {
		amount := mulDiv(distributable, uint64(w.ShareBasisPoints), shareSum)
		credits = append(credits, Credit{Beneficiary: w.Participant, Amount: amount})
		paid += amount
	}
	// remainder to the first winner in draw order
	credits[0].Amount += distributable - paid

	var total uint64
	for _, c := range credits {
		total += c.Amount
	}
	if total+feeAmount > pool {
		return nil, ErrPayoutOverflow
	}

	if feeAmount > 0 && feeRecipient != "" {
		credits = append(credits, Credit{Beneficiary: feeRecipient, Amount: feeAmount})
	}
	return credits, nil
}

// RecordPayout applies the payout plan for a settled round and returns the
// applied credits so the caller can revert if its own follow-up write fails.
func (l *Ledger) RecordPayout(ctx context.Context, roundID string, pool uint64,
	winners []draw.Winner, feeBasisPoints uint32, feeRecipient string) ([]Credit, error) {
	credits, err := PayoutPlan(pool, winners, feeBasisPoints, feeRecipient)
	if err != nil {
		return nil, err
	}

	applied, err := l.CreditAll(ctx, credits)
	if err != nil {
		return nil, err
	}
	l.log.Infow("payout recorded", "round", roundID, "pool", pool, "beneficiaries", len(applied))
	return applied, nil
}

// Withdraw pays out the full owed balance. The balance is zeroed before the
// transfer is attempted and restored if the transfer fails, so funds are
// never both sent and still marked owed, nor lost. Safe to retry.
func (l *Ledger) Withdraw(ctx context.Context, beneficiary string) (uint64, error) {
	m := l.lockFor(beneficiary)
	m.Lock()
	defer m.Unlock()

	balance, err := l.store.Balance(ctx, beneficiary)
	if goerrors.Is(err, storeerrors.ErrNoBalanceStored) {
		return 0, ErrNothingOwed
	}
	if err != nil {
		return 0, err
	}
	if balance.Owed == 0 {
		return 0, ErrNothingOwed
	}

	amount := balance.Owed
	balance.Owed = 0
	balance.LastWithdrawalAt = l.clock.Now()
	if err := l.store.SaveBalance(ctx, balance); err != nil {
		return 0, err
	}

	if err := l.transfer.Transfer(ctx, beneficiary, amount); err != nil {
		balance.Owed = amount
		if saveErr := l.store.SaveBalance(ctx, balance); saveErr != nil {
			// the transfer failed AND the restore failed: surface both, this
			// needs operator attention before the beneficiary loses funds
			l.log.Errorw("failed to restore balance after failed transfer",
				"beneficiary", beneficiary, "amount", amount, "err", saveErr)
			return 0, errors.Wrap(saveErr, "transfer failed and balance restore failed")
		}
		return 0, errors.Wrap(err, "transfer failed, balance restored")
	}

	l.log.Infow("withdrawal executed", "beneficiary", beneficiary, "amount", amount)
	return amount, nil
}

// Owed returns the current owed balance, zero for unknown beneficiaries.
func (l *Ledger) Owed(ctx context.Context, beneficiary string) (uint64, error) {
	balance, err := l.store.Balance(ctx, beneficiary)
	if goerrors.Is(err, storeerrors.ErrNoBalanceStored) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance.Owed, nil
}

// Balances lists all known balance records.
func (l *Ledger) Balances(ctx context.Context) ([]*Balance, error) {
	return l.store.Balances(ctx)
}

// mulDiv computes a*b/c without overflowing the intermediate product.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, c)
	return q
}
