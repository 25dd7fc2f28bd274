package settlement

import (
	"context"
	goerrors "errors"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/drand/fairdraw/draw"
	storeerrors "github.com/drand/fairdraw/draw/errors"
	"github.com/drand/fairdraw/log"
)

// memBalances is a tiny settlement.Store for ledger tests, with an optional
// failure hook on saves.
type memBalances struct {
	balances map[string]*Balance
	failSave func(*Balance) error
}

func newMemBalances() *memBalances {
	return &memBalances{balances: make(map[string]*Balance)}
}

func (m *memBalances) SaveBalance(_ context.Context, balance *Balance) error {
	if m.failSave != nil {
		if err := m.failSave(balance); err != nil {
			return err
		}
	}
	b := *balance
	m.balances[balance.Beneficiary] = &b
	return nil
}

func (m *memBalances) Balance(_ context.Context, beneficiary string) (*Balance, error) {
	balance, ok := m.balances[beneficiary]
	if !ok {
		return nil, storeerrors.ErrNoBalanceStored
	}
	b := *balance
	return &b, nil
}

func (m *memBalances) Balances(_ context.Context) ([]*Balance, error) {
	out := make([]*Balance, 0, len(m.balances))
	for _, b := range m.balances {
		c := *b
		out = append(out, &c)
	}
	return out, nil
}

func testLedger(t *testing.T, transfer Transferer) (*Ledger, *memBalances, clock.FakeClock) {
	t.Helper()
	store := newMemBalances()
	cl := clock.NewFakeClockAt(time.Unix(1700000000, 0))
	if transfer == nil {
		transfer = TransferFunc(func(context.Context, string, uint64) error { return nil })
	}
	l := NewLedger(log.New(nil, log.DebugLevel, true), store, transfer, cl)
	return l, store, cl
}

func TestCreditAccumulates(t *testing.T) {
	l, _, _ := testLedger(t, nil)
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, "alice", 100))
	require.NoError(t, l.Credit(ctx, "alice", 50))

	owed, err := l.Owed(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(150), owed)

	// unknown beneficiaries owe zero
	owed, err = l.Owed(ctx, "nobody")
	require.NoError(t, err)
	require.Zero(t, owed)
}

func TestPayoutPlanRounding(t *testing.T) {
	winners := []draw.Winner{
		{Participant: "alice", ShareBasisPoints: 3334},
		{Participant: "bob", ShareBasisPoints: 3333},
		{Participant: "carol", ShareBasisPoints: 3333},
	}

	credits, err := PayoutPlan(100, winners, 0, "")
	require.NoError(t, err)
	require.Len(t, credits, 3)

	var total uint64
	for _, c := range credits {
		total += c.Amount
	}
	// nothing dropped to integer division
	require.Equal(t, uint64(100), total)
	// the remainder lands on the first winner
	require.GreaterOrEqual(t, credits[0].Amount, credits[1].Amount)
}

func TestPayoutPlanFee(t *testing.T) {
	winners := []draw.Winner{{Participant: "alice", ShareBasisPoints: 9000}}

	credits, err := PayoutPlan(1000, winners, 1000, "treasury")
	require.NoError(t, err)
	require.Len(t, credits, 2)
	require.Equal(t, Credit{Beneficiary: "alice", Amount: 900}, credits[0])
	require.Equal(t, Credit{Beneficiary: "treasury", Amount: 100}, credits[1])

	_, err = PayoutPlan(1000, winners, draw.TotalBasisPoints+1, "treasury")
	require.ErrorIs(t, err, draw.ErrInvalidFeePolicy)

	_, err = PayoutPlan(1000, []draw.Winner{{Participant: "alice"}}, 0, "")
	require.ErrorIs(t, err, ErrPayoutOverflow)
}

func TestPayoutPlanLargePool(t *testing.T) {
	winners := []draw.Winner{
		{Participant: "alice", ShareBasisPoints: 5000},
		{Participant: "bob", ShareBasisPoints: 5000},
	}

	// a pool large enough that pool*share overflows 64 bits without mulDiv
	pool := uint64(1) << 62
	credits, err := PayoutPlan(pool, winners, 0, "")
	require.NoError(t, err)
	var total uint64
	for _, c := range credits {
		total += c.Amount
	}
	require.Equal(t, pool, total)
}

func TestRecordPayoutAndRevert(t *testing.T) {
	l, _, _ := testLedger(t, nil)
	ctx := context.Background()

	winners := []draw.Winner{
		{Participant: "alice", ShareBasisPoints: 5000},
		{Participant: "bob", ShareBasisPoints: 5000},
	}
	credits, err := l.RecordPayout(ctx, "round-1", 200, winners, 0, "")
	require.NoError(t, err)
	require.Len(t, credits, 2)

	owed, err := l.Owed(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(100), owed)

	l.Revert(ctx, credits)
	owed, err = l.Owed(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, owed)
	owed, err = l.Owed(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, owed)
}

func TestCreditAllUnwindsOnFailure(t *testing.T) {
	l, store, _ := testLedger(t, nil)
	ctx := context.Background()

	boom := goerrors.New("store failure")
	store.failSave = func(b *Balance) error {
		if b.Beneficiary == "carol" {
			return boom
		}
		return nil
	}

	_, err := l.CreditAll(ctx, []Credit{
		{Beneficiary: "alice", Amount: 10},
		{Beneficiary: "bob", Amount: 20},
		{Beneficiary: "carol", Amount: 30},
	})
	require.ErrorIs(t, err, boom)

	// the applied prefix was debited back
	for _, beneficiary := range []string{"alice", "bob"} {
		owed, err := l.Owed(ctx, beneficiary)
		require.NoError(t, err)
		require.Zero(t, owed, "credit to %s not unwound", beneficiary)
	}
}

func TestWithdraw(t *testing.T) {
	var transfers []Credit
	l, _, cl := testLedger(t, TransferFunc(func(_ context.Context, to string, amount uint64) error {
		transfers = append(transfers, Credit{Beneficiary: to, Amount: amount})
		return nil
	}))
	ctx := context.Background()

	_, err := l.Withdraw(ctx, "alice")
	require.ErrorIs(t, err, ErrNothingOwed)

	require.NoError(t, l.Credit(ctx, "alice", 500))
	amount, err := l.Withdraw(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(500), amount)
	require.Equal(t, []Credit{{Beneficiary: "alice", Amount: 500}}, transfers)

	balance, err := l.Balances(ctx)
	require.NoError(t, err)
	require.Len(t, balance, 1)
	require.Zero(t, balance[0].Owed)
	require.Equal(t, cl.Now(), balance[0].LastWithdrawalAt)

	// retry finds nothing owed, the transfer does not repeat
	_, err = l.Withdraw(ctx, "alice")
	require.ErrorIs(t, err, ErrNothingOwed)
	require.Len(t, transfers, 1)
}

func TestWithdrawRestoresBalanceOnTransferFailure(t *testing.T) {
	boom := goerrors.New("transfer rejected")
	l, _, _ := testLedger(t, TransferFunc(func(context.Context, string, uint64) error {
		return boom
	}))
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, "alice", 500))
	_, err := l.Withdraw(ctx, "alice")
	require.ErrorIs(t, err, boom)

	// the owed balance survives the failed transfer
	owed, err := l.Owed(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(500), owed)
}
