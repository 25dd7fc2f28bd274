package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drand/fairdraw/draw"
)

func requestedRound(t *testing.T, e *Engine, id string, deadline time.Duration) *draw.Round {
	t.Helper()
	ctx := context.Background()

	_, err := e.Open(ctx, id, draw.Config{DrawDeadline: deadline})
	require.NoError(t, err)
	_, err = e.Register(ctx, id, "alice", 1, 100)
	require.NoError(t, err)
	_, err = e.Register(ctx, id, "bob", 2, 200)
	require.NoError(t, err)
	_, err = e.Lock(ctx, id)
	require.NoError(t, err)
	round, err := e.RequestDraw(ctx, id, nil, 10)
	require.NoError(t, err)
	return round
}

func TestCancelBeforeDeadline(t *testing.T) {
	e, _, cl := testEngine(t)
	ctx := context.Background()
	requestedRound(t, e, "round-early", time.Minute)

	expired, err := e.CheckExpired(ctx, "round-early")
	require.NoError(t, err)
	require.False(t, expired)

	_, err = e.CancelAndRefund(ctx, "round-early")
	require.ErrorIs(t, err, draw.ErrNotExpired)

	// right at the deadline is still not expired
	cl.Advance(time.Minute)
	_, err = e.CancelAndRefund(ctx, "round-early")
	require.ErrorIs(t, err, draw.ErrNotExpired)
}

func TestCancelAndRefund(t *testing.T) {
	e, _, cl := testEngine(t)
	ctx := context.Background()
	requestedRound(t, e, "round-late", time.Minute)

	cl.Advance(time.Minute + time.Second)

	expired, err := e.CheckExpired(ctx, "round-late")
	require.NoError(t, err)
	require.True(t, expired)

	round, err := e.CancelAndRefund(ctx, "round-late")
	require.NoError(t, err)
	require.Equal(t, draw.Cancelled, round.Status)

	// everyone gets exactly their contribution back
	owed, err := e.Owed(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(100), owed)
	owed, err = e.Owed(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, uint64(200), owed)
}

func TestLateRevealAfterCancelIsNoOp(t *testing.T) {
	e, provider, cl := testEngine(t)
	ctx := context.Background()
	round := requestedRound(t, e, "round-late-reveal", time.Minute)

	cl.Advance(2 * time.Minute)
	_, err := e.CancelAndRefund(ctx, "round-late-reveal")
	require.NoError(t, err)

	// the reveal finally lands, nothing changes and refunds stay
	require.NoError(t, provider.RevealRandom(ctx, round.Sequence))
	got, err := e.Round(ctx, "round-late-reveal")
	require.NoError(t, err)
	require.Equal(t, draw.Cancelled, got.Status)
	require.Empty(t, got.FinalOutcome)

	owed, err := e.Owed(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(100), owed)
}

func TestCancelEmptyOpenRound(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	_, err := e.Open(ctx, "round-empty", draw.Config{})
	require.NoError(t, err)
	round, err := e.CancelAndRefund(ctx, "round-empty")
	require.NoError(t, err)
	require.Equal(t, draw.Cancelled, round.Status)

	// an open round with entries cannot be cancelled out from under them
	_, err = e.Open(ctx, "round-occupied", draw.Config{})
	require.NoError(t, err)
	_, err = e.Register(ctx, "round-occupied", "alice", 1, 100)
	require.NoError(t, err)
	_, err = e.CancelAndRefund(ctx, "round-occupied")
	require.ErrorIs(t, err, draw.ErrOpenRoundHasEntries)
}

func TestSweepCancelsExpiredRounds(t *testing.T) {
	e, _, cl := testEngine(t, WithAutoCancel(10*time.Second))
	ctx := context.Background()

	requestedRound(t, e, "round-sweep", time.Minute)
	e.StartGuard()

	// let the sweeper reach its ticker before advancing
	cl.BlockUntil(1)
	cl.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		round, err := e.Round(ctx, "round-sweep")
		if err != nil {
			return false
		}
		return round.Status == draw.Cancelled
	}, 5*time.Second, 10*time.Millisecond)

	owed, err := e.Owed(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(100), owed)
}
