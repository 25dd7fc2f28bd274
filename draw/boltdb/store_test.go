package boltdb

import (
	"context"
	goerrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drand/fairdraw/draw"
	storeerrors "github.com/drand/fairdraw/draw/errors"
	"github.com/drand/fairdraw/log"
	"github.com/drand/fairdraw/settlement"
)

func testStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(log.New(nil, log.DebugLevel, true), t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close(context.Background()))
	})
	return store
}

func storedRound(t *testing.T, id string, sequence uint64) *draw.Round {
	t.Helper()
	round, err := draw.NewRound(id, draw.Config{}, time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NoError(t, round.Register("alice", 1, 100))
	if sequence != 0 {
		require.NoError(t, round.Lock())
		require.NoError(t, round.MarkRequested(sequence, []byte("seed"), []byte("commit"), 10,
			time.Unix(1700000000, 0), time.Unix(1700000060, 0)))
	}
	return round
}

func TestPutAndGet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, storeerrors.ErrNoRoundStored)

	round := storedRound(t, "round-1", 0)
	require.NoError(t, store.Put(ctx, round))

	got, err := store.Get(ctx, "round-1")
	require.NoError(t, err)
	require.Equal(t, round.ID, got.ID)
	require.Equal(t, round.Entries, got.Entries)
	require.Equal(t, round.PoolAmount, got.PoolAmount)

	l, err := store.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, l)
}

func TestSequenceIndex(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.GetBySequence(ctx, 7)
	require.ErrorIs(t, err, storeerrors.ErrNoRoundStored)

	round := storedRound(t, "round-seq", 7)
	require.NoError(t, store.Put(ctx, round))

	got, err := store.GetBySequence(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "round-seq", got.ID)
	require.Equal(t, uint64(7), got.Sequence)
}

func TestCursorIteratesAll(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	ids := []string{"round-a", "round-b", "round-c"}
	for _, id := range ids {
		require.NoError(t, store.Put(ctx, storedRound(t, id, 0)))
	}

	var seen []string
	err := store.Cursor(ctx, func(ctx context.Context, c draw.Cursor) error {
		for round, err := c.First(ctx); ; round, err = c.Next(ctx) {
			if goerrors.Is(err, storeerrors.ErrNoRoundStored) {
				return nil
			}
			if err != nil {
				return err
			}
			seen = append(seen, round.ID)
		}
	})
	require.NoError(t, err)
	require.Equal(t, ids, seen)
}

func TestBalances(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Balance(ctx, "alice")
	require.ErrorIs(t, err, storeerrors.ErrNoBalanceStored)

	require.NoError(t, store.SaveBalance(ctx, &settlement.Balance{Beneficiary: "alice", Owed: 100}))
	require.NoError(t, store.SaveBalance(ctx, &settlement.Balance{Beneficiary: "bob", Owed: 50}))

	got, err := store.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(100), got.Owed)

	all, err := store.Balances(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestContextCancellation(t *testing.T) {
	store := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, store.Put(ctx, storedRound(t, "r", 0)), context.Canceled)
	_, err := store.Get(ctx, "r")
	require.ErrorIs(t, err, context.Canceled)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	folder := t.TempDir()
	ctx := context.Background()
	logger := log.New(nil, log.DebugLevel, true)

	store, err := NewBoltStore(logger, folder, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, storedRound(t, "round-persist", 9)))
	require.NoError(t, store.Close(ctx))

	store, err = NewBoltStore(logger, folder, nil)
	require.NoError(t, err)
	defer store.Close(ctx)

	got, err := store.GetBySequence(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, "round-persist", got.ID)
}
