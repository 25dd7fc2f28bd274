package draw

import "context"

// Store is the durable round ledger. Put overwrites, so uniqueness checks
// (duplicate round IDs) belong to the caller holding the round lock.
type Store interface {
	Put(ctx context.Context, round *Round) error
	Get(ctx context.Context, id string) (*Round, error)
	// GetBySequence resolves the provider correlation key recorded by
	// MarkRequested back to its round.
	GetBySequence(ctx context.Context, sequence uint64) (*Round, error)
	Len(ctx context.Context) (int, error)
	Cursor(ctx context.Context, fn func(context.Context, Cursor) error) error
	Close(ctx context.Context) error
}

// Cursor iterates over stored rounds in key order. Next returns
// errors.ErrNoRoundStored when the iteration is done.
type Cursor interface {
	First(ctx context.Context) (*Round, error)
	Next(ctx context.Context) (*Round, error)
}
