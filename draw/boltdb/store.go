// Package boltdb implements the durable draw.Store and settlement.Store
// interfaces using the kv storage boltdb (native golang implementation).
// Rounds and balances are stored JSON-encoded in the db file, with a second
// bucket indexing provider sequence numbers back to round IDs.
package boltdb

import (
	"context"
	"encoding/binary"
	"os"
	"path"
	"sync"

	json "github.com/nikkolasg/hexjson"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/drand/fairdraw/draw"
	storeerrors "github.com/drand/fairdraw/draw/errors"
	"github.com/drand/fairdraw/log"
	"github.com/drand/fairdraw/settlement"
)

// BoltStore holds the rounds, the sequence index and the settlement balances.
//
//nolint:gocritic// We do want to have a mutex here
type BoltStore struct {
	sync.Mutex
	db *bolt.DB

	log log.Logger
}

var roundBucket = []byte("rounds")
var sequenceBucket = []byte("sequences")
var balanceBucket = []byte("balances")

// BoltFileName is the name of the file boltdb writes to
const BoltFileName = "fairdraw.db"

// BoltStoreOpenPerm is the permission we will use to read the bolt store file from disk
const BoltStoreOpenPerm = 0660

// DirPerm is the permission used when creating the store folder
const DirPerm = 0755

var _ draw.Store = (*BoltStore)(nil)
var _ settlement.Store = (*BoltStore)(nil)

// NewBoltStore returns a Store implementation using the boltdb storage engine.
func NewBoltStore(l log.Logger, folder string, opts *bolt.Options) (*BoltStore, error) {
	if err := os.MkdirAll(folder, DirPerm); err != nil {
		return nil, err
	}
	dbPath := path.Join(folder, BoltFileName)
	db, err := bolt.Open(dbPath, BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	// create the buckets already
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{roundBucket, sequenceBucket, balanceBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})

	return &BoltStore{
		log: l,
		db:  db,
	}, err
}

// Put implements the draw.Store interface. WARNING: It does NOT verify that
// this round is not already saved in the database and will overwrite it.
func (b *BoltStore) Put(ctx context.Context, round *draw.Round) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(roundBucket)
		if bucket == nil {
			return errors.Errorf("%s bucket was nil - this should never happen", roundBucket)
		}
		buff, err := round.Marshal()
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(round.ID), buff); err != nil {
			b.log.Debugw("storing round", "round", round.ID, "err", err)
			return err
		}
		if round.Sequence != 0 {
			index := tx.Bucket(sequenceBucket)
			if index == nil {
				return errors.Errorf("%s bucket was nil - this should never happen", sequenceBucket)
			}
			return index.Put(sequenceToBytes(round.Sequence), []byte(round.ID))
		}
		return nil
	})
}

// Get returns the round saved under this ID
func (b *BoltStore) Get(ctx context.Context, id string) (*draw.Round, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	round := &draw.Round{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(roundBucket)
		v := bucket.Get([]byte(id))
		if v == nil {
			return storeerrors.ErrNoRoundStored
		}
		return round.Unmarshal(v)
	})
	return round, err
}

// GetBySequence resolves a provider sequence number to its round.
func (b *BoltStore) GetBySequence(ctx context.Context, sequence uint64) (*draw.Round, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	round := &draw.Round{}
	err := b.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(sequenceBucket)
		id := index.Get(sequenceToBytes(sequence))
		if id == nil {
			return storeerrors.ErrNoRoundStored
		}
		v := tx.Bucket(roundBucket).Get(id)
		if v == nil {
			return errors.Errorf("sequence %d points at missing round %q", sequence, id)
		}
		return round.Unmarshal(v)
	})
	return round, err
}

// Len performs a scan over the round bucket - use sparingly!
func (b *BoltStore) Len(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	var length = 0
	err := b.db.View(func(tx *bolt.Tx) error {
		// this `.Stats()` call is the particularly expensive one!
		length = tx.Bucket(roundBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		b.log.Warnw("", "boltdb", "error getting length", "err", err)
	}
	return length, err
}

func (b *BoltStore) Cursor(ctx context.Context, fn func(context.Context, draw.Cursor) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(roundBucket).Cursor()
		return fn(ctx, &boltCursor{Cursor: c})
	})
	if err != nil && !errors.Is(err, storeerrors.ErrNoRoundStored) {
		// ErrNoRoundStored is the cursor's end-of-iteration flag, not a fault
		b.log.Errorw("", "boltdb", "error getting cursor", "err", err)
	}
	return err
}

// SaveBalance implements the settlement.Store interface.
func (b *BoltStore) SaveBalance(ctx context.Context, balance *settlement.Balance) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(balanceBucket)
		if bucket == nil {
			return errors.Errorf("%s bucket was nil - this should never happen", balanceBucket)
		}
		buff, err := json.Marshal(balance)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(balance.Beneficiary), buff)
	})
}

// Balance returns the stored balance record of one beneficiary.
func (b *BoltStore) Balance(ctx context.Context, beneficiary string) (*settlement.Balance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	balance := &settlement.Balance{}
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(balanceBucket).Get([]byte(beneficiary))
		if v == nil {
			return storeerrors.ErrNoBalanceStored
		}
		return json.Unmarshal(v, balance)
	})
	return balance, err
}

// Balances returns all stored balance records.
func (b *BoltStore) Balances(ctx context.Context) ([]*settlement.Balance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var balances []*settlement.Balance
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(balanceBucket).ForEach(func(_, v []byte) error {
			balance := &settlement.Balance{}
			if err := json.Unmarshal(v, balance); err != nil {
				return err
			}
			balances = append(balances, balance)
			return nil
		})
	})
	return balances, err
}

func (b *BoltStore) Close(context.Context) error {
	err := b.db.Close()
	if err != nil {
		b.log.Errorw("", "boltdb", "close", "err", err)
	}
	return err
}

func sequenceToBytes(sequence uint64) []byte {
	var buff [8]byte
	binary.BigEndian.PutUint64(buff[:], sequence)
	return buff[:]
}

type boltCursor struct {
	*bolt.Cursor
}

func (c *boltCursor) First(ctx context.Context) (*draw.Round, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	k, v := c.Cursor.First()
	if k == nil {
		return nil, storeerrors.ErrNoRoundStored
	}
	round := &draw.Round{}
	err := round.Unmarshal(v)
	return round, err
}

// Next returns the next round in the database for the given cursor. When
// reaching the end it emits ErrNoRoundStored to flag that it finished.
func (c *boltCursor) Next(ctx context.Context) (*draw.Round, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	k, v := c.Cursor.Next()
	if k == nil {
		return nil, storeerrors.ErrNoRoundStored
	}
	round := &draw.Round{}
	err := round.Unmarshal(v)
	return round, err
}
