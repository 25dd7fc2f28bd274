// Package memdb is the in-memory draw.Store and settlement.Store used by
// tests and the demo daemon.
package memdb

import (
	"context"
	"sort"
	"sync"

	"github.com/drand/fairdraw/draw"
	storeerrors "github.com/drand/fairdraw/draw/errors"
	"github.com/drand/fairdraw/settlement"
)

// Store ...
type Store struct {
	mtx       sync.RWMutex
	rounds    map[string]*draw.Round
	sequences map[uint64]string
	balances  map[string]*settlement.Balance
}

var _ draw.Store = (*Store)(nil)
var _ settlement.Store = (*Store)(nil)

// NewStore ...
func NewStore() *Store {
	return &Store{
		rounds:    make(map[string]*draw.Round),
		sequences: make(map[uint64]string),
		balances:  make(map[string]*settlement.Balance),
	}
}

func (m *Store) Put(_ context.Context, round *draw.Round) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.rounds[round.ID] = round.Clone()
	if round.Sequence != 0 {
		m.sequences[round.Sequence] = round.ID
	}
	return nil
}

func (m *Store) Get(_ context.Context, id string) (*draw.Round, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	round, ok := m.rounds[id]
	if !ok {
		return nil, storeerrors.ErrNoRoundStored
	}
	return round.Clone(), nil
}

func (m *Store) GetBySequence(_ context.Context, sequence uint64) (*draw.Round, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	id, ok := m.sequences[sequence]
	if !ok {
		return nil, storeerrors.ErrNoRoundStored
	}
	round, ok := m.rounds[id]
	if !ok {
		return nil, storeerrors.ErrNoRoundStored
	}
	return round.Clone(), nil
}

func (m *Store) Len(_ context.Context) (int, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return len(m.rounds), nil
}

func (m *Store) Cursor(ctx context.Context, fn func(context.Context, draw.Cursor) error) error {
	m.mtx.RLock()
	ids := make([]string, 0, len(m.rounds))
	for id := range m.rounds {
		ids = append(ids, id)
	}
	m.mtx.RUnlock()
	sort.Strings(ids)

	cursor := &memDBCursor{s: m, ids: ids}
	return fn(ctx, cursor)
}

// Close is a noop
func (m *Store) Close(_ context.Context) error {
	return nil
}

func (m *Store) SaveBalance(_ context.Context, balance *settlement.Balance) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	b := *balance
	m.balances[balance.Beneficiary] = &b
	return nil
}

func (m *Store) Balance(_ context.Context, beneficiary string) (*settlement.Balance, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	balance, ok := m.balances[beneficiary]
	if !ok {
		return nil, storeerrors.ErrNoBalanceStored
	}
	b := *balance
	return &b, nil
}

func (m *Store) Balances(_ context.Context) ([]*settlement.Balance, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	balances := make([]*settlement.Balance, 0, len(m.balances))
	for _, balance := range m.balances {
		b := *balance
		balances = append(balances, &b)
	}
	sort.Slice(balances, func(i, j int) bool {
		return balances[i].Beneficiary < balances[j].Beneficiary
	})
	return balances, nil
}

type memDBCursor struct {
	s    *Store
	ids  []string
	pos  int
}

func (c *memDBCursor) First(ctx context.Context) (*draw.Round, error) {
	if len(c.ids) == 0 {
		return nil, storeerrors.ErrNoRoundStored
	}
	c.pos = 0
	return c.s.Get(ctx, c.ids[c.pos])
}

func (c *memDBCursor) Next(ctx context.Context) (*draw.Round, error) {
	c.pos++
	if c.pos >= len(c.ids) {
		return nil, storeerrors.ErrNoRoundStored
	}
	return c.s.Get(ctx, c.ids[c.pos])
}
