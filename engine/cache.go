package engine

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/drand/fairdraw/draw"
	"github.com/drand/fairdraw/log"
)

// roundCache keeps archived rounds in memory for observer reads. Archived
// rounds are immutable, so cached copies never go stale.
type roundCache struct {
	backend *lru.Cache
	l       log.Logger
}

func newRoundCache(l log.Logger, size int) (*roundCache, error) {
	backend, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &roundCache{
		backend: backend,
		l:       l,
	}, nil
}

func (c *roundCache) Store(r *draw.Round) {
	if !r.Archived() {
		return
	}
	c.backend.Add(r.ID, r.Clone())
	c.l.Debugw("cache store", "round", r.ID, "status", r.Status.String())
}

func (c *roundCache) Get(id string) (*draw.Round, bool) {
	v, ok := c.backend.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*draw.Round).Clone(), true
}
