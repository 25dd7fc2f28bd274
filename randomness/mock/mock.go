// Package mock provides an in-process randomness provider for tests and the
// demo daemon: monotonically increasing sequence numbers, scripted or
// automatic reveals.
package mock

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/drand/fairdraw/crypto"
	"github.com/drand/fairdraw/randomness"
)

// Provider is a fake randomness provider. Sequence numbers start after the
// configured floor so restarts of a persisted engine keep them unique.
type Provider struct {
	mu       sync.Mutex
	fee      uint64
	next     uint64
	requests map[uint64][]byte
	revealed map[uint64]bool

	sink  randomness.RevealSink
	clock clock.Clock

	autoReveal bool
	delay      time.Duration
}

var _ randomness.Port = (*Provider)(nil)

// NewProvider returns a provider charging the given fee, assigning sequence
// numbers above floor.
func NewProvider(fee, floor uint64, c clock.Clock) *Provider {
	return &Provider{
		fee:      fee,
		next:     floor + 1,
		requests: make(map[uint64][]byte),
		revealed: make(map[uint64]bool),
		clock:    c,
	}
}

// Connect wires the engine (or any sink) to receive reveals.
func (p *Provider) Connect(sink randomness.RevealSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// AutoReveal makes every request reveal itself after the given delay.
func (p *Provider) AutoReveal(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoReveal = true
	p.delay = delay
}

func (p *Provider) QuoteFee(_ context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fee, nil
}

func (p *Provider) Request(_ context.Context, localCommitment []byte) (uint64, error) {
	p.mu.Lock()
	sequence := p.next
	p.next++
	p.requests[sequence] = append([]byte(nil), localCommitment...)
	auto := p.autoReveal
	delay := p.delay
	p.mu.Unlock()

	if auto {
		go func() {
			p.clock.Sleep(delay)
			//nolint:errcheck // demo reveals are fire-and-forget like real ones
			p.RevealRandom(context.Background(), sequence)
		}()
	}
	return sequence, nil
}

// Reveal delivers the given remote randomness for a pending request. It can
// be called more than once to exercise at-least-once delivery.
func (p *Provider) Reveal(ctx context.Context, sequence uint64, remoteRandomness []byte) error {
	p.mu.Lock()
	_, known := p.requests[sequence]
	sink := p.sink
	p.revealed[sequence] = true
	p.mu.Unlock()

	if !known {
		return errors.New("mock provider: reveal for unknown sequence")
	}
	if sink == nil {
		return errors.New("mock provider: no sink connected")
	}
	return sink.OnReveal(ctx, sequence, remoteRandomness)
}

// RevealRandom delivers a fresh random reveal for a pending request.
func (p *Provider) RevealRandom(ctx context.Context, sequence uint64) error {
	remote := make([]byte, crypto.SeedSize)
	if _, err := rand.Read(remote); err != nil {
		return err
	}
	return p.Reveal(ctx, sequence, remote)
}

// Commitment returns the commitment submitted for a sequence number.
func (p *Provider) Commitment(sequence uint64) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.requests[sequence]
	return c, ok
}

// Revealed reports whether a reveal was delivered for the sequence number.
func (p *Provider) Revealed(sequence uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revealed[sequence]
}
