// Package draw holds the round state machine of the fair draw engine: weighted
// entries and a funding pool gathered while open, a commit-reveal randomness
// request, and a winner set derived from the final outcome.
package draw

import (
	"encoding/hex"
	"fmt"
	"time"

	json "github.com/nikkolasg/hexjson"
)

// TotalBasisPoints is the full share space: winner shares plus the protocol
// fee always sum to this.
const TotalBasisPoints uint32 = 10_000

// Entry is one weighted participation in a round. Insertion order is
// preserved; it only matters for deterministic tie-breaks, not fairness.
type Entry struct {
	Participant  string `json:"participant"`
	Weight       uint64 `json:"weight"`
	Contribution uint64 `json:"contribution"`
}

// Winner is a participant selected from the final outcome together with its
// slice of the post-fee pool, in basis points.
type Winner struct {
	Participant      string `json:"participant"`
	ShareBasisPoints uint32 `json:"share_basis_points"`
}

// Config is the policy fixed at round-open time.
type Config struct {
	// FeeBasisPoints of the pool go to FeeRecipient at settlement.
	FeeBasisPoints uint32 `json:"fee_basis_points"`
	FeeRecipient   string `json:"fee_recipient,omitempty"`
	// FeeFromPool pays the provider fee out of the pool instead of the
	// operator's out-of-band funds.
	FeeFromPool bool `json:"fee_from_pool,omitempty"`
	// DrawDeadline bounds how long a round may sit in RandomnessRequested
	// before it can be cancelled and refunded.
	DrawDeadline time.Duration `json:"draw_deadline,omitempty"`
	// MaxWinners caps how many distinct winners are drawn. Zero means one.
	MaxWinners int `json:"max_winners,omitempty"`
}

// Round is the authoritative per-round state. It is mutated only through the
// transition methods below; callers persist whole rounds, never fields.
type Round struct {
	ID      string  `json:"id"`
	Status  Status  `json:"status"`
	Config  Config  `json:"config"`
	Entries []Entry `json:"entries,omitempty"`
	// PoolAmount is frozen once the round leaves Open.
	PoolAmount uint64 `json:"pool_amount"`
	// Sequence is the provider correlation key, zero until a request is made
	// and unique across all rounds once set.
	Sequence        uint64 `json:"sequence,omitempty"`
	LocalSeed       []byte `json:"local_seed,omitempty"`
	LocalCommitment []byte `json:"local_commitment,omitempty"`
	FinalOutcome    []byte `json:"final_outcome,omitempty"`
	Winners         []Winner `json:"winners,omitempty"`
	// ProviderFee is the fee paid to the randomness provider at request time.
	ProviderFee uint64    `json:"provider_fee,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
	Deadline    time.Time `json:"deadline,omitempty"`
}

// NewRound returns an open round with the given policy.
func NewRound(id string, cfg Config, now time.Time) (*Round, error) {
	if id == "" {
		return nil, fmt.Errorf("round ID must not be empty")
	}
	if cfg.FeeBasisPoints > TotalBasisPoints {
		return nil, ErrInvalidFeePolicy
	}
	if cfg.FeeBasisPoints > 0 && cfg.FeeRecipient == "" {
		return nil, ErrMissingFeeRecipient
	}
	if cfg.MaxWinners == 0 {
		cfg.MaxWinners = 1
	}
	return &Round{
		ID:        id,
		Status:    Open,
		Config:    cfg,
		CreatedAt: now,
	}, nil
}

// Register appends a weighted entry and grows the pool by the contribution.
// Entry order is arrival order and is kept for deterministic tie-breaks.
func (r *Round) Register(participant string, weight, contribution uint64) error {
	if r.Status != Open {
		return ErrRoundNotOpen
	}
	if participant == "" {
		return ErrMissingParticipant
	}
	if weight == 0 {
		return ErrInvalidWeight
	}
	r.Entries = append(r.Entries, Entry{
		Participant:  participant,
		Weight:       weight,
		Contribution: contribution,
	})
	r.PoolAmount += contribution
	return nil
}

// Lock closes registrations. An empty round cannot be locked, there is
// nothing to draw from.
func (r *Round) Lock() error {
	if r.Status != Open {
		return ErrRoundNotOpen
	}
	if len(r.Entries) == 0 {
		return ErrEmptyRound
	}
	r.Status = Locked
	return nil
}

// MarkRequested records the submitted randomness request: the provider
// sequence number, the committed local seed and the paid fee.
func (r *Round) MarkRequested(sequence uint64, seed, commitment []byte, fee uint64, requestedAt, deadline time.Time) error {
	if !isValidStateChange(r.Status, RandomnessRequested) {
		return InvalidStateChange(r.Status, RandomnessRequested)
	}
	if r.Sequence != 0 {
		return ErrSequenceAlreadySet
	}
	if sequence == 0 {
		return fmt.Errorf("provider returned the zero sequence number")
	}
	r.Status = RandomnessRequested
	r.Sequence = sequence
	r.LocalSeed = seed
	r.LocalCommitment = commitment
	r.ProviderFee = fee
	r.RequestedAt = requestedAt
	r.Deadline = deadline
	return nil
}

// Fulfill consumes the provider reveal by fixing the final outcome. It is
// only reachable from RandomnessRequested, which is what gives at-most-once
// consumption: a second reveal finds the round already Fulfilled.
func (r *Round) Fulfill(outcome []byte) error {
	if !isValidStateChange(r.Status, Fulfilled) {
		return InvalidStateChange(r.Status, Fulfilled)
	}
	if len(outcome) == 0 {
		return fmt.Errorf("final outcome must not be empty")
	}
	r.Status = Fulfilled
	r.FinalOutcome = outcome
	return nil
}

// Settle records the winner set. Shares plus the round fee must cover the
// full basis point space so no value is silently dropped.
func (r *Round) Settle(winners []Winner) error {
	if !isValidStateChange(r.Status, Settled) {
		return InvalidStateChange(r.Status, Settled)
	}
	if len(winners) == 0 {
		return ErrEmptyRound
	}
	total := r.Config.FeeBasisPoints
	for _, w := range winners {
		total += w.ShareBasisPoints
	}
	if total != TotalBasisPoints {
		return ErrInvalidShareTotal
	}
	r.Status = Settled
	r.Winners = winners
	return nil
}

// Cancel archives the round. A round waiting on the provider can only be
// cancelled after its deadline; an open round only when nothing registered.
func (r *Round) Cancel(now time.Time) error {
	if !isValidStateChange(r.Status, Cancelled) {
		return InvalidStateChange(r.Status, Cancelled)
	}
	switch r.Status {
	case Open:
		if len(r.Entries) > 0 {
			return ErrOpenRoundHasEntries
		}
	case RandomnessRequested:
		if !r.Expired(now) {
			return ErrNotExpired
		}
	}
	r.Status = Cancelled
	return nil
}

// RandomnessConsumed reports whether a reveal for this round would be a
// no-op: the outcome is fixed or the round was cancelled.
func (r *Round) RandomnessConsumed() bool {
	return r.Status >= Fulfilled
}

// Archived reports whether the round reached a terminal status.
func (r *Round) Archived() bool {
	return r.Status == Settled || r.Status == Cancelled
}

// Expired reports whether the draw deadline has passed.
func (r *Round) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// TotalWeight sums all entry weights.
func (r *Round) TotalWeight() uint64 {
	var total uint64
	for _, e := range r.Entries {
		total += e.Weight
	}
	return total
}

// Clone returns a deep copy so stores and caches never hand out aliased state.
func (r *Round) Clone() *Round {
	c := *r
	c.Entries = append([]Entry(nil), r.Entries...)
	c.Winners = append([]Winner(nil), r.Winners...)
	c.LocalSeed = append([]byte(nil), r.LocalSeed...)
	c.LocalCommitment = append([]byte(nil), r.LocalCommitment...)
	c.FinalOutcome = append([]byte(nil), r.FinalOutcome...)
	return &c
}

// Marshal provides a JSON encoding of a round, with byte fields hex-encoded.
func (r *Round) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a round from JSON
func (r *Round) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, r)
}

func (r *Round) String() string {
	return fmt.Sprintf("{ id: %s, status: %s, entries: %d, pool: %d, outcome: %s }",
		r.ID, r.Status, len(r.Entries), r.PoolAmount, shortHexStr(r.FinalOutcome))
}

func shortHexStr(b []byte) string {
	if b == nil {
		return "nil"
	}
	max := 3
	if len(b) < max {
		max = len(b)
	}
	return hex.EncodeToString(b[0:max])
}
