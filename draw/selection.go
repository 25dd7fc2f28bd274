package draw

import (
	"github.com/drand/fairdraw/crypto"
)

// SelectWinners derives the winner set from a final outcome. It is a pure
// function of the outcome and the entry list, so settlement is replayable
// from stored state alone.
//
// Each draw reduces a fresh counter-mixed sub-value of the outcome modulo the
// remaining weight sum and walks the cumulative weights in entry order; the
// first entry whose cumulative weight exceeds the reduced value wins. Drawn
// entries are removed before the next draw.
//
// The post-fee share space is split evenly across the winners, with the
// integer remainder going to the first winner drawn.
func SelectWinners(outcome []byte, entries []Entry, maxWinners int, feeBasisPoints uint32) ([]Winner, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyRound
	}
	if len(outcome) == 0 {
		return nil, InvalidStateChange(RandomnessRequested, Settled)
	}
	if feeBasisPoints > TotalBasisPoints {
		return nil, ErrInvalidFeePolicy
	}
	if maxWinners < 1 {
		maxWinners = 1
	}

	count := maxWinners
	if count > len(entries) {
		count = len(entries)
	}

	shareSpace := TotalBasisPoints - feeBasisPoints
	baseShare := shareSpace / uint32(count)
	remainder := shareSpace % uint32(count)

	remaining := append([]Entry(nil), entries...)
	winners := make([]Winner, 0, count)

	for i := 0; i < count; i++ {
		sub := crypto.SubOutcome(outcome, uint32(i))
		idx := pickWeighted(sub, remaining)

		share := baseShare
		if i == 0 {
			// rounding remainder is assigned deterministically, not dropped
			share += remainder
		}
		winners = append(winners, Winner{
			Participant:      remaining[idx].Participant,
			ShareBasisPoints: share,
		})
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}

	return winners, nil
}

// pickWeighted returns the index of the entry owning the slice of the weight
// space that the sub-value lands in. Entries must have positive weights.
func pickWeighted(sub []byte, entries []Entry) int {
	var total uint64
	for _, e := range entries {
		total += e.Weight
	}

	value := crypto.ReduceUniform(sub, total)

	var cumulative uint64
	for i, e := range entries {
		cumulative += e.Weight
		if value < cumulative {
			return i
		}
	}
	// unreachable: value < total by construction
	return len(entries) - 1
}
