package draw

import (
	"errors"
	"fmt"
)

// Status is the lifecycle position of a round. Transitions only move forward;
// a settled or cancelled round is archived and never resurrected.
type Status uint32

const (
	// Open accepts participant registrations and pool contributions
	Open Status = iota
	// Locked freezes the entry list and the pool; the draw can be requested
	Locked
	// RandomnessRequested means the provider holds an outstanding request for
	// this round, correlated by the sequence number
	RandomnessRequested
	// Fulfilled means the provider reveal has been consumed exactly once and
	// the final outcome is fixed
	Fulfilled
	// Settled means winners are computed and the payout plan is recorded in
	// the settlement ledger
	Settled
	// Cancelled means the round timed out waiting for the reveal (or never had
	// entries) and contributions were returned as owed balances
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "Open"
	case Locked:
		return "Locked"
	case RandomnessRequested:
		return "RandomnessRequested"
	case Fulfilled:
		return "Fulfilled"
	case Settled:
		return "Settled"
	case Cancelled:
		return "Cancelled"
	default:
		panic("impossible round status received")
	}
}

// InvalidStateChange is the error returned on transition attempts the
// lifecycle does not allow.
func InvalidStateChange(from, to Status) error {
	return fmt.Errorf("invalid transition attempt from %s to %s", from.String(), to.String())
}

var ErrDuplicateRound = errors.New("a round with this ID already exists")
var ErrRoundNotOpen = errors.New("round is not open for registrations")
var ErrInvalidWeight = errors.New("entry weight must be a positive integer")
var ErrMissingParticipant = errors.New("entry participant must not be empty")
var ErrEmptyRound = errors.New("round has no entries to draw from")
var ErrInsufficientFee = errors.New("supplied funds do not cover the quoted provider fee")
var ErrSequenceAlreadySet = errors.New("round already holds a provider sequence number")
var ErrNotExpired = errors.New("round deadline has not been reached")
var ErrOpenRoundHasEntries = errors.New("an open round with registered entries cannot be cancelled")
var ErrInvalidFeePolicy = errors.New("fee basis points must not exceed the full share space")
var ErrMissingFeeRecipient = errors.New("a fee recipient is required when fee basis points are set")
var ErrInvalidShareTotal = errors.New("winner shares plus fee must sum to the full share space")

// isValidStateChange details all the viable state changes
func isValidStateChange(current, next Status) bool {
	switch current {
	case Open:
		return next == Locked || next == Cancelled
	case Locked:
		return next == RandomnessRequested
	case RandomnessRequested:
		return next == Fulfilled || next == Cancelled
	case Fulfilled:
		return next == Settled
	case Settled:
		return false
	case Cancelled:
		return false
	}
	return false
}
