package errors

import "errors"

// ErrNoRoundStored is the error we get when looking up a round (by ID or by
// provider sequence number) that the store does not hold.
var ErrNoRoundStored = errors.New("round not found in database")

// ErrNoBalanceStored is the error returned when a beneficiary has no balance
// record in the database yet.
var ErrNoBalanceStored = errors.New("balance not found in database")
