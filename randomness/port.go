// Package randomness defines the outbound contract with the external
// randomness provider. The inbound half of the protocol - the reveal - does
// not live here: it arrives on a different control path entirely and is
// consumed by engine.OnReveal, correlated only by the persisted sequence
// number.
package randomness

import "context"

// Port is what the engine requires from a provider. The fee quote is
// advisory-but-binding at call time: it must be paid atomically with the
// request. The remote randomness delivered later is untrusted input that the
// port implementation authenticates itself.
type Port interface {
	// QuoteFee returns the fee the provider charges for one request.
	QuoteFee(ctx context.Context) (uint64, error)
	// Request submits the local commitment and returns the provider-assigned
	// sequence number, unique across all rounds. The reveal may arrive much
	// later, or never.
	Request(ctx context.Context, localCommitment []byte) (uint64, error)
}

// RevealSink receives provider reveals; the engine implements it.
type RevealSink interface {
	OnReveal(ctx context.Context, sequence uint64, remoteRandomness []byte) error
}
