// Package crypto holds the mixing and reduction primitives that make a draw
// outcome unbiasable by either contributor alone.
package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"math/big"
)

// SeedSize is the size in bytes of the local seed and of the provider reveal.
const SeedSize = 32

// Domain separation tags for the different hash usages. Mixing the final
// outcome and deriving per-draw sub-values must never collide.
var (
	commitTag  = []byte("fairdraw:commit:v1")
	combineTag = []byte("fairdraw:combine:v1")
	subDrawTag = []byte("fairdraw:subdraw:v1")
)

// CommitmentFromSeed returns the public commitment for a locally drawn seed.
// The commitment is fixed before the provider reveal is known, so the
// requester cannot pick a seed after seeing the remote value.
func CommitmentFromSeed(seed []byte) []byte {
	h := sha256.New()
	h.Write(commitTag)
	h.Write(seed)
	return h.Sum(nil)
}

// VerifyCommitment reports whether seed is the preimage of commitment.
func VerifyCommitment(seed, commitment []byte) bool {
	return subtle.ConstantTimeCompare(CommitmentFromSeed(seed), commitment) == 1
}

// CombineRandomness mixes the local seed with the provider reveal into the
// final outcome. Hashing both contributions is important: neither value maps
// uniformly onto all bit strings on its own, and neither contributor can
// predict the digest without knowing the other's input.
func CombineRandomness(localSeed, remoteRandomness []byte) []byte {
	h := sha256.New()
	h.Write(combineTag)
	h.Write(localSeed)
	h.Write(remoteRandomness)
	return h.Sum(nil)
}

// SubOutcome derives the index-th draw value from a final outcome. Each draw
// of a multi-winner round uses a fresh sub-value so the selections stay
// mutually independent instead of reusing one reduced integer.
func SubOutcome(outcome []byte, index uint32) []byte {
	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], index)

	h := sha256.New()
	h.Write(subDrawTag)
	h.Write(outcome)
	h.Write(counter[:])
	return h.Sum(nil)
}

// ReduceUniform maps a hash output to [0, modulus). The full 256-bit value is
// reduced with a wide modulus, keeping the bias below 2^-190 for any weight
// sum that fits in a uint64 - a naive uint64 truncation before the modulo
// would not give that.
func ReduceUniform(value []byte, modulus uint64) uint64 {
	if modulus == 0 {
		panic("reduction modulus must be positive")
	}
	v := new(big.Int).SetBytes(value)
	m := new(big.Int).SetUint64(modulus)
	return v.Mod(v, m).Uint64()
}
