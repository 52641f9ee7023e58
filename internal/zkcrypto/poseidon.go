package zkcrypto

import (
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"
)

// Poseidon permutations are parameterized by width (rate + 1 capacity lane).
// The tree only ever hashes 2-ary nodes (width 3); the commitment formula
// hashes 3-ary inputs (width 4). Both permutations are built lazily and
// cached, since constructing the round constants is not free.
const (
	poseidonFullRounds    = 8
	poseidonPartialRounds = 56
)

var (
	permMu    sync.Mutex
	permCache = map[int]*poseidon2.Permutation{}
)

func permutationForWidth(width int) *poseidon2.Permutation {
	permMu.Lock()
	defer permMu.Unlock()
	if p, ok := permCache[width]; ok {
		return p
	}
	p := poseidon2.NewPermutation(width, poseidonFullRounds, poseidonPartialRounds)
	permCache[width] = p
	return p
}

// HashInputs applies a sponge-mode Poseidon permutation (capacity 1, rate
// len(inputs)) to an arbitrary-arity input vector and returns the first
// rate lane as the compressed hash. Mirrors annex-identity's hash_inputs.
func HashInputs(inputs []fr.Element) (fr.Element, error) {
	width := len(inputs) + 1
	state := make([]fr.Element, width)
	copy(state, inputs)
	if err := permutationForWidth(width).Permutation(state); err != nil {
		return fr.Element{}, err
	}
	return state[0], nil
}

// Hash2 is the common case: Poseidon(left, right) for a Merkle tree node.
func Hash2(left, right fr.Element) (fr.Element, error) {
	return HashInputs([]fr.Element{left, right})
}

// HashCommitment computes Poseidon(secretKey, roleCode, nodeID), the
// identity commitment formula used by holders to derive their commitment
// client-side. The server never calls this with a real secret key — it
// exists so tests and fixture generation can construct well-formed
// commitments without a separate prover toolchain.
func HashCommitment(secretKey fr.Element, roleCode, nodeID uint64) (fr.Element, error) {
	var role, node fr.Element
	role.SetUint64(roleCode)
	node.SetUint64(nodeID)
	return HashInputs([]fr.Element{secretKey, role, node})
}
