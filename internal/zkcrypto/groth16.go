package zkcrypto

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// VerifyingKey holds the Groth16 verifying key for the membership circuit,
// loaded once at startup from the trusted setup artifact. IC must have
// exactly len(publicInputs)+1 entries: IC[0] is the constant term, IC[i+1]
// pairs with publicInputs[i].
type VerifyingKey struct {
	Alpha bn254.G1Affine
	Beta  bn254.G2Affine
	Gamma bn254.G2Affine
	Delta bn254.G2Affine
	IC    []bn254.G1Affine
}

// Proof is a Groth16 proof: three curve points.
type Proof struct {
	A bn254.G1Affine
	B bn254.G2Affine
	C bn254.G1Affine
}

// ErrWrongInputCount is returned when the number of public inputs does not
// match the verifying key's IC vector.
var ErrWrongInputCount = errors.New("zkcrypto: public input count does not match verifying key")

// Verify checks a Groth16 proof over BN254 against a verifying key and
// public inputs, using the standard single pairing-product identity
//
//	e(A, B) == e(alpha, beta) * e(vk_x, gamma) * e(C, delta)
//
// which is checked via the equivalent multi-pairing-equals-one form
//
//	e(-A, B) * e(alpha, beta) * e(vk_x, gamma) * e(C, delta) == 1
//
// so that a single PairingCheck call suffices.
func Verify(vk *VerifyingKey, proof *Proof, publicInputs []fr.Element) (bool, error) {
	if len(vk.IC) != len(publicInputs)+1 {
		return false, ErrWrongInputCount
	}

	// vk_x = IC[0] + sum(publicInputs[i] * IC[i+1])
	vkX := vk.IC[0]
	for i, input := range publicInputs {
		var scalar big.Int
		input.BigInt(&scalar)
		var term bn254.G1Affine
		term.ScalarMultiplication(&vk.IC[i+1], &scalar)
		vkX.Add(&vkX, &term)
	}

	var negA bn254.G1Affine
	negA.Neg(&proof.A)

	g1Points := []bn254.G1Affine{negA, vk.Alpha, vkX, proof.C}
	g2Points := []bn254.G2Affine{proof.B, vk.Beta, vk.Gamma, vk.Delta}

	ok, err := bn254.PairingCheck(g1Points, g2Points)
	if err != nil {
		return false, fmt.Errorf("zkcrypto: pairing check: %w", err)
	}
	return ok, nil
}
