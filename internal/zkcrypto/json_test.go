package zkcrypto

import (
	"fmt"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BN254 generator coordinates in the decimal form snarkjs artifacts use.
const (
	g1X = "1"
	g1Y = "2"

	g2X0 = "10857046999023057135944570762232829481370756359578518086990519993285655852781"
	g2X1 = "11559732032986387107991004021392285783925812861821192530917403151452391805634"
	g2Y0 = "8495653923123431417604973247489272438418190587263600148770280649306958101930"
	g2Y1 = "4082367875863433681332203403145435568316851327593401208105741076214120093531"
)

func g1JSON() string {
	return fmt.Sprintf(`["%s","%s","1"]`, g1X, g1Y)
}

func g2JSON() string {
	return fmt.Sprintf(`[["%s","%s"],["%s","%s"],["1","0"]]`, g2X0, g2X1, g2Y0, g2Y1)
}

func TestParseVerifyingKey(t *testing.T) {
	raw := fmt.Sprintf(`{
		"protocol": "groth16",
		"curve": "bn128",
		"nPublic": 2,
		"vk_alpha_1": %s,
		"vk_beta_2": %s,
		"vk_gamma_2": %s,
		"vk_delta_2": %s,
		"IC": [%s, %s, %s]
	}`, g1JSON(), g2JSON(), g2JSON(), g2JSON(), g1JSON(), g1JSON(), g1JSON())

	vk, err := ParseVerifyingKey([]byte(raw))
	require.NoError(t, err)
	assert.Len(t, vk.IC, 3)
	assert.True(t, vk.Alpha.IsOnCurve())
	assert.True(t, vk.Beta.IsOnCurve())
}

func TestParseVerifyingKeyRejectsBadInput(t *testing.T) {
	_, err := ParseVerifyingKey([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseVerifyingKey([]byte(`{"protocol":"plonk"}`))
	assert.Error(t, err)

	// Empty IC vector.
	raw := fmt.Sprintf(`{
		"vk_alpha_1": %s, "vk_beta_2": %s, "vk_gamma_2": %s, "vk_delta_2": %s, "IC": []
	}`, g1JSON(), g2JSON(), g2JSON(), g2JSON())
	_, err = ParseVerifyingKey([]byte(raw))
	assert.Error(t, err)

	// A point off the curve is rejected.
	raw = fmt.Sprintf(`{
		"vk_alpha_1": ["1","3","1"], "vk_beta_2": %s, "vk_gamma_2": %s, "vk_delta_2": %s,
		"IC": [%s]
	}`, g2JSON(), g2JSON(), g2JSON(), g1JSON())
	_, err = ParseVerifyingKey([]byte(raw))
	assert.Error(t, err)
}

func TestParseProof(t *testing.T) {
	raw := fmt.Sprintf(`{
		"protocol": "groth16",
		"pi_a": %s,
		"pi_b": %s,
		"pi_c": %s
	}`, g1JSON(), g2JSON(), g1JSON())

	proof, err := ParseProof([]byte(raw))
	require.NoError(t, err)
	assert.True(t, proof.A.IsOnCurve())
	assert.True(t, proof.B.IsOnCurve())
	assert.True(t, proof.C.IsOnCurve())

	_, err = ParseProof([]byte(`{"pi_a":["1"]}`))
	assert.Error(t, err)
}

func TestElementFromDecimal(t *testing.T) {
	one, err := ElementFromDecimal("1")
	require.NoError(t, err)

	fromHex, err := ElementFromHex("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.True(t, one.Equal(&fromHex))

	_, err = ElementFromDecimal("not-a-number")
	assert.Error(t, err)
}

func TestVerifyRejectsWrongInputCount(t *testing.T) {
	raw := fmt.Sprintf(`{
		"vk_alpha_1": %s, "vk_beta_2": %s, "vk_gamma_2": %s, "vk_delta_2": %s,
		"IC": [%s, %s, %s]
	}`, g1JSON(), g2JSON(), g2JSON(), g2JSON(), g1JSON(), g1JSON(), g1JSON())
	vk, err := ParseVerifyingKey([]byte(raw))
	require.NoError(t, err)

	proofRaw := fmt.Sprintf(`{"pi_a": %s, "pi_b": %s, "pi_c": %s}`, g1JSON(), g2JSON(), g1JSON())
	proof, err := ParseProof([]byte(proofRaw))
	require.NoError(t, err)

	one, _ := ElementFromDecimal("1")
	_, err = Verify(vk, proof, nil)
	assert.ErrorIs(t, err, ErrWrongInputCount)

	// Correct arity runs the pairing check (and fails it, since these are
	// not a real proof).
	ok, err := Verify(vk, proof, []fr.Element{one, one})
	require.NoError(t, err)
	assert.False(t, ok)
}
