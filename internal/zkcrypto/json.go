package zkcrypto

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// The JSON shapes below follow the snarkjs artifact layout: curve points as
// arrays of big-integer decimal strings, G1 as [x, y, 1] and G2 as
// [[x0, x1], [y0, y1], [1, 0]] with tower coordinates c0-first.

type verifyingKeyJSON struct {
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
	NPublic  int        `json:"nPublic"`
	Alpha1   []string   `json:"vk_alpha_1"`
	Beta2    [][]string `json:"vk_beta_2"`
	Gamma2   [][]string `json:"vk_gamma_2"`
	Delta2   [][]string `json:"vk_delta_2"`
	IC       [][]string `json:"IC"`
}

type proofJSON struct {
	Protocol string     `json:"protocol"`
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
}

// ElementFromDecimal parses a big-integer decimal string into a scalar
// field element, the encoding public signals use on the wire.
func ElementFromDecimal(s string) (fr.Element, error) {
	var e fr.Element
	if _, err := e.SetString(s); err != nil {
		return e, fmt.Errorf("zkcrypto: invalid field element %q: %w", s, err)
	}
	return e, nil
}

func g1FromDecimal(coords []string) (bn254.G1Affine, error) {
	var p bn254.G1Affine
	if len(coords) < 2 {
		return p, fmt.Errorf("zkcrypto: G1 point needs 2 coordinates, got %d", len(coords))
	}
	var x, y fp.Element
	if _, err := x.SetString(coords[0]); err != nil {
		return p, fmt.Errorf("zkcrypto: G1 x coordinate: %w", err)
	}
	if _, err := y.SetString(coords[1]); err != nil {
		return p, fmt.Errorf("zkcrypto: G1 y coordinate: %w", err)
	}
	p.X, p.Y = x, y
	if !p.IsOnCurve() {
		return p, fmt.Errorf("zkcrypto: G1 point not on curve")
	}
	return p, nil
}

func g2FromDecimal(coords [][]string) (bn254.G2Affine, error) {
	var p bn254.G2Affine
	if len(coords) < 2 || len(coords[0]) < 2 || len(coords[1]) < 2 {
		return p, fmt.Errorf("zkcrypto: malformed G2 point")
	}
	set := func(dst *fp.Element, s, what string) error {
		if _, err := dst.SetString(s); err != nil {
			return fmt.Errorf("zkcrypto: G2 %s coordinate: %w", what, err)
		}
		return nil
	}
	if err := set(&p.X.A0, coords[0][0], "x.c0"); err != nil {
		return p, err
	}
	if err := set(&p.X.A1, coords[0][1], "x.c1"); err != nil {
		return p, err
	}
	if err := set(&p.Y.A0, coords[1][0], "y.c0"); err != nil {
		return p, err
	}
	if err := set(&p.Y.A1, coords[1][1], "y.c1"); err != nil {
		return p, err
	}
	if !p.IsOnCurve() {
		return p, fmt.Errorf("zkcrypto: G2 point not on curve")
	}
	return p, nil
}

// ParseVerifyingKey decodes a snarkjs-format Groth16 verification key.
func ParseVerifyingKey(data []byte) (*VerifyingKey, error) {
	var raw verifyingKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("zkcrypto: parsing verification key JSON: %w", err)
	}
	if raw.Protocol != "" && raw.Protocol != "groth16" {
		return nil, fmt.Errorf("zkcrypto: unsupported protocol %q", raw.Protocol)
	}
	if len(raw.IC) == 0 {
		return nil, fmt.Errorf("zkcrypto: verification key has empty IC vector")
	}

	vk := &VerifyingKey{}
	var err error
	if vk.Alpha, err = g1FromDecimal(raw.Alpha1); err != nil {
		return nil, fmt.Errorf("zkcrypto: alpha: %w", err)
	}
	if vk.Beta, err = g2FromDecimal(raw.Beta2); err != nil {
		return nil, fmt.Errorf("zkcrypto: beta: %w", err)
	}
	if vk.Gamma, err = g2FromDecimal(raw.Gamma2); err != nil {
		return nil, fmt.Errorf("zkcrypto: gamma: %w", err)
	}
	if vk.Delta, err = g2FromDecimal(raw.Delta2); err != nil {
		return nil, fmt.Errorf("zkcrypto: delta: %w", err)
	}
	vk.IC = make([]bn254.G1Affine, len(raw.IC))
	for i, coords := range raw.IC {
		if vk.IC[i], err = g1FromDecimal(coords); err != nil {
			return nil, fmt.Errorf("zkcrypto: IC[%d]: %w", i, err)
		}
	}
	return vk, nil
}

// LoadVerifyingKey reads and parses a verification key from the trusted
// setup artifact on disk.
func LoadVerifyingKey(path string) (*VerifyingKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("zkcrypto: reading verification key %q: %w", path, err)
	}
	return ParseVerifyingKey(data)
}

// ParseProof decodes a snarkjs-format Groth16 proof.
func ParseProof(data []byte) (*Proof, error) {
	var raw proofJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("zkcrypto: parsing proof JSON: %w", err)
	}
	if raw.Protocol != "" && raw.Protocol != "groth16" {
		return nil, fmt.Errorf("zkcrypto: unsupported protocol %q", raw.Protocol)
	}

	proof := &Proof{}
	var err error
	if proof.A, err = g1FromDecimal(raw.PiA); err != nil {
		return nil, fmt.Errorf("zkcrypto: pi_a: %w", err)
	}
	if proof.B, err = g2FromDecimal(raw.PiB); err != nil {
		return nil, fmt.Errorf("zkcrypto: pi_b: %w", err)
	}
	if proof.C, err = g1FromDecimal(raw.PiC); err != nil {
		return nil, fmt.Errorf("zkcrypto: pi_c: %w", err)
	}
	return proof, nil
}
