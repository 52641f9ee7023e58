// Package zkcrypto wraps the BN254 scalar field, the Poseidon permutation, and
// Groth16 pairing verification used by the identity plane's Merkle tree and
// membership proofs. It is the only package in this module that uses
// gnark-crypto's curve, Poseidon and pairing code; other packages import only
// the fr.Element type and convert hex strings through this package's helpers.
package zkcrypto

import (
	"encoding/hex"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// ErrInvalidHex is returned when a caller-supplied hex string cannot be
// decoded. The decoded length is not checked.
type ErrInvalidHex struct {
	Value string
}

func (e *ErrInvalidHex) Error() string {
	return fmt.Sprintf("zkcrypto: invalid hex string %q", e.Value)
}

// ElementFromHex decodes a hex string into a scalar field element using
// big-endian modular reduction, matching the reference identity crate's
// Fr::from_be_bytes_mod_order.
func ElementFromHex(h string) (fr.Element, error) {
	var e fr.Element
	raw, err := hex.DecodeString(h)
	if err != nil {
		return e, &ErrInvalidHex{Value: h}
	}
	e.SetBytes(raw)
	return e, nil
}

// ElementToHex encodes a field element as a 64-character lowercase hex
// string of its big-endian canonical representation.
func ElementToHex(e fr.Element) string {
	b := e.Bytes()
	return hex.EncodeToString(b[:])
}

// IsLowerHex64 reports whether s is exactly 64 lowercase hexadecimal
// characters, the canonical wire form for commitments, roots, and
// nullifiers throughout the identity plane.
func IsLowerHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// IsLowerHex64Insensitive reports whether s is exactly 64 hexadecimal
// characters of either case. Used to validate a caller-supplied commitment
// before it is lowercased and checked against IsLowerHex64.
func IsLowerHex64Insensitive(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
