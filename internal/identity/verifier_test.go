package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckPublicSignals(t *testing.T) {
	v := &Verifier{}

	rootHex := "0000000000000000000000000000000000000000000000000000000000000002"
	commitmentHex := "0000000000000000000000000000000000000000000000000000000000000001"

	// Decimal signals matching [root, commitment].
	err := v.checkPublicSignals([]string{"2", "1"}, rootHex, commitmentHex)
	assert.NoError(t, err)

	// Swapped order is rejected: the circuit's contract is [root, commitment].
	err = v.checkPublicSignals([]string{"1", "2"}, rootHex, commitmentHex)
	assert.ErrorIs(t, err, ErrPublicSignalMismatch)

	// Wrong arity.
	err = v.checkPublicSignals([]string{"2"}, rootHex, commitmentHex)
	assert.ErrorIs(t, err, ErrPublicSignalMismatch)
	err = v.checkPublicSignals([]string{"2", "1", "3"}, rootHex, commitmentHex)
	assert.ErrorIs(t, err, ErrPublicSignalMismatch)

	// Garbage signal values.
	err = v.checkPublicSignals([]string{"x", "1"}, rootHex, commitmentHex)
	assert.ErrorIs(t, err, ErrPublicSignalMismatch)
}

func TestVerifyAgainstRootRejectsMalformedProof(t *testing.T) {
	v := &Verifier{}

	rootHex := "0000000000000000000000000000000000000000000000000000000000000002"
	commitmentHex := "0000000000000000000000000000000000000000000000000000000000000001"

	err := v.VerifyAgainstRoot([]byte(`{"pi_a":["bad"]}`), []string{"2", "1"}, rootHex, commitmentHex)
	assert.ErrorIs(t, err, ErrInvalidProof)

	// Signal mismatch is caught before proof parsing.
	err = v.VerifyAgainstRoot([]byte(`{}`), []string{"9", "1"}, rootHex, commitmentHex)
	assert.ErrorIs(t, err, ErrPublicSignalMismatch)
}
