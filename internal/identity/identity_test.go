package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveTopicScopedPseudonymIsDeterministic(t *testing.T) {
	commitment := "00000000000000000000000000000000000000000000000000000000abc123"
	topic := "annex:server:v1"

	first, firstNullifier, err := DeriveTopicScopedPseudonym(commitment, topic)
	require.NoError(t, err)
	second, secondNullifier, err := DeriveTopicScopedPseudonym(commitment, topic)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstNullifier, secondNullifier)
}

func TestDeriveTopicScopedPseudonymDiffersAcrossTopics(t *testing.T) {
	commitment := "00000000000000000000000000000000000000000000000000000000abc123"

	server, _, err := DeriveTopicScopedPseudonym(commitment, "annex:server:v1")
	require.NoError(t, err)
	channel, _, err := DeriveTopicScopedPseudonym(commitment, "annex:channel:v1")
	require.NoError(t, err)

	assert.NotEqual(t, server, channel)
}

func TestDeriveTopicScopedPseudonymRejectsEmptyInputs(t *testing.T) {
	_, _, err := DeriveTopicScopedPseudonym("", "annex:server:v1")
	assert.ErrorIs(t, err, ErrEmptyCommitment)

	_, _, err = DeriveTopicScopedPseudonym("abc123", "")
	assert.ErrorIs(t, err, ErrEmptyTopic)
}

func TestDerivePseudonymIDRejectsEmptyNullifier(t *testing.T) {
	_, err := DerivePseudonymID("annex:server:v1", "")
	assert.ErrorIs(t, err, ErrEmptyNullifier)
}

func TestDerivePseudonymIDRejectsMalformedNullifier(t *testing.T) {
	_, err := DerivePseudonymID("annex:server:v1", "not-a-hex-value")
	assert.ErrorIs(t, err, ErrInvalidNullifierFormat)

	upper := "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789"
	_, err = DerivePseudonymID("annex:server:v1", upper)
	assert.ErrorIs(t, err, ErrInvalidNullifierFormat)

	tooShort := "0123456789abcdef"
	_, err = DerivePseudonymID("annex:server:v1", tooShort)
	assert.ErrorIs(t, err, ErrInvalidNullifierFormat)
}

func TestDerivePseudonymIDIsDeterministicForValidInputs(t *testing.T) {
	topic := "annex:server:v1"
	nullifier := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	first, err := DerivePseudonymID(topic, nullifier)
	require.NoError(t, err)
	second, err := DerivePseudonymID(topic, nullifier)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRoleCodeIsValid(t *testing.T) {
	assert.True(t, RoleHuman.IsValid())
	assert.True(t, RoleService.IsValid())
	assert.False(t, RoleCode(0).IsValid())
	assert.False(t, RoleCode(6).IsValid())
}

func TestRoleCodeString(t *testing.T) {
	assert.Equal(t, "HUMAN", RoleHuman.String())
	assert.Equal(t, "AI_AGENT", RoleAIAgent.String())
}

func TestLowerHexNormalizesCase(t *testing.T) {
	upper := "000000000000000000000000000000000000000000000000000000000000ABCD"
	assert.Equal(t, "000000000000000000000000000000000000000000000000000000000000abcd", lowerHex(upper))
}
