package federation

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub, priv
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	pub, priv := testKeyPair(t)
	pubHex := hex.EncodeToString(pub)

	payload := AttestationMessage("annex:server:v1", "00ab", "AI_AGENT")
	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(payload)))

	assert.NoError(t, VerifySignature(pubHex, payload, sig))
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	pub, priv := testKeyPair(t)
	pubHex := hex.EncodeToString(pub)

	payload := JoinMessage("channel-1", "pseudonym-1")
	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(payload)))

	// Signature over a different payload.
	err := VerifySignature(pubHex, JoinMessage("channel-2", "pseudonym-1"), sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Wrong key.
	otherPub, _ := testKeyPair(t)
	err = VerifySignature(hex.EncodeToString(otherPub), payload, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Malformed inputs all collapse to the same opaque error.
	assert.ErrorIs(t, VerifySignature("not-hex", payload, sig), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(pubHex, payload, "zz"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(pubHex, payload, "abcd"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(pubHex[:10], payload, sig), ErrInvalidSignature)
}

func TestCanonicalPayloads(t *testing.T) {
	assert.Equal(t, "tc p", AttestationMessage("t", "c ", "p"))
	assert.Equal(t, "chanpseud", JoinMessage("chan", "pseud"))

	env := Envelope{
		MessageID:         "m1",
		ChannelID:         "c1",
		Content:           "hello",
		SenderPseudonym:   "s1",
		OriginatingServer: "https://peer.example",
		AttestationRef:    "implicit",
		CreatedAt:         "2026-01-02T03:04:05Z",
	}
	assert.Equal(t,
		"m1c1hellos1https://peer.exampleimplicit2026-01-02T03:04:05Z",
		env.CanonicalPayload())
}

func TestEnvelopeSignatureExcludesSignatureField(t *testing.T) {
	_, priv := testKeyPair(t)
	svc := &Service{signingKey: priv, publicURL: "https://local.example"}

	env := Envelope{MessageID: "m", ChannelID: "c", Content: "x", SenderPseudonym: "p",
		OriginatingServer: "https://local.example", AttestationRef: "implicit",
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano)}

	withoutSig := env.CanonicalPayload()
	env.Signature = svc.Sign(withoutSig)
	assert.Equal(t, withoutSig, env.CanonicalPayload(), "signature must not feed its own payload")

	pub := priv.Public().(ed25519.PublicKey)
	assert.NoError(t, VerifySignature(hex.EncodeToString(pub), env.CanonicalPayload(), env.Signature))
}

func TestDecodePublicKey(t *testing.T) {
	pub, _ := testKeyPair(t)

	decoded, err := decodePublicKey(hex.EncodeToString(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, decoded)

	_, err = decodePublicKey("abcd")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	_, err = decodePublicKey("not hex at all")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
