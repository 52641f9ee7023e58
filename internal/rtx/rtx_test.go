package rtx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annex-server/annex/internal/vrp"
)

func makeBundle() ReflectionSummaryBundle {
	reasoning := "Step 1: ownership; Step 2: borrow checker."
	return ReflectionSummaryBundle{
		BundleID:        "bundle-1",
		SourcePseudonym: "agent-1",
		SourceServer:    "https://local.test",
		DomainTags:      []string{"rust", "systems"},
		Summary:         "Ownership prevents data races.",
		ReasoningChain:  &reasoning,
		Caveats:         []string{"applies to safe code only"},
		CreatedAt:       1700000000000,
		Signature:       "abcdef1234567890",
		VRPHandshakeRef: "server1:agreement1",
	}
}

func TestValidateBundleStructure(t *testing.T) {
	b := makeBundle()
	assert.NoError(t, ValidateBundleStructure(&b))

	tests := []struct {
		name   string
		mutate func(*ReflectionSummaryBundle)
	}{
		{"missing bundle_id", func(b *ReflectionSummaryBundle) { b.BundleID = "" }},
		{"missing source_pseudonym", func(b *ReflectionSummaryBundle) { b.SourcePseudonym = "" }},
		{"missing source_server", func(b *ReflectionSummaryBundle) { b.SourceServer = "" }},
		{"missing summary", func(b *ReflectionSummaryBundle) { b.Summary = "" }},
		{"no domain tags", func(b *ReflectionSummaryBundle) { b.DomainTags = nil }},
		{"zero created_at", func(b *ReflectionSummaryBundle) { b.CreatedAt = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bad := makeBundle()
			tc.mutate(&bad)
			assert.Error(t, ValidateBundleStructure(&bad))
		})
	}
}

func TestCheckRedactedTopics(t *testing.T) {
	b := makeBundle()

	assert.NoError(t, CheckRedactedTopics(&b, nil))
	assert.NoError(t, CheckRedactedTopics(&b, []string{"politics", "finance"}))

	err := CheckRedactedTopics(&b, []string{"systems"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "systems")
}

func TestEnforceTransferScope(t *testing.T) {
	b := makeBundle()

	// FullKnowledgeBundle passes the reasoning chain through.
	full, err := EnforceTransferScope(&b, vrp.FullKnowledgeBundle)
	require.NoError(t, err)
	require.NotNil(t, full.ReasoningChain)
	assert.Equal(t, *b.ReasoningChain, *full.ReasoningChain)

	// ReflectionSummariesOnly strips it; the original is untouched.
	summaries, err := EnforceTransferScope(&b, vrp.ReflectionSummariesOnly)
	require.NoError(t, err)
	assert.Nil(t, summaries.ReasoningChain)
	assert.Equal(t, b.Summary, summaries.Summary)
	assert.NotNil(t, b.ReasoningChain)

	// NoTransfer passes nothing.
	_, err = EnforceTransferScope(&b, vrp.NoTransfer)
	assert.ErrorIs(t, err, ErrScopeForbidsTransfer)
}

func TestRelaySigningPayload(t *testing.T) {
	payload := RelaySigningPayload("b1", "https://relay.test", "https://origin.test",
		[]string{"https://origin.test", "https://relay.test"})
	assert.Equal(t,
		"b1https://relay.testhttps://origin.testhttps://origin.test,https://relay.test",
		payload)

	// An empty relay path contributes nothing.
	assert.Equal(t, "b1rs os", RelaySigningPayload("b1", "rs ", "os", nil))
}

func TestDomainsMatch(t *testing.T) {
	tags := []string{"rust", "systems"}

	assert.True(t, domainsMatch(tags, nil), "empty filters accept all")
	assert.True(t, domainsMatch(tags, []string{"systems"}))
	assert.True(t, domainsMatch(tags, []string{"go", "rust"}))
	assert.False(t, domainsMatch(tags, []string{"go", "python"}))
	assert.False(t, domainsMatch(nil, []string{"go"}))
}
