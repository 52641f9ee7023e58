package vrp

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorSnapshotOrderIndependent(t *testing.T) {
	a := NewAnchorSnapshot([]string{"honesty", "transparency", "autonomy"}, []string{"deception"})
	b := NewAnchorSnapshot([]string{"autonomy", "honesty", "transparency"}, []string{"deception"})

	assert.Equal(t, a.PrinciplesHash, b.PrinciplesHash, "reordering principles must not change the hash")
	assert.Equal(t, a.ProhibitedActionsHash, b.ProhibitedActionsHash)
}

func TestAnchorSnapshotLengthPrefixPreventsBoundaryCollisions(t *testing.T) {
	a := hashList([]string{"ab", "c"})
	b := hashList([]string{"a", "bc"})
	assert.NotEqual(t, a, b, `["ab","c"] and ["a","bc"] must hash differently`)
}

func TestAnchorSnapshotSensitiveToSingleCharacter(t *testing.T) {
	a := NewAnchorSnapshot([]string{"honesty"}, nil)
	b := NewAnchorSnapshot([]string{"honestyy"}, nil)
	assert.NotEqual(t, a.PrinciplesHash, b.PrinciplesHash)
}

func TestCompareAnchorsExactMatchOnly(t *testing.T) {
	cfg := AlignmentConfig{}
	local := NewAnchorSnapshot([]string{"p1"}, []string{"x"})

	same := NewAnchorSnapshot([]string{"p1"}, []string{"x"})
	assert.Equal(t, Aligned, CompareAnchors(local, same, cfg))

	diffPrinciples := NewAnchorSnapshot([]string{"p2"}, []string{"x"})
	assert.Equal(t, Conflict, CompareAnchors(local, diffPrinciples, cfg))

	diffProhibitions := NewAnchorSnapshot([]string{"p1"}, []string{"y"})
	assert.Equal(t, Conflict, CompareAnchors(local, diffProhibitions, cfg))
}

func TestContractsMutuallyAccepted(t *testing.T) {
	local := CapabilityContract{
		RequiredCapabilities: []string{"TEXT"},
		OfferedCapabilities:  []string{"TEXT", "VRP", "VOICE"},
	}
	remote := CapabilityContract{
		RequiredCapabilities: []string{"VRP"},
		OfferedCapabilities:  []string{"TEXT", "VRP"},
	}
	assert.True(t, ContractsMutuallyAccepted(local, remote))

	// Remote requires something local does not offer.
	remote.RequiredCapabilities = []string{"BRIDGING"}
	assert.False(t, ContractsMutuallyAccepted(local, remote))

	// Local requires something remote does not offer.
	remote.RequiredCapabilities = nil
	local.RequiredCapabilities = []string{"VOICE"}
	remote.OfferedCapabilities = []string{"TEXT"}
	assert.False(t, ContractsMutuallyAccepted(local, remote))

	// Empty requirements on both sides always match.
	assert.True(t, ContractsMutuallyAccepted(CapabilityContract{}, CapabilityContract{}))
}

func TestResolveTransferScopeTable(t *testing.T) {
	tests := []struct {
		status    AlignmentStatus
		full      bool
		summaries bool
		want      TransferScope
	}{
		{Aligned, true, true, FullKnowledgeBundle},
		{Aligned, true, false, FullKnowledgeBundle},
		{Aligned, false, true, ReflectionSummariesOnly},
		{Aligned, false, false, NoTransfer},
		{Partial, true, true, ReflectionSummariesOnly},
		{Partial, false, true, ReflectionSummariesOnly},
		{Partial, true, false, NoTransfer},
		{Partial, false, false, NoTransfer},
		{Conflict, true, true, NoTransfer},
		{Conflict, false, false, NoTransfer},
	}

	for _, tc := range tests {
		cfg := TransferAcceptanceConfig{AllowFullKnowledge: tc.full, AllowReflectionSummaries: tc.summaries}
		got := ResolveTransferScope(tc.status, cfg)
		assert.Equal(t, tc.want, got, "status=%s full=%v summaries=%v", tc.status, tc.full, tc.summaries)
	}
}

func TestTransferScopeMonotonicity(t *testing.T) {
	// Lowering alignment status never increases the resolved scope, for any
	// acceptance config.
	configs := []TransferAcceptanceConfig{
		{AllowFullKnowledge: true, AllowReflectionSummaries: true},
		{AllowFullKnowledge: true, AllowReflectionSummaries: false},
		{AllowFullKnowledge: false, AllowReflectionSummaries: true},
		{AllowFullKnowledge: false, AllowReflectionSummaries: false},
	}
	for _, cfg := range configs {
		aligned := ResolveTransferScope(Aligned, cfg)
		partial := ResolveTransferScope(Partial, cfg)
		conflict := ResolveTransferScope(Conflict, cfg)
		assert.GreaterOrEqual(t, int(aligned), int(partial), "config %+v", cfg)
		assert.GreaterOrEqual(t, int(partial), int(conflict), "config %+v", cfg)
	}
}

func TestValidateFederationHandshakeAligned(t *testing.T) {
	localAnchor := NewAnchorSnapshot(nil, nil)
	localContract := CapabilityContract{OfferedCapabilities: []string{"TEXT", "VRP"}}
	handshake := FederationHandshake{
		AnchorSnapshot:     NewAnchorSnapshot(nil, nil),
		CapabilityContract: CapabilityContract{OfferedCapabilities: []string{"TEXT", "VRP"}},
	}

	report := ValidateFederationHandshake(localAnchor, localContract, handshake,
		AlignmentConfig{}, TransferAcceptanceConfig{AllowReflectionSummaries: true})

	assert.Equal(t, Aligned, report.AlignmentStatus)
	assert.Equal(t, ReflectionSummariesOnly, report.TransferScope)
	assert.Equal(t, 1.0, report.AlignmentScore)
	assert.Empty(t, report.NegotiationNotes)
}

func TestValidateFederationHandshakeAnchorConflict(t *testing.T) {
	localAnchor := NewAnchorSnapshot(nil, nil)
	handshake := FederationHandshake{
		AnchorSnapshot: NewAnchorSnapshot([]string{"some-principle"}, nil),
	}

	report := ValidateFederationHandshake(localAnchor, CapabilityContract{}, handshake,
		AlignmentConfig{}, TransferAcceptanceConfig{AllowReflectionSummaries: true})

	assert.Equal(t, Conflict, report.AlignmentStatus)
	assert.Equal(t, NoTransfer, report.TransferScope)
	assert.Equal(t, 0.0, report.AlignmentScore)
}

func TestValidateFederationHandshakeContractMismatchForcesConflict(t *testing.T) {
	// Matching anchors, but the remote requires a capability the local side
	// does not offer: the alignment status itself downgrades to Conflict.
	anchor := NewAnchorSnapshot([]string{"shared"}, nil)
	handshake := FederationHandshake{
		AnchorSnapshot:     anchor,
		CapabilityContract: CapabilityContract{RequiredCapabilities: []string{"UNOFFERED"}},
	}

	report := ValidateFederationHandshake(anchor, CapabilityContract{}, handshake,
		AlignmentConfig{}, TransferAcceptanceConfig{AllowReflectionSummaries: true, AllowFullKnowledge: true})

	assert.Equal(t, Conflict, report.AlignmentStatus)
	assert.Equal(t, NoTransfer, report.TransferScope)
	require.Len(t, report.NegotiationNotes, 1)
	assert.Contains(t, report.NegotiationNotes[0], "incompatible")
}

func TestCheckTransferAcceptance(t *testing.T) {
	okReport := ValidationReport{AlignmentStatus: Aligned, TransferScope: ReflectionSummariesOnly}

	assert.NoError(t, CheckTransferAcceptance(okReport, NoTransfer))
	assert.NoError(t, CheckTransferAcceptance(okReport, ReflectionSummariesOnly))

	err := CheckTransferAcceptance(okReport, FullKnowledgeBundle)
	require.Error(t, err)
	var taErr *TransferAcceptanceError
	require.ErrorAs(t, err, &taErr)
	assert.False(t, taErr.Conflict)

	conflictReport := ValidationReport{AlignmentStatus: Conflict, TransferScope: NoTransfer}
	err = CheckTransferAcceptance(conflictReport, NoTransfer)
	require.ErrorAs(t, err, &taErr)
	assert.True(t, taErr.Conflict)
}

func TestStatusAndScopeLabelsRoundTrip(t *testing.T) {
	for _, s := range []AlignmentStatus{Aligned, Partial, Conflict} {
		parsed, err := ParseAlignmentStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	for _, sc := range []TransferScope{NoTransfer, ReflectionSummariesOnly, FullKnowledgeBundle} {
		parsed, err := ParseTransferScope(sc.String())
		require.NoError(t, err)
		assert.Equal(t, sc, parsed)
	}

	_, err := ParseAlignmentStatus("SOMEWHAT_ALIGNED")
	assert.Error(t, err)
	_, err = ParseTransferScope("EVERYTHING")
	assert.Error(t, err)
}

func TestValidationReportJSONRoundTrip(t *testing.T) {
	report := ValidationReport{
		AlignmentStatus:  Partial,
		TransferScope:    ReflectionSummariesOnly,
		AlignmentScore:   0.5,
		NegotiationNotes: []string{"note"},
	}

	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"PARTIAL"`)
	assert.Contains(t, string(data), `"REFLECTION_SUMMARIES_ONLY"`)

	var decoded ValidationReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, report, decoded)
}

func TestEWMA(t *testing.T) {
	// No history scores neutral.
	assert.Equal(t, 0.5, ewma(nil))

	// A single outcome is its own score.
	assert.Equal(t, 1.0, ewma([]float64{1.0}))

	// Newest-first input: a fresh outcome pulls the score away from an
	// otherwise-uniform history.
	recentConflict := ewma([]float64{0.0, 1.0, 1.0, 1.0})
	recentAligned := ewma([]float64{1.0, 0.0, 0.0, 0.0})
	assert.Less(t, recentConflict, 0.8)
	assert.Greater(t, recentAligned, 0.2)

	// Hand-computed: alpha=0.3, oldest-to-newest fold over [1.0 then 0.0].
	got := ewma([]float64{0.0, 1.0})
	assert.InDelta(t, 0.7, got, 1e-9)
	assert.True(t, !math.IsNaN(got))
}
