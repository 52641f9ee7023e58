package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/annex-server/annex/internal/vrp"
)

func TestDefaultPolicyValues(t *testing.T) {
	p := Default()

	assert.Empty(t, p.Principles)
	assert.Empty(t, p.ProhibitedActions)
	assert.Equal(t, 0.8, p.AgentMinAlignmentScore)
	assert.Empty(t, p.AgentRequiredCapabilities)
	assert.True(t, p.FederationEnabled)
	assert.True(t, p.VoiceEnabled)
	assert.Equal(t, 30, p.DefaultRetentionDays)
	assert.Equal(t, 1000, p.MaxMembers)
}

func TestAgentContractOffersFollowToggles(t *testing.T) {
	p := Default()
	c := p.AgentContract()
	assert.ElementsMatch(t, []string{"VOICE", "FEDERATION", "TEXT", "VRP"}, c.OfferedCapabilities)

	p.VoiceEnabled = false
	p.FederationEnabled = false
	c = p.AgentContract()
	assert.ElementsMatch(t, []string{"TEXT", "VRP"}, c.OfferedCapabilities)
}

func TestFederationContractUsesLowercaseLabels(t *testing.T) {
	p := Default()
	c := p.FederationContract()
	assert.ElementsMatch(t, []string{"voice", "federation"}, c.OfferedCapabilities)

	p.FederationEnabled = false
	c = p.FederationContract()
	assert.ElementsMatch(t, []string{"voice"}, c.OfferedCapabilities)
}

func TestContractCopiesRequiredCapabilities(t *testing.T) {
	p := Default()
	p.AgentRequiredCapabilities = []string{"VRP"}

	c := p.AgentContract()
	c.RequiredCapabilities[0] = "mutated"
	assert.Equal(t, "VRP", p.AgentRequiredCapabilities[0], "contract must not alias policy slices")
}

func TestAnchorSnapshotFromRoot(t *testing.T) {
	p := Default()
	p.Principles = []string{"b", "a"}
	p.ProhibitedActions = []string{"x"}

	a := p.Root().ToAnchorSnapshot()
	b := vrp.NewAnchorSnapshot([]string{"a", "b"}, []string{"x"})
	assert.Equal(t, b.PrinciplesHash, a.PrinciplesHash)
	assert.Equal(t, b.ProhibitedActionsHash, a.ProhibitedActionsHash)
}

func TestTransferConfigs(t *testing.T) {
	p := Default()

	agent := p.AgentTransferConfig()
	assert.True(t, agent.AllowReflectionSummaries)
	assert.False(t, agent.AllowFullKnowledge)

	fed := p.FederationTransferConfig()
	assert.True(t, fed.AllowReflectionSummaries)

	p.FederationEnabled = false
	fed = p.FederationTransferConfig()
	assert.False(t, fed.AllowReflectionSummaries, "disabled federation zeroes the peer transfer ceiling")
}

func TestDefaultHandshakeIsAlignedAgainstItself(t *testing.T) {
	p := Default()
	report := vrp.ValidateFederationHandshake(
		p.Root().ToAnchorSnapshot(),
		p.AgentContract(),
		vrp.FederationHandshake{
			AnchorSnapshot:     vrp.NewAnchorSnapshot(nil, nil),
			CapabilityContract: vrp.CapabilityContract{OfferedCapabilities: []string{"TEXT", "VRP"}},
		},
		p.AlignmentConfig(),
		p.AgentTransferConfig(),
	)

	assert.Equal(t, vrp.Aligned, report.AlignmentStatus)
	assert.Equal(t, vrp.ReflectionSummariesOnly, report.TransferScope)
}
