package eventlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadDomainMapping(t *testing.T) {
	tests := []struct {
		payload    Payload
		eventType  string
		entityType string
		domain     Domain
	}{
		{IdentityRegistered{}, "IDENTITY_REGISTERED", "identity", DomainIdentity},
		{IdentityVerified{}, "IDENTITY_VERIFIED", "identity", DomainIdentity},
		{PseudonymDerived{}, "PSEUDONYM_DERIVED", "identity", DomainIdentity},
		{NodeAdded{}, "NODE_ADDED", "node", DomainPresence},
		{NodePruned{}, "NODE_PRUNED", "node", DomainPresence},
		{NodeReactivated{}, "NODE_REACTIVATED", "node", DomainPresence},
		{FederationEstablished{}, "FEDERATION_ESTABLISHED", "federation", DomainFederation},
		{FederationRealigned{}, "FEDERATION_REALIGNED", "federation", DomainFederation},
		{FederationSevered{}, "FEDERATION_SEVERED", "federation", DomainFederation},
		{AgentConnected{}, "AGENT_CONNECTED", "agent", DomainAgent},
		{AgentRealigned{}, "AGENT_REALIGNED", "agent", DomainAgent},
		{AgentDisconnected{}, "AGENT_DISCONNECTED", "agent", DomainAgent},
		{ModerationAction{}, "MODERATION_ACTION", "moderation", DomainModeration},
	}

	seen := make(map[string]bool)
	for _, tc := range tests {
		assert.Equal(t, tc.eventType, tc.payload.EventType())
		assert.Equal(t, tc.entityType, tc.payload.EntityType())
		assert.Equal(t, tc.domain, tc.payload.Domain())
		assert.False(t, seen[tc.eventType], "duplicate event type %s", tc.eventType)
		seen[tc.eventType] = true
	}
}

func TestParseDomain(t *testing.T) {
	for _, s := range []string{"IDENTITY", "PRESENCE", "FEDERATION", "AGENT", "MODERATION"} {
		d, err := ParseDomain(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(d))
	}

	_, err := ParseDomain("identity")
	assert.Error(t, err, "domain labels are case-sensitive")
	_, err = ParseDomain("VOICE")
	assert.Error(t, err)
}

func TestMarshalPayloadTagsEventType(t *testing.T) {
	out, err := marshalPayload(AgentDisconnected{PseudonymID: "abc", Reason: "policy_conflict"})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &fields))
	assert.Equal(t, "AGENT_DISCONNECTED", fields["event"])
	assert.Equal(t, "abc", fields["pseudonym_id"])
	assert.Equal(t, "policy_conflict", fields["reason"])
}

func TestMarshalPayloadOmitsNilTarget(t *testing.T) {
	out, err := marshalPayload(ModerationAction{
		ModeratorPseudonym: "mod",
		ActionType:         "delete_message",
		Description:        "spam",
	})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &fields))
	_, present := fields["target_pseudonym"]
	assert.False(t, present)
}

func TestSubjectForDomain(t *testing.T) {
	assert.Equal(t, "annex.events.IDENTITY", SubjectForDomain(DomainIdentity))
	assert.Equal(t, "annex.events.AGENT", SubjectForDomain(DomainAgent))
}
