package models

import "testing"

func TestCapabilityBitsRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
	}{
		{"none", Capabilities{}},
		{"voice only", Capabilities{CanVoice: true}},
		{"moderate only", Capabilities{CanModerate: true}},
		{"federate+bridge", Capabilities{CanFederate: true, CanBridge: true}},
		{"all", Capabilities{CanVoice: true, CanModerate: true, CanInvite: true, CanFederate: true, CanBridge: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CapabilitiesFromBits(tc.caps.Bits()); got != tc.caps {
				t.Errorf("CapabilitiesFromBits(Bits()) = %+v, want %+v", got, tc.caps)
			}
		})
	}
}

func TestCapabilitiesHas(t *testing.T) {
	c := Capabilities{CanVoice: true, CanFederate: true}

	if !c.Has("can_voice") {
		t.Error("Has(can_voice) = false, want true")
	}
	if !c.Has("can_federate") {
		t.Error("Has(can_federate) = false, want true")
	}
	if c.Has("can_moderate") {
		t.Error("Has(can_moderate) = true, want false")
	}
	// Unknown capabilities must deny, not grant.
	if c.Has("can_teleport") {
		t.Error("Has(unknown) = true, want false")
	}
}

func TestChannelTypeIsValid(t *testing.T) {
	for _, ct := range []ChannelType{ChannelText, ChannelVoice, ChannelHybrid, ChannelAgent, ChannelBroadcast} {
		if !ct.IsValid() {
			t.Errorf("ChannelType(%q).IsValid() = false", ct)
		}
	}
	if ChannelType("DM").IsValid() {
		t.Error(`ChannelType("DM").IsValid() = true, want false`)
	}
	if ChannelType("").IsValid() {
		t.Error("empty ChannelType is valid")
	}
}

func TestFederationScopeIsValid(t *testing.T) {
	if !ScopeLocal.IsValid() || !ScopeFederated.IsValid() {
		t.Error("known federation scopes reported invalid")
	}
	if FederationScope("GLOBAL").IsValid() {
		t.Error("unknown federation scope reported valid")
	}
}

func TestParseNodeType(t *testing.T) {
	for _, s := range []string{"HUMAN", "AI_AGENT", "COLLECTIVE", "BRIDGE", "SERVICE"} {
		nt, err := ParseNodeType(s)
		if err != nil {
			t.Errorf("ParseNodeType(%q) error: %v", s, err)
		}
		if string(nt) != s {
			t.Errorf("ParseNodeType(%q) = %q", s, nt)
		}
	}
	if _, err := ParseNodeType("ROBOT"); err == nil {
		t.Error("ParseNodeType(ROBOT) succeeded, want error")
	}
}

func TestNodeTypeFromParticipantFallback(t *testing.T) {
	if got := NodeTypeFromParticipant("AI_AGENT"); got != NodeAIAgent {
		t.Errorf("NodeTypeFromParticipant(AI_AGENT) = %q", got)
	}
	if got := NodeTypeFromParticipant("something-else"); got != NodeHuman {
		t.Errorf("NodeTypeFromParticipant fallback = %q, want HUMAN", got)
	}
}
