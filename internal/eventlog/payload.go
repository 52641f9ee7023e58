// Package eventlog implements the public event log: a per-server,
// monotonically sequenced record of every identity, presence, federation,
// agent, and moderation state change, plus the NATS-backed fanout that
// streams committed events to SSE subscribers.
package eventlog

import (
	"encoding/json"
	"fmt"
)

// Domain groups related event types for filtering and auditing.
type Domain string

// Domain values.
const (
	DomainIdentity   Domain = "IDENTITY"
	DomainPresence   Domain = "PRESENCE"
	DomainFederation Domain = "FEDERATION"
	DomainAgent      Domain = "AGENT"
	DomainModeration Domain = "MODERATION"
)

// ParseDomain validates a domain label.
func ParseDomain(s string) (Domain, error) {
	switch Domain(s) {
	case DomainIdentity, DomainPresence, DomainFederation, DomainAgent, DomainModeration:
		return Domain(s), nil
	}
	return "", fmt.Errorf("eventlog: unknown event domain %q", s)
}

// Payload is a structured event payload. Every payload type carries one
// fixed event type, entity type, and domain, encoded here as a closed set of
// types rather than free-form strings chosen per call site, so a call site
// cannot mis-tag an event's domain.
type Payload interface {
	EventType() string
	EntityType() string
	Domain() Domain
}

// IdentityRegistered: a new identity commitment was registered in the
// Merkle tree.
type IdentityRegistered struct {
	CommitmentHex string `json:"commitment_hex"`
	RoleCode      uint8  `json:"role_code"`
}

func (IdentityRegistered) EventType() string  { return "IDENTITY_REGISTERED" }
func (IdentityRegistered) EntityType() string { return "identity" }
func (IdentityRegistered) Domain() Domain     { return DomainIdentity }

// IdentityVerified: a zero-knowledge membership proof was verified.
type IdentityVerified struct {
	CommitmentHex string `json:"commitment_hex"`
	Topic         string `json:"topic"`
}

func (IdentityVerified) EventType() string  { return "IDENTITY_VERIFIED" }
func (IdentityVerified) EntityType() string { return "identity" }
func (IdentityVerified) Domain() Domain     { return DomainIdentity }

// PseudonymDerived: a pseudonym was derived for a verified commitment.
type PseudonymDerived struct {
	PseudonymID string `json:"pseudonym_id"`
	Topic       string `json:"topic"`
}

func (PseudonymDerived) EventType() string  { return "PSEUDONYM_DERIVED" }
func (PseudonymDerived) EntityType() string { return "identity" }
func (PseudonymDerived) Domain() Domain     { return DomainIdentity }

// NodeAdded: a new node was added to the presence graph.
type NodeAdded struct {
	PseudonymID string `json:"pseudonym_id"`
	NodeType    string `json:"node_type"`
}

func (NodeAdded) EventType() string  { return "NODE_ADDED" }
func (NodeAdded) EntityType() string { return "node" }
func (NodeAdded) Domain() Domain     { return DomainPresence }

// NodePruned: a node was pruned from the presence graph due to inactivity.
type NodePruned struct {
	PseudonymID string `json:"pseudonym_id"`
}

func (NodePruned) EventType() string  { return "NODE_PRUNED" }
func (NodePruned) EntityType() string { return "node" }
func (NodePruned) Domain() Domain     { return DomainPresence }

// NodeReactivated: a previously pruned node was reactivated.
type NodeReactivated struct {
	PseudonymID string `json:"pseudonym_id"`
}

func (NodeReactivated) EventType() string  { return "NODE_REACTIVATED" }
func (NodeReactivated) EntityType() string { return "node" }
func (NodeReactivated) Domain() Domain     { return DomainPresence }

// FederationEstablished: a new federation agreement was created with a
// remote server.
type FederationEstablished struct {
	RemoteURL       string `json:"remote_url"`
	AlignmentStatus string `json:"alignment_status"`
}

func (FederationEstablished) EventType() string  { return "FEDERATION_ESTABLISHED" }
func (FederationEstablished) EntityType() string { return "federation" }
func (FederationEstablished) Domain() Domain     { return DomainFederation }

// FederationRealigned: an existing agreement was re-scored after a policy
// change without being severed.
type FederationRealigned struct {
	RemoteURL       string `json:"remote_url"`
	AlignmentStatus string `json:"alignment_status"`
	PreviousStatus  string `json:"previous_status"`
}

func (FederationRealigned) EventType() string  { return "FEDERATION_REALIGNED" }
func (FederationRealigned) EntityType() string { return "federation" }
func (FederationRealigned) Domain() Domain     { return DomainFederation }

// FederationSevered: a federation agreement was deactivated.
type FederationSevered struct {
	RemoteURL string `json:"remote_url"`
	Reason    string `json:"reason"`
}

func (FederationSevered) EventType() string  { return "FEDERATION_SEVERED" }
func (FederationSevered) EntityType() string { return "federation" }
func (FederationSevered) Domain() Domain     { return DomainFederation }

// AgentConnected: an agent completed a VRP handshake and joined the server.
type AgentConnected struct {
	PseudonymID     string `json:"pseudonym_id"`
	AlignmentStatus string `json:"alignment_status"`
}

func (AgentConnected) EventType() string  { return "AGENT_CONNECTED" }
func (AgentConnected) EntityType() string { return "agent" }
func (AgentConnected) Domain() Domain     { return DomainAgent }

// AgentRealigned: an agent's alignment was re-evaluated after a policy
// change.
type AgentRealigned struct {
	PseudonymID     string `json:"pseudonym_id"`
	AlignmentStatus string `json:"alignment_status"`
	PreviousStatus  string `json:"previous_status"`
}

func (AgentRealigned) EventType() string  { return "AGENT_REALIGNED" }
func (AgentRealigned) EntityType() string { return "agent" }
func (AgentRealigned) Domain() Domain     { return DomainAgent }

// AgentDisconnected: an agent was disconnected from the server.
type AgentDisconnected struct {
	PseudonymID string `json:"pseudonym_id"`
	Reason      string `json:"reason"`
}

func (AgentDisconnected) EventType() string  { return "AGENT_DISCONNECTED" }
func (AgentDisconnected) EntityType() string { return "agent" }
func (AgentDisconnected) Domain() Domain     { return DomainAgent }

// ModerationAction: a moderation action was performed.
type ModerationAction struct {
	ModeratorPseudonym string  `json:"moderator_pseudonym"`
	ActionType         string  `json:"action_type"`
	TargetPseudonym    *string `json:"target_pseudonym,omitempty"`
	Description        string  `json:"description"`
}

func (ModerationAction) EventType() string  { return "MODERATION_ACTION" }
func (ModerationAction) EntityType() string { return "moderation" }
func (ModerationAction) Domain() Domain     { return DomainModeration }

// marshalPayload serializes a payload with its event-type tag folded into
// the JSON object under the "event" key.
func marshalPayload(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("eventlog: serializing payload: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("eventlog: reshaping payload: %w", err)
	}
	fields["event"] = p.EventType()
	tagged, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("eventlog: serializing tagged payload: %w", err)
	}
	return string(tagged), nil
}
