// Package models defines shared data types for all Annex entities including
// Instance, Channel, Message, PlatformIdentity, FederatedIdentity, GraphNode,
// and the public event log row. Types include JSON tags for API serialization
// and match the PostgreSQL schema exactly.
package models

import (
	"fmt"
	"time"
)

// Instance represents a remote (or the local) Annex server. Each instance is
// keyed by its base URL and carries the pinned Ed25519 public key that all
// inbound federation traffic from it is verified against. Corresponds to the
// instances table.
type Instance struct {
	ID         int64      `json:"id"`
	BaseURL    string     `json:"base_url"`
	PublicKey  string     `json:"public_key"` // hex-encoded raw Ed25519 key
	Label      *string    `json:"label,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// Instance status values.
const (
	InstanceActive    = "ACTIVE"
	InstancePending   = "PENDING"
	InstanceSuspended = "SUSPENDED"
)

// ChannelType enumerates the kinds of channel the platform supports.
type ChannelType string

// ChannelType values.
const (
	ChannelText      ChannelType = "TEXT"
	ChannelVoice     ChannelType = "VOICE"
	ChannelHybrid    ChannelType = "HYBRID"
	ChannelAgent     ChannelType = "AGENT"
	ChannelBroadcast ChannelType = "BROADCAST"
)

// IsValid reports whether t is a known channel type.
func (t ChannelType) IsValid() bool {
	switch t {
	case ChannelText, ChannelVoice, ChannelHybrid, ChannelAgent, ChannelBroadcast:
		return true
	}
	return false
}

// FederationScope determines whether a channel is visible to federation peers.
type FederationScope string

// FederationScope values.
const (
	ScopeLocal     FederationScope = "LOCAL"
	ScopeFederated FederationScope = "FEDERATED"
)

// IsValid reports whether s is a known federation scope.
func (s FederationScope) IsValid() bool {
	return s == ScopeLocal || s == ScopeFederated
}

// Channel represents a communication channel on a server. Corresponds to the
// channels table.
type Channel struct {
	ID                   int64           `json:"-"`
	ServerID             int64           `json:"server_id"`
	ChannelID            string          `json:"channel_id"`
	Name                 string          `json:"name"`
	Type                 ChannelType     `json:"channel_type"`
	FederationScope      FederationScope `json:"federation_scope"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	AgentMinAlignment    *string         `json:"agent_min_alignment,omitempty"`
	RetentionDays        *int            `json:"retention_days,omitempty"`
	Topic                *string         `json:"topic,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// ChannelMember is a membership row binding a pseudonym to a channel.
// Corresponds to the channel_members table; leaving a channel deletes the row.
type ChannelMember struct {
	ServerID    int64     `json:"server_id"`
	ChannelID   string    `json:"channel_id"`
	PseudonymID string    `json:"pseudonym_id"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Channel member roles.
const (
	MemberRoleMember    = "member"
	MemberRoleModerator = "moderator"
)

// Message is a single channel message. MessageID is globally unique; edits
// mutate Content in place and set EditedAt, deletes set DeletedAt.
// Corresponds to the messages table.
type Message struct {
	ID               int64      `json:"-"`
	ServerID         int64      `json:"server_id"`
	ChannelID        string     `json:"channel_id"`
	MessageID        string     `json:"message_id"`
	SenderPseudonym  string     `json:"sender_pseudonym"`
	Content          string     `json:"content"`
	ReplyToMessageID *string    `json:"reply_to_message_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	EditedAt         *time.Time `json:"edited_at,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// Capabilities are the per-participant permission flags stored as a bitfield
// on platform_identities.
type Capabilities struct {
	CanVoice    bool `json:"can_voice"`
	CanModerate bool `json:"can_moderate"`
	CanInvite   bool `json:"can_invite"`
	CanFederate bool `json:"can_federate"`
	CanBridge   bool `json:"can_bridge"`
}

// Capability bit positions in the platform_identities.capability_bits column.
const (
	capVoice = 1 << iota
	capModerate
	capInvite
	capFederate
	capBridge
)

// Bits packs the capability flags into their stored bitfield form.
func (c Capabilities) Bits() int {
	var b int
	if c.CanVoice {
		b |= capVoice
	}
	if c.CanModerate {
		b |= capModerate
	}
	if c.CanInvite {
		b |= capInvite
	}
	if c.CanFederate {
		b |= capFederate
	}
	if c.CanBridge {
		b |= capBridge
	}
	return b
}

// CapabilitiesFromBits unpacks a stored bitfield into capability flags.
func CapabilitiesFromBits(b int) Capabilities {
	return Capabilities{
		CanVoice:    b&capVoice != 0,
		CanModerate: b&capModerate != 0,
		CanInvite:   b&capInvite != 0,
		CanFederate: b&capFederate != 0,
		CanBridge:   b&capBridge != 0,
	}
}

// Has reports whether the named capability flag is set. Unknown names are
// treated as not held, so a channel requiring a capability this server does
// not define denies entry rather than silently granting it.
func (c Capabilities) Has(name string) bool {
	switch name {
	case "can_voice":
		return c.CanVoice
	case "can_moderate":
		return c.CanModerate
	case "can_invite":
		return c.CanInvite
	case "can_federate":
		return c.CanFederate
	case "can_bridge":
		return c.CanBridge
	}
	return false
}

// PlatformIdentity is the server-side record of a verified pseudonym. It is
// created on the first successful membership proof under a topic; active=false
// marks disconnection but retains history. Corresponds to the
// platform_identities table.
type PlatformIdentity struct {
	ID              int64        `json:"-"`
	ServerID        int64        `json:"server_id"`
	PseudonymID     string       `json:"pseudonym_id"`
	ParticipantType string       `json:"participant_type"`
	Capabilities    Capabilities `json:"capabilities"`
	Active          bool         `json:"active"`
	CreatedAt       time.Time    `json:"created_at"`
}

// NodeType enumerates the presence-graph node kinds; it mirrors the
// participant role labels.
type NodeType string

// NodeType values.
const (
	NodeHuman      NodeType = "HUMAN"
	NodeAIAgent    NodeType = "AI_AGENT"
	NodeCollective NodeType = "COLLECTIVE"
	NodeBridge     NodeType = "BRIDGE"
	NodeService    NodeType = "SERVICE"
)

// ParseNodeType validates a node-type label.
func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeHuman, NodeAIAgent, NodeCollective, NodeBridge, NodeService:
		return NodeType(s), nil
	}
	return "", fmt.Errorf("models: unknown node type %q", s)
}

// NodeTypeFromParticipant maps a participant-type label to its graph node
// type, falling back to HUMAN for anything unrecognized.
func NodeTypeFromParticipant(participantType string) NodeType {
	if nt, err := ParseNodeType(participantType); err == nil {
		return nt
	}
	return NodeHuman
}

// GraphNode is a presence-graph node row. The pruner deactivates nodes whose
// LastSeenAt falls behind the configured inactivity threshold. Corresponds to
// the graph_nodes table.
type GraphNode struct {
	ID          int64     `json:"-"`
	ServerID    int64     `json:"server_id"`
	PseudonymID string    `json:"pseudonym_id"`
	NodeType    NodeType  `json:"node_type"`
	Active      bool      `json:"active"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// FederatedIdentity records a remote pseudonym attested via ZK proof against
// the remote server's Merkle root. (RemoteInstanceID, PseudonymID) uniquely
// keys a row. Corresponds to the federated_identities table.
type FederatedIdentity struct {
	ID               int64     `json:"-"`
	ServerID         int64     `json:"server_id"`
	RemoteInstanceID int64     `json:"remote_instance_id"`
	CommitmentHex    string    `json:"commitment_hex"`
	PseudonymID      string    `json:"pseudonym_id"`
	Topic            string    `json:"vrp_topic"`
	AttestedAt       time.Time `json:"attested_at"`
}

// PublicEvent is a single row from the public_event_log table. Within a
// server, Seq is strictly monotonically increasing and assigned in the same
// atomic step as the insert.
type PublicEvent struct {
	ID          int64     `json:"id"`
	ServerID    int64     `json:"server_id"`
	Domain      string    `json:"domain"`
	EventType   string    `json:"event_type"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Seq         int64     `json:"seq"`
	PayloadJSON string    `json:"payload_json"`
	OccurredAt  time.Time `json:"occurred_at"`
}
