// Package policy owns the server's operational policy: the principle and
// prohibited-action lists that feed VRP anchors, agent admission settings,
// and feature toggles. The live policy sits behind a reader/writer lock —
// handshakes read it on the hot path, updates are rare and bump a monotonic
// version recorded in server_policy_versions.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/annex-server/annex/internal/vrp"
)

// ServerPolicy defines the operational policy of an Annex server. It is
// serialized to JSON and stored on the servers row and in
// server_policy_versions.
type ServerPolicy struct {
	Principles                []string `json:"principles"`
	ProhibitedActions         []string `json:"prohibited_actions"`
	AgentMinAlignmentScore    float64  `json:"agent_min_alignment_score"`
	AgentRequiredCapabilities []string `json:"agent_required_capabilities"`
	FederationEnabled         bool     `json:"federation_enabled"`
	VoiceEnabled              bool     `json:"voice_enabled"`
	DefaultRetentionDays      int      `json:"default_retention_days"`
	MaxMembers                int      `json:"max_members"`
	UploadsEnabled            bool     `json:"uploads_enabled"`
	MaxUploadBytes            int64    `json:"max_upload_bytes"`
}

// Default returns the policy a fresh server starts with.
func Default() ServerPolicy {
	return ServerPolicy{
		Principles:                []string{},
		ProhibitedActions:         []string{},
		AgentMinAlignmentScore:    0.8,
		AgentRequiredCapabilities: []string{},
		FederationEnabled:         true,
		VoiceEnabled:              true,
		DefaultRetentionDays:      30,
		MaxMembers:                1000,
		UploadsEnabled:            true,
		MaxUploadBytes:            25 * 1024 * 1024,
	}
}

// Root returns the policy's principle/prohibition view for anchor hashing.
func (p ServerPolicy) Root() vrp.ServerPolicyRoot {
	return vrp.ServerPolicyRoot{
		Principles:        p.Principles,
		ProhibitedActions: p.ProhibitedActions,
	}
}

// AgentContract derives the capability contract the server presents to
// agents: requirements from policy, offers from the enabled feature set.
func (p ServerPolicy) AgentContract() vrp.CapabilityContract {
	var offered []string
	if p.VoiceEnabled {
		offered = append(offered, "VOICE")
	}
	if p.FederationEnabled {
		offered = append(offered, "FEDERATION")
	}
	offered = append(offered, "TEXT", "VRP")

	return vrp.CapabilityContract{
		RequiredCapabilities: append([]string{}, p.AgentRequiredCapabilities...),
		OfferedCapabilities:  offered,
		RedactedTopics:       []string{},
	}
}

// FederationContract derives the capability contract presented to peer
// servers. Federation capability labels are lowercase on the wire.
func (p ServerPolicy) FederationContract() vrp.CapabilityContract {
	var offered []string
	if p.VoiceEnabled {
		offered = append(offered, "voice")
	}
	if p.FederationEnabled {
		offered = append(offered, "federation")
	}

	return vrp.CapabilityContract{
		RequiredCapabilities: append([]string{}, p.AgentRequiredCapabilities...),
		OfferedCapabilities:  offered,
		RedactedTopics:       []string{},
	}
}

// AlignmentConfig derives the anchor-comparison config from policy.
func (p ServerPolicy) AlignmentConfig() vrp.AlignmentConfig {
	return vrp.AlignmentConfig{
		SemanticAlignmentRequired: false,
		MinAlignmentScore:         p.AgentMinAlignmentScore,
	}
}

// AgentTransferConfig is the transfer ceiling for agents: reflection
// summaries only, never full knowledge bundles.
func (p ServerPolicy) AgentTransferConfig() vrp.TransferAcceptanceConfig {
	return vrp.TransferAcceptanceConfig{
		AllowReflectionSummaries: true,
		AllowFullKnowledge:       false,
	}
}

// FederationTransferConfig is the transfer ceiling for peer servers;
// disabling federation in policy also zeroes out the scope peers can earn.
func (p ServerPolicy) FederationTransferConfig() vrp.TransferAcceptanceConfig {
	return vrp.TransferAcceptanceConfig{
		AllowReflectionSummaries: p.FederationEnabled,
		AllowFullKnowledge:       false,
	}
}

// Store holds the live policy behind an RWMutex and persists version history.
type Store struct {
	pool     *pgxpool.Pool
	serverID int64

	mu      sync.RWMutex
	current ServerPolicy
	version int64
}

// NewStore wraps an already-loaded policy. Use Load to read the stored
// policy at startup.
func NewStore(pool *pgxpool.Pool, serverID int64, current ServerPolicy, version int64) *Store {
	return &Store{pool: pool, serverID: serverID, current: current, version: version}
}

// Load reads the server's policy and latest version from the database. The
// servers row must already exist; Load does not create it and returns an
// error when it is missing.
func Load(ctx context.Context, pool *pgxpool.Pool, serverID int64) (*Store, error) {
	var policyJSON string
	err := pool.QueryRow(ctx,
		`SELECT policy_json FROM servers WHERE id = $1`, serverID,
	).Scan(&policyJSON)
	if err != nil {
		return nil, fmt.Errorf("policy: loading server policy: %w", err)
	}

	var current ServerPolicy
	if err := json.Unmarshal([]byte(policyJSON), &current); err != nil {
		return nil, fmt.Errorf("policy: parsing stored policy: %w", err)
	}

	var version int64
	err = pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 1) FROM server_policy_versions WHERE server_id = $1`,
		serverID,
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("policy: loading policy version: %w", err)
	}

	return NewStore(pool, serverID, current, version), nil
}

// Get returns a copy of the current policy and its version. The copy is
// shallow; callers must not mutate the slice fields.
func (s *Store) Get() (ServerPolicy, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.version
}

// Update persists a new policy: the servers row is rewritten, the version
// counter advances, and a server_policy_versions row records the snapshot —
// all in one transaction. The in-memory copy swaps only after commit.
// Callers are responsible for kicking off re-evaluation afterwards.
func (s *Store) Update(ctx context.Context, next ServerPolicy) (int64, error) {
	policyJSON, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("policy: serializing policy: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newVersion := s.version + 1
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE servers SET policy_json = $1, updated_at = now() WHERE id = $2`,
			string(policyJSON), s.serverID,
		); err != nil {
			return fmt.Errorf("updating servers row: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO server_policy_versions (server_id, version, policy_json)
			 VALUES ($1, $2, $3)`,
			s.serverID, newVersion, string(policyJSON),
		); err != nil {
			return fmt.Errorf("recording policy version: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.current = next
	s.version = newVersion
	return newVersion, nil
}
