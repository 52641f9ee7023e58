// Package agents handles agent-side VRP: the handshake that admits an AI
// agent under the server's policy anchor, the registration rows that
// persist its verdict and stored anchor snapshot, and the longitudinal
// reputation reported back on each handshake.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/annex-server/annex/internal/eventlog"
	"github.com/annex-server/annex/internal/models"
	"github.com/annex-server/annex/internal/policy"
	"github.com/annex-server/annex/internal/presence"
	"github.com/annex-server/annex/internal/vrp"
)

// ErrAgentNotFound is returned by Profile for an unregistered pseudonym.
var ErrAgentNotFound = errors.New("agents: agent not found")

// Registration is an agent's persisted VRP state.
type Registration struct {
	PseudonymID     string                 `json:"pseudonym_id"`
	AlignmentStatus vrp.AlignmentStatus    `json:"alignment_status"`
	TransferScope   vrp.TransferScope      `json:"transfer_scope"`
	Contract        vrp.CapabilityContract `json:"capability_contract"`
	ReputationScore float64                `json:"reputation_score"`
	Active          bool                   `json:"active"`
	LastHandshakeAt *time.Time             `json:"last_handshake_at,omitempty"`
}

// Service owns the agent_registrations table.
type Service struct {
	pool     *pgxpool.Pool
	serverID int64
	policies *policy.Store
	events   *eventlog.Log
	presence *presence.Service
	logger   *slog.Logger
}

// NewService constructs an agent service.
func NewService(pool *pgxpool.Pool, serverID int64, policies *policy.Store, events *eventlog.Log, presenceSvc *presence.Service, logger *slog.Logger) *Service {
	return &Service{
		pool:     pool,
		serverID: serverID,
		policies: policies,
		events:   events,
		presence: presenceSvc,
		logger:   logger,
	}
}

// Handshake validates an agent's VRP handshake against the current policy.
// Every outcome is logged for reputation; only Aligned and Partial verdicts
// upsert a registration row, so a brand-new Conflict agent leaves no
// registration behind — it simply fails to gain entry, while existing
// agents are downgraded through policy re-evaluation, not here.
func (s *Service) Handshake(ctx context.Context, pseudonymID string, handshake vrp.FederationHandshake) (vrp.ValidationReport, error) {
	pol, _ := s.policies.Get()

	report := vrp.ValidateFederationHandshake(
		pol.Root().ToAnchorSnapshot(),
		pol.AgentContract(),
		handshake,
		pol.AlignmentConfig(),
		pol.AgentTransferConfig(),
	)

	var committed []models.PublicEvent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := vrp.RecordOutcome(ctx, tx, s.serverID, pseudonymID, "AI_AGENT", report); err != nil {
			return err
		}

		reputation, err := vrp.ReputationScore(ctx, tx, s.serverID, pseudonymID)
		if err != nil {
			return err
		}

		if report.AlignmentStatus == vrp.Conflict {
			return nil
		}

		contractJSON, err := json.Marshal(handshake.CapabilityContract)
		if err != nil {
			return fmt.Errorf("agents: serializing contract: %w", err)
		}
		anchorJSON, err := json.Marshal(handshake.AnchorSnapshot)
		if err != nil {
			return fmt.Errorf("agents: serializing anchor: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_registrations (
			   server_id, pseudonym_id, alignment_status, transfer_scope,
			   capability_contract_json, anchor_snapshot_json, reputation_score,
			   last_handshake_at, active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), true)
			 ON CONFLICT (server_id, pseudonym_id) DO UPDATE SET
			   alignment_status = EXCLUDED.alignment_status,
			   transfer_scope = EXCLUDED.transfer_scope,
			   capability_contract_json = EXCLUDED.capability_contract_json,
			   anchor_snapshot_json = EXCLUDED.anchor_snapshot_json,
			   reputation_score = EXCLUDED.reputation_score,
			   last_handshake_at = EXCLUDED.last_handshake_at,
			   active = true,
			   updated_at = now()`,
			s.serverID, pseudonymID,
			report.AlignmentStatus.String(), report.TransferScope.String(),
			string(contractJSON), string(anchorJSON), reputation,
		); err != nil {
			return fmt.Errorf("agents: upserting registration: %w", err)
		}

		ev, err := s.events.Emit(ctx, tx, pseudonymID, eventlog.AgentConnected{
			PseudonymID:     pseudonymID,
			AlignmentStatus: report.AlignmentStatus.String(),
		})
		if err != nil {
			return err
		}
		committed = append(committed, ev)
		return nil
	})
	if err != nil {
		return vrp.ValidationReport{}, err
	}
	s.events.Broadcast(committed...)

	if report.AlignmentStatus != vrp.Conflict {
		// Post-commit presence touch: reactivation of a previously pruned
		// node surfaces on the presence stream.
		if reactivated, err := s.presence.TouchNow(ctx, pseudonymID); err == nil && reactivated {
			s.presence.Broadcast(presence.Event{Type: "node_updated", PseudonymID: pseudonymID, Active: true})
			ev := s.events.EmitLogged(ctx, s.pool, pseudonymID, eventlog.NodeReactivated{PseudonymID: pseudonymID})
			s.events.Broadcast(ev)
		}
	}

	s.logger.Info("agent handshake processed",
		slog.String("pseudonym", pseudonymID),
		slog.String("alignment", report.AlignmentStatus.String()),
		slog.String("scope", report.TransferScope.String()))

	return report, nil
}

// Profile loads an agent's registration for inspection.
func (s *Service) Profile(ctx context.Context, pseudonymID string) (*Registration, error) {
	var reg Registration
	var statusLabel, scopeLabel, contractJSON string
	err := s.pool.QueryRow(ctx,
		`SELECT alignment_status, transfer_scope, capability_contract_json,
		        reputation_score, active, last_handshake_at
		 FROM agent_registrations
		 WHERE server_id = $1 AND pseudonym_id = $2`,
		s.serverID, pseudonymID,
	).Scan(&statusLabel, &scopeLabel, &contractJSON, &reg.ReputationScore, &reg.Active, &reg.LastHandshakeAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agents: loading registration: %w", err)
	}

	reg.PseudonymID = pseudonymID
	if reg.AlignmentStatus, err = vrp.ParseAlignmentStatus(statusLabel); err != nil {
		return nil, fmt.Errorf("agents: stored alignment status: %w", err)
	}
	if reg.TransferScope, err = vrp.ParseTransferScope(scopeLabel); err != nil {
		return nil, fmt.Errorf("agents: stored transfer scope: %w", err)
	}
	if err := json.Unmarshal([]byte(contractJSON), &reg.Contract); err != nil {
		return nil, fmt.Errorf("agents: stored contract: %w", err)
	}
	return &reg, nil
}

// ListActive returns the currently active registrations for the public
// aggregates endpoint.
func (s *Service) ListActive(ctx context.Context) ([]Registration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pseudonym_id, alignment_status, transfer_scope, reputation_score, active, last_handshake_at
		 FROM agent_registrations
		 WHERE server_id = $1 AND active
		 ORDER BY last_handshake_at DESC NULLS LAST`,
		s.serverID)
	if err != nil {
		return nil, fmt.Errorf("agents: listing registrations: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var reg Registration
		var statusLabel, scopeLabel string
		if err := rows.Scan(&reg.PseudonymID, &statusLabel, &scopeLabel,
			&reg.ReputationScore, &reg.Active, &reg.LastHandshakeAt); err != nil {
			return nil, fmt.Errorf("agents: scanning registration: %w", err)
		}
		if reg.AlignmentStatus, err = vrp.ParseAlignmentStatus(statusLabel); err != nil {
			return nil, err
		}
		if reg.TransferScope, err = vrp.ParseTransferScope(scopeLabel); err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}
