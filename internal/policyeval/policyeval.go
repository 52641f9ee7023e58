// Package policyeval re-scores every live trust relationship after a server
// policy change. It runs the same handshake validation used at join time
// against each stored anchor snapshot and capability contract, writes only
// rows whose verdict actually changed, and surfaces realign/sever events.
// Running it twice with no intervening policy change writes nothing.
package policyeval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/annex-server/annex/internal/eventlog"
	"github.com/annex-server/annex/internal/models"
	"github.com/annex-server/annex/internal/policy"
	"github.com/annex-server/annex/internal/vrp"
)

// Disconnector terminates a pseudonym's live session. The connection
// manager satisfies it.
type Disconnector interface {
	DisconnectUser(pseudonym string)
}

// Engine recomputes agent registrations and federation agreements against
// the current policy.
type Engine struct {
	pool         *pgxpool.Pool
	serverID     int64
	policies     *policy.Store
	events       *eventlog.Log
	disconnector Disconnector
	logger       *slog.Logger
}

// New constructs a re-evaluation engine.
func New(pool *pgxpool.Pool, serverID int64, policies *policy.Store, events *eventlog.Log, disconnector Disconnector, logger *slog.Logger) *Engine {
	return &Engine{
		pool:         pool,
		serverID:     serverID,
		policies:     policies,
		events:       events,
		disconnector: disconnector,
		logger:       logger,
	}
}

// Run executes both passes: agents first, then federation agreements.
// Within the agent pass, database writes complete before any socket
// disconnect happens.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.RecalculateAgents(ctx); err != nil {
		return err
	}
	return e.RecalculateFederation(ctx)
}

// agentRow is one active registration loaded for re-scoring.
type agentRow struct {
	pseudonymID  string
	oldStatus    string
	oldScope     string
	contractJSON string
	anchorJSON   *string
}

// RecalculateAgents re-scores every active agent registration. A changed
// verdict updates the row (active ⇔ not Conflict) and emits AGENT_REALIGNED
// or AGENT_DISCONNECTED; a Conflict additionally terminates the agent's
// session once all writes are done. Agents with no stored anchor snapshot
// predate the retention requirement and are skipped with a warning.
func (e *Engine) RecalculateAgents(ctx context.Context) error {
	pol, _ := e.policies.Get()
	localAnchor := pol.Root().ToAnchorSnapshot()
	localContract := pol.AgentContract()
	alignmentConfig := pol.AlignmentConfig()
	transferConfig := pol.AgentTransferConfig()

	rows, err := e.pool.Query(ctx,
		`SELECT pseudonym_id, alignment_status, transfer_scope, capability_contract_json, anchor_snapshot_json
		 FROM agent_registrations
		 WHERE active AND server_id = $1`,
		e.serverID)
	if err != nil {
		return fmt.Errorf("policyeval: loading agent registrations: %w", err)
	}

	var agents []agentRow
	for rows.Next() {
		var a agentRow
		if err := rows.Scan(&a.pseudonymID, &a.oldStatus, &a.oldScope, &a.contractJSON, &a.anchorJSON); err != nil {
			rows.Close()
			return fmt.Errorf("policyeval: scanning agent registration: %w", err)
		}
		agents = append(agents, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("policyeval: reading agent registrations: %w", err)
	}

	var disconnects []string
	var committed []models.PublicEvent

	for _, a := range agents {
		if a.anchorJSON == nil {
			e.logger.Warn("agent has no anchor snapshot, skipping re-evaluation",
				slog.String("pseudonym", a.pseudonymID))
			continue
		}

		var anchor vrp.AnchorSnapshot
		if err := json.Unmarshal([]byte(*a.anchorJSON), &anchor); err != nil {
			return fmt.Errorf("policyeval: parsing stored anchor for %s: %w", a.pseudonymID, err)
		}
		var contract vrp.CapabilityContract
		if err := json.Unmarshal([]byte(a.contractJSON), &contract); err != nil {
			return fmt.Errorf("policyeval: parsing stored contract for %s: %w", a.pseudonymID, err)
		}

		report := vrp.ValidateFederationHandshake(localAnchor, localContract,
			vrp.FederationHandshake{AnchorSnapshot: anchor, CapabilityContract: contract},
			alignmentConfig, transferConfig)

		newStatus := report.AlignmentStatus.String()
		newScope := report.TransferScope.String()
		if newStatus == a.oldStatus && newScope == a.oldScope {
			continue
		}

		active := report.AlignmentStatus != vrp.Conflict
		if _, err := e.pool.Exec(ctx,
			`UPDATE agent_registrations SET
			   alignment_status = $1,
			   transfer_scope = $2,
			   active = $3,
			   updated_at = now()
			 WHERE server_id = $4 AND pseudonym_id = $5`,
			newStatus, newScope, active, e.serverID, a.pseudonymID,
		); err != nil {
			return fmt.Errorf("policyeval: updating registration for %s: %w", a.pseudonymID, err)
		}

		var payload eventlog.Payload
		if active {
			payload = eventlog.AgentRealigned{
				PseudonymID:     a.pseudonymID,
				AlignmentStatus: newStatus,
				PreviousStatus:  a.oldStatus,
			}
		} else {
			disconnects = append(disconnects, a.pseudonymID)
			payload = eventlog.AgentDisconnected{
				PseudonymID: a.pseudonymID,
				Reason:      "policy_conflict",
			}
		}
		committed = append(committed, e.events.EmitLogged(ctx, e.pool, a.pseudonymID, payload))
	}

	e.events.Broadcast(committed...)

	// Socket disconnects only after every row is written.
	for _, pseudonym := range disconnects {
		e.disconnector.DisconnectUser(pseudonym)
	}

	if len(committed) > 0 {
		e.logger.Info("agent re-evaluation complete",
			slog.Int("changed", len(committed)),
			slog.Int("disconnected", len(disconnects)))
	}
	return nil
}

// agreementRow is one active federation agreement loaded for re-scoring.
type agreementRow struct {
	id            int64
	baseURL       string
	oldStatus     string
	oldScope      string
	handshakeJSON *string
}

// RecalculateFederation re-scores every active federation agreement with a
// stored handshake. A change updates the row in place and emits
// FEDERATION_REALIGNED or FEDERATION_SEVERED; severance deactivates the row.
func (e *Engine) RecalculateFederation(ctx context.Context) error {
	pol, _ := e.policies.Get()
	localAnchor := pol.Root().ToAnchorSnapshot()
	localContract := pol.FederationContract()
	alignmentConfig := pol.AlignmentConfig()
	transferConfig := pol.FederationTransferConfig()

	rows, err := e.pool.Query(ctx,
		`SELECT fa.id, i.base_url, fa.alignment_status, fa.transfer_scope, fa.remote_handshake_json
		 FROM federation_agreements fa
		 JOIN instances i ON i.id = fa.remote_instance_id
		 WHERE fa.active AND fa.local_server_id = $1`,
		e.serverID)
	if err != nil {
		return fmt.Errorf("policyeval: loading federation agreements: %w", err)
	}

	var agreements []agreementRow
	for rows.Next() {
		var a agreementRow
		if err := rows.Scan(&a.id, &a.baseURL, &a.oldStatus, &a.oldScope, &a.handshakeJSON); err != nil {
			rows.Close()
			return fmt.Errorf("policyeval: scanning agreement: %w", err)
		}
		agreements = append(agreements, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("policyeval: reading agreements: %w", err)
	}

	var committed []models.PublicEvent

	for _, a := range agreements {
		if a.handshakeJSON == nil {
			e.logger.Warn("federation agreement has no handshake data, skipping re-evaluation",
				slog.Int64("agreement_id", a.id),
				slog.String("peer", a.baseURL))
			continue
		}

		var handshake vrp.FederationHandshake
		if err := json.Unmarshal([]byte(*a.handshakeJSON), &handshake); err != nil {
			return fmt.Errorf("policyeval: parsing stored handshake for %s: %w", a.baseURL, err)
		}

		report := vrp.ValidateFederationHandshake(localAnchor, localContract, handshake,
			alignmentConfig, transferConfig)

		newStatus := report.AlignmentStatus.String()
		newScope := report.TransferScope.String()
		if newStatus == a.oldStatus && newScope == a.oldScope {
			continue
		}

		severed := report.AlignmentStatus == vrp.Conflict
		reportJSON, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("policyeval: serializing report for %s: %w", a.baseURL, err)
		}

		if _, err := e.pool.Exec(ctx,
			`UPDATE federation_agreements SET
			   alignment_status = $1,
			   transfer_scope = $2,
			   agreement_json = $3,
			   active = $4,
			   updated_at = now()
			 WHERE id = $5`,
			newStatus, newScope, string(reportJSON), !severed, a.id,
		); err != nil {
			return fmt.Errorf("policyeval: updating agreement %d: %w", a.id, err)
		}

		var payload eventlog.Payload
		if severed {
			e.logger.Info("federation severed due to policy conflict", slog.String("peer", a.baseURL))
			payload = eventlog.FederationSevered{RemoteURL: a.baseURL, Reason: "policy_conflict"}
		} else {
			e.logger.Info("federation realigned",
				slog.String("peer", a.baseURL),
				slog.String("alignment", newStatus))
			payload = eventlog.FederationRealigned{
				RemoteURL:       a.baseURL,
				AlignmentStatus: newStatus,
				PreviousStatus:  a.oldStatus,
			}
		}
		committed = append(committed, e.events.EmitLogged(ctx, e.pool, a.baseURL, payload))
	}

	e.events.Broadcast(committed...)

	if len(committed) > 0 {
		e.logger.Info("federation re-evaluation complete", slog.Int("changed", len(committed)))
	}
	return nil
}
