package rtx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/annex-server/annex/internal/connmgr"
	"github.com/annex-server/annex/internal/federation"
	"github.com/annex-server/annex/internal/models"
	"github.com/annex-server/annex/internal/vrp"
)

const uniqueViolation = "23505"

// Sentinel errors returned by Service methods.
var (
	ErrNoRegistration    = errors.New("rtx: sender has no active agent registration")
	ErrScopeInsufficient = errors.New("rtx: transfer scope does not permit RTX")
	ErrDuplicateBundle   = errors.New("rtx: bundle already published")
	ErrSourceMismatch    = errors.New("rtx: bundle source does not match authenticated identity")
	ErrWrongServer       = errors.New("rtx: bundle source_server does not match this server")
	ErrNoSubscription    = errors.New("rtx: no active subscription")
)

// Subscription is an agent's standing request for bundles.
type Subscription struct {
	SubscriberPseudonym string    `json:"subscriber_pseudonym"`
	DomainFilters       []string  `json:"domain_filters"`
	AcceptFederated     bool      `json:"accept_federated"`
	CreatedAt           time.Time `json:"created_at"`
}

// PublishResult reports a stored bundle and how many local subscribers it
// reached.
type PublishResult struct {
	BundleID    string `json:"bundleId"`
	DeliveredTo int    `json:"delivered_to"`
}

// Service owns the rtx_bundles, rtx_subscriptions, and rtx_transfer_log
// tables. Bundle delivery runs through the connection manager; federated
// relay through the federation service's signing key and agreements.
type Service struct {
	pool       *pgxpool.Pool
	serverID   int64
	publicURL  string
	federation *federation.Service
	manager    *connmgr.Manager
	logger     *slog.Logger

	httpClient *http.Client
}

// NewService constructs an RTX service.
func NewService(pool *pgxpool.Pool, serverID int64, publicURL string, fedSvc *federation.Service, manager *connmgr.Manager, logger *slog.Logger) *Service {
	return &Service{
		pool:       pool,
		serverID:   serverID,
		publicURL:  strings.TrimRight(publicURL, "/"),
		federation: fedSvc,
		manager:    manager,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// senderScope loads an active registration's transfer scope and redacted
// topics; a missing row or a scope below ReflectionSummariesOnly refuses
// RTX participation.
func (s *Service) senderScope(ctx context.Context, pseudonymID string) (vrp.TransferScope, []string, error) {
	var scopeLabel, contractJSON string
	err := s.pool.QueryRow(ctx,
		`SELECT transfer_scope, capability_contract_json
		 FROM agent_registrations
		 WHERE server_id = $1 AND pseudonym_id = $2 AND active`,
		s.serverID, pseudonymID,
	).Scan(&scopeLabel, &contractJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, ErrNoRegistration
	}
	if err != nil {
		return 0, nil, fmt.Errorf("rtx: loading registration: %w", err)
	}

	scope, err := vrp.ParseTransferScope(scopeLabel)
	if err != nil {
		return 0, nil, fmt.Errorf("rtx: stored transfer scope: %w", err)
	}
	if scope < vrp.ReflectionSummariesOnly {
		return 0, nil, ErrScopeInsufficient
	}

	var contract vrp.CapabilityContract
	if err := json.Unmarshal([]byte(contractJSON), &contract); err != nil {
		// Contracts stored before redacted_topics existed parse cleanly;
		// anything else is treated as having no redactions.
		return scope, nil, nil
	}
	return scope, contract.RedactedTopics, nil
}

// Publish validates and stores a locally-authored bundle, delivers it to
// matching local subscribers, and relays it to federation peers whose
// agreement scope permits.
func (s *Service) Publish(ctx context.Context, senderPseudonym string, bundle ReflectionSummaryBundle) (*PublishResult, error) {
	if err := ValidateBundleStructure(&bundle); err != nil {
		return nil, err
	}
	if bundle.SourcePseudonym != senderPseudonym {
		return nil, ErrSourceMismatch
	}
	if strings.TrimRight(bundle.SourceServer, "/") != s.publicURL {
		return nil, ErrWrongServer
	}

	scope, redactedTopics, err := s.senderScope(ctx, senderPseudonym)
	if err != nil {
		return nil, err
	}
	if err := CheckRedactedTopics(&bundle, redactedTopics); err != nil {
		return nil, err
	}

	// The sender's own scope bounds what enters the store: a
	// ReflectionSummariesOnly sender never persists a reasoning chain.
	stored, err := EnforceTransferScope(&bundle, scope)
	if err != nil {
		return nil, err
	}

	provenance := BundleProvenance{
		OriginServer: s.publicURL,
		RelayPath:    []string{},
		BundleID:     stored.BundleID,
	}
	if err := s.storeBundle(ctx, stored, provenance); err != nil {
		return nil, err
	}

	var redactions *string
	if stored.ReasoningChain == nil && bundle.ReasoningChain != nil {
		r := "reasoning_chain_stripped"
		redactions = &r
	}
	s.logTransfer(ctx, stored.BundleID, stored.SourcePseudonym, nil, scope, redactions)

	delivered := s.deliverLocal(ctx, stored, false)

	if err := s.relayFederated(ctx, stored); err != nil {
		s.logger.Warn("rtx federation relay failed",
			slog.String("bundle_id", stored.BundleID),
			slog.String("error", err.Error()))
	}

	return &PublishResult{BundleID: stored.BundleID, DeliveredTo: delivered}, nil
}

// storeBundle inserts a bundle row with its provenance; a duplicate bundle
// ID is a conflict.
func (s *Service) storeBundle(ctx context.Context, b *ReflectionSummaryBundle, provenance BundleProvenance) error {
	domainTagsJSON, err := json.Marshal(b.DomainTags)
	if err != nil {
		return fmt.Errorf("rtx: serializing domain tags: %w", err)
	}
	caveatsJSON, err := json.Marshal(b.Caveats)
	if err != nil {
		return fmt.Errorf("rtx: serializing caveats: %w", err)
	}
	relayPathJSON, err := json.Marshal(provenance.RelayPath)
	if err != nil {
		return fmt.Errorf("rtx: serializing relay path: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO rtx_bundles (
		   server_id, bundle_id, source_pseudonym, source_server,
		   domain_tags_json, summary, reasoning_chain, caveats_json,
		   created_at_ms, signature, vrp_handshake_ref,
		   origin_server, relay_path_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.serverID, b.BundleID, b.SourcePseudonym, b.SourceServer,
		string(domainTagsJSON), b.Summary, b.ReasoningChain, string(caveatsJSON),
		b.CreatedAt, b.Signature, b.VRPHandshakeRef,
		provenance.OriginServer, string(relayPathJSON))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateBundle
		}
		return fmt.Errorf("rtx: storing bundle: %w", err)
	}
	return nil
}

// logTransfer appends one row to the transfer log; failures are logged and
// swallowed, the log is an audit trail, not a gate.
func (s *Service) logTransfer(ctx context.Context, bundleID, source string, destination *string, scope vrp.TransferScope, redactions *string) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rtx_transfer_log (
		   server_id, bundle_id, source_pseudonym, destination_pseudonym,
		   transfer_scope_applied, redactions_applied)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.serverID, bundleID, source, destination, scope.String(), redactions)
	if err != nil {
		s.logger.Warn("rtx transfer log write failed",
			slog.String("bundle_id", bundleID),
			slog.String("error", err.Error()))
	}
}

// subscriberRow is one candidate delivery target.
type subscriberRow struct {
	pseudonym     string
	domainFilters []string
	scopeLabel    string
}

// deliverLocal pushes a bundle to every matching local subscriber: domain
// filters must intersect (empty filters accept all), federated bundles need
// accept_federated, and the receiver's own transfer scope re-bounds the
// payload per delivery.
func (s *Service) deliverLocal(ctx context.Context, b *ReflectionSummaryBundle, federated bool) int {
	sql := `SELECT sub.subscriber_pseudonym, sub.domain_filters_json, reg.transfer_scope
	        FROM rtx_subscriptions sub
	        JOIN agent_registrations reg
	          ON reg.server_id = sub.server_id AND reg.pseudonym_id = sub.subscriber_pseudonym
	        WHERE sub.server_id = $1 AND reg.active AND sub.subscriber_pseudonym <> $2`
	if federated {
		sql += ` AND sub.accept_federated`
	}

	rows, err := s.pool.Query(ctx, sql, s.serverID, b.SourcePseudonym)
	if err != nil {
		s.logger.Warn("rtx subscriber query failed", slog.String("error", err.Error()))
		return 0
	}

	var subscribers []subscriberRow
	for rows.Next() {
		var sub subscriberRow
		var filtersJSON string
		if err := rows.Scan(&sub.pseudonym, &filtersJSON, &sub.scopeLabel); err != nil {
			rows.Close()
			s.logger.Warn("rtx subscriber scan failed", slog.String("error", err.Error()))
			return 0
		}
		json.Unmarshal([]byte(filtersJSON), &sub.domainFilters)
		subscribers = append(subscribers, sub)
	}
	rows.Close()

	delivered := 0
	for _, sub := range subscribers {
		if !domainsMatch(b.DomainTags, sub.domainFilters) {
			continue
		}

		receiverScope, err := vrp.ParseTransferScope(sub.scopeLabel)
		if err != nil || receiverScope < vrp.ReflectionSummariesOnly {
			continue
		}

		scoped, err := EnforceTransferScope(b, receiverScope)
		if err != nil {
			continue
		}

		frame, err := json.Marshal(map[string]any{
			"type":   "rtx_bundle",
			"bundle": scoped,
		})
		if err != nil {
			continue
		}

		var redactions *string
		if receiverScope == vrp.ReflectionSummariesOnly && b.ReasoningChain != nil {
			r := "reasoning_chain_stripped"
			redactions = &r
		}
		destination := sub.pseudonym
		s.logTransfer(ctx, b.BundleID, b.SourcePseudonym, &destination, receiverScope, redactions)

		s.manager.Send(sub.pseudonym, string(frame))
		delivered++
	}
	return delivered
}

// domainsMatch reports whether a bundle's tags pass a subscriber's filters;
// empty filters accept everything.
func domainsMatch(tags, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	filterSet := make(map[string]bool, len(filters))
	for _, f := range filters {
		filterSet[f] = true
	}
	for _, tag := range tags {
		if filterSet[tag] {
			return true
		}
	}
	return false
}

// relayFederated pushes a locally-published bundle to every peer whose
// active agreement grants at least ReflectionSummariesOnly, with the
// bundle re-bounded by each peer's negotiated scope. Best-effort, like
// message relay: each POST runs in its own goroutine.
func (s *Service) relayFederated(ctx context.Context, b *ReflectionSummaryBundle) error {
	rows, err := s.pool.Query(ctx,
		`SELECT i.base_url, fa.transfer_scope
		 FROM federation_agreements fa
		 JOIN instances i ON i.id = fa.remote_instance_id
		 WHERE fa.local_server_id = $1 AND fa.active AND i.status = 'ACTIVE'`,
		s.serverID)
	if err != nil {
		return fmt.Errorf("rtx: listing relay peers: %w", err)
	}
	defer rows.Close()

	type peer struct {
		baseURL    string
		scopeLabel string
	}
	var peers []peer
	for rows.Next() {
		var p peer
		if err := rows.Scan(&p.baseURL, &p.scopeLabel); err != nil {
			return fmt.Errorf("rtx: scanning relay peer: %w", err)
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range peers {
		peerScope, err := vrp.ParseTransferScope(p.scopeLabel)
		if err != nil || peerScope < vrp.ReflectionSummariesOnly {
			continue
		}

		scoped, err := EnforceTransferScope(b, peerScope)
		if err != nil {
			continue
		}

		relayPath := []string{s.publicURL}
		env := FederatedEnvelope{
			Bundle: *scoped,
			Provenance: BundleProvenance{
				OriginServer: s.publicURL,
				RelayPath:    relayPath,
				BundleID:     scoped.BundleID,
			},
			RelayingServer: s.publicURL,
		}
		env.Signature = s.federation.Sign(
			RelaySigningPayload(scoped.BundleID, s.publicURL, s.publicURL, relayPath))

		body, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("rtx: serializing envelope: %w", err)
		}

		url := strings.TrimRight(p.baseURL, "/") + "/api/federation/rtx"
		go func(url string, body []byte) {
			req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(body)))
			if err != nil {
				s.logger.Warn("rtx relay request build failed", slog.String("url", url), slog.String("error", err.Error()))
				return
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := s.httpClient.Do(req)
			if err != nil {
				s.logger.Warn("rtx relay failed", slog.String("url", url), slog.String("error", err.Error()))
				return
			}
			resp.Body.Close()
			if resp.StatusCode >= 300 {
				s.logger.Warn("rtx relay rejected",
					slog.String("url", url),
					slog.Int("status", resp.StatusCode))
			}
		}(url, body)
	}

	return nil
}

// ReceiveFederated processes an inbound relayed bundle: resolve the
// relaying instance (ACTIVE), verify the envelope signature against its
// pinned key, require an active agreement granting at least
// ReflectionSummariesOnly, re-bound the bundle by that agreement's scope,
// store it with provenance, and deliver it to local subscribers that
// accept federated bundles. A replayed bundle ID returns (0, nil) without
// redelivery.
func (s *Service) ReceiveFederated(ctx context.Context, env FederatedEnvelope) (int, error) {
	if err := ValidateBundleStructure(&env.Bundle); err != nil {
		return 0, err
	}

	inst, err := s.federation.ResolveInstance(ctx, env.RelayingServer)
	if err != nil {
		return 0, err
	}
	if inst.Status != models.InstanceActive {
		return 0, federation.ErrInstanceInactive
	}

	payload := RelaySigningPayload(env.Bundle.BundleID, env.RelayingServer,
		env.Provenance.OriginServer, env.Provenance.RelayPath)
	if err := federation.VerifySignature(inst.PublicKey, payload, env.Signature); err != nil {
		return 0, err
	}

	agreement, err := s.federation.ActiveAgreement(ctx, inst.ID)
	if err != nil {
		return 0, err
	}
	if agreement == nil {
		return 0, federation.ErrNoActiveAgreement
	}
	if agreement.Report.TransferScope < vrp.ReflectionSummariesOnly {
		return 0, ErrScopeInsufficient
	}

	// The agreement's negotiated scope bounds what this boundary admits,
	// whatever the origin server stored.
	scoped, err := EnforceTransferScope(&env.Bundle, agreement.Report.TransferScope)
	if err != nil {
		return 0, err
	}

	err = s.storeBundle(ctx, scoped, env.Provenance)
	if errors.Is(err, ErrDuplicateBundle) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var redactions *string
	if scoped.ReasoningChain == nil && env.Bundle.ReasoningChain != nil {
		r := "reasoning_chain_stripped"
		redactions = &r
	}
	s.logTransfer(ctx, scoped.BundleID, scoped.SourcePseudonym, nil, agreement.Report.TransferScope, redactions)

	delivered := s.deliverLocal(ctx, scoped, true)

	s.logger.Info("federated rtx bundle accepted",
		slog.String("peer", inst.BaseURL),
		slog.String("bundle_id", scoped.BundleID),
		slog.Int("delivered_to", delivered))

	return delivered, nil
}

// Subscribe creates or replaces the agent's subscription. The agent must
// hold an active registration with scope at least ReflectionSummariesOnly.
func (s *Service) Subscribe(ctx context.Context, pseudonymID string, domainFilters []string, acceptFederated bool) (*Subscription, error) {
	if _, _, err := s.senderScope(ctx, pseudonymID); err != nil {
		return nil, err
	}
	if domainFilters == nil {
		domainFilters = []string{}
	}

	filtersJSON, err := json.Marshal(domainFilters)
	if err != nil {
		return nil, fmt.Errorf("rtx: serializing domain filters: %w", err)
	}

	sub := &Subscription{
		SubscriberPseudonym: pseudonymID,
		DomainFilters:       domainFilters,
		AcceptFederated:     acceptFederated,
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO rtx_subscriptions (server_id, subscriber_pseudonym, domain_filters_json, accept_federated)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (server_id, subscriber_pseudonym) DO UPDATE SET
		   domain_filters_json = EXCLUDED.domain_filters_json,
		   accept_federated = EXCLUDED.accept_federated
		 RETURNING created_at`,
		s.serverID, pseudonymID, string(filtersJSON), acceptFederated,
	).Scan(&sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("rtx: creating subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe removes the agent's subscription.
func (s *Service) Unsubscribe(ctx context.Context, pseudonymID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM rtx_subscriptions WHERE server_id = $1 AND subscriber_pseudonym = $2`,
		s.serverID, pseudonymID)
	if err != nil {
		return fmt.Errorf("rtx: deleting subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoSubscription
	}
	return nil
}

// GetSubscription returns the agent's current subscription, or nil.
func (s *Service) GetSubscription(ctx context.Context, pseudonymID string) (*Subscription, error) {
	sub := &Subscription{SubscriberPseudonym: pseudonymID}
	var filtersJSON string
	err := s.pool.QueryRow(ctx,
		`SELECT domain_filters_json, accept_federated, created_at
		 FROM rtx_subscriptions
		 WHERE server_id = $1 AND subscriber_pseudonym = $2`,
		s.serverID, pseudonymID,
	).Scan(&filtersJSON, &sub.AcceptFederated, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rtx: loading subscription: %w", err)
	}
	if err := json.Unmarshal([]byte(filtersJSON), &sub.DomainFilters); err != nil {
		sub.DomainFilters = []string{}
	}
	return sub, nil
}
