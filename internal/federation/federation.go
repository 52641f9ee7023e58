// Package federation implements the Annex server-to-server plane: signed VRP
// handshakes and the agreements they produce, cross-server identity
// attestation against a remote Merkle root, federated channel joins, and
// best-effort signed message relay. Every inbound request authenticates by
// reconstructing a canonical byte string and checking an Ed25519 signature
// against the originating instance's pinned key.
package federation

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/annex-server/annex/internal/channels"
	"github.com/annex-server/annex/internal/eventlog"
	"github.com/annex-server/annex/internal/identity"
	"github.com/annex-server/annex/internal/models"
	"github.com/annex-server/annex/internal/policy"
	"github.com/annex-server/annex/internal/vrp"
)

// Sentinel errors. Signature failures are deliberately coarse: the caller
// learns only that authentication failed, not which verification step did.
var (
	ErrUnknownRemote     = errors.New("federation: unknown remote instance")
	ErrInstanceInactive  = errors.New("federation: instance is not active")
	ErrInvalidSignature  = errors.New("federation: invalid signature")
	ErrNotAttested       = errors.New("federation: identity not attested for instance")
	ErrChannelLocal      = errors.New("federation: channel is local only")
	ErrNotMember         = errors.New("federation: sender is not a channel member")
	ErrNoActiveAgreement = errors.New("federation: no active agreement with instance")
	ErrRemoteFetch       = errors.New("federation: remote fetch failed")
)

// Service provides federation operations for one local server.
type Service struct {
	pool       *pgxpool.Pool
	serverID   int64
	publicURL  string
	signingKey ed25519.PrivateKey
	policies   *policy.Store
	channels   *channels.Service
	verifier   *identity.Verifier
	events     *eventlog.Log
	logger     *slog.Logger

	httpClient *http.Client

	// Resolved instance rows, cached to keep the inbox path off the
	// database for repeat senders.
	instCache *TTLCache[models.Instance]
}

// Config holds the constructor inputs for the federation service.
type Config struct {
	Pool       *pgxpool.Pool
	ServerID   int64
	PublicURL  string
	SigningKey ed25519.PrivateKey
	Policies   *policy.Store
	Channels   *channels.Service
	Verifier   *identity.Verifier
	Events     *eventlog.Log
	Logger     *slog.Logger
}

// New creates a federation service.
func New(cfg Config) *Service {
	return &Service{
		pool:       cfg.Pool,
		serverID:   cfg.ServerID,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		signingKey: cfg.SigningKey,
		policies:   cfg.Policies,
		channels:   cfg.Channels,
		verifier:   cfg.Verifier,
		events:     cfg.Events,
		logger:     cfg.Logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		instCache:  NewTTLCache[models.Instance](time.Minute, 500),
	}
}

// ResolveInstance looks up an instance row by its base URL, serving repeat
// senders from a short-lived cache.
func (s *Service) ResolveInstance(ctx context.Context, baseURL string) (*models.Instance, error) {
	if cached, ok := s.instCache.Get(strings.TrimRight(baseURL, "/")); ok {
		return &cached, nil
	}

	var inst models.Instance
	err := s.pool.QueryRow(ctx,
		`SELECT id, base_url, public_key, label, status, created_at, last_seen_at
		 FROM instances WHERE base_url = $1`,
		strings.TrimRight(baseURL, "/"),
	).Scan(&inst.ID, &inst.BaseURL, &inst.PublicKey, &inst.Label, &inst.Status,
		&inst.CreatedAt, &inst.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownRemote
	}
	if err != nil {
		return nil, fmt.Errorf("federation: resolving instance: %w", err)
	}

	s.instCache.Set(inst.BaseURL, inst)
	return &inst, nil
}

// RegisterInstance pins a remote instance's key. Re-registering an existing
// base URL updates the key and invalidates the cache entry.
func (s *Service) RegisterInstance(ctx context.Context, baseURL, publicKeyHex string, label *string, status string) (*models.Instance, error) {
	if _, err := decodePublicKey(publicKeyHex); err != nil {
		return nil, err
	}
	if status == "" {
		status = models.InstanceActive
	}
	baseURL = strings.TrimRight(baseURL, "/")

	var inst models.Instance
	err := s.pool.QueryRow(ctx,
		`INSERT INTO instances (base_url, public_key, label, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (base_url) DO UPDATE SET
		   public_key = EXCLUDED.public_key,
		   label = COALESCE(EXCLUDED.label, instances.label),
		   status = EXCLUDED.status,
		   last_seen_at = now()
		 RETURNING id, base_url, public_key, label, status, created_at, last_seen_at`,
		baseURL, publicKeyHex, label, status,
	).Scan(&inst.ID, &inst.BaseURL, &inst.PublicKey, &inst.Label, &inst.Status,
		&inst.CreatedAt, &inst.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("federation: registering instance: %w", err)
	}

	s.instCache.Invalidate(baseURL)
	return &inst, nil
}

// Sign produces a hex Ed25519 signature over a canonical payload string.
func (s *Service) Sign(payload string) string {
	return hex.EncodeToString(ed25519.Sign(s.signingKey, []byte(payload)))
}

// VerifySignature checks a hex signature over a canonical payload against
// an instance's pinned hex key. All failure modes collapse to
// ErrInvalidSignature.
func VerifySignature(publicKeyHex, payload, signatureHex string) error {
	pub, err := decodePublicKey(publicKeyHex)
	if err != nil {
		return ErrInvalidSignature
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(pub, []byte(payload), sig) {
		return ErrInvalidSignature
	}
	return nil
}

func decodePublicKey(publicKeyHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidSignature
	}
	return ed25519.PublicKey(raw), nil
}

// Canonical byte strings for each signed federation surface. These are ASCII
// concatenations with no separators; both sides must build them identically.

// AttestationMessage is the canonical payload for attest-membership.
func AttestationMessage(topic, commitment, participantType string) string {
	return topic + commitment + participantType
}

// JoinMessage is the canonical payload for a federated channel join.
func JoinMessage(channelID, pseudonymID string) string {
	return channelID + pseudonymID
}

// Envelope is a relayed federated message.
type Envelope struct {
	MessageID         string `json:"message_id"`
	ChannelID         string `json:"channel_id"`
	Content           string `json:"content"`
	SenderPseudonym   string `json:"sender_pseudonym"`
	OriginatingServer string `json:"originating_server"`
	AttestationRef    string `json:"attestation_ref"`
	Signature         string `json:"signature"`
	CreatedAt         string `json:"created_at"`
}

// CanonicalPayload is the byte string an envelope's signature covers.
func (e Envelope) CanonicalPayload() string {
	return e.MessageID + e.ChannelID + e.Content + e.SenderPseudonym +
		e.OriginatingServer + e.AttestationRef + e.CreatedAt
}

// agreementTxBeginner covers *pgxpool.Pool and pgx.Tx: beginning a
// transaction on a pool opens a real one, on a transaction it opens a
// savepoint, which is exactly the nesting CreateAgreement needs.
type agreementTxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CreateAgreement deactivates any existing active agreement for
// (localServerID, remoteInstanceID) and inserts the new one, atomically
// inside a savepoint-or-transaction. Deactivation is scoped by the local
// server ID so multi-tenant databases do not cross-contaminate. active is
// set iff the alignment is not Conflict.
func (s *Service) CreateAgreement(ctx context.Context, db agreementTxBeginner, remoteInstanceID int64, report vrp.ValidationReport, handshake *vrp.FederationHandshake) (int64, error) {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return 0, fmt.Errorf("federation: serializing report: %w", err)
	}
	var handshakeJSON *string
	if handshake != nil {
		raw, err := json.Marshal(handshake)
		if err != nil {
			return 0, fmt.Errorf("federation: serializing handshake: %w", err)
		}
		str := string(raw)
		handshakeJSON = &str
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("federation: beginning agreement tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE federation_agreements SET active = false, updated_at = now()
		 WHERE local_server_id = $1 AND remote_instance_id = $2 AND active`,
		s.serverID, remoteInstanceID,
	); err != nil {
		return 0, fmt.Errorf("federation: deactivating prior agreement: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO federation_agreements
		   (local_server_id, remote_instance_id, alignment_status, transfer_scope,
		    agreement_json, remote_handshake_json, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		s.serverID, remoteInstanceID,
		report.AlignmentStatus.String(), report.TransferScope.String(),
		string(reportJSON), handshakeJSON,
		report.AlignmentStatus != vrp.Conflict,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("federation: inserting agreement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("federation: committing agreement: %w", err)
	}
	return id, nil
}

// Agreement is an active federation agreement row joined with its instance.
type Agreement struct {
	ID               int64                `json:"id"`
	RemoteInstanceID int64                `json:"remote_instance_id"`
	RemoteBaseURL    string               `json:"remote_base_url"`
	Report           vrp.ValidationReport `json:"report"`
	Active           bool                 `json:"active"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// ActiveAgreement returns the active agreement with a remote instance, or
// nil when none exists.
func (s *Service) ActiveAgreement(ctx context.Context, remoteInstanceID int64) (*Agreement, error) {
	var a Agreement
	var reportJSON string
	err := s.pool.QueryRow(ctx,
		`SELECT fa.id, fa.remote_instance_id, i.base_url, fa.agreement_json, fa.active, fa.updated_at
		 FROM federation_agreements fa
		 JOIN instances i ON i.id = fa.remote_instance_id
		 WHERE fa.local_server_id = $1 AND fa.remote_instance_id = $2 AND fa.active`,
		s.serverID, remoteInstanceID,
	).Scan(&a.ID, &a.RemoteInstanceID, &a.RemoteBaseURL, &reportJSON, &a.Active, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("federation: loading agreement: %w", err)
	}
	if err := json.Unmarshal([]byte(reportJSON), &a.Report); err != nil {
		return nil, fmt.Errorf("federation: parsing stored report: %w", err)
	}
	return &a, nil
}

// HandshakeInbound processes a server-to-server VRP handshake: resolve the
// instance, validate against the local policy-derived anchor and contract,
// persist the agreement, log the outcome, and emit the federation event.
// A Conflict verdict is a successful call — the caller returns the report
// with a 200 so the peer can inspect the notes.
func (s *Service) HandshakeInbound(ctx context.Context, baseURL string, handshake vrp.FederationHandshake) (vrp.ValidationReport, error) {
	inst, err := s.ResolveInstance(ctx, baseURL)
	if err != nil {
		return vrp.ValidationReport{}, err
	}

	pol, _ := s.policies.Get()
	report := vrp.ValidateFederationHandshake(
		pol.Root().ToAnchorSnapshot(),
		pol.FederationContract(),
		handshake,
		pol.AlignmentConfig(),
		pol.FederationTransferConfig(),
	)

	var committed []models.PublicEvent
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.CreateAgreement(ctx, tx, inst.ID, report, &handshake); err != nil {
			return err
		}
		if err := vrp.RecordOutcome(ctx, tx, s.serverID, inst.BaseURL, "SERVER", report); err != nil {
			return err
		}

		var payload eventlog.Payload
		if report.AlignmentStatus == vrp.Conflict {
			payload = eventlog.FederationSevered{RemoteURL: inst.BaseURL, Reason: "handshake_conflict"}
		} else {
			payload = eventlog.FederationEstablished{
				RemoteURL:       inst.BaseURL,
				AlignmentStatus: report.AlignmentStatus.String(),
			}
		}
		ev, err := s.events.Emit(ctx, tx, inst.BaseURL, payload)
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

	s.logger.Info("federation handshake processed",
		slog.String("peer", inst.BaseURL),
		slog.String("alignment", report.AlignmentStatus.String()),
		slog.String("scope", report.TransferScope.String()))

	return report, nil
}

// rootResponse mirrors the /api/federation/vrp-root body.
type rootResponse struct {
	RootHex   string `json:"root_hex"`
	LeafCount uint64 `json:"leaf_count"`
}

// fetchRemoteRoot asks a peer for its current Merkle root.
func (s *Service) fetchRemoteRoot(ctx context.Context, baseURL string) (string, error) {
	url := strings.TrimRight(baseURL, "/") + "/api/federation/vrp-root"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRemoteFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRemoteFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned status %d", ErrRemoteFetch, baseURL, resp.StatusCode)
	}

	var body rootResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decoding root response: %s", ErrRemoteFetch, err)
	}
	if body.RootHex == "" {
		return "", fmt.Errorf("%w: empty root from %s", ErrRemoteFetch, baseURL)
	}
	return body.RootHex, nil
}

// AttestationRequest is the inbound attest-membership payload.
type AttestationRequest struct {
	OriginatingServer string          `json:"originating_server"`
	Topic             string          `json:"topic"`
	Commitment        string          `json:"commitment"`
	ParticipantType   string          `json:"participant_type"`
	Proof             json.RawMessage `json:"proof"`
	PublicSignals     []string        `json:"public_signals"`
	Signature         string          `json:"signature"`
}

// AttestMembership records that a remote identity is a member of its home
// server's Merkle tree: verify the request signature with the pinned key,
// fetch the remote root, check the ZK proof against it, derive the local
// pseudonym, and upsert the federated identity plus platform identity and
// presence node.
func (s *Service) AttestMembership(ctx context.Context, req AttestationRequest) (string, error) {
	inst, err := s.ResolveInstance(ctx, req.OriginatingServer)
	if err != nil {
		return "", err
	}

	message := AttestationMessage(req.Topic, req.Commitment, req.ParticipantType)
	if err := VerifySignature(inst.PublicKey, message, req.Signature); err != nil {
		return "", err
	}

	remoteRoot, err := s.fetchRemoteRoot(ctx, inst.BaseURL)
	if err != nil {
		return "", err
	}

	if err := s.verifier.VerifyAgainstRoot(req.Proof, req.PublicSignals, remoteRoot, req.Commitment); err != nil {
		return "", err
	}

	pseudonymID, _, err := identity.DeriveTopicScopedPseudonym(strings.ToLower(req.Commitment), req.Topic)
	if err != nil {
		return "", err
	}
	nodeType := models.NodeTypeFromParticipant(req.ParticipantType)

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO federated_identities
			   (server_id, remote_instance_id, commitment_hex, pseudonym_id, vrp_topic, attested_at)
			 VALUES ($1, $2, $3, $4, $5, now())
			 ON CONFLICT (server_id, remote_instance_id, pseudonym_id) DO UPDATE SET
			   attested_at = now(),
			   commitment_hex = EXCLUDED.commitment_hex,
			   vrp_topic = EXCLUDED.vrp_topic`,
			s.serverID, inst.ID, strings.ToLower(req.Commitment), pseudonymID, req.Topic,
		); err != nil {
			return fmt.Errorf("upserting federated identity: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO platform_identities (server_id, pseudonym_id, participant_type, capability_bits, active)
			 VALUES ($1, $2, $3, 0, true)
			 ON CONFLICT (server_id, pseudonym_id) DO UPDATE SET
			   active = true,
			   participant_type = EXCLUDED.participant_type`,
			s.serverID, pseudonymID, string(nodeType),
		); err != nil {
			return fmt.Errorf("upserting platform identity: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO graph_nodes (server_id, pseudonym_id, node_type, active, last_seen_at)
			 VALUES ($1, $2, $3, true, now())
			 ON CONFLICT (server_id, pseudonym_id) DO UPDATE SET
			   active = true,
			   last_seen_at = now()`,
			s.serverID, pseudonymID, string(nodeType),
		); err != nil {
			return fmt.Errorf("upserting graph node: %w", err)
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("remote identity attested",
		slog.String("peer", inst.BaseURL),
		slog.String("pseudonym", pseudonymID),
		slog.String("topic", req.Topic))

	return pseudonymID, nil
}

// JoinRequest is the inbound federated channel join payload.
type JoinRequest struct {
	OriginatingServer string `json:"originating_server"`
	PseudonymID       string `json:"pseudonym_id"`
	Signature         string `json:"signature"`
}

// JoinFederatedChannel admits an attested remote pseudonym to a channel:
// the instance must be ACTIVE, the signature must cover channelID ∥
// pseudonymID, and the identity must have been attested by that instance.
// Membership insert is idempotent.
func (s *Service) JoinFederatedChannel(ctx context.Context, channelID string, req JoinRequest) error {
	inst, err := s.ResolveInstance(ctx, req.OriginatingServer)
	if err != nil {
		return err
	}
	if inst.Status != models.InstanceActive {
		return ErrInstanceInactive
	}

	if err := VerifySignature(inst.PublicKey, JoinMessage(channelID, req.PseudonymID), req.Signature); err != nil {
		return err
	}

	attested, err := s.isAttested(ctx, inst.ID, req.PseudonymID)
	if err != nil {
		return err
	}
	if !attested {
		return ErrNotAttested
	}

	if _, err := s.channels.Get(ctx, s.pool, channelID); err != nil {
		return err
	}

	return s.channels.AddMember(ctx, s.pool, channelID, req.PseudonymID)
}

func (s *Service) isAttested(ctx context.Context, remoteInstanceID int64, pseudonymID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM federated_identities
		   WHERE remote_instance_id = $1 AND pseudonym_id = $2)`,
		remoteInstanceID, pseudonymID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("federation: checking attestation: %w", err)
	}
	return exists, nil
}

// RelayMessage pushes a locally-created federated-channel message to every
// peer with an active agreement and an ACTIVE instance. Relay is
// best-effort: each POST runs in its own goroutine and failures are logged,
// never retried — the durable record is the canonical source and peers can
// resync from the event log.
func (s *Service) RelayMessage(ctx context.Context, msg *models.Message) error {
	rows, err := s.pool.Query(ctx,
		`SELECT i.base_url
		 FROM federation_agreements fa
		 JOIN instances i ON i.id = fa.remote_instance_id
		 WHERE fa.local_server_id = $1 AND fa.active AND i.status = 'ACTIVE'`,
		s.serverID)
	if err != nil {
		return fmt.Errorf("federation: listing relay peers: %w", err)
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var baseURL string
		if err := rows.Scan(&baseURL); err != nil {
			return fmt.Errorf("federation: scanning relay peer: %w", err)
		}
		peers = append(peers, baseURL)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(peers) == 0 {
		return nil
	}

	env := Envelope{
		MessageID:         msg.MessageID,
		ChannelID:         msg.ChannelID,
		Content:           msg.Content,
		SenderPseudonym:   msg.SenderPseudonym,
		OriginatingServer: s.publicURL,
		AttestationRef:    "implicit",
		CreatedAt:         msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	env.Signature = s.Sign(env.CanonicalPayload())

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("federation: serializing envelope: %w", err)
	}

	for _, baseURL := range peers {
		url := strings.TrimRight(baseURL, "/") + "/api/federation/messages"
		go func(url string) {
			req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(body)))
			if err != nil {
				s.logger.Warn("relay request build failed", slog.String("url", url), slog.String("error", err.Error()))
				return
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := s.httpClient.Do(req)
			if err != nil {
				s.logger.Warn("relay failed", slog.String("url", url), slog.String("error", err.Error()))
				return
			}
			resp.Body.Close()
			if resp.StatusCode >= 300 {
				s.logger.Warn("relay rejected",
					slog.String("url", url),
					slog.Int("status", resp.StatusCode))
			}
		}(url)
	}

	return nil
}

// ReceiveMessage processes an inbound relayed message. The full check
// chain, in order: instance resolution and ACTIVE status, envelope
// signature, sender attestation, channel federation scope, channel
// membership, active agreement. Insert is idempotent by message ID — a
// replay returns (nil, nil) and must not rebroadcast.
func (s *Service) ReceiveMessage(ctx context.Context, env Envelope) (*models.Message, error) {
	inst, err := s.ResolveInstance(ctx, env.OriginatingServer)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.InstanceActive {
		return nil, ErrInstanceInactive
	}

	if err := VerifySignature(inst.PublicKey, env.CanonicalPayload(), env.Signature); err != nil {
		return nil, err
	}

	attested, err := s.isAttested(ctx, inst.ID, env.SenderPseudonym)
	if err != nil {
		return nil, err
	}
	if !attested {
		return nil, ErrNotAttested
	}

	ch, err := s.channels.Get(ctx, s.pool, env.ChannelID)
	if err != nil {
		return nil, err
	}
	if ch.FederationScope != models.ScopeFederated {
		return nil, ErrChannelLocal
	}

	member, err := s.channels.IsMember(ctx, s.pool, env.ChannelID, env.SenderPseudonym)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotMember
	}

	agreement, err := s.ActiveAgreement(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if agreement == nil {
		return nil, ErrNoActiveAgreement
	}

	exists, err := s.channels.MessageExists(ctx, s.pool, env.MessageID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	msg, err := s.channels.CreateMessage(ctx, s.pool, channels.CreateMessageParams{
		ChannelID:       env.ChannelID,
		MessageID:       env.MessageID,
		SenderPseudonym: env.SenderPseudonym,
		Content:         env.Content,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("federated message accepted",
		slog.String("peer", inst.BaseURL),
		slog.String("channel_id", env.ChannelID),
		slog.String("message_id", env.MessageID))

	return msg, nil
}

// Peer is a public view of a federated peer for the aggregates endpoint.
type Peer struct {
	BaseURL         string    `json:"base_url"`
	Label           *string   `json:"label,omitempty"`
	Status          string    `json:"status"`
	AlignmentStatus string    `json:"alignment_status"`
	TransferScope   string    `json:"transfer_scope"`
	Active          bool      `json:"active"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ListPeers returns every instance with its newest agreement state.
func (s *Service) ListPeers(ctx context.Context) ([]Peer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT i.base_url, i.label, i.status,
		        fa.alignment_status, fa.transfer_scope, fa.active, fa.updated_at
		 FROM federation_agreements fa
		 JOIN instances i ON i.id = fa.remote_instance_id
		 WHERE fa.local_server_id = $1
		   AND fa.id = (SELECT MAX(id) FROM federation_agreements
		                WHERE local_server_id = $1 AND remote_instance_id = fa.remote_instance_id)
		 ORDER BY i.base_url`,
		s.serverID)
	if err != nil {
		return nil, fmt.Errorf("federation: listing peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.BaseURL, &p.Label, &p.Status,
			&p.AlignmentStatus, &p.TransferScope, &p.Active, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("federation: scanning peer: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}
