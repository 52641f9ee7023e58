package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/annex-server/annex/internal/models"
	"github.com/annex-server/annex/internal/zkcrypto"
)

// Sentinel errors returned by the Verifier.
var (
	ErrPublicSignalMismatch = errors.New("identity: public signals do not match root and commitment")
	ErrStaleRoot            = errors.New("identity: proof root is not the active root")
	ErrInvalidProof         = errors.New("identity: proof verification failed")
	ErrNullifierReused      = errors.New("identity: nullifier already recorded for this topic")
	ErrUnknownTopic         = errors.New("identity: unknown topic")
)

// VerifyRequest is the membership-verification input: a Groth16 proof that
// the commitment is a leaf under the root, scoped to a topic by the derived
// nullifier.
type VerifyRequest struct {
	RootHex         string
	CommitmentHex   string
	Topic           string
	ParticipantType string
	ProofJSON       json.RawMessage
	PublicSignals   []string
}

// VerifyResult is returned on a successful verification.
type VerifyResult struct {
	PseudonymID  string
	NullifierHex string
	NodeAdded    bool
}

// Verifier checks Groth16 membership proofs against the live tree root,
// enforces single-use nullifiers per topic, and materializes the platform
// identity and presence node for the derived pseudonym.
type Verifier struct {
	pool     *pgxpool.Pool
	serverID int64
	registry *Registry
	vkey     *zkcrypto.VerifyingKey
	logger   *slog.Logger
}

// NewVerifier constructs a Verifier around a preloaded verification key.
func NewVerifier(pool *pgxpool.Pool, serverID int64, registry *Registry, vkey *zkcrypto.VerifyingKey, logger *slog.Logger) *Verifier {
	return &Verifier{pool: pool, serverID: serverID, registry: registry, vkey: vkey, logger: logger}
}

// VerifyMembership runs the full pipeline from spec'd proof to recorded
// pseudonym:
//
//  1. public signals must equal [root, commitment] in that order,
//  2. the root must be the registry's current active root,
//  3. the Groth16 pairing check must pass,
//  4. the topic-scoped nullifier is derived and recorded exactly once,
//  5. platform identity and presence node are upserted.
//
// Steps 4-5 run in one transaction; a reused nullifier rolls everything
// back and surfaces ErrNullifierReused.
func (v *Verifier) VerifyMembership(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	commitmentHex := lowerHex(req.CommitmentHex)
	rootHex := lowerHex(req.RootHex)
	if !zkcrypto.IsLowerHex64(commitmentHex) {
		return nil, ErrInvalidCommitmentFormat
	}
	if req.Topic == "" {
		return nil, ErrEmptyTopic
	}

	if err := v.checkPublicSignals(req.PublicSignals, rootHex, commitmentHex); err != nil {
		return nil, err
	}

	if active := v.registry.ActiveRootHex(); active != rootHex {
		return nil, ErrStaleRoot
	}

	if err := v.verifyProof(req.ProofJSON, rootHex, commitmentHex); err != nil {
		return nil, err
	}

	known, err := v.topicKnown(ctx, req.Topic)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrUnknownTopic
	}

	pseudonymID, nullifierHex, err := DeriveTopicScopedPseudonym(commitmentHex, req.Topic)
	if err != nil {
		return nil, err
	}

	participantType := req.ParticipantType
	if participantType == "" {
		participantType = string(models.NodeHuman)
	}
	nodeType := models.NodeTypeFromParticipant(participantType)

	result := &VerifyResult{PseudonymID: pseudonymID, NullifierHex: nullifierHex}
	err = pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO vrp_nullifiers (server_id, topic, nullifier_hex) VALUES ($1, $2, $3)`,
			v.serverID, req.Topic, nullifierHex,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrNullifierReused
			}
			return fmt.Errorf("recording nullifier: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO platform_identities (server_id, pseudonym_id, participant_type, capability_bits, active)
			 VALUES ($1, $2, $3, 0, true)
			 ON CONFLICT (server_id, pseudonym_id) DO UPDATE SET
			   active = true,
			   participant_type = EXCLUDED.participant_type`,
			v.serverID, pseudonymID, string(nodeType),
		); err != nil {
			return fmt.Errorf("upserting platform identity: %w", err)
		}

		// xmax = 0 only on a freshly inserted row, distinguishing a new
		// node from a reactivation for event emission.
		err = tx.QueryRow(ctx,
			`INSERT INTO graph_nodes (server_id, pseudonym_id, node_type, active, last_seen_at)
			 VALUES ($1, $2, $3, true, now())
			 ON CONFLICT (server_id, pseudonym_id) DO UPDATE SET
			   active = true,
			   last_seen_at = now()
			 RETURNING (xmax = 0)`,
			v.serverID, pseudonymID, string(nodeType),
		).Scan(&result.NodeAdded)
		if err != nil {
			return fmt.Errorf("upserting graph node: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// checkPublicSignals enforces the circuit's public-signal contract:
// publicSignals[0] is the root and publicSignals[1] the commitment, both as
// decimal field elements equal to the caller-supplied hex values.
func (v *Verifier) checkPublicSignals(signals []string, rootHex, commitmentHex string) error {
	if len(signals) != 2 {
		return ErrPublicSignalMismatch
	}

	root, err := zkcrypto.ElementFromHex(rootHex)
	if err != nil {
		return ErrPublicSignalMismatch
	}
	commitment, err := zkcrypto.ElementFromHex(commitmentHex)
	if err != nil {
		return ErrPublicSignalMismatch
	}

	sigRoot, err := zkcrypto.ElementFromDecimal(signals[0])
	if err != nil {
		return ErrPublicSignalMismatch
	}
	sigCommitment, err := zkcrypto.ElementFromDecimal(signals[1])
	if err != nil {
		return ErrPublicSignalMismatch
	}

	if !sigRoot.Equal(&root) || !sigCommitment.Equal(&commitment) {
		return ErrPublicSignalMismatch
	}
	return nil
}

// verifyProof runs the pairing check for [root, commitment] public inputs.
func (v *Verifier) verifyProof(proofJSON json.RawMessage, rootHex, commitmentHex string) error {
	proof, err := zkcrypto.ParseProof(proofJSON)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidProof, err)
	}

	root, err := zkcrypto.ElementFromHex(rootHex)
	if err != nil {
		return ErrInvalidProof
	}
	commitment, err := zkcrypto.ElementFromHex(commitmentHex)
	if err != nil {
		return ErrInvalidProof
	}

	ok, err := zkcrypto.Verify(v.vkey, proof, []fr.Element{root, commitment})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidProof, err)
	}
	if !ok {
		return ErrInvalidProof
	}
	return nil
}

// VerifyAgainstRoot runs only the cryptographic half of the pipeline — the
// public-signal check and pairing check against an arbitrary root — for the
// federation attestation path, where the root is the remote server's, not
// ours, and no nullifier is consumed locally.
func (v *Verifier) VerifyAgainstRoot(proofJSON json.RawMessage, publicSignals []string, rootHex, commitmentHex string) error {
	rootHex = lowerHex(rootHex)
	commitmentHex = lowerHex(commitmentHex)
	if err := v.checkPublicSignals(publicSignals, rootHex, commitmentHex); err != nil {
		return err
	}
	return v.verifyProof(proofJSON, rootHex, commitmentHex)
}

func (v *Verifier) topicKnown(ctx context.Context, topic string) (bool, error) {
	var exists bool
	err := v.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM vrp_topics WHERE topic = $1)`, topic,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("identity: checking topic: %w", err)
	}
	return exists, nil
}
