// Package identity implements the identity registry: registration of
// role-bound commitments into the Poseidon Merkle tree, Groth16 membership
// verification, and topic-scoped pseudonym derivation. It owns the
// transactional boundary described in internal/merkle's package doc —
// every write here previews the tree change, persists it, commits, and
// only then applies the update to the in-memory tree.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/annex-server/annex/internal/merkle"
	"github.com/annex-server/annex/internal/zkcrypto"
)

const uniqueViolation = "23505"

// RoleCode identifies the class of holder a commitment was issued to.
type RoleCode uint8

// RoleCode values, per the identity plane's role registry.
const (
	RoleHuman      RoleCode = 1
	RoleAIAgent    RoleCode = 2
	RoleCollective RoleCode = 3
	RoleBridge     RoleCode = 4
	RoleService    RoleCode = 5
)

// IsValid reports whether r is one of the known role codes.
func (r RoleCode) IsValid() bool {
	return r >= RoleHuman && r <= RoleService
}

var roleLabels = map[RoleCode]string{
	RoleHuman:      "HUMAN",
	RoleAIAgent:    "AI_AGENT",
	RoleCollective: "COLLECTIVE",
	RoleBridge:     "BRIDGE",
	RoleService:    "SERVICE",
}

func (r RoleCode) String() string {
	if s, ok := roleLabels[r]; ok {
		return s
	}
	return fmt.Sprintf("RoleCode(%d)", uint8(r))
}

// Sentinel errors returned by Registry methods.
var (
	ErrInvalidCommitmentFormat = errors.New("identity: commitment must be 64 hex characters")
	ErrDuplicateCommitment     = errors.New("identity: commitment already registered")
	ErrInvalidRoleCode         = errors.New("identity: invalid role code")
	ErrCommitmentNotFound      = errors.New("identity: commitment not found")
	ErrEmptyCommitment         = errors.New("identity: commitment hex cannot be empty")
	ErrEmptyTopic              = errors.New("identity: topic cannot be empty")
	ErrEmptyNullifier          = errors.New("identity: nullifier hex cannot be empty")
	ErrInvalidNullifierFormat  = errors.New("identity: nullifier hex must be 64 lowercase hex characters")
)

// Topic is a registered VRP topic a pseudonym can be scoped to.
type Topic struct {
	Topic       string
	Description string
}

// RoleEntry is a registered role code/label pair.
type RoleEntry struct {
	RoleCode RoleCode
	Label    string
}

// RegistrationResult is returned by Register on success.
type RegistrationResult struct {
	IdentityID   int64
	LeafIndex    uint64
	RootHex      string
	PathElements []string
	PathIndices  []uint8
}

// Registry binds an in-memory Merkle tree to its durable Postgres-backed
// leaf/root tables. All tree-mutating operations take treeMu for the
// duration of their preview+persist+apply sequence, since PreviewInsert
// reads nextIndex and two concurrent previews must not race for the same
// leaf index.
type Registry struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	treeMu sync.Mutex
	tree   *merkle.Tree
}

// NewRegistry constructs a Registry around an already-restored tree. Callers
// load the tree via Restore (see LoadTree) before constructing the Registry.
func NewRegistry(pool *pgxpool.Pool, tree *merkle.Tree, logger *slog.Logger) *Registry {
	return &Registry{pool: pool, tree: tree, logger: logger}
}

// LoadTree rebuilds a Merkle tree of the given depth from the durable leaf
// table, in leafIndex order, and compares the recomputed root against the
// currently active stored root. A mismatch is logged; the recomputed root
// is always the one trusted going forward, per the tree's own persistence
// contract.
func LoadTree(ctx context.Context, pool *pgxpool.Pool, depth uint, logger *slog.Logger) (*merkle.Tree, error) {
	rows, err := pool.Query(ctx,
		`SELECT leaf_index, commitment_hex FROM vrp_leaves ORDER BY leaf_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("identity: loading leaves: %w", err)
	}
	defer rows.Close()

	var leaves []merkle.LeafRecord
	for rows.Next() {
		var leafIndex uint64
		var commitmentHex string
		if err := rows.Scan(&leafIndex, &commitmentHex); err != nil {
			return nil, fmt.Errorf("identity: scanning leaf row: %w", err)
		}
		leaf, err := zkcrypto.ElementFromHex(commitmentHex)
		if err != nil {
			return nil, fmt.Errorf("identity: decoding leaf %d: %w", leafIndex, err)
		}
		leaves = append(leaves, merkle.LeafRecord{LeafIndex: leafIndex, Commitment: leaf})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: reading leaf rows: %w", err)
	}

	tree, err := merkle.Restore(depth, leaves)
	if err != nil {
		return nil, fmt.Errorf("identity: restoring tree: %w", err)
	}

	var activeRootHex string
	err = pool.QueryRow(ctx,
		`SELECT root_hex FROM vrp_roots WHERE active ORDER BY created_at DESC LIMIT 1`,
	).Scan(&activeRootHex)
	switch {
	case err == nil:
		if activeRootHex != tree.RootHex() {
			logger.Warn("recomputed merkle root disagrees with stored active root; trusting recomputed root",
				slog.String("stored_root", activeRootHex),
				slog.String("recomputed_root", tree.RootHex()))
		}
	case errors.Is(err, pgx.ErrNoRows):
		// No leaves registered yet; the empty-tree zero root is correct.
	default:
		return nil, fmt.Errorf("identity: loading active root: %w", err)
	}

	return tree, nil
}

// Register validates, normalizes, and inserts a new identity commitment,
// atomically updating the Merkle tree's durable leaf/root tables and the
// in-memory tree. See internal/merkle's package doc for why ApplyUpdates
// only runs after the transaction commits.
func (r *Registry) Register(ctx context.Context, commitmentHex string, role RoleCode, nodeID int64) (*RegistrationResult, error) {
	if !zkcrypto.IsLowerHex64Insensitive(commitmentHex) {
		return nil, ErrInvalidCommitmentFormat
	}
	if !role.IsValid() {
		return nil, ErrInvalidRoleCode
	}

	// Normalize to lowercase before anything else touches this value: it
	// is later reused verbatim for nullifier derivation, which requires
	// lowercase, and normalizing first is what makes an uppercase
	// resubmission of an existing commitment collide as a duplicate
	// instead of silently registering a second leaf for the same holder.
	commitmentHex = lowerHex(commitmentHex)

	leaf, err := zkcrypto.ElementFromHex(commitmentHex)
	if err != nil {
		return nil, fmt.Errorf("identity: decoding commitment: %w", ErrInvalidCommitmentFormat)
	}

	r.treeMu.Lock()
	defer r.treeMu.Unlock()

	preview, err := r.tree.PreviewInsert(leaf)
	if err != nil {
		return nil, err
	}

	var identityID int64
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO vrp_identities (commitment_hex, role_code, node_id)
			 VALUES ($1, $2, $3) RETURNING id`,
			commitmentHex, uint8(role), nodeID,
		).Scan(&identityID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrDuplicateCommitment
			}
			return fmt.Errorf("inserting identity: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO vrp_leaves (leaf_index, commitment_hex) VALUES ($1, $2)`,
			preview.LeafIndex, commitmentHex,
		); err != nil {
			return fmt.Errorf("persisting leaf: %w", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE vrp_roots SET active = false WHERE active`); err != nil {
			return fmt.Errorf("deactivating prior root: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO vrp_roots (root_hex, active) VALUES ($1, true)`,
			zkcrypto.ElementToHex(preview.NewRoot),
		); err != nil {
			return fmt.Errorf("inserting new root: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	r.tree.ApplyUpdates(preview.LeafIndex+1, preview.Updates)

	proof, err := r.tree.GetProof(preview.LeafIndex)
	if err != nil {
		return nil, fmt.Errorf("identity: generating proof after commit: %w", err)
	}

	return &RegistrationResult{
		IdentityID:   identityID,
		LeafIndex:    preview.LeafIndex,
		RootHex:      zkcrypto.ElementToHex(preview.NewRoot),
		PathElements: hexPath(proof.PathElements),
		PathIndices:  proof.PathIndices,
	}, nil
}

// PathForCommitment looks up the leaf index assigned to a (lowercase)
// commitment and returns its current inclusion proof.
func (r *Registry) PathForCommitment(ctx context.Context, commitmentHex string) (uint64, string, []string, []uint8, error) {
	commitmentHex = lowerHex(commitmentHex)

	var leafIndex uint64
	err := r.pool.QueryRow(ctx,
		`SELECT leaf_index FROM vrp_leaves WHERE commitment_hex = $1`, commitmentHex,
	).Scan(&leafIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil, nil, ErrCommitmentNotFound
	}
	if err != nil {
		return 0, "", nil, nil, fmt.Errorf("identity: looking up commitment: %w", err)
	}

	r.treeMu.Lock()
	defer r.treeMu.Unlock()

	proof, err := r.tree.GetProof(leafIndex)
	if err != nil {
		return 0, "", nil, nil, fmt.Errorf("identity: generating proof: %w", err)
	}

	return leafIndex, r.tree.RootHex(), hexPath(proof.PathElements), proof.PathIndices, nil
}

// ActiveRootHex returns the root the in-memory tree currently holds, which
// a membership proof's public root signal is checked against.
func (r *Registry) ActiveRootHex() string {
	r.treeMu.Lock()
	defer r.treeMu.Unlock()
	return r.tree.RootHex()
}

// LeafCount returns the number of leaves the in-memory tree holds.
func (r *Registry) LeafCount() uint64 {
	r.treeMu.Lock()
	defer r.treeMu.Unlock()
	return r.tree.NextIndex()
}

// Topics returns all registered VRP topics, in creation order.
func (r *Registry) Topics(ctx context.Context) ([]Topic, error) {
	rows, err := r.pool.Query(ctx, `SELECT topic, description FROM vrp_topics ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("identity: listing topics: %w", err)
	}
	defer rows.Close()

	var topics []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.Topic, &t.Description); err != nil {
			return nil, fmt.Errorf("identity: scanning topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// Roles returns all registered role codes, ordered by code.
func (r *Registry) Roles(ctx context.Context) ([]RoleEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_code, label FROM vrp_roles ORDER BY role_code ASC`)
	if err != nil {
		return nil, fmt.Errorf("identity: listing roles: %w", err)
	}
	defer rows.Close()

	var entries []RoleEntry
	for rows.Next() {
		var code uint8
		var entry RoleEntry
		if err := rows.Scan(&code, &entry.Label); err != nil {
			return nil, fmt.Errorf("identity: scanning role: %w", err)
		}
		entry.RoleCode = RoleCode(code)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func hexPath(elements []fr.Element) []string {
	out := make([]string, len(elements))
	for i, e := range elements {
		out[i] = zkcrypto.ElementToHex(e)
	}
	return out
}

func lowerHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// DeriveNullifierHex computes nullifierHex = SHA256(commitmentHex ":" topic).
func DeriveNullifierHex(commitmentHex, topic string) (string, error) {
	if commitmentHex == "" {
		return "", ErrEmptyCommitment
	}
	if topic == "" {
		return "", ErrEmptyTopic
	}
	return sha256Hex(commitmentHex + ":" + topic), nil
}

// DerivePseudonymID computes pseudonymId = SHA256(topic ":" nullifierHex).
func DerivePseudonymID(topic, nullifierHex string) (string, error) {
	if topic == "" {
		return "", ErrEmptyTopic
	}
	if nullifierHex == "" {
		return "", ErrEmptyNullifier
	}
	if !zkcrypto.IsLowerHex64(nullifierHex) {
		return "", ErrInvalidNullifierFormat
	}
	return sha256Hex(topic + ":" + nullifierHex), nil
}

// DeriveTopicScopedPseudonym applies both formulas in sequence: the
// nullifier, then the pseudonym derived from it.
func DeriveTopicScopedPseudonym(commitmentHex, topic string) (pseudonymID, nullifierHex string, err error) {
	nullifierHex, err = DeriveNullifierHex(commitmentHex, topic)
	if err != nil {
		return "", "", err
	}
	pseudonymID, err = DerivePseudonymID(topic, nullifierHex)
	if err != nil {
		return "", "", err
	}
	return pseudonymID, nullifierHex, nil
}

func sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
