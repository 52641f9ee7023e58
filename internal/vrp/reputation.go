package vrp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reputationWindow bounds how many recent handshake outcomes feed the
// longitudinal reputation score. Anything older has decayed to irrelevance
// under the smoothing factor anyway.
const reputationWindow = 20

// reputationAlpha is the EWMA smoothing factor: the weight each newer
// outcome carries over the accumulated history.
const reputationAlpha = 0.3

// Querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// so the handshake log can be written from inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RecordOutcome persists a single handshake outcome to the handshake log.
// Every handshake is logged, including Conflict outcomes that create no
// registration row.
func RecordOutcome(ctx context.Context, q Querier, serverID int64, peerPseudonym, peerType string, report ValidationReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("vrp: serializing report: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO vrp_handshake_log
		   (server_id, peer_pseudonym, peer_type, alignment_status, transfer_scope, alignment_score, report_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		serverID, peerPseudonym, peerType,
		report.AlignmentStatus.String(), report.TransferScope.String(),
		report.AlignmentScore, string(reportJSON))
	if err != nil {
		return fmt.Errorf("vrp: recording handshake outcome: %w", err)
	}
	return nil
}

// ReputationScore computes the exponentially-weighted moving average of a
// peer's recent handshake outcome scores within the bounded window. A peer
// with no recorded history scores a neutral 0.5.
func ReputationScore(ctx context.Context, q Querier, serverID int64, peerPseudonym string) (float64, error) {
	rows, err := q.Query(ctx,
		`SELECT alignment_score FROM vrp_handshake_log
		 WHERE server_id = $1 AND peer_pseudonym = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		serverID, peerPseudonym, reputationWindow)
	if err != nil {
		return 0, fmt.Errorf("vrp: loading handshake history: %w", err)
	}
	defer rows.Close()

	var newestFirst []float64
	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err != nil {
			return 0, fmt.Errorf("vrp: scanning handshake score: %w", err)
		}
		newestFirst = append(newestFirst, score)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("vrp: reading handshake history: %w", err)
	}

	return ewma(newestFirst), nil
}

// ewma folds scores (supplied newest-first, as queried) oldest-to-newest so
// the most recent outcome carries the most weight.
func ewma(newestFirst []float64) float64 {
	if len(newestFirst) == 0 {
		return 0.5
	}
	score := newestFirst[len(newestFirst)-1]
	for i := len(newestFirst) - 2; i >= 0; i-- {
		score = reputationAlpha*newestFirst[i] + (1-reputationAlpha)*score
	}
	return score
}
