// Package presence tracks the presence graph: one node per verified
// pseudonym, touched on activity and deactivated by the background pruner
// after a configurable inactivity window. Node state changes are broadcast
// through NATS to every process that subscribes to them; the WebSocket
// gateway does not subscribe.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/annex-server/annex/internal/models"
)

// Subject is the NATS subject presence updates are published on.
const Subject = "annex.presence.update"

// touchInterval caps per-connection activity writes to one per window;
// WebSocket traffic between writes is coalesced into a single trailing
// update.
const touchInterval = 30 * time.Second

// Event is a presence broadcast frame.
type Event struct {
	Type        string `json:"type"`
	PseudonymID string `json:"pseudonym_id"`
	NodeType    string `json:"node_type,omitempty"`
	Active      bool   `json:"active"`
}

// Service owns the graph_nodes table and the per-connection activity
// debouncers.
type Service struct {
	pool     *pgxpool.Pool
	serverID int64
	conn     *nats.Conn
	logger   *slog.Logger

	trackers *xsync.MapOf[string, *ActivityTracker]
}

// NewService constructs a presence service. conn may be nil in tests; the
// broadcast is then skipped.
func NewService(pool *pgxpool.Pool, serverID int64, conn *nats.Conn, logger *slog.Logger) *Service {
	return &Service{
		pool:     pool,
		serverID: serverID,
		conn:     conn,
		logger:   logger,
		trackers: xsync.NewMapOf[string, *ActivityTracker](),
	}
}

// EnsureNode creates or reactivates the graph node for a pseudonym,
// reporting whether a new node row was inserted.
func (s *Service) EnsureNode(ctx context.Context, pseudonymID string, nodeType models.NodeType) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO graph_nodes (server_id, pseudonym_id, node_type, active, last_seen_at)
		 VALUES ($1, $2, $3, true, now())
		 ON CONFLICT (server_id, pseudonym_id) DO UPDATE SET
		   active = true,
		   last_seen_at = now()
		 RETURNING (xmax = 0)`,
		s.serverID, pseudonymID, string(nodeType),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("presence: ensuring graph node: %w", err)
	}
	return inserted, nil
}

// TouchNow writes last_seen_at immediately, reactivating the node if the
// pruner had deactivated it. Reports whether the node flipped from inactive
// back to active.
func (s *Service) TouchNow(ctx context.Context, pseudonymID string) (bool, error) {
	// RETURNING sees the updated row, so the pre-update active flag is
	// captured through a locked self-select.
	var wasInactive bool
	err := s.pool.QueryRow(ctx,
		`UPDATE graph_nodes g SET last_seen_at = now(), active = true
		 FROM (SELECT active AS was_active FROM graph_nodes
		       WHERE server_id = $1 AND pseudonym_id = $2 FOR UPDATE) old
		 WHERE g.server_id = $1 AND g.pseudonym_id = $2
		 RETURNING NOT old.was_active`,
		s.serverID, pseudonymID,
	).Scan(&wasInactive)
	if errors.Is(err, pgx.ErrNoRows) {
		// The node may simply not exist yet; nothing to touch.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: touching node: %w", err)
	}
	return wasInactive, nil
}

// ActiveNodes returns all currently-active graph nodes.
func (s *Service) ActiveNodes(ctx context.Context) ([]models.GraphNode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, server_id, pseudonym_id, node_type, active, last_seen_at, created_at
		 FROM graph_nodes WHERE server_id = $1 AND active
		 ORDER BY last_seen_at DESC`,
		s.serverID)
	if err != nil {
		return nil, fmt.Errorf("presence: listing active nodes: %w", err)
	}
	defer rows.Close()

	var out []models.GraphNode
	for rows.Next() {
		var n models.GraphNode
		if err := rows.Scan(&n.ID, &n.ServerID, &n.PseudonymID, &n.NodeType,
			&n.Active, &n.LastSeenAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("presence: scanning node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Broadcast publishes a presence event to NATS. Failures are logged, never
// propagated: presence fanout is advisory.
func (s *Service) Broadcast(ev Event) {
	if s.conn == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("presence broadcast marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := s.conn.Publish(Subject, data); err != nil {
		s.logger.Warn("presence broadcast publish failed", slog.String("error", err.Error()))
	}
}

// Subscribe delivers presence events to handler until the subscription is
// unsubscribed. The WebSocket gateway does not call it, so presence events
// are not forwarded to connected clients.
func (s *Service) Subscribe(handler func(Event)) (*nats.Subscription, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("presence: no broadcast connection")
	}
	sub, err := s.conn.Subscribe(Subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.logger.Error("failed to unmarshal presence event", slog.String("error", err.Error()))
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("presence: subscribing to %s: %w", Subject, err)
	}
	return sub, nil
}

// ActivityTracker coalesces one connection's activity into at most one
// database write per touch interval: the first touch writes through, later
// touches inside the window collapse into a single trailing write. The
// mutex covers lastWrite, which the debounce timer goroutine also updates.
type ActivityTracker struct {
	svc         *Service
	pseudonymID string
	debounced   func(func())

	mu        sync.Mutex
	lastWrite time.Time
}

// Tracker returns the activity tracker for a pseudonym's connection,
// creating it on first use.
func (s *Service) Tracker(pseudonymID string) *ActivityTracker {
	t, _ := s.trackers.LoadOrCompute(pseudonymID, func() *ActivityTracker {
		return &ActivityTracker{
			svc:         s,
			pseudonymID: pseudonymID,
			debounced:   debounce.New(touchInterval),
		}
	})
	return t
}

// DropTracker discards a connection's tracker on disconnect.
func (s *Service) DropTracker(pseudonymID string) {
	s.trackers.Delete(pseudonymID)
}

// Touch records activity.
func (t *ActivityTracker) Touch() {
	t.mu.Lock()
	due := time.Since(t.lastWrite) >= touchInterval
	if due {
		t.lastWrite = time.Now()
	}
	t.mu.Unlock()

	if due {
		t.write()
		return
	}
	t.debounced(func() {
		t.mu.Lock()
		t.lastWrite = time.Now()
		t.mu.Unlock()
		t.write()
	})
}

func (t *ActivityTracker) write() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reactivated, err := t.svc.TouchNow(ctx, t.pseudonymID)
	if err != nil {
		t.svc.logger.Warn("activity touch failed",
			slog.String("pseudonym", t.pseudonymID),
			slog.String("error", err.Error()))
		return
	}
	if reactivated {
		t.svc.Broadcast(Event{Type: "node_updated", PseudonymID: t.pseudonymID, Active: true})
	}
}
