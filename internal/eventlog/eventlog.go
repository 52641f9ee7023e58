package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/annex-server/annex/internal/models"
	"github.com/annex-server/annex/internal/vrp"
)

const (
	uniqueViolation  = "23505"
	seqInsertRetries = 16
)

// Log writes and queries the public event log. Writes go through Emit inside
// the caller's transaction so the sequence number is assigned atomically
// with the row insert; broadcast to live subscribers happens after commit
// via the Fanout.
type Log struct {
	serverID int64
	fanout   *Fanout
	logger   *slog.Logger
}

// New constructs a Log. The fanout may be nil in tests that only exercise
// persistence.
func New(serverID int64, fanout *Fanout, logger *slog.Logger) *Log {
	return &Log{serverID: serverID, fanout: fanout, logger: logger}
}

// Emit inserts one event row, assigning seq in the same statement. The
// subquery computes COALESCE(MAX(seq),0)+1 within the INSERT itself,
// narrowing the read-modify-write window where two concurrent writers
// could observe the same MAX(seq) and collide; a collision that still
// happens is retried below.
func (l *Log) Emit(ctx context.Context, q vrp.Querier, entityID string, p Payload) (models.PublicEvent, error) {
	payloadJSON, err := marshalPayload(p)
	if err != nil {
		return models.PublicEvent{}, err
	}

	ev := models.PublicEvent{
		ServerID:    l.serverID,
		Domain:      string(p.Domain()),
		EventType:   p.EventType(),
		EntityType:  p.EntityType(),
		EntityID:    entityID,
		PayloadJSON: payloadJSON,
	}

	// Two concurrent writers can still observe the same MAX(seq); the
	// (server_id, seq) unique constraint turns the loser into a retry
	// rather than a duplicate sequence number. Each attempt runs in its
	// own sub-transaction: when q is already an open pgx.Tx, a failed
	// insert would otherwise abort the caller's whole transaction and
	// every retry after the first would see SQLSTATE 25P02 instead of the
	// unique violation. Begin on a transaction opens a savepoint, so the
	// loser rolls back only its own attempt.
	for attempt := 0; ; attempt++ {
		err = l.tryInsert(ctx, q, &ev, entityID, payloadJSON)
		if err == nil {
			return ev, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && attempt < seqInsertRetries {
			continue
		}
		return models.PublicEvent{}, fmt.Errorf("eventlog: inserting event: %w", err)
	}
}

// txBeginner covers *pgxpool.Pool and pgx.Tx; on a pool Begin opens a real
// transaction, on a transaction it opens a savepoint.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// tryInsert performs one seq-assigning insert attempt inside its own
// savepoint-or-transaction when q supports Begin, so a constraint failure
// is contained to the attempt.
func (l *Log) tryInsert(ctx context.Context, q vrp.Querier, ev *models.PublicEvent, entityID, payloadJSON string) error {
	const insertSQL = `INSERT INTO public_event_log
	   (server_id, domain, event_type, entity_type, entity_id, seq, payload_json, occurred_at)
	 VALUES (
	   $1, $2, $3, $4, $5,
	   (SELECT COALESCE(MAX(seq), 0) + 1 FROM public_event_log WHERE server_id = $1),
	   $6, now()
	 )
	 RETURNING id, seq, occurred_at`

	beginner, ok := q.(txBeginner)
	if !ok {
		return q.QueryRow(ctx, insertSQL,
			l.serverID, ev.Domain, ev.EventType, ev.EntityType, entityID, payloadJSON,
		).Scan(&ev.ID, &ev.Seq, &ev.OccurredAt)
	}

	sp, err := beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer sp.Rollback(ctx)

	if err := sp.QueryRow(ctx, insertSQL,
		l.serverID, ev.Domain, ev.EventType, ev.EntityType, entityID, payloadJSON,
	).Scan(&ev.ID, &ev.Seq, &ev.OccurredAt); err != nil {
		return err
	}
	return sp.Commit(ctx)
}

// Broadcast fans committed events out to live stream subscribers. Call only
// after the transaction that emitted them has committed.
func (l *Log) Broadcast(events ...models.PublicEvent) {
	if l.fanout == nil {
		return
	}
	for _, ev := range events {
		if ev.EventType == "" {
			// Zero event from a failed EmitLogged; nothing committed.
			continue
		}
		if err := l.fanout.Publish(ev); err != nil {
			l.logger.Warn("event fanout publish failed",
				slog.String("event_type", ev.EventType),
				slog.Int64("seq", ev.Seq),
				slog.String("error", err.Error()))
		}
	}
}

// EmitLogged is Emit for call sites where a failed event write must not fail
// the surrounding operation; the error is logged and swallowed, and the
// zero event is returned.
func (l *Log) EmitLogged(ctx context.Context, q vrp.Querier, entityID string, p Payload) models.PublicEvent {
	ev, err := l.Emit(ctx, q, entityID, p)
	if err != nil {
		l.logger.Warn("failed to emit public event",
			slog.String("event_type", p.EventType()),
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()))
	}
	return ev
}

// Filter narrows a Query. Zero values mean no constraint; Limit is clamped
// to [1, 1000] with a default of 100.
type Filter struct {
	Domain     string
	EventType  string
	EntityType string
	EntityID   string
	Since      *time.Time
	Limit      int
}

// Query returns matching events in ascending seq order. WHERE clauses and
// bind parameters are assembled together so nothing is interpolated.
func (l *Log) Query(ctx context.Context, q vrp.Querier, filter Filter) ([]models.PublicEvent, error) {
	clauses := []string{"server_id = $1"}
	args := []any{l.serverID}

	addClause := func(expr string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}

	if filter.Domain != "" {
		domain, err := ParseDomain(filter.Domain)
		if err != nil {
			return nil, err
		}
		addClause("domain = $%d", string(domain))
	}
	if filter.EventType != "" {
		addClause("event_type = $%d", filter.EventType)
	}
	if filter.EntityType != "" {
		addClause("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		addClause("entity_id = $%d", filter.EntityID)
	}
	if filter.Since != nil {
		addClause("occurred_at >= $%d", *filter.Since)
	}

	limit := filter.Limit
	if limit == 0 {
		limit = 100
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	sql := fmt.Sprintf(
		`SELECT id, server_id, domain, event_type, entity_type, entity_id, seq, payload_json, occurred_at
		 FROM public_event_log
		 WHERE %s
		 ORDER BY seq ASC
		 LIMIT $%d`,
		strings.Join(clauses, " AND "), len(args))

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: querying events: %w", err)
	}
	defer rows.Close()

	var events []models.PublicEvent
	for rows.Next() {
		var ev models.PublicEvent
		if err := rows.Scan(&ev.ID, &ev.ServerID, &ev.Domain, &ev.EventType,
			&ev.EntityType, &ev.EntityID, &ev.Seq, &ev.PayloadJSON, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("eventlog: scanning event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
