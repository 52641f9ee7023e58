package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/annex-server/annex/internal/eventlog"
	"github.com/annex-server/annex/internal/vrp"
)

// Pruner deactivates graph nodes whose last activity falls behind the
// inactivity threshold. It runs only when the threshold is positive.
type Pruner struct {
	svc       *Service
	log       *eventlog.Log
	querier   vrp.Querier
	threshold time.Duration
	logger    *slog.Logger
}

// NewPruner constructs a pruner over the given presence service.
func NewPruner(svc *Service, log *eventlog.Log, querier vrp.Querier, threshold time.Duration, logger *slog.Logger) *Pruner {
	return &Pruner{svc: svc, log: log, querier: querier, threshold: threshold, logger: logger}
}

// Interval is the cycle period: half the threshold, clamped to [1s, 60s].
func (p *Pruner) Interval() time.Duration {
	interval := p.threshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Run loops until the context is cancelled. Cycle errors are logged and the
// loop continues.
func (p *Pruner) Run(ctx context.Context) {
	if p.threshold <= 0 {
		return
	}

	p.logger.Info("presence pruner started",
		slog.Duration("threshold", p.threshold),
		slog.Duration("interval", p.Interval()))

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("presence pruner stopped")
			return
		case <-ticker.C:
			if err := p.Cycle(ctx); err != nil {
				p.logger.Error("presence prune cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Cycle deactivates every active node whose last_seen_at is older than the
// threshold, emitting a NODE_PRUNED event and a presence broadcast for each.
// A node touched since the cutoff is untouched: the cutoff comparison and
// the deactivation happen in one statement.
func (p *Pruner) Cycle(ctx context.Context) error {
	rows, err := p.svc.pool.Query(ctx,
		`UPDATE graph_nodes SET active = false
		 WHERE server_id = $1 AND active AND now() - last_seen_at > $2
		 RETURNING pseudonym_id`,
		p.svc.serverID, p.threshold)
	if err != nil {
		return fmt.Errorf("presence: pruning nodes: %w", err)
	}

	var pruned []string
	for rows.Next() {
		var pseudonymID string
		if err := rows.Scan(&pseudonymID); err != nil {
			rows.Close()
			return fmt.Errorf("presence: scanning pruned node: %w", err)
		}
		pruned = append(pruned, pseudonymID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("presence: reading pruned nodes: %w", err)
	}

	for _, pseudonymID := range pruned {
		ev := p.log.EmitLogged(ctx, p.querier, pseudonymID, eventlog.NodePruned{PseudonymID: pseudonymID})
		p.log.Broadcast(ev)
		p.svc.Broadcast(Event{Type: "node_pruned", PseudonymID: pseudonymID, Active: false})
	}

	if len(pruned) > 0 {
		p.logger.Info("pruned inactive presence nodes", slog.Int("count", len(pruned)))
	}
	return nil
}
