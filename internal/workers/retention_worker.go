// Package workers runs background maintenance jobs. The retention worker
// purges messages past their channel's retention window (or the policy
// default when the channel sets none) and messages whose explicit expiry
// has passed. Failures in one cycle are logged and the loop continues.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/annex-server/annex/internal/policy"
)

// retentionInterval is how often the retention sweep runs.
const retentionInterval = 10 * time.Minute

// deleteBatchSize bounds one DELETE so a large backlog cannot hold row
// locks for the whole sweep.
const deleteBatchSize = 1000

// Manager owns the background worker goroutines.
type Manager struct {
	pool     *pgxpool.Pool
	serverID int64
	policies *policy.Store
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a worker manager.
func New(pool *pgxpool.Pool, serverID int64, policies *policy.Store, logger *slog.Logger) *Manager {
	return &Manager{pool: pool, serverID: serverID, policies: policies, logger: logger}
}

// Start launches the retention loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()

		m.logger.Info("retention worker started", slog.Duration("interval", retentionInterval))

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("retention worker stopped")
				return
			case <-ticker.C:
				if err := m.RunRetention(ctx); err != nil {
					m.logger.Error("retention sweep failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop cancels the workers and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// RunRetention executes one sweep: explicit expiries first, then
// per-channel retention windows.
func (m *Manager) RunRetention(ctx context.Context) error {
	expired, err := m.purgeExpired(ctx)
	if err != nil {
		return err
	}

	aged, err := m.purgeAged(ctx)
	if err != nil {
		return err
	}

	if expired+aged > 0 {
		m.logger.Info("retention sweep complete",
			slog.Int64("expired", expired),
			slog.Int64("aged_out", aged))
	}
	return nil
}

// purgeExpired hard-deletes messages whose expires_at has passed.
func (m *Manager) purgeExpired(ctx context.Context) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		tag, err := m.pool.Exec(ctx,
			`DELETE FROM messages WHERE id IN (
			   SELECT id FROM messages
			   WHERE server_id = $1 AND expires_at IS NOT NULL AND expires_at < now()
			   LIMIT $2)`,
			m.serverID, deleteBatchSize)
		if err != nil {
			return total, fmt.Errorf("workers: purging expired messages: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < deleteBatchSize {
			return total, nil
		}
	}
}

// purgeAged hard-deletes messages older than their channel's retention
// window; channels without one inherit the policy default. A non-positive
// effective window retains forever.
func (m *Manager) purgeAged(ctx context.Context) (int64, error) {
	pol, _ := m.policies.Get()
	defaultDays := pol.DefaultRetentionDays

	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		tag, err := m.pool.Exec(ctx,
			`DELETE FROM messages WHERE id IN (
			   SELECT msg.id FROM messages msg
			   JOIN channels c ON c.server_id = msg.server_id AND c.channel_id = msg.channel_id
			   WHERE msg.server_id = $1
			     AND COALESCE(c.retention_days, $2) > 0
			     AND msg.created_at < now() - make_interval(days => COALESCE(c.retention_days, $2))
			   LIMIT $3)`,
			m.serverID, defaultDays, deleteBatchSize)
		if err != nil {
			return total, fmt.Errorf("workers: purging aged messages: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < deleteBatchSize {
			return total, nil
		}
	}
}
