package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/barnowl/internal/telemetry"
	"github.com/wisbric/barnowl/pkg/tenant"
)

// JanitorDB is the subset of *pgxpool.Pool the janitor needs.
type JanitorDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Janitor deletes expired rows in the background, sweeping one registered
// target per tick, least recently swept first. FOR UPDATE SKIP LOCKED on the
// registry row keeps multiple component instances from sweeping the same
// target at once.
type Janitor struct {
	db       JanitorDB
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor creates a janitor. Call Start to begin sweeping.
func NewJanitor(db JanitorDB, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{db: db, interval: interval, logger: logger}
}

// Start launches the sweep loop. The timer is single-shot and re-armed only
// after a sweep finishes, so sweeps never overlap.
func (j *Janitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.run(ctx)
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	j.wg.Wait()
}

func (j *Janitor) run(ctx context.Context) {
	timer := time.NewTimer(j.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			start := time.Now()
			if err := j.sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				telemetry.JanitorSweepsTotal.WithLabelValues("error").Inc()
				j.logger.Error("janitor sweep failed", "error", err)
			}
			telemetry.JanitorSweepDuration.Observe(time.Since(start).Seconds())
			timer.Reset(j.interval)
		}
	}
}

// sweep picks the least recently swept registered target, deletes its
// expired rows, and records the sweep time. An empty registry is a no-op.
func (j *Janitor) sweep(ctx context.Context) error {
	tx, err := j.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning sweep transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tenantID, schema, table string
	err = tx.QueryRow(ctx, `SELECT tenant_id, schema_id, table_id
FROM pluggable_metadata.tenant
ORDER BY last_expired_at ASC NULLS FIRST
LIMIT 1
FOR UPDATE SKIP LOCKED`).Scan(&tenantID, &schema, &table)
	if errors.Is(err, pgx.ErrNoRows) {
		telemetry.JanitorSweepsTotal.WithLabelValues("idle").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("selecting sweep target: %w", err)
	}

	target := tenant.Target{Schema: schema, Table: table, Tenant: tenantID}
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at < now()`,
		target.Qualified(),
	))
	if err != nil {
		if isTableMissing(err) {
			// The table was dropped out from under the registry. The
			// failed DELETE aborted the transaction, so prune outside it.
			_ = tx.Rollback(ctx)
			if _, perr := j.db.Exec(ctx,
				`DELETE FROM pluggable_metadata.tenant WHERE schema_id = $1 AND table_id = $2`,
				schema, table,
			); perr != nil {
				return fmt.Errorf("pruning stale registry row for %s: %w", target.Qualified(), perr)
			}
			telemetry.JanitorSweepsTotal.WithLabelValues("pruned").Inc()
			j.logger.Info("janitor pruned stale registry row", "schema", schema, "table", table)
			return nil
		}
		return fmt.Errorf("deleting expired rows from %s: %w", target.Qualified(), err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE pluggable_metadata.tenant SET last_expired_at = now() WHERE schema_id = $1 AND table_id = $2`,
		schema, table,
	); err != nil {
		return fmt.Errorf("recording sweep of %s: %w", target.Qualified(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing sweep: %w", err)
	}

	telemetry.JanitorSweepsTotal.WithLabelValues("ok").Inc()
	if n := tag.RowsAffected(); n > 0 {
		telemetry.JanitorRowsDeleted.Add(float64(n))
		j.logger.Info("janitor deleted expired rows",
			"schema", schema,
			"table", table,
			"rows", n,
		)
	}
	return nil
}
