package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/singleflight"

	"github.com/wisbric/barnowl/internal/telemetry"
)

// DB is the slice of *pgxpool.Pool the provisioner needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Gate records which resources have already been ensured and collapses
// concurrent attempts into one flight. A single gate is owned by whatever
// hosts the component for the life of the process; entries are namespaced
// by a digest of the connection string, so engines pointing at different
// databases never share an entry.
type Gate struct {
	group   singleflight.Group
	ensured sync.Map
}

// NewGate returns an empty provisioning gate.
func NewGate() *Gate {
	return &Gate{}
}

// ddlTimeout bounds a single provisioning flight. The flight is shared by
// every concurrent waiter, so it runs detached from any one caller's
// context; the timeout is its only abort path.
const ddlTimeout = 30 * time.Second

// Provisioner lazily creates tenant schemas and state tables, memoizing
// success in its gate so the steady-state write path issues no DDL.
type Provisioner struct {
	db     DB
	gate   *Gate
	scope  string
	logger *slog.Logger
}

// NewProvisioner returns a provisioner for the database identified by
// connString, deduplicating its work through gate. The connection string
// is only hashed, never stored.
func NewProvisioner(db DB, gate *Gate, connString string, logger *slog.Logger) *Provisioner {
	sum := sha256.Sum256([]byte(connString))
	return &Provisioner{
		db:     db,
		gate:   gate,
		scope:  hex.EncodeToString(sum[:8]),
		logger: logger,
	}
}

// EnsureTarget makes sure the target's schema and table exist. Concurrent
// writers for the same resource share one DDL round-trip; the first to
// finish wins and later callers see the memoized result.
func (p *Provisioner) EnsureTarget(ctx context.Context, target Target) error {
	if err := p.ensure(ctx, "S:"+target.Schema, "schema", func(ctx context.Context) error {
		return p.createSchema(ctx, target.Schema)
	}); err != nil {
		return err
	}
	return p.ensure(ctx, "T:"+target.Schema+"."+target.Table, "table", func(ctx context.Context) error {
		return p.createTable(ctx, target)
	})
}

func (p *Provisioner) ensure(ctx context.Context, key, kind string, create func(context.Context) error) error {
	key = p.scope + "|" + key
	if _, ok := p.gate.ensured.Load(key); ok {
		return nil
	}

	ch := p.gate.group.DoChan(key, func() (any, error) {
		// A previous flight may have finished between the caller's
		// Load and this one starting.
		if _, ok := p.gate.ensured.Load(key); ok {
			return nil, nil
		}
		ddlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ddlTimeout)
		defer cancel()
		if err := create(ddlCtx); err != nil {
			telemetry.ProvisionsTotal.WithLabelValues(kind, "error").Inc()
			return nil, err
		}
		// Memoize only after the DDL succeeded; a failed or cancelled
		// attempt must stay retryable.
		p.gate.ensured.Store(key, struct{}{})
		telemetry.ProvisionsTotal.WithLabelValues(kind, "ok").Inc()
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		// The flight keeps running for the other waiters.
		return ctx.Err()
	}
}

func (p *Provisioner) createSchema(ctx context.Context, schema string) error {
	ddl := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize())
	if _, err := p.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating schema %q: %w", schema, err)
	}
	p.logger.Info("schema provisioned", "schema", schema)
	return nil
}

func (p *Provisioner) createTable(ctx context.Context, target Target) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    key         text        NOT NULL PRIMARY KEY,
    value       jsonb       NOT NULL,
    etag        uuid        NOT NULL,
    inserted_at timestamptz NOT NULL DEFAULT now(),
    updated_at  timestamptz,
    expires_at  timestamptz
)`, target.Qualified())
	if _, err := p.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %q.%q: %w", target.Schema, target.Table, err)
	}

	// Register the target so the TTL janitor can discover it.
	if _, err := p.db.Exec(ctx,
		`INSERT INTO pluggable_metadata.tenant (tenant_id, schema_id, table_id)
         VALUES ($1, $2, $3)
         ON CONFLICT (schema_id, table_id) DO NOTHING`,
		target.Tenant, target.Schema, target.Table,
	); err != nil {
		return fmt.Errorf("registering target %q.%q: %w", target.Schema, target.Table, err)
	}

	p.logger.Info("table provisioned",
		"schema", target.Schema,
		"table", target.Table,
		"tenant", target.Tenant,
	)
	return nil
}
