package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/barnowl/internal/platform"
	"github.com/wisbric/barnowl/pkg/tenant"
)

const defaultCleanupInterval = 5 * time.Second

// DB is the subset of *pgxpool.Pool the service depends on.
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// engine bundles everything Init establishes; it is swapped atomically so
// operations always see a consistent configuration.
type engine struct {
	db      DB
	store   *Store
	routing tenant.Config
	prov    *tenant.Provisioner
}

// Service implements the state-store operation surface: CRUD with optimistic
// concurrency, transactional batches, and TTL. Operations are stateless
// end-to-end; the only cross-operation state is the configuration snapshot
// and the provisioning gate, which the service owns for its whole life so
// re-initialization keeps the memo.
type Service struct {
	logger *slog.Logger
	gate   *tenant.Gate

	mu      sync.RWMutex
	eng     *engine
	janitor *Janitor
}

// NewService returns an uninitialized service. Every operation fails with
// ErrNotInitialized until Init succeeds.
func NewService(logger *slog.Logger) *Service {
	return &Service{logger: logger, gate: tenant.NewGate()}
}

// Init validates the component configuration, connects the pool, bootstraps
// the shared metadata schema, and starts the TTL janitor. Calling it again
// tears down the previous engine and builds a fresh one.
func (s *Service) Init(ctx context.Context, props map[string]string) error {
	routing, err := tenant.ParseConfig(props)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	connString := strings.TrimSpace(props[propConnectionString])
	if connString == "" {
		return fmt.Errorf("%w: missing required property %q", ErrConfig, propConnectionString)
	}

	interval, err := parseCleanupInterval(props)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	pool, err := platform.NewPostgresPool(ctx, connString)
	if err != nil {
		return err
	}

	if err := platform.RunMetadataMigrations(connString); err != nil {
		pool.Close()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()

	s.eng = &engine{
		db:      pool,
		store:   New(pool),
		routing: routing,
		prov:    tenant.NewProvisioner(pool, s.gate, connString, s.logger),
	}
	if interval > 0 {
		s.janitor = NewJanitor(pool, interval, s.logger)
		s.janitor.Start()
	}

	s.logger.Info("state store initialized",
		"tenant_mode", string(routing.Mode),
		"schema", routing.Schema,
		"table", routing.Table,
		"cleanup_interval", interval,
	)
	return nil
}

// Close stops the janitor and disposes the connection pool.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Service) closeLocked() {
	if s.janitor != nil {
		s.janitor.Stop()
		s.janitor = nil
	}
	if s.eng != nil {
		s.eng.db.Close()
		s.eng = nil
	}
}

func (s *Service) engine() (*engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.eng == nil {
		return nil, ErrNotInitialized
	}
	return s.eng, nil
}

// Features returns the capabilities advertised to the sidecar.
func (s *Service) Features() []string {
	return []string{FeatureEtag, FeatureTransactional}
}

// Ping reports whether a database round-trip succeeds.
func (s *Service) Ping(ctx context.Context) error {
	eng, err := s.engine()
	if err != nil {
		return err
	}
	if err := eng.db.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Get returns the stored item for key, or nil when the key has no live row.
// A tenant whose table was never provisioned reads as empty.
func (s *Service) Get(ctx context.Context, key string, meta map[string]string) (*Item, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	return getOne(ctx, eng, key, meta)
}

func getOne(ctx context.Context, eng *engine, key string, meta map[string]string) (*Item, error) {
	target, err := eng.routing.Resolve(meta)
	if err != nil {
		return nil, err
	}
	item, err := eng.store.Get(ctx, target, key)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTableMissing):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &item, nil
}

// Set upserts value under key, provisioning the tenant's resources on first
// write. A non-nil etag makes the write conditional.
func (s *Service) Set(ctx context.Context, key string, value []byte, etag *string, meta map[string]string) error {
	eng, err := s.engine()
	if err != nil {
		return err
	}

	op := SetOperation{Key: key, Value: value, Etag: etag, Metadata: meta}
	target, ttl, err := validateSet(eng.routing, &op)
	if err != nil {
		return err
	}
	if err := eng.prov.EnsureTarget(ctx, target); err != nil {
		return err
	}

	tx, err := eng.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := eng.store.WithTx(tx).Upsert(ctx, target, key, value, etag, ttl); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Delete removes key. A non-nil etag makes the delete conditional; deleting
// from a never-provisioned tenant is a no-op.
func (s *Service) Delete(ctx context.Context, key string, etag *string, meta map[string]string) error {
	eng, err := s.engine()
	if err != nil {
		return err
	}
	target, err := eng.routing.Resolve(meta)
	if err != nil {
		return err
	}

	tx, err := eng.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := eng.store.WithTx(tx).Delete(ctx, target, key, etag); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetOperation is one item of a bulk read.
type GetOperation struct {
	Key      string
	Metadata map[string]string
}

// BulkGetItem is the outcome of one item of a bulk read. Err carries a
// per-item failure without affecting the other items.
type BulkGetItem struct {
	Key  string
	Item *Item
	Err  error
}

// BulkGet reads every item independently; items may target different
// tenants.
func (s *Service) BulkGet(ctx context.Context, ops []GetOperation) ([]BulkGetItem, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	out := make([]BulkGetItem, 0, len(ops))
	for _, op := range ops {
		item, err := getOne(ctx, eng, op.Key, op.Metadata)
		out = append(out, BulkGetItem{Key: op.Key, Item: item, Err: err})
	}
	return out, nil
}

// BulkSet applies every upsert inside a single transaction.
func (s *Service) BulkSet(ctx context.Context, ops []SetOperation) error {
	batch := make([]Operation, len(ops))
	for i := range ops {
		batch[i] = Operation{Set: &ops[i]}
	}
	return s.Transact(ctx, batch)
}

// BulkDelete applies every delete inside a single transaction.
func (s *Service) BulkDelete(ctx context.Context, ops []DeleteOperation) error {
	batch := make([]Operation, len(ops))
	for i := range ops {
		batch[i] = Operation{Delete: &ops[i]}
	}
	return s.Transact(ctx, batch)
}

// Transact applies a heterogeneous batch of sets and deletes atomically.
// Each operation carries its own metadata, so one batch may span tenants.
// The first failure rolls back the whole batch.
func (s *Service) Transact(ctx context.Context, ops []Operation) error {
	eng, err := s.engine()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	type step struct {
		target tenant.Target
		set    *SetOperation
		ttl    int64
		del    *DeleteOperation
	}

	// Resolve and validate everything before touching the database.
	steps := make([]step, 0, len(ops))
	for i, op := range ops {
		switch {
		case op.Set != nil && op.Delete == nil:
			target, ttl, err := validateSet(eng.routing, op.Set)
			if err != nil {
				return fmt.Errorf("operation %d: %w", i, err)
			}
			steps = append(steps, step{target: target, set: op.Set, ttl: ttl})
		case op.Delete != nil && op.Set == nil:
			target, err := eng.routing.Resolve(op.Delete.Metadata)
			if err != nil {
				return fmt.Errorf("operation %d: %w", i, err)
			}
			steps = append(steps, step{target: target, del: op.Delete})
		default:
			return fmt.Errorf("operation %d: exactly one of set or delete must be set", i)
		}
	}

	// Provisioning runs outside the transaction: a DDL failure inside
	// would poison it, and the memo must never record a rolled-back
	// resource as done.
	for _, st := range steps {
		if st.set != nil {
			if err := eng.prov.EnsureTarget(ctx, st.target); err != nil {
				return err
			}
		}
	}

	tx, err := eng.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	txStore := eng.store.WithTx(tx)
	for i, st := range steps {
		var err error
		if st.set != nil {
			err = txStore.Upsert(ctx, st.target, st.set.Key, st.set.Value, st.set.Etag, st.ttl)
		} else {
			err = txStore.Delete(ctx, st.target, st.del.Key, st.del.Etag)
		}
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// validateSet checks the payload and resolves the routing target for one
// upsert.
func validateSet(routing tenant.Config, op *SetOperation) (tenant.Target, int64, error) {
	if isBinary(op.Metadata) {
		return tenant.Target{}, 0, fmt.Errorf("key %q: %w", op.Key, ErrBinaryValue)
	}
	if !json.Valid(op.Value) {
		return tenant.Target{}, 0, fmt.Errorf("key %q: %w", op.Key, ErrNotJSON)
	}
	ttl, err := parseTTL(op.Metadata)
	if err != nil {
		return tenant.Target{}, 0, fmt.Errorf("key %q: %w", op.Key, err)
	}
	target, err := routing.Resolve(op.Metadata)
	if err != nil {
		return tenant.Target{}, 0, err
	}
	return target, ttl, nil
}

func parseCleanupInterval(props map[string]string) (time.Duration, error) {
	raw := strings.TrimSpace(props[propCleanupInterval])
	if raw == "" {
		return defaultCleanupInterval, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", propCleanupInterval, err)
	}
	if secs <= 0 {
		// Zero or negative disables the janitor.
		return 0, nil
	}
	return time.Duration(secs) * time.Second, nil
}
