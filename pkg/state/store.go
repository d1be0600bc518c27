package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/barnowl/pkg/tenant"
)

// DBTX is the subset of pgx the adapter runs on: a pool, a single
// connection, or a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store executes primitive state operations against routing targets.
// Schema and table names are always double-quoted identifiers produced by
// the routing helper; every value travels as a bound parameter.
type Store struct {
	db DBTX
}

// New returns a Store running on db.
func New(db DBTX) *Store {
	return &Store{db: db}
}

// WithTx returns a Store running on tx.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx}
}

// Get returns the live row for key, or ErrNotFound. Rows past their expiry
// are invisible even before the janitor reaps them. A target whose table or
// schema does not exist yields ErrTableMissing.
func (s *Store) Get(ctx context.Context, target tenant.Target, key string) (Item, error) {
	q := fmt.Sprintf(
		`SELECT value, etag FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		target.Qualified(),
	)

	var (
		value []byte
		etag  uuid.UUID
	)
	err := s.db.QueryRow(ctx, q, key).Scan(&value, &etag)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Item{}, ErrNotFound
	case isTableMissing(err):
		return Item{}, fmt.Errorf("%w: %s", ErrTableMissing, target.Qualified())
	case err != nil:
		return Item{}, fmt.Errorf("getting %q from %s: %w", key, target.Qualified(), err)
	}
	return Item{Value: value, Etag: etag.String()}, nil
}

// Upsert writes value under key. Without an etag it is insert-or-update;
// with one it is a conditional update that fails with ErrEtagMismatch when
// the stored etag differs. Every successful write stores a fresh etag.
// When ttlSeconds > 0 the row expires that many seconds from the database's
// clock; otherwise any existing expiry is cleared.
func (s *Store) Upsert(ctx context.Context, target tenant.Target, key string, value []byte, etag *string, ttlSeconds int64) error {
	next := uuid.New()
	hasTTL := ttlSeconds > 0
	secs := float64(ttlSeconds)

	if etag == nil {
		q := fmt.Sprintf(`INSERT INTO %s (key, value, etag, expires_at)
VALUES ($1, $2, $3, CASE WHEN $4 THEN now() + make_interval(secs => $5) ELSE NULL END)
ON CONFLICT (key) DO UPDATE SET
    value      = excluded.value,
    etag       = excluded.etag,
    updated_at = now(),
    expires_at = excluded.expires_at`,
			target.Qualified(),
		)
		if _, err := s.db.Exec(ctx, q, key, value, next, hasTTL, secs); err != nil {
			return fmt.Errorf("upserting %q into %s: %w", key, target.Qualified(), err)
		}
		return nil
	}

	prev, err := uuid.Parse(*etag)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrEtagInvalid, *etag)
	}

	q := fmt.Sprintf(`UPDATE %s SET
    value      = $2,
    etag       = $3,
    updated_at = now(),
    expires_at = CASE WHEN $5 THEN now() + make_interval(secs => $6) ELSE NULL END
WHERE key = $1 AND etag = $4`,
		target.Qualified(),
	)
	tag, err := s.db.Exec(ctx, q, key, value, next, prev, hasTTL, secs)
	if err != nil {
		return fmt.Errorf("updating %q in %s: %w", key, target.Qualified(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: key %q", ErrEtagMismatch, key)
	}
	return nil
}

// Delete removes the row for key. Without an etag it is unconditional and
// idempotent; with one it fails with ErrEtagMismatch unless the stored etag
// matches — an etag that does not even parse can never match, so it is a
// mismatch without a round-trip. The target is bound as a regclass through
// a helper function, so a target that was never provisioned is a no-op (or
// a mismatch when an etag was supplied) rather than an error.
func (s *Store) Delete(ctx context.Context, target tenant.Target, key string, etag *string) error {
	var (
		q    string
		args []any
	)
	if etag == nil {
		q = `SELECT pluggable_metadata.delete_key_v1(r.t, $2)
FROM (SELECT to_regclass($1) AS t) r
WHERE r.t IS NOT NULL`
		args = []any{target.Qualified(), key}
	} else {
		prev, err := uuid.Parse(*etag)
		if err != nil {
			return fmt.Errorf("%w: key %q", ErrEtagMismatch, key)
		}
		q = `SELECT pluggable_metadata.delete_key_with_etag_v1(r.t, $2, $3)
FROM (SELECT to_regclass($1) AS t) r
WHERE r.t IS NOT NULL`
		args = []any{target.Qualified(), key, prev}
	}

	var deleted bool
	err := s.db.QueryRow(ctx, q, args...).Scan(&deleted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// to_regclass found no such table.
		deleted = false
	case err != nil:
		return fmt.Errorf("deleting %q from %s: %w", key, target.Qualified(), err)
	}

	if !deleted && etag != nil {
		return fmt.Errorf("%w: key %q", ErrEtagMismatch, key)
	}
	return nil
}

func isTableMissing(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UndefinedTable || pgErr.Code == pgerrcode.InvalidSchemaName
	}
	return false
}
