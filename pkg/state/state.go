// Package state implements a tenant-routed PostgreSQL key-value store with
// optimistic concurrency, transactional batching, and TTL expiry. It backs
// the pluggable state-store gRPC surface served to the sidecar.
package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Feature names advertised to the sidecar.
const (
	FeatureEtag          = "ETAG"
	FeatureTransactional = "TRANSACTIONAL"
)

// Component configuration property keys, received once via Init.
const (
	propConnectionString = "connectionString"
	propCleanupInterval  = "cleanupIntervalInSeconds"
)

// Per-operation metadata keys. Unknown keys are ignored.
const (
	metaTTL      = "ttlInSeconds"
	metaIsBinary = "isBinary"
)

var (
	// ErrConfig marks an invalid or incomplete component configuration;
	// Init fails outright on it.
	ErrConfig = errors.New("invalid component configuration")

	// ErrNotInitialized is returned when an operation arrives before a
	// successful Init.
	ErrNotInitialized = errors.New("state store is not initialized")

	// ErrNotFound marks a key with no live row in its target table.
	ErrNotFound = errors.New("key not found")

	// ErrTableMissing marks a target whose schema or table has never been
	// provisioned. Read and delete paths treat it as absence of data.
	ErrTableMissing = errors.New("target table does not exist")

	// ErrEtagMismatch is returned when a conditional operation matched
	// zero rows: the stored etag differs from the supplied one. Deletes
	// also report it for etags that cannot parse, since those can never
	// equal a stored etag.
	ErrEtagMismatch = errors.New("etag mismatch")

	// ErrEtagInvalid is returned by upserts whose etag cannot be parsed.
	// No SQL is sent in that case.
	ErrEtagInvalid = errors.New("etag invalid")

	// ErrBinaryValue rejects values flagged isBinary; the store persists
	// JSON documents only.
	ErrBinaryValue = errors.New("binary values are not supported")

	// ErrNotJSON rejects values that are not valid JSON documents.
	ErrNotJSON = errors.New("value is not a valid JSON document")

	// ErrTTLInvalid rejects unparseable ttlInSeconds metadata.
	ErrTTLInvalid = errors.New("ttlInSeconds is not a valid integer")
)

// Item is a stored value with its concurrency token.
type Item struct {
	Value []byte
	Etag  string
}

// SetOperation is one upsert inside a transactional batch.
type SetOperation struct {
	Key      string
	Value    []byte
	Etag     *string
	Metadata map[string]string
}

// DeleteOperation is one delete inside a transactional batch.
type DeleteOperation struct {
	Key      string
	Etag     *string
	Metadata map[string]string
}

// Operation is a single step of a transactional batch; exactly one of the
// fields is set.
type Operation struct {
	Set    *SetOperation
	Delete *DeleteOperation
}

// parseTTL reads ttlInSeconds from operation metadata. Absent or blank
// yields 0, meaning the row never expires.
func parseTTL(meta map[string]string) (int64, error) {
	raw, ok := meta[metaTTL]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	ttl, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrTTLInvalid, raw)
	}
	return ttl, nil
}

func isBinary(meta map[string]string) bool {
	return strings.EqualFold(meta[metaIsBinary], "true")
}
