// Package tenant resolves the physical (schema, table) location for each
// state operation and lazily provisions those locations on first write.
package tenant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Mode selects how an operation's tenantId rewrites the routing target.
type Mode string

const (
	// ModeNone disables tenant rewriting; every operation lands on the
	// configured (schema, table).
	ModeNone Mode = ""
	// ModeSchema prefixes the schema with the tenantId.
	ModeSchema Mode = "schema"
	// ModeTable prefixes the table with the tenantId.
	ModeTable Mode = "table"
)

const (
	// DefaultSchema is used when the component configures no schema.
	DefaultSchema = "public"
	// DefaultTable is used when the component configures no table.
	DefaultTable = "state"

	// MetaTenantID is the per-operation metadata key selecting the tenant.
	MetaTenantID = "tenantId"

	// maxIdentifier is PostgreSQL's identifier length limit (NAMEDATALEN-1)
	// in bytes. Postgres silently truncates longer names, which would let
	// two distinct tenants collide on one physical table.
	maxIdentifier = 63
)

var (
	// ErrTenantRequired is returned when tenancy is configured but the
	// operation carries no tenantId.
	ErrTenantRequired = errors.New("tenantId metadata is required")

	// ErrTenantTooLong is returned when a derived identifier would exceed
	// the PostgreSQL identifier limit and be truncated.
	ErrTenantTooLong = errors.New("derived identifier exceeds 63 bytes")
)

// Config is the routing-relevant slice of the component configuration,
// parsed once at Init and immutable afterwards.
type Config struct {
	Mode   Mode
	Schema string
	Table  string
}

// ParseConfig reads the routing options from the component's Init properties.
// Unknown tenancy modes fail Init outright rather than falling back to
// shared tables.
func ParseConfig(props map[string]string) (Config, error) {
	cfg := Config{Schema: DefaultSchema, Table: DefaultTable}

	switch mode := strings.TrimSpace(props["tenant"]); mode {
	case "":
		cfg.Mode = ModeNone
	case string(ModeSchema):
		cfg.Mode = ModeSchema
	case string(ModeTable):
		cfg.Mode = ModeTable
	default:
		return Config{}, fmt.Errorf("unrecognized tenant mode %q (want %q or %q)", mode, ModeSchema, ModeTable)
	}

	if s := strings.TrimSpace(props["schema"]); s != "" {
		cfg.Schema = s
	}
	if t := strings.TrimSpace(props["table"]); t != "" {
		cfg.Table = t
	}
	return cfg, nil
}

// Target is a concrete (schema, table) location derived for one operation.
type Target struct {
	Schema string
	Table  string
	// Tenant is the logical tenant id the target was derived from,
	// empty when tenancy is disabled.
	Tenant string
}

// Qualified returns the schema-qualified, quoted relation name, safe to
// splice into SQL.
func (t Target) Qualified() string {
	return pgx.Identifier{t.Schema, t.Table}.Sanitize()
}

// Resolve derives the routing target for one operation from its metadata.
// The derivation is total: it either returns a target or a classified error.
func (c Config) Resolve(meta map[string]string) (Target, error) {
	schema, table := c.Schema, c.Table
	tenantID := meta[MetaTenantID]

	switch c.Mode {
	case ModeSchema:
		if tenantID == "" {
			return Target{}, ErrTenantRequired
		}
		schema = tenantID + "-" + schema
	case ModeTable:
		if tenantID == "" {
			return Target{}, ErrTenantRequired
		}
		table = tenantID + "-" + table
	default:
		tenantID = ""
	}

	if len(schema) > maxIdentifier || len(table) > maxIdentifier {
		return Target{}, fmt.Errorf("tenant %q: %w", tenantID, ErrTenantTooLong)
	}

	return Target{Schema: schema, Table: table, Tenant: tenantID}, nil
}
