// Package registry implements the schema registry (spec §4.2): per-SCO-type
// table metadata and monotonic column evolution. Columns are only ever
// added or widened, never dropped or retyped narrower.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/raymundl/firepit/internal/fperrors"
	"github.com/raymundl/firepit/internal/sqladapter"
	"github.com/raymundl/firepit/internal/util"
)

// ColType is one of the four inferred scalar column types.
type ColType int

const (
	Integer ColType = iota
	Real
	Boolean
	String
)

func (t ColType) String() string {
	switch t {
	case Integer:
		return "INTEGER"
	case Real:
		return "REAL"
	case Boolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// Column describes one column of a type table.
type Column struct {
	Name string
	Type ColType
}

// IncompatibleTypeError is returned when a schema-evolution attempt would
// narrow or retype an existing column in an unsupported way.
type IncompatibleTypeError struct {
	Table, Column string
	From, To      ColType
}

func (e *IncompatibleTypeError) Error() string {
	return fmt.Sprintf("registry: column %s.%s cannot widen from %s to %s", e.Table, e.Column, e.From, e.To)
}

// Unwrap exposes the error as the shared *fperrors.IncompatibleType, so
// callers above the registry can match it with errors.As.
func (e *IncompatibleTypeError) Unwrap() error {
	return &fperrors.IncompatibleType{Msg: e.Error()}
}

// InferType classifies a raw shredded value the way spec §4.2 describes:
// integer, else real, else boolean literal, else string.
func InferType(v any) ColType {
	switch val := v.(type) {
	case bool:
		return Boolean
	case int, int64, int32:
		return Integer
	case float64:
		if val == float64(int64(val)) {
			return Integer
		}
		return Real
	case float32:
		return Real
	case string:
		if _, err := strconv.ParseInt(val, 10, 64); err == nil {
			return Integer
		}
		if _, err := strconv.ParseFloat(val, 64); err == nil {
			return Real
		}
		if val == "true" || val == "false" {
			return Boolean
		}
		return String
	default:
		return String
	}
}

// widen returns the narrowest type that can represent both a and b, or
// false if no compatible widening exists (spec: "integer ⊆ real; anything
// ⊆ string"; every other pair is incompatible).
func widen(a, b ColType) (ColType, bool) {
	if a == b {
		return a, true
	}
	if a == String || b == String {
		return String, true
	}
	if (a == Integer && b == Real) || (a == Real && b == Integer) {
		return Real, true
	}
	return a, false
}

// Registry tracks, per SCO type, the columns known to exist and their
// widened type, backed by a dialect-agnostic "__schema" metadata table
// rather than per-dialect catalog introspection (PRAGMA table_info vs.
// information_schema): this keeps EnsureColumns' widening logic identical
// across sqlite and postgres.
type Registry struct {
	dial    sqladapter.Dialect
	session string

	mu     sync.Mutex
	tables map[string]map[string]ColType // sco type -> column -> type, cached
}

func New(dial sqladapter.Dialect, session string) *Registry {
	return &Registry{
		dial:    dial,
		session: session,
		tables:  make(map[string]map[string]ColType),
	}
}

// TableName returns the physical, session-namespaced table name for an SCO
// type (spec §4.7: sessions partition the namespace by prefixing tables).
func (r *Registry) TableName(scoType string) string {
	return sanitize(r.session) + "__" + sanitize(scoType)
}

func sanitize(s string) string {
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(s)
}

// EnsureMeta creates the registry's own bookkeeping table if absent. Must
// run before any other Registry method within a fresh database.
func (r *Registry) EnsureMeta(ctx context.Context) error {
	q := r.dial.QuoteIdentifier
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			sco_type TEXT NOT NULL,
			col_name TEXT NOT NULL,
			col_type TEXT NOT NULL,
			PRIMARY KEY (sco_type, col_name)
		)`, q(sanitize(r.session)+"____schema"))
	_, err := r.dial.Exec(ctx, stmt)
	return err
}

func (r *Registry) metaTable() string {
	return sanitize(r.session) + "____schema"
}

// EnsureTable idempotently creates the physical table for scoType with its
// fixed "id"/"type"/"number_observed" columns.
func (r *Registry) EnsureTable(ctx context.Context, scoType string) error {
	r.mu.Lock()
	_, loaded := r.tables[scoType]
	r.mu.Unlock()
	if loaded {
		return nil
	}

	q := r.dial.QuoteIdentifier
	table := r.TableName(scoType)
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			%s TEXT PRIMARY KEY,
			%s TEXT NOT NULL,
			%s INTEGER NOT NULL DEFAULT 1
		)`, q(table), q("id"), q("type"), q("number_observed"))
	if _, err := r.dial.Exec(ctx, stmt); err != nil {
		return err
	}

	if err := r.loadColumns(ctx, scoType); err != nil {
		return err
	}
	// Seed bookkeeping for the fixed columns so KnownTypes can enumerate
	// every SCO type ever cached, even one with no extra columns yet.
	for name, typ := range map[string]ColType{"id": String, "type": String, "number_observed": Integer} {
		if err := r.recordColumn(ctx, scoType, name, typ); err != nil {
			return err
		}
	}
	return nil
}

// KnownTypes returns every SCO type with a physical table in this session,
// sorted, by reading the registry's own bookkeeping table rather than the
// dialect's catalog (keeps this dialect-agnostic).
func (r *Registry) KnownTypes(ctx context.Context) ([]string, error) {
	q := r.dial.QuoteIdentifier
	rows, err := r.dial.Query(ctx, fmt.Sprintf("SELECT DISTINCT sco_type FROM %s ORDER BY sco_type", q(r.metaTable())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Registry) loadColumns(ctx context.Context, scoType string) error {
	q := r.dial.QuoteIdentifier
	rows, err := r.dial.Query(ctx,
		fmt.Sprintf("SELECT col_name, col_type FROM %s WHERE sco_type = ?", q(r.metaTable())),
		scoType)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols := map[string]ColType{
		"id": String, "type": String, "number_observed": Integer,
	}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return err
		}
		cols[name] = parseColType(typ)
	}
	r.mu.Lock()
	r.tables[scoType] = cols
	r.mu.Unlock()
	return rows.Err()
}

func parseColType(s string) ColType {
	switch s {
	case "INTEGER":
		return Integer
	case "REAL":
		return Real
	case "BOOLEAN":
		return Boolean
	default:
		return String
	}
}

// EnsureColumns adds any missing columns and widens existing ones to
// accommodate the supplied inferred types, one statement at a time;
// columns changed before an error stay changed. Never narrows.
func (r *Registry) EnsureColumns(ctx context.Context, scoType string, want map[string]ColType) error {
	if err := r.EnsureTable(ctx, scoType); err != nil {
		return err
	}

	r.mu.Lock()
	existing := r.tables[scoType]
	r.mu.Unlock()

	table := r.TableName(scoType)
	q := r.dial.QuoteIdentifier

	for name, incoming := range util.CanonicalMapIter(want) {
		cur, ok := existing[name]
		if !ok {
			if _, err := r.dial.Exec(ctx, fmt.Sprintf(
				"ALTER TABLE %s ADD COLUMN %s %s", q(table), q(name), incoming.String())); err != nil {
				return err
			}
			if err := r.recordColumn(ctx, scoType, name, incoming); err != nil {
				return err
			}
			existing[name] = incoming
			continue
		}
		widened, ok := widen(cur, incoming)
		if !ok {
			return &IncompatibleTypeError{Table: table, Column: name, From: cur, To: incoming}
		}
		if widened != cur {
			// SQLite columns carry type *affinity*, not a strict type: a
			// REAL or TEXT value stores into an INTEGER-affinity column
			// without error, so no physical ALTER is needed there.
			// Postgres enforces column types strictly, so the column must
			// actually be retyped; existing values always parse cleanly
			// under the wider type (INTEGER::REAL, anything::TEXT).
			if r.dial.Flags().UpsertClause == "postgres" {
				stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
					q(table), q(name), widened.String(), q(name), widened.String())
				if _, err := r.dial.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			if err := r.recordColumn(ctx, scoType, name, widened); err != nil {
				return err
			}
			existing[name] = widened
		}
	}

	r.mu.Lock()
	r.tables[scoType] = existing
	r.mu.Unlock()
	return nil
}

func (r *Registry) recordColumn(ctx context.Context, scoType, name string, typ ColType) error {
	q := r.dial.QuoteIdentifier
	upsert := fmt.Sprintf(
		`INSERT INTO %s (sco_type, col_name, col_type) VALUES (?, ?, ?)
		 ON CONFLICT (sco_type, col_name) DO UPDATE SET col_type = excluded.col_type`,
		q(r.metaTable()))
	_, err := r.dial.Exec(ctx, upsert, scoType, name, typ.String())
	return err
}

// Schema returns the column list (order: id, type, number_observed, then
// the rest alphabetically) with inferred types for scoType.
func (r *Registry) Schema(ctx context.Context, scoType string) ([]Column, error) {
	if err := r.EnsureTable(ctx, scoType); err != nil {
		return nil, err
	}
	r.mu.Lock()
	cols := r.tables[scoType]
	r.mu.Unlock()

	fixed := []string{"id", "type", "number_observed"}
	var rest []string
	for name := range cols {
		skip := false
		for _, f := range fixed {
			if f == name {
				skip = true
				break
			}
		}
		if !skip {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)

	out := make([]Column, 0, len(cols))
	for _, name := range fixed {
		out = append(out, Column{Name: name, Type: cols[name]})
	}
	for _, name := range rest {
		out = append(out, Column{Name: name, Type: cols[name]})
	}
	return out, nil
}

// Columns returns just the column names for scoType, in Schema order.
func (r *Registry) Columns(ctx context.Context, scoType string) ([]string, error) {
	schema, err := r.Schema(ctx, scoType)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(schema))
	for i, c := range schema {
		names[i] = c.Name
	}
	return names, nil
}

// HasColumn reports whether scoType's table currently has the named column.
func (r *Registry) HasColumn(scoType, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cols, ok := r.tables[scoType]
	if !ok {
		return false
	}
	_, ok = cols[name]
	return ok
}
