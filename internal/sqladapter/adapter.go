// Package sqladapter hides SQL-dialect variation behind a narrow contract:
// execute a statement, run a transaction, quote an identifier, and report
// which optional capabilities (native CIDR operators, a regex operator, an
// upsert clause) the backend supports. Everything above this package binds
// parameters; it never inlines a value into a SQL string.
package sqladapter

import (
	"context"
	"database/sql"
)

// Flags advertises dialect-specific capabilities so callers (principally the
// pattern compiler) can choose the cheapest correct translation instead of a
// lowest-common-denominator one.
type Flags struct {
	// NativeCIDR is true when the backend has first-class CIDR/inet types
	// and subset/superset operators (Postgres). When false, the pattern
	// compiler emits no SQL test for ISSUBSET/ISSUPERSET and records a
	// post-filter that checks address and mask in Go on the fetched rows.
	NativeCIDR bool

	// RegexOperator is the dialect's infix regex-match operator, e.g. "~"
	// for Postgres. Empty means MATCHES is likewise evaluated by a Go-side
	// post-filter on the fetched rows instead of in SQL.
	RegexOperator string

	// UpsertClause names the conflict-resolution clause style: "sqlite" for
	// "ON CONFLICT(id) DO UPDATE SET ...", "postgres" for the same syntax
	// (Postgres supports the SQLite-compatible clause since 9.5). Since both
	// styles are the same text, the shredder builds one statement form for
	// both; the registry and the view engine read this value only to tell
	// the two dialects apart.
	UpsertClause string
}

// Dialect is the full SQL adapter contract. A Dialect never constructs SQL
// containing user data inline; all values are bound as parameters.
type Dialect interface {
	// Exec runs a statement that does not return rows.
	Exec(ctx context.Context, stmt string, args ...any) (sql.Result, error)

	// Query runs a statement that returns rows.
	Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error)

	// Begin starts a transaction scope; callers must Commit or Rollback the
	// returned Tx. No store operation uses it: each statement an operation
	// issues through Exec commits on its own, so a failure part-way through
	// an operation leaves the earlier statements' effects in place.
	Begin(ctx context.Context) (*sql.Tx, error)

	// QuoteIdentifier quotes a table or column name per this dialect's
	// rules (double quotes for Postgres, square-bracket-free double
	// quotes for SQLite — both accept ANSI double-quoting).
	QuoteIdentifier(name string) string

	// Placeholder returns the parameter placeholder for the i'th bound
	// argument (1-indexed), since SQLite uses "?" and Postgres uses "$n".
	Placeholder(i int) string

	// Flags reports this dialect's optional capabilities.
	Flags() Flags

	// DB returns the underlying pool for operations (e.g. table
	// introspection) that don't need dialect translation.
	DB() *sql.DB

	// Close releases the underlying connection pool.
	Close() error
}

// Target describes how to reach a backend: a bare path or "sqlite://..."
// URI selects the embedded dialect, a "postgres://..." URI selects the
// server dialect. This mirrors the two backends named in spec §4.1.
type Target struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is the driver-specific data source name / connection string.
	DSN string
}
