// Package sqlite implements the embedded, single-file dialect of the SQL
// adapter contract on top of modernc.org/sqlite (a pure-Go driver, so the
// embedded store never requires cgo).
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/raymundl/firepit/internal/sqladapter"
)

type Dialect struct {
	db *sql.DB
}

// Open opens (creating if necessary) a single-file SQLite database at dsn.
// dsn may be ":memory:" for an ephemeral, process-local store.
func Open(dsn string) (*Dialect, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer per session (spec §5): a single connection avoids
	// SQLITE_BUSY from concurrent writers within this process.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, err
	}
	return &Dialect{db: db}, nil
}

func (d *Dialect) Exec(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, stmt, args...)
}

func (d *Dialect) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, stmt, args...)
}

func (d *Dialect) Begin(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

func (d *Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *Dialect) Placeholder(i int) string {
	return "?"
}

// Flags reports no native CIDR type and no regex operator: the pattern
// compiler (internal/pattern) falls back to Go-side post-filtering for
// MATCHES and ISSUBSET/ISSUPERSET against this dialect rather than
// registering custom SQL scalar functions.
func (d *Dialect) Flags() sqladapter.Flags {
	return sqladapter.Flags{
		NativeCIDR:    false,
		RegexOperator: "",
		UpsertClause:  "sqlite",
	}
}

func (d *Dialect) DB() *sql.DB {
	return d.db
}

func (d *Dialect) Close() error {
	return d.db.Close()
}
