// Package postgres implements the server dialect of the SQL adapter
// contract on top of github.com/lib/pq. It is the only dialect with native
// CIDR/inet support, so ISSUBSET/ISSUPERSET compile to the <<= and >>=
// operators here instead of the Go-side post-filter used with sqlite.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"

	"github.com/raymundl/firepit/internal/sqladapter"
)

type Dialect struct {
	db *sql.DB
}

// Open connects to a Postgres server using a "postgres://" DSN.
func Open(dsn string) (*Dialect, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &Dialect{db: db}, nil
}

func (d *Dialect) Exec(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, rewritePlaceholders(stmt), args...)
}

func (d *Dialect) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, rewritePlaceholders(stmt), args...)
}

func (d *Dialect) Begin(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

func (d *Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *Dialect) Placeholder(i int) string {
	return "$" + strconv.Itoa(i)
}

func (d *Dialect) Flags() sqladapter.Flags {
	return sqladapter.Flags{
		NativeCIDR:    true,
		RegexOperator: "~",
		UpsertClause:  "postgres",
	}
}

func (d *Dialect) DB() *sql.DB {
	return d.db
}

func (d *Dialect) Close() error {
	return d.db.Close()
}

// rewritePlaceholders turns "?" placeholders — the form the rest of the
// store builds statements with — into lib/pq's positional "$1", "$2", ...
// form. This keeps every caller above the adapter dialect-agnostic.
func rewritePlaceholders(stmt string) string {
	if !strings.Contains(stmt, "?") {
		return stmt
	}
	var b strings.Builder
	b.Grow(len(stmt) + 8)
	n := 0
	inString := false
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		if c == '\'' {
			inString = !inString
		}
		if c == '?' && !inString {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
