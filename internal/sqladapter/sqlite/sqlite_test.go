package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymundl/firepit/internal/sqladapter"
)

func TestOpenAndExecQueryRoundTrip(t *testing.T) {
	d, err := Open(":memory:")
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	_, err = d.Exec(ctx, `CREATE TABLE t (id TEXT PRIMARY KEY, value TEXT)`)
	require.NoError(t, err)
	_, err = d.Exec(ctx, `INSERT INTO t (id, value) VALUES (?, ?)`, "a", "hello")
	require.NoError(t, err)

	rows, err := d.Query(ctx, `SELECT value FROM t WHERE id = ?`, "a")
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var v string
	require.NoError(t, rows.Scan(&v))
	assert.Equal(t, "hello", v)
}

func TestQuoteIdentifierEscapesDoubleQuotes(t *testing.T) {
	d, err := Open(":memory:")
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, `"weird""name"`, d.QuoteIdentifier(`weird"name`))
}

func TestFlagsAdvertiseNoNativeCIDROrRegex(t *testing.T) {
	d, err := Open(":memory:")
	require.NoError(t, err)
	defer d.Close()
	flags := d.Flags()
	assert.Equal(t, sqladapter.Flags{NativeCIDR: false, RegexOperator: "", UpsertClause: "sqlite"}, flags)
}

func TestBeginCommitsTransaction(t *testing.T) {
	d, err := Open(":memory:")
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	_, err = d.Exec(ctx, `CREATE TABLE t (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	tx, err := d.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO t (id) VALUES (?)`, "a")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	rows, err := d.Query(ctx, `SELECT COUNT(*) FROM t`)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var n int
	require.NoError(t, rows.Scan(&n))
	assert.Equal(t, 1, n)
}
