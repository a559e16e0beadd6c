package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymundl/firepit/internal/sqladapter/sqlite"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dial, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { dial.Close() })
	reg := New(dial, "sess")
	require.NoError(t, reg.EnsureMeta(context.Background()))
	return reg
}

func TestInferType(t *testing.T) {
	assert.Equal(t, Boolean, InferType(true))
	assert.Equal(t, Integer, InferType(42))
	assert.Equal(t, Integer, InferType(float64(42)))
	assert.Equal(t, Real, InferType(3.5))
	assert.Equal(t, Integer, InferType("42"))
	assert.Equal(t, Real, InferType("3.5"))
	assert.Equal(t, Boolean, InferType("true"))
	assert.Equal(t, String, InferType("hello"))
}

func TestEnsureTableSeedsFixedColumns(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.EnsureTable(ctx, "ipv4-addr"))

	cols, err := reg.Columns(ctx, "ipv4-addr")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "type", "number_observed"}, cols)
}

func TestEnsureColumnsAddsAndWidens(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	require.NoError(t, reg.EnsureColumns(ctx, "ipv4-addr", map[string]ColType{"value": String}))
	cols, err := reg.Columns(ctx, "ipv4-addr")
	require.NoError(t, err)
	assert.Contains(t, cols, "value")

	// Widening integer -> real must succeed and stick.
	require.NoError(t, reg.EnsureColumns(ctx, "file", map[string]ColType{"size": Integer}))
	require.NoError(t, reg.EnsureColumns(ctx, "file", map[string]ColType{"size": Real}))
	schema, err := reg.Schema(ctx, "file")
	require.NoError(t, err)
	var sizeType ColType
	for _, c := range schema {
		if c.Name == "size" {
			sizeType = c.Type
		}
	}
	assert.Equal(t, Real, sizeType)
}

func TestEnsureColumnsRejectsIncompatibleNarrowing(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.EnsureColumns(ctx, "ipv4-addr", map[string]ColType{"value": Boolean}))
	err := reg.EnsureColumns(ctx, "ipv4-addr", map[string]ColType{"value": Integer})
	require.Error(t, err)
	var typeErr *IncompatibleTypeError
	assert.ErrorAs(t, err, &typeErr)
}

func TestEnsureColumnsWidensToString(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.EnsureColumns(ctx, "domain-name", map[string]ColType{"value": Integer}))
	require.NoError(t, reg.EnsureColumns(ctx, "domain-name", map[string]ColType{"value": String}))
	schema, err := reg.Schema(ctx, "domain-name")
	require.NoError(t, err)
	for _, c := range schema {
		if c.Name == "value" {
			assert.Equal(t, String, c.Type)
		}
	}
}

func TestSchemaOrdersFixedColumnsFirstThenAlphabetical(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.EnsureColumns(ctx, "file", map[string]ColType{
		"size": Integer, "name": String, "hashes.md5": String,
	}))
	schema, err := reg.Schema(ctx, "file")
	require.NoError(t, err)
	names := make([]string, len(schema))
	for i, c := range schema {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"id", "type", "number_observed", "hashes.md5", "name", "size"}, names)
}

func TestKnownTypesSortedAndDeduped(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.EnsureTable(ctx, "ipv4-addr"))
	require.NoError(t, reg.EnsureTable(ctx, "domain-name"))
	require.NoError(t, reg.EnsureTable(ctx, "ipv4-addr"))

	types, err := reg.KnownTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"domain-name", "ipv4-addr"}, types)
}

func TestHasColumn(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, reg.EnsureColumns(ctx, "ipv4-addr", map[string]ColType{"value": String}))
	assert.True(t, reg.HasColumn("ipv4-addr", "value"))
	assert.False(t, reg.HasColumn("ipv4-addr", "nonexistent"))
	assert.False(t, reg.HasColumn("unknown-type", "value"))
}

func TestTableNameSanitizesSessionAndType(t *testing.T) {
	reg := New(nil, "my session")
	assert.Equal(t, "my_session__ipv4_addr", reg.TableName("ipv4-addr"))
}
