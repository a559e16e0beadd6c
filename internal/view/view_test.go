package view

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymundl/firepit/internal/catalog"
	"github.com/raymundl/firepit/internal/fperrors"
	"github.com/raymundl/firepit/internal/registry"
	"github.com/raymundl/firepit/internal/shred"
	"github.com/raymundl/firepit/internal/sqladapter/sqlite"
)

// testHarness wires a fresh in-memory session through the registry,
// catalog, shredder, and view engine the same way root store.go does,
// so these tests exercise the engine against real shredded rows rather
// than hand-inserted fixtures.
type testHarness struct {
	eng *Engine
	shr *shred.Shredder
	reg *registry.Registry
	cat *catalog.Catalog
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dial, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { dial.Close() })

	reg := registry.New(dial, "sess")
	cat := catalog.New(dial, "sess")
	ctx := context.Background()
	require.NoError(t, reg.EnsureMeta(ctx))
	require.NoError(t, cat.EnsureMeta(ctx))

	return &testHarness{
		eng: New(dial, reg, cat),
		shr: shred.New(dial, reg),
		reg: reg,
		cat: cat,
	}
}

func (h *testHarness) shredAndCache(t *testing.T, ctx context.Context, queryID string, objs ...map[string]any) {
	t.Helper()
	var bundle []any
	for _, o := range objs {
		bundle = append(bundle, o)
	}
	ids, err := h.shr.Shred(ctx, bundle)
	require.NoError(t, err)
	require.NoError(t, h.eng.Cache(ctx, queryID, ids))
}

func TestExtractMatchesAgainstIngestedQuery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1",
		map[string]any{"type": "ipv4-addr", "value": "198.51.100.1"},
		map[string]any{"type": "ipv4-addr", "value": "10.0.0.1"},
	)

	require.NoError(t, h.eng.Extract(ctx, "recent", "ipv4-addr", "q1", `[ipv4-addr:value = '198.51.100.1']`))

	n, err := h.eng.Count(ctx, "recent")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := h.eng.Lookup(ctx, "recent", 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "198.51.100.1", rows[0]["value"])
}

func TestExtractRejectsMismatchedPatternRootType(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "ipv4-addr", "value": "198.51.100.1"})

	err := h.eng.Extract(ctx, "recent", "ipv4-addr", "q1", `[domain-name:value = 'example.com']`)
	require.Error(t, err)
	var incompat *fperrors.IncompatibleType
	assert.ErrorAs(t, err, &incompat)
}

func TestFilterSameTypeNarrowsSourceView(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1",
		map[string]any{"type": "ipv4-addr", "value": "198.51.100.1"},
		map[string]any{"type": "ipv4-addr", "value": "10.0.0.1"},
	)
	require.NoError(t, h.eng.Extract(ctx, "all", "ipv4-addr", "q1", `[ipv4-addr:value != '0.0.0.0']`))

	require.NoError(t, h.eng.Filter(ctx, "narrowed", "ipv4-addr", "all", `[ipv4-addr:value = '10.0.0.1']`))
	n, err := h.eng.Count(ctx, "narrowed")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFilterCrossTypeFollowsRefColumn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{
		"type": "network-traffic",
		"src_ref": map[string]any{
			"type":  "ipv4-addr",
			"value": "10.0.0.1",
		},
	})
	require.NoError(t, h.eng.Extract(ctx, "nt", "network-traffic", "q1", `[network-traffic:src_ref.value = '10.0.0.1']`))

	require.NoError(t, h.eng.Filter(ctx, "addrs", "ipv4-addr", "nt", `[network-traffic:src_ref.value = '10.0.0.1']`))
	n, err := h.eng.Count(ctx, "addrs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	typ, err := h.eng.TableType(ctx, "addrs")
	require.NoError(t, err)
	assert.Equal(t, "ipv4-addr", typ)
}

func TestAssignSortOrdersByColumn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1",
		map[string]any{"type": "ipv4-addr", "value": "198.51.100.9"},
		map[string]any{"type": "ipv4-addr", "value": "198.51.100.1"},
	)
	require.NoError(t, h.eng.Extract(ctx, "all", "ipv4-addr", "q1", `[ipv4-addr:value != '0.0.0.0']`))
	require.NoError(t, h.eng.Assign(ctx, "sorted", "all", "sort", "value", true, 0))

	rows, err := h.eng.Lookup(ctx, "sorted", 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "198.51.100.1", rows[0]["value"])
	assert.Equal(t, "198.51.100.9", rows[1]["value"])
}

func TestAssignSortReflectsLiveSourceAfterRebuild(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "ipv4-addr", "value": "198.51.100.1"})
	require.NoError(t, h.eng.Extract(ctx, "all", "ipv4-addr", "q1", `[ipv4-addr:value != '0.0.0.0']`))
	require.NoError(t, h.eng.Assign(ctx, "sorted", "all", "sort", "value", true, 0))

	n, err := h.eng.Count(ctx, "sorted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-extract "all" with a second ingested row; "sorted" is a derived
	// view and must reflect it without being rebuilt itself.
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "ipv4-addr", "value": "198.51.100.2"})
	require.NoError(t, h.eng.Extract(ctx, "all", "ipv4-addr", "q1", `[ipv4-addr:value != '0.0.0.0']`))

	n, err = h.eng.Count(ctx, "sorted")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAssignGroupAggregatesNumberObserved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1",
		map[string]any{"type": "file", "id": "file--x", "name": "a.exe", "size": 10},
	)
	h.shredAndCache(t, ctx, "q1",
		map[string]any{"type": "file", "id": "file--x", "name": "a.exe", "size": 10},
	)
	require.NoError(t, h.eng.Extract(ctx, "all", "file", "q1", `[file:size = 10]`))
	require.NoError(t, h.eng.Assign(ctx, "grouped", "all", "group", "size", true, 0))

	rows, err := h.eng.Lookup(ctx, "grouped", 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0]["number_observed"])
}

func TestColumnsOnGroupViewMatchesWhatLookupCanProject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1",
		map[string]any{"type": "file", "id": "file--x", "name": "a.exe", "size": 10},
	)
	require.NoError(t, h.eng.Extract(ctx, "all", "file", "q1", `[file:size = 10]`))
	require.NoError(t, h.eng.Assign(ctx, "grouped", "all", "group", "size", true, 0))

	cols, err := h.eng.Columns(ctx, "grouped")
	require.NoError(t, err)
	assert.NotContains(t, cols, "id")
	assert.NotContains(t, cols, "type")

	rows, err := h.eng.Lookup(ctx, "grouped", 0, 0, cols)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	for _, c := range cols {
		_, ok := rows[0][c]
		assert.True(t, ok, "column %q reported by Columns must be selectable", c)
	}
}

func TestAssignGroupRejectsUnknownColumn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "ipv4-addr", "value": "10.0.0.1"})
	require.NoError(t, h.eng.Extract(ctx, "all", "ipv4-addr", "q1", `[ipv4-addr:value != '0.0.0.0']`))

	err := h.eng.Assign(ctx, "grouped", "all", "group", "nonexistent", true, 0)
	require.Error(t, err)
	var invalid *fperrors.InvalidAttr
	assert.ErrorAs(t, err, &invalid)
}

func TestJoinAppliesRightPrecedenceOnSharedColumns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "file", "id": "file--a", "name": "shared"})
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "file", "id": "file--b", "name": "shared"})
	require.NoError(t, h.eng.Extract(ctx, "left", "file", "q1", `[file:name = 'shared']`))
	require.NoError(t, h.eng.Extract(ctx, "right", "file", "q1", `[file:name = 'shared']`))

	require.NoError(t, h.eng.Join(ctx, "joined", "left", "name", "right", "name"))
	rows, err := h.eng.Lookup(ctx, "joined", 0, 0, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
}

func TestMergeUnionsAndDedupesAcrossSources(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1",
		map[string]any{"type": "ipv4-addr", "id": "ipv4-addr--a", "value": "10.0.0.1"},
		map[string]any{"type": "ipv4-addr", "id": "ipv4-addr--b", "value": "10.0.0.2"},
	)
	require.NoError(t, h.eng.Extract(ctx, "a", "ipv4-addr", "q1", `[ipv4-addr:value = '10.0.0.1']`))
	require.NoError(t, h.eng.Extract(ctx, "b", "ipv4-addr", "q1", `[ipv4-addr:value = '10.0.0.2']`))
	require.NoError(t, h.eng.Extract(ctx, "a-again", "ipv4-addr", "q1", `[ipv4-addr:value = '10.0.0.1']`))

	require.NoError(t, h.eng.Merge(ctx, "merged", []string{"a", "b", "a-again"}))
	n, err := h.eng.Count(ctx, "merged")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMergeRejectsMismatchedTypes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1",
		map[string]any{"type": "ipv4-addr", "value": "10.0.0.1"},
		map[string]any{"type": "domain-name", "value": "example.com"},
	)
	require.NoError(t, h.eng.Extract(ctx, "a", "ipv4-addr", "q1", `[ipv4-addr:value = '10.0.0.1']`))
	require.NoError(t, h.eng.Extract(ctx, "b", "domain-name", "q1", `[domain-name:value = 'example.com']`))

	err := h.eng.Merge(ctx, "merged", []string{"a", "b"})
	require.Error(t, err)
	var incompat *fperrors.IncompatibleType
	assert.ErrorAs(t, err, &incompat)
}

func TestMergeSnapshotsRatherThanAliasing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "ipv4-addr", "id": "ipv4-addr--a", "value": "10.0.0.1"})
	require.NoError(t, h.eng.Extract(ctx, "a", "ipv4-addr", "q1", `[ipv4-addr:value = '10.0.0.1']`))
	require.NoError(t, h.eng.Merge(ctx, "merged", []string{"a"}))

	// Rebuilding "a" to empty must not affect the already-snapshotted merge.
	require.NoError(t, h.eng.Extract(ctx, "a", "ipv4-addr", "q1", `[ipv4-addr:value = '0.0.0.0']`))
	n, err := h.eng.Count(ctx, "merged")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReassignFillsOnlyNullColumns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "file", "id": "file--a", "name": "a.exe"})

	err := h.eng.Reassign(ctx, "enriched", "file", []map[string]any{
		{"id": "file--a", "name": "should-not-overwrite", "size": 42},
	})
	require.NoError(t, err)

	rows, err := h.eng.Lookup(ctx, "enriched", 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a.exe", rows[0]["name"]) // first-non-null-wins
	assert.EqualValues(t, 42, rows[0]["size"])
}

func TestRenameMovesEntryAndMembership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "ipv4-addr", "value": "10.0.0.1"})
	require.NoError(t, h.eng.Extract(ctx, "old", "ipv4-addr", "q1", `[ipv4-addr:value = '10.0.0.1']`))

	require.NoError(t, h.eng.Rename(ctx, "old", "new"))
	_, err := h.eng.Resolve(ctx, "old")
	assert.Error(t, err)

	n, err := h.eng.Count(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRenameUnknownViewFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	err := h.eng.Rename(ctx, "does-not-exist", "new")
	require.Error(t, err)
	var unknown *fperrors.UnknownViewname
	assert.ErrorAs(t, err, &unknown)
}

func TestRemoveDropsView(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "ipv4-addr", "value": "10.0.0.1"})
	require.NoError(t, h.eng.Extract(ctx, "v", "ipv4-addr", "q1", `[ipv4-addr:value = '10.0.0.1']`))
	require.NoError(t, h.eng.Remove(ctx, "v"))

	_, err := h.eng.Resolve(ctx, "v")
	assert.Error(t, err)
}

func TestRebindingViewUnderDifferentTypeFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1",
		map[string]any{"type": "ipv4-addr", "value": "10.0.0.1"},
		map[string]any{"type": "domain-name", "value": "example.com"},
	)
	require.NoError(t, h.eng.Extract(ctx, "v", "ipv4-addr", "q1", `[ipv4-addr:value = '10.0.0.1']`))

	err := h.eng.Extract(ctx, "v", "domain-name", "q1", `[domain-name:value = 'example.com']`)
	require.Error(t, err)
	var incompat *fperrors.IncompatibleType
	assert.ErrorAs(t, err, &incompat)
}

func TestValuesProjectsDottedRefPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{
		"type": "network-traffic",
		"src_ref": map[string]any{
			"type":  "ipv4-addr",
			"value": "10.0.0.1",
		},
	})
	require.NoError(t, h.eng.Extract(ctx, "nt", "network-traffic", "q1", `[network-traffic:src_ref.value = '10.0.0.1']`))

	vals, err := h.eng.Values(ctx, "src_ref.value", "nt")
	require.NoError(t, err)
	assert.Equal(t, []any{"10.0.0.1"}, vals)
}

func TestColumnsAndSchemaOnTableView(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "ipv4-addr", "value": "10.0.0.1"})

	cols, err := h.eng.Columns(ctx, "ipv4-addr")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "type", "number_observed", "value"}, cols)
}

func TestTablesAndViewsEnumerate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "ipv4-addr", "value": "10.0.0.1"})
	require.NoError(t, h.eng.Extract(ctx, "v", "ipv4-addr", "q1", `[ipv4-addr:value = '10.0.0.1']`))

	tables, err := h.eng.Tables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "ipv4-addr")

	views, err := h.eng.Views(ctx)
	require.NoError(t, err)
	assert.Contains(t, views, "v")
}

func TestAppDataRoundTrips(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "ipv4-addr", "value": "10.0.0.1"})
	require.NoError(t, h.eng.Extract(ctx, "v", "ipv4-addr", "q1", `[ipv4-addr:value = '10.0.0.1']`))

	require.NoError(t, h.eng.SetAppData(ctx, "v", []byte("note")))
	data, err := h.eng.GetAppData(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, []byte("note"), data)
}

func TestSetAppDataOnUnknownViewFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	err := h.eng.SetAppData(ctx, "does-not-exist", []byte("x"))
	require.Error(t, err)
	var unknown *fperrors.UnknownViewname
	assert.ErrorAs(t, err, &unknown)
}

func TestDeleteDropsEverySessionTable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.shredAndCache(t, ctx, "q1", map[string]any{"type": "ipv4-addr", "value": "10.0.0.1"})
	require.NoError(t, h.eng.Delete(ctx))

	_, err := h.eng.Resolve(ctx, "ipv4-addr")
	assert.Error(t, err)
}
