package view

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/raymundl/firepit/internal/catalog"
	"github.com/raymundl/firepit/internal/fperrors"
	"github.com/raymundl/firepit/internal/pattern"
	"github.com/raymundl/firepit/internal/registry"
)

// Cache records a batch of already-shredded ids under query_id's ingest
// ledger (the __queries table), which Extract reads as its candidate set;
// query_id does not become a catalog view. The shredder (internal/shred)
// does the actual bundle decoding and upsert; this is the bookkeeping step
// the view engine owns.
func (e *Engine) Cache(ctx context.Context, queryID string, ids []string) error {
	return e.cat.RecordQuery(ctx, queryID, ids)
}

// LoadIDs records ids — already shredded and upserted by internal/shred's
// Load — as name's membership under scoType, and, when queryID is
// non-empty, also under queryID's ingest ledger (spec §4.3 "load").
func (e *Engine) LoadIDs(ctx context.Context, name, scoType, queryID string, ids []string) error {
	if err := e.checkRebind(ctx, name, scoType); err != nil {
		return err
	}
	if err := e.commitMembership(ctx, name, scoType, ids); err != nil {
		return err
	}
	if queryID != "" {
		return e.cat.RecordQuery(ctx, queryID, ids)
	}
	return nil
}

// Extract creates or replaces view name: scoType rows from query_id's
// ingested set that satisfy pattern. pattern's root type must equal
// scoType (spec §4.5).
func (e *Engine) Extract(ctx context.Context, name, scoType, queryID, patternStr string) error {
	pat, err := pattern.Parse(patternStr)
	if err != nil {
		return err
	}
	if root := pat.RootType(); root != "" && root != scoType {
		return &fperrors.IncompatibleType{Msg: fmt.Sprintf(
			"extract: pattern root type %q does not match requested type %q", root, scoType)}
	}
	if err := e.checkRebind(ctx, name, scoType); err != nil {
		return err
	}
	if err := e.reg.EnsureTable(ctx, scoType); err != nil {
		return err
	}

	resolver := pattern.NewRegistryResolver(e.reg, e.dial)
	compiled, err := pattern.Compile(ctx, pat, "t", resolver, e.dial.Flags())
	if err != nil {
		return err
	}

	q := e.dial.QuoteIdentifier
	table := e.reg.TableName(scoType)
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT DISTINCT t.*%s FROM %s t JOIN (SELECT sco_id FROM %s WHERE query_id = ?) q ON t.id = q.sco_id",
		postSelectExtras(q, compiled.PostFilter), q(table), q(e.cat.QueriesName()))
	for _, j := range compiled.Joins {
		fmt.Fprintf(&b, " LEFT JOIN %s %s ON %s.id = %s", q(j.Table), j.Alias, j.Alias, j.OnColumn)
	}
	if compiled.Where != "" {
		fmt.Fprintf(&b, " WHERE %s", compiled.Where)
	}

	args := append([]any{queryID}, compiled.Args...)
	ids, err := e.fetchMatchingIDs(ctx, b.String(), args, compiled.PostFilter)
	if err != nil {
		return err
	}
	return e.commitMembership(ctx, name, scoType, ids)
}

// Filter is like Extract, except the candidate set comes from another
// view rather than the query ledger, and the pattern's root type need not
// equal scoType: when it differs, matching source rows are followed
// through their *_ref columns to the requested type (spec §4.5's
// ipv4-addr-via-network-traffic example). The engine always dedupes the
// resulting id set (SPEC_FULL.md's canonical resolution for the
// double-counting Open Question), since more than one ref column on the
// same row can target the requested type.
func (e *Engine) Filter(ctx context.Context, name, scoType, source, patternStr string) error {
	src, err := e.Resolve(ctx, source)
	if err != nil {
		return err
	}
	pat, err := pattern.Parse(patternStr)
	if err != nil {
		return err
	}
	rootType := pat.RootType()
	if rootType == "" {
		rootType = src.Type
	}

	resolver := pattern.NewRegistryResolver(e.reg, e.dial)
	compiled, err := pattern.Compile(ctx, pat, "t", resolver, e.dial.Flags())
	if err != nil {
		return err
	}

	q := e.dial.QuoteIdentifier
	var whereClause string
	if compiled.Where != "" {
		whereClause = " WHERE " + compiled.Where
	}
	var joinClause strings.Builder
	for _, j := range compiled.Joins {
		fmt.Fprintf(&joinClause, " LEFT JOIN %s %s ON %s.id = %s", q(j.Table), j.Alias, j.Alias, j.OnColumn)
	}

	if err := e.checkRebind(ctx, name, scoType); err != nil {
		return err
	}

	if scoType == rootType {
		sql := fmt.Sprintf("SELECT DISTINCT t.*%s FROM (%s) t%s%s",
			postSelectExtras(q, compiled.PostFilter), src.SQL, joinClause.String(), whereClause)
		args := append(append([]any{}, src.Args...), compiled.Args...)
		ids, err := e.fetchMatchingIDs(ctx, sql, args, compiled.PostFilter)
		if err != nil {
			return err
		}
		return e.commitMembership(ctx, name, scoType, ids)
	}

	// Cross-type: find every *_ref column on rootType whose sampled target
	// equals scoType, union the referenced ids across all of them.
	cols, err := e.reg.Columns(ctx, rootType)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, col := range cols {
		if !strings.HasSuffix(col, "_ref") {
			continue
		}
		target, ok, err := resolver.SampleRefTarget(ctx, rootType, col)
		if err != nil || !ok || target != scoType {
			continue
		}
		notNull := fmt.Sprintf("t.%s IS NOT NULL", q(col))
		extraWhere := whereClause
		if extraWhere == "" {
			extraWhere = " WHERE " + notNull
		} else {
			extraWhere += " AND " + notNull
		}
		sql := fmt.Sprintf("SELECT DISTINCT t.%s AS ref_id FROM (%s) t%s%s",
			q(col), src.SQL, joinClause.String(), extraWhere)
		args := append(append([]any{}, src.Args...), compiled.Args...)
		rows, err := e.dial.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			seen[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return e.commitMembership(ctx, name, scoType, ids)
}

// fetchMatchingIDs runs sql/args, applies any post-filter predicates in
// Go (sqlite's MATCHES/ISSUBSET fallback), and returns the distinct,
// sorted surviving ids.
func (e *Engine) fetchMatchingIDs(ctx context.Context, sql string, args []any, post []pattern.PostPredicate) ([]string, error) {
	rows, err := e.dial.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	idIdx := -1
	for i, c := range colNames {
		if c == "id" {
			idIdx = i
			break
		}
	}

	seen := make(map[string]bool)
	var ids []string
	for rows.Next() {
		vals := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		if len(post) > 0 {
			// postSelectExtras guarantees every PostPredicate.Column is
			// present verbatim as a column alias in colNames.
			rowMap := make(map[string]string, len(colNames))
			for i, c := range colNames {
				if s, ok := vals[i].(string); ok {
					rowMap[c] = s
				}
			}
			ok, err := pattern.EvalPostFilter(post, rowMap)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if idIdx < 0 {
			continue
		}
		id, _ := vals[idIdx].(string)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, rows.Err()
}

// commitMembership stores ids as name's materialized membership and
// records/updates its catalog entry as a table (non-derived) view.
func (e *Engine) commitMembership(ctx context.Context, name, scoType string, ids []string) error {
	if err := e.cat.SetMembership(ctx, name, ids); err != nil {
		return err
	}
	return e.cat.PutEntry(ctx, catalog.Entry{
		Name: name, Type: scoType, Def: catalog.Def{Kind: catalog.KindMembership},
	})
}

// Assign implements sort/group (spec §4.5). Both are pure derived views:
// no membership is materialized, since resolution always re-derives from
// Source at read time.
func (e *Engine) Assign(ctx context.Context, name, source, op, by string, asc bool, limit int) error {
	src, err := e.Resolve(ctx, source)
	if err != nil {
		return err
	}
	if err := e.checkRebind(ctx, name, src.Type); err != nil {
		return err
	}
	switch op {
	case "sort":
		return e.cat.PutEntry(ctx, catalog.Entry{
			Name: name, Type: src.Type,
			Def: catalog.Def{Kind: catalog.KindSort, Source: source, By: by, Asc: asc, Limit: limit},
		})
	case "group":
		cols, err := e.reg.Columns(ctx, src.Type)
		if err != nil {
			return err
		}
		found := false
		for _, c := range cols {
			if c == by {
				found = true
				break
			}
		}
		if !found {
			return &fperrors.InvalidAttr{Attr: by}
		}
		return e.cat.PutEntry(ctx, catalog.Entry{
			Name: name, Type: src.Type,
			Def: catalog.Def{Kind: catalog.KindGroup, Source: source, By: by},
		})
	default:
		return fmt.Errorf("view: unknown assign op %q", op)
	}
}

// Join implements the LEFT OUTER join (spec §4.5): a pure derived view
// inheriting the left view's SCO type.
func (e *Engine) Join(ctx context.Context, name, left, leftOn, right, rightOn string) error {
	l, err := e.Resolve(ctx, left)
	if err != nil {
		return err
	}
	if _, err := e.Resolve(ctx, right); err != nil {
		return err
	}
	leftCols, err := e.reg.Columns(ctx, l.Type)
	if err != nil {
		return err
	}
	if !containsStr(leftCols, leftOn) {
		return &fperrors.InvalidAttr{Attr: leftOn}
	}
	if err := e.checkRebind(ctx, name, l.Type); err != nil {
		return err
	}
	return e.cat.PutEntry(ctx, catalog.Entry{
		Name: name, Type: l.Type,
		Def: catalog.Def{Kind: catalog.KindJoin, Left: left, LeftOn: leftOn, Right: right, RightOn: rightOn},
	})
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Merge unions several views' memberships into a new view, snapshotting
// them at construction time (spec §4.5's explicit exception to the
// rebinding/aliasing invariant): all sources must share one SCO type.
func (e *Engine) Merge(ctx context.Context, name string, sources []string) error {
	if len(sources) == 0 {
		return fmt.Errorf("view: merge requires at least one source view")
	}
	var scoType string
	seen := make(map[string]bool)
	var ids []string
	for i, src := range sources {
		r, err := e.Resolve(ctx, src)
		if err != nil {
			return err
		}
		if i == 0 {
			scoType = r.Type
		} else if r.Type != scoType {
			return &fperrors.IncompatibleType{Msg: fmt.Sprintf(
				"merge: view %q has type %q, expected %q", src, r.Type, scoType)}
		}
		rowIDs, err := e.fetchIDs(ctx, r)
		if err != nil {
			return err
		}
		for _, id := range rowIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if err := e.checkRebind(ctx, name, scoType); err != nil {
		return err
	}
	sort.Strings(ids)
	return e.commitMembership(ctx, name, scoType, ids)
}

// Rename renames a view (spec §4.5). Dependents that reference old by name
// are not rewritten and fail to resolve afterward (see catalog.Rename).
func (e *Engine) Rename(ctx context.Context, oldName, newName string) error {
	ok, err := e.cat.Exists(ctx, oldName)
	if err != nil {
		return err
	}
	if !ok {
		return &fperrors.UnknownViewname{Name: oldName}
	}
	return e.cat.Rename(ctx, oldName, newName)
}

// Remove drops a view's catalog entry and materialized membership (if
// any). Views that merged in name's membership keep their own snapshot.
func (e *Engine) Remove(ctx context.Context, name string) error {
	ok, err := e.cat.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return &fperrors.UnknownViewname{Name: name}
	}
	return e.cat.Remove(ctx, name)
}

// Reassign enriches scoType rows in-place from records keyed by "id", then
// creates/replaces view name whose membership is exactly the enriched
// ids. The source view's own membership is untouched (spec §4.5): this
// only adds/widens columns on the physical type table.
func (e *Engine) Reassign(ctx context.Context, name, scoType string, records []map[string]any) error {
	if err := e.checkRebind(ctx, name, scoType); err != nil {
		return err
	}
	if err := e.reg.EnsureTable(ctx, scoType); err != nil {
		return err
	}

	want := make(map[string]registry.ColType)
	for _, rec := range records {
		for k, v := range rec {
			if k == "id" {
				continue
			}
			want[k] = registry.InferType(v)
		}
	}
	if len(want) > 0 {
		if err := e.reg.EnsureColumns(ctx, scoType, want); err != nil {
			return err
		}
	}

	table := e.reg.TableName(scoType)
	q := e.dial.QuoteIdentifier
	var ids []string
	for _, rec := range records {
		id, _ := rec["id"].(string)
		if id == "" {
			continue
		}
		ids = append(ids, id)
		for col, val := range rec {
			if col == "id" {
				continue
			}
			// first-non-null-wins (spec §4.6): only fill the column if it
			// is currently null.
			stmt := fmt.Sprintf("UPDATE %s SET %s = COALESCE(%s, ?) WHERE id = ?", q(table), q(col), q(col))
			if _, err := e.dial.Exec(ctx, stmt, val, id); err != nil {
				return err
			}
		}
	}
	sort.Strings(ids)
	return e.commitMembership(ctx, name, scoType, ids)
}
