// Package view implements the view algebra engine (spec §4.5): table
// views (the physical per-type tables the shredder populates) and derived
// views built from extract, filter, assign (sort/group), join, and merge.
// Every read recursively resolves a view's definition into a single SQL
// subquery, which is what gives sort/group/join their "live alias"
// semantics (spec §4.5's rebinding invariant) — nothing about a derived
// view is cached beyond its JSON definition in the catalog.
package view

import (
	"context"
	"fmt"
	"strings"

	"github.com/raymundl/firepit/internal/catalog"
	"github.com/raymundl/firepit/internal/fperrors"
	"github.com/raymundl/firepit/internal/pattern"
	"github.com/raymundl/firepit/internal/registry"
	"github.com/raymundl/firepit/internal/sqladapter"
)

type Engine struct {
	dial sqladapter.Dialect
	reg  *registry.Registry
	cat  *catalog.Catalog
}

func New(dial sqladapter.Dialect, reg *registry.Registry, cat *catalog.Catalog) *Engine {
	return &Engine{dial: dial, reg: reg, cat: cat}
}

// Resolved is a view's current contents expressed as a single
// parenthesizable SELECT statement plus its bound arguments.
type Resolved struct {
	SQL  string
	Args []any
	Type string
}

// Resolve recursively expands name into a SELECT statement. Table views
// (bare SCO types) resolve to every row ever cached of that type; catalog
// views resolve according to their Kind, recursing into derived sources so
// that every read observes their *current* definition (spec §4.5).
func (e *Engine) Resolve(ctx context.Context, name string) (*Resolved, error) {
	entry, ok, err := e.cat.GetEntry(ctx, name)
	if err != nil {
		return nil, err
	}
	if ok {
		return e.resolveEntry(ctx, entry)
	}

	types, err := e.reg.KnownTypes(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		if t == name {
			if err := e.reg.EnsureTable(ctx, name); err != nil {
				return nil, err
			}
			table := e.reg.TableName(name)
			q := e.dial.QuoteIdentifier
			return &Resolved{SQL: fmt.Sprintf("SELECT * FROM %s", q(table)), Type: name}, nil
		}
	}
	return nil, &fperrors.UnknownViewname{Name: name}
}

func (e *Engine) resolveEntry(ctx context.Context, entry catalog.Entry) (*Resolved, error) {
	switch entry.Def.Kind {
	case catalog.KindMembership:
		table := e.reg.TableName(entry.Type)
		q := e.dial.QuoteIdentifier
		sql := fmt.Sprintf(
			"SELECT t.* FROM %s t JOIN (SELECT sco_id FROM %s WHERE view_name = ?) m ON t.id = m.sco_id",
			q(table), q(e.cat.MembershipName()))
		return &Resolved{SQL: sql, Args: []any{entry.Name}, Type: entry.Type}, nil

	case catalog.KindSort:
		src, err := e.Resolve(ctx, entry.Def.Source)
		if err != nil {
			return nil, err
		}
		dir := "ASC"
		if !entry.Def.Asc {
			dir = "DESC"
		}
		q := e.dial.QuoteIdentifier
		sql := fmt.Sprintf("SELECT * FROM (%s) s ORDER BY s.%s %s", src.SQL, q(entry.Def.By), dir)
		if entry.Def.Limit > 0 {
			sql += fmt.Sprintf(" LIMIT %d", entry.Def.Limit)
		}
		return &Resolved{SQL: sql, Args: src.Args, Type: src.Type}, nil

	case catalog.KindGroup:
		src, err := e.Resolve(ctx, entry.Def.Source)
		if err != nil {
			return nil, err
		}
		cols, err := e.reg.Columns(ctx, src.Type)
		if err != nil {
			return nil, err
		}
		sql, err := e.groupSQL(src, entry.Def.By, cols)
		if err != nil {
			return nil, err
		}
		return &Resolved{SQL: sql, Args: src.Args, Type: src.Type}, nil

	case catalog.KindJoin:
		left, err := e.Resolve(ctx, entry.Def.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.Resolve(ctx, entry.Def.Right)
		if err != nil {
			return nil, err
		}
		sql, args, err := e.joinSQL(left, entry.Def.LeftOn, right, entry.Def.RightOn)
		if err != nil {
			return nil, err
		}
		return &Resolved{SQL: sql, Args: args, Type: left.Type}, nil

	default:
		return nil, fmt.Errorf("view: unknown catalog kind %q", entry.Def.Kind)
	}
}

// groupSQL builds the GROUP BY query for assign(op=group): the by column
// plus SUM(number_observed), plus one unique_* aggregate per remaining
// column (a dialect-appropriate distinct-values aggregate, since the
// non-grouped values are genuinely set-valued per spec §4.5).
func (e *Engine) groupSQL(src *Resolved, by string, cols []string) (string, error) {
	q := e.dial.QuoteIdentifier
	var found bool
	var parts []string
	parts = append(parts, fmt.Sprintf("s.%s AS %s", q(by), q(by)))
	for _, c := range cols {
		if c == by {
			found = true
			continue
		}
		if c == "number_observed" {
			parts = append(parts, fmt.Sprintf("SUM(s.%s) AS %s", q("number_observed"), q("number_observed")))
			continue
		}
		if c == "id" || c == "type" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s AS %s", e.uniqueAgg("s."+q(c)), q("unique_"+c)))
	}
	if !found {
		return "", &fperrors.InvalidAttr{Attr: by}
	}
	sql := fmt.Sprintf("SELECT %s FROM (%s) s GROUP BY s.%s", strings.Join(parts, ", "), src.SQL, q(by))
	return sql, nil
}

// uniqueAgg returns the dialect's distinct-values aggregate expression:
// GROUP_CONCAT for sqlite, STRING_AGG (cast to text first) for postgres —
// both collapse a grouped column's distinct values into one comma-delimited
// string, which Lookup returns as-is.
func (e *Engine) uniqueAgg(colRef string) string {
	if e.dial.Flags().UpsertClause == "postgres" {
		return fmt.Sprintf("STRING_AGG(DISTINCT CAST(%s AS TEXT), ',')", colRef)
	}
	return fmt.Sprintf("GROUP_CONCAT(DISTINCT %s)", colRef)
}

// joinSQL builds a LEFT OUTER join, right-precedence on overlapping column
// names (spec §4.5): when left and right share a column name other than
// id, type and number_observed, the right view's value is kept under that
// name, and the left's is dropped. id, type and number_observed always
// come from the left view.
func (e *Engine) joinSQL(left *Resolved, leftOn string, right *Resolved, rightOn string) (string, []any, error) {
	q := e.dial.QuoteIdentifier
	leftCols, err := e.reg.Columns(context.Background(), left.Type)
	if err != nil {
		return "", nil, err
	}
	rightCols, err := e.reg.Columns(context.Background(), right.Type)
	if err != nil {
		return "", nil, err
	}
	rightSet := make(map[string]bool, len(rightCols))
	for _, c := range rightCols {
		rightSet[c] = true
	}

	var selects []string
	for _, c := range leftCols {
		if rightSet[c] && c != "id" && c != "type" && c != "number_observed" {
			continue // right-precedence: dropped here, re-added from r below
		}
		selects = append(selects, fmt.Sprintf("l.%s AS %s", q(c), q(c)))
	}
	for _, c := range rightCols {
		if c == "id" || c == "type" || c == "number_observed" {
			continue
		}
		selects = append(selects, fmt.Sprintf("r.%s AS %s", q(c), q(c)))
	}

	args := append(append([]any{}, left.Args...), right.Args...)
	sql := fmt.Sprintf("SELECT %s FROM (%s) l LEFT JOIN (%s) r ON l.%s = r.%s",
		strings.Join(selects, ", "), left.SQL, right.SQL, q(leftOn), q(rightOn))
	return sql, args, nil
}

// fetchIDs runs a resolved view's query and returns just its id column,
// the common shape every membership-producing operation needs.
func (e *Engine) fetchIDs(ctx context.Context, r *Resolved) ([]string, error) {
	sql := fmt.Sprintf("SELECT s.id FROM (%s) s", r.SQL)
	rows, err := e.dial.Query(ctx, sql, r.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// postSelectExtras builds extra ", alias.col AS "alias.col"" projections for
// every alias-qualified column (root or joined alias) a post-filter
// predicate references (MATCHES or CIDR ISSUBSET/ISSUPERSET against the
// sqlite dialect), so those columns are present in the result set under
// exactly that name for EvalPostFilter to inspect — "SELECT t.*" alone
// names root columns without their alias and never includes a joined
// alias's columns.
func postSelectExtras(q func(string) string, post []pattern.PostPredicate) string {
	var b strings.Builder
	seen := make(map[string]bool)
	for _, p := range post {
		if seen[p.Column] || !strings.Contains(p.Column, ".") {
			continue
		}
		seen[p.Column] = true
		parts := strings.SplitN(p.Column, ".", 2)
		fmt.Fprintf(&b, ", %s.%s AS %s", parts[0], q(parts[1]), q(p.Column))
	}
	return b.String()
}

// checkRebind enforces the canonical IncompatibleType policy: redefining
// an existing view name under a different SCO type is rejected rather
// than silently allowed (SPEC_FULL.md Open Question resolution).
func (e *Engine) checkRebind(ctx context.Context, name, wantType string) error {
	entry, ok, err := e.cat.GetEntry(ctx, name)
	if err != nil || !ok {
		return err
	}
	if entry.Type != wantType {
		return &fperrors.IncompatibleType{Msg: fmt.Sprintf(
			"view %q already holds type %q, cannot rebind to %q", name, entry.Type, wantType)}
	}
	return nil
}
