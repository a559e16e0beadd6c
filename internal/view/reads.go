package view

import (
	"context"
	"fmt"
	"strings"

	"github.com/raymundl/firepit/internal/catalog"
	"github.com/raymundl/firepit/internal/fperrors"
	"github.com/raymundl/firepit/internal/pattern"
	"github.com/raymundl/firepit/internal/registry"
	"github.com/raymundl/firepit/internal/util"
)

// Lookup returns an ordered sequence of records from name (spec §6),
// optionally restricted to cols, paged by limit/offset.
func (e *Engine) Lookup(ctx context.Context, name string, limit, offset int, cols []string) ([]map[string]any, error) {
	r, err := e.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	q := e.dial.QuoteIdentifier
	proj := "*"
	if len(cols) > 0 {
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = q(c)
		}
		proj = strings.Join(quoted, ", ")
	}
	sql := fmt.Sprintf("SELECT %s FROM (%s) s", proj, r.SQL)
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", offset)
	}
	rows, err := e.dial.Query(ctx, sql, r.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(...any) error
	Err() error
}) ([]map[string]any, error) {
	colNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(map[string]any, len(colNames))
		for i, c := range colNames {
			rec[c] = vals[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Values returns the flat projection of path (possibly dotted, e.g.
// "dst_ref.value") across name's current rows (spec §6).
func (e *Engine) Values(ctx context.Context, path, name string) ([]any, error) {
	r, err := e.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	q := e.dial.QuoteIdentifier
	segs := strings.SplitN(path, ".", 2)

	var sql string
	var args []any
	if len(segs) == 1 {
		sql = fmt.Sprintf("SELECT DISTINCT s.%s FROM (%s) s", q(segs[0]), r.SQL)
		args = r.Args
	} else {
		refCol, rest := segs[0], segs[1]
		resolver := pattern.NewRegistryResolver(e.reg, e.dial)
		target, ok, err := resolver.SampleRefTarget(ctx, r.Type, refCol)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		targetTable := e.reg.TableName(target)
		sql = fmt.Sprintf(
			"SELECT DISTINCT j.%s FROM (%s) s JOIN %s j ON j.id = s.%s",
			q(rest), r.SQL, q(targetTable), q(refCol))
		args = r.Args
	}

	rows, err := e.dial.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Columns returns name's column names (spec §6).
func (e *Engine) Columns(ctx context.Context, name string) ([]string, error) {
	schema, err := e.Schema(ctx, name)
	if err != nil {
		return nil, err
	}
	return util.TransformSlice(schema, func(c registry.Column) string { return c.Name }), nil
}

// Schema returns name's column list with inferred types (spec §6). Group
// views report their by/number_observed columns plus a unique_* column,
// typed String, for every remaining source column except id and type,
// which a grouped row does not carry.
func (e *Engine) Schema(ctx context.Context, name string) ([]registry.Column, error) {
	entry, ok, err := e.cat.GetEntry(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		r, err := e.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
		return e.reg.Schema(ctx, r.Type)
	}
	if entry.Def.Kind != catalog.KindGroup {
		return e.reg.Schema(ctx, entry.Type)
	}
	srcSchema, err := e.reg.Schema(ctx, entry.Type)
	if err != nil {
		return nil, err
	}
	var out []registry.Column
	for _, c := range srcSchema {
		switch c.Name {
		case entry.Def.By, "number_observed":
			out = append(out, c)
		case "id", "type":
			continue
		default:
			out = append(out, registry.Column{Name: "unique_" + c.Name, Type: registry.String})
		}
	}
	return out, nil
}

// Count returns the number of rows name currently resolves to (spec §6).
func (e *Engine) Count(ctx context.Context, name string) (int, error) {
	r, err := e.Resolve(ctx, name)
	if err != nil {
		return 0, err
	}
	sql := fmt.Sprintf("SELECT COUNT(*) FROM (%s) s", r.SQL)
	rows, err := e.dial.Query(ctx, sql, r.Args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, rows.Err()
	}
	var n int
	if err := rows.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Tables returns every physical SCO-type table in this session (spec §6).
func (e *Engine) Tables(ctx context.Context) ([]string, error) {
	return e.reg.KnownTypes(ctx)
}

// Views returns every catalog-registered (derived or extracted) view name.
func (e *Engine) Views(ctx context.Context) ([]string, error) {
	return e.cat.Names(ctx)
}

// TableType returns the SCO type backing name, whether it is a bare
// physical table or a catalog view.
func (e *Engine) TableType(ctx context.Context, name string) (string, error) {
	entry, ok, err := e.cat.GetEntry(ctx, name)
	if err != nil {
		return "", err
	}
	if ok {
		return entry.Type, nil
	}
	types, err := e.reg.KnownTypes(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range types {
		if t == name {
			return t, nil
		}
	}
	return "", &fperrors.UnknownViewname{Name: name}
}

// ViewData is one {name, type, appdata} triple (spec §4.7/§6).
type ViewData struct {
	Name    string
	Type    string
	AppData []byte
}

// GetViewData returns {name, type, appdata} for each requested view name.
func (e *Engine) GetViewData(ctx context.Context, names []string) ([]ViewData, error) {
	out := make([]ViewData, 0, len(names))
	for _, name := range names {
		entry, ok, err := e.cat.GetEntry(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ViewData{Name: name, Type: entry.Type, AppData: entry.AppData})
			continue
		}
		t, err := e.TableType(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, ViewData{Name: name, Type: t})
	}
	return out, nil
}

// SetAppData stores an opaque blob against an existing view (spec §4.7).
func (e *Engine) SetAppData(ctx context.Context, name string, data []byte) error {
	ok, err := e.cat.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return &fperrors.UnknownViewname{Name: name}
	}
	return e.cat.SetAppData(ctx, name, data)
}

// GetAppData returns name's stored app-data blob, if any.
func (e *Engine) GetAppData(ctx context.Context, name string) ([]byte, error) {
	entry, ok, err := e.cat.GetEntry(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &fperrors.UnknownViewname{Name: name}
	}
	return entry.AppData, nil
}

// Delete drops every table and catalog entry belonging to this session
// (spec §6).
func (e *Engine) Delete(ctx context.Context) error {
	types, err := e.reg.KnownTypes(ctx)
	if err != nil {
		return err
	}
	tables := make([]string, len(types))
	for i, t := range types {
		tables[i] = e.reg.TableName(t)
	}
	return e.cat.DeleteAll(ctx, tables)
}
