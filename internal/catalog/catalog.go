// Package catalog implements the session-scoped persisted metadata named in
// spec §6/§4.7: the view catalog ("__symtable"), the membership table
// ("__membership"), and the ingest-query table ("__queries"). A session id
// partitions the namespace by prefixing every physical table name, so two
// store handles pointed at the same database but different sessions see
// disjoint catalogs (spec §4.7).
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/raymundl/firepit/internal/sqladapter"
)

// Kind discriminates how a view's rows are produced. MATERIALIZED views
// (table views, and the output of extract/filter/merge/reassign) store a
// literal id set in __membership. The others are DERIVED views: their
// definition names a source view by string and is re-resolved against that
// source's *current* contents every time it is read — this is what gives
// rebinding its aliasing semantics (spec §4.5), since "Source" is looked up
// by name, not copied.
type Kind string

const (
	KindMembership Kind = "membership"
	KindSort       Kind = "sort"
	KindGroup      Kind = "group"
	KindJoin       Kind = "join"
)

// Def is a view's durable definition, persisted as JSON in __symtable.
type Def struct {
	Kind Kind `json:"kind"`

	// sort / group
	Source string `json:"source,omitempty"`
	By     string `json:"by,omitempty"`
	Asc    bool   `json:"asc,omitempty"`
	Limit  int    `json:"limit,omitempty"`

	// join
	Left    string `json:"left,omitempty"`
	LeftOn  string `json:"left_on,omitempty"`
	Right   string `json:"right,omitempty"`
	RightOn string `json:"right_on,omitempty"`
}

// Entry is one row of __symtable.
type Entry struct {
	Name    string
	Type    string
	Def     Def
	AppData []byte
}

type Catalog struct {
	dial    sqladapter.Dialect
	session string
}

func New(dial sqladapter.Dialect, session string) *Catalog {
	return &Catalog{dial: dial, session: session}
}

func (c *Catalog) table(suffix string) string {
	return sanitize(c.session) + "__" + suffix
}

func sanitize(s string) string {
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(s)
}

func (c *Catalog) SymtableName() string    { return c.table("_symtable") }
func (c *Catalog) MembershipName() string  { return c.table("_membership") }
func (c *Catalog) QueriesName() string     { return c.table("_queries") }

// EnsureMeta creates the three metadata tables if they don't already exist.
func (c *Catalog) EnsureMeta(ctx context.Context) error {
	q := c.dial.QuoteIdentifier
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			view_name TEXT PRIMARY KEY,
			sco_type TEXT NOT NULL,
			kind TEXT NOT NULL,
			def TEXT NOT NULL,
			appdata BLOB
		)`, q(c.SymtableName())),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			view_name TEXT NOT NULL,
			sco_id TEXT NOT NULL,
			PRIMARY KEY (view_name, sco_id)
		)`, q(c.MembershipName())),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			query_id TEXT NOT NULL,
			sco_id TEXT NOT NULL,
			PRIMARY KEY (query_id, sco_id)
		)`, q(c.QueriesName())),
	}
	for _, stmt := range stmts {
		if _, err := c.dial.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// PutEntry inserts or replaces a view's catalog entry (rebinding).
func (c *Catalog) PutEntry(ctx context.Context, e Entry) error {
	defJSON, err := json.Marshal(e.Def)
	if err != nil {
		return err
	}
	q := c.dial.QuoteIdentifier
	stmt := fmt.Sprintf(
		`INSERT INTO %s (view_name, sco_type, kind, def, appdata) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (view_name) DO UPDATE SET
		   sco_type = excluded.sco_type, kind = excluded.kind, def = excluded.def`,
		q(c.SymtableName()))
	_, err = c.dial.Exec(ctx, stmt, e.Name, e.Type, string(e.Def.Kind), string(defJSON), e.AppData)
	return err
}

// GetEntry returns a view's catalog entry, or (Entry{}, false, nil) if it
// does not exist.
func (c *Catalog) GetEntry(ctx context.Context, name string) (Entry, bool, error) {
	q := c.dial.QuoteIdentifier
	rows, err := c.dial.Query(ctx,
		fmt.Sprintf("SELECT sco_type, kind, def, appdata FROM %s WHERE view_name = ?", q(c.SymtableName())),
		name)
	if err != nil {
		return Entry{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return Entry{}, false, rows.Err()
	}
	var scoType, kind, defJSON string
	var appdata []byte
	if err := rows.Scan(&scoType, &kind, &defJSON, &appdata); err != nil {
		return Entry{}, false, err
	}
	var def Def
	if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
		return Entry{}, false, err
	}
	return Entry{Name: name, Type: scoType, Def: def, AppData: appdata}, true, nil
}

// Exists reports whether name is a known view.
func (c *Catalog) Exists(ctx context.Context, name string) (bool, error) {
	_, ok, err := c.GetEntry(ctx, name)
	return ok, err
}

// Names returns every known view name, sorted.
func (c *Catalog) Names(ctx context.Context) ([]string, error) {
	q := c.dial.QuoteIdentifier
	rows, err := c.dial.Query(ctx, fmt.Sprintf("SELECT view_name FROM %s ORDER BY view_name", q(c.SymtableName())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Remove drops a view's catalog entry and its materialized membership (if
// any); derived views hold no membership rows of their own.
func (c *Catalog) Remove(ctx context.Context, name string) error {
	q := c.dial.QuoteIdentifier
	if _, err := c.dial.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE view_name = ?", q(c.SymtableName())), name); err != nil {
		return err
	}
	_, err := c.dial.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE view_name = ?", q(c.MembershipName())), name)
	return err
}

// Rename moves a catalog entry (and any materialized membership) from old
// to new with two UPDATE statements, each committed on its own.
// Derived-view definitions elsewhere that reference old by name are NOT
// rewritten: their Source/Left/Right still names old, so they fail to
// resolve with UnknownViewname until a view named old exists again.
func (c *Catalog) Rename(ctx context.Context, oldName, newName string) error {
	q := c.dial.QuoteIdentifier
	if _, err := c.dial.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET view_name = ? WHERE view_name = ?", q(c.SymtableName())),
		newName, oldName); err != nil {
		return err
	}
	_, err := c.dial.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET view_name = ? WHERE view_name = ?", q(c.MembershipName())),
		newName, oldName)
	return err
}

// SetMembership replaces view_name's materialized id set: one DELETE, then
// one INSERT per id, each committed on its own.
func (c *Catalog) SetMembership(ctx context.Context, name string, ids []string) error {
	q := c.dial.QuoteIdentifier
	if _, err := c.dial.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE view_name = ?", q(c.MembershipName())), name); err != nil {
		return err
	}
	stmt := fmt.Sprintf("INSERT INTO %s (view_name, sco_id) VALUES (?, ?) ON CONFLICT (view_name, sco_id) DO NOTHING", q(c.MembershipName()))
	for _, id := range ids {
		if _, err := c.dial.Exec(ctx, stmt, name, id); err != nil {
			return err
		}
	}
	return nil
}

// Membership returns view_name's materialized id set.
func (c *Catalog) Membership(ctx context.Context, name string) ([]string, error) {
	q := c.dial.QuoteIdentifier
	rows, err := c.dial.Query(ctx, fmt.Sprintf("SELECT sco_id FROM %s WHERE view_name = ?", q(c.MembershipName())), name)
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

// RecordQuery appends ids to query_id's ingested-id set (spec §4.3 step 4).
func (c *Catalog) RecordQuery(ctx context.Context, queryID string, ids []string) error {
	q := c.dial.QuoteIdentifier
	stmt := fmt.Sprintf("INSERT INTO %s (query_id, sco_id) VALUES (?, ?) ON CONFLICT (query_id, sco_id) DO NOTHING", q(c.QueriesName()))
	for _, id := range ids {
		if _, err := c.dial.Exec(ctx, stmt, queryID, id); err != nil {
			return err
		}
	}
	return nil
}

// SetAppData stores an opaque byte blob against an existing view.
func (c *Catalog) SetAppData(ctx context.Context, name string, data []byte) error {
	q := c.dial.QuoteIdentifier
	_, err := c.dial.Exec(ctx, fmt.Sprintf("UPDATE %s SET appdata = ? WHERE view_name = ?", q(c.SymtableName())), data, name)
	return err
}

// DeleteAll drops every table belonging to this session: the type tables
// tracked by typeTables, the three metadata tables, and the registry's
// "____schema" bookkeeping table.
func (c *Catalog) DeleteAll(ctx context.Context, typeTables []string) error {
	q := c.dial.QuoteIdentifier
	for _, t := range typeTables {
		if _, err := c.dial.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", q(t))); err != nil {
			return err
		}
	}
	for _, t := range []string{c.MembershipName(), c.SymtableName(), c.QueriesName(), sanitize(c.session) + "____schema"} {
		if _, err := c.dial.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", q(t))); err != nil {
			return err
		}
	}
	return nil
}
