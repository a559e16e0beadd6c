package firepit

import (
	"context"

	"github.com/raymundl/firepit/internal/catalog"
	"github.com/raymundl/firepit/internal/registry"
	"github.com/raymundl/firepit/internal/shred"
	"github.com/raymundl/firepit/internal/sqladapter"
	"github.com/raymundl/firepit/internal/sqladapter/postgres"
	"github.com/raymundl/firepit/internal/sqladapter/sqlite"
	"github.com/raymundl/firepit/internal/view"
)

// Store is a handle onto one session's namespace within a backend database
// (spec §4.7). All public operations hang off it; it holds no cross-call
// in-memory state of its own beyond the registry's column cache.
type Store struct {
	dial sqladapter.Dialect
	reg  *registry.Registry
	cat  *catalog.Catalog
	eng  *view.Engine
	shr  *shred.Shredder
}

// GetStorage opens (creating if necessary) the session namespace named by
// session within the backend named by target, the sole configuration
// entrypoint (spec §6). target follows sqladapter.ParseTarget: a bare path
// or "sqlite://" URI selects the embedded dialect, a "postgres://" URI
// selects the server dialect.
func GetStorage(ctx context.Context, target, session string) (*Store, error) {
	sqladapter.InitLogging()

	t := sqladapter.ParseTarget(target)
	var dial sqladapter.Dialect
	var err error
	switch t.Driver {
	case "postgres":
		dial, err = postgres.Open(t.DSN)
	default:
		dial, err = sqlite.Open(t.DSN)
	}
	if err != nil {
		return nil, wrapStorage("open", err)
	}

	reg := registry.New(dial, session)
	cat := catalog.New(dial, session)
	if err := reg.EnsureMeta(ctx); err != nil {
		dial.Close()
		return nil, wrapStorage("ensure-meta", err)
	}
	if err := cat.EnsureMeta(ctx); err != nil {
		dial.Close()
		return nil, wrapStorage("ensure-meta", err)
	}

	return &Store{
		dial: dial,
		reg:  reg,
		cat:  cat,
		eng:  view.New(dial, reg, cat),
		shr:  shred.New(dial, reg),
	}, nil
}

// Close releases the underlying connection pool. It does not touch the
// session's persisted state (use Delete for that).
func (s *Store) Close() error {
	return s.dial.Close()
}

// Cache shreds bundles (spec §4.3) and records every id ingested under
// queryID's ingest ledger, the candidate set Extract reads. queryID does
// not become a catalog view: Lookup, Count and the other reads do not
// accept it as a name.
func (s *Store) Cache(ctx context.Context, queryID string, bundles any) error {
	ids, err := s.shr.Shred(ctx, bundles)
	if err != nil {
		return err
	}
	return s.eng.Cache(ctx, queryID, ids)
}

// Load ingests pre-flattened records without a STIX bundle envelope (spec
// §4.3 "load"), recording them as name's membership and, when queryID is
// non-empty, also under queryID's ingest ledger. Returns the SCO type
// used. scoType, if empty, is inferred per-record from a "type" field.
func (s *Store) Load(ctx context.Context, name string, records []any, scoType, queryID string, preserveIDs bool) (string, error) {
	ids, usedType, err := s.shr.Load(ctx, records, scoType, preserveIDs)
	if err != nil {
		return "", err
	}
	if err := s.eng.LoadIDs(ctx, name, usedType, queryID, ids); err != nil {
		return "", err
	}
	return usedType, nil
}

// Extract creates or replaces view name (spec §4.5).
func (s *Store) Extract(ctx context.Context, name, scoType, queryID, pattern string) error {
	return s.eng.Extract(ctx, name, scoType, queryID, pattern)
}

// Filter creates or replaces view name from another view's rows (spec §4.5).
func (s *Store) Filter(ctx context.Context, name, scoType, source, pattern string) error {
	return s.eng.Filter(ctx, name, scoType, source, pattern)
}

// Assign implements sort (op="sort") and group (op="group") (spec §4.5).
func (s *Store) Assign(ctx context.Context, name, source, op, by string, asc bool, limit int) error {
	return s.eng.Assign(ctx, name, source, op, by, asc, limit)
}

// Join implements the LEFT OUTER join view operation (spec §4.5).
func (s *Store) Join(ctx context.Context, name, left, leftOn, right, rightOn string) error {
	return s.eng.Join(ctx, name, left, leftOn, right, rightOn)
}

// Merge unions sources' memberships into view name, snapshotted at call
// time (spec §4.5).
func (s *Store) Merge(ctx context.Context, name string, sources []string) error {
	return s.eng.Merge(ctx, name, sources)
}

// Rename renames a view (spec §4.5). Views defined against oldName are not
// rewritten and fail to resolve afterward.
func (s *Store) Rename(ctx context.Context, oldName, newName string) error {
	return s.eng.Rename(ctx, oldName, newName)
}

// Remove drops a view (spec §4.5).
func (s *Store) Remove(ctx context.Context, name string) error {
	return s.eng.Remove(ctx, name)
}

// Reassign enriches scoType rows from records keyed by "id" and creates
// view name over the enriched ids (spec §4.5).
func (s *Store) Reassign(ctx context.Context, name, scoType string, records []map[string]any) error {
	return s.eng.Reassign(ctx, name, scoType, records)
}

// Lookup returns an ordered sequence of records from name, optionally
// restricted to cols, paged by limit/offset (spec §6).
func (s *Store) Lookup(ctx context.Context, name string, limit, offset int, cols []string) ([]map[string]any, error) {
	return s.eng.Lookup(ctx, name, limit, offset, cols)
}

// Values returns the flat projection of path (possibly dotted) across
// name's current rows (spec §6).
func (s *Store) Values(ctx context.Context, path, name string) ([]any, error) {
	return s.eng.Values(ctx, path, name)
}

// Columns returns name's column names (spec §6).
func (s *Store) Columns(ctx context.Context, name string) ([]string, error) {
	return s.eng.Columns(ctx, name)
}

// Schema returns name's column list with inferred types (spec §6).
func (s *Store) Schema(ctx context.Context, name string) ([]registry.Column, error) {
	return s.eng.Schema(ctx, name)
}

// Count returns the number of rows name currently resolves to (spec §6).
func (s *Store) Count(ctx context.Context, name string) (int, error) {
	return s.eng.Count(ctx, name)
}

// Tables returns every physical SCO-type table in this session (spec §6).
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	return s.eng.Tables(ctx)
}

// Views returns every catalog-registered view name (spec §6).
func (s *Store) Views(ctx context.Context) ([]string, error) {
	return s.eng.Views(ctx)
}

// TableType returns the SCO type backing name (spec §6).
func (s *Store) TableType(ctx context.Context, name string) (string, error) {
	return s.eng.TableType(ctx, name)
}

// GetViewData returns {name, type, appdata} triples for names (spec §6).
func (s *Store) GetViewData(ctx context.Context, names []string) ([]view.ViewData, error) {
	return s.eng.GetViewData(ctx, names)
}

// SetAppData stores an opaque blob against an existing view (spec §4.7).
func (s *Store) SetAppData(ctx context.Context, name string, data []byte) error {
	return s.eng.SetAppData(ctx, name, data)
}

// GetAppData returns name's stored app-data blob, if any (spec §4.7).
func (s *Store) GetAppData(ctx context.Context, name string) ([]byte, error) {
	return s.eng.GetAppData(ctx, name)
}

// Delete drops every table and catalog entry belonging to this session
// (spec §6).
func (s *Store) Delete(ctx context.Context) error {
	return s.eng.Delete(ctx)
}
