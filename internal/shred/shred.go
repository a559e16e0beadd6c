// Package shred implements the shredder (spec §4.3): it turns nested STIX
// observable objects into wide per-type rows, synthesizes ids where the
// wire format omitted one, follows nested child objects into independent
// observations linked by "*_ref" columns, and upserts the result through
// the schema registry with number_observed summation and first-non-null
// field merge (spec §4.6) — the same non-null-wins policy internal/view's
// Reassign applies for enrichment, via the same COALESCE idiom.
package shred

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/raymundl/firepit/internal/ids"
	"github.com/raymundl/firepit/internal/registry"
	"github.com/raymundl/firepit/internal/sqladapter"
)

// Shredder owns the registry and dialect handles it needs to ensure
// columns and upsert rows; it holds no membership/catalog state of its
// own — callers (internal/view, via root store.go) decide what named view
// the resulting ids belong to.
type Shredder struct {
	dial sqladapter.Dialect
	reg  *registry.Registry
}

func New(dial sqladapter.Dialect, reg *registry.Registry) *Shredder {
	return &Shredder{dial: dial, reg: reg}
}

// flatBatch accumulates the rows produced while flattening one Shred or
// Load call, grouped by SCO type, plus every id produced (root and child).
type flatBatch struct {
	rowsByType map[string][]map[string]any
	ids        []string
	counter    int
}

func newFlatBatch() *flatBatch {
	return &flatBatch{rowsByType: make(map[string][]map[string]any)}
}

// Shred decodes bundles (see LoadObjects) and upserts every resulting SCO
// — root objects and any nested child objects discovered along the way —
// into its type table, returning every id ingested (spec §4.3 steps 1–3).
func (s *Shredder) Shred(ctx context.Context, bundles any) ([]string, error) {
	objs, err := LoadObjects(bundles)
	if err != nil {
		return nil, err
	}
	fb := newFlatBatch()
	for _, obj := range objs {
		if _, err := s.flattenObject(obj, fb); err != nil {
			return nil, err
		}
	}
	if err := s.commit(ctx, fb.rowsByType); err != nil {
		return nil, err
	}
	sort.Strings(fb.ids)
	return fb.ids, nil
}

// Load ingests pre-flattened records without going through pattern-based
// shredding (spec §4.3 "load"): each record is either a JSON object (used
// as-is) or a bare scalar (wrapped as {"value": v}, matching how
// ipv4-addr-shaped lists of bare strings are loaded in spec §8). scoType,
// if non-empty, overrides any "type" field in the records; otherwise each
// record's own "type" field is used, and records may land in more than
// one type table. Returns the ids assigned, in input order, and the SCO
// type used for the first record (the common case: one type per call).
func (s *Shredder) Load(ctx context.Context, records []any, scoType string, preserveIDs bool) ([]string, string, error) {
	if len(records) == 0 {
		return nil, "", fmt.Errorf("shred: load requires at least one record")
	}
	fb := newFlatBatch()
	var firstType string
	for _, rec := range records {
		m := toRecordMap(rec)
		t := scoType
		if t == "" {
			t, _ = m["type"].(string)
		}
		if t == "" {
			return nil, "", fmt.Errorf("shred: load record has no \"type\" and no sco_type given")
		}
		if firstType == "" {
			firstType = t
		}

		row := make(map[string]any, len(m)+2)
		for k, v := range m {
			if k == "type" || k == "id" {
				continue
			}
			row[k] = v
		}
		row["type"] = t

		id, _ := m["id"].(string)
		if !preserveIDs || id == "" {
			id = ids.New(t, fb.counter)
			fb.counter++
		}
		row["id"] = id
		if _, ok := row["number_observed"]; !ok {
			row["number_observed"] = 1
		}

		fb.rowsByType[t] = append(fb.rowsByType[t], row)
		fb.ids = append(fb.ids, id)
	}
	if err := s.commit(ctx, fb.rowsByType); err != nil {
		return nil, "", err
	}
	return fb.ids, firstType, nil
}

// toRecordMap wraps a bare scalar record (a plain IP string, in the
// canonical "load ipv4-addr values" scenario) as a single-property object;
// an already-object record passes through unchanged.
func toRecordMap(rec any) map[string]any {
	if m, ok := rec.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": rec}
}

// flattenObject assigns obj an id (synthesizing one if absent), recurses
// into its properties, and records the resulting row under obj's SCO type
// (spec §4.3 step 1–2). Returns the id so a parent can store it as a
// "*_ref" column.
func (s *Shredder) flattenObject(obj map[string]any, fb *flatBatch) (string, error) {
	scoType, _ := obj["type"].(string)
	if scoType == "" {
		return "", fmt.Errorf("shred: object missing \"type\"")
	}
	id, _ := obj["id"].(string)
	if id == "" {
		id = ids.New(scoType, fb.counter)
		fb.counter++
	}

	row := map[string]any{"id": id, "type": scoType}
	if no, ok := obj["number_observed"]; ok {
		row["number_observed"] = no
	} else {
		row["number_observed"] = 1
	}
	for k, v := range obj {
		if k == "type" || k == "id" || k == "number_observed" {
			continue
		}
		if err := s.flattenField(k, v, row, fb); err != nil {
			return "", err
		}
	}

	fb.rowsByType[scoType] = append(fb.rowsByType[scoType], row)
	fb.ids = append(fb.ids, id)
	return id, nil
}

// flattenField stores v under key in row, recursing through nested
// objects and lists per spec §4.3 step 2: a nested object carrying its own
// "type" becomes an independent observation linked by a "*_ref" column; a
// plain nested object (no "type") is flattened into dotted scalar column
// names instead, since there is no ref target to join against at read
// time.
func (s *Shredder) flattenField(key string, v any, row map[string]any, fb *flatBatch) error {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if childType, ok := val["type"].(string); ok && childType != "" {
			childID, err := s.flattenObject(val, fb)
			if err != nil {
				return err
			}
			row[key+"_ref"] = childID
			return nil
		}
		for subKey, subVal := range val {
			if err := s.flattenField(key+"."+subKey, subVal, row, fb); err != nil {
				return err
			}
		}
		return nil
	case []any:
		return s.flattenList(key, val, row, fb)
	default:
		row[key] = val
		return nil
	}
}

// flattenList handles array-valued properties: objects with their own
// "type" become child observations whose ids are joined into a single
// "*_refs" column (there being no multi-valued column type to hold a real
// list); everything else is joined into a single comma-separated string
// column, which is what the "labels"-shaped plain string lists in spec §3
// need and no more.
func (s *Shredder) flattenList(key string, items []any, row map[string]any, fb *flatBatch) error {
	var refIDs []string
	var scalars []string
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			if childType, ok := m["type"].(string); ok && childType != "" {
				childID, err := s.flattenObject(m, fb)
				if err != nil {
					return err
				}
				refIDs = append(refIDs, childID)
				continue
			}
		}
		scalars = append(scalars, fmt.Sprint(item))
	}
	if len(refIDs) > 0 {
		row[key+"_refs"] = strings.Join(refIDs, ",")
	}
	if len(scalars) > 0 {
		row[key] = strings.Join(scalars, ",")
	}
	return nil
}

// commit ensures every type's columns (spec §4.2 widening) and upserts its
// rows (spec §4.3 step 3 / §4.6), one SCO type at a time in deterministic
// order for reproducible DDL.
func (s *Shredder) commit(ctx context.Context, rowsByType map[string][]map[string]any) error {
	types := make([]string, 0, len(rowsByType))
	for t := range rowsByType {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		rows := rowsByType[t]
		want := make(map[string]registry.ColType)
		for _, row := range rows {
			for k, v := range row {
				if k == "id" || k == "type" {
					continue
				}
				want[k] = registry.InferType(v)
			}
		}
		if err := s.reg.EnsureColumns(ctx, t, want); err != nil {
			return err
		}
		for _, row := range rows {
			if err := s.upsertRow(ctx, t, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// upsertRow inserts row, or on id collision sums number_observed and fills
// only the columns that were previously null (spec §4.6: "the first
// non-null value wins").
func (s *Shredder) upsertRow(ctx context.Context, scoType string, row map[string]any) error {
	table := s.reg.TableName(scoType)
	q := s.dial.QuoteIdentifier

	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = q(c)
		placeholders[i] = "?"
		args[i] = row[c]
	}

	var set []string
	for _, c := range cols {
		switch c {
		case "id", "type":
			continue
		case "number_observed":
			set = append(set, fmt.Sprintf("%s = %s + excluded.%s", q(c), q(c), q(c)))
		default:
			set = append(set, fmt.Sprintf("%s = COALESCE(%s, excluded.%s)", q(c), q(c), q(c)))
		}
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		q(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "), q("id"), strings.Join(set, ", "))
	_, err := s.dial.Exec(ctx, stmt, args...)
	return err
}
