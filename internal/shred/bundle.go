package shred

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadObjects normalizes the accepted "bundles" input shapes (spec §4.3:
// "an object or list of objects in the standardized wire format, or a path
// to a file of such") into a flat list of SCO objects, unwrapping any
// bundle envelope ({"type":"bundle","objects":[...]}) it finds along the
// way. File paths are read with a streaming json.Decoder straight off the
// open file rather than slurped into a byte slice first, the same way the
// teacher's schema parsers stream DDL files instead of loading strings.
func LoadObjects(bundles any) ([]map[string]any, error) {
	items, err := decodeInput(bundles)
	if err != nil {
		return nil, err
	}
	return extractObjects(items)
}

func decodeInput(bundles any) ([]any, error) {
	switch b := bundles.(type) {
	case string:
		f, err := os.Open(b)
		if err != nil {
			return nil, fmt.Errorf("shred: opening bundle %s: %w", b, err)
		}
		defer f.Close()
		var v any
		if err := json.NewDecoder(f).Decode(&v); err != nil {
			return nil, fmt.Errorf("shred: decoding bundle %s: %w", b, err)
		}
		return flattenDecoded(v), nil
	case []byte:
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("shred: decoding bundle: %w", err)
		}
		return flattenDecoded(v), nil
	case map[string]any:
		return []any{b}, nil
	case []map[string]any:
		out := make([]any, len(b))
		for i, m := range b {
			out[i] = m
		}
		return out, nil
	case []string:
		var out []any
		for _, p := range b {
			sub, err := decodeInput(p)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return out, nil
	case []any:
		var out []any
		for _, item := range b {
			sub, err := decodeInput(item)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("shred: unsupported bundle input type %T", bundles)
	}
}

// flattenDecoded turns a decoded JSON value into a list of top-level
// items: a decoded array is returned element-by-element, a decoded object
// is returned as the single item (extractObjects unwraps its "objects"
// envelope, if any).
func flattenDecoded(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}

// extractObjects unwraps a STIX bundle envelope ({"objects": [...]}) where
// present, otherwise treats each item as an SCO object directly.
func extractObjects(items []any) ([]map[string]any, error) {
	var out []map[string]any
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("shred: expected a JSON object, got %T", item)
		}
		if objs, ok := m["objects"].([]any); ok {
			for _, o := range objs {
				om, ok := o.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("shred: bundle object is not a JSON object: %T", o)
				}
				out = append(out, om)
			}
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
