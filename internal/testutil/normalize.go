package testutil

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"testing"
)

// volatileFields vary between runs and are dropped before comparison.
var volatileFields = map[string]bool{
	"addedAt":     true,
	"lastBuiltAt": true,
	"sourceHash":  true,
	"time":        true,
	"duration":    true,
	"startedAt":   true,
	"uptime":      true,
}

// idFields hold identifiers derived from random or temporary paths; their
// values are replaced with a placeholder.
var idFields = map[string]bool{
	"id":        true,
	"projectId": true,
	"fileId":    true,
}

// Normalize turns data into a JSON-shaped value with volatile fields dropped,
// identifiers masked and the fixture root replaced by <root>.
func Normalize(t *testing.T, fixture *Fixture, data any) any {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Failed to marshal data for normalization: %v", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("Failed to unmarshal data for normalization: %v", err)
	}
	return normalizeValue(v, fixture.Root)
}

func normalizeValue(v any, root string) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			switch {
			case volatileFields[k]:
				continue
			case idFields[k]:
				out[k] = "<id>"
			default:
				out[k] = normalizeValue(item, root)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item, root)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return sortKey(out[i]) < sortKey(out[j])
		})
		return out
	case string:
		return NormalizeString(val, root)
	default:
		return v
	}
}

// sortKey orders maps inside slices by path-like keys.
func sortKey(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"sourcePath", "rootPath", "path", "name"} {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	return ""
}

// NormalizeString replaces root with <root> and uses forward slashes.
func NormalizeString(s, root string) string {
	if root != "" {
		s = strings.ReplaceAll(s, root, "<root>")
	}
	return strings.ReplaceAll(s, "\\", "/")
}

// MarshalNormalized normalizes data and marshals it to stable JSON bytes:
// sorted keys, 2-space indentation, no HTML escaping, trailing newline.
func MarshalNormalized(t *testing.T, fixture *Fixture, data any) []byte {
	t.Helper()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Normalize(t, fixture, data)); err != nil {
		t.Fatalf("Failed to marshal normalized data: %v", err)
	}
	return buf.Bytes()
}
