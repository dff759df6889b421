package ingest

import "strings"

// The run-log document is untyped, matching the permissive dict access the
// original ingestor performs on arbitrary external JSON. These helpers
// mirror Python's dict.get(key, default) idiom over a decoded
// map[string]any tree.

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return ""
	}
}

// getStringAny returns the first non-empty string found under any of keys.
func getStringAny(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := getString(m, k); s != "" {
			return s
		}
	}
	return ""
}

func getFloat(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// getFloatAny returns the first present numeric value among keys.
func getFloatAny(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := getFloat(m, k); ok {
			return f, true
		}
	}
	return 0, false
}

func getIntPtr(m map[string]any, key string) *int {
	f, ok := getFloat(m, key)
	if !ok {
		return nil
	}
	n := int(f)
	return &n
}

func normalizeRelPath(value string) string {
	return strings.TrimSpace(strings.ReplaceAll(value, "\\", "/"))
}
