package actions

import "fmt"

// Config key helpers. Action configs come from YAML through the
// interpolator, so values arrive as any and the helpers coerce leniently.

func stringKey(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func intKey(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func floatKey(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f
		}
	}
	return def
}

func mapKey(cfg map[string]any, key string) map[string]any {
	if m, ok := cfg[key].(map[string]any); ok {
		return m
	}
	return nil
}

func listKey(cfg map[string]any, key string) []any {
	if l, ok := cfg[key].([]any); ok {
		return l
	}
	return nil
}

// successEvent returns the per-invocation success override, or def.
func successEvent(cfg map[string]any, def string) string {
	return stringKey(cfg, "success", def)
}

// errorEvent returns the per-invocation error override, or the standard
// error event.
func errorEvent(cfg map[string]any) string {
	return stringKey(cfg, "error", EventError)
}

// contextList reads a list-valued context key, tolerating absent keys.
func contextList(fc Context, key string) []any {
	if l, ok := fc[key].([]any); ok {
		return l
	}
	return nil
}

// stringItem renders a list element or config value as a string.
func stringItem(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
