// Package interp implements placeholder substitution over the machine
// context.
//
// Templates embed context values with `{path.to.var}` placeholders. Lookup
// walks the context tree one dot-separated segment at a time; a segment that
// is missing, or whose parent is not a map, leaves the whole placeholder
// literal in the output. Missing variables are therefore self-diagnostic:
// a `{foo}` surviving into a log line means `foo` was absent.
//
// Type preservation: a template that is exactly one placeholder returns the
// underlying value with its original type (map, list, int, bool). Any
// literal text or second placeholder forces string output. Actions depend on
// this rule to forward complex payloads, e.g. `payload: "{event_data.payload}"`.
package interp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches one placeholder. The first path segment must start
// with a letter or underscore; subsequent segments allow leading digits so
// numeric map keys resolve.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\}`)

// Interpolate substitutes placeholders in s against context.
//
// Returns the original value (any type) when s is exactly one placeholder
// and the path resolves. Returns a string otherwise. A nil context is
// treated as empty; every placeholder then stays literal.
func Interpolate(s string, context map[string]any) any {
	if context == nil {
		context = map[string]any{}
	}

	// Whole-string placeholder: preserve the underlying type.
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := Lookup(context, m[1]); ok {
			return v
		}
		return s
	}

	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := match[1 : len(match)-1]
		v, ok := Lookup(context, path)
		if !ok {
			return match
		}
		return Stringify(v)
	})
}

// InterpolateValue applies Interpolate to string values and passes every
// other type through unchanged.
func InterpolateValue(v any, context map[string]any) any {
	if s, ok := v.(string); ok {
		return Interpolate(s, context)
	}
	return v
}

// InterpolateConfig deep-copies config, interpolating every string leaf.
// Maps and slices are traversed recursively; other scalars pass through.
// The engine calls this once per action invocation so individual actions
// never re-implement substitution.
func InterpolateConfig(config any, context map[string]any) any {
	switch c := config.(type) {
	case string:
		return Interpolate(c, context)
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, v := range c {
			out[k] = InterpolateConfig(v, context)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, v := range c {
			out[i] = InterpolateConfig(v, context)
		}
		return out
	default:
		return config
	}
}

// Lookup walks a dot-separated path through nested maps.
// Every intermediate step must be a map[string]any with the key present.
func Lookup(context map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = context
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a context value for embedding in a mixed template.
// Strings are verbatim; maps and slices become compact JSON so forwarded
// structures stay parseable; other scalars use their natural formatting.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
