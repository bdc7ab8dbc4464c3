// Package templating expands {{name}} placeholders in reply templates and
// flow action parameters.
package templating

import (
	"fmt"
	"regexp"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Lookup resolves a placeholder name. Returning false leaves the placeholder as written.
type Lookup func(name string) (string, bool)

// Map is a Lookup over a fixed set of values.
func Map(values map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

// Chain tries each lookup in order.
func Chain(lookups ...Lookup) Lookup {
	return func(name string) (string, bool) {
		for _, l := range lookups {
			if l == nil {
				continue
			}
			if v, ok := l(name); ok {
				return v, true
			}
		}
		return "", false
	}
}

// Values adapts a map of arbitrary values; non-string values are formatted with %v.
func Values(values map[string]interface{}) Lookup {
	return func(name string) (string, bool) {
		v, ok := values[name]
		if !ok || v == nil {
			return "", false
		}
		if s, isString := v.(string); isString {
			return s, true
		}
		return fmt.Sprint(v), true
	}
}

func Expand(s string, lookup Lookup) string {
	if lookup == nil {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		if v, ok := lookup(name); ok {
			return v
		}
		return match
	})
}

// ExpandValue walks strings, maps and slices, returning a new value with
// every string expanded. Other values are returned unchanged.
func ExpandValue(v interface{}, lookup Lookup) interface{} {
	switch t := v.(type) {
	case string:
		return Expand(t, lookup)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = ExpandValue(item, lookup)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = ExpandValue(item, lookup)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = Expand(item, lookup)
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(t))
		for i, item := range t {
			out[i] = ExpandValue(item, lookup).(map[string]interface{})
		}
		return out
	}
	return v
}
