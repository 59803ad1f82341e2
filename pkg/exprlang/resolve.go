// Package exprlang implements a deliberately minimal, non-host-eval
// placeholder and condition language for workflow step prompt templates
// and conditions: `${path.to.value}` substitution into a context map, and
// boolean expressions over the same.
package exprlang

import (
	"fmt"

	"github.com/itchyny/gojq"
)

// Resolve extracts the value at a dotted path (e.g. "steps.fetch.output")
// from ctx using itchyny/gojq, a sandboxed query engine with no access to
// the host process, avoiding a hand-rolled reflection walker. A missing
// path, or one whose value is null, reports false.
func Resolve(ctx map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	query, err := gojq.Parse(toJQFilter(path))
	if err != nil {
		return nil, false
	}
	iter := query.Run(ctx)
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if err, isErr := v.(error); isErr {
		_ = err
		return nil, false
	}
	if v == nil {
		// gojq yields null, not an error, for a missing key.
		return nil, false
	}
	return v, true
}

// toJQFilter turns a dot/bracket path like "a.b[0].c" into the jq filter
// syntax ".a.b[0].c".
func toJQFilter(path string) string {
	return "." + path
}

// ResolveString is Resolve plus a string coercion convenient for template
// interpolation, where every substituted value renders as text.
func ResolveString(ctx map[string]interface{}, path string) (string, bool) {
	v, ok := Resolve(ctx, path)
	if !ok || v == nil {
		return "", ok
	}
	return fmt.Sprintf("%v", v), true
}
