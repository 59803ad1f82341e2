package exprlang

import (
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// RenderTemplate substitutes every `${path.to.value}` placeholder in text
// with its resolved value from ctx. Undefined placeholders render as an
// empty string.
func RenderTemplate(text string, ctx map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := ResolveString(ctx, path)
		if !ok {
			return ""
		}
		return value
	})
}
