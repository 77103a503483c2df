// Package workflow provides the workflow template store and the {{key}}
// placeholder engine.
//
// Templates are engine-specific job graphs stored as JSON or YAML
// documents. Their structure is opaque to the relay: the only
// interpretation performed here is substitution of {{key}} tokens inside
// string values. Substitution is fail-open - placeholders whose key is
// absent from the value map are left as literal text, allowing templates
// to carry tokens for parameters a given request does not set.
package workflow

import (
	"fmt"
	"strings"
)

// ResolvePlaceholders walks a template document and replaces every
// {{key}} occurrence in string values with the string form of the
// matching value. Nil values substitute as the empty string. Maps and
// slices are copied; non-string scalars pass through untouched.
func ResolvePlaceholders(node interface{}, values map[string]interface{}) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, child := range v {
			out[key] = ResolvePlaceholders(child, values)
		}
		return out

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			out[i] = ResolvePlaceholders(child, values)
		}
		return out

	case string:
		return replaceTokens(v, values)

	default:
		return node
	}
}

// replaceTokens substitutes {{key}} tokens for every key in the value map
func replaceTokens(s string, values map[string]interface{}) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	for key, value := range values {
		token := "{{" + key + "}}"
		if !strings.Contains(s, token) {
			continue
		}
		s = strings.ReplaceAll(s, token, formatValue(value))
	}
	return s
}

// formatValue renders a substitution value as a string. Nil renders as
// the empty string so optional parameters blank out cleanly.
func formatValue(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Trim the trailing ".000000" fmt would add for whole numbers
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
