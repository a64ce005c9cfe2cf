package tools

import (
	"fmt"
	"strings"
)

// ValidateParams checks args against a tool's JSON Schema. The returned slice
// is empty when the arguments are valid.
func ValidateParams(schema, args map[string]any) []string {
	if schema == nil {
		return nil
	}
	return validateValue(args, schema, "")
}

func validateValue(val any, schema map[string]any, path string) []string {
	label := path
	if label == "" {
		label = "parameter"
	}
	typ, _ := schema["type"].(string)

	if typ != "" && !typeMatches(typ, val) {
		return []string{fmt.Sprintf("%s should be %s", label, typ)}
	}

	var errs []string
	if enum := enumValues(schema["enum"]); len(enum) > 0 {
		found := false
		for _, e := range enum {
			if s, ok := val.(string); ok && s == e {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Sprintf("%s must be one of [%s]", label, strings.Join(enum, " ")))
		}
	}

	switch typ {
	case "integer", "number":
		n := toFloat(val)
		if min, ok := toFloatOK(schema["minimum"]); ok && n < min {
			errs = append(errs, fmt.Sprintf("%s must be >= %v", label, schema["minimum"]))
		}
		if max, ok := toFloatOK(schema["maximum"]); ok && n > max {
			errs = append(errs, fmt.Sprintf("%s must be <= %v", label, schema["maximum"]))
		}
	case "string":
		s, _ := val.(string)
		if min, ok := toFloatOK(schema["minLength"]); ok && float64(len(s)) < min {
			errs = append(errs, fmt.Sprintf("%s must be at least %v chars", label, schema["minLength"]))
		}
		if max, ok := toFloatOK(schema["maxLength"]); ok && float64(len(s)) > max {
			errs = append(errs, fmt.Sprintf("%s must be at most %v chars", label, schema["maxLength"]))
		}
	case "object", "":
		obj, ok := val.(map[string]any)
		if !ok {
			break
		}
		props, _ := schema["properties"].(map[string]any)
		if required := enumValues(schema["required"]); len(required) > 0 {
			for _, k := range required {
				if _, present := obj[k]; !present {
					errs = append(errs, "missing required "+joinPath(path, k))
				}
			}
		}
		for k, v := range obj {
			if sub, ok := props[k].(map[string]any); ok {
				errs = append(errs, validateValue(v, sub, joinPath(path, k))...)
			}
		}
	case "array":
		items, ok := schema["items"].(map[string]any)
		if !ok {
			break
		}
		if arr, ok := val.([]any); ok {
			for i, item := range arr {
				errs = append(errs, validateValue(item, items, fmt.Sprintf("%s[%d]", path, i))...)
			}
		}
	}
	return errs
}

func enumValues(v any) []string {
	switch e := v.(type) {
	case []string:
		return e
	case []any:
		out := make([]string, 0, len(e))
		for _, item := range e {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func typeMatches(typ string, val any) bool {
	switch typ {
	case "string":
		_, ok := val.(string)
		return ok
	case "integer":
		// JSON decoding yields float64; accept whole numbers.
		switch n := val.(type) {
		case float64:
			return n == float64(int64(n))
		case int, int64:
			return true
		}
		return false
	case "number":
		switch val.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	}
	return true
}

func toFloat(val any) float64 {
	f, _ := toFloatOK(val)
	return f
}

func toFloatOK(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
