package worker

import (
	"fmt"
	"strings"
)

// applyTransform applies one named column transform from the job's mapping
// language. Unknown transform names are a job-spec error surfaced at copy
// time, not silently ignored.
func applyTransform(name string, value any) (any, error) {
	switch name {
	case "", "none":
		return value, nil
	case "upper":
		return transformString(value, strings.ToUpper), nil
	case "lower":
		return transformString(value, strings.ToLower), nil
	case "trim":
		return transformString(value, strings.TrimSpace), nil
	case "null_if_empty":
		if s, ok := stringValue(value); ok && s == "" {
			return nil, nil
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unknown column transform %q", name)
	}
}

func transformString(value any, fn func(string) string) any {
	if s, ok := stringValue(value); ok {
		return fn(s)
	}
	return value
}

func stringValue(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}
