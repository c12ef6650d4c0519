package tracker

import "strings"

// Redacted replaces parameter values whose keys look secret-bearing.
const Redacted = "[REDACTED]"

var sensitiveKeyParts = []string{
	"password",
	"token",
	"auth",
	"key",
	"secret",
	"credential",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// redactParams returns a deep copy of params with every value under a
// secret-bearing key replaced, recursing through nested maps and slices.
// Secrets are redacted before storage and are never persisted or returned
// verbatim.
func redactParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return redactParams(vv)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
