package audit

import "strings"

// Redacted replaces the values of sensitive parameters.
const Redacted = "[REDACTED]"

// sensitiveKeys is matched as a case-insensitive substring of the parameter
// key, so "api_key", "apiKey", and "openai_api_key" are all caught.
var sensitiveKeys = []string{
	"password",
	"token",
	"secret",
	"api_key",
	"apikey",
	"authorization",
	"credential",
	"private_key",
}

// Redact returns a copy of params with sensitive values replaced. Nested
// maps are redacted recursively; the input is never modified.
func Redact(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		if isSensitive(key) {
			out[key] = Redacted
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = Redact(nested)
			continue
		}
		out[key] = value
	}
	return out
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
