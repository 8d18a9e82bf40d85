package logging

import (
	"regexp"
	"strings"
)

// Sensitive field names that should be redacted.
var sensitiveFields = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"credential",
	"private_key",
	"privatekey",
}

// Patterns for secrets that may appear inside remote command lines.
var secretPatterns = []*regexp.Regexp{
	// --password=xyz, password=xyz, -p xyz style arguments
	regexp.MustCompile(`(?i)(--?(?:password|passwd|pass|secret|token)[= ])(\S+)`),
	regexp.MustCompile(`(?i)((?:password|passwd|secret|token)[=:]["']?)([^\s"']+)`),

	// Inline PEM blocks
	regexp.MustCompile(`(?s)(-----BEGIN [A-Z ]*PRIVATE KEY-----)(.*?-----END [A-Z ]*PRIVATE KEY-----)`),
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces sensitive values in a string, keeping the key that
// introduced them so logs remain readable.
func Redact(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, "${1}"+RedactedValue)
	}
	return result
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}

// RedactSettings returns a copy of a flattened settings map with the values of
// sensitive keys replaced.
func RedactSettings(settings map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		switch {
		case IsSensitiveField(k):
			if str, ok := v.(string); ok && str == "" {
				result[k] = ""
			} else {
				result[k] = RedactedValue
			}
		default:
			if nested, ok := v.(map[string]interface{}); ok {
				result[k] = RedactSettings(nested)
			} else {
				result[k] = v
			}
		}
	}
	return result
}
