package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credentials in log records.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = []string{"token", "secret", "authorization", "password"}

// IsSensitive reports whether a log key names a credential.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, marker := range sensitiveKeys {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}

// MaskField returns an attribute whose value is redacted when the key names a
// credential. Empty values pass through so logs still show that nothing was
// configured.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
