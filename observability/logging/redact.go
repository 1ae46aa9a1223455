package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Attribute keys that are masked outright, compared case-insensitively.
var secretKeys = map[string]struct{}{
	"authorization": {},
	"dsn":           {},
	"privatekey":    {},
	"signature":     {},
	"proof":         {},
}

// Keys ending in one of these are masked too, so "hmacSecret" and
// "bearerToken" never reach the log sink.
var secretSuffixes = []string{"secret", "token", "password", "passphrase"}

func isSecret(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if _, ok := secretKeys[key]; ok {
		return true
	}
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// MaskField returns an attribute whose value is masked when key is sensitive.
// Empty values are left alone so missing credentials stay visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !isSecret(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
