// Package util holds small helpers with no home of their own: environment
// parsing and random identifier generation.
package util

import (
	"log/slog"
	"os"
	"strings"
)

// ParseBoolEnv reads a boolean environment variable, accepting the usual
// spellings (true/1/yes/on, false/0/no/off) case-insensitively. An unset
// variable yields fallback; an unparseable one yields fallback with a
// warning rather than an error, since these gate non-critical toggles.
func ParseBoolEnv(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: unrecognized boolean value, using fallback",
			"key", key, "value", val, "fallback", fallback)
		return fallback
	}
}
