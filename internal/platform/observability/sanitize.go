package observability

import (
	"strings"
	"unicode"
)

// sanitizeString drops control characters other than whitespace and truncates to limit runes so
// client-supplied values cannot forge log lines.
func sanitizeString(value string, limit int) string {
	cleaned := []rune(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, value))
	if limit > 0 && len(cleaned) > limit {
		cleaned = cleaned[:limit]
	}
	return string(cleaned)
}

// SanitizeRoute bounds a route or path for logging; empty means the root.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeSessionID bounds client-supplied session identifiers before they reach logs or spans.
func SanitizeSessionID(id string) string {
	return sanitizeString(id, 64)
}
