package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var plainTextPolicy = bluemonday.StrictPolicy()

// NormalizeStringMap trims keys and values, removing entries with empty keys or values.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.TrimSpace(key)
		trimmedValue := strings.TrimSpace(value)
		if trimmedKey == "" || trimmedValue == "" {
			continue
		}
		result[trimmedKey] = trimmedValue
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// PlainText strips markup from gateway supplied display strings and bounds them to limit runes.
// A non-positive limit disables truncation.
func PlainText(value string, limit int) string {
	cleaned := html.UnescapeString(plainTextPolicy.Sanitize(value))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if limit > 0 && utf8.RuneCountInString(cleaned) > limit {
		runes := []rune(cleaned)
		cleaned = string(runes[:limit])
	}
	return cleaned
}
