// Package models reduces provider-specific model identifiers to a canonical comparison key.
package models

import (
	"regexp"
	"strings"
)

var (
	// dateToken matches 20YYMMDD and 20YY-MM-DD, optionally wrapped in separators.
	dateToken = regexp.MustCompile(`[-_]?20\d{2}(?:\d{4}|-\d{2}-\d{2})[-_]?`)
	separator = regexp.MustCompile(`[-_]+`)
)

// Normalize returns the canonical key for a raw model identifier. Identifiers
// that differ only in platform prefix, case, or embedded release date map to the
// same key. Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	// Separators are unified first so "_2025_01_01" is seen as a date too.
	s = separator.ReplaceAllString(s, "-")
	s = dateToken.ReplaceAllString(s, "-")
	s = separator.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Same reports whether two raw identifiers refer to the same canonical model.
func Same(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
