// Package titles turns surface titles into the keys used for alias matching.
package titles

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds accents, lowercases and collapses every run of characters
// outside [a-z0-9] into a single space. The result is idempotent.
func Normalize(s string) string {
	if s == "" {
		return ""
	}

	folder := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	decomposed, _, err := transform.String(folder, s)
	if err != nil {
		decomposed = s
	}
	lowered := strings.ToLower(decomposed)

	var b strings.Builder
	b.Grow(len(lowered))
	pendingSpace := false
	for _, r := range lowered {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// Tokens returns the distinct space separated tokens of an already normalized title.
func Tokens(normalized string) map[string]struct{} {
	fields := strings.Fields(normalized)
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

// TokenJaccard is |A∩B| / |A∪B| over the token sets of two normalized titles.
func TokenJaccard(a, b string) float64 {
	left := Tokens(a)
	right := Tokens(b)
	if len(left) == 0 || len(right) == 0 {
		return 0
	}

	shared := 0
	for token := range left {
		if _, ok := right[token]; ok {
			shared++
		}
	}
	union := len(left) + len(right) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// IsBlank reports whether s has no non-space characters.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// FirstNonBlank returns the first argument with visible content, trimmed.
func FirstNonBlank(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
