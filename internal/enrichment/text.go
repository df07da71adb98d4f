package enrichment

import (
	"regexp"
	"strings"
	"unicode"
)

const minDescriptionSignal = 20

var (
	objectTokenPattern   = regexp.MustCompile(`(?i)\[object object\]`)
	inlineSpacePattern   = regexp.MustCompile(`[^\S\n]+`)
	newlineSpacePattern  = regexp.MustCompile(` *\n *`)
	blankLinesPattern    = regexp.MustCompile(`\n{3,}`)
	repeatedCommaPattern = regexp.MustCompile(`,(\s*,)+`)
	spaceBeforeComma     = regexp.MustCompile(` +,`)
)

// SanitizeDescription cleans scraped or API descriptions. It returns "" when
// fewer than 20 letters or digits remain.
func SanitizeDescription(raw string) string {
	text := objectTokenPattern.ReplaceAllString(raw, " ")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = inlineSpacePattern.ReplaceAllString(text, " ")
	text = newlineSpacePattern.ReplaceAllString(text, "\n")
	text = blankLinesPattern.ReplaceAllString(text, "\n\n")
	text = repeatedCommaPattern.ReplaceAllString(text, ",")
	text = spaceBeforeComma.ReplaceAllString(text, ",")
	text = strings.TrimSpace(text)
	text = strings.TrimLeftFunc(text, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})

	signal := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			signal++
		}
	}
	if signal < minDescriptionSignal {
		return ""
	}
	return text
}

// MergeGenreCSV unions the genres of an existing CSV with incoming values.
// Entries are compared lowercased with collapsed whitespace; the first
// spelling wins and order of appearance is kept.
func MergeGenreCSV(existing string, incoming ...string) string {
	seen := make(map[string]struct{})
	var out []string
	add := func(value string) {
		value = strings.Join(strings.Fields(value), " ")
		if value == "" {
			return
		}
		key := strings.ToLower(value)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, value)
	}
	for _, part := range strings.Split(existing, ",") {
		add(part)
	}
	for _, value := range incoming {
		for _, part := range strings.Split(value, ",") {
			add(part)
		}
	}
	return strings.Join(out, ", ")
}
