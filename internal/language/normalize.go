package language

import "strings"

// Codes stored on alias rows are lowercase ISO 639-1. Sources and the
// detector sometimes report a language by name or three-letter code instead.
var namedCodes = map[string]string{
	"english":    "en",
	"eng":        "en",
	"korean":     "ko",
	"kor":        "ko",
	"japanese":   "ja",
	"jpn":        "ja",
	"chinese":    "zh",
	"zho":        "zh",
	"chi":        "zh",
	"indonesian": "id",
	"ind":        "id",
	"thai":       "th",
	"tha":        "th",
	"spanish":    "es",
	"spa":        "es",
	"french":     "fr",
	"fra":        "fr",
	"fre":        "fr",
	"german":     "de",
	"deu":        "de",
	"ger":        "de",
	"vietnamese": "vi",
	"vie":        "vi",
}

// NormalizeCode maps a reported language ("EN", "en_US", "ko-KR", "Korean",
// "kor") to its ISO 639-1 code. Unknown or malformed values yield "".
func NormalizeCode(raw string) string {
	primary := primarySubtag(raw)
	if primary == "" {
		return ""
	}
	if code, ok := namedCodes[primary]; ok {
		return code
	}
	if len(primary) != 2 {
		return ""
	}
	return primary
}

// primarySubtag lowercases a tag and returns the part before the first "-"
// or "_". Tags with non-letter characters yield "".
func primarySubtag(raw string) string {
	tag := strings.ToLower(strings.TrimSpace(raw))
	if cut := strings.IndexAny(tag, "-_"); cut >= 0 {
		tag = tag[:cut]
	}
	for _, r := range tag {
		if r < 'a' || r > 'z' {
			return ""
		}
	}
	return tag
}
