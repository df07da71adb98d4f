// Package langdetect guesses the language of short comic titles.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

// MinConfidence is the lowest lingua confidence accepted for a title.
const MinConfidence = 0.5

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// Languages the catalog actually receives titles in.
var supported = []lingua.Language{
	lingua.English,
	lingua.Korean,
	lingua.Japanese,
	lingua.Chinese,
	lingua.Spanish,
	lingua.French,
	lingua.German,
	lingua.Portuguese,
	lingua.Italian,
	lingua.Indonesian,
	lingua.Thai,
	lingua.Vietnamese,
}

// DetectISO6391 returns the two letter code of the detected language, or ""
// when the sample is too short or the detector is not confident.
func DetectISO6391(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}

	letterCount := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letterCount++
		}
	}
	if letterCount < 6 {
		return ""
	}

	d := getDetector()
	language, exists := d.DetectLanguageOf(sample)
	if !exists {
		return ""
	}
	if d.ComputeLanguageConfidence(sample, language) < MinConfidence {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(supported...).
			Build()
	})
	return detector
}
