package language

// Detector guesses an ISO 639-1 code for a text sample, returning "" when unsure.
type Detector func(text string) string

// AliasLanguage picks the language stored on an alias row. A code reported by
// the source wins; otherwise detect is consulted when non-nil. A nil result
// means "unknown" and is stored as NULL.
func AliasLanguage(reported, sample string, detect Detector) *string {
	if code := NormalizeCode(reported); code != "" {
		return &code
	}
	if detect == nil {
		return nil
	}
	if code := NormalizeCode(detect(sample)); code != "" {
		return &code
	}
	return nil
}
