package language

import "testing"

func TestNormalizeCode(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		" EN-us ":    "en",
		"en_US":      "en",
		"ko-KR":      "ko",
		"zh":         "zh",
		"Korean":     "ko",
		"JPN":        "ja",
		"english":    "en",
		" ":          "",
		"en_123":     "en",
		"1en":        "",
		"klingon":    "",
		"tlh":        "",
		"-en":        "",
		"Indonesian": "id",
	}
	for raw, want := range cases {
		if got := NormalizeCode(raw); got != want {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestAliasLanguage(t *testing.T) {
	t.Parallel()

	if got := AliasLanguage("EN", "Solo Leveling", nil); got == nil || *got != "en" {
		t.Fatalf("reported code not used: %v", got)
	}
	if got := AliasLanguage("Korean", "Solo Leveling", nil); got == nil || *got != "ko" {
		t.Fatalf("reported language name not mapped: %v", got)
	}
	if got := AliasLanguage("", "Solo Leveling", nil); got != nil {
		t.Fatalf("expected nil language without detector, got %q", *got)
	}

	detect := func(string) string { return "KO" }
	if got := AliasLanguage(" ", "나 혼자만 레벨업", detect); got == nil || *got != "ko" {
		t.Fatalf("detector result not used: %v", got)
	}
	if got := AliasLanguage("tlh", "Solo Leveling", detect); got == nil || *got != "ko" {
		t.Fatalf("unmappable reported code should fall through to detector: %v", got)
	}
	if got := AliasLanguage("", "x", func(string) string { return "" }); got != nil {
		t.Fatalf("expected nil for unsure detector, got %q", *got)
	}
}
