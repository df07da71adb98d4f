package seed

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/db/memdb"
)

const seedFixture = `[
  {
    "en_primary_title": "Solo Leveling",
    "all_titles": ["Solo Leveling", "Na Honjaman Level-eob"],
    "romaji_titles": ["Ore dake Level Up na Ken"],
    "synonyms": "I Level Up Alone",
    "mangadex_id": "md-1",
    "anilist_id": 105398,
    "manga_updates_id": null
  },
  {
    "en_primary_title": null,
    "all_titles": ["Tower of God"],
    "kitsu_id": "kt-9"
  },
  {
    "en_primary_title": "Solo Leveling (Official)",
    "anilist_id": "105398",
    "synonyms": ["SOLO LEVELING"]
  },
  { "all_titles": [] },
  "not an object"
]`

func TestImportCreatesAndMatchesWorks(t *testing.T) {
	t.Parallel()

	store := memdb.New()
	im := NewImporter(store, Options{BatchSize: 2}, zerolog.Nop())

	stats, err := im.Import(context.Background(), strings.NewReader(seedFixture))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if stats.Processed != 3 || stats.Invalid != 2 {
		t.Fatalf("expected 3 processed and 2 invalid, got %+v", stats)
	}
	if stats.CreatedWorks != 2 || stats.MatchedWorks != 1 {
		t.Fatalf("expected 2 created and 1 matched, got %+v", stats)
	}

	works := store.Works()
	if len(works) != 2 {
		t.Fatalf("expected 2 works, got %+v", works)
	}
	byTitle := map[string]int64{}
	for _, w := range works {
		byTitle[w.CanonicalTitle] = w.ID
	}
	solo, ok := byTitle["Solo Leveling"]
	if !ok {
		t.Fatalf("expected Solo Leveling work, got %+v", works)
	}
	if _, ok := byTitle["Tower of God"]; !ok {
		t.Fatalf("expected Tower of God work, got %+v", works)
	}

	var soloTitles []db.WorkTitle
	for _, title := range store.Titles() {
		if title.WorkID == solo {
			soloTitles = append(soloTitles, title)
		}
	}
	want := map[string]bool{
		"solo leveling":            true,
		"na honjaman level eob":    false,
		"ore dake level up na ken": false,
		"i level up alone":         false,
		"solo leveling official":   true,
	}
	if len(soloTitles) != len(want) {
		t.Fatalf("expected %d aliases for Solo Leveling, got %+v", len(want), soloTitles)
	}
	for _, title := range soloTitles {
		canonical, ok := want[title.NormalizedTitle]
		if !ok {
			t.Fatalf("unexpected alias %+v", title)
		}
		if title.Source != db.SourceOther {
			t.Fatalf("expected OTHER source, got %+v", title)
		}
		if title.Canonical != canonical {
			t.Fatalf("unexpected canonical flag on %+v", title)
		}
	}

	ids := store.ExternalIDs()
	if len(ids) != 3 {
		t.Fatalf("expected 3 external ids, got %+v", ids)
	}
	for _, e := range ids {
		if e.Source == db.SourceAniList && (e.ExternalID != "105398" || e.WorkID != solo) {
			t.Fatalf("unexpected anilist row %+v", e)
		}
	}
}

func TestImportCountsConflictsOnReimport(t *testing.T) {
	t.Parallel()

	store := memdb.New()
	ctx := context.Background()
	fixture := `[{"en_primary_title": "Omniscient Reader", "all_titles": ["Omniscient Reader", "ORV"], "mangadex_id": "md-7"}]`

	first, err := NewImporter(store, Options{}, zerolog.Nop()).Import(ctx, strings.NewReader(fixture))
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if first.CreatedWorks != 1 || first.TitlesAdded != 2 || first.ExternalIDsAdded != 1 {
		t.Fatalf("unexpected first stats %+v", first)
	}

	second, err := NewImporter(store, Options{}, zerolog.Nop()).Import(ctx, strings.NewReader(fixture))
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if second.MatchedWorks != 1 || second.CreatedWorks != 0 {
		t.Fatalf("expected the work to be matched, got %+v", second)
	}
	if second.TitleConflicts != 2 {
		t.Fatalf("expected both aliases to conflict, got %+v", second)
	}
	if second.ExternalIDsAdded != 0 || second.ExternalIDConflicts != 0 {
		t.Fatalf("expected known external id to be skipped, got %+v", second)
	}
	if len(store.Titles()) != 2 || len(store.ExternalIDs()) != 1 {
		t.Fatalf("expected no duplicate rows, got %d titles and %d ids", len(store.Titles()), len(store.ExternalIDs()))
	}
}

func TestImportRejectsNonArray(t *testing.T) {
	t.Parallel()

	_, err := NewImporter(memdb.New(), Options{}, zerolog.Nop()).Import(context.Background(), strings.NewReader(`{"en_primary_title": "x"}`))
	if err == nil {
		t.Fatalf("expected non-array root to fail")
	}
}
