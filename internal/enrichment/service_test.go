package enrichment

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/cover"
	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/db/memdb"
	"horse.fit/toonrank/internal/mangaupdates"
)

type fakeMetadata struct {
	series   map[string]*mangaupdates.Series
	searches map[string]*mangaupdates.Series
	calls    int
}

func (f *fakeMetadata) GetSeries(_ context.Context, id string) (*mangaupdates.Series, error) {
	f.calls++
	return f.series[id], nil
}

func (f *fakeMetadata) Search(_ context.Context, title string) (*mangaupdates.Series, error) {
	f.calls++
	return f.searches[title], nil
}

func newService(store *memdb.Store, meta Metadata, enabled bool) *Service {
	return NewService(store, meta, cover.NewSelector(store, zerolog.Nop()), enabled, zerolog.Nop())
}

func mustCreateWork(t *testing.T, store *memdb.Store, title string) *db.Work {
	t.Helper()
	w := &db.Work{CanonicalTitle: title}
	if err := store.CreateWork(context.Background(), w); err != nil {
		t.Fatalf("CreateWork(%q): %v", title, err)
	}
	return w
}

func hasAlias(store *memdb.Store, workID int64, normalized string, source db.TitleSource) bool {
	for _, a := range store.Titles() {
		if a.WorkID == workID && a.NormalizedTitle == normalized && a.Source == source && a.Language == nil {
			return true
		}
	}
	return false
}

func TestResolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memdb.New()
	aliased := mustCreateWork(t, store, "Na Honjaman Level Up")
	canonicalOnly := mustCreateWork(t, store, "Tower of God")
	if _, err := store.InsertTitle(ctx, &db.WorkTitle{WorkID: aliased.ID, Title: "Solo Leveling", NormalizedTitle: "solo leveling", Source: db.SourceWebtoons}); err != nil {
		t.Fatalf("InsertTitle: %v", err)
	}
	svc := newService(store, nil, false)

	if _, _, err := svc.Resolve(ctx, "   "); !errors.Is(err, ErrUnresolvedTitle) {
		t.Fatalf("Resolve(blank) err = %v, want ErrUnresolvedTitle", err)
	}
	for _, hint := range []string{"Solo Leveling", "solo-leveling", "SOLO  LEVELING!"} {
		id, ok, err := svc.Resolve(ctx, hint)
		if err != nil || !ok || id != aliased.ID {
			t.Fatalf("Resolve(%q) = %d, %v, %v; want %d", hint, id, ok, err, aliased.ID)
		}
	}
	id, ok, err := svc.Resolve(ctx, "Tower of God")
	if err != nil || !ok || id != canonicalOnly.ID {
		t.Fatalf("Resolve(canonical) = %d, %v, %v", id, ok, err)
	}
	if _, ok, err := svc.Resolve(ctx, "Unknown Title"); err != nil || ok {
		t.Fatalf("Resolve(unknown) = %v, %v; want not found", ok, err)
	}
}

func TestResolveOrCreateCreatesWorkFromSearchHit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memdb.New()
	meta := &fakeMetadata{searches: map[string]*mangaupdates.Series{
		"Omniscient Reader": {
			ID:          "999",
			Title:       "Jeonjijeok Dokja Sijeom",
			HitTitle:    "Omniscient Reader's Viewpoint",
			Associated:  []string{"Omniscient Reader's Viewpoint", "ORV"},
			Description: "Dokja was an average office worker whose sole interest was reading a web novel.",
			Genres:      []string{"Action", "Fantasy"},
			CoverURL:    "https://cdn.example/orv.jpg",
		},
	}}
	svc := newService(store, meta, true)

	id, err := svc.ResolveOrCreate(ctx, "Omniscient Reader")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	work, err := store.GetWork(ctx, id)
	if err != nil {
		t.Fatalf("GetWork: %v", err)
	}
	if work.CanonicalTitle != "Omniscient Reader" {
		t.Fatalf("canonical = %q, want Omniscient Reader", work.CanonicalTitle)
	}
	ext, err := store.FindExternalID(ctx, db.SourceMangaUpdates, "999")
	if err != nil || ext.WorkID != id {
		t.Fatalf("external id = %+v, %v", ext, err)
	}
	for _, alias := range []string{"jeonjijeok dokja sijeom", "omniscient reader s viewpoint", "orv"} {
		if !hasAlias(store, id, alias, db.SourceMangaUpdates) {
			t.Fatalf("missing alias %q in %+v", alias, store.Titles())
		}
	}
	if work.Genre == nil || *work.Genre != "Action, Fantasy" {
		t.Fatalf("genre = %v", work.Genre)
	}
	if work.Description == nil || *work.Description == "" {
		t.Fatalf("description not applied")
	}
	if work.CoverImageURL == nil || *work.CoverImageURL != "https://cdn.example/orv.jpg" {
		t.Fatalf("cover = %v", work.CoverImageURL)
	}

	again, err := svc.ResolveOrCreate(ctx, "Omniscient Reader")
	if err != nil || again != id {
		t.Fatalf("second ResolveOrCreate = %d, %v; want %d", again, err, id)
	}
	if len(store.Works()) != 1 {
		t.Fatalf("works = %d, want 1", len(store.Works()))
	}
}

func TestResolveOrCreateReturnsLinkedWork(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memdb.New()
	linked := mustCreateWork(t, store, "The Beginning After the End")
	if _, err := store.InsertExternalID(ctx, &db.WorkExternalID{WorkID: linked.ID, Source: db.SourceMangaUpdates, ExternalID: "42"}); err != nil {
		t.Fatalf("InsertExternalID: %v", err)
	}
	meta := &fakeMetadata{searches: map[string]*mangaupdates.Series{
		"TBATE": {ID: "42", Title: "The Beginning After the End", HitTitle: "TBATE"},
	}}
	svc := newService(store, meta, true)

	id, err := svc.ResolveOrCreate(ctx, "TBATE")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if id != linked.ID || len(store.Works()) != 1 {
		t.Fatalf("id = %d (works %d), want linked %d", id, len(store.Works()), linked.ID)
	}
}

func TestResolveOrCreateWithoutEnrichment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memdb.New()
	meta := &fakeMetadata{}
	svc := newService(store, meta, false)

	id, err := svc.ResolveOrCreate(ctx, "Solo Leveling")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	work, err := store.GetWork(ctx, id)
	if err != nil || work.CanonicalTitle != "Solo Leveling" {
		t.Fatalf("work = %+v, %v", work, err)
	}
	if meta.calls != 0 {
		t.Fatalf("metadata called %d times while disabled", meta.calls)
	}
	if _, err := svc.ResolveOrCreate(ctx, ""); !errors.Is(err, ErrUnresolvedTitle) {
		t.Fatalf("blank hint err = %v", err)
	}
}

func TestEnrichPromotesCanonicalMatchedThroughAlias(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memdb.New()
	work := mustCreateWork(t, store, "ORV")
	meta := &fakeMetadata{searches: map[string]*mangaupdates.Series{
		"ORV": {ID: "999", Title: "Omniscient Reader", HitTitle: "ORV"},
	}}
	svc := newService(store, meta, true)

	if err := svc.Enrich(ctx, work.ID, "ORV"); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	got, _ := store.GetWork(ctx, work.ID)
	if got.CanonicalTitle != "Omniscient Reader" {
		t.Fatalf("canonical = %q, want promoted title", got.CanonicalTitle)
	}
}

func TestEnrichSkipsPromotionWhenTitleTaken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memdb.New()
	work := mustCreateWork(t, store, "ORV")
	mustCreateWork(t, store, "Omniscient Reader")
	meta := &fakeMetadata{searches: map[string]*mangaupdates.Series{
		"ORV": {ID: "999", Title: "Omniscient Reader", HitTitle: "ORV"},
	}}
	svc := newService(store, meta, true)

	if err := svc.Enrich(ctx, work.ID, "ORV"); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	got, _ := store.GetWork(ctx, work.ID)
	if got.CanonicalTitle != "ORV" {
		t.Fatalf("canonical = %q, want unchanged", got.CanonicalTitle)
	}
}

func TestEnrichPrefersLinkedSeries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memdb.New()
	work := mustCreateWork(t, store, "Lookism")
	for _, id := range []string{"1", "2"} {
		if _, err := store.InsertExternalID(ctx, &db.WorkExternalID{WorkID: work.ID, Source: db.SourceMangaUpdates, ExternalID: id}); err != nil {
			t.Fatalf("InsertExternalID: %v", err)
		}
	}
	meta := &fakeMetadata{series: map[string]*mangaupdates.Series{
		"1": {ID: "1", Title: "Lookism", Genres: []string{"Drama"}},
		"2": {ID: "2", Title: "Lookism", Genres: []string{"Comedy", "drama"}},
	}}
	svc := newService(store, meta, true)

	if err := svc.Enrich(ctx, work.ID, ""); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	got, _ := store.GetWork(ctx, work.ID)
	if got.Genre == nil || *got.Genre != "Comedy, drama" {
		t.Fatalf("genre = %v, want genres of the newest linked series", got.Genre)
	}
	if meta.calls != 1 {
		t.Fatalf("metadata calls = %d, want 1", meta.calls)
	}
}

func TestEnrichDisabledOrUnknownWork(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memdb.New()
	meta := &fakeMetadata{}
	if err := newService(store, meta, true).Enrich(ctx, 12345, "x"); err != nil {
		t.Fatalf("Enrich unknown work: %v", err)
	}
	work := mustCreateWork(t, store, "Eleceed")
	if err := newService(store, meta, false).Enrich(ctx, work.ID, "Eleceed"); err != nil {
		t.Fatalf("Enrich disabled: %v", err)
	}
	if meta.calls != 0 {
		t.Fatalf("metadata calls = %d, want 0", meta.calls)
	}
}

func TestSanitizeDescription(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{
			in:   "  ,, [object Object] A hunter   rises from   the weakest rank,,, to the top.",
			want: "A hunter rises from the weakest rank, to the top.",
		},
		{
			in:   "First line of the story here  \r\n\r\n\r\n   second line continues on",
			want: "First line of the story here\n\nsecond line continues on",
		},
		{in: "[OBJECT OBJECT] too short", want: ""},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		if got := SanitizeDescription(tc.in); got != tc.want {
			t.Fatalf("SanitizeDescription(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMergeGenreCSV(t *testing.T) {
	t.Parallel()

	got := MergeGenreCSV("Action,  Fantasy ", "fantasy", "Martial   Arts, ACTION", "Romance")
	if want := "Action, Fantasy, Martial Arts, Romance"; got != want {
		t.Fatalf("MergeGenreCSV = %q, want %q", got, want)
	}
	if got := MergeGenreCSV("", ""); got != "" {
		t.Fatalf("MergeGenreCSV empty = %q", got)
	}
}
