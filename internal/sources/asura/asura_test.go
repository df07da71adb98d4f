package asura

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/cover"
	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/db/memdb"
	"horse.fit/toonrank/internal/enrichment"
	"horse.fit/toonrank/internal/reader"
	"horse.fit/toonrank/internal/sources"
)

const listingHTML = `<html><body>
<a href="/series/solo-leveling-4b1c/chapter/200?from=home">Chapter 200</a>
<a href="/series/solo-leveling-4b1c">Solo Leveling</a>
<a href="series/tower-of-god-9f2e/">Tower of...</a>
<a href="https://asuracomic.net/series/tower-of-god-9f2e?ref=home#top">Tower of God</a>
<a href="/series/">All series</a>
<a href="/series/beta-promo">READ ON OUR NEW BETA SITE!</a>
<a href="/series?page=2">Next</a>
<a href="/genres/action">Action</a>
</body></html>`

func TestSeriesPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		href string
		want string
		ok   bool
	}{
		{"/series/solo-leveling", "/series/solo-leveling", true},
		{"series/solo-leveling/", "/series/solo-leveling", true},
		{"https://asuracomic.net/series/solo-leveling?x=1#c", "/series/solo-leveling", true},
		{"/series/solo-leveling-4b1c/chapter/12", "/series/solo-leveling-4b1c", true},
		{"https://asuracomic.net/series/solo-leveling-4b1c/chapter/12?x=1", "/series/solo-leveling-4b1c", true},
		{"/series/solo-leveling-4b1c/#comments", "/series/solo-leveling-4b1c", true},
		{"/series/", "", false},
		{"//series", "", false},
		{"/series?page=2", "", false},
		{"/genres/action", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, ok := SeriesPath(tc.href)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("SeriesPath(%q) = %q,%t; want %q,%t", tc.href, got, ok, tc.want, tc.ok)
		}
	}
}

func TestReaderCollectsSeriesAndStopsWhenStale(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		pages []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pages = append(pages, r.URL.Query().Get("page"))
		mu.Unlock()
		_, _ = io.WriteString(w, listingHTML)
	}))
	t.Cleanup(srv.Close)

	r := NewReader(ReaderOptions{
		BaseURL:        srv.URL,
		SeriesPath:     "/series?page=",
		MaxPages:       5,
		StalePageLimit: 2,
		Fetcher:        reader.NewFetcher(reader.FetchOptions{Source: "asura"}),
	}, zerolog.Nop())

	var items []Item
	for {
		item, err := r.Read(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		items = append(items, item)
	}

	if len(items) != 2 {
		t.Fatalf("expected 2 series, got %+v", items)
	}
	if items[0].Title != "Solo Leveling" || items[0].SeriesURL != srv.URL+"/series/solo-leveling-4b1c" {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
	if items[1].Title != "Tower of God" || items[1].SeriesURL != srv.URL+"/series/tower-of-god-9f2e" {
		t.Fatalf("expected truncated title to be replaced, got %+v", items[1])
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(pages, ",") != "1,2,3" {
		t.Fatalf("expected pages 1..3 before going stale, got %v", pages)
	}
}

func TestReaderFailsOnFirstPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	r := NewReader(ReaderOptions{
		BaseURL:    srv.URL,
		SeriesPath: "/series?page=",
		Fetcher:    reader.NewFetcher(reader.FetchOptions{Source: "asura"}),
	}, zerolog.Nop())
	if _, err := r.Read(context.Background()); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected first page failure, got %v", err)
	}
}

func parse(t *testing.T, html string) Page {
	t.Helper()
	doc, err := reader.ParseDocument([]byte(html))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return ParsePage(doc, html, "https://asuracomic.net/series/x")
}

func TestExtractFollowersFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		html string
		want int64
		ok   bool
	}{
		{
			name: "paragraph",
			html: `<p>Followed by 12,345 people</p><script>{\"bookmarks_count\":99}</script>`,
			want: 12345,
			ok:   true,
		},
		{
			name: "bookmarks",
			html: `<p>No count</p><script>self.__next_f.push([1,"{\"bookmarks_count\":4321}"])</script><script type="application/ld+json">{"ratingCount":"7"}</script>`,
			want: 4321,
			ok:   true,
		},
		{
			name: "rating count",
			html: `<script type="application/ld+json">{"ratingCount": "1,024"}</script>`,
			want: 1024,
			ok:   true,
		},
		{
			name: "none",
			html: `<p>nothing here</p>`,
			ok:   false,
		},
	}
	for _, tc := range tests {
		page := parse(t, tc.html)
		if page.Followers != tc.want || page.HasCount != tc.ok {
			t.Fatalf("%s: got %d,%t want %d,%t", tc.name, page.Followers, page.HasCount, tc.want, tc.ok)
		}
	}
}

func TestParsePageMetadata(t *testing.T) {
	t.Parallel()

	page := parse(t, `<html><head>
<title>ignored</title>
<meta property="og:title" content="Solo Leveling - Asura Scans">
<meta name="description" content="fallback description">
</head><body>
<h1>Heading</h1>
<div class="series-cover"><img src="/covers/solo-800x1200.webp"></div>
<a href="/browse?genres=1">Action</a>
<div class="genres"><a href="/g/2">Fantasy</a><a href="/g/1">Action</a></div>
</body></html>`)

	if page.Title != "Solo Leveling" {
		t.Fatalf("unexpected title %q", page.Title)
	}
	if page.CoverURL != "https://asuracomic.net/covers/solo-800x1200.webp" {
		t.Fatalf("unexpected cover %q", page.CoverURL)
	}
	if page.Description != "fallback description" {
		t.Fatalf("unexpected description %q", page.Description)
	}
	if strings.Join(page.Genres, "|") != "Action|Fantasy" {
		t.Fatalf("unexpected genres %v", page.Genres)
	}
}

const seriesHTML = `<html><head>
<meta property="og:title" content="Solo Leveling | Asura Scans">
<meta property="og:image" content="https://cdn.asura.example/solo-cover-800x1200.webp">
<meta property="og:description" content="Ten years ago the gates opened and hunters rose to fight the monsters within.">
</head><body>
<a href="/browse?genres=action">Action</a>
<p>Followed by 54,321 people</p>
</body></html>`

func TestProcessCreatesWorkAndEmitsFollowers(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, seriesHTML)
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	store := memdb.New()
	covers := cover.NewSelector(store, zerolog.Nop())
	resolver := enrichment.NewService(store, nil, covers, false, zerolog.Nop())
	linker := sources.NewLinker(store, resolver, covers, zerolog.Nop())
	p := NewProcessor(linker, reader.NewFetcher(reader.FetchOptions{Source: "asura"}), 0, zerolog.Nop())

	seriesURL := srv.URL + "/series/solo-leveling-4b1c"
	snaps, err := p.Process(ctx, Item{SeriesURL: seriesURL})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(snaps) != 1 || snaps[0].MetricType != db.MetricFollowers || snaps[0].MetricValue != 54321 || snaps[0].SourceID != db.SourceIDAsura {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}

	works := store.Works()
	if len(works) != 1 || works[0].CanonicalTitle != "Solo Leveling" {
		t.Fatalf("unexpected works: %+v", works)
	}
	w := works[0]
	if w.Genre == nil || *w.Genre != "Action" {
		t.Fatalf("unexpected genre: %v", w.Genre)
	}
	if w.Description == nil || !strings.HasPrefix(*w.Description, "Ten years ago") {
		t.Fatalf("unexpected description: %v", w.Description)
	}
	if w.CoverImageURL == nil || *w.CoverImageURL != "https://cdn.asura.example/solo-cover-800x1200.webp" {
		t.Fatalf("unexpected cover: %v", w.CoverImageURL)
	}

	ids := store.ExternalIDs()
	if len(ids) != 1 || ids[0].Source != db.SourceAsura || ids[0].ExternalID != seriesURL {
		t.Fatalf("unexpected external ids: %+v", ids)
	}
}

func TestProcessPageFailureIsItemError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	store := memdb.New()
	resolver := enrichment.NewService(store, nil, nil, false, zerolog.Nop())
	p := NewProcessor(sources.NewLinker(store, resolver, nil, zerolog.Nop()),
		reader.NewFetcher(reader.FetchOptions{Source: "asura"}), 0, zerolog.Nop())

	_, err := p.Process(context.Background(), Item{Title: "Solo Leveling", SeriesURL: srv.URL + "/series/solo"})
	var statusErr *reader.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected status error, got %v", err)
	}
	if len(store.Works()) != 0 {
		t.Fatalf("expected no work for failed page")
	}
}

func TestProcessWithoutFollowerCountLinksWorkButEmitsNothing(t *testing.T) {
	t.Parallel()

	html := strings.Replace(seriesHTML, "<p>Followed by 54,321 people</p>", "<p>Be the first to follow</p>", 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, html)
	}))
	t.Cleanup(srv.Close)

	store := memdb.New()
	covers := cover.NewSelector(store, zerolog.Nop())
	resolver := enrichment.NewService(store, nil, covers, false, zerolog.Nop())
	p := NewProcessor(sources.NewLinker(store, resolver, covers, zerolog.Nop()),
		reader.NewFetcher(reader.FetchOptions{Source: "asura"}), 0, zerolog.Nop())

	snaps, err := p.Process(context.Background(), Item{SeriesURL: srv.URL + "/series/solo-leveling-4b1c"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected no snapshot without a follower count, got %+v", snaps)
	}
	if len(store.Works()) != 1 || len(store.ExternalIDs()) != 1 {
		t.Fatalf("expected the series to be linked anyway, works=%d ids=%d", len(store.Works()), len(store.ExternalIDs()))
	}
	if p.skips.Count() != 0 {
		t.Fatalf("a missing count is not an unresolved title")
	}
}
