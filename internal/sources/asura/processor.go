package asura

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/reader"
	"horse.fit/toonrank/internal/sources"
	"horse.fit/toonrank/internal/titles"
)

var (
	followersPattern   = regexp.MustCompile(`(?i)Followed\s+by\s*([0-9,]+)\s*people`)
	bookmarksPattern   = regexp.MustCompile(`\\"bookmarks_count\\":([0-9]+)`)
	ratingCountPattern = regexp.MustCompile(`(?i)"ratingCount"\s*:\s*"?([0-9,]+)"?`)
)

const (
	coverSelector       = ".series-cover img, .thumb img, .cover img, img.cover, img[alt*=Cover]"
	descriptionSelector = ".series-summary, .description, .series-desc, .summary"
	genreLinkSelector   = "a[href*='/browse?genres=']"
	genreListSelector   = ".genres a, .series-genres a, .tags a, a.genre, .info .genre a"
	genreBlockSelector  = ".genre, .categories"
)

type Processor struct {
	linker       *sources.Linker
	fetcher      *reader.Fetcher
	requestDelay time.Duration
	skips        sources.SkipLog
	logger       zerolog.Logger
}

func NewProcessor(linker *sources.Linker, fetcher *reader.Fetcher, requestDelay time.Duration, logger zerolog.Logger) *Processor {
	return &Processor{
		linker:       linker,
		fetcher:      fetcher,
		requestDelay: requestDelay,
		logger:       logger.With().Str("component", "asura_processor").Logger(),
	}
}

// Page is what a series page yields.
type Page struct {
	Title       string
	Followers   int64
	HasCount    bool
	CoverURL    string
	Description string
	Genres      []string
}

// Process fetches the series page, links it to a work and returns its
// FOLLOWERS snapshot.
func (p *Processor) Process(ctx context.Context, item Item) ([]db.MetricSnapshot, error) {
	if err := reader.Sleep(ctx, p.requestDelay); err != nil {
		return nil, err
	}
	doc, body, err := p.fetcher.Document(ctx, item.SeriesURL)
	if err != nil {
		return nil, err
	}
	page := ParsePage(doc, string(body), item.SeriesURL)
	if page.Description == "" {
		page.Description = reader.Excerpt(body, item.SeriesURL)
	}

	title := titles.FirstNonBlank(page.Title, item.Title, item.SeriesURL)
	workID, ok, err := p.linker.ResolveWork(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", title, err)
	}
	if !ok {
		p.skips.Add(title)
		return nil, nil
	}

	if err := p.linker.LinkExternalID(ctx, workID, db.SourceAsura, item.SeriesURL, item.SeriesURL); err != nil {
		return nil, err
	}
	if err := p.linker.AddAlias(ctx, workID, title, db.SourceAsura, nil); err != nil {
		return nil, err
	}
	p.linker.UpsertCover(ctx, workID, db.SourceAsura, page.CoverURL)
	if err := p.linker.MergeMetadata(ctx, workID, page.Description, page.Genres...); err != nil {
		p.logger.Warn().Err(err).Int64("work_id", workID).Msg("metadata update failed")
	}
	p.linker.Enrich(ctx, workID, title)

	// A page without a follower count yields no FOLLOWERS snapshot rather
	// than a zero reading.
	if !page.HasCount {
		p.logger.Debug().Str("url", item.SeriesURL).Msg("series page has no follower count")
		return nil, nil
	}
	return []db.MetricSnapshot{
		sources.Snapshot(workID, db.SourceIDAsura, db.MetricFollowers, page.Followers),
	}, nil
}

func (p *Processor) BeforeStep(context.Context) error {
	p.skips.Reset()
	return nil
}

func (p *Processor) AfterStep(context.Context) {
	p.skips.Summarize(p.logger, "asura")
}

// ParsePage extracts title, followers, cover, description and genres from a
// series page.
func ParsePage(doc *goquery.Document, html, pageURL string) Page {
	followers, ok := ExtractFollowers(doc, html)
	return Page{
		Title:       extractTitle(doc),
		Followers:   followers,
		HasCount:    ok,
		CoverURL:    reader.AbsoluteURL(pageURL, extractCover(doc)),
		Description: extractDescription(doc),
		Genres:      extractGenres(doc),
	}
}

// ExtractFollowers tries the "Followed by N people" paragraph, then the
// embedded bookmarks_count, then the ratingCount field.
func ExtractFollowers(doc *goquery.Document, html string) (int64, bool) {
	var (
		value int64
		found bool
	)
	doc.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		if m := followersPattern.FindStringSubmatch(p.Text()); m != nil {
			value, found = parseCount(m[1]), true
			return false
		}
		return true
	})
	if found {
		return value, true
	}
	if m := bookmarksPattern.FindStringSubmatch(html); m != nil {
		return parseCount(m[1]), true
	}
	if m := ratingCountPattern.FindStringSubmatch(html); m != nil {
		return parseCount(m[1]), true
	}
	return 0, false
}

func parseCount(raw string) int64 {
	n, err := strconv.ParseInt(strings.ReplaceAll(raw, ",", ""), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func stripSiteSuffix(title string) string {
	title = strings.ReplaceAll(title, " - Asura Scans", "")
	title = strings.ReplaceAll(title, " | Asura Scans", "")
	return strings.TrimSpace(title)
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func extractTitle(doc *goquery.Document) string {
	if og := metaContent(doc, "meta[property='og:title']"); og != "" {
		return stripSiteSuffix(og)
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return stripSiteSuffix(doc.Find("title").First().Text())
}

func extractCover(doc *goquery.Document) string {
	if og := metaContent(doc, "meta[property='og:image']"); og != "" {
		return og
	}
	if og := metaContent(doc, "meta[name='og:image']"); og != "" {
		return og
	}
	src, _ := doc.Find(coverSelector).First().Attr("src")
	return strings.TrimSpace(src)
}

func extractDescription(doc *goquery.Document) string {
	if og := metaContent(doc, "meta[property='og:description']"); og != "" {
		return og
	}
	if desc := metaContent(doc, "meta[name='description']"); desc != "" {
		return desc
	}
	return strings.TrimSpace(doc.Find(descriptionSelector).First().Text())
}

func extractGenres(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		if _, dup := seen[text]; dup {
			return
		}
		seen[text] = struct{}{}
		out = append(out, text)
	}
	doc.Find(genreLinkSelector).Each(add)
	doc.Find(genreListSelector).Each(add)
	if len(out) == 0 {
		if block := strings.Join(strings.Fields(doc.Find(genreBlockSelector).Text()), " "); block != "" {
			out = append(out, block)
		}
	}
	return out
}
