// Package webtoons crawls the WEBTOONS genre index and turns each series card
// into a VIEWS snapshot.
package webtoons

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/reader"
	"horse.fit/toonrank/internal/titles"
)

const (
	genreLinkSelector = "a._snb_tab_a[href*='/en/genres/']"
	cardSelector      = "ul.webtoon_list li a._genre_title_a"
	genrePathMarker   = "/en/genres/"
)

// Item is one series card from a genre page. Views is -1 when the card shows
// no parseable count.
type Item struct {
	Title     string
	Views     int64
	SeriesURL string
	CoverURL  string
	Genre     string
	TitleNo   string
}

type ReaderOptions struct {
	BaseURL           string
	GenresPath        string
	SortOrder         string
	ExcludedGenres    []string
	MaxItems          int
	GenreRequestDelay time.Duration
	Fetcher           *reader.Fetcher
}

// Reader loads every genre page on the first Read and then replays the
// merged, ranked cards.
type Reader struct {
	opts     ReaderOptions
	excluded map[string]struct{}
	logger   zerolog.Logger

	loaded bool
	items  []Item
	next   int
}

func NewReader(opts ReaderOptions, logger zerolog.Logger) *Reader {
	excluded := make(map[string]struct{}, len(opts.ExcludedGenres))
	for _, g := range opts.ExcludedGenres {
		if key := genreKey(g); key != "" {
			excluded[key] = struct{}{}
		}
	}
	return &Reader{
		opts:     opts,
		excluded: excluded,
		logger:   logger.With().Str("component", "webtoons_reader").Logger(),
	}
}

func (r *Reader) BeforeStep(context.Context) error {
	r.loaded = false
	r.items = nil
	r.next = 0
	return nil
}

// Read returns the next card or io.EOF.
func (r *Reader) Read(ctx context.Context) (Item, error) {
	if !r.loaded {
		items, err := r.load(ctx)
		if err != nil {
			return Item{}, err
		}
		r.items = items
		r.loaded = true
	}
	if r.next >= len(r.items) {
		return Item{}, io.EOF
	}
	item := r.items[r.next]
	r.next++
	return item, nil
}

func (r *Reader) load(ctx context.Context) ([]Item, error) {
	indexURL := strings.TrimRight(r.opts.BaseURL, "/") + r.opts.GenresPath
	doc, _, err := r.opts.Fetcher.Document(ctx, indexURL)
	if err != nil {
		return nil, fmt.Errorf("load genre index: %w", err)
	}

	links := r.genreLinks(doc, indexURL)
	r.logger.Info().Int("genres", len(links)).Msg("webtoons genres discovered")

	merged := make(map[string]Item)
	for i, link := range links {
		if i > 0 {
			if err := reader.Sleep(ctx, r.opts.GenreRequestDelay); err != nil {
				return nil, err
			}
		}
		pageURL := withSortOrder(link.URL, r.opts.SortOrder)
		page, _, err := r.opts.Fetcher.Document(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn().Err(err).Str("url", pageURL).Msg("genre page fetch failed")
			continue
		}
		for _, item := range parseCards(page, pageURL, link.Display) {
			key := dedupKey(item)
			if existing, ok := merged[key]; ok && existing.Views >= item.Views {
				continue
			}
			merged[key] = item
		}
	}

	items := make([]Item, 0, len(merged))
	for _, item := range merged {
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Views != items[j].Views {
			return items[i].Views > items[j].Views
		}
		return strings.ToLower(items[i].Title) < strings.ToLower(items[j].Title)
	})
	if r.opts.MaxItems > 0 && len(items) > r.opts.MaxItems {
		items = items[:r.opts.MaxItems]
	}
	return items, nil
}

// genreLink is a genre page URL and the tab label shown for it.
type genreLink struct {
	URL     string
	Display string
}

func (r *Reader) genreLinks(doc *goquery.Document, indexURL string) []genreLink {
	seen := make(map[string]struct{})
	var out []genreLink
	doc.Find(genreLinkSelector).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs := reader.AbsoluteURL(indexURL, href)
		if abs == "" {
			return
		}
		display := strings.Join(strings.Fields(a.Text()), " ")
		dataGenre, _ := a.Attr("data-genre")
		key := genreKey(titles.FirstNonBlank(genreSlug(abs), dataGenre, display))
		if _, skip := r.excluded[key]; skip {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, genreLink{URL: abs, Display: display})
	})
	return out
}

// parseCards reads the series cards on one genre page. Cards without a
// data-genre attribute take the genre tab label.
func parseCards(doc *goquery.Document, pageURL, genreDisplay string) []Item {
	var out []Item
	doc.Find(cardSelector).Each(func(_ int, a *goquery.Selection) {
		title := strings.TrimSpace(a.Find(".info_text .title").First().Text())
		if title == "" {
			title = strings.TrimSpace(a.Find(".title").First().Text())
		}
		if title == "" {
			return
		}
		href, _ := a.Attr("href")
		img := a.Find(".image_wrap img").First()
		cover, _ := img.Attr("src")
		if strings.TrimSpace(cover) == "" {
			cover, _ = img.Attr("data-src")
		}
		genre, _ := a.Attr("data-genre")
		titleNo, _ := a.Attr("data-title-no")

		views, ok := ParseViews(a.Find(".view_count").First().Text())
		if !ok {
			views = -1
		}
		out = append(out, Item{
			Title:     title,
			Views:     views,
			SeriesURL: reader.AbsoluteURL(pageURL, href),
			CoverURL:  reader.AbsoluteURL(pageURL, cover),
			Genre:     titles.FirstNonBlank(strings.TrimSpace(genre), genreDisplay),
			TitleNo:   strings.TrimSpace(titleNo),
		})
	})
	return out
}

func dedupKey(item Item) string {
	switch {
	case item.TitleNo != "":
		return "titleNo:" + item.TitleNo
	case item.SeriesURL != "":
		return "url:" + item.SeriesURL
	default:
		return "title:" + strings.ToLower(item.Title)
	}
}

var nonGenreKey = regexp.MustCompile(`[^a-z0-9]`)

func genreKey(raw string) string {
	return nonGenreKey.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), "")
}

// genreSlug returns the path segment after /en/genres/.
func genreSlug(rawURL string) string {
	idx := strings.Index(rawURL, genrePathMarker)
	if idx < 0 {
		return ""
	}
	slug := rawURL[idx+len(genrePathMarker):]
	if cut := strings.IndexAny(slug, "/?#"); cut >= 0 {
		slug = slug[:cut]
	}
	return slug
}

// withSortOrder sets the sortOrder query parameter, replacing any existing one.
func withSortOrder(rawURL, sortOrder string) string {
	sortOrder = strings.TrimSpace(sortOrder)
	if sortOrder == "" {
		return rawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		return rawURL + sep + "sortOrder=" + url.QueryEscape(sortOrder)
	}
	q := parsed.Query()
	q.Set("sortOrder", sortOrder)
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

var viewsPattern = regexp.MustCompile(`^([0-9][0-9,]*(?:\.[0-9]+)?)\s*([KMB]?)$`)

// ParseViews reads counts such as "123,456", "15K", "1.5M" and "2.1B".
func ParseViews(raw string) (int64, bool) {
	text := strings.ToUpper(strings.TrimSpace(raw))
	m := viewsPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	number, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch m[2] {
	case "K":
		number *= 1e3
	case "M":
		number *= 1e6
	case "B":
		number *= 1e9
	}
	if number > math.MaxInt64 {
		return 0, false
	}
	return int64(math.Round(number)), true
}
