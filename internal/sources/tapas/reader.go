// Package tapas pages through the TAPAS story API and emits VIEWS,
// SUBSCRIBERS and LIKES snapshots per series.
package tapas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/enrichment"
	"horse.fit/toonrank/internal/reader"
	payloadschema "horse.fit/toonrank/schema"
)

// Item is one series from a landing page. Nil counters were absent in the
// response.
type Item struct {
	SeriesID        string
	Title           string
	LanguageCode    string
	SeriesURL       string
	CoverURL        string
	Genre           string
	ViewCount       *int64
	SubscriberCount *int64
	LikeCount       *int64
}

type ReaderOptions struct {
	BaseURL          string
	Endpoint         string
	CategoryType     string
	SubtabID         int
	PageSize         int
	MaxPages         int
	SeriesBaseURL    string
	RequestDelay     time.Duration
	InfoGenreEnabled bool
	InfoRequestDelay time.Duration
	// API fetches JSON pages; Info fetches series info pages.
	API  *reader.Fetcher
	Info *reader.Fetcher
}

type Reader struct {
	opts   ReaderOptions
	logger zerolog.Logger

	items     []Item
	next      int
	page      int
	lastPage  bool
	infoCache map[string]string
}

func NewReader(opts ReaderOptions, logger zerolog.Logger) *Reader {
	if opts.PageSize <= 0 {
		opts.PageSize = 25
	}
	if strings.TrimSpace(opts.SeriesBaseURL) == "" {
		opts.SeriesBaseURL = "https://tapas.io/series/"
	}
	r := &Reader{
		opts:   opts,
		logger: logger.With().Str("component", "tapas_reader").Logger(),
	}
	r.reset()
	return r
}

func (r *Reader) reset() {
	r.items = nil
	r.next = 0
	r.page = 1
	r.lastPage = false
	r.infoCache = make(map[string]string)
}

func (r *Reader) BeforeStep(context.Context) error {
	r.reset()
	return nil
}

// Read returns the next series, fetching the following page when the current
// one is drained, or io.EOF after the last page.
func (r *Reader) Read(ctx context.Context) (Item, error) {
	for r.next >= len(r.items) {
		if r.lastPage {
			return Item{}, io.EOF
		}
		if r.opts.MaxPages > 0 && r.page > r.opts.MaxPages {
			r.logger.Info().Int("max_pages", r.opts.MaxPages).Msg("tapas page cap reached")
			r.lastPage = true
			return Item{}, io.EOF
		}
		if err := r.fetchPage(ctx); err != nil {
			return Item{}, err
		}
	}
	item := r.items[r.next]
	r.next++
	return item, nil
}

func (r *Reader) pageURL(page int) string {
	q := url.Values{}
	q.Set("category_type", r.opts.CategoryType)
	q.Set("subtab_id", strconv.Itoa(r.opts.SubtabID))
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(r.opts.PageSize))
	return strings.TrimRight(r.opts.BaseURL, "/") + r.opts.Endpoint + "?" + q.Encode()
}

func (r *Reader) fetchPage(ctx context.Context) error {
	page := r.page
	pageURL := r.pageURL(page)
	body, err := r.opts.API.Get(ctx, pageURL)
	if err == nil {
		err = payloadschema.ValidateTapasPage(body)
	}
	var resp pageResponse
	if err == nil {
		err = json.Unmarshal(body, &resp)
	}
	if err != nil {
		if page == 1 || ctx.Err() != nil {
			return fmt.Errorf("tapas page %d: %w", page, err)
		}
		r.logger.Warn().Err(err).Int("page", page).Msg("tapas page failed; ending run")
		r.items, r.next, r.lastPage = nil, 0, true
		return nil
	}

	items := make([]Item, 0, len(resp.Data.Items))
	for _, raw := range resp.Data.Items {
		item := r.toItem(ctx, raw)
		if item.SeriesID == "" {
			continue
		}
		items = append(items, item)
	}
	r.items = items
	r.next = 0
	r.lastPage = resp.Meta.Pagination.Last
	r.page++
	r.logger.Debug().Int("page", page).Int("items", len(items)).Bool("last", r.lastPage).Msg("tapas page read")

	if !r.lastPage {
		if err := reader.Sleep(ctx, r.opts.RequestDelay); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) toItem(ctx context.Context, raw apiItem) Item {
	id := strings.TrimSpace(string(raw.SeriesID))
	seriesURL := r.opts.SeriesBaseURL + id
	if !strings.HasSuffix(r.opts.SeriesBaseURL, "/") {
		seriesURL = r.opts.SeriesBaseURL + "/" + id
	}

	var counts serviceProperty
	if raw.ServiceProperty != nil {
		counts = *raw.ServiceProperty
	}
	return Item{
		SeriesID:        id,
		Title:           strings.TrimSpace(raw.Title),
		LanguageCode:    strings.TrimSpace(raw.LanguageCode),
		SeriesURL:       seriesURL,
		CoverURL:        raw.AssetProperty.cover(),
		Genre:           enrichment.MergeGenreCSV(raw.genres(), r.infoGenres(ctx, seriesURL)),
		ViewCount:       counts.ViewCount,
		SubscriberCount: counts.SubscriberCount,
		LikeCount:       counts.LikeCount,
	}
}

// infoGenres scrapes the series info page for genre and tag chips. Results,
// including failures, are cached for the run.
func (r *Reader) infoGenres(ctx context.Context, seriesURL string) string {
	if !r.opts.InfoGenreEnabled || r.opts.Info == nil {
		return ""
	}
	if cached, ok := r.infoCache[seriesURL]; ok {
		return cached
	}

	infoURL := strings.TrimRight(seriesURL, "/") + "/info"
	doc, _, err := r.opts.Info.Document(ctx, infoURL)
	if err != nil {
		r.logger.Warn().Err(err).Str("url", infoURL).Msg("tapas info page fetch failed")
		r.infoCache[seriesURL] = ""
		return ""
	}

	var tags tagSet
	doc.Find("p.detail-row__header").Each(func(_ int, header *goquery.Selection) {
		if !strings.EqualFold(strings.TrimSpace(header.Text()), "Genres") {
			return
		}
		header.Parent().Find("a").Each(func(_ int, chip *goquery.Selection) {
			tags.add(chip.Text())
		})
	})
	doc.Find("a.tags__item").Each(func(_ int, chip *goquery.Selection) {
		tags.add(chip.Text())
	})

	result := tags.csv()
	r.infoCache[seriesURL] = result
	_ = reader.Sleep(ctx, r.opts.InfoRequestDelay)
	return result
}
