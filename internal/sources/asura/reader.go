// Package asura pages through the ASURA series listing and scrapes each
// series page for its follower count and metadata.
package asura

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/reader"
)

// Item is one series link from the listing. Title is empty when the listing
// only showed a truncated name.
type Item struct {
	Title     string
	SeriesURL string
}

type ReaderOptions struct {
	BaseURL        string
	SeriesPath     string
	MaxPages       int
	StalePageLimit int
	PageDelay      time.Duration
	Fetcher        *reader.Fetcher
}

type Reader struct {
	opts   ReaderOptions
	logger zerolog.Logger

	loaded bool
	items  []Item
	next   int
}

func NewReader(opts ReaderOptions, logger zerolog.Logger) *Reader {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	return &Reader{
		opts:   opts,
		logger: logger.With().Str("component", "asura_reader").Logger(),
	}
}

func (r *Reader) BeforeStep(context.Context) error {
	r.loaded = false
	r.items = nil
	r.next = 0
	return nil
}

// Read returns the next series link or io.EOF.
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
	base := strings.TrimRight(r.opts.BaseURL, "/")
	index := make(map[string]int)
	var items []Item
	stale := 0

	for page := 1; page <= r.opts.MaxPages; page++ {
		pageURL := base + r.opts.SeriesPath + strconv.Itoa(page)
		doc, _, err := r.opts.Fetcher.Document(ctx, pageURL)
		if err != nil {
			if page == 1 || ctx.Err() != nil {
				return nil, fmt.Errorf("load listing page %d: %w", page, err)
			}
			r.logger.Warn().Err(err).Int("page", page).Msg("listing page fetch failed; stopping pagination")
			break
		}

		added := 0
		doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			path, root, ok := seriesLink(href)
			if !ok {
				return
			}
			title, keep := listingTitle(a)
			if !keep {
				return
			}
			if !root {
				// Chapter links carry chapter labels, not series names.
				title = ""
			}
			abs := base + path
			if i, seen := index[abs]; seen {
				if items[i].Title == "" && title != "" {
					items[i].Title = title
				}
				return
			}
			index[abs] = len(items)
			items = append(items, Item{Title: title, SeriesURL: abs})
			added++
		})

		r.logger.Debug().Int("page", page).Int("added", added).Msg("asura listing page parsed")
		if added == 0 {
			stale++
			if r.opts.StalePageLimit > 0 && stale >= r.opts.StalePageLimit {
				r.logger.Info().Int("page", page).Msg("asura listing went stale; stopping early")
				break
			}
		} else {
			stale = 0
		}

		if page < r.opts.MaxPages {
			if err := reader.Sleep(ctx, r.opts.PageDelay); err != nil {
				return nil, err
			}
		}
	}
	return items, nil
}

var betaPromo = regexp.MustCompile(`(?i)^read\s+on\s+our\s*new\s+beta\s+site!?$`)

// listingTitle returns the anchor text, or "" when it was truncated. It
// reports false for the beta site promo link.
func listingTitle(a *goquery.Selection) (string, bool) {
	title := strings.Join(strings.Fields(a.Text()), " ")
	if title == "" {
		if alt, ok := a.Find("img[alt]").First().Attr("alt"); ok {
			title = strings.TrimSpace(alt)
		}
	}
	if betaPromo.MatchString(title) {
		return "", false
	}
	if strings.Contains(title, "...") {
		return "", true
	}
	return title, true
}

// SeriesPath reduces an href to "/series/<slug>", dropping scheme, host,
// query, fragment, trailing slashes and any chapter or sub-page segments.
func SeriesPath(href string) (string, bool) {
	path, _, ok := seriesLink(href)
	return path, ok
}

// seriesLink is SeriesPath that also reports whether href pointed at the
// series page itself rather than one of its sub-pages.
func seriesLink(href string) (string, bool, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false, false
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return "", false, false
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) < 2 || segments[0] != "series" || segments[1] == "" {
		return "", false, false
	}
	root := true
	for _, extra := range segments[2:] {
		if extra != "" {
			root = false
			break
		}
	}
	return "/series/" + segments[1], root, true
}
