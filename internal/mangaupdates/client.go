// Package mangaupdates is a cached, rate limited client for the MangaUpdates
// series API.
package mangaupdates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"horse.fit/toonrank/internal/metrics"
	"horse.fit/toonrank/internal/ratelimit"
	"horse.fit/toonrank/internal/titles"
)

const (
	DefaultBaseURL    = "https://api.mangaupdates.com"
	DefaultMaxResults = 10

	maxAttempts        = 3
	defaultBackoffStep = 400 * time.Millisecond
	defaultTimeout     = 20 * time.Second
	maxBodyBytes       = 4 * 1024 * 1024

	endpointSeries = "series"
	endpointSearch = "search"
)

// StatusError is a non-2xx response that was not retried or ran out of
// attempts.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mangaupdates request failed (%d) for %s", e.StatusCode, e.Path)
}

type Options struct {
	BaseURL      string
	UserAgent    string
	RequestDelay time.Duration
	Timeout      time.Duration
	MaxResults   int
	MinScore     int
	HTTPClient   *http.Client
	// BackoffStep is multiplied by the attempt number between retries.
	BackoffStep time.Duration
}

// Client is safe for concurrent use. Outbound requests are serialized and
// spaced by the request delay; lookups are single-flighted and cached,
// including negative outcomes.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  zerolog.Logger

	requestMu sync.Mutex
	group     singleflight.Group

	cacheMu  sync.RWMutex
	series   map[string]*Series
	searches map[string]*Series
}

func NewClient(opts Options, logger zerolog.Logger) *Client {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "Mozilla/5.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.MinScore <= 0 {
		opts.MinScore = DefaultMinScore
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = defaultBackoffStep
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		opts:     opts,
		http:     client,
		limiter:  ratelimit.NewMinGap("mangaupdates", opts.RequestDelay),
		logger:   logger.With().Str("component", "mangaupdates").Logger(),
		series:   make(map[string]*Series),
		searches: make(map[string]*Series),
	}
}

// Clear drops both caches.
func (c *Client) Clear() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.series = make(map[string]*Series)
	c.searches = make(map[string]*Series)
}

// GetSeries fetches a series by numeric id. It returns nil without error for
// non-numeric ids and unknown series.
func (c *Client) GetSeries(ctx context.Context, id string) (*Series, error) {
	id = strings.TrimSpace(id)
	if !isDigits(id) {
		return nil, nil
	}
	return c.cached(ctx, c.seriesCache, "series:"+id, id, func(ctx context.Context) (*Series, error) {
		return c.fetchSeries(ctx, id)
	})
}

// Search returns the accepted best match for title, merged with the full
// series record, or nil when nothing qualifies.
func (c *Client) Search(ctx context.Context, title string) (*Series, error) {
	normalized := titles.Normalize(title)
	if normalized == "" {
		return nil, nil
	}
	return c.cached(ctx, c.searchCache, "search:"+normalized, normalized, func(ctx context.Context) (*Series, error) {
		return c.search(ctx, title, normalized)
	})
}

func (c *Client) seriesCache() map[string]*Series { return c.series }
func (c *Client) searchCache() map[string]*Series { return c.searches }

func (c *Client) cached(
	ctx context.Context,
	cache func() map[string]*Series,
	flightKey, cacheKey string,
	load func(context.Context) (*Series, error),
) (*Series, error) {
	c.cacheMu.RLock()
	hit, ok := cache()[cacheKey]
	c.cacheMu.RUnlock()
	if ok {
		return hit, nil
	}

	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		c.cacheMu.RLock()
		hit, ok := cache()[cacheKey]
		c.cacheMu.RUnlock()
		if ok {
			return hit, nil
		}
		result, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.cacheMu.Lock()
		cache()[cacheKey] = result
		c.cacheMu.Unlock()
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	series, _ := v.(*Series)
	return series, nil
}

func (c *Client) fetchSeries(ctx context.Context, id string) (*Series, error) {
	body, err := c.request(ctx, endpointSeries, http.MethodGet, "/v1/series/"+id, nil)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var record seriesRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("decode series %s: %w", id, err)
	}
	series := record.toSeries()
	if series.ID == "" {
		series.ID = id
	}
	return series, nil
}

func (c *Client) search(ctx context.Context, title, normalized string) (*Series, error) {
	payload, err := json.Marshal(map[string]string{"search": title})
	if err != nil {
		return nil, fmt.Errorf("encode search body: %w", err)
	}
	body, err := c.request(ctx, endpointSearch, http.MethodPost, "/v1/series/search", payload)
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	limit := min(c.opts.MaxResults, len(resp.Results))
	candidates := make([]Candidate, 0, limit)
	for i := 0; i < limit; i++ {
		result := resp.Results[i]
		if result.Record == nil {
			continue
		}
		series := result.Record.toSeries()
		series.HitTitle = strings.TrimSpace(result.HitTitle)
		candidates = append(candidates, Candidate{Series: series, Score: ScoreSeries(normalized, series)})
	}

	best, ok := SelectMatch(candidates, c.opts.MinScore)
	if !ok {
		c.logger.Debug().
			Str("title", title).
			Int("total_hits", resp.TotalHits).
			Int("candidates", len(candidates)).
			Msg("no confident match")
		return nil, nil
	}
	if best.Series.ID == "" {
		return best.Series, nil
	}

	detailed, err := c.GetSeries(ctx, best.Series.ID)
	if err != nil {
		c.logger.Warn().Err(err).Str("series_id", best.Series.ID).Msg("series detail lookup failed; using search hit")
		return best.Series, nil
	}
	return merge(detailed, best.Series), nil
}

func (c *Client) request(ctx context.Context, endpoint, method, path string, payload []byte) ([]byte, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		waited, err := c.limiter.Wait(ctx)
		metrics.RateLimitWait.WithLabelValues(c.limiter.Name()).Observe(waited.Seconds())
		if err != nil {
			return nil, err
		}

		body, status, err := c.send(ctx, method, path, payload)
		if err == nil && status >= 200 && status < 300 {
			metrics.MangaUpdatesRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			return body, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			metrics.MangaUpdatesRequestsTotal.WithLabelValues(endpoint, "error").Inc()
			lastErr = err
		} else {
			metrics.MangaUpdatesRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			lastErr = &StatusError{Path: path, StatusCode: status}
			if !retryable(status) {
				return nil, lastErr
			}
		}
		if attempt == maxAttempts {
			break
		}

		metrics.MangaUpdatesRetriesTotal.WithLabelValues(endpoint).Inc()
		c.logger.Warn().Err(lastErr).Str("path", path).Int("attempt", attempt).Msg("retrying mangaupdates request")
		if err := sleep(ctx, time.Duration(attempt)*c.opts.BackoffStep); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", path, err)
	}
	return body, resp.StatusCode, nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
