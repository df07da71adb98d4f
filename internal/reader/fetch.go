// Package reader fetches source pages and turns them into parsed documents
// or plain text.
package reader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"

	"horse.fit/toonrank/internal/metrics"
)

const (
	DefaultFetchTimeout  = 20 * time.Second
	DefaultBodyByteLimit = 8 * 1024 * 1024

	defaultUserAgent = "Mozilla/5.0 (compatible; toonrank/1.0)"
	htmlAccept       = "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8"
)

// FetchOptions controls HTTP behavior for source page fetches.
type FetchOptions struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	Accept        string
	HTTPClient    *http.Client
	// Source labels fetch metrics (webtoons, asura, tapas).
	Source string
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return "fetch " + e.URL + ": status " + strconv.Itoa(e.StatusCode)
}

// Fetcher issues GET requests with a fixed user agent and timeout.
type Fetcher struct {
	opts   FetchOptions
	client *http.Client
}

func NewFetcher(opts FetchOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.BodyByteLimit <= 0 {
		opts.BodyByteLimit = DefaultBodyByteLimit
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if strings.TrimSpace(opts.Accept) == "" {
		opts.Accept = htmlAccept
	}
	if strings.TrimSpace(opts.Source) == "" {
		opts.Source = "unknown"
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{opts: opts, client: client}
}

// Get returns the response body of a 2xx response.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	page := strings.TrimSpace(rawURL)
	if page == "" {
		return nil, fmt.Errorf("url is required")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, page, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", f.opts.Accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.SourceFetchesTotal.WithLabelValues(f.opts.Source, "error").Inc()
		return nil, fmt.Errorf("fetch %s: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.SourceFetchesTotal.WithLabelValues(f.opts.Source, "status_"+strconv.Itoa(resp.StatusCode)).Inc()
		return nil, &StatusError{URL: page, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.BodyByteLimit))
	if err != nil {
		metrics.SourceFetchesTotal.WithLabelValues(f.opts.Source, "error").Inc()
		return nil, fmt.Errorf("read body: %w", err)
	}
	metrics.SourceFetchesTotal.WithLabelValues(f.opts.Source, "ok").Inc()
	return body, nil
}

// Document fetches an HTML page and parses it.
func (f *Fetcher) Document(ctx context.Context, rawURL string) (*goquery.Document, []byte, error) {
	body, err := f.Get(ctx, rawURL)
	if err != nil {
		return nil, nil, err
	}
	doc, err := ParseDocument(body)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	return doc, body, nil
}

func ParseDocument(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// AbsoluteURL resolves ref against base. Blank refs stay blank and refs that
// cannot be parsed are returned trimmed.
func AbsoluteURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if refURL.IsAbs() {
		return refURL.String()
	}
	baseURL, err := url.Parse(strings.TrimSpace(base))
	if err != nil || !baseURL.IsAbs() {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

// Excerpt runs readability over an HTML page and returns its cleaned excerpt,
// falling back to the first paragraph of the rendered text.
func Excerpt(body []byte, pageURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || !parsed.IsAbs() {
		parsed = &url.URL{Scheme: "https", Host: "localhost", Path: "/"}
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return ""
	}
	if excerpt := CleanText(article.Excerpt()); excerpt != "" {
		return excerpt
	}

	var rendered bytes.Buffer
	if err := article.RenderText(&rendered); err != nil {
		return ""
	}
	text := CleanText(rendered.String())
	if idx := strings.Index(text, "\n\n"); idx >= 0 {
		text = text[:idx]
	}
	return text
}

// CleanText normalizes line endings and collapses extra in-line whitespace.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

// TruncateText clips text to maxChars runes and appends a single ellipsis rune when truncated.
func TruncateText(raw string, maxChars int) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if maxChars <= 0 {
		return trimmed, false
	}

	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed, false
	}
	if maxChars == 1 {
		return "…", true
	}

	clipped := strings.TrimSpace(string(runes[:maxChars-1]))
	if clipped == "" {
		return "…", true
	}

	return clipped + "…", true
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
