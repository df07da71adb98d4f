// Package trending ranks works by metric growth.
package trending

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/config"
	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/globaltime"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Store runs the ranking query.
type Store interface {
	FindTrending(ctx context.Context, query db.TrendingQuery) ([]db.TrendingRow, error)
}

// Item is one ranked work as served by the API.
type Item struct {
	WorkID        int64          `json:"workId"`
	Title         string         `json:"title"`
	MetricType    db.MetricType  `json:"metricType"`
	CoverImageURL *string        `json:"coverImageUrl"`
	ReadURL       *string        `json:"readUrl"`
	LatestValue   int64          `json:"latestValue"`
	LatestAt      time.Time      `json:"latestAt"`
	PreviousValue int64          `json:"previousValue"`
	PreviousAt    time.Time      `json:"previousAt"`
	Growth        int64          `json:"growth"`
	BaselineDays  float64        `json:"baselineDays"`
	GrowthPerDay  *float64       `json:"growthPerDay"`
	GrowthPercent *float64       `json:"growthPercent"`
	RankingMode   db.RankingMode `json:"rankingMode"`
}

type Service struct {
	store         Store
	excludedRegex string
	coverFallback string
	logger        zerolog.Logger
}

// NewService builds the genre exclusion pattern once from the configured CSV.
func NewService(store Store, excludedGenresCSV, coverFallbackURL string, logger zerolog.Logger) *Service {
	return &Service{
		store:         store,
		excludedRegex: BuildExcludedGenresRegex(excludedGenresCSV),
		coverFallback: strings.TrimSpace(coverFallbackURL),
		logger:        logger.With().Str("component", "trending").Logger(),
	}
}

// ClampLimit bounds limit to [1, MaxLimit].
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Find ranks works for one metric. A nil sourceID considers every scraping
// source. Zero values fall back to VIEWS and RATE.
func (s *Service) Find(ctx context.Context, metric db.MetricType, sourceID *int, limit int, mode db.RankingMode) ([]Item, error) {
	if metric == "" {
		metric = db.MetricViews
	}
	if mode == "" {
		mode = db.RankingRate
	}
	rows, err := s.store.FindTrending(ctx, db.TrendingQuery{
		Metric:              metric,
		SourceID:            sourceID,
		Limit:               ClampLimit(limit),
		Mode:                mode,
		ExcludedGenresRegex: s.excludedRegex,
		CoverFallbackURL:    s.coverFallback,
		Now:                 globaltime.UTC(),
	})
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, Item{
			WorkID:        row.WorkID,
			Title:         row.Title,
			MetricType:    metric,
			CoverImageURL: row.CoverImageURL,
			ReadURL:       row.ReadURL,
			LatestValue:   row.LatestValue,
			LatestAt:      row.LatestAt,
			PreviousValue: row.PreviousValue,
			PreviousAt:    row.PreviousAt,
			Growth:        row.Growth,
			BaselineDays:  row.BaselineDays,
			GrowthPerDay:  row.GrowthPerDay,
			GrowthPercent: row.GrowthPercent,
			RankingMode:   mode,
		})
	}
	s.logger.Debug().
		Str("metric", string(metric)).
		Str("mode", string(mode)).
		Int("rows", len(items)).
		Msg("trending query")
	return items, nil
}

var (
	genrePartSeparator = regexp.MustCompile(`[\s-]+`)
	nonAlnum           = regexp.MustCompile(`[^a-z0-9]+`)
)

// BuildExcludedGenresRegex turns a CSV of genre names into one alternation.
// Each name is split on whitespace and hyphens, every part is reduced to
// [a-z0-9]+, and parts are rejoined with [[:space:]-]* so "Sci-Fi" also
// matches "sci fi" and "scifi". Returns "" when nothing usable remains.
func BuildExcludedGenresRegex(csv string) string {
	var patterns []string
	for _, genre := range config.SplitCSV(csv) {
		var parts []string
		for _, part := range genrePartSeparator.Split(strings.TrimSpace(genre), -1) {
			token := nonAlnum.ReplaceAllString(strings.ToLower(part), "")
			if token != "" {
				parts = append(parts, token)
			}
		}
		if len(parts) > 0 {
			patterns = append(patterns, strings.Join(parts, "[[:space:]-]*"))
		}
	}
	if len(patterns) == 0 {
		return ""
	}
	return "(" + strings.Join(patterns, "|") + ")"
}
