package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`
	RedisURL    string `envconfig:"REDIS_URL" default:""`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`

	ScrapeEnabled bool   `envconfig:"SCRAPE_ENABLED" default:"true"`
	SnapshotCron  string `envconfig:"SNAPSHOT_CRON" default:"0 3 * * 1"`
	SnapshotZone  string `envconfig:"SNAPSHOT_ZONE" default:"UTC"`
	WebtoonsCron  string `envconfig:"WEBTOONS_CRON" default:""`
	AsuraCron     string `envconfig:"ASURA_CRON" default:""`
	TapasCron     string `envconfig:"TAPAS_CRON" default:""`

	WebtoonsBaseURL             string `envconfig:"WEBTOONS_BASE_URL" default:"https://www.webtoons.com"`
	WebtoonsGenresPath          string `envconfig:"WEBTOONS_GENRES_PATH" default:"/en/genres"`
	WebtoonsGenreSortOrder      string `envconfig:"WEBTOONS_GENRE_SORT_ORDER" default:"MANA"`
	WebtoonsUserAgent           string `envconfig:"WEBTOONS_USER_AGENT" default:"Mozilla/5.0"`
	WebtoonsRequestTimeoutMs    int    `envconfig:"WEBTOONS_REQUEST_TIMEOUT_MS" default:"20000"`
	WebtoonsMaxItems            int    `envconfig:"WEBTOONS_MAX_ITEMS" default:"0"`
	WebtoonsExcludedGenres      string `envconfig:"WEBTOONS_EXCLUDED_GENRES" default:""`
	WebtoonsGenreRequestDelayMs int    `envconfig:"WEBTOONS_GENRE_REQUEST_DELAY_MS" default:"120"`

	AsuraBaseURL          string `envconfig:"ASURA_BASE_URL" default:"https://asuracomic.net"`
	AsuraSeriesPath       string `envconfig:"ASURA_SERIES_PATH" default:"/series?page="`
	AsuraMaxPages         int    `envconfig:"ASURA_MAX_PAGES" default:"1"`
	AsuraStalePageLimit   int    `envconfig:"ASURA_STALE_PAGE_LIMIT" default:"2"`
	AsuraUserAgent        string `envconfig:"ASURA_USER_AGENT" default:"Mozilla/5.0"`
	AsuraPageDelayMs      int    `envconfig:"ASURA_PAGE_DELAY_MS" default:"300"`
	AsuraRequestDelayMs   int    `envconfig:"ASURA_REQUEST_DELAY_MS" default:"200"`
	AsuraRequestTimeoutMs int    `envconfig:"ASURA_REQUEST_TIMEOUT_MS" default:"20000"`

	TapasBaseURL            string `envconfig:"TAPAS_BASE_URL" default:"https://story-api.tapas.io"`
	TapasEndpoint           string `envconfig:"TAPAS_ENDPOINT" default:"/cosmos/api/v1/landing/genre"`
	TapasCategoryType       string `envconfig:"TAPAS_CATEGORY_TYPE" default:"COMIC"`
	TapasSubtabID           int    `envconfig:"TAPAS_SUBTAB_ID" default:"17"`
	TapasPageSize           int    `envconfig:"TAPAS_PAGE_SIZE" default:"25"`
	TapasMaxPages           int    `envconfig:"TAPAS_MAX_PAGES" default:"0"`
	TapasSeriesBaseURL      string `envconfig:"TAPAS_SERIES_BASE_URL" default:"https://tapas.io/series/"`
	TapasUserAgent          string `envconfig:"TAPAS_USER_AGENT" default:"Mozilla/5.0"`
	TapasRequestDelayMs     int    `envconfig:"TAPAS_REQUEST_DELAY_MS" default:"200"`
	TapasRequestTimeoutMs   int    `envconfig:"TAPAS_REQUEST_TIMEOUT_MS" default:"30000"`
	TapasInfoGenreEnabled   bool   `envconfig:"TAPAS_INFO_GENRE_ENABLED" default:"true"`
	TapasInfoRequestDelayMs int    `envconfig:"TAPAS_INFO_REQUEST_DELAY_MS" default:"120"`
	TapasDetectLanguage     bool   `envconfig:"TAPAS_DETECT_LANGUAGE" default:"false"`

	MangaUpdatesEnabled          bool   `envconfig:"MANGAUPDATES_ENABLED" default:"true"`
	MangaUpdatesBaseURL          string `envconfig:"MANGAUPDATES_BASE_URL" default:"https://api.mangaupdates.com"`
	MangaUpdatesUserAgent        string `envconfig:"MANGAUPDATES_USER_AGENT" default:"Mozilla/5.0"`
	MangaUpdatesRequestDelayMs   int    `envconfig:"MANGAUPDATES_REQUEST_DELAY_MS" default:"120"`
	MangaUpdatesRequestTimeoutMs int    `envconfig:"MANGAUPDATES_REQUEST_TIMEOUT_MS" default:"20000"`
	MangaUpdatesSearchMaxResults int    `envconfig:"MANGAUPDATES_SEARCH_MAX_RESULTS" default:"10"`
	MangaUpdatesSearchMinScore   int    `envconfig:"MANGAUPDATES_SEARCH_MIN_SCORE" default:"700"`

	RankingExcludedGenres    string `envconfig:"RANKING_EXCLUDED_GENRES" default:""`
	TrendingCoverFallbackURL string `envconfig:"TRENDING_COVER_FALLBACK_URL" default:""`

	BatchStaleExecutionSeconds int `envconfig:"BATCH_STALE_EXECUTION_SECONDS" default:"300"`
	BatchChunkSize             int `envconfig:"BATCH_CHUNK_SIZE" default:"10"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.BatchChunkSize < 1 {
		return fmt.Errorf("BATCH_CHUNK_SIZE must be >= 1")
	}
	if c.BatchStaleExecutionSeconds < 1 {
		return fmt.Errorf("BATCH_STALE_EXECUTION_SECONDS must be >= 1")
	}
	if c.TapasPageSize < 1 {
		return fmt.Errorf("TAPAS_PAGE_SIZE must be >= 1")
	}
	if c.MangaUpdatesSearchMinScore < 0 || c.MangaUpdatesSearchMinScore > 1100 {
		return fmt.Errorf("MANGAUPDATES_SEARCH_MIN_SCORE must be within [0,1100]")
	}
	if c.MangaUpdatesSearchMaxResults < 1 {
		return fmt.Errorf("MANGAUPDATES_SEARCH_MAX_RESULTS must be >= 1")
	}

	delays := map[string]int{
		"WEBTOONS_GENRE_REQUEST_DELAY_MS": c.WebtoonsGenreRequestDelayMs,
		"ASURA_PAGE_DELAY_MS":             c.AsuraPageDelayMs,
		"ASURA_REQUEST_DELAY_MS":          c.AsuraRequestDelayMs,
		"TAPAS_REQUEST_DELAY_MS":          c.TapasRequestDelayMs,
		"TAPAS_INFO_REQUEST_DELAY_MS":     c.TapasInfoRequestDelayMs,
		"MANGAUPDATES_REQUEST_DELAY_MS":   c.MangaUpdatesRequestDelayMs,
	}
	for name, value := range delays {
		if value < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	for job, expr := range c.JobCrons() {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("cron expression %q for %s: %w", expr, job, err)
		}
	}
	return nil
}

// Location resolves SNAPSHOT_ZONE.
func (c *Config) Location() (*time.Location, error) {
	zone := strings.TrimSpace(c.SnapshotZone)
	if zone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("SNAPSHOT_ZONE %q: %w", zone, err)
	}
	return loc, nil
}

// JobCrons maps each scrape job to its effective cron expression. Per-source
// expressions fall back to SNAPSHOT_CRON.
func (c *Config) JobCrons() map[string]string {
	pick := func(specific string) string {
		if v := strings.TrimSpace(specific); v != "" {
			return v
		}
		return strings.TrimSpace(c.SnapshotCron)
	}
	return map[string]string{
		"webtoonsScrapeJob": pick(c.WebtoonsCron),
		"asuraScrapeJob":    pick(c.AsuraCron),
		"tapasScrapeJob":    pick(c.TapasCron),
	}
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}
	return SplitCSV(c.CORSAllowedOrigins)
}

// SplitCSV trims and de-duplicates a comma separated list, keeping first appearance.
func SplitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

// Millis converts a millisecond option to a duration.
func Millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
