package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/batch"
	"horse.fit/toonrank/internal/config"
	"horse.fit/toonrank/internal/cover"
	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/enrichment"
	"horse.fit/toonrank/internal/langdetect"
	"horse.fit/toonrank/internal/language"
	"horse.fit/toonrank/internal/mangaupdates"
	"horse.fit/toonrank/internal/reader"
	"horse.fit/toonrank/internal/sources"
	"horse.fit/toonrank/internal/sources/asura"
	"horse.fit/toonrank/internal/sources/tapas"
	"horse.fit/toonrank/internal/sources/webtoons"
)

const jsonAccept = "application/json"

// pipelines owns the job registry, launcher and control built from config.
type pipelines struct {
	registry *batch.Registry
	launcher *batch.Launcher
	control  *batch.Control
	redis    *redis.Client
}

func buildPipelines(ctx context.Context, cfg *config.Config, pool *db.Pool, logger zerolog.Logger) (*pipelines, error) {
	covers := cover.NewSelector(pool, logger)

	var meta enrichment.Metadata
	if cfg.MangaUpdatesEnabled {
		meta = mangaupdates.NewClient(mangaupdates.Options{
			BaseURL:      cfg.MangaUpdatesBaseURL,
			UserAgent:    cfg.MangaUpdatesUserAgent,
			RequestDelay: config.Millis(cfg.MangaUpdatesRequestDelayMs),
			Timeout:      config.Millis(cfg.MangaUpdatesRequestTimeoutMs),
			MaxResults:   cfg.MangaUpdatesSearchMaxResults,
			MinScore:     cfg.MangaUpdatesSearchMinScore,
		}, logger)
	}
	enricher := enrichment.NewService(pool, meta, covers, cfg.MangaUpdatesEnabled, logger)
	linker := sources.NewLinker(pool, enricher, covers, logger)

	registry := batch.NewRegistry(
		webtoonsJob(cfg, pool, linker, logger),
		asuraJob(cfg, pool, linker, logger),
		tapasJob(cfg, pool, linker, logger),
	)

	p := &pipelines{registry: registry}

	var locker batch.Locker
	if cfg.RedisURL != "" {
		client, err := batch.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		p.redis = client
		locker = batch.NewRedisLocker(client, "")
		logger.Info().Msg("job locks held in redis")
	}

	staleAfter := time.Duration(cfg.BatchStaleExecutionSeconds) * time.Second
	p.launcher = batch.NewLauncher(pool, registry, locker, staleAfter, logger)
	p.control = batch.NewControl(pool, registry, p.launcher, staleAfter, logger)
	return p, nil
}

// Close waits for running executions to record their status, then releases
// the redis connection.
func (p *pipelines) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := p.launcher.Shutdown(ctx)
	if p.redis != nil {
		_ = p.redis.Close()
	}
	return err
}

func webtoonsJob(cfg *config.Config, pool *db.Pool, linker *sources.Linker, logger zerolog.Logger) batch.Job {
	fetcher := reader.NewFetcher(reader.FetchOptions{
		Timeout:   config.Millis(cfg.WebtoonsRequestTimeoutMs),
		UserAgent: cfg.WebtoonsUserAgent,
		Source:    "webtoons",
	})
	return &batch.Step[webtoons.Item]{
		JobName: batch.JobWebtoons,
		Step:    "webtoonsScrapeStep",
		Reader: webtoons.NewReader(webtoons.ReaderOptions{
			BaseURL:           cfg.WebtoonsBaseURL,
			GenresPath:        cfg.WebtoonsGenresPath,
			SortOrder:         cfg.WebtoonsGenreSortOrder,
			ExcludedGenres:    config.SplitCSV(cfg.WebtoonsExcludedGenres),
			MaxItems:          cfg.WebtoonsMaxItems,
			GenreRequestDelay: config.Millis(cfg.WebtoonsGenreRequestDelayMs),
			Fetcher:           fetcher,
		}, logger),
		Processor: webtoons.NewProcessor(linker, logger),
		Writer:    pool,
		ChunkSize: cfg.BatchChunkSize,
		Logger:    logger,
	}
}

func asuraJob(cfg *config.Config, pool *db.Pool, linker *sources.Linker, logger zerolog.Logger) batch.Job {
	fetcher := reader.NewFetcher(reader.FetchOptions{
		Timeout:   config.Millis(cfg.AsuraRequestTimeoutMs),
		UserAgent: cfg.AsuraUserAgent,
		Source:    "asura",
	})
	return &batch.Step[asura.Item]{
		JobName: batch.JobAsura,
		Step:    "asuraScrapeStep",
		Reader: asura.NewReader(asura.ReaderOptions{
			BaseURL:        cfg.AsuraBaseURL,
			SeriesPath:     cfg.AsuraSeriesPath,
			MaxPages:       cfg.AsuraMaxPages,
			StalePageLimit: cfg.AsuraStalePageLimit,
			PageDelay:      config.Millis(cfg.AsuraPageDelayMs),
			Fetcher:        fetcher,
		}, logger),
		Processor: asura.NewProcessor(linker, fetcher, config.Millis(cfg.AsuraRequestDelayMs), logger),
		Writer:    pool,
		ChunkSize: cfg.BatchChunkSize,
		Logger:    logger,
	}
}

func tapasJob(cfg *config.Config, pool *db.Pool, linker *sources.Linker, logger zerolog.Logger) batch.Job {
	timeout := config.Millis(cfg.TapasRequestTimeoutMs)
	api := reader.NewFetcher(reader.FetchOptions{
		Timeout:   timeout,
		UserAgent: cfg.TapasUserAgent,
		Accept:    jsonAccept,
		Source:    "tapas",
	})
	info := reader.NewFetcher(reader.FetchOptions{
		Timeout:   timeout,
		UserAgent: cfg.TapasUserAgent,
		Source:    "tapas",
	})

	var detect language.Detector
	if cfg.TapasDetectLanguage {
		detect = langdetect.DetectISO6391
	}

	return &batch.Step[tapas.Item]{
		JobName: batch.JobTapas,
		Step:    "tapasScrapeStep",
		Reader: tapas.NewReader(tapas.ReaderOptions{
			BaseURL:          cfg.TapasBaseURL,
			Endpoint:         cfg.TapasEndpoint,
			CategoryType:     cfg.TapasCategoryType,
			SubtabID:         cfg.TapasSubtabID,
			PageSize:         cfg.TapasPageSize,
			MaxPages:         cfg.TapasMaxPages,
			SeriesBaseURL:    cfg.TapasSeriesBaseURL,
			RequestDelay:     config.Millis(cfg.TapasRequestDelayMs),
			InfoGenreEnabled: cfg.TapasInfoGenreEnabled,
			InfoRequestDelay: config.Millis(cfg.TapasInfoRequestDelayMs),
			API:              api,
			Info:             info,
		}, logger),
		Processor: tapas.NewProcessor(linker, detect, logger),
		Writer:    pool,
		ChunkSize: cfg.BatchChunkSize,
		Logger:    logger,
	}
}
