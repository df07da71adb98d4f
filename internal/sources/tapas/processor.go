package tapas

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/language"
	"horse.fit/toonrank/internal/sources"
)

type Processor struct {
	linker *sources.Linker
	detect language.Detector
	skips  sources.SkipLog
	logger zerolog.Logger
}

// NewProcessor builds the TAPAS processor. detect is consulted for the alias
// language only when languageCode is missing or unrecognised; nil disables detection.
func NewProcessor(linker *sources.Linker, detect language.Detector, logger zerolog.Logger) *Processor {
	return &Processor{
		linker: linker,
		detect: detect,
		logger: logger.With().Str("component", "tapas_processor").Logger(),
	}
}

func (p *Processor) Process(ctx context.Context, item Item) ([]db.MetricSnapshot, error) {
	workID, ok, err := p.linker.ResolveWork(ctx, item.Title)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", item.Title, err)
	}
	if !ok {
		p.skips.Add(item.Title)
		return nil, nil
	}

	if err := p.linker.LinkExternalID(ctx, workID, db.SourceTapas, item.SeriesID, item.SeriesURL); err != nil {
		return nil, err
	}
	lang := language.AliasLanguage(item.LanguageCode, item.Title, p.detect)
	if err := p.linker.AddAlias(ctx, workID, item.Title, db.SourceTapas, lang); err != nil {
		return nil, err
	}
	p.linker.UpsertCover(ctx, workID, db.SourceTapas, item.CoverURL)
	if err := p.linker.MergeMetadata(ctx, workID, "", item.Genre); err != nil {
		p.logger.Warn().Err(err).Int64("work_id", workID).Msg("genre merge failed")
	}
	p.linker.Enrich(ctx, workID, item.Title)

	var snaps []db.MetricSnapshot
	add := func(metric db.MetricType, value *int64) {
		if value != nil {
			snaps = append(snaps, sources.Snapshot(workID, db.SourceIDTapas, metric, *value))
		}
	}
	add(db.MetricViews, item.ViewCount)
	add(db.MetricSubscribers, item.SubscriberCount)
	add(db.MetricLikes, item.LikeCount)
	return snaps, nil
}

func (p *Processor) BeforeStep(context.Context) error {
	p.skips.Reset()
	return nil
}

func (p *Processor) AfterStep(context.Context) {
	p.skips.Summarize(p.logger, "tapas")
}
