package webtoons

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/sources"
)

type Processor struct {
	linker *sources.Linker
	skips  sources.SkipLog
	logger zerolog.Logger
}

func NewProcessor(linker *sources.Linker, logger zerolog.Logger) *Processor {
	return &Processor{
		linker: linker,
		logger: logger.With().Str("component", "webtoons_processor").Logger(),
	}
}

// Process links the card to a work and returns its VIEWS snapshot. A nil
// result means the item is filtered.
func (p *Processor) Process(ctx context.Context, item Item) ([]db.MetricSnapshot, error) {
	workID, ok, err := p.linker.ResolveWork(ctx, item.Title)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", item.Title, err)
	}
	if !ok {
		p.skips.Add(item.Title)
		return nil, nil
	}

	if err := p.linker.LinkExternalID(ctx, workID, db.SourceWebtoons, item.SeriesURL, item.SeriesURL); err != nil {
		return nil, err
	}
	if err := p.linker.AddAlias(ctx, workID, item.Title, db.SourceWebtoons, nil); err != nil {
		return nil, err
	}
	p.linker.UpsertCover(ctx, workID, db.SourceWebtoons, item.CoverURL)
	if err := p.linker.MergeMetadata(ctx, workID, "", item.Genre); err != nil {
		p.logger.Warn().Err(err).Int64("work_id", workID).Msg("genre merge failed")
	}
	p.linker.Enrich(ctx, workID, item.Title)

	if item.Views < 0 {
		p.logger.Debug().Str("title", item.Title).Msg("card has no view count")
		return nil, nil
	}
	return []db.MetricSnapshot{
		sources.Snapshot(workID, db.SourceIDWebtoons, db.MetricViews, item.Views),
	}, nil
}

func (p *Processor) BeforeStep(context.Context) error {
	p.skips.Reset()
	return nil
}

// AfterStep logs the titles that could not be matched during the run.
func (p *Processor) AfterStep(context.Context) {
	p.skips.Summarize(p.logger, "webtoons")
}
