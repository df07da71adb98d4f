// Package sources holds the catalog plumbing shared by the per-source
// processors: work resolution, external id and alias upserts, and the
// skipped-title log.
package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/enrichment"
	"horse.fit/toonrank/internal/globaltime"
	"horse.fit/toonrank/internal/titles"
)

type Store interface {
	GetWork(ctx context.Context, id int64) (*db.Work, error)
	UpdateWork(ctx context.Context, w *db.Work) error
	FindExternalID(ctx context.Context, source db.TitleSource, externalID string) (*db.WorkExternalID, error)
	FindExternalIDForWork(ctx context.Context, workID int64, source db.TitleSource) (*db.WorkExternalID, error)
	InsertExternalID(ctx context.Context, e *db.WorkExternalID) (bool, error)
	UpdateExternalID(ctx context.Context, e *db.WorkExternalID) error
	TitleExists(ctx context.Context, workID int64, normalized string, source db.TitleSource, language *string) (bool, error)
	InsertTitle(ctx context.Context, t *db.WorkTitle) (bool, error)
}

// Resolver maps titles to works; enrichment.Service implements it.
type Resolver interface {
	Resolve(ctx context.Context, titleHint string) (int64, bool, error)
	ResolveOrCreate(ctx context.Context, titleHint string) (int64, error)
	Enrich(ctx context.Context, workID int64, titleHint string) error
}

type CoverUpserter interface {
	Upsert(ctx context.Context, workID int64, source db.TitleSource, imageURL string) error
}

// Linker bundles what every processor needs to attach a scraped item to the
// catalog.
type Linker struct {
	store    Store
	resolver Resolver
	covers   CoverUpserter
	logger   zerolog.Logger
}

func NewLinker(store Store, resolver Resolver, covers CoverUpserter, logger zerolog.Logger) *Linker {
	return &Linker{store: store, resolver: resolver, covers: covers, logger: logger}
}

// ResolveWork returns the work for title, creating it when needed. It reports
// false when the title cannot be mapped; the caller should skip the item.
func (l *Linker) ResolveWork(ctx context.Context, title string) (int64, bool, error) {
	workID, ok, err := l.resolver.Resolve(ctx, title)
	if errors.Is(err, enrichment.ErrUnresolvedTitle) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if ok {
		return workID, true, nil
	}

	workID, err = l.resolver.ResolveOrCreate(ctx, title)
	if errors.Is(err, enrichment.ErrUnresolvedTitle) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return workID, workID > 0, nil
}

// LinkExternalID records (source, externalID) for the work. An existing row
// of the same work and source is rewritten; an id owned by another work is
// left alone.
func (l *Linker) LinkExternalID(ctx context.Context, workID int64, source db.TitleSource, externalID, pageURL string) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil
	}
	pageURL = strings.TrimSpace(pageURL)

	owned, err := l.store.FindExternalID(ctx, source, externalID)
	switch {
	case err == nil:
		if owned.WorkID != workID {
			l.logger.Warn().
				Str("source", string(source)).
				Str("external_id", externalID).
				Int64("work_id", workID).
				Int64("owner_work_id", owned.WorkID).
				Msg("external id already linked to another work")
			return nil
		}
		if pageURL != "" && (owned.URL == nil || *owned.URL != pageURL) {
			owned.URL = &pageURL
			return l.updateExternalID(ctx, owned)
		}
		return nil
	case !db.IsNoRows(err):
		return fmt.Errorf("find external id: %w", err)
	}

	current, err := l.store.FindExternalIDForWork(ctx, workID, source)
	switch {
	case err == nil:
		current.ExternalID = externalID
		if pageURL != "" {
			current.URL = &pageURL
		}
		return l.updateExternalID(ctx, current)
	case !db.IsNoRows(err):
		return fmt.Errorf("find external id for work: %w", err)
	}

	row := &db.WorkExternalID{WorkID: workID, Source: source, ExternalID: externalID}
	if pageURL != "" {
		row.URL = &pageURL
	}
	if _, err := l.store.InsertExternalID(ctx, row); err != nil && !db.IsUniqueViolation(err) {
		return fmt.Errorf("insert external id: %w", err)
	}
	return nil
}

func (l *Linker) updateExternalID(ctx context.Context, row *db.WorkExternalID) error {
	err := l.store.UpdateExternalID(ctx, row)
	if db.IsUniqueViolation(err) {
		l.logger.Warn().
			Str("source", string(row.Source)).
			Str("external_id", row.ExternalID).
			Int64("work_id", row.WorkID).
			Msg("external id update conflicts with an existing row")
		return nil
	}
	if err != nil {
		return fmt.Errorf("update external id: %w", err)
	}
	return nil
}

// AddAlias inserts (workID, normalize(title), source, language) unless present.
func (l *Linker) AddAlias(ctx context.Context, workID int64, title string, source db.TitleSource, language *string) error {
	title = strings.TrimSpace(title)
	normalized := titles.Normalize(title)
	if normalized == "" {
		return nil
	}
	exists, err := l.store.TitleExists(ctx, workID, normalized, source, language)
	if err != nil {
		return fmt.Errorf("check alias: %w", err)
	}
	if exists {
		return nil
	}
	_, err = l.store.InsertTitle(ctx, &db.WorkTitle{
		WorkID:          workID,
		Title:           title,
		NormalizedTitle: normalized,
		Source:          source,
		Language:        language,
	})
	if err != nil && !db.IsUniqueViolation(err) {
		return fmt.Errorf("insert alias: %w", err)
	}
	return nil
}

// UpsertCover forwards to the cover selector and logs failures.
func (l *Linker) UpsertCover(ctx context.Context, workID int64, source db.TitleSource, imageURL string) {
	if l.covers == nil {
		return
	}
	if err := l.covers.Upsert(ctx, workID, source, imageURL); err != nil {
		l.logger.Warn().Err(err).Int64("work_id", workID).Str("source", string(source)).Msg("cover upsert failed")
	}
}

// MergeMetadata sets a sanitized description when one is given and merges
// genres into the work's genre list.
func (l *Linker) MergeMetadata(ctx context.Context, workID int64, description string, genres ...string) error {
	description = enrichment.SanitizeDescription(description)
	incoming := enrichment.MergeGenreCSV("", genres...)
	if description == "" && incoming == "" {
		return nil
	}

	work, err := l.store.GetWork(ctx, workID)
	if db.IsNoRows(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get work: %w", err)
	}

	changed := false
	if description != "" && (work.Description == nil || *work.Description != description) {
		work.Description = &description
		changed = true
	}
	if incoming != "" {
		existing := ""
		if work.Genre != nil {
			existing = *work.Genre
		}
		if merged := enrichment.MergeGenreCSV(existing, incoming); merged != existing {
			work.Genre = &merged
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := l.store.UpdateWork(ctx, work); err != nil {
		return fmt.Errorf("update work metadata: %w", err)
	}
	return nil
}

// Enrich runs reference enrichment and only logs failures.
func (l *Linker) Enrich(ctx context.Context, workID int64, titleHint string) {
	if err := l.resolver.Enrich(ctx, workID, titleHint); err != nil {
		l.logger.Warn().Err(err).Int64("work_id", workID).Msg("enrichment failed")
	}
}

// Snapshot builds one observation captured now.
func Snapshot(workID int64, sourceID int, metric db.MetricType, value int64) db.MetricSnapshot {
	return db.MetricSnapshot{
		WorkID:      workID,
		SourceID:    sourceID,
		MetricType:  metric,
		MetricValue: value,
		CapturedAt:  globaltime.UTC(),
	}
}
