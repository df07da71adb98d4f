// Package enrichment resolves scraped titles to catalog works and copies
// MangaUpdates metadata onto them.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/mangaupdates"
	"horse.fit/toonrank/internal/titles"
)

// ErrUnresolvedTitle is returned for blank title hints.
var ErrUnresolvedTitle = errors.New("unresolved title")

type Store interface {
	GetWork(ctx context.Context, id int64) (*db.Work, error)
	FindWorkByCanonicalTitle(ctx context.Context, title string) (*db.Work, error)
	CreateWork(ctx context.Context, w *db.Work) error
	UpdateWork(ctx context.Context, w *db.Work) error
	FindTitlesByNormalized(ctx context.Context, normalized string) ([]db.WorkTitle, error)
	TitleExists(ctx context.Context, workID int64, normalized string, source db.TitleSource, language *string) (bool, error)
	InsertTitle(ctx context.Context, t *db.WorkTitle) (bool, error)
	FindExternalID(ctx context.Context, source db.TitleSource, externalID string) (*db.WorkExternalID, error)
	ListExternalIDsForWork(ctx context.Context, workID int64, source db.TitleSource) ([]db.WorkExternalID, error)
	InsertExternalID(ctx context.Context, e *db.WorkExternalID) (bool, error)
	UpdateExternalID(ctx context.Context, e *db.WorkExternalID) error
}

// Metadata is the reference API surface used here.
type Metadata interface {
	GetSeries(ctx context.Context, id string) (*mangaupdates.Series, error)
	Search(ctx context.Context, title string) (*mangaupdates.Series, error)
}

type CoverUpserter interface {
	Upsert(ctx context.Context, workID int64, source db.TitleSource, imageURL string) error
}

type Service struct {
	store   Store
	meta    Metadata
	covers  CoverUpserter
	enabled bool
	logger  zerolog.Logger
}

func NewService(store Store, meta Metadata, covers CoverUpserter, enabled bool, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		meta:    meta,
		covers:  covers,
		enabled: enabled && meta != nil,
		logger:  logger.With().Str("component", "enrichment").Logger(),
	}
}

func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// Resolve maps a title hint to an existing work through the alias table, then
// the canonical title. It reports false when neither matches.
func (s *Service) Resolve(ctx context.Context, titleHint string) (int64, bool, error) {
	hint := strings.TrimSpace(titleHint)
	if hint == "" {
		return 0, false, ErrUnresolvedTitle
	}

	if normalized := titles.Normalize(hint); normalized != "" {
		aliases, err := s.store.FindTitlesByNormalized(ctx, normalized)
		if err != nil {
			return 0, false, fmt.Errorf("find aliases: %w", err)
		}
		if len(aliases) > 0 {
			return aliases[0].WorkID, true, nil
		}
	}

	work, err := s.store.FindWorkByCanonicalTitle(ctx, hint)
	if err == nil {
		return work.ID, true, nil
	}
	if !db.IsNoRows(err) {
		return 0, false, fmt.Errorf("find work by canonical title: %w", err)
	}
	return 0, false, nil
}

// ResolveOrCreate resolves the hint and otherwise creates a work for it. When
// MangaUpdates knows the title and the series is already linked, the linked
// work is returned instead; a fresh work receives the series metadata.
func (s *Service) ResolveOrCreate(ctx context.Context, titleHint string) (int64, error) {
	workID, ok, err := s.Resolve(ctx, titleHint)
	if err != nil {
		return 0, err
	}
	if ok {
		return workID, nil
	}
	hint := strings.TrimSpace(titleHint)

	var match *mangaupdates.Series
	if s.Enabled() {
		match, err = s.meta.Search(ctx, hint)
		if err != nil {
			s.logger.Warn().Err(err).Str("title", hint).Msg("mangaupdates search failed; creating work without metadata")
			match = nil
		}
	}
	if match != nil && match.ID != "" {
		linked, err := s.store.FindExternalID(ctx, db.SourceMangaUpdates, match.ID)
		if err == nil {
			return linked.WorkID, nil
		}
		if !db.IsNoRows(err) {
			return 0, fmt.Errorf("find mangaupdates link: %w", err)
		}
	}

	canonical := hint
	if canonical == "" && match != nil {
		canonical = match.Title
	}
	work := &db.Work{CanonicalTitle: canonical}
	if err := s.store.CreateWork(ctx, work); err != nil {
		if !db.IsUniqueViolation(err) {
			return 0, fmt.Errorf("create work: %w", err)
		}
		existing, findErr := s.store.FindWorkByCanonicalTitle(ctx, canonical)
		if findErr != nil {
			return 0, fmt.Errorf("re-read work after conflict: %w", findErr)
		}
		work = existing
	}
	s.logger.Info().Int64("work_id", work.ID).Str("title", canonical).Bool("matched", match != nil).Msg("work created")

	if match != nil {
		if err := s.apply(ctx, work, match, match.HitTitle); err != nil {
			s.logger.Warn().Err(err).Int64("work_id", work.ID).Msg("apply mangaupdates metadata failed")
		}
	}
	return work.ID, nil
}

// Enrich refreshes metadata of an existing work. Lookup failures are logged
// and swallowed; storage failures are returned.
func (s *Service) Enrich(ctx context.Context, workID int64, titleHint string) error {
	if !s.Enabled() || workID <= 0 {
		return nil
	}
	work, err := s.store.GetWork(ctx, workID)
	if db.IsNoRows(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get work: %w", err)
	}

	series, matched := s.lookup(ctx, work, titleHint)
	if series == nil {
		return nil
	}
	return s.apply(ctx, work, series, matched)
}

// lookup prefers linked series ids, newest first, and falls back to a title
// search. It also returns the title the series was matched through.
func (s *Service) lookup(ctx context.Context, work *db.Work, titleHint string) (*mangaupdates.Series, string) {
	contextTitle := titles.FirstNonBlank(titleHint, work.CanonicalTitle)

	linked, err := s.store.ListExternalIDsForWork(ctx, work.ID, db.SourceMangaUpdates)
	if err != nil {
		s.logger.Warn().Err(err).Int64("work_id", work.ID).Msg("list mangaupdates ids failed")
	}
	for _, ext := range linked {
		series, err := s.meta.GetSeries(ctx, ext.ExternalID)
		if err != nil {
			s.logger.Warn().Err(err).Str("series_id", ext.ExternalID).Msg("mangaupdates series lookup failed")
			continue
		}
		if series != nil {
			return series, contextTitle
		}
	}

	if contextTitle == "" {
		return nil, ""
	}
	series, err := s.meta.Search(ctx, contextTitle)
	if err != nil {
		s.logger.Warn().Err(err).Str("title", contextTitle).Msg("mangaupdates search failed")
		return nil, ""
	}
	if series == nil {
		return nil, ""
	}
	return series, titles.FirstNonBlank(series.HitTitle, contextTitle)
}

func (s *Service) apply(ctx context.Context, work *db.Work, series *mangaupdates.Series, matchedTitle string) error {
	if err := s.linkSeries(ctx, work.ID, series.ID); err != nil {
		return err
	}
	for _, alias := range series.AllTitles() {
		if err := s.addAlias(ctx, work.ID, alias); err != nil {
			return err
		}
	}
	if s.covers != nil {
		if err := s.covers.Upsert(ctx, work.ID, db.SourceMangaUpdates, series.Cover()); err != nil {
			s.logger.Warn().Err(err).Int64("work_id", work.ID).Msg("cover upsert failed")
		}
	}

	// The cover selector may have written the row; reload before updating.
	current, err := s.store.GetWork(ctx, work.ID)
	if err != nil {
		return fmt.Errorf("reload work: %w", err)
	}
	changed := false
	if description := SanitizeDescription(series.Description); description != "" {
		if current.Description == nil || *current.Description != description {
			current.Description = &description
			changed = true
		}
	}
	if len(series.Genres) > 0 {
		existing := ""
		if current.Genre != nil {
			existing = *current.Genre
		}
		if merged := MergeGenreCSV(existing, series.Genres...); merged != "" && merged != existing {
			current.Genre = &merged
			changed = true
		}
	}
	promoted := false
	if target, ok, err := s.promotion(ctx, current, series, matchedTitle); err != nil {
		return err
	} else if ok {
		s.logger.Info().Int64("work_id", current.ID).Str("from", current.CanonicalTitle).Str("to", target).Msg("canonical title promoted")
		current.CanonicalTitle = target
		changed = true
		promoted = true
	}
	if !changed {
		return nil
	}

	err = s.store.UpdateWork(ctx, current)
	if err != nil && promoted && db.IsUniqueViolation(err) {
		current.CanonicalTitle = work.CanonicalTitle
		err = s.store.UpdateWork(ctx, current)
	}
	if err != nil {
		return fmt.Errorf("update work: %w", err)
	}
	*work = *current
	return nil
}

// promotion decides whether the work's canonical title should become the
// series title. It applies only when the work was matched through an alias
// equal to its current canonical title.
func (s *Service) promotion(ctx context.Context, work *db.Work, series *mangaupdates.Series, matchedTitle string) (string, bool, error) {
	target := strings.TrimSpace(series.Title)
	if target == "" || target == work.CanonicalTitle {
		return "", false, nil
	}
	matched := titles.Normalize(matchedTitle)
	if matched == "" || titles.Normalize(work.CanonicalTitle) != matched {
		return "", false, nil
	}
	if titles.Normalize(target) == matched {
		return "", false, nil
	}

	other, err := s.store.FindWorkByCanonicalTitle(ctx, target)
	if err == nil && other.ID != work.ID {
		return "", false, nil
	}
	if err != nil && !db.IsNoRows(err) {
		return "", false, fmt.Errorf("check canonical title: %w", err)
	}
	return target, true, nil
}

// linkSeries records the MangaUpdates id for the work unless that id is
// already linked anywhere. An older id of the same work is rewritten.
func (s *Service) linkSeries(ctx context.Context, workID int64, seriesID string) error {
	seriesID = strings.TrimSpace(seriesID)
	if seriesID == "" {
		return nil
	}
	existing, err := s.store.ListExternalIDsForWork(ctx, workID, db.SourceMangaUpdates)
	if err != nil {
		return fmt.Errorf("list mangaupdates ids: %w", err)
	}
	for _, e := range existing {
		if e.ExternalID == seriesID {
			return nil
		}
	}

	if _, err := s.store.FindExternalID(ctx, db.SourceMangaUpdates, seriesID); err == nil {
		return nil
	} else if !db.IsNoRows(err) {
		return fmt.Errorf("find mangaupdates id: %w", err)
	}

	if len(existing) > 0 {
		newest := existing[0]
		newest.ExternalID = seriesID
		if err := s.store.UpdateExternalID(ctx, &newest); err != nil && !db.IsUniqueViolation(err) {
			return fmt.Errorf("update mangaupdates id: %w", err)
		}
		return nil
	}

	if _, err := s.store.InsertExternalID(ctx, &db.WorkExternalID{
		WorkID:     workID,
		Source:     db.SourceMangaUpdates,
		ExternalID: seriesID,
	}); err != nil && !db.IsUniqueViolation(err) {
		return fmt.Errorf("insert mangaupdates id: %w", err)
	}
	return nil
}

func (s *Service) addAlias(ctx context.Context, workID int64, title string) error {
	title = strings.TrimSpace(title)
	normalized := titles.Normalize(title)
	if normalized == "" {
		return nil
	}
	exists, err := s.store.TitleExists(ctx, workID, normalized, db.SourceMangaUpdates, nil)
	if err != nil {
		return fmt.Errorf("check alias: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := s.store.InsertTitle(ctx, &db.WorkTitle{
		WorkID:          workID,
		Title:           title,
		NormalizedTitle: normalized,
		Source:          db.SourceMangaUpdates,
	}); err != nil && !db.IsUniqueViolation(err) {
		return fmt.Errorf("insert alias: %w", err)
	}
	return nil
}
