// Package seed bulk-loads a catalog of works, aliases and external ids from
// a JSON array of series entries.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/titles"
	payloadschema "horse.fit/toonrank/schema"
)

const (
	DefaultBatchSize        = 500
	DefaultProgressInterval = 10000
)

type Store interface {
	FindExternalID(ctx context.Context, source db.TitleSource, externalID string) (*db.WorkExternalID, error)
	FindWorkByCanonicalTitle(ctx context.Context, title string) (*db.Work, error)
	CreateWork(ctx context.Context, w *db.Work) error
	InsertTitle(ctx context.Context, t *db.WorkTitle) (bool, error)
	InsertTitlesBatch(ctx context.Context, titles []db.WorkTitle) error
	InsertExternalID(ctx context.Context, e *db.WorkExternalID) (bool, error)
	InsertExternalIDsBatch(ctx context.Context, ids []db.WorkExternalID) error
}

type Options struct {
	BatchSize        int
	ProgressInterval int
}

// Stats summarizes one import.
type Stats struct {
	Processed           int64
	Invalid             int64
	CreatedWorks        int64
	MatchedWorks        int64
	TitlesAdded         int64
	ExternalIDsAdded    int64
	TitleConflicts      int64
	ExternalIDConflicts int64
}

type Importer struct {
	store  Store
	opts   Options
	logger zerolog.Logger
}

func NewImporter(store Store, opts Options, logger zerolog.Logger) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ProgressInterval < 0 {
		opts.ProgressInterval = 0
	}
	return &Importer{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "seed_import").Logger(),
	}
}

type externalKey struct {
	source db.TitleSource
	id     string
}

// run holds the per-import buffers and the external id memo.
type run struct {
	stats       Stats
	titles      []db.WorkTitle
	externalIDs []db.WorkExternalID
	known       map[externalKey]int64
}

// Import streams entries from r, which must hold a JSON array. Entries that
// fail schema validation are counted and skipped.
func (im *Importer) Import(ctx context.Context, r io.Reader) (Stats, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return Stats{}, fmt.Errorf("read seed file: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return Stats{}, fmt.Errorf("expected JSON array at root")
	}

	st := &run{known: make(map[externalKey]int64)}
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return st.stats, err
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return st.stats, fmt.Errorf("decode entry %d: %w", st.stats.Processed+st.stats.Invalid+1, err)
		}
		series, err := payloadschema.ValidateSeedSeries(raw)
		if err != nil {
			st.stats.Invalid++
			im.logger.Warn().Err(err).Int64("entry", st.stats.Processed+st.stats.Invalid).Msg("invalid seed entry skipped")
			continue
		}
		st.stats.Processed++

		if err := im.importSeries(ctx, st, series); err != nil {
			return st.stats, err
		}

		if len(st.titles) >= im.opts.BatchSize {
			if err := im.flushTitles(ctx, st); err != nil {
				return st.stats, err
			}
		}
		if len(st.externalIDs) >= im.opts.BatchSize {
			if err := im.flushExternalIDs(ctx, st); err != nil {
				return st.stats, err
			}
		}
		if im.opts.ProgressInterval > 0 && st.stats.Processed%int64(im.opts.ProgressInterval) == 0 {
			im.logger.Info().Int64("processed", st.stats.Processed).Msg("seed import progress")
		}
	}

	if err := im.flushTitles(ctx, st); err != nil {
		return st.stats, err
	}
	if err := im.flushExternalIDs(ctx, st); err != nil {
		return st.stats, err
	}

	im.logger.Info().
		Int64("processed", st.stats.Processed).
		Int64("invalid", st.stats.Invalid).
		Int64("created_works", st.stats.CreatedWorks).
		Int64("matched_works", st.stats.MatchedWorks).
		Int64("titles_added", st.stats.TitlesAdded).
		Int64("external_ids_added", st.stats.ExternalIDsAdded).
		Int64("title_conflicts", st.stats.TitleConflicts).
		Int64("external_id_conflicts", st.stats.ExternalIDConflicts).
		Msg("seed import complete")
	return st.stats, nil
}

func seriesIDs(s *payloadschema.SeedSeries) []externalKey {
	return []externalKey{
		{db.SourceMangaDex, strings.TrimSpace(s.MangaDexID)},
		{db.SourceAniList, strings.TrimSpace(s.AniListID)},
		{db.SourceMyAnimeList, strings.TrimSpace(s.MyAnimeListID)},
		{db.SourceKitsu, strings.TrimSpace(s.KitsuID)},
		{db.SourceMangaUpdates, strings.TrimSpace(s.MangaUpdatesID)},
	}
}

func (im *Importer) importSeries(ctx context.Context, st *run, series *payloadschema.SeedSeries) error {
	canonical := strings.TrimSpace(series.CanonicalTitle())
	ids := seriesIDs(series)

	workID, matched, err := im.resolveWork(ctx, st, canonical, ids)
	if err != nil {
		return err
	}
	if matched {
		st.stats.MatchedWorks++
	} else {
		st.stats.CreatedWorks++
	}

	candidates := make([]string, 0, 1+len(series.AllTitles)+len(series.RomajiTitles)+len(series.Synonyms))
	candidates = append(candidates, series.EnPrimaryTitle)
	candidates = append(candidates, series.AllTitles...)
	candidates = append(candidates, series.RomajiTitles...)
	candidates = append(candidates, series.Synonyms...)

	seen := make(map[string]struct{}, len(candidates))
	for _, title := range candidates {
		title = strings.TrimSpace(title)
		normalized := titles.Normalize(title)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		st.titles = append(st.titles, db.WorkTitle{
			WorkID:          workID,
			Title:           title,
			NormalizedTitle: normalized,
			Source:          db.SourceOther,
			Canonical:       strings.EqualFold(title, canonical),
		})
		st.stats.TitlesAdded++
	}

	for _, key := range ids {
		added, err := im.addExternalID(ctx, st, workID, key)
		if err != nil {
			return err
		}
		if added {
			st.stats.ExternalIDsAdded++
		}
	}
	return nil
}

// resolveWork finds a work by external id in priority order, then by
// canonical title, and creates it otherwise.
func (im *Importer) resolveWork(ctx context.Context, st *run, canonical string, ids []externalKey) (int64, bool, error) {
	for _, key := range ids {
		workID, found, err := im.lookupExternal(ctx, st, key)
		if err != nil {
			return 0, false, err
		}
		if found {
			return workID, true, nil
		}
	}

	existing, err := im.store.FindWorkByCanonicalTitle(ctx, canonical)
	if err == nil {
		return existing.ID, true, nil
	}
	if !db.IsNoRows(err) {
		return 0, false, fmt.Errorf("find work %q: %w", canonical, err)
	}

	work := &db.Work{CanonicalTitle: canonical}
	if err := im.store.CreateWork(ctx, work); err != nil {
		if !db.IsUniqueViolation(err) {
			return 0, false, fmt.Errorf("create work %q: %w", canonical, err)
		}
		existing, findErr := im.store.FindWorkByCanonicalTitle(ctx, canonical)
		if findErr != nil {
			return 0, false, fmt.Errorf("re-read work %q: %w", canonical, findErr)
		}
		return existing.ID, true, nil
	}
	return work.ID, false, nil
}

func (im *Importer) lookupExternal(ctx context.Context, st *run, key externalKey) (int64, bool, error) {
	if key.id == "" {
		return 0, false, nil
	}
	if workID, ok := st.known[key]; ok {
		return workID, true, nil
	}
	row, err := im.store.FindExternalID(ctx, key.source, key.id)
	if err != nil {
		if db.IsNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("find external id %s:%s: %w", key.source, key.id, err)
	}
	st.known[key] = row.WorkID
	return row.WorkID, true, nil
}

func (im *Importer) addExternalID(ctx context.Context, st *run, workID int64, key externalKey) (bool, error) {
	if key.id == "" {
		return false, nil
	}
	owner, found, err := im.lookupExternal(ctx, st, key)
	if err != nil {
		return false, err
	}
	if found {
		if owner != workID {
			im.logger.Warn().
				Str("source", string(key.source)).
				Str("external_id", key.id).
				Int64("existing_work_id", owner).
				Int64("work_id", workID).
				Msg("external id belongs to another work; skipped")
		}
		return false, nil
	}
	st.externalIDs = append(st.externalIDs, db.WorkExternalID{
		WorkID:     workID,
		Source:     key.source,
		ExternalID: key.id,
	})
	st.known[key] = workID
	return true, nil
}

func (im *Importer) flushTitles(ctx context.Context, st *run) error {
	if len(st.titles) == 0 {
		return nil
	}
	defer func() { st.titles = st.titles[:0] }()

	err := im.store.InsertTitlesBatch(ctx, st.titles)
	if err == nil {
		return nil
	}
	if !db.IsUniqueViolation(err) {
		return fmt.Errorf("insert titles batch: %w", err)
	}

	var conflicts int64
	for i := range st.titles {
		inserted, err := im.store.InsertTitle(ctx, &st.titles[i])
		if err != nil && !db.IsUniqueViolation(err) {
			return fmt.Errorf("insert title %q: %w", st.titles[i].Title, err)
		}
		if !inserted {
			conflicts++
		}
	}
	st.stats.TitleConflicts += conflicts
	im.logger.Warn().Int64("conflicts", conflicts).Msg("title batch had conflicts; inserted row by row")
	return nil
}

func (im *Importer) flushExternalIDs(ctx context.Context, st *run) error {
	if len(st.externalIDs) == 0 {
		return nil
	}
	defer func() { st.externalIDs = st.externalIDs[:0] }()

	err := im.store.InsertExternalIDsBatch(ctx, st.externalIDs)
	if err == nil {
		return nil
	}
	if !db.IsUniqueViolation(err) {
		return fmt.Errorf("insert external ids batch: %w", err)
	}

	var conflicts int64
	for i := range st.externalIDs {
		inserted, err := im.store.InsertExternalID(ctx, &st.externalIDs[i])
		if err != nil && !db.IsUniqueViolation(err) {
			return fmt.Errorf("insert external id %s:%s: %w", st.externalIDs[i].Source, st.externalIDs[i].ExternalID, err)
		}
		if !inserted {
			conflicts++
		}
	}
	st.stats.ExternalIDConflicts += conflicts
	im.logger.Warn().Int64("conflicts", conflicts).Msg("external id batch had conflicts; inserted row by row")
	return nil
}
