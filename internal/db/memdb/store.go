// Package memdb is an in-memory implementation of the catalog, snapshot and
// batch queries of db.Pool. It enforces the same unique keys and is used by
// pipeline, control and API tests.
package memdb

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/globaltime"
)

// Store holds every table in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	nextID int64

	works       map[int64]*db.Work
	titles      []*db.WorkTitle
	externalIDs []*db.WorkExternalID
	covers      []*db.CoverCandidate
	snapshots   []db.MetricSnapshot
	jobs        map[int64]*db.JobExecution
	steps       map[int64]*db.StepExecution

	// FailSnapshotChunks makes SaveSnapshots fail so callers exercise the
	// per-row fallback.
	FailSnapshotChunks bool
}

func New() *Store {
	return &Store{
		works: make(map[int64]*db.Work),
		jobs:  make(map[int64]*db.JobExecution),
		steps: make(map[int64]*db.StepExecution),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func uniqueViolation(what string) error {
	return fmt.Errorf("%s: %w", what, gorm.ErrDuplicatedKey)
}

func sameLanguage(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneWork(w *db.Work) *db.Work {
	c := *w
	c.Description = cloneString(w.Description)
	c.Genre = cloneString(w.Genre)
	c.CoverImageURL = cloneString(w.CoverImageURL)
	return &c
}

// GetWork returns db.ErrNoRows when the work does not exist.
func (s *Store) GetWork(_ context.Context, id int64) (*db.Work, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.works[id]
	if !ok {
		return nil, db.ErrNoRows
	}
	return cloneWork(w), nil
}

func (s *Store) FindWorkByCanonicalTitle(_ context.Context, title string) (*db.Work, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.sortedWorks() {
		if w.CanonicalTitle == title {
			return cloneWork(w), nil
		}
	}
	return nil, db.ErrNoRows
}

func (s *Store) sortedWorks() []*db.Work {
	out := make([]*db.Work, 0, len(s.works))
	for _, w := range s.works {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) CreateWork(_ context.Context, w *db.Work) error {
	if w == nil || strings.TrimSpace(w.CanonicalTitle) == "" {
		return fmt.Errorf("canonical title is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.works {
		if existing.CanonicalTitle == w.CanonicalTitle {
			return uniqueViolation("works.canonical_title")
		}
	}
	now := globaltime.UTC()
	w.ID = s.id()
	w.CreatedAt = now
	w.UpdatedAt = now
	s.works[w.ID] = cloneWork(w)
	return nil
}

func (s *Store) UpdateWork(_ context.Context, w *db.Work) error {
	if w == nil {
		return fmt.Errorf("work is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.works[w.ID]; !ok {
		return db.ErrNoRows
	}
	for _, other := range s.works {
		if other.ID != w.ID && other.CanonicalTitle == w.CanonicalTitle {
			return uniqueViolation("works.canonical_title")
		}
	}
	w.UpdatedAt = globaltime.UTC()
	s.works[w.ID] = cloneWork(w)
	return nil
}

func (s *Store) UpdateWorkCover(_ context.Context, workID int64, coverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.works[workID]
	if !ok {
		return nil
	}
	w.CoverImageURL = &coverURL
	w.UpdatedAt = globaltime.UTC()
	return nil
}

func (s *Store) FindTitlesByNormalized(_ context.Context, normalized string) ([]db.WorkTitle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.WorkTitle
	for _, t := range s.titles {
		if t.NormalizedTitle == normalized {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TitleExists(_ context.Context, workID int64, normalized string, source db.TitleSource, language *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titleExistsLocked(workID, normalized, source, language), nil
}

func (s *Store) titleExistsLocked(workID int64, normalized string, source db.TitleSource, language *string) bool {
	for _, t := range s.titles {
		if t.WorkID == workID && t.NormalizedTitle == normalized && t.Source == source && sameLanguage(t.Language, language) {
			return true
		}
	}
	return false
}

func (s *Store) InsertTitle(_ context.Context, t *db.WorkTitle) (bool, error) {
	if t == nil {
		return false, fmt.Errorf("title is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.titleExistsLocked(t.WorkID, t.NormalizedTitle, t.Source, t.Language) {
		return false, nil
	}
	t.ID = s.id()
	t.CreatedAt = globaltime.UTC()
	row := *t
	row.Language = cloneString(t.Language)
	s.titles = append(s.titles, &row)
	return true, nil
}

// InsertTitlesBatch is all-or-nothing like the Postgres implementation.
func (s *Store) InsertTitlesBatch(_ context.Context, titles []db.WorkTitle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range titles {
		if s.titleExistsLocked(t.WorkID, t.NormalizedTitle, t.Source, t.Language) {
			return uniqueViolation("work_titles")
		}
		for _, prior := range titles[:i] {
			if prior.WorkID == t.WorkID && prior.NormalizedTitle == t.NormalizedTitle && prior.Source == t.Source && sameLanguage(prior.Language, t.Language) {
				return uniqueViolation("work_titles")
			}
		}
	}
	for _, t := range titles {
		row := t
		row.ID = s.id()
		row.CreatedAt = globaltime.UTC()
		row.Language = cloneString(t.Language)
		s.titles = append(s.titles, &row)
	}
	return nil
}

func (s *Store) findExternalLocked(source db.TitleSource, externalID string) *db.WorkExternalID {
	for _, e := range s.externalIDs {
		if e.Source == source && e.ExternalID == externalID {
			return e
		}
	}
	return nil
}

func (s *Store) FindExternalID(_ context.Context, source db.TitleSource, externalID string) (*db.WorkExternalID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.findExternalLocked(source, externalID); e != nil {
		c := *e
		c.URL = cloneString(e.URL)
		return &c, nil
	}
	return nil, db.ErrNoRows
}

func (s *Store) FindExternalIDForWork(ctx context.Context, workID int64, source db.TitleSource) (*db.WorkExternalID, error) {
	all, _ := s.ListExternalIDsForWork(ctx, workID, source)
	if len(all) == 0 {
		return nil, db.ErrNoRows
	}
	return &all[0], nil
}

func (s *Store) ListExternalIDsForWork(_ context.Context, workID int64, source db.TitleSource) ([]db.WorkExternalID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.WorkExternalID
	for _, e := range s.externalIDs {
		if e.WorkID == workID && e.Source == source {
			c := *e
			c.URL = cloneString(e.URL)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) InsertExternalID(_ context.Context, e *db.WorkExternalID) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("external id is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findExternalLocked(e.Source, e.ExternalID) != nil {
		return false, nil
	}
	now := globaltime.UTC()
	e.ID = s.id()
	e.CreatedAt = now
	e.UpdatedAt = now
	row := *e
	row.URL = cloneString(e.URL)
	s.externalIDs = append(s.externalIDs, &row)
	return true, nil
}

func (s *Store) InsertExternalIDsBatch(_ context.Context, ids []db.WorkExternalID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(ids))
	for _, e := range ids {
		key := string(e.Source) + "\x00" + e.ExternalID
		if _, dup := seen[key]; dup || s.findExternalLocked(e.Source, e.ExternalID) != nil {
			return uniqueViolation("work_external_ids")
		}
		seen[key] = struct{}{}
	}
	now := globaltime.UTC()
	for _, e := range ids {
		row := e
		row.ID = s.id()
		row.CreatedAt = now
		row.UpdatedAt = now
		row.URL = cloneString(e.URL)
		s.externalIDs = append(s.externalIDs, &row)
	}
	return nil
}

func (s *Store) UpdateExternalID(_ context.Context, e *db.WorkExternalID) error {
	if e == nil {
		return fmt.Errorf("external id is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.externalIDs {
		if other.ID != e.ID && other.Source == e.Source && other.ExternalID == e.ExternalID {
			return uniqueViolation("work_external_ids.source_external_id")
		}
	}
	for _, row := range s.externalIDs {
		if row.ID == e.ID {
			row.ExternalID = e.ExternalID
			row.URL = cloneString(e.URL)
			row.UpdatedAt = globaltime.UTC()
			return nil
		}
	}
	return db.ErrNoRows
}

// ExternalIDs returns a copy of every external id row, for assertions.
func (s *Store) ExternalIDs() []db.WorkExternalID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.WorkExternalID, 0, len(s.externalIDs))
	for _, e := range s.externalIDs {
		out = append(out, *e)
	}
	return out
}

// Titles returns a copy of every alias row, for assertions.
func (s *Store) Titles() []db.WorkTitle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.WorkTitle, 0, len(s.titles))
	for _, t := range s.titles {
		out = append(out, *t)
	}
	return out
}

// Works returns a copy of every work ordered by id.
func (s *Store) Works() []db.Work {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Work, 0, len(s.works))
	for _, w := range s.sortedWorks() {
		out = append(out, *cloneWork(w))
	}
	return out
}

func (s *Store) FindCoverCandidate(_ context.Context, workID int64, source db.TitleSource) (*db.CoverCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.covers {
		if c.WorkID == workID && c.Source == source {
			copied := *c
			return &copied, nil
		}
	}
	return nil, db.ErrNoRows
}

func (s *Store) ListCoverCandidates(_ context.Context, workID int64) ([]db.CoverCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.CoverCandidate
	for _, c := range s.covers {
		if c.WorkID == workID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *Store) SaveCoverCandidate(_ context.Context, c *db.CoverCandidate) error {
	if c == nil {
		return fmt.Errorf("cover candidate is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.UpdatedAt == nil {
		now := globaltime.UTC()
		c.UpdatedAt = &now
	}
	for _, existing := range s.covers {
		if existing.WorkID == c.WorkID && existing.Source == c.Source {
			c.ID = existing.ID
			*existing = *c
			return nil
		}
	}
	c.ID = s.id()
	row := *c
	s.covers = append(s.covers, &row)
	return nil
}

func (s *Store) SaveSnapshots(_ context.Context, snapshots []db.MetricSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSnapshotChunks {
		return fmt.Errorf("chunk insert rejected")
	}
	for _, snap := range snapshots {
		if snap.MetricValue < 0 {
			return fmt.Errorf("metric_value must be non-negative")
		}
	}
	for _, snap := range snapshots {
		snap.ID = s.id()
		if snap.CapturedAt.IsZero() {
			snap.CapturedAt = globaltime.UTC()
		}
		s.snapshots = append(s.snapshots, snap)
	}
	return nil
}

func (s *Store) SaveSnapshot(_ context.Context, snap *db.MetricSnapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if snap.MetricValue < 0 {
		return fmt.Errorf("metric_value must be non-negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ID = s.id()
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = globaltime.UTC()
	}
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

// AddSnapshot appends a snapshot directly, for seeding trending fixtures.
func (s *Store) AddSnapshot(snap db.MetricSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ID = s.id()
	s.snapshots = append(s.snapshots, snap)
}

// Snapshots returns a copy of every snapshot in insertion order.
func (s *Store) Snapshots() []db.MetricSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.MetricSnapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

// FindTrending mirrors the Postgres ranking query.
func (s *Store) FindTrending(_ context.Context, q db.TrendingQuery) ([]db.TrendingRow, error) {
	if q.Limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	var genreRE *regexp.Regexp
	if q.ExcludedGenresRegex != "" {
		re, err := regexp.Compile("(?i)" + posixClasses.Replace(q.ExcludedGenresRegex))
		if err != nil {
			return nil, fmt.Errorf("compile genre regex: %w", err)
		}
		genreRE = re
	}
	mode := q.Mode
	if mode == "" {
		mode = db.RankingRate
	}
	now := q.Now
	if now.IsZero() {
		now = globaltime.UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type ranked struct {
		row db.TrendingRow
		key *float64
	}
	var candidates []ranked
	for _, w := range s.sortedWorks() {
		if genreRE != nil && w.Genre != nil && genreRE.MatchString(*w.Genre) {
			continue
		}
		var series []db.MetricSnapshot
		for _, snap := range s.snapshots {
			if snap.WorkID != w.ID || snap.MetricType != q.Metric {
				continue
			}
			if q.SourceID != nil && snap.SourceID != *q.SourceID {
				continue
			}
			series = append(series, snap)
		}
		if len(series) == 0 {
			continue
		}
		latest := series[0]
		for _, snap := range series[1:] {
			if snap.CapturedAt.After(latest.CapturedAt) || (snap.CapturedAt.Equal(latest.CapturedAt) && snap.ID > latest.ID) {
				latest = snap
			}
		}
		if latest.CapturedAt.Before(now.Add(-db.TrendingFreshness)) {
			continue
		}

		target := latest.CapturedAt.Add(-db.TrendingBaselineShift)
		var previous *db.MetricSnapshot
		for i := range series {
			snap := series[i]
			if !snap.CapturedAt.Before(latest.CapturedAt) {
				continue
			}
			if previous == nil {
				previous = &series[i]
				continue
			}
			d1 := absDuration(target.Sub(snap.CapturedAt))
			d0 := absDuration(target.Sub(previous.CapturedAt))
			if d1 < d0 || (d1 == d0 && snap.CapturedAt.After(previous.CapturedAt)) {
				previous = &series[i]
			}
		}
		if previous == nil {
			continue
		}
		gap := latest.CapturedAt.Sub(previous.CapturedAt)
		if gap < db.TrendingMinimumGap {
			continue
		}

		growth := latest.MetricValue - previous.MetricValue
		days := gap.Seconds() / 86400.0
		row := db.TrendingRow{
			WorkID:        w.ID,
			Title:         w.CanonicalTitle,
			CoverImageURL: coverOrFallback(w.CoverImageURL, q.CoverFallbackURL),
			ReadURL:       s.readURLLocked(w.ID, q.SourceID),
			LatestValue:   latest.MetricValue,
			LatestAt:      latest.CapturedAt,
			PreviousValue: previous.MetricValue,
			PreviousAt:    previous.CapturedAt,
			Growth:        growth,
			BaselineDays:  days,
		}
		if days > 0 {
			perDay := float64(growth) / days
			row.GrowthPerDay = &perDay
		}
		if previous.MetricValue > 0 {
			pct := float64(growth) / float64(previous.MetricValue)
			row.GrowthPercent = &pct
		}

		var key *float64
		switch mode {
		case db.RankingAbs:
			v := float64(growth)
			key = &v
		case db.RankingPct:
			key = row.GrowthPercent
		default:
			key = row.GrowthPerDay
		}
		candidates = append(candidates, ranked{row: row, key: key})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.key == nil && b.key != nil:
			return false
		case a.key != nil && b.key == nil:
			return true
		case a.key != nil && b.key != nil && *a.key != *b.key:
			return *a.key > *b.key
		}
		if a.row.Growth != b.row.Growth {
			return a.row.Growth > b.row.Growth
		}
		return a.row.WorkID < b.row.WorkID
	})

	if len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	out := make([]db.TrendingRow, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.row)
	}
	return out, nil
}

var posixClasses = strings.NewReplacer("[[:space:]-]", `[\s-]`)

func (s *Store) readURLLocked(workID int64, sourceID *int) *string {
	priority := map[db.TitleSource]int{db.SourceWebtoons: 1, db.SourceAsura: 2, db.SourceTapas: 3}
	var allowed map[db.TitleSource]bool
	if sourceID != nil {
		src, ok := db.SourceForID(*sourceID)
		if !ok {
			return nil
		}
		allowed = map[db.TitleSource]bool{src: true}
	}

	var best *db.WorkExternalID
	for _, e := range s.externalIDs {
		if e.WorkID != workID {
			continue
		}
		if _, known := priority[e.Source]; !known {
			continue
		}
		if allowed != nil && !allowed[e.Source] {
			continue
		}
		if best == nil || priority[e.Source] < priority[best.Source] ||
			(priority[e.Source] == priority[best.Source] && e.ID > best.ID) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	if best.URL != nil && *best.URL != "" {
		return cloneString(best.URL)
	}
	if strings.HasPrefix(best.ExternalID, "http") {
		v := best.ExternalID
		return &v
	}
	return nil
}

func coverOrFallback(cover *string, fallback string) *string {
	if cover != nil && *cover != "" {
		return cloneString(cover)
	}
	if fallback != "" {
		return &fallback
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (s *Store) CountSnapshots(_ context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, snap := range s.snapshots {
		if !snap.CapturedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
