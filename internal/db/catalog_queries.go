package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"horse.fit/toonrank/internal/globaltime"
)

const workColumns = `id, canonical_title, description, genre, cover_image_url, created_at, updated_at`

func scanWork(row interface{ Scan(...any) error }) (*Work, error) {
	var w Work
	if err := row.Scan(
		&w.ID,
		&w.CanonicalTitle,
		&w.Description,
		&w.Genre,
		&w.CoverImageURL,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWork returns ErrNoRows when the work does not exist.
func (p *Pool) GetWork(ctx context.Context, id int64) (*Work, error) {
	q := `SELECT ` + workColumns + ` FROM works WHERE id = $1`
	return scanWork(p.QueryRow(ctx, q, id))
}

// FindWorkByCanonicalTitle matches the canonical title exactly (case-sensitive).
func (p *Pool) FindWorkByCanonicalTitle(ctx context.Context, title string) (*Work, error) {
	q := `SELECT ` + workColumns + ` FROM works WHERE canonical_title = $1`
	return scanWork(p.QueryRow(ctx, q, title))
}

// CreateWork inserts w and fills its id. A duplicate canonical title surfaces
// as a unique violation.
func (p *Pool) CreateWork(ctx context.Context, w *Work) error {
	if w == nil {
		return fmt.Errorf("work is nil")
	}
	if strings.TrimSpace(w.CanonicalTitle) == "" {
		return fmt.Errorf("canonical title is required")
	}

	now := globaltime.UTC()
	const q = `
INSERT INTO works (canonical_title, description, genre, cover_image_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
RETURNING id, created_at, updated_at
`
	return p.QueryRow(ctx, q, w.CanonicalTitle, w.Description, w.Genre, w.CoverImageURL, now).
		Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
}

// UpdateWork persists the mutable metadata of w.
func (p *Pool) UpdateWork(ctx context.Context, w *Work) error {
	if w == nil || w.ID <= 0 {
		return fmt.Errorf("work id is required")
	}

	now := globaltime.UTC()
	const q = `
UPDATE works
SET canonical_title = $2,
	description = $3,
	genre = $4,
	cover_image_url = $5,
	updated_at = $6
WHERE id = $1
`
	tag, err := p.Exec(ctx, q, w.ID, w.CanonicalTitle, w.Description, w.Genre, w.CoverImageURL, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	w.UpdatedAt = now
	return nil
}

// UpdateWorkCover sets only the cover url.
func (p *Pool) UpdateWorkCover(ctx context.Context, workID int64, coverURL string) error {
	const q = `UPDATE works SET cover_image_url = $2, updated_at = $3 WHERE id = $1`
	_, err := p.Exec(ctx, q, workID, coverURL, globaltime.UTC())
	return err
}

// FindTitlesByNormalized returns aliases with the normalized title, oldest first.
func (p *Pool) FindTitlesByNormalized(ctx context.Context, normalized string) ([]WorkTitle, error) {
	const q = `
SELECT id, work_id, title, normalized_title, source, language, canonical, confidence, created_at
FROM work_titles
WHERE normalized_title = $1
ORDER BY id ASC
`
	rows, err := p.Query(ctx, q, normalized)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]WorkTitle, 0, 2)
	for rows.Next() {
		var t WorkTitle
		if err := rows.Scan(
			&t.ID,
			&t.WorkID,
			&t.Title,
			&t.NormalizedTitle,
			&t.Source,
			&t.Language,
			&t.Canonical,
			&t.Confidence,
			&t.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TitleExists checks the alias key; a nil language only matches NULL.
func (p *Pool) TitleExists(ctx context.Context, workID int64, normalized string, source TitleSource, language *string) (bool, error) {
	const q = `
SELECT EXISTS (
	SELECT 1
	FROM work_titles
	WHERE work_id = $1
	  AND normalized_title = $2
	  AND source = $3
	  AND language IS NOT DISTINCT FROM $4::varchar
)
`
	var exists bool
	if err := p.QueryRow(ctx, q, workID, normalized, string(source), language).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// InsertTitle adds an alias. It reports false when the alias already existed.
func (p *Pool) InsertTitle(ctx context.Context, t *WorkTitle) (bool, error) {
	if t == nil {
		return false, fmt.Errorf("title is nil")
	}
	const q = `
INSERT INTO work_titles (work_id, title, normalized_title, source, language, canonical, confidence, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT DO NOTHING
RETURNING id
`
	err := p.QueryRow(ctx, q,
		t.WorkID,
		t.Title,
		t.NormalizedTitle,
		string(t.Source),
		t.Language,
		t.Canonical,
		t.Confidence,
		globaltime.UTC(),
	).Scan(&t.ID)
	if IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const externalIDColumns = `id, work_id, source, external_id, url, created_at, updated_at`

func scanExternalID(row interface{ Scan(...any) error }) (*WorkExternalID, error) {
	var e WorkExternalID
	if err := row.Scan(&e.ID, &e.WorkID, &e.Source, &e.ExternalID, &e.URL, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Pool) FindExternalID(ctx context.Context, source TitleSource, externalID string) (*WorkExternalID, error) {
	q := `SELECT ` + externalIDColumns + ` FROM work_external_ids WHERE source = $1 AND external_id = $2`
	return scanExternalID(p.QueryRow(ctx, q, string(source), externalID))
}

// FindExternalIDForWork returns the newest (workID, source) mapping.
func (p *Pool) FindExternalIDForWork(ctx context.Context, workID int64, source TitleSource) (*WorkExternalID, error) {
	q := `SELECT ` + externalIDColumns + ` FROM work_external_ids WHERE work_id = $1 AND source = $2 ORDER BY id DESC LIMIT 1`
	return scanExternalID(p.QueryRow(ctx, q, workID, string(source)))
}

// ListExternalIDsForWork returns every (workID, source) mapping, newest first.
func (p *Pool) ListExternalIDsForWork(ctx context.Context, workID int64, source TitleSource) ([]WorkExternalID, error) {
	q := `SELECT ` + externalIDColumns + ` FROM work_external_ids WHERE work_id = $1 AND source = $2 ORDER BY id DESC`
	rows, err := p.Query(ctx, q, workID, string(source))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkExternalID
	for rows.Next() {
		e, err := scanExternalID(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// InsertExternalID adds a mapping. It reports false when (source, external_id)
// is already taken.
func (p *Pool) InsertExternalID(ctx context.Context, e *WorkExternalID) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("external id is nil")
	}
	now := globaltime.UTC()
	const q = `
INSERT INTO work_external_ids (work_id, source, external_id, url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (source, external_id) DO NOTHING
RETURNING id
`
	err := p.QueryRow(ctx, q, e.WorkID, string(e.Source), e.ExternalID, e.URL, now).Scan(&e.ID)
	if IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	return true, nil
}

// UpdateExternalID rewrites external_id and url of an existing row.
func (p *Pool) UpdateExternalID(ctx context.Context, e *WorkExternalID) error {
	if e == nil || e.ID <= 0 {
		return fmt.Errorf("external id row id is required")
	}
	now := globaltime.UTC()
	const q = `UPDATE work_external_ids SET external_id = $2, url = $3, updated_at = $4 WHERE id = $1`
	if _, err := p.Exec(ctx, q, e.ID, e.ExternalID, e.URL, now); err != nil {
		return err
	}
	e.UpdatedAt = now
	return nil
}

const coverColumns = `id, work_id, source, image_url, quality_score, width, height, updated_at`

func scanCover(row interface{ Scan(...any) error }) (*CoverCandidate, error) {
	var c CoverCandidate
	if err := row.Scan(&c.ID, &c.WorkID, &c.Source, &c.ImageURL, &c.QualityScore, &c.Width, &c.Height, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Pool) FindCoverCandidate(ctx context.Context, workID int64, source TitleSource) (*CoverCandidate, error) {
	q := `SELECT ` + coverColumns + ` FROM cover_candidates WHERE work_id = $1 AND source = $2`
	return scanCover(p.QueryRow(ctx, q, workID, string(source)))
}

func (p *Pool) ListCoverCandidates(ctx context.Context, workID int64) ([]CoverCandidate, error) {
	q := `SELECT ` + coverColumns + ` FROM cover_candidates WHERE work_id = $1 ORDER BY id ASC`
	rows, err := p.Query(ctx, q, workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CoverCandidate
	for rows.Next() {
		c, err := scanCover(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SaveCoverCandidate replaces the (work_id, source) candidate in place.
func (p *Pool) SaveCoverCandidate(ctx context.Context, c *CoverCandidate) error {
	if c == nil {
		return fmt.Errorf("cover candidate is nil")
	}
	if c.UpdatedAt == nil {
		now := globaltime.UTC()
		c.UpdatedAt = &now
	}
	const q = `
INSERT INTO cover_candidates (work_id, source, image_url, quality_score, width, height, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (work_id, source) DO UPDATE
SET image_url = EXCLUDED.image_url,
	quality_score = EXCLUDED.quality_score,
	width = EXCLUDED.width,
	height = EXCLUDED.height,
	updated_at = EXCLUDED.updated_at
RETURNING id
`
	return p.QueryRow(ctx, q, c.WorkID, string(c.Source), c.ImageURL, c.QualityScore, c.Width, c.Height, c.UpdatedAt).
		Scan(&c.ID)
}

// SaveSnapshots appends a chunk of snapshots in one transaction.
func (p *Pool) SaveSnapshots(ctx context.Context, snapshots []MetricSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	rows := make([]MetricSnapshot, len(snapshots))
	copy(rows, snapshots)
	for i := range rows {
		rows[i].ID = 0
		if rows[i].CapturedAt.IsZero() {
			rows[i].CapturedAt = globaltime.UTC()
		}
	}
	return p.InTx(ctx, func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, len(rows)).Error
	})
}

// SaveSnapshot appends one snapshot outside any chunk transaction.
func (p *Pool) SaveSnapshot(ctx context.Context, s *MetricSnapshot) error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}
	capturedAt := s.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = globaltime.UTC()
	}
	const q = `
INSERT INTO metric_snapshots (work_id, source_id, metric_type, metric_value, captured_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id
`
	return p.QueryRow(ctx, q, s.WorkID, s.SourceID, string(s.MetricType), s.MetricValue, capturedAt.UTC()).Scan(&s.ID)
}

// CountSnapshots is used by health reporting.
func (p *Pool) CountSnapshots(ctx context.Context, since time.Time) (int64, error) {
	const q = `SELECT COUNT(*)::BIGINT FROM metric_snapshots WHERE captured_at >= $1`
	var n int64
	if err := p.QueryRow(ctx, q, since.UTC()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
