// Package cover scores cover image candidates and keeps the best one on the
// work row.
package cover

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/globaltime"
)

var dimensionPattern = regexp.MustCompile(`(\d{2,4})[xX](\d{2,4})`)

// Store is the slice of db.Pool the selector needs.
type Store interface {
	GetWork(ctx context.Context, id int64) (*db.Work, error)
	FindCoverCandidate(ctx context.Context, workID int64, source db.TitleSource) (*db.CoverCandidate, error)
	SaveCoverCandidate(ctx context.Context, c *db.CoverCandidate) error
	ListCoverCandidates(ctx context.Context, workID int64) ([]db.CoverCandidate, error)
	UpdateWorkCover(ctx context.Context, workID int64, coverURL string) error
}

type Selector struct {
	store  Store
	logger zerolog.Logger
}

func NewSelector(store Store, logger zerolog.Logger) *Selector {
	return &Selector{
		store:  store,
		logger: logger.With().Str("component", "cover_selector").Logger(),
	}
}

// Upsert records the candidate for (workID, source) and re-selects the work
// cover. Blank URLs are ignored.
func (s *Selector) Upsert(ctx context.Context, workID int64, source db.TitleSource, imageURL string) error {
	if s == nil || workID <= 0 || source == "" {
		return nil
	}
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return nil
	}

	width, height := Dimensions(imageURL)
	candidate := &db.CoverCandidate{
		WorkID:       workID,
		Source:       source,
		ImageURL:     imageURL,
		QualityScore: Score(source, imageURL),
	}
	if existing, err := s.store.FindCoverCandidate(ctx, workID, source); err == nil {
		candidate.ID = existing.ID
	} else if !db.IsNoRows(err) {
		return fmt.Errorf("find cover candidate: %w", err)
	}
	if width > 0 && height > 0 {
		candidate.Width = &width
		candidate.Height = &height
	}
	now := globaltime.UTC()
	candidate.UpdatedAt = &now

	if err := s.store.SaveCoverCandidate(ctx, candidate); err != nil {
		return fmt.Errorf("save cover candidate: %w", err)
	}
	return s.SelectBest(ctx, workID)
}

// SelectBest writes the highest (score, updatedAt) candidate URL to the work
// when it differs from the current cover.
func (s *Selector) SelectBest(ctx context.Context, workID int64) error {
	candidates, err := s.store.ListCoverCandidates(ctx, workID)
	if err != nil {
		return fmt.Errorf("list cover candidates: %w", err)
	}
	best, ok := Best(candidates)
	if !ok {
		return nil
	}

	work, err := s.store.GetWork(ctx, workID)
	if db.IsNoRows(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get work: %w", err)
	}
	if work.CoverImageURL != nil && *work.CoverImageURL == best.ImageURL {
		return nil
	}
	if err := s.store.UpdateWorkCover(ctx, workID, best.ImageURL); err != nil {
		return fmt.Errorf("update work cover: %w", err)
	}
	s.logger.Debug().
		Int64("work_id", workID).
		Str("source", string(best.Source)).
		Int("score", best.QualityScore).
		Msg("cover updated")
	return nil
}

// Best picks the maximum by quality score, then by updatedAt with nil
// ordered first. Ties keep the earliest candidate.
func Best(candidates []db.CoverCandidate) (db.CoverCandidate, bool) {
	if len(candidates) == 0 {
		return db.CoverCandidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.QualityScore != best.QualityScore {
			if c.QualityScore > best.QualityScore {
				best = c
			}
			continue
		}
		switch {
		case c.UpdatedAt == nil:
		case best.UpdatedAt == nil:
			best = c
		case c.UpdatedAt.After(*best.UpdatedAt):
			best = c
		}
	}
	return best, true
}

func baseScore(source db.TitleSource) int {
	switch source {
	case db.SourceAsura:
		return 1000
	case db.SourceWebtoons:
		return 920
	case db.SourceTapas:
		return 860
	case db.SourceMangaUpdates:
		return 700
	default:
		return 600
	}
}

// Score is deterministic for a (source, url) pair.
func Score(source db.TitleSource, imageURL string) int {
	score := baseScore(source)
	lower := strings.ToLower(strings.TrimSpace(imageURL))

	if strings.Contains(lower, "thumb") {
		score -= 250
	}
	if strings.Contains(lower, "/1x/") {
		score -= 120
	}
	if strings.Contains(lower, "/2x/") || strings.Contains(lower, "/3x/") {
		score += 50
	}
	if strings.Contains(lower, "cover") {
		score += 25
	}
	switch {
	case strings.HasSuffix(lower, ".webp"):
		score += 30
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		score += 15
	case strings.HasSuffix(lower, ".png"):
		score += 10
	}

	if width, height := Dimensions(lower); width > 0 && height > 0 {
		score += min(300, width*height/50000)
		ratio := float64(width) / float64(height)
		if ratio > 0.62 && ratio < 0.72 {
			score += 40
		}
	}
	return score
}

// Dimensions returns the first WIDTHxHEIGHT pair in the URL with both sides
// at least 50, or zeros.
func Dimensions(imageURL string) (int, int) {
	for _, m := range dimensionPattern.FindAllStringSubmatch(imageURL, -1) {
		width, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		height, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if width >= 50 && height >= 50 {
			return width, height
		}
	}
	return 0, 0
}
