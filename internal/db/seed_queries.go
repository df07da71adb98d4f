package db

import (
	"context"

	"gorm.io/gorm"

	"horse.fit/toonrank/internal/globaltime"
)

// InsertTitlesBatch inserts aliases in one transaction. Any conflict fails the
// whole batch so the caller can fall back to per-row inserts.
func (p *Pool) InsertTitlesBatch(ctx context.Context, titles []WorkTitle) error {
	if len(titles) == 0 {
		return nil
	}
	now := globaltime.UTC()
	rows := make([]WorkTitle, len(titles))
	for i, t := range titles {
		t.ID = 0
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		rows[i] = t
	}
	return p.InTx(ctx, func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, len(rows)).Error
	})
}

// InsertExternalIDsBatch inserts external ids in one transaction with the same
// all-or-nothing behavior as InsertTitlesBatch.
func (p *Pool) InsertExternalIDsBatch(ctx context.Context, ids []WorkExternalID) error {
	if len(ids) == 0 {
		return nil
	}
	now := globaltime.UTC()
	rows := make([]WorkExternalID, len(ids))
	for i, e := range ids {
		e.ID = 0
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		rows[i] = e
	}
	return p.InTx(ctx, func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, len(rows)).Error
	})
}
