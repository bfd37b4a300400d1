package tracker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
)

// RecordPageHit upserts the (page, day) hit counter and returns the row id.
// Idempotent under retry in the sense that a retried hit only ever lands on
// the increment branch.
func RecordPageHit(dbManager cartridge.DBManager, logger *slog.Logger, pageID string, at time.Time) (uint, error) {
	if pageID == "" {
		return 0, fmt.Errorf("page identity is required")
	}

	db := dbManager.GetConnection()
	day := DayBucket(at)
	now := time.Now().UTC()

	var pageRowID uint
	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		query := `
			INSERT INTO page_hit_aggregates (page_id, day, hits, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT (page_id, day) DO UPDATE SET
				hits = page_hit_aggregates.hits + 1,
				updated_at = ?
			RETURNING id
		`
		return tx.Raw(query, pageID, day, now, now, now).Scan(&pageRowID).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record page hit: %w", err)
	}

	return pageRowID, nil
}

// LinkVisitorToPage upserts the existence-only (visitor, page, day) link,
// refreshing its date when already present.
func LinkVisitorToPage(dbManager cartridge.DBManager, logger *slog.Logger, visitorID, pageRowID uint, at time.Time) error {
	if visitorID == 0 || pageRowID == 0 {
		return fmt.Errorf("visitor and page row ids are required")
	}

	db := dbManager.GetConnection()
	day := DayBucket(at)
	now := time.Now().UTC()

	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		query := `
			INSERT INTO visitor_page_links (visitor_id, page_row_id, day, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (visitor_id, page_row_id, day) DO UPDATE SET
				updated_at = ?
		`
		return tx.Exec(query, visitorID, pageRowID, day, now, now, now).Error
	})
	if err != nil {
		return fmt.Errorf("failed to link visitor to page: %w", err)
	}
	return nil
}
