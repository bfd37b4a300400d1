// Package retention rolls old detail rows up into lifetime totals and
// deletes them.
package retention

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"visitra/internal/tracker"
)

// MinRetentionDays is the floor on the retention window. Shorter windows
// would purge data most dashboards still display.
const MinRetentionDays = 30

// ErrRetentionTooShort rejects purge requests below the floor.
var ErrRetentionTooShort = errors.New("retention window is below the minimum")

// Summary reports what one purge run folded and deleted.
type Summary struct {
	Cutoff           time.Time
	VisitsRolled     int64
	VisitorsRolled   int64
	PageHitsRolled   int64
	VisitsDeleted    int64
	VisitorsDeleted  int64
	PageRowsDeleted  int64
	LinksDeleted     int64
	ExclusionDeleted int64
}

// Purge folds detail rows older than the retention window into the
// historical rollups and deletes them, sum-then-delete in one transaction
// so a crash between the two cannot double or lose counts. Exclusion log
// entries and visitor-page links are deleted without rollups.
func Purge(dbManager cartridge.DBManager, logger *slog.Logger, retentionDays int) (Summary, error) {
	if retentionDays < MinRetentionDays {
		return Summary{}, fmt.Errorf("%w: %d days, minimum is %d",
			ErrRetentionTooShort, retentionDays, MinRetentionDays)
	}

	db := dbManager.GetConnection()
	cutoff := tracker.DayBucket(time.Now().UTC().AddDate(0, 0, -retentionDays))
	summary := Summary{Cutoff: cutoff}

	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		var err error

		summary.VisitsRolled, summary.VisitsDeleted, err = purgeVisits(tx, cutoff)
		if err != nil {
			return err
		}

		summary.PageHitsRolled, summary.PageRowsDeleted, err = purgePageHits(tx, cutoff)
		if err != nil {
			return err
		}

		summary.LinksDeleted, err = purgeLinks(tx, cutoff)
		if err != nil {
			return err
		}

		summary.VisitorsRolled, summary.VisitorsDeleted, err = purgeVisitors(tx, cutoff)
		if err != nil {
			return err
		}

		summary.ExclusionDeleted, err = purgeExclusionLog(tx, cutoff)
		return err
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to purge old tracking data: %w", err)
	}

	logger.Info("Retention purge completed",
		slog.Time("cutoff", cutoff),
		slog.Int64("visits_rolled", summary.VisitsRolled),
		slog.Int64("visitors_rolled", summary.VisitorsRolled),
		slog.Int64("page_hits_rolled", summary.PageHitsRolled),
		slog.Int64("links_deleted", summary.LinksDeleted),
		slog.Int64("exclusion_deleted", summary.ExclusionDeleted))
	return summary, nil
}

func purgeVisits(tx *gorm.DB, cutoff time.Time) (rolled, deleted int64, err error) {
	var sum int64
	err = tx.Model(&tracker.VisitAggregate{}).
		Where("day < ?", cutoff).
		Select("COALESCE(SUM(visits), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum retired visits: %w", err)
	}

	if sum > 0 {
		if err := addToRollup(tx, tracker.RollupVisits, "", sum); err != nil {
			return 0, 0, err
		}
	}

	result := tx.Where("day < ?", cutoff).Delete(&tracker.VisitAggregate{})
	if result.Error != nil {
		return 0, 0, fmt.Errorf("failed to delete retired visit aggregates: %w", result.Error)
	}
	return sum, result.RowsAffected, nil
}

func purgeVisitors(tx *gorm.DB, cutoff time.Time) (rolled, deleted int64, err error) {
	var count int64
	err = tx.Model(&tracker.VisitorRecord{}).
		Where("day < ? AND honeypot = ?", cutoff, false).
		Count(&count).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count retired visitors: %w", err)
	}

	if count > 0 {
		if err := addToRollup(tx, tracker.RollupVisitors, "", count); err != nil {
			return 0, 0, err
		}
	}

	result := tx.Where("day < ?", cutoff).Delete(&tracker.VisitorRecord{})
	if result.Error != nil {
		return 0, 0, fmt.Errorf("failed to delete retired visitor records: %w", result.Error)
	}
	return count, result.RowsAffected, nil
}

func purgePageHits(tx *gorm.DB, cutoff time.Time) (rolled, deleted int64, err error) {
	type pageSum struct {
		PageID string
		Hits   int64
	}
	var sums []pageSum
	err = tx.Model(&tracker.PageHitAggregate{}).
		Where("day < ?", cutoff).
		Select("page_id, SUM(hits) AS hits").
		Group("page_id").
		Scan(&sums).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum retired page hits: %w", err)
	}

	for _, s := range sums {
		if err := addToRollup(tx, tracker.RollupPageURI, s.PageID, s.Hits); err != nil {
			return 0, 0, err
		}
		rolled += s.Hits
	}

	result := tx.Where("day < ?", cutoff).Delete(&tracker.PageHitAggregate{})
	if result.Error != nil {
		return 0, 0, fmt.Errorf("failed to delete retired page aggregates: %w", result.Error)
	}
	return rolled, result.RowsAffected, nil
}

func purgeLinks(tx *gorm.DB, cutoff time.Time) (int64, error) {
	result := tx.Where("day < ?", cutoff).Delete(&tracker.VisitorPageLink{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete retired visitor page links: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func purgeExclusionLog(tx *gorm.DB, cutoff time.Time) (int64, error) {
	result := tx.Where("day < ?", cutoff).Delete(&tracker.ExclusionLogEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete retired exclusion log entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func addToRollup(tx *gorm.DB, category, pageID string, value int64) error {
	query := `
		INSERT INTO historical_rollups (category, page_id, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (category, page_id) DO UPDATE SET
			value = historical_rollups.value + ?,
			updated_at = ?
	`
	now := time.Now().UTC()
	if err := tx.Exec(query, category, pageID, value, now, now, value, now).Error; err != nil {
		return fmt.Errorf("failed to update %s rollup: %w", category, err)
	}
	return nil
}
