package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/karloscodes/cartridge"
	"gorm.io/gorm"
)

// VisitorFilters narrows visitor count queries. Zero values mean no filter.
type VisitorFilters struct {
	From    time.Time
	To      time.Time
	Country string
	Browser string
	Device  string
	UserID  string
}

// VisitCount sums the visit aggregates over [from, to]. Zero bounds mean
// all time; all-time totals fold in the historical rollup so purged detail
// rows still count.
func VisitCount(dbManager cartridge.DBManager, from, to time.Time) (int64, error) {
	db := dbManager.GetConnection()

	query := db.Model(&VisitAggregate{})
	if !from.IsZero() {
		query = query.Where("day >= ?", DayBucket(from))
	}
	if !to.IsZero() {
		query = query.Where("day <= ?", DayBucket(to))
	}

	var total int64
	if err := query.Select("COALESCE(SUM(visits), 0)").Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to count visits: %w", err)
	}

	if includeRollup(db, &VisitAggregate{}, from) {
		rolled, err := rollupValue(db, RollupVisits, "")
		if err != nil {
			return 0, err
		}
		total += rolled
	}
	return total, nil
}

// VisitorCount counts deduplicated visitor rows matching the filters.
// Honeypot rows are excluded; the rollup is folded in only for unfiltered
// all-time counts since purged rows carry no filterable detail.
func VisitorCount(dbManager cartridge.DBManager, filters VisitorFilters) (int64, error) {
	db := dbManager.GetConnection()

	query := db.Model(&VisitorRecord{}).Where("honeypot = ?", false)
	if !filters.From.IsZero() {
		query = query.Where("day >= ?", DayBucket(filters.From))
	}
	if !filters.To.IsZero() {
		query = query.Where("day <= ?", DayBucket(filters.To))
	}
	if filters.Country != "" {
		query = query.Where("country = ?", filters.Country)
	}
	if filters.Browser != "" {
		query = query.Where("browser = ?", filters.Browser)
	}
	if filters.Device != "" {
		query = query.Where("device = ?", filters.Device)
	}
	if filters.UserID != "" {
		query = query.Where("user_id = ?", filters.UserID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count visitors: %w", err)
	}

	detailOnly := filters.Country != "" || filters.Browser != "" ||
		filters.Device != "" || filters.UserID != ""
	if !detailOnly && includeRollup(db, &VisitorRecord{}, filters.From) {
		rolled, err := rollupValue(db, RollupVisitors, "")
		if err != nil {
			return 0, err
		}
		count += rolled
	}
	return count, nil
}

// PageHitCount sums hits for one page over [from, to], folding in the page's
// rollup for all-time totals.
func PageHitCount(dbManager cartridge.DBManager, pageID string, from, to time.Time) (int64, error) {
	if pageID == "" {
		return 0, fmt.Errorf("page identity is required")
	}
	db := dbManager.GetConnection()

	query := db.Model(&PageHitAggregate{}).Where("page_id = ?", pageID)
	if !from.IsZero() {
		query = query.Where("day >= ?", DayBucket(from))
	}
	if !to.IsZero() {
		query = query.Where("day <= ?", DayBucket(to))
	}

	var total int64
	if err := query.Select("COALESCE(SUM(hits), 0)").Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to count page hits: %w", err)
	}

	if includeRollup(db, &PageHitAggregate{}, from) {
		rolled, err := rollupValue(db, RollupPageURI, pageID)
		if err != nil {
			return 0, err
		}
		total += rolled
	}
	return total, nil
}

// PageCount holds one row of the top-pages listing.
type PageCount struct {
	PageID string
	Hits   int64
}

// TopPages lists pages by hit count over [from, to], detail rows only.
func TopPages(dbManager cartridge.DBManager, from, to time.Time, limit int) ([]PageCount, error) {
	db := dbManager.GetConnection()
	if limit <= 0 {
		limit = 10
	}

	query := db.Model(&PageHitAggregate{})
	if !from.IsZero() {
		query = query.Where("day >= ?", DayBucket(from))
	}
	if !to.IsZero() {
		query = query.Where("day <= ?", DayBucket(to))
	}

	var pages []PageCount
	err := query.Select("page_id, SUM(hits) AS hits").
		Group("page_id").
		Order("hits DESC").
		Limit(limit).
		Scan(&pages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list top pages: %w", err)
	}
	return pages, nil
}

// includeRollup reports whether a range starting at from reaches past the
// oldest surviving detail row, in which case purged history applies.
func includeRollup(db *gorm.DB, model any, from time.Time) bool {
	if from.IsZero() {
		return true
	}

	var oldest time.Time
	err := db.Model(model).Select("MIN(day)").Scan(&oldest).Error
	if err != nil || oldest.IsZero() {
		return true
	}
	return DayBucket(from).Before(DayBucket(oldest))
}

func rollupValue(db *gorm.DB, category, pageID string) (int64, error) {
	var rollup HistoricalRollup
	err := db.Where("category = ? AND page_id = ?", category, pageID).
		First(&rollup).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s rollup: %w", category, err)
	}
	return rollup.Value, nil
}
