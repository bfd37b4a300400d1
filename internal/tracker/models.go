// Package tracker maintains the visit, visitor, page, and presence counters.
package tracker

import "time"

// Rollup categories. Each purge folds retired detail rows into the matching
// category so lifetime totals survive detail deletion.
const (
	RollupVisits   = "visits"
	RollupVisitors = "visitors"
	RollupPageURI  = "page-uri"
)

// VisitorRecord is the deduplicated per-day visitor row: at most one per
// (signature, day). Created on the first accepted hit of the day, mutated on
// subsequent ones, deleted only by retention purge.
type VisitorRecord struct {
	ID        uint      `gorm:"primaryKey"`
	Signature string    `gorm:"uniqueIndex:idx_visitor_day;size:64;not null"`
	Day       time.Time `gorm:"uniqueIndex:idx_visitor_day;not null"`
	Browser   string
	Version   string
	Platform  string
	Device    string
	Country   string `gorm:"index"`
	City      string
	Region    string
	Continent string
	UserID    string `gorm:"index"`
	Hits      int    `gorm:"not null;default:0"`
	Honeypot  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VisitAggregate counts every accepted hit of a day multiplied by the
// configured coefficient. Unlike VisitorRecord it is not deduplicated:
// visits approximate page loads, visitors approximate unique daily origins.
type VisitAggregate struct {
	ID        uint      `gorm:"primaryKey"`
	Day       time.Time `gorm:"uniqueIndex;not null"`
	Visits    int64     `gorm:"not null;default:0"`
	LastVisit time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PageHitAggregate is the per-page-per-day hit counter. PageID is the stable
// page identity supplied by the collaborator that resolves URIs.
type PageHitAggregate struct {
	ID        uint      `gorm:"primaryKey"`
	PageID    string    `gorm:"uniqueIndex:idx_page_day;size:190;not null"`
	Day       time.Time `gorm:"uniqueIndex:idx_page_day;not null"`
	Hits      int64     `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VisitorPageLink records that a visitor touched a page on a day.
// Existence-only; the date refreshes on re-visit.
type VisitorPageLink struct {
	ID        uint      `gorm:"primaryKey"`
	VisitorID uint      `gorm:"uniqueIndex:idx_visitor_page_day;not null"`
	PageRowID uint      `gorm:"uniqueIndex:idx_visitor_page_day;not null"`
	Day       time.Time `gorm:"uniqueIndex:idx_visitor_page_day;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OnlinePresenceEntry tracks a currently active origin: at most one row per
// signature, removed by the periodic sweep once last-seen ages past the TTL.
type OnlinePresenceEntry struct {
	ID        uint      `gorm:"primaryKey"`
	Signature string    `gorm:"uniqueIndex;size:64;not null"`
	CreatedAt time.Time `gorm:"not null"`
	LastSeen  time.Time `gorm:"index;not null"`
	PageID    string
	Referrer  string
	Country   string
	City      string
	Region    string
	UserID    string
}

// HistoricalRollup absorbs detail rows retired by the purge, preserving
// lifetime totals. PageID is set only for the page-uri category.
type HistoricalRollup struct {
	ID        uint   `gorm:"primaryKey"`
	Category  string `gorm:"uniqueIndex:idx_rollup_key;size:32;not null"`
	PageID    string `gorm:"uniqueIndex:idx_rollup_key;size:190"`
	Value     int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExclusionLogEntry counts excluded hits per (date, reason). Optional
// feature, gated by config.
type ExclusionLogEntry struct {
	ID        uint      `gorm:"primaryKey"`
	Day       time.Time `gorm:"uniqueIndex:idx_exclusion_day_reason;not null"`
	Reason    string    `gorm:"uniqueIndex:idx_exclusion_day_reason;size:32;not null"`
	Count     int64     `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SweepMarker is the single-row throttle for the presence sweep.
type SweepMarker struct {
	ID      uint `gorm:"primaryKey"`
	SweptAt time.Time
}

// Models returns every tracker model for migration.
func Models() []any {
	return []any{
		&VisitorRecord{},
		&VisitAggregate{},
		&PageHitAggregate{},
		&VisitorPageLink{},
		&OnlinePresenceEntry{},
		&HistoricalRollup{},
		&ExclusionLogEntry{},
		&SweepMarker{},
	}
}

// DayBucket truncates a timestamp to its calendar date in UTC, the
// aggregation key for all daily counters.
func DayBucket(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
