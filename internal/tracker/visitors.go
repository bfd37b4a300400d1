package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"visitra/internal/config"
	"visitra/internal/exclusion"
	"visitra/internal/profile"
)

// RecordVisitor upserts the per-day visitor row for the profile's signature
// and returns its id. The insert seeds hits = 1; a concurrent or repeat hit
// lands on the conflict branch and increments atomically. The user id is
// refreshed when the hit carries one.
func RecordVisitor(dbManager cartridge.DBManager, logger *slog.Logger, p *profile.Profile, honeypot bool) (uint, error) {
	db := dbManager.GetConnection()
	day := DayBucket(p.Timestamp)
	now := time.Now().UTC()

	var visitorID uint
	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		query := `
			INSERT INTO visitor_records
				(signature, day, browser, version, platform, device, country, city, region, continent, user_id, hits, honeypot, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT (signature, day) DO UPDATE SET
				hits = visitor_records.hits + 1,
				user_id = CASE WHEN excluded.user_id != '' THEN excluded.user_id ELSE visitor_records.user_id END,
				honeypot = visitor_records.honeypot OR excluded.honeypot,
				updated_at = ?
			RETURNING id
		`
		return tx.Raw(query,
			p.Signature, day,
			p.Agent.Browser, p.Agent.Version, p.Agent.Platform, p.Agent.Device,
			p.Location.Country, p.Location.City, p.Location.Region, p.Location.Continent,
			p.UserID, honeypot, now, now,
			now).Scan(&visitorID).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record visitor: %w", err)
	}

	return visitorID, nil
}

// RecordVisit upserts the day's visit aggregate: insert seeds the value with
// the coefficient, the conflict branch increments by it. Called on every
// accepted hit regardless of dedup state; insert-or-increment is one atomic
// statement so concurrent first-hit-of-day writers cannot race.
func RecordVisit(dbManager cartridge.DBManager, logger *slog.Logger, at time.Time, opts config.TrackingOptions) error {
	db := dbManager.GetConnection()
	day := DayBucket(at)
	now := time.Now().UTC()

	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		query := `
			INSERT INTO visit_aggregates (day, visits, last_visit, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (day) DO UPDATE SET
				visits = visit_aggregates.visits + ?,
				last_visit = ?,
				updated_at = ?
		`
		return tx.Exec(query,
			day, opts.Coefficient, at.UTC(), now, now,
			opts.Coefficient, at.UTC(), now).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record visit: %w", err)
	}
	return nil
}

// VisitorHitCount reports today's recorded hits for a signature, feeding the
// robot-threshold rule. Honeypot rows are not counted.
func VisitorHitCount(dbManager cartridge.DBManager) exclusion.HitCountFunc {
	return func(signature string, day time.Time) (int, error) {
		db := dbManager.GetConnection()

		var record VisitorRecord
		err := db.Where("signature = ? AND day = ? AND honeypot = ?", signature, DayBucket(day), false).
			First(&record).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, nil
			}
			return 0, fmt.Errorf("failed to count visitor hits: %w", err)
		}
		return record.Hits, nil
	}
}

// LogExclusion increments the (date, reason) exclusion counter. Same atomic
// upsert discipline as the visit counters.
func LogExclusion(dbManager cartridge.DBManager, logger *slog.Logger, at time.Time, reason exclusion.Reason) error {
	db := dbManager.GetConnection()
	day := DayBucket(at)
	now := time.Now().UTC()

	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		query := `
			INSERT INTO exclusion_log_entries (day, reason, count, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT (day, reason) DO UPDATE SET
				count = exclusion_log_entries.count + 1,
				updated_at = ?
		`
		return tx.Exec(query, day, string(reason), now, now, now).Error
	})
	if err != nil {
		return fmt.Errorf("failed to log exclusion: %w", err)
	}
	return nil
}
