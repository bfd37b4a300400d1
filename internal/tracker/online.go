package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"visitra/internal/profile"
)

// Touch upserts the origin's presence entry. The insert sets first-seen =
// last-seen = now; the conflict branch refreshes last-seen, page, and user id
// but never first-seen, so online duration stays monotonic between touches.
func Touch(dbManager cartridge.DBManager, logger *slog.Logger, p *profile.Profile) error {
	db := dbManager.GetConnection()
	now := time.Now().UTC()

	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		query := `
			INSERT INTO online_presence_entries
				(signature, created_at, last_seen, page_id, referrer, country, city, region, user_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (signature) DO UPDATE SET
				last_seen = ?,
				page_id = ?,
				referrer = ?,
				user_id = CASE WHEN excluded.user_id != '' THEN excluded.user_id ELSE online_presence_entries.user_id END
		`
		return tx.Exec(query,
			p.Signature, now, now, p.PageID, p.Referrer,
			p.Location.Country, p.Location.City, p.Location.Region, p.UserID,
			now, p.PageID, p.Referrer).Error
	})
	if err != nil {
		return fmt.Errorf("failed to touch presence entry: %w", err)
	}
	return nil
}

// Sweep deletes presence entries whose last-seen is older than now - TTL.
// It is throttled by the sweep marker to run at most once per TTL window;
// a throttled call returns 0 without touching the table.
func Sweep(dbManager cartridge.DBManager, logger *slog.Logger, ttl time.Duration) (int64, error) {
	db := dbManager.GetConnection()
	now := time.Now().UTC()

	var removed int64
	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		var marker SweepMarker
		err := tx.First(&marker, 1).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			marker = SweepMarker{ID: 1}
		case err != nil:
			return fmt.Errorf("failed to read sweep marker: %w", err)
		default:
			if now.Sub(marker.SweptAt) < ttl {
				return nil
			}
		}

		cutoff := now.Add(-ttl)
		result := tx.Where("last_seen < ?", cutoff).Delete(&OnlinePresenceEntry{})
		if result.Error != nil {
			return fmt.Errorf("failed to sweep presence entries: %w", result.Error)
		}
		removed = result.RowsAffected

		marker.SweptAt = now
		if err := tx.Save(&marker).Error; err != nil {
			return fmt.Errorf("failed to update sweep marker: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		logger.Debug("Swept stale presence entries", slog.Int64("removed", removed))
	}
	return removed, nil
}

// OnlineFilters narrows presence snapshot queries.
type OnlineFilters struct {
	Country string
	UserID  string
	PageID  string
}

// OnlineVisitor is one row of the presence snapshot. OnlineFor is
// last-seen - first-seen; a freshly inserted row where the two are equal
// reports its age instead, and clock skew floors at zero.
type OnlineVisitor struct {
	Signature string
	Page      string
	Referrer  string
	Country   string
	City      string
	Region    string
	UserID    string
	Since     time.Time
	LastSeen  time.Time
	OnlineFor time.Duration
}

// OnlineCount returns the number of currently tracked origins.
func OnlineCount(dbManager cartridge.DBManager, filters OnlineFilters) (int64, error) {
	var count int64
	err := applyOnlineFilters(dbManager.GetConnection().Model(&OnlinePresenceEntry{}), filters).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count online visitors: %w", err)
	}
	return count, nil
}

// ListOnline returns the presence snapshot ordered by recency.
func ListOnline(dbManager cartridge.DBManager, filters OnlineFilters) ([]OnlineVisitor, error) {
	var entries []OnlinePresenceEntry
	err := applyOnlineFilters(dbManager.GetConnection().Model(&OnlinePresenceEntry{}), filters).
		Order("last_seen DESC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list online visitors: %w", err)
	}

	now := time.Now().UTC()
	visitors := make([]OnlineVisitor, len(entries))
	for i, entry := range entries {
		onlineFor := entry.LastSeen.Sub(entry.CreatedAt)
		if onlineFor == 0 {
			onlineFor = now.Sub(entry.CreatedAt)
		}
		if onlineFor < 0 {
			onlineFor = 0
		}
		visitors[i] = OnlineVisitor{
			Signature: entry.Signature,
			Page:      entry.PageID,
			Referrer:  entry.Referrer,
			Country:   entry.Country,
			City:      entry.City,
			Region:    entry.Region,
			UserID:    entry.UserID,
			Since:     entry.CreatedAt,
			LastSeen:  entry.LastSeen,
			OnlineFor: onlineFor,
		}
	}
	return visitors, nil
}

func applyOnlineFilters(query *gorm.DB, filters OnlineFilters) *gorm.DB {
	if filters.Country != "" {
		query = query.Where("country = ?", filters.Country)
	}
	if filters.UserID != "" {
		query = query.Where("user_id = ?", filters.UserID)
	}
	if filters.PageID != "" {
		query = query.Where("page_id = ?", filters.PageID)
	}
	return query
}
