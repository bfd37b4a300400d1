package tracker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitra/internal/testsupport"
	"visitra/internal/tracker"
)

func TestTouchInsertsAndRefreshes(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()

	p := testsupport.CreateTestProfile(t, "203.0.113.40")
	require.NoError(t, tracker.Touch(dbManager, logger, p))

	var entry tracker.OnlinePresenceEntry
	require.NoError(t, db.First(&entry).Error)
	firstSeen := entry.CreatedAt
	assert.Equal(t, entry.CreatedAt, entry.LastSeen)

	// a later touch moves last-seen and the page, never first-seen
	time.Sleep(10 * time.Millisecond)
	p.PageID = "/pricing"
	require.NoError(t, tracker.Touch(dbManager, logger, p))

	var count int64
	db.Model(&tracker.OnlinePresenceEntry{}).Count(&count)
	assert.Equal(t, int64(1), count)

	require.NoError(t, db.First(&entry).Error)
	assert.True(t, entry.CreatedAt.Equal(firstSeen))
	assert.True(t, entry.LastSeen.After(firstSeen))
	assert.Equal(t, "/pricing", entry.PageID)
}

func TestTouchKeepsKnownUserID(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()

	p := testsupport.CreateTestProfile(t, "203.0.113.41")
	p.UserID = "user-3"
	require.NoError(t, tracker.Touch(dbManager, logger, p))

	p.UserID = ""
	require.NoError(t, tracker.Touch(dbManager, logger, p))

	var entry tracker.OnlinePresenceEntry
	require.NoError(t, db.First(&entry).Error)
	assert.Equal(t, "user-3", entry.UserID)
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	ttl := time.Hour

	now := time.Now().UTC()
	stale := tracker.OnlinePresenceEntry{
		Signature: "stale-signature",
		CreatedAt: now.Add(-3 * time.Hour),
		LastSeen:  now.Add(-2 * time.Hour),
		PageID:    "/old",
	}
	fresh := tracker.OnlinePresenceEntry{
		Signature: "fresh-signature",
		CreatedAt: now.Add(-10 * time.Minute),
		LastSeen:  now.Add(-time.Minute),
		PageID:    "/new",
	}
	require.NoError(t, db.Create(&stale).Error)
	require.NoError(t, db.Create(&fresh).Error)

	removed, err := tracker.Sweep(dbManager, logger, ttl)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var remaining []tracker.OnlinePresenceEntry
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh-signature", remaining[0].Signature)
}

func TestSweepThrottledWithinTTLWindow(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	ttl := time.Hour

	_, err := tracker.Sweep(dbManager, logger, ttl)
	require.NoError(t, err)

	// stale entry arriving after a sweep survives until the window passes
	now := time.Now().UTC()
	stale := tracker.OnlinePresenceEntry{
		Signature: "late-stale",
		CreatedAt: now.Add(-3 * time.Hour),
		LastSeen:  now.Add(-2 * time.Hour),
	}
	require.NoError(t, db.Create(&stale).Error)

	removed, err := tracker.Sweep(dbManager, logger, ttl)
	require.NoError(t, err)
	assert.Zero(t, removed)

	var count int64
	db.Model(&tracker.OnlinePresenceEntry{}).Count(&count)
	assert.Equal(t, int64(1), count)

	// aging the marker past the window re-enables the sweep
	require.NoError(t, db.Model(&tracker.SweepMarker{}).
		Where("id = ?", 1).
		Update("swept_at", now.Add(-2*ttl)).Error)

	removed, err = tracker.Sweep(dbManager, logger, ttl)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestOnlineCountAndList(t *testing.T) {
	dbManager, _ := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()

	now := time.Now().UTC()
	entries := []tracker.OnlinePresenceEntry{
		{Signature: "a", CreatedAt: now.Add(-5 * time.Minute), LastSeen: now, PageID: "/home", Country: "us"},
		{Signature: "b", CreatedAt: now.Add(-time.Minute), LastSeen: now.Add(-30 * time.Second), PageID: "/docs", Country: "de", UserID: "user-1"},
	}
	for i := range entries {
		require.NoError(t, db.Create(&entries[i]).Error)
	}

	count, err := tracker.OnlineCount(dbManager, tracker.OnlineFilters{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = tracker.OnlineCount(dbManager, tracker.OnlineFilters{Country: "de"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	visitors, err := tracker.ListOnline(dbManager, tracker.OnlineFilters{})
	require.NoError(t, err)
	require.Len(t, visitors, 2)

	// ordered by recency
	assert.Equal(t, "a", visitors[0].Signature)
	assert.Equal(t, 5*time.Minute, visitors[0].OnlineFor.Round(time.Second))

	filtered, err := tracker.ListOnline(dbManager, tracker.OnlineFilters{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "b", filtered[0].Signature)
}

func TestOnlineForFreshEntryReportsAge(t *testing.T) {
	dbManager, _ := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()

	seen := time.Now().UTC().Add(-30 * time.Second)
	entry := tracker.OnlinePresenceEntry{
		Signature: "fresh",
		CreatedAt: seen,
		LastSeen:  seen,
	}
	require.NoError(t, db.Create(&entry).Error)

	visitors, err := tracker.ListOnline(dbManager, tracker.OnlineFilters{})
	require.NoError(t, err)
	require.Len(t, visitors, 1)

	// a single touch means first-seen == last-seen; the snapshot reports the
	// entry's age rather than a zero duration
	assert.GreaterOrEqual(t, visitors[0].OnlineFor, 30*time.Second)
}

func TestOnlineForNeverNegative(t *testing.T) {
	dbManager, _ := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()

	now := time.Now().UTC()
	entry := tracker.OnlinePresenceEntry{
		Signature: "skewed",
		CreatedAt: now,
		LastSeen:  now.Add(-time.Second),
	}
	require.NoError(t, db.Create(&entry).Error)

	visitors, err := tracker.ListOnline(dbManager, tracker.OnlineFilters{})
	require.NoError(t, err)
	require.Len(t, visitors, 1)
	assert.GreaterOrEqual(t, visitors[0].OnlineFor, time.Duration(0))
	assert.Equal(t, time.Duration(0), visitors[0].OnlineFor)
}
