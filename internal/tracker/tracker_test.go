package tracker_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitra/internal/config"
	"visitra/internal/exclusion"
	"visitra/internal/profile"
	"visitra/internal/testsupport"
	"visitra/internal/tracker"
)

func TestMain(m *testing.M) {
	os.Setenv("VISITRA_ENV", "test")
	config.Reset()
	os.Exit(m.Run())
}

func defaultOpts() config.TrackingOptions {
	return config.TrackingOptions{
		Coefficient:      1,
		OnlineTTLSeconds: 65,
	}
}

func TestIngestHitCountsAndDeduplicates(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	engine := tracker.New(dbManager, logger)

	p := testsupport.CreateTestProfile(t, "203.0.113.20")

	for i := 0; i < 3; i++ {
		result := engine.IngestHit(p, defaultOpts())
		require.True(t, result.Counted)
		require.False(t, result.Excluded)
		require.NotZero(t, result.VisitorID)
	}

	// one visitor row per (signature, day), hits accumulated
	var visitors []tracker.VisitorRecord
	require.NoError(t, db.Find(&visitors).Error)
	require.Len(t, visitors, 1)
	assert.Equal(t, p.Signature, visitors[0].Signature)
	assert.Equal(t, 3, visitors[0].Hits)
	assert.False(t, visitors[0].Honeypot)

	// visits are not deduplicated: every accepted hit counts
	var visits []tracker.VisitAggregate
	require.NoError(t, db.Find(&visits).Error)
	require.Len(t, visits, 1)
	assert.Equal(t, int64(3), visits[0].Visits)

	// page hits accumulate on one (page, day) row
	var pages []tracker.PageHitAggregate
	require.NoError(t, db.Find(&pages).Error)
	require.Len(t, pages, 1)
	assert.Equal(t, p.PageID, pages[0].PageID)
	assert.Equal(t, int64(3), pages[0].Hits)

	// existence-only link, not duplicated on repeat hits
	var links []tracker.VisitorPageLink
	require.NoError(t, db.Find(&links).Error)
	require.Len(t, links, 1)
	assert.Equal(t, visitors[0].ID, links[0].VisitorID)
	assert.Equal(t, pages[0].ID, links[0].PageRowID)

	// one presence entry per signature
	var entries []tracker.OnlinePresenceEntry
	require.NoError(t, db.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, p.Signature, entries[0].Signature)
}

func TestIngestHitAppliesCoefficient(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	engine := tracker.New(dbManager, logger)

	opts := defaultOpts()
	opts.Coefficient = 3

	p := testsupport.CreateTestProfile(t, "203.0.113.21")
	engine.IngestHit(p, opts)
	engine.IngestHit(p, opts)

	var visit tracker.VisitAggregate
	require.NoError(t, db.First(&visit).Error)
	assert.Equal(t, int64(6), visit.Visits)

	// the visitor dedup row counts raw hits, not weighted visits
	var visitor tracker.VisitorRecord
	require.NoError(t, db.First(&visitor).Error)
	assert.Equal(t, 2, visitor.Hits)
}

func TestIngestHitExcludedMutatesNothing(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	engine := tracker.New(dbManager, logger)

	p := testsupport.CreateTestProfile(t, "203.0.113.22")
	p.Ajax = true

	result := engine.IngestHit(p, defaultOpts())
	require.True(t, result.Excluded)
	assert.Equal(t, exclusion.ReasonAjax, result.Reason)
	assert.False(t, result.Counted)

	var count int64
	db.Model(&tracker.VisitorRecord{}).Count(&count)
	assert.Zero(t, count)
	db.Model(&tracker.VisitAggregate{}).Count(&count)
	assert.Zero(t, count)
	db.Model(&tracker.PageHitAggregate{}).Count(&count)
	assert.Zero(t, count)
	db.Model(&tracker.OnlinePresenceEntry{}).Count(&count)
	assert.Zero(t, count)

	// log disabled by default
	db.Model(&tracker.ExclusionLogEntry{}).Count(&count)
	assert.Zero(t, count)
}

func TestIngestHitExclusionLog(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	engine := tracker.New(dbManager, logger)

	opts := defaultOpts()
	opts.ExclusionLogEnabled = true

	p := testsupport.CreateTestProfile(t, "203.0.113.23")
	p.Feed = true

	engine.IngestHit(p, opts)
	engine.IngestHit(p, opts)

	var entries []tracker.ExclusionLogEntry
	require.NoError(t, db.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, string(exclusion.ReasonFeed), entries[0].Reason)
	assert.Equal(t, int64(2), entries[0].Count)
}

func TestIngestHitHoneypot(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	engine := tracker.New(dbManager, logger)

	p := testsupport.CreateTestProfile(t, "203.0.113.24")
	p.Honeypot = true

	result := engine.IngestHit(p, defaultOpts())
	require.True(t, result.Counted)

	var visitor tracker.VisitorRecord
	require.NoError(t, db.First(&visitor).Error)
	assert.True(t, visitor.Honeypot)
	assert.Equal(t, 1, visitor.Hits)

	// honeypot rows never feed the robot-threshold counter
	hits, err := tracker.VisitorHitCount(dbManager)(p.Signature, p.Timestamp)
	require.NoError(t, err)
	assert.Zero(t, hits)
}

func TestIngestHitRobotThreshold(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	engine := tracker.New(dbManager, logger)

	opts := defaultOpts()
	opts.RobotThreshold = 3

	p := testsupport.CreateTestProfile(t, "203.0.113.25")

	for i := 0; i < 3; i++ {
		result := engine.IngestHit(p, opts)
		require.True(t, result.Counted, "hit %d should pass", i+1)
	}

	// the 4th hit would push past the threshold
	result := engine.IngestHit(p, opts)
	require.True(t, result.Excluded)
	assert.Equal(t, exclusion.ReasonRobotThreshold, result.Reason)

	var visitor tracker.VisitorRecord
	require.NoError(t, dbManager.GetConnection().First(&visitor).Error)
	assert.Equal(t, 3, visitor.Hits)
}

func TestRecordVisitorRefreshesUserID(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()

	p := testsupport.CreateTestProfile(t, "203.0.113.26")

	_, err := tracker.RecordVisitor(dbManager, logger, p, false)
	require.NoError(t, err)

	p.UserID = "user-7"
	_, err = tracker.RecordVisitor(dbManager, logger, p, false)
	require.NoError(t, err)

	var visitor tracker.VisitorRecord
	require.NoError(t, db.First(&visitor).Error)
	assert.Equal(t, "user-7", visitor.UserID)
	assert.Equal(t, 2, visitor.Hits)

	// an anonymous follow-up hit does not erase the known user id
	p.UserID = ""
	_, err = tracker.RecordVisitor(dbManager, logger, p, false)
	require.NoError(t, err)
	require.NoError(t, db.First(&visitor).Error)
	assert.Equal(t, "user-7", visitor.UserID)
	assert.Equal(t, 3, visitor.Hits)
}

func TestIngestHitHooks(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	engine := tracker.New(dbManager, logger)

	var counted, excludedReasons []string
	engine.OnCount(func(p *profile.Profile, result tracker.Result) {
		counted = append(counted, p.PageID)
	})
	engine.OnExclusion(func(p *profile.Profile, reason exclusion.Reason) {
		excludedReasons = append(excludedReasons, string(reason))
	})

	clean := testsupport.CreateTestProfile(t, "203.0.113.27")
	engine.IngestHit(clean, defaultOpts())

	blocked := testsupport.CreateTestProfile(t, "203.0.113.28")
	blocked.Cron = true
	engine.IngestHit(blocked, defaultOpts())

	assert.Equal(t, []string{clean.PageID}, counted)
	assert.Equal(t, []string{string(exclusion.ReasonCron)}, excludedReasons)
}

func TestIngestHitPreEvaluationVeto(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	engine := tracker.New(dbManager, logger)

	engine.OnPreEvaluation(func(p *profile.Profile, opts config.TrackingOptions) bool {
		return false
	})

	p := testsupport.CreateTestProfile(t, "203.0.113.29")
	result := engine.IngestHit(p, defaultOpts())

	assert.False(t, result.Counted)
	assert.False(t, result.Excluded)

	var count int64
	db.Model(&tracker.VisitorRecord{}).Count(&count)
	assert.Zero(t, count)
	db.Model(&tracker.ExclusionLogEntry{}).Count(&count)
	assert.Zero(t, count)
}

func TestDayBucket(t *testing.T) {
	ts := time.Date(2026, 8, 28, 17, 45, 12, 999, time.FixedZone("CEST", 2*3600))
	day := tracker.DayBucket(ts)

	assert.Equal(t, time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC), day)

	// two timestamps on the same UTC day share the bucket
	assert.Equal(t, day, tracker.DayBucket(time.Date(2026, 8, 28, 23, 59, 59, 0, time.UTC)))
	assert.NotEqual(t, day, tracker.DayBucket(time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)))
}
