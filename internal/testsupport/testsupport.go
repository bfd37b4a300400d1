// Package testsupport provides shared database and fixture helpers for tests.
package testsupport

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"visitra/internal/config"
	"visitra/internal/geoip"
	"visitra/internal/profile"
	"visitra/internal/tracker"
)

// testDBCache caches test databases by test name to allow multiple calls
// within the same test to share the same database
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager with visitra's interface
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

// Ensure TestDBManager implements cartridge.DBManager
var _ cartridge.DBManager = (*TestDBManager)(nil)

// SetupTestDB creates a test database with all tracker models migrated.
// Uses a named in-memory database with cache=shared to allow multiple
// connections to share the same database within a test. Caches the database
// by test name so multiple calls within the same test return the same one.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	testName := t.Name()

	// Use root test name for caching to handle closure issues where
	// setup functions capture the outer t while t.Run has subtest t
	rootName := testName
	if idx := strings.Index(testName, "/"); idx > 0 {
		rootName = testName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	sanitizedName := strings.ReplaceAll(rootName, "/", "_")
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", sanitizedName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")

	if err := db.AutoMigrate(tracker.Models()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// SetupTestDBManager creates a test DB manager using cartridge's testsupport
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	cfg := config.GetConfig()

	// SAFETY CHECK: Ensure we're in test environment
	if cfg.Environment != config.Test {
		t.Fatalf("CRITICAL: Tests must run in test environment! Current: %s. Set VISITRA_ENV=test", cfg.Environment)
	}

	db := SetupTestDB(t)
	logger := GetLogger()
	dbManager := NewTestDBManager(db)

	return dbManager, logger
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// CleanAllTables clears all non-system tables in the database
func CleanAllTables(db *gorm.DB) {
	var tableNames []string
	db.Raw("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&tableNames)

	if len(tableNames) == 0 {
		return
	}

	db.Exec("PRAGMA foreign_keys = OFF")
	defer db.Exec("PRAGMA foreign_keys = ON")

	db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tableNames {
			tx.Exec("DELETE FROM " + table)
			tx.Exec("DELETE FROM sqlite_sequence WHERE name=?", table)
		}
		return nil
	})
}

// CreateTestProfile builds a profile for a public address with sane defaults.
// Mutate the returned profile to shape individual cases.
func CreateTestProfile(t *testing.T, ipAddress string) *profile.Profile {
	t.Helper()

	if ipAddress == "" {
		ipAddress = "203.0.113.7"
	}
	input := profile.Input{
		IPAddress:  ipAddress,
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0",
		RequestURI: "/welcome",
		Referrer:   "https://news.example.net/post",
		Timestamp:  time.Now().UTC(),
	}
	p, err := profile.New(input, nil, "example.com", "test-private-key", true)
	if err != nil {
		t.Fatalf("testsupport: failed to build test profile: %v", err)
	}
	return p
}

// CreateTestProfileWithLocation builds a test profile with a fixed resolved
// location, bypassing GeoIP.
func CreateTestProfileWithLocation(t *testing.T, ipAddress, country string) *profile.Profile {
	t.Helper()

	p := CreateTestProfile(t, ipAddress)
	p.Location = geoip.Location{Country: strings.ToLower(country)}
	return p
}

// CreateTestVisitor inserts a visitor record directly, for read-side and
// retention tests that need aged data.
func CreateTestVisitor(t *testing.T, db *gorm.DB, signature string, day time.Time, hits int) tracker.VisitorRecord {
	t.Helper()

	record := tracker.VisitorRecord{
		Signature: signature,
		Day:       tracker.DayBucket(day),
		Browser:   "chrome",
		Platform:  "windows",
		Device:    "desktop",
		Country:   "us",
		Hits:      hits,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("testsupport: failed to create visitor record: %v", err)
	}
	return record
}

// CreateTestVisitAggregate inserts a visit aggregate row directly.
func CreateTestVisitAggregate(t *testing.T, db *gorm.DB, day time.Time, visits int64) tracker.VisitAggregate {
	t.Helper()

	row := tracker.VisitAggregate{
		Day:       tracker.DayBucket(day),
		Visits:    visits,
		LastVisit: day.UTC(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("testsupport: failed to create visit aggregate: %v", err)
	}
	return row
}

// CreateTestPageHits inserts a page hit aggregate row directly.
func CreateTestPageHits(t *testing.T, db *gorm.DB, pageID string, day time.Time, hits int64) tracker.PageHitAggregate {
	t.Helper()

	row := tracker.PageHitAggregate{
		PageID:    pageID,
		Day:       tracker.DayBucket(day),
		Hits:      hits,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("testsupport: failed to create page hit aggregate: %v", err)
	}
	return row
}
