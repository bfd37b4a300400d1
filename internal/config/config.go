// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase = "sqlite"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	PrivateKey  string   `mapstructure:"privatekey"`
	Domain      string   `mapstructure:"domain"`

	// File paths
	DatabasePath string `mapstructure:"storagepath"`
	DatabaseName string `mapstructure:"-"` // Derived from other settings
	GeoDBPath    string `mapstructure:"geodbpath"`

	// MaxMind settings, empty disables automatic GeoLite updates
	MaxMindLicenseKey string `mapstructure:"maxmindlicensekey"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Hit tracking settings
	VisitCoefficient     int    `mapstructure:"visitcoefficient"`
	RobotThreshold       int    `mapstructure:"robotthreshold"`
	OnlineTTLSeconds     int    `mapstructure:"onlinettlseconds"`
	ExclusionLogEnabled  bool   `mapstructure:"exclusionlogenabled"`
	ExcludedURLs         string `mapstructure:"excludedurls"`
	ExcludedIPs          string `mapstructure:"excludedips"`
	ExcludedCountries    string `mapstructure:"excludedcountries"`
	IncludedCountries    string `mapstructure:"includedcountries"`
	ExcludedUserRoles    string `mapstructure:"excludeduserroles"`
	ReferrerSpamDomains  string `mapstructure:"referrerspamdomains"`
	DefaultCountry       string `mapstructure:"defaultcountry"`
	DefaultCity          string `mapstructure:"defaultcity"`
	DefaultRegion        string `mapstructure:"defaultregion"`
	RetentionDays        int    `mapstructure:"retentiondays"`
	AnonymizeIPAddresses bool   `mapstructure:"anonymizeipaddresses"`

	// Job scheduling settings
	JobIntervalSeconds int `mapstructure:"jobintervalseconds"`
}

// TrackingOptions is the immutable per-ingest snapshot of the tracking
// configuration. It is built once per pipeline invocation and passed
// explicitly through every component call.
type TrackingOptions struct {
	Coefficient         int
	RobotThreshold      int
	OnlineTTLSeconds    int
	ExclusionLogEnabled bool
	ExcludedURLs        []string
	ExcludedIPs         []string
	ExcludedCountries   []string
	IncludedCountries   []string
	ExcludedUserRoles   []string
	ReferrerSpamDomains []string
	SiteDomain          string
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		v.SetDefault("appname", "visitra")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", "88888888888888888888888888888888")
		v.SetDefault("storagepath", "storage")
		v.SetDefault("geodbpath", "storage/GeoLite2-City.mmdb")
		v.SetDefault("maxmindlicensekey", "")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("visitcoefficient", 1)
		v.SetDefault("robotthreshold", 0)
		v.SetDefault("onlinettlseconds", 65)
		v.SetDefault("exclusionlogenabled", false)
		v.SetDefault("excludedurls", "")
		v.SetDefault("excludedips", "")
		v.SetDefault("excludedcountries", "")
		v.SetDefault("includedcountries", "")
		v.SetDefault("excludeduserroles", "")
		v.SetDefault("referrerspamdomains", "")
		v.SetDefault("defaultcountry", "")
		v.SetDefault("defaultcity", "")
		v.SetDefault("defaultregion", "")
		v.SetDefault("retentiondays", 180)
		v.SetDefault("anonymizeipaddresses", true)
		v.SetDefault("jobintervalseconds", 60)

		v.BindEnv("appname", "VISITRA_APP_NAME")
		v.BindEnv("appport", "VISITRA_APP_PORT")
		v.BindEnv("environment", "VISITRA_ENV")
		v.BindEnv("loglevel", "VISITRA_LOG_LEVEL")
		v.BindEnv("privatekey", "VISITRA_PRIVATE_KEY")
		v.BindEnv("domain", "VISITRA_DOMAIN")
		v.BindEnv("storagepath", "VISITRA_STORAGE_PATH")
		v.BindEnv("geodbpath", "VISITRA_GEO_DB_PATH")
		v.BindEnv("maxmindlicensekey", "VISITRA_MAXMIND_LICENSE_KEY")
		v.BindEnv("logsdir", "VISITRA_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "VISITRA_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "VISITRA_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "VISITRA_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "VISITRA_DB_TYPE")
		v.BindEnv("dbmaxopenconns", "VISITRA_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "VISITRA_DB_MAX_IDLE_CONNS")
		v.BindEnv("visitcoefficient", "VISITRA_VISIT_COEFFICIENT")
		v.BindEnv("robotthreshold", "VISITRA_ROBOT_THRESHOLD")
		v.BindEnv("onlinettlseconds", "VISITRA_ONLINE_TTL_SECONDS")
		v.BindEnv("exclusionlogenabled", "VISITRA_EXCLUSION_LOG_ENABLED")
		v.BindEnv("excludedurls", "VISITRA_EXCLUDED_URLS")
		v.BindEnv("excludedips", "VISITRA_EXCLUDED_IPS")
		v.BindEnv("excludedcountries", "VISITRA_EXCLUDED_COUNTRIES")
		v.BindEnv("includedcountries", "VISITRA_INCLUDED_COUNTRIES")
		v.BindEnv("excludeduserroles", "VISITRA_EXCLUDED_USER_ROLES")
		v.BindEnv("referrerspamdomains", "VISITRA_REFERRER_SPAM_DOMAINS")
		v.BindEnv("defaultcountry", "VISITRA_DEFAULT_COUNTRY")
		v.BindEnv("defaultcity", "VISITRA_DEFAULT_CITY")
		v.BindEnv("defaultregion", "VISITRA_DEFAULT_REGION")
		v.BindEnv("retentiondays", "VISITRA_RETENTION_DAYS")
		v.BindEnv("anonymizeipaddresses", "VISITRA_ANONYMIZE_IP_ADDRESSES")
		v.BindEnv("jobintervalseconds", "VISITRA_JOB_INTERVAL_SECONDS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		cfg.DatabaseName = cfg.GetDatabasePath()

		// Validate private key - in production, must be explicitly set (not empty, not default)
		defaultKey := "88888888888888888888888888888888"
		if cfg.PrivateKey == "" {
			log.Fatal("Private key is required")
		}
		if cfg.IsProduction() && cfg.PrivateKey == defaultKey {
			log.Fatal("Production requires a unique VISITRA_PRIVATE_KEY (cannot use default)")
		}
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}

	if c.VisitCoefficient < 1 {
		return fmt.Errorf("visit coefficient must be >= 1, got %d", c.VisitCoefficient)
	}
	if c.OnlineTTLSeconds < 1 {
		return fmt.Errorf("online TTL must be >= 1 second, got %d", c.OnlineTTLSeconds)
	}

	return nil
}

// TrackingOptions builds the immutable per-ingest options snapshot.
func (c *Config) TrackingOptions() TrackingOptions {
	return TrackingOptions{
		Coefficient:         c.VisitCoefficient,
		RobotThreshold:      c.RobotThreshold,
		OnlineTTLSeconds:    c.OnlineTTLSeconds,
		ExclusionLogEnabled: c.ExclusionLogEnabled,
		ExcludedURLs:        splitList(c.ExcludedURLs),
		ExcludedIPs:         splitList(c.ExcludedIPs),
		ExcludedCountries:   splitList(c.ExcludedCountries),
		IncludedCountries:   splitList(c.IncludedCountries),
		ExcludedUserRoles:   splitList(c.ExcludedUserRoles),
		ReferrerSpamDomains: splitList(c.ReferrerSpamDomains),
		SiteDomain:          c.Domain,
	}
}

// splitList parses a comma or newline separated settings value into entries.
func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	items := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
func (c *Config) GetPublicDirectory() string {
	return "web/static"
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return "/assets"
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns the session encryption key (implements cartridge.FactoryConfig interface).
func (c *Config) GetSessionSecret() string {
	return c.PrivateKey
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment.
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1 (required for E2E test stability)
// - Development/Production: 10 (allows concurrent reads alongside ingestion)
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment.
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
