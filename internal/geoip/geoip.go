// Package geoip resolves request origins to locations using GeoLite2.
package geoip

import (
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/pariz/gountries"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"visitra/internal/config"
)

var (
	geoDB  *geoip2.Reader
	once   sync.Once
	mu     sync.RWMutex
	logger *slog.Logger
)

// InitLogger sets the logger for the geoip package.
func InitLogger(l *slog.Logger) {
	logger = l
}

// InitGeoDB initializes the GeoLite2 database.
// Returns nil if the database is not configured or not found (GeoIP is optional).
func InitGeoDB() *geoip2.Reader {
	cfg := config.GetConfig()
	if cfg.GeoDBPath == "" {
		if logger != nil {
			logger.Debug("GeoIP database path not configured - GeoIP features disabled")
		}
		return nil
	}

	if _, err := os.Stat(cfg.GeoDBPath); os.IsNotExist(err) {
		if logger != nil {
			logger.Info("GeoLite2 database not found - GeoIP features disabled",
				slog.String("path", cfg.GeoDBPath),
				slog.String("hint", "Download from https://www.maxmind.com/en/geolite2/signup"))
		}
		return nil
	} else if err != nil {
		if logger != nil {
			logger.Warn("Error checking GeoLite2 database file",
				slog.String("path", cfg.GeoDBPath),
				slog.Any("error", err))
		}
		return nil
	}

	db, err := geoip2.Open(cfg.GeoDBPath)
	if err != nil {
		if logger != nil {
			logger.Error("Failed to open GeoLite2 database",
				slog.String("path", cfg.GeoDBPath),
				slog.Any("error", err))
		}
		return nil
	}

	if logger != nil {
		logger.Info("GeoLite2 database initialized successfully",
			slog.String("path", cfg.GeoDBPath))
	}
	return db
}

// GetGeoDB returns the GeoLite2 database reader, initializing it if necessary.
func GetGeoDB() *geoip2.Reader {
	once.Do(func() {
		mu.Lock()
		geoDB = InitGeoDB()
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return geoDB
}

// ReloadGeoDB reloads the GeoLite2 database from disk.
// Call this after downloading a new database file.
func ReloadGeoDB() {
	mu.Lock()
	defer mu.Unlock()

	if geoDB != nil {
		geoDB.Close()
	}

	geoDB = InitGeoDB()

	if geoDB != nil && logger != nil {
		logger.Info("GeoLite2 database reloaded successfully")
	}
}

// Location is a resolved origin location. Country is a lowercase ISO code;
// CountryName is the display form.
type Location struct {
	Country     string
	CountryName string
	City        string
	Region      string
	Continent   string
}

// Resolver resolves IPs to locations with a per-instance cache. Lookup
// failures fall back to the default location and request an asynchronous
// re-acquisition of the database; resolution never fails for callers.
type Resolver struct {
	logger      *slog.Logger
	defaultLoc  Location
	countries   gountries.Query
	remediate   func()
	remediateMu sync.Mutex
	remediated  bool

	cacheMu sync.RWMutex
	cache   map[string]Location
}

// NewResolver creates a resolver. remediate is invoked at most once per
// resolver lifetime when the lookup database is missing or corrupted; pass
// nil when no remediation collaborator is wired.
func NewResolver(logger *slog.Logger, defaultLoc Location, remediate func()) *Resolver {
	return &Resolver{
		logger:     logger,
		defaultLoc: defaultLoc,
		countries:  *gountries.New(),
		remediate:  remediate,
		cache:      make(map[string]Location),
	}
}

// DefaultLocationFromConfig builds the fallback location from config.
func DefaultLocationFromConfig(cfg *config.Config) Location {
	loc := Location{
		Country: strings.ToLower(cfg.DefaultCountry),
		City:    cfg.DefaultCity,
		Region:  cfg.DefaultRegion,
	}
	return loc
}

// Resolve maps an IP to a location. Private and reserved addresses
// short-circuit to the default location without touching the database.
func (r *Resolver) Resolve(ipAddress string) Location {
	r.cacheMu.RLock()
	if loc, ok := r.cache[ipAddress]; ok {
		r.cacheMu.RUnlock()
		return loc
	}
	r.cacheMu.RUnlock()

	loc := r.lookup(ipAddress)

	r.cacheMu.Lock()
	r.cache[ipAddress] = loc
	r.cacheMu.Unlock()

	return loc
}

func (r *Resolver) lookup(ipAddress string) Location {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		r.logger.Debug("Failed to parse IP address", slog.String("ip_address", ipAddress))
		return r.defaultLoc
	}

	if isReserved(ip) {
		return r.defaultLoc
	}

	db := GetGeoDB()
	if db == nil {
		r.requestRemediation("database unavailable")
		return r.defaultLoc
	}

	record, err := db.City(ip)
	if err != nil {
		r.logger.Warn("GeoIP lookup failed",
			slog.String("ip_address", ipAddress),
			slog.Any("error", err))
		r.requestRemediation("lookup error")
		return r.defaultLoc
	}

	iso := record.Country.IsoCode
	if iso == "" || iso == "--" {
		return r.defaultLoc
	}

	loc := Location{
		Country:     strings.ToLower(iso),
		CountryName: r.countryDisplayName(iso),
		City:        record.City.Names["en"],
		Continent:   record.Continent.Names["en"],
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
	}
	if loc.Continent == "" {
		// Country-only databases carry no continent record.
		if country, err := r.countries.FindCountryByAlpha(iso); err == nil {
			loc.Continent = country.Continent
		}
	}
	return loc
}

// countryDisplayName resolves an ISO code to the common country name,
// falling back to the upper-cased code.
func (r *Resolver) countryDisplayName(iso string) string {
	country, err := r.countries.FindCountryByAlpha(iso)
	if err != nil {
		return cases.Upper(language.AmericanEnglish).String(iso)
	}
	return country.Name.Common
}

// requestRemediation asks the collaborator to re-acquire the lookup database.
// Fired at most once per resolver lifetime.
func (r *Resolver) requestRemediation(cause string) {
	if r.remediate == nil {
		return
	}
	r.remediateMu.Lock()
	defer r.remediateMu.Unlock()
	if r.remediated {
		return
	}
	r.remediated = true
	r.logger.Info("Requesting GeoIP database remediation", slog.String("cause", cause))
	go r.remediate()
}

// isReserved reports whether the address is private, loopback, link-local,
// unspecified, or multicast.
func isReserved(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}
