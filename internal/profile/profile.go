// Package profile builds the request-scoped visitor profile.
package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"visitra/internal/geoip"
)

// ValidationError reports a malformed or incomplete hit request. Hits failing
// validation are rejected before any state mutation.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid hit request: %s %s", e.Field, e.Detail)
}

// Agent holds the parsed user agent classification.
type Agent struct {
	Browser  string
	Version  string
	Platform string
	Device   string
	Robot    bool
	RobotID  string
}

// Profile is the immutable per-request visitor profile. It is created once
// per incoming request and never persisted directly.
type Profile struct {
	IPAddress string // anonymized form; the raw address is dropped after hashing
	Signature string
	UserAgent string
	Agent     Agent
	Referrer  string
	RequestURI string
	PageID    string
	Location  geoip.Location
	UserID    string
	UserRole  string
	Timestamp time.Time

	// Request classification flags, set by the transport layer.
	Ajax       bool
	Cron       bool
	XMLRPC     bool
	Preflight  bool
	CrossSite  bool
	LoginPage  bool
	AdminPage  bool
	Feed       bool
	NotFound   bool
	BrokenLink bool
	Honeypot   bool
}

// Input carries the raw request attributes needed to build a Profile.
type Input struct {
	IPAddress  string
	UserAgent  string
	Referrer   string
	RequestURI string
	PageID     string
	UserID     string
	UserRole   string
	Timestamp  time.Time

	Ajax       bool
	Cron       bool
	XMLRPC     bool
	Preflight  bool
	CrossSite  bool
	LoginPage  bool
	AdminPage  bool
	Feed       bool
	NotFound   bool
	BrokenLink bool
	Honeypot   bool
}

// New validates the input, resolves the location, and assembles the profile.
// The IP address is anonymized first and hashed second; only the anonymized
// form survives construction.
func New(input Input, resolver *geoip.Resolver, siteDomain, privateKey string, anonymize bool) (*Profile, error) {
	if strings.TrimSpace(input.IPAddress) == "" {
		return nil, &ValidationError{Field: "ip_address", Detail: "is required"}
	}
	if strings.TrimSpace(input.RequestURI) == "" {
		return nil, &ValidationError{Field: "request_uri", Detail: "is required"}
	}
	if net.ParseIP(input.IPAddress) == nil {
		return nil, &ValidationError{Field: "ip_address", Detail: "is not a valid address"}
	}

	userAgent := input.UserAgent
	if userAgent == "" {
		userAgent = "Unknown User Agent"
	}

	timestamp := input.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	location := geoip.Location{}
	if resolver != nil {
		location = resolver.Resolve(input.IPAddress)
	}

	// Anonymize before hashing: the signature must never be derivable from a
	// full address once this returns.
	address := input.IPAddress
	if anonymize {
		address = AnonymizeIP(address)
	}

	pageID := input.PageID
	if pageID == "" {
		pageID = NormalizePageID(input.RequestURI)
	}

	return &Profile{
		IPAddress:  address,
		Signature:  BuildSignature(siteDomain, address, userAgent, privateKey),
		UserAgent:  userAgent,
		Agent:      ClassifyAgent(userAgent),
		Referrer:   input.Referrer,
		RequestURI: input.RequestURI,
		PageID:     pageID,
		Location:   location,
		UserID:     input.UserID,
		UserRole:   input.UserRole,
		Timestamp:  timestamp,
		Ajax:       input.Ajax,
		Cron:       input.Cron,
		XMLRPC:     input.XMLRPC,
		Preflight:  input.Preflight,
		CrossSite:  input.CrossSite,
		LoginPage:  input.LoginPage,
		AdminPage:  input.AdminPage,
		Feed:       input.Feed,
		NotFound:   input.NotFound,
		BrokenLink: input.BrokenLink,
		Honeypot:   input.Honeypot,
	}, nil
}

// BuildSignature creates a privacy-first unique visitor identifier.
// The signature rotates daily at midnight UTC, ensuring visitors cannot be
// tracked across days. IP addresses are never stored - only used in hashing.
func BuildSignature(siteDomain, ipAddress, userAgent, salt string) string {
	today := time.Now().UTC().Format("2006-01-02")
	dailySalt := fmt.Sprintf("%s-%s", today, salt)
	data := fmt.Sprintf("%s.%s.%s.%s", dailySalt, siteDomain, ipAddress, userAgent)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// AnonymizeIP zeroes the host part of an address: the last octet for IPv4,
// the last 80 bits for IPv6. Unparsable input is returned unchanged.
func AnonymizeIP(address string) string {
	ip := net.ParseIP(address)
	if ip == nil {
		return address
	}
	if v4 := ip.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return masked.String()
	}
	masked := ip.Mask(net.CIDRMask(48, 128))
	return masked.String()
}

// NormalizePageID derives a stable page identity from a request URI when the
// collaborator did not resolve one: query string stripped, trailing slash
// trimmed, lowercased host-relative path.
func NormalizePageID(requestURI string) string {
	path := requestURI
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return strings.ToLower(path)
}
