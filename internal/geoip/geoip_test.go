package geoip_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"visitra/internal/geoip"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveReservedAddressesUseDefault(t *testing.T) {
	defaultLoc := geoip.Location{Country: "us", City: "Fallbacktown"}
	remediated := make(chan struct{}, 8)
	r := geoip.NewResolver(testLogger(), defaultLoc, func() {
		remediated <- struct{}{}
	})

	reserved := []string{
		"192.168.1.1",
		"10.0.0.5",
		"172.16.0.1",
		"127.0.0.1",
		"::1",
		"fe80::1",
		"0.0.0.0",
		"224.0.0.1",
	}

	for _, ip := range reserved {
		loc := r.Resolve(ip)
		assert.Equal(t, defaultLoc, loc, "ip=%s", ip)
	}

	// reserved addresses never touch the database, so no remediation fires
	select {
	case <-remediated:
		t.Fatal("remediation requested for a reserved address")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResolveUnparsableAddressUsesDefault(t *testing.T) {
	defaultLoc := geoip.Location{Country: "de"}
	r := geoip.NewResolver(testLogger(), defaultLoc, nil)

	assert.Equal(t, defaultLoc, r.Resolve("not-an-address"))
	assert.Equal(t, defaultLoc, r.Resolve(""))
}

func TestResolveMissingDatabaseRequestsRemediationOnce(t *testing.T) {
	remediated := make(chan struct{}, 4)
	r := geoip.NewResolver(testLogger(), geoip.Location{}, func() {
		remediated <- struct{}{}
	})

	// public addresses force a database lookup; with no database configured
	// the resolver falls back and asks for remediation exactly once
	r.Resolve("203.0.113.50")
	r.Resolve("198.51.100.60")

	select {
	case <-remediated:
	case <-time.After(time.Second):
		t.Fatal("expected a remediation request")
	}

	select {
	case <-remediated:
		t.Fatal("remediation requested more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResolveCachesPerAddress(t *testing.T) {
	defaultLoc := geoip.Location{Country: "fr"}
	r := geoip.NewResolver(testLogger(), defaultLoc, nil)

	first := r.Resolve("203.0.113.50")
	second := r.Resolve("203.0.113.50")
	assert.Equal(t, first, second)
}

func TestDefaultLocationNeverFails(t *testing.T) {
	r := geoip.NewResolver(testLogger(), geoip.Location{}, nil)

	// lookup failure yields the zero default, never an error path
	loc := r.Resolve("203.0.113.51")
	assert.Equal(t, geoip.Location{}, loc)
}
