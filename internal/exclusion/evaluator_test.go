package exclusion

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitra/internal/config"
	"visitra/internal/profile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProfile(t *testing.T) *profile.Profile {
	t.Helper()
	p, err := profile.New(profile.Input{
		IPAddress:  "203.0.113.10",
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0",
		RequestURI: "/welcome",
		Timestamp:  time.Now().UTC(),
	}, nil, "example.com", "test-key", true)
	require.NoError(t, err)
	return p
}

func TestEvaluateCleanHitPasses(t *testing.T) {
	e := NewEvaluator(testLogger(), nil)
	verdict := e.Evaluate(testProfile(t), config.TrackingOptions{})

	assert.False(t, verdict.Matched)
	assert.Equal(t, ReasonNone, verdict.Reason)
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	e := NewEvaluator(testLogger(), nil)
	p := testProfile(t)
	p.Ajax = true
	p.Feed = true

	verdict := e.Evaluate(p, config.TrackingOptions{})

	require.True(t, verdict.Matched)
	// ajax sits ahead of feed in the chain
	assert.Equal(t, ReasonAjax, verdict.Reason)
}

func TestEvaluateRequestShapeFlags(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *profile.Profile)
		want   Reason
	}{
		{"preflight", func(p *profile.Profile) { p.Preflight = true }, ReasonPreflight},
		{"cross site", func(p *profile.Profile) { p.CrossSite = true }, ReasonCrossSite},
		{"cron", func(p *profile.Profile) { p.Cron = true }, ReasonCron},
		{"xmlrpc", func(p *profile.Profile) { p.XMLRPC = true }, ReasonProtocolInternal},
		{"broken link", func(p *profile.Profile) { p.BrokenLink = true }, ReasonBrokenLink},
		{"login page", func(p *profile.Profile) { p.LoginPage = true }, ReasonLoginPage},
		{"admin page", func(p *profile.Profile) { p.AdminPage = true }, ReasonAdminPage},
		{"feed", func(p *profile.Profile) { p.Feed = true }, ReasonFeed},
		{"not found", func(p *profile.Profile) { p.NotFound = true }, ReasonNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(testLogger(), nil)
			p := testProfile(t)
			tt.mutate(p)

			verdict := e.Evaluate(p, config.TrackingOptions{})
			require.True(t, verdict.Matched)
			assert.Equal(t, tt.want, verdict.Reason)
		})
	}
}

func TestEvaluateRobotUserAgent(t *testing.T) {
	e := NewEvaluator(testLogger(), nil)
	p, err := profile.New(profile.Input{
		IPAddress:  "203.0.113.11",
		UserAgent:  "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
		RequestURI: "/",
	}, nil, "example.com", "test-key", true)
	require.NoError(t, err)

	verdict := e.Evaluate(p, config.TrackingOptions{})
	require.True(t, verdict.Matched)
	assert.Equal(t, ReasonRobot, verdict.Reason)
}

func TestEvaluateIPMatchUsesAnonymizedAddress(t *testing.T) {
	e := NewEvaluator(testLogger(), nil)
	p := testProfile(t)

	// profile construction anonymizes 203.0.113.10 to 203.0.113.0
	verdict := e.Evaluate(p, config.TrackingOptions{ExcludedIPs: []string{"203.0.113.0"}})
	require.True(t, verdict.Matched)
	assert.Equal(t, ReasonIPMatch, verdict.Reason)
}

func TestEvaluateSelfReferral(t *testing.T) {
	e := NewEvaluator(testLogger(), nil)
	p := testProfile(t)
	p.Referrer = "https://example.com/other-page"

	verdict := e.Evaluate(p, config.TrackingOptions{SiteDomain: "example.com"})
	require.True(t, verdict.Matched)
	assert.Equal(t, ReasonSelfReferral, verdict.Reason)

	p.Referrer = "https://other.net/page"
	verdict = e.Evaluate(p, config.TrackingOptions{SiteDomain: "example.com"})
	assert.False(t, verdict.Matched)
}

func TestEvaluateReferrerSpam(t *testing.T) {
	e := NewEvaluator(testLogger(), nil)
	p := testProfile(t)
	p.Referrer = "https://sub.spammer.example/landing"

	opts := config.TrackingOptions{ReferrerSpamDomains: []string{"spammer.example"}}
	verdict := e.Evaluate(p, opts)
	require.True(t, verdict.Matched)
	assert.Equal(t, ReasonReferrerSpam, verdict.Reason)
}

func TestEvaluateExcludedURL(t *testing.T) {
	e := NewEvaluator(testLogger(), nil)
	p := testProfile(t)
	p.RequestURI = "/blog/post-1"

	verdict := e.Evaluate(p, config.TrackingOptions{ExcludedURLs: []string{"/blog/*"}})
	require.True(t, verdict.Matched)
	assert.Equal(t, ReasonExcludedURL, verdict.Reason)
}

func TestEvaluateUserRole(t *testing.T) {
	e := NewEvaluator(testLogger(), nil)
	p := testProfile(t)
	p.UserRole = "Administrator"

	verdict := e.Evaluate(p, config.TrackingOptions{ExcludedUserRoles: []string{"administrator"}})
	require.True(t, verdict.Matched)
	assert.Equal(t, ReasonUserRole, verdict.Reason)

	p.UserRole = ""
	verdict = e.Evaluate(p, config.TrackingOptions{ExcludedUserRoles: []string{"administrator"}})
	assert.False(t, verdict.Matched)
}

func TestEvaluateGeoRestriction(t *testing.T) {
	tests := []struct {
		name     string
		country  string
		excluded []string
		included []string
		want     bool
	}{
		{"both sets empty never matches", "de", nil, nil, false},
		{"excluded set match", "de", []string{"de"}, nil, true},
		{"excluded set miss", "fr", []string{"de"}, nil, false},
		{"included set member passes", "us", nil, []string{"us", "ca"}, false},
		{"included set non-member excluded", "de", nil, []string{"us", "ca"}, true},
		{"excluded wins over included", "de", []string{"de"}, []string{"de"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(testLogger(), nil)
			p := testProfile(t)
			p.Location.Country = tt.country

			verdict := e.Evaluate(p, config.TrackingOptions{
				ExcludedCountries: tt.excluded,
				IncludedCountries: tt.included,
			})
			assert.Equal(t, tt.want, verdict.Matched)
			if tt.want {
				assert.Equal(t, ReasonGeoRestriction, verdict.Reason)
			}
		})
	}
}

func TestEvaluateRobotThreshold(t *testing.T) {
	hits := 0
	counter := func(signature string, day time.Time) (int, error) {
		return hits, nil
	}

	e := NewEvaluator(testLogger(), counter)
	p := testProfile(t)
	opts := config.TrackingOptions{RobotThreshold: 50}

	// hit 50: 49 recorded, passes
	hits = 49
	assert.False(t, e.Evaluate(p, opts).Matched)

	// hit 51: 50 recorded, excluded
	hits = 50
	verdict := e.Evaluate(p, opts)
	require.True(t, verdict.Matched)
	assert.Equal(t, ReasonRobotThreshold, verdict.Reason)

	// threshold zero disables the rule entirely
	hits = 1000
	assert.False(t, e.Evaluate(p, config.TrackingOptions{RobotThreshold: 0}).Matched)
	assert.False(t, e.Evaluate(p, config.TrackingOptions{RobotThreshold: -5}).Matched)
}

func TestEvaluateFailingRuleIsNonMatching(t *testing.T) {
	counter := func(signature string, day time.Time) (int, error) {
		return 0, errors.New("storage unavailable")
	}
	e := NewEvaluator(testLogger(), counter)
	p := testProfile(t)

	verdict := e.Evaluate(p, config.TrackingOptions{RobotThreshold: 1})
	assert.False(t, verdict.Matched)
}

func TestEvaluatePanickingRuleIsNonMatching(t *testing.T) {
	e := NewEvaluator(testLogger(), nil)
	e.RegisterBefore("preflight", Rule{
		Name:   "explosive",
		Reason: ReasonAjax,
		Match: func(p *profile.Profile, opts config.TrackingOptions) (bool, error) {
			panic("boom")
		},
	})

	verdict := e.Evaluate(testProfile(t), config.TrackingOptions{})
	assert.False(t, verdict.Matched)
}

func TestRegisterAndRemove(t *testing.T) {
	e := NewEvaluator(testLogger(), nil)
	baseline := len(e.Rules())

	e.Register(Rule{
		Name:   "tail_rule",
		Reason: ReasonAjax,
		Match: func(p *profile.Profile, opts config.TrackingOptions) (bool, error) {
			return true, nil
		},
	})
	require.Len(t, e.Rules(), baseline+1)
	assert.Equal(t, "tail_rule", e.Rules()[baseline])

	// custom rule sits at the tail, so a clean hit reaches it
	verdict := e.Evaluate(testProfile(t), config.TrackingOptions{})
	assert.True(t, verdict.Matched)

	e.Remove("tail_rule")
	assert.Len(t, e.Rules(), baseline)
	assert.False(t, e.Evaluate(testProfile(t), config.TrackingOptions{}).Matched)
}

func TestRegisterBeforeOrdersRule(t *testing.T) {
	e := NewEvaluator(testLogger(), nil)
	e.RegisterBefore("robot", Rule{
		Name:   "allowlist",
		Reason: ReasonRobot,
		Match: func(p *profile.Profile, opts config.TrackingOptions) (bool, error) {
			return false, nil
		},
	})

	names := e.Rules()
	var allowlistIdx, robotIdx int
	for i, name := range names {
		switch name {
		case "allowlist":
			allowlistIdx = i
		case "robot":
			robotIdx = i
		}
	}
	assert.Less(t, allowlistIdx, robotIdx)
}
