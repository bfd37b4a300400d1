package exclusion

import (
	"net/url"
	"strings"
	"time"

	"visitra/internal/config"
	"visitra/internal/profile"
)

// defaultRules returns the standard chain in evaluation order. Order matters:
// cheap request-shape checks run first, storage-backed checks last.
func defaultRules(hitCount HitCountFunc) []Rule {
	rules := []Rule{
		{Name: "preflight", Reason: ReasonPreflight, Match: matchPreflight},
		{Name: "cross_site", Reason: ReasonCrossSite, Match: matchCrossSite},
		{Name: "ajax", Reason: ReasonAjax, Match: matchAjax},
		{Name: "cron", Reason: ReasonCron, Match: matchCron},
		{Name: "protocol_internal", Reason: ReasonProtocolInternal, Match: matchProtocolInternal},
		{Name: "robot", Reason: ReasonRobot, Match: matchRobot},
		{Name: "broken_link", Reason: ReasonBrokenLink, Match: matchBrokenLink},
		{Name: "ip_match", Reason: ReasonIPMatch, Match: matchIP},
		{Name: "self_referral", Reason: ReasonSelfReferral, Match: matchSelfReferral},
		{Name: "login_page", Reason: ReasonLoginPage, Match: matchLoginPage},
		{Name: "admin_page", Reason: ReasonAdminPage, Match: matchAdminPage},
		{Name: "referrer_spam", Reason: ReasonReferrerSpam, Match: matchReferrerSpam},
		{Name: "feed", Reason: ReasonFeed, Match: matchFeed},
		{Name: "not_found", Reason: ReasonNotFound, Match: matchNotFound},
		{Name: "excluded_url", Reason: ReasonExcludedURL, Match: matchExcludedURL},
		{Name: "user_role", Reason: ReasonUserRole, Match: matchUserRole},
		{Name: "geo_restriction", Reason: ReasonGeoRestriction, Match: matchGeoRestriction},
	}
	if hitCount != nil {
		rules = append(rules, Rule{
			Name:   "robot_threshold",
			Reason: ReasonRobotThreshold,
			Match:  matchRobotThreshold(hitCount),
		})
	}
	return rules
}

func matchPreflight(p *profile.Profile, _ config.TrackingOptions) (bool, error) {
	return p.Preflight, nil
}

func matchCrossSite(p *profile.Profile, _ config.TrackingOptions) (bool, error) {
	return p.CrossSite, nil
}

func matchAjax(p *profile.Profile, _ config.TrackingOptions) (bool, error) {
	return p.Ajax, nil
}

func matchCron(p *profile.Profile, _ config.TrackingOptions) (bool, error) {
	return p.Cron, nil
}

func matchProtocolInternal(p *profile.Profile, _ config.TrackingOptions) (bool, error) {
	return p.XMLRPC, nil
}

func matchRobot(p *profile.Profile, _ config.TrackingOptions) (bool, error) {
	return p.Agent.Robot, nil
}

func matchBrokenLink(p *profile.Profile, _ config.TrackingOptions) (bool, error) {
	return p.BrokenLink, nil
}

func matchIP(p *profile.Profile, opts config.TrackingOptions) (bool, error) {
	for _, excluded := range opts.ExcludedIPs {
		if excluded == p.IPAddress {
			return true, nil
		}
	}
	return false, nil
}

func matchSelfReferral(p *profile.Profile, opts config.TrackingOptions) (bool, error) {
	if p.Referrer == "" || opts.SiteDomain == "" {
		return false, nil
	}
	parsed, err := url.Parse(p.Referrer)
	if err != nil || parsed.Hostname() == "" {
		return false, nil
	}
	return strings.EqualFold(parsed.Hostname(), opts.SiteDomain), nil
}

func matchLoginPage(p *profile.Profile, _ config.TrackingOptions) (bool, error) {
	return p.LoginPage, nil
}

func matchAdminPage(p *profile.Profile, _ config.TrackingOptions) (bool, error) {
	return p.AdminPage, nil
}

func matchReferrerSpam(p *profile.Profile, opts config.TrackingOptions) (bool, error) {
	if p.Referrer == "" || len(opts.ReferrerSpamDomains) == 0 {
		return false, nil
	}
	parsed, err := url.Parse(p.Referrer)
	if err != nil {
		return false, nil
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return false, nil
	}
	for _, spam := range opts.ReferrerSpamDomains {
		spam = strings.ToLower(strings.TrimSpace(spam))
		if spam == "" {
			continue
		}
		if host == spam || strings.HasSuffix(host, "."+spam) {
			return true, nil
		}
	}
	return false, nil
}

func matchFeed(p *profile.Profile, _ config.TrackingOptions) (bool, error) {
	return p.Feed, nil
}

func matchNotFound(p *profile.Profile, _ config.TrackingOptions) (bool, error) {
	return p.NotFound, nil
}

func matchExcludedURL(p *profile.Profile, opts config.TrackingOptions) (bool, error) {
	if len(opts.ExcludedURLs) == 0 {
		return false, nil
	}
	return MatchesAnyPattern(p.RequestURI, opts.ExcludedURLs), nil
}

func matchUserRole(p *profile.Profile, opts config.TrackingOptions) (bool, error) {
	if p.UserRole == "" {
		return false, nil
	}
	for _, role := range opts.ExcludedUserRoles {
		if strings.EqualFold(role, p.UserRole) {
			return true, nil
		}
	}
	return false, nil
}

// matchGeoRestriction applies the two optional country sets: membership in
// the excluded set matches; a non-empty included set matches anything absent
// from it. Both sets empty means the rule never matches.
func matchGeoRestriction(p *profile.Profile, opts config.TrackingOptions) (bool, error) {
	country := strings.ToLower(p.Location.Country)

	for _, excluded := range opts.ExcludedCountries {
		if strings.EqualFold(excluded, country) {
			return true, nil
		}
	}

	if len(opts.IncludedCountries) > 0 {
		for _, included := range opts.IncludedCountries {
			if strings.EqualFold(included, country) {
				return false, nil
			}
		}
		return true, nil
	}

	return false, nil
}

// matchRobotThreshold excludes an origin whose next hit would push today's
// recorded hits past the threshold. Threshold <= 0 disables the rule.
// Honeypot hits increment the visitor counter but are not counted here.
func matchRobotThreshold(hitCount HitCountFunc) MatchFunc {
	return func(p *profile.Profile, opts config.TrackingOptions) (bool, error) {
		if opts.RobotThreshold <= 0 {
			return false, nil
		}
		hits, err := hitCount(p.Signature, p.Timestamp.UTC().Truncate(24*time.Hour))
		if err != nil {
			return false, err
		}
		return hits+1 > opts.RobotThreshold, nil
	}
}
