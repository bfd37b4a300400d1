// Package exclusion decides whether a hit counts as legitimate traffic.
package exclusion

import (
	"log/slog"
	"time"

	"visitra/internal/config"
	"visitra/internal/profile"
)

// Reason identifies why a hit was excluded. The set is closed; collaborators
// registering custom rules reuse an existing reason.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonAjax             Reason = "ajax"
	ReasonCron             Reason = "cron"
	ReasonRobot            Reason = "robot"
	ReasonBrokenLink       Reason = "broken-link"
	ReasonIPMatch          Reason = "ip-match"
	ReasonSelfReferral     Reason = "self-referral"
	ReasonLoginPage        Reason = "login-page"
	ReasonAdminPage        Reason = "admin-page"
	ReasonReferrerSpam     Reason = "referrer-spam"
	ReasonFeed             Reason = "feed"
	ReasonNotFound         Reason = "not-found"
	ReasonExcludedURL      Reason = "excluded-url"
	ReasonUserRole         Reason = "user-role"
	ReasonGeoRestriction   Reason = "geo-restriction"
	ReasonRobotThreshold   Reason = "robot-threshold"
	ReasonProtocolInternal Reason = "protocol-internal"
	ReasonCrossSite        Reason = "cross-site"
	ReasonPreflight        Reason = "preflight"
)

// Verdict is the result of evaluating a hit against the rule chain.
type Verdict struct {
	Matched bool
	Reason  Reason
}

// MatchFunc is a single rule predicate.
type MatchFunc func(p *profile.Profile, opts config.TrackingOptions) (bool, error)

// Rule is a named predicate bound to an exclusion reason.
type Rule struct {
	Name   string
	Reason Reason
	Match  MatchFunc
}

// HitCountFunc reports the number of hits already recorded today for a
// visitor signature. Used by the robot-threshold rule; honeypot hits are not
// included in the count.
type HitCountFunc func(signature string, day time.Time) (int, error)

// Evaluator runs an ordered chain of exclusion rules, stopping at the first
// match. The chain is extensible: collaborators may register or remove rules.
type Evaluator struct {
	logger *slog.Logger
	rules  []Rule
}

// NewEvaluator builds the evaluator with the default rule chain. hitCount
// feeds the robot-threshold rule and may be nil to disable it.
func NewEvaluator(logger *slog.Logger, hitCount HitCountFunc) *Evaluator {
	return &Evaluator{
		logger: logger,
		rules:  defaultRules(hitCount),
	}
}

// Register appends a rule to the end of the chain.
func (e *Evaluator) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// RegisterBefore inserts a rule ahead of the named rule, or appends when the
// name is not present.
func (e *Evaluator) RegisterBefore(name string, rule Rule) {
	for i, r := range e.rules {
		if r.Name == name {
			e.rules = append(e.rules[:i], append([]Rule{rule}, e.rules[i:]...)...)
			return
		}
	}
	e.rules = append(e.rules, rule)
}

// Remove drops the named rule from the chain.
func (e *Evaluator) Remove(name string) {
	for i, r := range e.rules {
		if r.Name == name {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return
		}
	}
}

// Rules returns the rule names in evaluation order.
func (e *Evaluator) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name
	}
	return names
}

// Evaluate runs the chain in order; the first matching rule wins. A rule that
// fails (error or panic) is logged and treated as non-matching.
func (e *Evaluator) Evaluate(p *profile.Profile, opts config.TrackingOptions) Verdict {
	for _, rule := range e.rules {
		matched := e.runRule(rule, p, opts)
		if matched {
			return Verdict{Matched: true, Reason: rule.Reason}
		}
	}
	return Verdict{}
}

// runRule executes one rule defensively: no predicate may throw past the
// evaluator.
func (e *Evaluator) runRule(rule Rule, p *profile.Profile, opts config.TrackingOptions) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic recovered in exclusion rule",
				slog.String("rule", rule.Name),
				slog.Any("panic", r))
			matched = false
		}
	}()

	matched, err := rule.Match(p, opts)
	if err != nil {
		e.logger.Warn("Exclusion rule failed, treating as non-matching",
			slog.String("rule", rule.Name),
			slog.Any("error", err))
		return false
	}
	return matched
}
