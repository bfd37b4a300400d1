package tracker

import (
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"

	"visitra/internal/config"
	"visitra/internal/exclusion"
	"visitra/internal/profile"
)

// PreEvaluationHook runs before the exclusion chain. Returning false drops
// the hit without recording anything, not even an exclusion log entry.
type PreEvaluationHook func(p *profile.Profile, opts config.TrackingOptions) bool

// PostExclusionHook observes every excluded hit.
type PostExclusionHook func(p *profile.Profile, reason exclusion.Reason)

// PostCountHook observes every counted hit.
type PostCountHook func(p *profile.Profile, result Result)

// Result summarizes what one accepted hit mutated.
type Result struct {
	Counted   bool
	Excluded  bool
	Reason    exclusion.Reason
	VisitorID uint
	PageRowID uint
}

// Tracker is the ingestion pipeline: it evaluates each hit against the
// exclusion chain and fans an accepted hit out to the visitor, visit, page,
// and presence counters.
type Tracker struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	evaluator *exclusion.Evaluator

	preEvaluation []PreEvaluationHook
	postExclusion []PostExclusionHook
	postCount     []PostCountHook
}

// New wires the tracker with the default exclusion chain. The evaluator's
// robot-threshold rule reads back through this tracker's own storage.
func New(dbManager cartridge.DBManager, logger *slog.Logger) *Tracker {
	return &Tracker{
		dbManager: dbManager,
		logger:    logger,
		evaluator: exclusion.NewEvaluator(logger, VisitorHitCount(dbManager)),
	}
}

// Evaluator exposes the exclusion chain for rule registration.
func (t *Tracker) Evaluator() *exclusion.Evaluator {
	return t.evaluator
}

// OnPreEvaluation registers a hook that can veto a hit before evaluation.
func (t *Tracker) OnPreEvaluation(hook PreEvaluationHook) {
	t.preEvaluation = append(t.preEvaluation, hook)
}

// OnExclusion registers an observer for excluded hits.
func (t *Tracker) OnExclusion(hook PostExclusionHook) {
	t.postExclusion = append(t.postExclusion, hook)
}

// OnCount registers an observer for counted hits.
func (t *Tracker) OnCount(hook PostCountHook) {
	t.postCount = append(t.postCount, hook)
}

// IngestHit runs one hit through the pipeline. An excluded hit mutates no
// visit state beyond the optional exclusion log. For an accepted hit the
// counters update in a fixed order; a failing stage is logged and the later
// stages still run, so partial storage trouble degrades counts instead of
// dropping the whole hit.
func (t *Tracker) IngestHit(p *profile.Profile, opts config.TrackingOptions) Result {
	for _, hook := range t.preEvaluation {
		if !hook(p, opts) {
			return Result{}
		}
	}

	verdict := t.evaluator.Evaluate(p, opts)
	if verdict.Matched {
		return t.handleExcluded(p, opts, verdict.Reason)
	}
	return t.handleAccepted(p, opts)
}

func (t *Tracker) handleExcluded(p *profile.Profile, opts config.TrackingOptions, reason exclusion.Reason) Result {
	if opts.ExclusionLogEnabled {
		if err := LogExclusion(t.dbManager, t.logger, p.Timestamp, reason); err != nil {
			t.logger.Error("Failed to log excluded hit", slog.Any("error", err))
		}
	}

	result := Result{Excluded: true, Reason: reason}
	for _, hook := range t.postExclusion {
		hook(p, reason)
	}

	t.logger.Debug("Hit excluded",
		slog.String("reason", string(reason)),
		slog.String("page", p.PageID))
	return result
}

func (t *Tracker) handleAccepted(p *profile.Profile, opts config.TrackingOptions) Result {
	result := Result{Counted: true}

	visitorID, err := RecordVisitor(t.dbManager, t.logger, p, p.Honeypot)
	if err != nil {
		t.logger.Error("Failed to record visitor", slog.Any("error", err))
	}
	result.VisitorID = visitorID

	if err := RecordVisit(t.dbManager, t.logger, p.Timestamp, opts); err != nil {
		t.logger.Error("Failed to record visit", slog.Any("error", err))
	}

	pageRowID, err := RecordPageHit(t.dbManager, t.logger, p.PageID, p.Timestamp)
	if err != nil {
		t.logger.Error("Failed to record page hit",
			slog.String("page", p.PageID),
			slog.Any("error", err))
	}
	result.PageRowID = pageRowID

	if visitorID != 0 && pageRowID != 0 {
		if err := LinkVisitorToPage(t.dbManager, t.logger, visitorID, pageRowID, p.Timestamp); err != nil {
			t.logger.Error("Failed to link visitor to page", slog.Any("error", err))
		}
	}

	if err := Touch(t.dbManager, t.logger, p); err != nil {
		t.logger.Error("Failed to record presence", slog.Any("error", err))
	}

	// Opportunistic sweep; the marker throttle makes the per-hit call cheap.
	if opts.OnlineTTLSeconds > 0 {
		ttl := time.Duration(opts.OnlineTTLSeconds) * time.Second
		if _, err := Sweep(t.dbManager, t.logger, ttl); err != nil {
			t.logger.Error("Failed to sweep presence entries", slog.Any("error", err))
		}
	}

	for _, hook := range t.postCount {
		hook(p, result)
	}

	return result
}
