package jobs

import (
	"log/slog"

	"visitra/internal/config"
	"visitra/internal/database"
	"visitra/internal/retention"
)

// PurgeJob rolls up and deletes tracking detail older than the retention
// window.
type PurgeJob struct {
	dbManager *database.DBManager
	logger    *slog.Logger
	cfg       *config.Config
}

func NewPurgeJob(dbManager *database.DBManager, logger *slog.Logger, cfg *config.Config) *PurgeJob {
	return &PurgeJob{
		dbManager: dbManager,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run executes one retention purge. Re-running over the same horizon is a
// no-op, so the daily cadence needs no extra coordination.
func (j *PurgeJob) Run() error {
	summary, err := retention.Purge(j.dbManager, j.logger, j.cfg.RetentionDays)
	if err != nil {
		return err
	}

	if summary.VisitorsDeleted == 0 && summary.VisitsDeleted == 0 &&
		summary.PageRowsDeleted == 0 && summary.LinksDeleted == 0 &&
		summary.ExclusionDeleted == 0 {
		j.logger.Debug("No tracking data old enough to purge",
			slog.Int("retention_days", j.cfg.RetentionDays))
	}
	return nil
}
