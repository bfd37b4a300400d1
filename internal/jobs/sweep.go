package jobs

import (
	"log/slog"
	"time"

	"visitra/internal/config"
	"visitra/internal/database"
	"visitra/internal/tracker"
)

// SweepJob removes online presence entries whose last-seen has aged past the
// configured TTL.
type SweepJob struct {
	dbManager *database.DBManager
	logger    *slog.Logger
	cfg       *config.Config
}

func NewSweepJob(dbManager *database.DBManager, logger *slog.Logger, cfg *config.Config) *SweepJob {
	return &SweepJob{
		dbManager: dbManager,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run sweeps stale presence entries. The sweep itself is throttled at the
// storage level, so overlapping triggers are harmless.
func (j *SweepJob) Run() error {
	ttl := time.Duration(j.cfg.OnlineTTLSeconds) * time.Second

	removed, err := tracker.Sweep(j.dbManager, j.logger, ttl)
	if err != nil {
		return err
	}

	if removed > 0 {
		j.logger.Info("Presence sweep completed",
			slog.Int64("removed", removed),
			slog.Duration("ttl", ttl))
	}
	return nil
}
