// Package jobs runs the background maintenance work.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"visitra/internal/config"
	"visitra/internal/database"
)

// Scheduler is responsible for running background jobs
type Scheduler struct {
	dbManager *database.DBManager
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	isRunning bool
	cfg       *config.Config

	// Mutex to prevent concurrent job executions
	processingMutex sync.Mutex
	isProcessing    bool

	// Job instances
	sweepJob       *SweepJob
	purgeJob       *PurgeJob
	geoLiteUpdater *GeoLiteUpdaterJob

	// Tickers for each job type
	sweepTicker   *time.Ticker
	purgeTicker   *time.Ticker
	geoLiteTicker *time.Ticker
}

func NewScheduler(dbManager *database.DBManager, logger *slog.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := config.GetConfig()

	s := &Scheduler{
		dbManager: dbManager,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		enabled:   true,
		isRunning: false,
		cfg:       cfg,
	}

	s.sweepJob = NewSweepJob(dbManager, logger, cfg)
	s.purgeJob = NewPurgeJob(dbManager, logger, cfg)
	s.geoLiteUpdater = NewGeoLiteUpdaterJob(logger, cfg)

	return s, nil
}

// GeoLiteUpdater exposes the updater so the geolocation resolver can trigger
// an immediate re-acquisition when it reports a broken database.
func (s *Scheduler) GeoLiteUpdater() *GeoLiteUpdaterJob {
	return s.geoLiteUpdater
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func() error) {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()
	}()

	if err := jobFunc(); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins all background jobs
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...")

	s.isRunning = true

	s.startSweepJob()
	s.startPurgeJob()
	s.startGeoLiteUpdaterJob()

	s.logger.Info("Background jobs started",
		slog.Bool("enabled", s.enabled),
		slog.Bool("isRunning", s.isRunning))

	return nil
}

func (s *Scheduler) startSweepJob() {
	interval := time.Duration(s.cfg.OnlineTTLSeconds) * time.Second
	s.logger.Info("Starting presence sweep job", slog.Duration("interval", interval))
	s.sweepTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-s.sweepTicker.C:
				s.executeJobSafely("presence_sweep", s.sweepJob.Run)
			case <-s.ctx.Done():
				s.logger.Info("Presence sweep job stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) startPurgeJob() {
	interval := 24 * time.Hour
	s.logger.Info("Starting retention purge job", slog.Duration("interval", interval))
	s.purgeTicker = time.NewTicker(interval)

	go func() {
		// Run initial purge
		s.logger.Info("Running initial retention purge...")
		s.executeJobSafely("retention_purge", s.purgeJob.Run)

		for {
			select {
			case <-s.purgeTicker.C:
				s.executeJobSafely("retention_purge", s.purgeJob.Run)
			case <-s.ctx.Done():
				s.logger.Info("Retention purge job stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) startGeoLiteUpdaterJob() {
	interval := 24 * time.Hour
	s.logger.Info("Starting GeoLite updater job", slog.Duration("interval", interval))
	s.geoLiteTicker = time.NewTicker(interval)

	go func() {
		s.executeJobSafely("geolite_updater", s.geoLiteUpdater.Run)

		for {
			select {
			case <-s.geoLiteTicker.C:
				s.executeJobSafely("geolite_updater", s.geoLiteUpdater.Run)
			case <-s.ctx.Done():
				s.logger.Info("GeoLite updater job stopped")
				return
			}
		}
	}()
}

// Stop halts all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.enabled = false

	if s.sweepTicker != nil {
		s.sweepTicker.Stop()
	}
	if s.purgeTicker != nil {
		s.purgeTicker.Stop()
	}
	if s.geoLiteTicker != nil {
		s.geoLiteTicker.Stop()
	}

	s.cancel()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}
