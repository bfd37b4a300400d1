package internal

import (
	"fmt"

	"github.com/karloscodes/cartridge"

	"visitra/internal/config"
	"visitra/internal/database"
	"visitra/internal/geoip"
	"visitra/internal/jobs"
	"visitra/internal/logging"
)

// Application wraps cartridge.Application with visitra-specific components
type Application struct {
	*cartridge.Application
	DBManager *database.DBManager // Visitra-specific DB manager with migration methods
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	// Create logger
	logger := logging.NewLogger(cfg)
	geoip.InitLogger(logger)

	// Initialize database manager (visitra-specific with migration methods)
	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize jobs system
	scheduler, err := jobs.NewScheduler(dbManager, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize jobs: %w", err)
	}

	// Create the cartridge application using NewApplication
	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:            cfg,
		Logger:            logger,
		DBManager:         dbManager,
		RouteMountFunc:    MountAppRoutes,
		BackgroundWorkers: []cartridge.BackgroundWorker{scheduler},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
	}, nil
}
