// Package internal contains core application functionality
package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	v1 "visitra/api/v1"
	"visitra/internal/config"
	"visitra/internal/geoip"
	"visitra/internal/jobs"
	"visitra/internal/tracker"
)

// publicCORSConfig is the CORS setup shared by all public endpoints; the hit
// collector must accept cross-origin posts from any tracked site.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, Referrer, User-Agent",
}

// MountAppRoutes mounts all application routes using cartridge's route API
func MountAppRoutes(srv *cartridge.Server) {
	cfg := config.GetConfig()
	logger := srv.GetLogger()
	dbManager := srv.GetDBManager()

	// Helper to conditionally apply rate limiting (only in production)
	// In development/test, rate limiting would interfere with testing
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	// Rate limiter for the public hit API (70 requests per minute per IP)
	publicRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(70),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	publicAPIConfig := &cartridge.RouteConfig{
		EnableCORS:       true,
		WriteConcurrency: false,
		CustomMiddleware: []fiber.Handler{publicRateLimiter},
		CORSConfig:       publicCORSConfig,
	}

	// Broken GeoLite databases trigger an immediate re-acquisition through
	// the updater job; scheduled refreshes run from the scheduler.
	updater := jobs.NewGeoLiteUpdaterJob(logger, cfg)
	resolver := geoip.NewResolver(logger, geoip.DefaultLocationFromConfig(cfg), updater.TriggerImmediateDownload)

	engine := tracker.New(dbManager, logger)
	api := v1.NewAPI(engine, resolver, cfg)

	// Health check endpoint
	srv.Get("/_health", func(ctx *cartridge.Context) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})
	srv.Head("/_health", func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusOK)
	})

	// === PUBLIC API ROUTES ===
	srv.Post("/api/v1/hits", api.CreateHitHandler, publicAPIConfig)
	srv.Options("/api/v1/hits", func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}, publicAPIConfig)

	srv.Get("/api/v1/online", api.GetOnlineHandler, publicAPIConfig)
	srv.Options("/api/v1/online", func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}, publicAPIConfig)
}
