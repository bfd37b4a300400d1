// Package v1 is the public hit ingestion and presence API.
package v1

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"visitra/internal/config"
	"visitra/internal/geoip"
	"visitra/internal/profile"
	"visitra/internal/tracker"
)

const msgHitReceived = "Hit received"

// API bundles the handlers' collaborators.
type API struct {
	tracker  *tracker.Tracker
	resolver *geoip.Resolver
	cfg      *config.Config
}

// NewAPI wires the handler set.
func NewAPI(engine *tracker.Tracker, resolver *geoip.Resolver, cfg *config.Config) *API {
	return &API{
		tracker:  engine,
		resolver: resolver,
		cfg:      cfg,
	}
}

// CreateHitParams is the ingestion request body. The request-shape flags let
// the collaborating site report context the HTTP layer here cannot see.
type CreateHitParams struct {
	URL       string    `json:"url"`
	PageID    string    `json:"pageId"`
	Referrer  string    `json:"referrer"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	UserRole  string    `json:"userRole"`
	UserAgent string    `json:"userAgent"`

	Ajax       bool `json:"ajax"`
	Cron       bool `json:"cron"`
	XMLRPC     bool `json:"xmlrpc"`
	LoginPage  bool `json:"loginPage"`
	AdminPage  bool `json:"adminPage"`
	Feed       bool `json:"feed"`
	NotFound   bool `json:"notFound"`
	BrokenLink bool `json:"brokenLink"`
	Honeypot   bool `json:"honeypot"`
}

// CreateHitHandler ingests one hit. It always answers 202 regardless of the
// exclusion verdict so excluded clients get no signal to evade, and a bad
// request body is dropped with the same response.
func (a *API) CreateHitHandler(ctx *cartridge.Context) error {
	userAgentHeader := ctx.Get("User-Agent")
	if forwardedUA := ctx.Get("X-Forwarded-User-Agent"); forwardedUA != "" {
		userAgentHeader = forwardedUA
	}

	var params CreateHitParams
	if err := ctx.Ctx.BodyParser(&params); err != nil {
		ctx.Logger.Debug("Failed to parse hit request", slog.Any("error", err))
		return accepted(ctx)
	}

	if params.UserAgent == "" {
		params.UserAgent = userAgentHeader
	}

	input := profile.Input{
		IPAddress:  getClientIP(ctx.Ctx),
		UserAgent:  params.UserAgent,
		Referrer:   params.Referrer,
		RequestURI: params.URL,
		PageID:     params.PageID,
		UserID:     params.UserID,
		UserRole:   params.UserRole,
		Timestamp:  params.Timestamp,
		Ajax:       params.Ajax || isAjaxRequest(ctx.Ctx),
		Cron:       params.Cron,
		XMLRPC:     params.XMLRPC,
		CrossSite:  ctx.Get("Sec-Fetch-Site") == "cross-site",
		LoginPage:  params.LoginPage,
		AdminPage:  params.AdminPage,
		Feed:       params.Feed,
		NotFound:   params.NotFound,
		BrokenLink: params.BrokenLink,
		Honeypot:   params.Honeypot,
	}

	p, err := profile.New(input, a.resolver, a.cfg.Domain, a.cfg.PrivateKey, a.cfg.AnonymizeIPAddresses)
	if err != nil {
		ctx.Logger.Debug("Rejected malformed hit", slog.Any("error", err))
		return accepted(ctx)
	}

	result := a.tracker.IngestHit(p, a.cfg.TrackingOptions())
	if result.Counted {
		ctx.Logger.Debug("Hit counted", slog.String("page", p.PageID))
	}

	return accepted(ctx)
}

func accepted(ctx *cartridge.Context) error {
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"message": msgHitReceived,
		"status":  http.StatusAccepted,
	})
}

func isAjaxRequest(c *fiber.Ctx) bool {
	return c.Get("X-Requested-With") == "XMLHttpRequest"
}
