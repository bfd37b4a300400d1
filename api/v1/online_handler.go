package v1

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"visitra/internal/tracker"
)

// OnlineVisitorResponse is one presence snapshot row. Signatures stay
// server-side; only derived fields go over the wire.
type OnlineVisitorResponse struct {
	Page      string `json:"page"`
	Referrer  string `json:"referrer"`
	Country   string `json:"country"`
	City      string `json:"city"`
	Region    string `json:"region"`
	UserID    string `json:"userId,omitempty"`
	OnlineFor int64  `json:"onlineForSeconds"`
	LastSeen  string `json:"lastSeen"`
}

// GetOnlineHandler returns the current presence snapshot, filterable by
// country, page, and user id query parameters.
func (a *API) GetOnlineHandler(ctx *cartridge.Context) error {
	filters := tracker.OnlineFilters{
		Country: ctx.Query("country"),
		PageID:  ctx.Query("page"),
		UserID:  ctx.Query("userId"),
	}

	visitors, err := tracker.ListOnline(ctx.DBManager, filters)
	if err != nil {
		ctx.Logger.Error("Failed to list online visitors", slog.Any("error", err))
		return ctx.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load presence snapshot",
		})
	}

	rows := make([]OnlineVisitorResponse, len(visitors))
	for i, v := range visitors {
		rows[i] = OnlineVisitorResponse{
			Page:      v.Page,
			Referrer:  v.Referrer,
			Country:   v.Country,
			City:      v.City,
			Region:    v.Region,
			UserID:    v.UserID,
			OnlineFor: int64(v.OnlineFor / time.Second),
			LastSeen:  v.LastSeen.UTC().Format(time.RFC3339),
		}
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"count":    len(rows),
		"visitors": rows,
	})
}
