package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/supper-club-booking/internal/engine"
	"github.com/iliyamo/supper-club-booking/internal/middleware"
	"github.com/iliyamo/supper-club-booking/internal/model"
)

// EventHandler exposes event registration (ADMIN) and public availability.
type EventHandler struct {
	Engine *engine.Engine
	Log    *slog.Logger
}

func NewEventHandler(e *engine.Engine, log *slog.Logger) *EventHandler {
	return &EventHandler{Engine: e, Log: log}
}

type createEventReq struct {
	Title      string    `json:"title"`
	StartsAt   time.Time `json:"starts_at"`
	PriceCents uint32    `json:"price_cents"`
	MaxSeats   int       `json:"max_seats"`
}

// Create handles POST /v1/events.
func (h *EventHandler) Create(c echo.Context) error {
	var req createEventReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	ev, err := h.Engine.CreateEvent(c.Request().Context(), middleware.Requester(c), model.Event{
		Title:      req.Title,
		StartsAt:   req.StartsAt,
		PriceCents: req.PriceCents,
		MaxSeats:   req.MaxSeats,
	})
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, ev)
}

// Availability handles GET /v1/events/:id/availability. The route sits
// behind the response cache; the engine invalidates it when seats move.
func (h *EventHandler) Availability(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event id"})
	}
	av, err := h.Engine.Availability(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, av)
}
