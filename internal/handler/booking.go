package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/supper-club-booking/internal/engine"
	"github.com/iliyamo/supper-club-booking/internal/middleware"
)

// BookingHandler serves the booking lifecycle for authenticated users. The
// engine enforces ownership; ADMIN callers may act on any booking.
type BookingHandler struct {
	Engine *engine.Engine
	Log    *slog.Logger
}

func NewBookingHandler(e *engine.Engine, log *slog.Logger) *BookingHandler {
	return &BookingHandler{Engine: e, Log: log}
}

type reserveReq struct {
	EventID uint64 `json:"event_id"`
	Seats   int    `json:"seats"`
}

// Reserve handles POST /v1/bookings. The response carries the pending
// booking and the client secret the payment is completed with.
func (h *BookingHandler) Reserve(c echo.Context) error {
	var req reserveReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.EventID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "event_id is required"})
	}
	res, err := h.Engine.ReserveBooking(c.Request().Context(), middleware.Requester(c), req.EventID, req.Seats)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// List handles GET /v1/bookings.
func (h *BookingHandler) List(c echo.Context) error {
	out, err := h.Engine.ListBookings(c.Request().Context(), middleware.Requester(c), 0)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"bookings": out})
}

// ListForUser handles GET /v1/users/:id/bookings (ADMIN).
func (h *BookingHandler) ListForUser(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}
	out, err := h.Engine.ListBookings(c.Request().Context(), middleware.Requester(c), id)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user_id": id, "bookings": out})
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	b, err := h.Engine.GetBooking(c.Request().Context(), middleware.Requester(c), id)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Confirm handles POST /v1/bookings/:id/confirm: the client calls it after
// completing the payment to settle the booking without waiting for the
// webhook.
func (h *BookingHandler) Confirm(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	b, err := h.Engine.ConfirmBookingPayment(c.Request().Context(), middleware.Requester(c), id)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Cancel handles POST /v1/bookings/:id/cancel.
func (h *BookingHandler) Cancel(c echo.Context) error {
	id, ok := idParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	b, err := h.Engine.CancelBooking(c.Request().Context(), middleware.Requester(c), id)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, b)
}
