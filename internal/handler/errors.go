package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
)

// errorStatus maps the engine's error taxonomy onto an HTTP status and a
// stable machine-readable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, apperr.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrCapacityExceeded):
		return http.StatusConflict, "capacity_exceeded"
	case errors.Is(err, apperr.ErrDuplicateBooking):
		return http.StatusConflict, "duplicate_booking"
	case errors.Is(err, apperr.ErrInvalidStateTransition), errors.Is(err, apperr.ErrHoldReleased):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, apperr.ErrPaymentIncomplete):
		return http.StatusConflict, "payment_incomplete"
	case errors.Is(err, apperr.ErrWindowClosed):
		return http.StatusUnprocessableEntity, "cancellation_window_closed"
	case errors.Is(err, apperr.ErrProcessorRejected):
		return http.StatusBadGateway, "payment_rejected"
	case apperr.IsRetryable(err):
		return http.StatusServiceUnavailable, "temporarily_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal_error"
}

// respondError writes err as JSON. Server-side failures are logged; client
// errors are not.
func respondError(c echo.Context, log *slog.Logger, err error) error {
	status, code := errorStatus(err)
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError && log != nil {
		log.Error("request failed",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			sl.Err(err))
		return c.JSON(status, echo.Map{"error": code})
	}
	return c.JSON(status, echo.Map{"error": code, "message": err.Error()})
}
