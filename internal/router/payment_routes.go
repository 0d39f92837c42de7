package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/supper-club-booking/internal/handler"
)

// RegisterPayments registers the processor webhook and the public payment
// configuration. The webhook authenticates by signature, not by JWT.
func RegisterPayments(e *echo.Echo, h *handler.PaymentHandler) {
	e.POST("/v1/payments/webhook", h.Webhook)
	e.GET("/v1/payments/config", h.Config)
}
