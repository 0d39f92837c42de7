package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/supper-club-booking/internal/handler"
	"github.com/iliyamo/supper-club-booking/internal/middleware"
	"github.com/iliyamo/supper-club-booking/internal/model"
)

// RegisterBookings registers the booking lifecycle under /v1/bookings. All
// routes need a valid JWT; ownership is checked per booking by the engine,
// which lets ADMIN act on behalf of customers. Reserve and cancel are rate
// limited per user, so the limiter runs after JWTAuth.
func RegisterBookings(e *echo.Echo, h *handler.BookingHandler, jwtSecret string, limiter *middleware.Limiter) {
	g := e.Group(
		"/v1/bookings",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleCustomer, model.RoleAdmin),
	)
	g.POST("", h.Reserve, limiter.For(middleware.LimitReserve))
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/confirm", h.Confirm)
	g.POST("/:id/cancel", h.Cancel, limiter.For(middleware.LimitCancel))

	e.GET("/v1/users/:id/bookings", h.ListForUser,
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)
}
