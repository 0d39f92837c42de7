package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/supper-club-booking/internal/handler"
	"github.com/iliyamo/supper-club-booking/internal/middleware"
	"github.com/iliyamo/supper-club-booking/internal/model"
)

// RegisterEvents registers event routes. Creating an event needs the ADMIN
// role; availability is public and served through the availability cache,
// which is nil when Redis is not configured.
func RegisterEvents(e *echo.Echo, h *handler.EventHandler, jwtSecret string, cache *middleware.AvailabilityCache) {
	e.POST("/v1/events", h.Create,
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)
	e.GET("/v1/events/:id/availability", h.Availability, cache.Middleware())
}
