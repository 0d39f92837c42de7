package handler // declare the package name; contains HTTP handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Health is a liveness endpoint for load balancers and monitoring. It returns
// "ok" with a 200 status as long as the process serves requests.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
