package handler

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// idParam parses the :id path parameter as a positive integer.
func idParam(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id != 0
}
