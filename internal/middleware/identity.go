package middleware

// identity.go turns what JWTAuth stored in the Echo context back into the
// requester the booking engine works with.

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/supper-club-booking/internal/model"
)

// Requester returns the authenticated caller. It is the zero Requester on
// routes without JWTAuth.
func Requester(c echo.Context) model.Requester {
	id, _ := c.Get(ctxUserID).(uint64)
	role, _ := c.Get(ctxRole).(string)
	return model.Requester{UserID: id, Role: role}
}

// userKey identifies the caller for rate limiting; "anon" when the route is
// not authenticated.
func userKey(c echo.Context) string {
	if id, ok := c.Get(ctxUserID).(uint64); ok && id != 0 {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
