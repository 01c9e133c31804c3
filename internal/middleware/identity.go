package middleware

// identity.go holds the helpers shared across middleware and handlers for
// reading the authenticated seat holder out of the Echo context.

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// holderKey is the context key JWTAuth stores the token subject under.
const holderKey = "holder_id"

// HolderID returns the authenticated holder, or "" when the request did
// not pass through JWTAuth.
func HolderID(c echo.Context) string {
	if v, ok := c.Get(holderKey).(string); ok {
		return v
	}
	return ""
}

// holderOrAnon is the rate-limit identity: the authenticated holder or
// "anon".
func holderOrAnon(c echo.Context) string {
	if h := HolderID(c); h != "" {
		return h
	}
	return "anon"
}

func formatNumericSubject(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
