package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Health is the liveness check.  It does not touch Redis or MySQL since
// both are allowed to be degraded while the service keeps running.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
