// Package router wires the HTTP handlers onto an Echo instance: open
// health and webhook routes, and the /api group for seat holds and
// bookings.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-booking/internal/handler"
	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance.  Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// API returns the /api group.  When jwtSecret is set every request
// under it must carry a valid bearer token whose subject becomes the seat
// holder; otherwise holderId is taken from the request body.
func API(e *echo.Echo, jwtSecret string) *echo.Group {
	g := e.Group("/api")
	if jwtSecret != "" {
		g.Use(middleware.JWTAuth(jwtSecret))
	}
	return g
}

// RegisterSeatLocks registers the seat hold endpoints.  The limiter only
// guards acquisition; releasing and listing are never throttled.
func RegisterSeatLocks(g *echo.Group, h *handler.SeatLockHandler, limiter echo.MiddlewareFunc) {
	if limiter != nil {
		g.POST("/seat-locks", h.Acquire, limiter)
	} else {
		g.POST("/seat-locks", h.Acquire)
	}
	g.DELETE("/seat-locks", h.Release)
	g.GET("/seat-locks", h.List)
}

// RegisterBookings registers the booking lifecycle endpoints.
func RegisterBookings(g *echo.Group, h *handler.BookingHandler) {
	g.POST("/bookings", h.Create)
	g.GET("/bookings/:id", h.Get)
	g.POST("/bookings/:id/checkout", h.Checkout)
	g.POST("/bookings/:id/cancel", h.Cancel)
}

// RegisterWebhooks registers the payment provider callbacks.  Providers
// authenticate with body signatures, so no auth middleware applies and the
// raw body must reach the handler untouched.
func RegisterWebhooks(e *echo.Echo, h *handler.WebhookHandler) {
	e.POST("/webhooks/stripe", h.Stripe)
	e.POST("/webhooks/razorpay", h.Razorpay)
}
