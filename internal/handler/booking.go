package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/cinema-seat-booking/internal/booking"
	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
	"github.com/iliyamo/cinema-seat-booking/internal/seatlock"
)

// BookingHandler groups the booking lifecycle endpoints used by the
// checkout flow.
type BookingHandler struct {
	Bookings *booking.Service
	Log      logrus.FieldLogger
}

// NewBookingHandler panics on a nil service.
func NewBookingHandler(svc *booking.Service, log logrus.FieldLogger) *BookingHandler {
	if svc == nil {
		panic("nil booking service passed to NewBookingHandler")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &BookingHandler{Bookings: svc, Log: log}
}

type createBookingRequest struct {
	ShowtimeID  string   `json:"showtimeId"`
	SeatIDs     []string `json:"seatIds"`
	HolderID    string   `json:"holderId"`
	TotalAmount int64    `json:"totalAmount"`
	ExpiresAt   int64    `json:"expiresAt"` // hold expiry, epoch ms
}

type checkoutRequest struct {
	Provider  string `json:"provider"`
	Reference string `json:"reference"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Create handles POST /api/bookings.  The body carries the hold granted by
// POST /api/seat-locks; a lapsed hold yields 410 Gone.
func (h *BookingHandler) Create(c echo.Context) error {
	var req createBookingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.ExpiresAt <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "expiresAt is required"})
	}
	holder := req.HolderID
	if auth := middleware.HolderID(c); auth != "" {
		holder = auth
	}

	b, err := h.Bookings.Create(c.Request().Context(), booking.NewBooking{
		Hold: seatlock.Hold{
			ShowtimeID: strings.TrimSpace(req.ShowtimeID),
			SeatIDs:    req.SeatIDs,
			HolderID:   holder,
			ExpiresAt:  time.UnixMilli(req.ExpiresAt).UTC(),
		},
		TotalAmount: req.TotalAmount,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

// Get handles GET /api/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.Bookings.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Checkout handles POST /api/bookings/:id/checkout.  It records the
// provider session or order the client is about to be redirected to.
func (h *BookingHandler) Checkout(c echo.Context) error {
	var req checkoutRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	provider := booking.Provider(strings.ToLower(strings.TrimSpace(req.Provider)))
	b, err := h.Bookings.AttachPayment(c.Request().Context(), c.Param("id"), provider, req.Reference)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Cancel handles POST /api/bookings/:id/cancel.  Cancelling a terminal
// booking changes nothing and still answers 200 with its current state.
func (h *BookingHandler) Cancel(c echo.Context) error {
	var req cancelRequest
	// The body is optional.
	_ = c.Bind(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled by user"
	}
	res, err := h.Bookings.Cancel(c.Request().Context(), c.Param("id"), reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"booking": res.Booking, "transition": res.Transition})
}

func (h *BookingHandler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, booking.ErrBookingNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
	case errors.Is(err, booking.ErrHoldExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "seat hold expired"})
	case errors.Is(err, booking.ErrInvalidBooking):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, booking.ErrSeatsNotHeld):
		return c.JSON(http.StatusConflict, echo.Map{"error": "seats are not held for this booking"})
	case errors.Is(err, booking.ErrNotPending), errors.Is(err, booking.ErrDuplicateBooking):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	default:
		h.Log.WithError(err).WithField("path", c.Path()).Error("booking request failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}
