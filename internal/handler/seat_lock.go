package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
	"github.com/iliyamo/cinema-seat-booking/internal/seatlock"
)

// SeatLockHandler exposes the seat lock manager over HTTP.  None of its
// endpoints surface lock store failures; the manager degrades instead.
type SeatLockHandler struct {
	Locks *seatlock.Manager
}

// NewSeatLockHandler panics on a nil manager.
func NewSeatLockHandler(locks *seatlock.Manager) *SeatLockHandler {
	if locks == nil {
		panic("nil seat lock manager passed to NewSeatLockHandler")
	}
	return &SeatLockHandler{Locks: locks}
}

type acquireRequest struct {
	ShowtimeID     string   `json:"showtimeId"`
	SeatIDs        []string `json:"seatIds"`
	HolderID       string   `json:"holderId"`
	HoldDurationMs int64    `json:"holdDurationMs"`
}

type releaseRequest struct {
	ShowtimeID string   `json:"showtimeId"`
	SeatIDs    []string `json:"seatIds"`
}

// Acquire handles POST /api/seat-locks.  It returns 200 with the hold
// expiry in epoch milliseconds, or 409 listing the seats already held.
func (h *SeatLockHandler) Acquire(c echo.Context) error {
	var req acquireRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.ShowtimeID) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "showtimeId is required"})
	}
	holder := req.HolderID
	if auth := middleware.HolderID(c); auth != "" {
		holder = auth
	}

	hold, err := h.Locks.Acquire(c.Request().Context(), req.ShowtimeID, req.SeatIDs, holder,
		time.Duration(req.HoldDurationMs)*time.Millisecond)
	if err != nil {
		var unavailable *seatlock.UnavailableError
		switch {
		case errors.As(err, &unavailable):
			return c.JSON(http.StatusConflict, echo.Map{"error": "Seat already locked", "seats": unavailable.Seats})
		case errors.Is(err, seatlock.ErrNoSeats), errors.Is(err, seatlock.ErrInvalidHold):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"granted":    true,
		"expiresAt":  hold.ExpiresAt.UnixMilli(),
		"showtimeId": hold.ShowtimeID,
		"seatIds":    hold.SeatIDs,
		"holderId":   hold.HolderID,
	})
}

// Release handles DELETE /api/seat-locks.  Once the body is valid it
// always reports success.
func (h *SeatLockHandler) Release(c echo.Context) error {
	var req releaseRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.ShowtimeID) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "showtimeId is required"})
	}
	h.Locks.Release(c.Request().Context(), req.ShowtimeID, req.SeatIDs)
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// List handles GET /api/seat-locks?showtimeId=S.
func (h *SeatLockHandler) List(c echo.Context) error {
	showtimeID := strings.TrimSpace(c.QueryParam("showtimeId"))
	if showtimeID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "showtimeId is required"})
	}
	return c.JSON(http.StatusOK, echo.Map{"lockedSeats": h.Locks.ListHeld(c.Request().Context(), showtimeID)})
}
