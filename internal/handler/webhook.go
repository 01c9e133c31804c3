package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-booking/internal/booking"
	"github.com/iliyamo/cinema-seat-booking/internal/payment"
)

// maxWebhookBody bounds the raw body read for signature verification.
const maxWebhookBody = 1 << 20

// WebhookHandler receives provider callbacks.  Anything that verified and
// parsed is acknowledged with 200, including events for unknown bookings,
// so providers only retry on transient failures.
type WebhookHandler struct {
	Reconciler *payment.Reconciler
}

// NewWebhookHandler panics on a nil reconciler.
func NewWebhookHandler(r *payment.Reconciler) *WebhookHandler {
	if r == nil {
		panic("nil reconciler passed to NewWebhookHandler")
	}
	return &WebhookHandler{Reconciler: r}
}

// Stripe handles POST /webhooks/stripe and answers {"received": true}.
func (h *WebhookHandler) Stripe(c echo.Context) error {
	if status, msg := h.reconcile(c, booking.ProviderStripe); status != http.StatusOK {
		return c.JSON(status, echo.Map{"error": msg})
	}
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}

// Razorpay handles POST /webhooks/razorpay and answers a plain "OK".
func (h *WebhookHandler) Razorpay(c echo.Context) error {
	if status, msg := h.reconcile(c, booking.ProviderRazorpay); status != http.StatusOK {
		return c.JSON(status, echo.Map{"error": msg})
	}
	return c.String(http.StatusOK, "OK")
}

func (h *WebhookHandler) reconcile(c echo.Context, p booking.Provider) (int, string) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return http.StatusBadRequest, "unreadable body"
	}
	_, err = h.Reconciler.Handle(c.Request().Context(), p, body, c.Request().Header)
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, payment.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid signature"
	case errors.Is(err, payment.ErrMalformedPayload):
		return http.StatusBadRequest, "malformed payload"
	default:
		return http.StatusInternalServerError, "temporarily unable to process event"
	}
}
