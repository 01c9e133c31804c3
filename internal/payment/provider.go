// Package payment turns provider webhooks into booking.PaymentEvent values.
// Each provider verifies its own shared-secret signature and maps its
// event taxonomy onto the CAPTURED / FAILED vocabulary; the Reconciler
// feeds the result to the booking state machine.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/iliyamo/cinema-seat-booking/internal/booking"
)

var (
	// ErrInvalidSignature rejects a webhook whose authenticity cannot be
	// verified.  Such requests never reach the state machine.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload rejects a signed body that is not valid JSON.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrUnknownProvider is returned for providers not registered with the
	// Reconciler.
	ErrUnknownProvider = errors.New("unknown payment provider")
)

// Provider is one payment provider's webhook dialect.
type Provider interface {
	Name() booking.Provider
	// Verify checks the signature header against the raw body.
	Verify(body []byte, header http.Header) error
	// Parse maps the body onto a PaymentEvent.  It returns nil, nil for
	// event types that do not drive a booking transition.
	Parse(body []byte, header http.Header) (*booking.PaymentEvent, error)
}

// sign returns hex(HMAC-SHA256(secret, payload)).
func sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// equalHex compares two hex signatures in constant time.
func equalHex(expected, got string) bool {
	a, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	b, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	return hmac.Equal(a, b)
}
