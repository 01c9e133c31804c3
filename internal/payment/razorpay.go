package payment

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/iliyamo/cinema-seat-booking/internal/booking"
)

const (
	// RazorpaySignatureHeader carries hex(HMAC-SHA256(secret, body)).
	RazorpaySignatureHeader = "X-Razorpay-Signature"
	// RazorpayEventIDHeader identifies a delivery; retries reuse it.
	RazorpayEventIDHeader = "X-Razorpay-Event-Id"
)

// Razorpay verifies and parses Razorpay webhooks.
type Razorpay struct {
	secret []byte
}

// NewRazorpay returns a Razorpay provider.  With an empty secret every
// request fails verification.
func NewRazorpay(secret string) *Razorpay {
	return &Razorpay{secret: []byte(secret)}
}

func (r *Razorpay) Name() booking.Provider { return booking.ProviderRazorpay }

func (r *Razorpay) Verify(body []byte, header http.Header) error {
	if len(r.secret) == 0 {
		return fmt.Errorf("%w: razorpay secret not configured", ErrInvalidSignature)
	}
	got := strings.TrimSpace(header.Get(RazorpaySignatureHeader))
	if got == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, RazorpaySignatureHeader)
	}
	if !equalHex(sign(r.secret, body), got) {
		return ErrInvalidSignature
	}
	return nil
}

type razorpayEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string          `json:"id"`
				OrderID string          `json:"order_id"`
				Notes   json.RawMessage `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// Parse maps payment.captured to CAPTURED.  payment.failed is not mapped:
// the customer may retry on the same order, so a single failed attempt
// leaves the booking PENDING.
func (r *Razorpay) Parse(body []byte, header http.Header) (*booking.PaymentEvent, error) {
	var evt razorpayEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.Event != "payment.captured" {
		return nil, nil
	}
	p := evt.Payload.Payment.Entity
	bookingID := noteValue(p.Notes, "booking_id")
	if p.OrderID == "" && bookingID == "" {
		return nil, fmt.Errorf("%w: payment.captured without order id", ErrMalformedPayload)
	}
	return &booking.PaymentEvent{
		Provider:       booking.ProviderRazorpay,
		EventID:        header.Get(RazorpayEventIDHeader),
		EventType:      evt.Event,
		CorrelationKey: p.OrderID,
		PaymentRef:     p.ID,
		BookingID:      bookingID,
		Outcome:        booking.OutcomeCaptured,
	}, nil
}

// noteValue reads a string note.  Razorpay sends notes as an object, or as
// an empty array when none were set.
func noteValue(raw json.RawMessage, key string) string {
	var notes map[string]interface{}
	if err := json.Unmarshal(raw, &notes); err != nil {
		return ""
	}
	v, _ := notes[key].(string)
	return v
}
