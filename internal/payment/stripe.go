package payment

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/booking"
)

// StripeSignatureHeader carries "t=<unix>,v1=<hex>" pairs.
const StripeSignatureHeader = "Stripe-Signature"

const defaultStripeTolerance = 5 * time.Minute

// Stripe verifies and parses Stripe Checkout webhooks.
type Stripe struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewStripe returns a Stripe provider.  A zero tolerance means five
// minutes.  With an empty secret every request fails verification.
func NewStripe(secret string, tolerance time.Duration) *Stripe {
	if tolerance <= 0 {
		tolerance = defaultStripeTolerance
	}
	return &Stripe{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

func (s *Stripe) Name() booking.Provider { return booking.ProviderStripe }

// Verify checks every v1 signature in the header against
// HMAC-SHA256(secret, "<t>.<body>") and rejects timestamps outside the
// tolerance window.
func (s *Stripe) Verify(body []byte, header http.Header) error {
	if len(s.secret) == 0 {
		return fmt.Errorf("%w: stripe secret not configured", ErrInvalidSignature)
	}
	raw := header.Get(StripeSignatureHeader)
	if raw == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, StripeSignatureHeader)
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(sigs) == 0 {
		return fmt.Errorf("%w: unparseable %s header", ErrInvalidSignature, StripeSignatureHeader)
	}
	if age := s.now().Sub(time.Unix(unix, 0)); age > s.tolerance || age < -s.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := sign(s.secret, append([]byte(ts+"."), body...))
	for _, sig := range sigs {
		if equalHex(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string            `json:"id"`
			ClientReferenceID string            `json:"client_reference_id"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

var stripeOutcomes = map[string]booking.Outcome{
	"checkout.session.completed":               booking.OutcomeCaptured,
	"checkout.session.async_payment_succeeded": booking.OutcomeCaptured,
	"checkout.session.async_payment_failed":    booking.OutcomeFailed,
}

// Parse correlates by checkout session id.  client_reference_id, or
// metadata.booking_id, is carried as the booking id fallback.
func (s *Stripe) Parse(body []byte, _ http.Header) (*booking.PaymentEvent, error) {
	var evt stripeEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	outcome, ok := stripeOutcomes[evt.Type]
	if !ok {
		return nil, nil
	}
	obj := evt.Data.Object
	bookingID := obj.ClientReferenceID
	if bookingID == "" {
		bookingID = obj.Metadata["booking_id"]
	}
	if obj.ID == "" && bookingID == "" {
		return nil, fmt.Errorf("%w: %s without session id", ErrMalformedPayload, evt.Type)
	}
	return &booking.PaymentEvent{
		Provider:       booking.ProviderStripe,
		EventID:        evt.ID,
		EventType:      evt.Type,
		CorrelationKey: obj.ID,
		PaymentRef:     obj.ID,
		BookingID:      bookingID,
		Outcome:        outcome,
	}, nil
}
