package booking

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// Provider identifies the payment provider that drove a transition.
type Provider string

const (
	ProviderStripe   Provider = "stripe"
	ProviderRazorpay Provider = "razorpay"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	return p == ProviderStripe || p == ProviderRazorpay
}

// Outcome is the normalized result carried by a PaymentEvent.
type Outcome string

const (
	OutcomeCaptured Outcome = "CAPTURED"
	OutcomeFailed   Outcome = "FAILED"
)

// Booking is a purchase attempt tying a showtime, a seat set and a payment
// outcome together.  Exactly one provider reference family is set,
// depending on the provider used at checkout.
type Booking struct {
	ID                string    `json:"id"`
	ShowtimeID        string    `json:"showtimeId"`
	HolderID          string    `json:"holderId"`
	SeatIDs           []string  `json:"seatIds"`
	TotalAmount       int64     `json:"totalAmount"` // minor units
	Status            Status    `json:"status"`
	StripeSessionID   *string   `json:"stripeSessionId,omitempty"`
	RazorpayOrderID   *string   `json:"razorpayOrderId,omitempty"`
	RazorpayPaymentID *string   `json:"razorpayPaymentId,omitempty"`
	CancelReason      string    `json:"cancelReason,omitempty"`
	HoldExpiresAt     time.Time `json:"holdExpiresAt"` // expiry of the seat hold it was created from
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of b.
func (b *Booking) Clone() *Booking {
	c := *b
	c.SeatIDs = append([]string(nil), b.SeatIDs...)
	c.StripeSessionID = cloneString(b.StripeSessionID)
	c.RazorpayOrderID = cloneString(b.RazorpayOrderID)
	c.RazorpayPaymentID = cloneString(b.RazorpayPaymentID)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// CorrelationKey returns the provider key stored for p, or "".
func (b *Booking) CorrelationKey(p Provider) string {
	var v *string
	switch p {
	case ProviderStripe:
		v = b.StripeSessionID
	case ProviderRazorpay:
		v = b.RazorpayOrderID
	}
	if v == nil {
		return ""
	}
	return *v
}

// PaymentEvent is a provider-agnostic payment signal.
type PaymentEvent struct {
	Provider  Provider
	EventID   string
	EventType string
	// CorrelationKey is the Stripe checkout session id or the Razorpay
	// order id, whichever the provider supplies.
	CorrelationKey string
	// PaymentRef is persisted on confirmation.
	PaymentRef string
	// BookingID is an optional direct reference used when no booking
	// matches CorrelationKey.
	BookingID string
	Outcome   Outcome
}

var (
	// ErrBookingNotFound is returned when no booking matches an id or
	// correlation key.
	ErrBookingNotFound = errors.New("booking not found")
	// ErrConflictingTransition marks an outcome incompatible with a
	// booking's terminal state.
	ErrConflictingTransition = errors.New("conflicting transition")
	// ErrNotPending is returned for operations that need a PENDING booking.
	ErrNotPending = errors.New("booking is not pending")
	// ErrHoldExpired is returned when a booking is created from a lapsed hold.
	ErrHoldExpired = errors.New("seat hold expired")
	// ErrSeatsNotHeld is returned when the lock store does not hold the
	// seats for the presented hold.
	ErrSeatsNotHeld = errors.New("seats are not held for this booking")
	// ErrInvalidBooking is returned for malformed creation requests.
	ErrInvalidBooking = errors.New("invalid booking")
	// ErrUnknownOutcome is returned for events with an unmapped outcome.
	ErrUnknownOutcome = errors.New("unknown payment outcome")
	// ErrDuplicateBooking is returned by stores on id or correlation clashes.
	ErrDuplicateBooking = errors.New("duplicate booking")
)
