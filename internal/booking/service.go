// Package booking owns the lifecycle of a purchase attempt: a PENDING
// booking is created from a granted seat hold and moves to CONFIRMED or
// CANCELLED exactly once, driven by normalized payment events.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/cinema-seat-booking/internal/seatlock"
)

// SeatReleaser frees the hold a booking was created from once the booking
// reached a terminal state.  Implementations must leave seats alone that
// no longer carry that hold.
type SeatReleaser interface {
	ReleaseHold(ctx context.Context, hold seatlock.Hold)
}

// HoldVerifier confirms that a hold presented at booking creation is live
// in the lock store and returns it as recorded there.
type HoldVerifier interface {
	VerifyHold(ctx context.Context, hold seatlock.Hold) (seatlock.Hold, error)
}

// Notifier receives lifecycle side effects.  It is invoked once per
// applied transition, never for duplicates or conflicts.
type Notifier interface {
	BookingConfirmed(ctx context.Context, b Booking) error
	BookingCancelled(ctx context.Context, b Booking) error
}

// Transition describes what Apply or Cancel did to a booking.
type Transition string

const (
	TransitionApplied   Transition = "applied"
	TransitionDuplicate Transition = "duplicate"
	TransitionConflict  Transition = "conflict"
)

// Result is the outcome of a transition attempt.
type Result struct {
	Booking    Booking
	Transition Transition
}

// Err returns ErrConflictingTransition for conflicts and nil otherwise.
func (r Result) Err() error {
	if r.Transition == TransitionConflict {
		return ErrConflictingTransition
	}
	return nil
}

// NewBooking is the input to Create.
type NewBooking struct {
	Hold        seatlock.Hold
	TotalAmount int64
}

// Service applies booking transitions.
type Service struct {
	store    Store
	seats    SeatReleaser
	holds    HoldVerifier
	notifier Notifier
	log      logrus.FieldLogger
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier sets the side-effect sink for applied transitions.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithSeatReleaser releases holds when a booking becomes terminal.
func WithSeatReleaser(r SeatReleaser) Option {
	return func(s *Service) { s.seats = r }
}

// WithHoldVerifier checks holds against the lock store in Create.
func WithHoldVerifier(v HoldVerifier) Option {
	return func(s *Service) { s.holds = v }
}

// NewService builds a Service over store.
func NewService(store Store, log logrus.FieldLogger, opts ...Option) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Service{
		store: store,
		log:   log.WithField("component", "booking"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a PENDING booking for the seats of a granted hold.  Seat
// ids are normalized first.  With a HoldVerifier every seat must still
// carry the hold, and the booking keeps the expiry recorded by the store.
func (s *Service) Create(ctx context.Context, nb NewBooking) (*Booking, error) {
	h := nb.Hold
	h.ShowtimeID = strings.TrimSpace(h.ShowtimeID)
	h.SeatIDs = seatlock.NormalizeSeats(h.SeatIDs)
	if h.ShowtimeID == "" || len(h.SeatIDs) == 0 {
		return nil, fmt.Errorf("%w: showtime and seats are required", ErrInvalidBooking)
	}
	if nb.TotalAmount < 0 {
		return nil, fmt.Errorf("%w: total amount must not be negative", ErrInvalidBooking)
	}
	now := s.now().UTC()
	if !h.ExpiresAt.After(now) {
		return nil, ErrHoldExpired
	}
	if s.holds != nil {
		verified, err := s.holds.VerifyHold(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSeatsNotHeld, err)
		}
		h.SeatIDs, h.ExpiresAt = verified.SeatIDs, verified.ExpiresAt
	}
	b := &Booking{
		ID:            uuid.NewString(),
		ShowtimeID:    h.ShowtimeID,
		HolderID:      h.HolderID,
		SeatIDs:       append([]string(nil), h.SeatIDs...),
		TotalAmount:   nb.TotalAmount,
		Status:        StatusPending,
		HoldExpiresAt: h.ExpiresAt.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"booking_id":  b.ID,
		"showtime_id": b.ShowtimeID,
		"seats":       b.SeatIDs,
	}).Info("booking created")
	return b, nil
}

// Get returns a booking by id.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// AttachPayment records the provider correlation key of a checkout on a
// PENDING booking.  Re-attaching the same key is a no-op.
func (s *Service) AttachPayment(ctx context.Context, id string, p Provider, key string) (*Booking, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidBooking, p)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidBooking)
	}
	return s.store.Update(ctx, id, func(b *Booking) (bool, error) {
		if b.CorrelationKey(p) == key {
			return false, nil
		}
		if b.Status != StatusPending {
			return false, ErrNotPending
		}
		switch p {
		case ProviderStripe:
			b.StripeSessionID = &key
			b.RazorpayOrderID = nil
		case ProviderRazorpay:
			b.RazorpayOrderID = &key
			b.StripeSessionID = nil
		}
		b.UpdatedAt = s.now().UTC()
		return true, nil
	})
}

// Apply moves the booking correlated to ev according to its outcome.
// Duplicate outcomes are no-ops and conflicting outcomes on terminal
// bookings are logged and left untouched; neither is an error.
func (s *Service) Apply(ctx context.Context, ev PaymentEvent) (Result, error) {
	var target Status
	switch ev.Outcome {
	case OutcomeCaptured:
		target = StatusConfirmed
	case OutcomeFailed:
		target = StatusCancelled
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOutcome, ev.Outcome)
	}

	id, err := s.resolve(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	var tr Transition
	b, err := s.store.Update(ctx, id, func(b *Booking) (bool, error) {
		tr = decide(b.Status, target)
		if tr != TransitionApplied {
			return false, nil
		}
		b.Status = target
		b.UpdatedAt = s.now().UTC()
		if target == StatusConfirmed {
			recordPayment(b, ev)
		} else {
			b.CancelReason = "payment failed"
		}
		return true, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply %s to booking %s: %w", ev.Outcome, id, err)
	}

	res := Result{Booking: *b, Transition: tr}
	fields := logrus.Fields{
		"booking_id": b.ID,
		"provider":   ev.Provider,
		"event_type": ev.EventType,
		"outcome":    ev.Outcome,
		"status":     b.Status,
	}
	switch tr {
	case TransitionApplied:
		s.log.WithFields(fields).Info("booking transition applied")
		s.afterTransition(ctx, *b)
	case TransitionDuplicate:
		s.log.WithFields(fields).Debug("duplicate payment event ignored")
	case TransitionConflict:
		s.log.WithFields(fields).Warn("conflicting payment event for terminal booking; state kept")
	}
	return res, nil
}

// Cancel moves a PENDING booking to CANCELLED.  Cancelled bookings report
// a duplicate and confirmed ones a conflict; neither is changed.
func (s *Service) Cancel(ctx context.Context, id, reason string) (Result, error) {
	var tr Transition
	b, err := s.store.Update(ctx, id, func(b *Booking) (bool, error) {
		tr = decide(b.Status, StatusCancelled)
		if tr != TransitionApplied {
			return false, nil
		}
		b.Status = StatusCancelled
		b.CancelReason = reason
		b.UpdatedAt = s.now().UTC()
		return true, nil
	})
	if err != nil {
		return Result{}, err
	}
	if tr == TransitionApplied {
		s.log.WithFields(logrus.Fields{"booking_id": b.ID, "reason": reason}).Info("booking cancelled")
		s.afterTransition(ctx, *b)
	}
	return Result{Booking: *b, Transition: tr}, nil
}

// PendingBefore lists PENDING bookings created before cutoff.
func (s *Service) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return s.store.PendingBefore(ctx, cutoff, limit)
}

func (s *Service) resolve(ctx context.Context, ev PaymentEvent) (string, error) {
	if ev.CorrelationKey != "" {
		b, err := s.store.FindByCorrelation(ctx, ev.Provider, ev.CorrelationKey)
		if err == nil {
			return b.ID, nil
		}
		if !errors.Is(err, ErrBookingNotFound) {
			return "", fmt.Errorf("find booking by %s reference: %w", ev.Provider, err)
		}
	}
	if ev.BookingID != "" {
		b, err := s.store.Get(ctx, ev.BookingID)
		if err != nil {
			return "", err
		}
		return b.ID, nil
	}
	return "", ErrBookingNotFound
}

func decide(current, target Status) Transition {
	switch {
	case current == target:
		return TransitionDuplicate
	case CanTransition(current, target):
		return TransitionApplied
	default:
		return TransitionConflict
	}
}

func recordPayment(b *Booking, ev PaymentEvent) {
	ref := ev.PaymentRef
	switch ev.Provider {
	case ProviderStripe:
		if ref == "" {
			ref = ev.CorrelationKey
		}
		if ref != "" {
			b.StripeSessionID = &ref
		}
		b.RazorpayOrderID, b.RazorpayPaymentID = nil, nil
	case ProviderRazorpay:
		if ev.CorrelationKey != "" {
			order := ev.CorrelationKey
			b.RazorpayOrderID = &order
		}
		if ref != "" {
			b.RazorpayPaymentID = &ref
		}
		b.StripeSessionID = nil
	}
}

// afterTransition runs the side effects of an applied transition.  Both
// are best effort: failures are logged and never undo the transition.
// Once the booking's hold lapsed its seats are not touched.
func (s *Service) afterTransition(ctx context.Context, b Booking) {
	if s.seats != nil && b.HoldExpiresAt.After(s.now()) {
		s.seats.ReleaseHold(ctx, seatlock.Hold{
			ShowtimeID: b.ShowtimeID,
			SeatIDs:    b.SeatIDs,
			HolderID:   b.HolderID,
			ExpiresAt:  b.HoldExpiresAt,
		})
	}
	if s.notifier == nil {
		return
	}
	var err error
	switch b.Status {
	case StatusConfirmed:
		err = s.notifier.BookingConfirmed(ctx, b)
	case StatusCancelled:
		err = s.notifier.BookingCancelled(ctx, b)
	}
	if err != nil {
		s.log.WithField("booking_id", b.ID).WithError(err).Warn("publish booking event failed")
	}
}
