// Package queue defines the booking lifecycle events exchanged over the
// message broker, the publishers that emit them and the consumer that
// records them.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/cinema-seat-booking/internal/booking"
)

// Queue (RabbitMQ) and topic (Kafka) names.
const (
	TopicBookingConfirmed = "booking.confirmed"
	TopicBookingCancelled = "booking.cancelled"
)

// BookingEvent is published after a booking reached a terminal state.  It
// carries enough for downstream consumers to log, notify or run analytics
// without querying the primary database.
type BookingEvent struct {
	EventID      string   `json:"event_id"`
	Type         string   `json:"type"`
	BookingID    string   `json:"booking_id"`
	ShowtimeID   string   `json:"showtime_id"`
	HolderID     string   `json:"holder_id,omitempty"`
	SeatIDs      []string `json:"seats"`
	TotalAmount  int64    `json:"total_amount"`
	Status       string   `json:"status"`
	Provider     string   `json:"provider,omitempty"`
	PaymentRef   string   `json:"payment_ref,omitempty"`
	CancelReason string   `json:"cancel_reason,omitempty"`
	OccurredAt   string   `json:"occurred_at"`
}

// NewBookingEvent snapshots b for topic.
func NewBookingEvent(topic string, b booking.Booking, at time.Time) BookingEvent {
	ev := BookingEvent{
		EventID:      uuid.NewString(),
		Type:         topic,
		BookingID:    b.ID,
		ShowtimeID:   b.ShowtimeID,
		HolderID:     b.HolderID,
		SeatIDs:      append([]string{}, b.SeatIDs...),
		TotalAmount:  b.TotalAmount,
		Status:       string(b.Status),
		CancelReason: b.CancelReason,
		OccurredAt:   at.UTC().Format(time.RFC3339),
	}
	switch {
	case b.StripeSessionID != nil:
		ev.Provider = string(booking.ProviderStripe)
		ev.PaymentRef = *b.StripeSessionID
	case b.RazorpayPaymentID != nil:
		ev.Provider = string(booking.ProviderRazorpay)
		ev.PaymentRef = *b.RazorpayPaymentID
	case b.RazorpayOrderID != nil:
		ev.Provider = string(booking.ProviderRazorpay)
		ev.PaymentRef = *b.RazorpayOrderID
	}
	return ev
}
