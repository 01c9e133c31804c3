package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/cinema-seat-booking/internal/booking"
)

// Publisher delivers an encoded event to a broker destination.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, body []byte) error
	Close() error
}

// NopPublisher drops every event.  It is used when no broker is
// configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, []byte) error { return nil }
func (NopPublisher) Close() error                                          { return nil }

// Notifier turns booking transitions into broker events.  It satisfies
// booking.Notifier.
type Notifier struct {
	pub Publisher
	log logrus.FieldLogger
	now func() time.Time
}

var _ booking.Notifier = (*Notifier)(nil)

// NewNotifier wraps pub.
func NewNotifier(pub Publisher, log logrus.FieldLogger) *Notifier {
	if pub == nil {
		pub = NopPublisher{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Notifier{pub: pub, log: log.WithField("component", "events"), now: time.Now}
}

func (n *Notifier) BookingConfirmed(ctx context.Context, b booking.Booking) error {
	return n.publish(ctx, TopicBookingConfirmed, b)
}

func (n *Notifier) BookingCancelled(ctx context.Context, b booking.Booking) error {
	return n.publish(ctx, TopicBookingCancelled, b)
}

// publish keys messages by booking id so a partitioned broker keeps the
// events of one booking in order.
func (n *Notifier) publish(ctx context.Context, topic string, b booking.Booking) error {
	ev := NewBookingEvent(topic, b, n.now())
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	if err := n.pub.Publish(ctx, topic, b.ID, body); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	n.log.WithFields(logrus.Fields{"topic": topic, "booking_id": b.ID, "event_id": ev.EventID}).Debug("event published")
	return nil
}
