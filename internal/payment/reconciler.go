package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/cinema-seat-booking/internal/booking"
)

// Applier is the state machine side of reconciliation.
type Applier interface {
	Apply(ctx context.Context, ev booking.PaymentEvent) (booking.Result, error)
}

// Ack describes how a verified webhook was handled.  Every Ack is
// acknowledged to the provider with a 2xx.
type Ack struct {
	Event      *booking.PaymentEvent
	Ignored    bool // event type does not drive a transition
	NotFound   bool // no booking matched the correlation key
	Transition booking.Transition
}

// Reconciler verifies provider webhooks and applies them to bookings.
type Reconciler struct {
	providers map[booking.Provider]Provider
	applier   Applier
	log       logrus.FieldLogger
}

// NewReconciler registers providers by name.
func NewReconciler(applier Applier, log logrus.FieldLogger, providers ...Provider) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Reconciler{
		providers: make(map[booking.Provider]Provider, len(providers)),
		applier:   applier,
		log:       log.WithField("component", "payment"),
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Handle processes one webhook delivery.  ErrInvalidSignature and
// ErrMalformedPayload are permanent rejections; any other error is a
// transient failure the provider should retry.
func (r *Reconciler) Handle(ctx context.Context, name booking.Provider, body []byte, header http.Header) (Ack, error) {
	p, ok := r.providers[name]
	if !ok {
		return Ack{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	log := r.log.WithField("provider", name)

	if err := p.Verify(body, header); err != nil {
		log.WithError(err).Warn("webhook signature rejected")
		return Ack{}, err
	}

	ev, err := p.Parse(body, header)
	if err != nil {
		log.WithError(err).Warn("webhook payload rejected")
		return Ack{}, err
	}
	if ev == nil {
		log.Debug("webhook event type ignored")
		return Ack{Ignored: true}, nil
	}
	log = log.WithFields(logrus.Fields{
		"event_type":      ev.EventType,
		"event_id":        ev.EventID,
		"correlation_key": ev.CorrelationKey,
	})

	res, err := r.applier.Apply(ctx, *ev)
	switch {
	case errors.Is(err, booking.ErrBookingNotFound):
		log.Warn("payment event matches no booking; acknowledged")
		return Ack{Event: ev, NotFound: true}, nil
	case err != nil:
		log.WithError(err).Error("apply payment event failed")
		return Ack{Event: ev}, err
	}
	return Ack{Event: ev, Transition: res.Transition}, nil
}
