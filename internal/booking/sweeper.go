package booking

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper cancels bookings that stayed PENDING longer than MaxPending.
// Seat availability never depends on it: the hold expiry already frees
// the seats.  It only keeps abandoned rows out of the PENDING set.
type Sweeper struct {
	Service    *Service
	Interval   time.Duration
	MaxPending time.Duration
	BatchSize  int
	Log        logrus.FieldLogger
	Now        func() time.Time
}

// Run sweeps every Interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger().WithField("interval", interval.String()).Info("pending booking sweeper started")
	for {
		select {
		case <-ctx.Done():
			w.logger().Info("pending booking sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil {
				w.logger().WithError(err).Warn("sweep failed")
			}
		}
	}
}

// SweepOnce cancels one batch of stale PENDING bookings and returns how
// many were cancelled by this call.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	limit := w.BatchSize
	if limit <= 0 {
		limit = 100
	}
	cutoff := now().UTC().Add(-w.MaxPending)
	ids, err := w.Service.PendingBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, id := range ids {
		res, err := w.Service.Cancel(ctx, id, "payment timeout")
		if err != nil {
			w.logger().WithField("booking_id", id).WithError(err).Warn("cancel stale booking failed")
			continue
		}
		if res.Transition == TransitionApplied {
			cancelled++
		}
	}
	if cancelled > 0 {
		w.logger().WithField("count", cancelled).Info("stale pending bookings cancelled")
	}
	return cancelled, nil
}

func (w *Sweeper) logger() logrus.FieldLogger {
	if w.Log == nil {
		return logrus.StandardLogger()
	}
	return w.Log
}
