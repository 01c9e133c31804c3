package seatlock

import (
	"context"
	"time"
)

// Store is the shared hold table.  Each showtime owns one hash of
// seat id -> absolute expiry (epoch milliseconds) with an overall key TTL.
type Store interface {
	// Acquire checks every seat against now and, only when none is held,
	// writes expiresAt for all of them and resets the key TTL.  The check and
	// the write must be atomic per showtime.  A non-empty result lists the
	// seats that were already held; nothing is written in that case.
	Acquire(ctx context.Context, showtimeID string, seatIDs []string, now, expiresAt time.Time, keyTTL time.Duration) ([]string, error)
	// Release removes the given seat entries.  Absent entries are ignored.
	Release(ctx context.Context, showtimeID string, seatIDs []string) error
	// ReleaseHold removes only the entries whose recorded expiry still
	// equals expiresAt, leaving seats re-acquired by anyone else untouched.
	ReleaseHold(ctx context.Context, showtimeID string, seatIDs []string, expiresAt time.Time) error
	// Expiries returns every recorded seat expiry for a showtime.
	Expiries(ctx context.Context, showtimeID string) (map[string]int64, error)
}

// NoopStore is the fail-open stub used when no shared store is configured:
// every acquire is granted and nothing is ever held.
type NoopStore struct{}

func (NoopStore) Acquire(context.Context, string, []string, time.Time, time.Time, time.Duration) ([]string, error) {
	return nil, nil
}

func (NoopStore) Release(context.Context, string, []string) error { return nil }

func (NoopStore) ReleaseHold(context.Context, string, []string, time.Time) error { return nil }

func (NoopStore) Expiries(context.Context, string) (map[string]int64, error) {
	return map[string]int64{}, nil
}
