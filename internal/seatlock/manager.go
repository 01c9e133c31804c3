// Package seatlock answers "is this seat held by someone mid-checkout".
// Holds are time-boxed, granted all-or-nothing per request, and degrade to
// fail-open whenever the shared store is absent or failing.
package seatlock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrSeatsUnavailable is returned when at least one requested seat is
// currently held.  Use errors.As with *UnavailableError for the seat list.
var ErrSeatsUnavailable = errors.New("seat already locked")

// ErrNoSeats is returned when a request names no usable seat id.
var ErrNoSeats = errors.New("seat ids are required")

// ErrInvalidHold is returned for a negative hold duration.
var ErrInvalidHold = errors.New("hold duration must be positive")

// ErrHoldNotHeld is returned by VerifyHold when a seat is free or carries
// another hold's expiry.
var ErrHoldNotHeld = errors.New("seats are not held by this hold")

// UnavailableError carries the seats that blocked an acquire.
type UnavailableError struct {
	ShowtimeID string
	Seats      []string
}

func (e *UnavailableError) Error() string {
	return "seat already locked: " + strings.Join(e.Seats, ",")
}

func (e *UnavailableError) Unwrap() error { return ErrSeatsUnavailable }

// Hold is a granted, time-boxed claim on a set of seats.
type Hold struct {
	ShowtimeID string
	SeatIDs    []string
	HolderID   string
	ExpiresAt  time.Time
	// Degraded is set when the hold was granted without consulting the
	// store (not configured, failing or timed out).
	Degraded bool
}

// Options tunes a Manager.  Zero values fall back to the defaults below.
type Options struct {
	DefaultHold time.Duration // used when a request passes zero; default 10s
	MaxHold     time.Duration // requests above are clamped; default 15m
	KeyTTL      time.Duration // per-showtime key expiry; forced to >= 2*MaxHold
	Timeout     time.Duration // budget for each store call; default 3s
	Now         func() time.Time
}

// Manager grants, releases and lists seat holds.
type Manager struct {
	store       Store
	log         logrus.FieldLogger
	now         func() time.Time
	defaultHold time.Duration
	maxHold     time.Duration
	keyTTL      time.Duration
	timeout     time.Duration
	configured  bool
}

// NewManager builds a Manager around store.  A nil store or a NoopStore
// means no shared store is configured; that is logged once here rather
// than on every call.
func NewManager(store Store, log logrus.FieldLogger, opts Options) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	configured := true
	switch store.(type) {
	case nil:
		store = NoopStore{}
		configured = false
	case NoopStore, *NoopStore:
		configured = false
	}
	if opts.DefaultHold <= 0 {
		opts.DefaultHold = 10 * time.Second
	}
	if opts.MaxHold <= 0 {
		opts.MaxHold = 15 * time.Minute
	}
	if opts.MaxHold < opts.DefaultHold {
		opts.MaxHold = opts.DefaultHold
	}
	if opts.KeyTTL < 2*opts.MaxHold {
		opts.KeyTTL = 2 * opts.MaxHold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		store:       store,
		log:         log.WithField("component", "seatlock"),
		now:         opts.Now,
		defaultHold: opts.DefaultHold,
		maxHold:     opts.MaxHold,
		keyTTL:      opts.KeyTTL,
		timeout:     opts.Timeout,
		configured:  configured,
	}
	if !configured {
		m.log.Warn("lock store not configured; seat holds are granted without contention checks")
	}
	return m
}

// Configured reports whether a shared store backs this manager.
func (m *Manager) Configured() bool { return m.configured }

// Acquire grants a hold on every seat in seatIDs for holdDuration, or
// fails with *UnavailableError when any of them is held.  A zero duration
// uses the default hold.  Store failures grant the hold (fail-open).
func (m *Manager) Acquire(ctx context.Context, showtimeID string, seatIDs []string, holderID string, holdDuration time.Duration) (Hold, error) {
	seats := NormalizeSeats(seatIDs)
	if len(seats) == 0 {
		return Hold{}, ErrNoSeats
	}
	if holdDuration < 0 {
		return Hold{}, ErrInvalidHold
	}
	if holdDuration == 0 {
		holdDuration = m.defaultHold
	}
	if holdDuration > m.maxHold {
		holdDuration = m.maxHold
	}

	now := m.now()
	hold := Hold{
		ShowtimeID: showtimeID,
		SeatIDs:    seats,
		HolderID:   holderID,
		ExpiresAt:  now.Add(holdDuration),
		Degraded:   !m.configured,
	}
	if !m.configured {
		return hold, nil
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	taken, err := m.store.Acquire(cctx, showtimeID, seats, now, hold.ExpiresAt, m.keyTTL)
	if err != nil {
		m.storeFailure("acquire", showtimeID, err)
		hold.Degraded = true
		return hold, nil
	}
	if len(taken) > 0 {
		sort.Strings(taken)
		m.log.WithFields(logrus.Fields{
			"showtime_id": showtimeID,
			"holder_id":   holderID,
			"seats":       taken,
		}).Debug("seat hold rejected")
		return Hold{}, &UnavailableError{ShowtimeID: showtimeID, Seats: taken}
	}
	return hold, nil
}

// Release removes the holds on seatIDs.  It never fails; store errors are
// only logged.
func (m *Manager) Release(ctx context.Context, showtimeID string, seatIDs []string) {
	seats := NormalizeSeats(seatIDs)
	if len(seats) == 0 || !m.configured {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.store.Release(cctx, showtimeID, seats); err != nil {
		m.storeFailure("release", showtimeID, err)
	}
}

// ReleaseHold frees the seats of a hold this process granted, but only
// those still carrying its expiry.  A lapsed hold is left alone: its seats
// may already belong to another checkout.
func (m *Manager) ReleaseHold(ctx context.Context, hold Hold) {
	seats := NormalizeSeats(hold.SeatIDs)
	if len(seats) == 0 || !m.configured || hold.ExpiresAt.IsZero() {
		return
	}
	if !hold.ExpiresAt.After(m.now()) {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.store.ReleaseHold(cctx, hold.ShowtimeID, seats, hold.ExpiresAt); err != nil {
		m.storeFailure("release_hold", hold.ShowtimeID, err)
	}
}

// VerifyHold checks that every seat of hold is live in the store with
// exactly the hold's expiry, which the acquire response handed to the
// holder.  The returned hold carries normalized seats and the recorded
// expiry.  Without a working store the hold is returned as given.
func (m *Manager) VerifyHold(ctx context.Context, hold Hold) (Hold, error) {
	hold.SeatIDs = NormalizeSeats(hold.SeatIDs)
	if len(hold.SeatIDs) == 0 {
		return Hold{}, ErrNoSeats
	}
	if !m.configured {
		hold.Degraded = true
		return hold, nil
	}
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	expiries, err := m.store.Expiries(cctx, hold.ShowtimeID)
	if err != nil {
		m.storeFailure("verify", hold.ShowtimeID, err)
		hold.Degraded = true
		return hold, nil
	}

	want := hold.ExpiresAt.UnixMilli()
	now := m.now().UnixMilli()
	var missing []string
	for _, seat := range hold.SeatIDs {
		exp, ok := expiries[seat]
		if !ok || exp <= now || exp != want {
			missing = append(missing, seat)
		}
	}
	if len(missing) > 0 {
		return Hold{}, fmt.Errorf("%w: %s", ErrHoldNotHeld, strings.Join(missing, ","))
	}
	hold.ExpiresAt = time.UnixMilli(want).UTC()
	return hold, nil
}

// ListHeld returns the seats of showtimeID held at the current time.
func (m *Manager) ListHeld(ctx context.Context, showtimeID string) []string {
	return m.HeldAt(ctx, showtimeID, m.now())
}

// HeldAt returns the seats whose recorded expiry is strictly after now,
// sorted.  Store failures yield an empty list.
func (m *Manager) HeldAt(ctx context.Context, showtimeID string, now time.Time) []string {
	held := []string{}
	if !m.configured {
		return held
	}
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	expiries, err := m.store.Expiries(cctx, showtimeID)
	if err != nil {
		m.storeFailure("list", showtimeID, err)
		return held
	}
	cutoff := now.UnixMilli()
	for seat, exp := range expiries {
		if exp > cutoff {
			held = append(held, seat)
		}
	}
	sort.Strings(held)
	return held
}

func (m *Manager) storeFailure(op, showtimeID string, err error) {
	m.log.WithFields(logrus.Fields{
		"op":          op,
		"showtime_id": showtimeID,
	}).WithError(err).Warn("lock store failing; continuing fail-open")
}

// NormalizeSeats trims ids, drops empties and duplicates, keeping order.
func NormalizeSeats(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
