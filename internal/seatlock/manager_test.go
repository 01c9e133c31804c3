package seatlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newRedisManager(t *testing.T) (*Manager, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := newFakeClock()
	log, _ := logtest.NewNullLogger()
	m := NewManager(NewRedisStore(rdb), log, Options{Now: clock.Now, KeyTTL: time.Hour})
	return m, clock, mr
}

func TestAcquireGrantsAndListsHeld(t *testing.T) {
	m, clock, _ := newRedisManager(t)
	ctx := context.Background()

	hold, err := m.Acquire(ctx, "S1", []string{"A1", "A2"}, "h1", 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, []string{"A1", "A2"}, hold.SeatIDs)
	assert.Equal(t, clock.Now().Add(10*time.Second), hold.ExpiresAt)
	assert.False(t, hold.Degraded)
	assert.Equal(t, []string{"A1", "A2"}, m.ListHeld(ctx, "S1"))
}

func TestAcquireRejectsOverlappingHold(t *testing.T) {
	m, clock, _ := newRedisManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "S1", []string{"A1", "A2"}, "h1", 10*time.Second)
	require.NoError(t, err)

	clock.Advance(9 * time.Second)
	_, err = m.Acquire(ctx, "S1", []string{"A2", "A3"}, "h2", 10*time.Second)

	require.ErrorIs(t, err, ErrSeatsUnavailable)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []string{"A2"}, unavailable.Seats)
}

func TestAcquireIsAllOrNothing(t *testing.T) {
	m, _, _ := newRedisManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "S1", []string{"y"}, "h1", 10*time.Second)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "S1", []string{"x", "y"}, "h2", 10*time.Second)
	require.ErrorIs(t, err, ErrSeatsUnavailable)

	assert.Equal(t, []string{"y"}, m.ListHeld(ctx, "S1"), "x must not be partially granted")
}

func TestHoldExpiresAfterDuration(t *testing.T) {
	m, clock, _ := newRedisManager(t)
	ctx := context.Background()
	start := clock.Now()

	_, err := m.Acquire(ctx, "S1", []string{"x"}, "h1", time.Second)
	require.NoError(t, err)

	assert.Equal(t, []string{"x"}, m.HeldAt(ctx, "S1", start.Add(999*time.Millisecond)))
	assert.Empty(t, m.HeldAt(ctx, "S1", start.Add(1001*time.Millisecond)))

	clock.Advance(1001 * time.Millisecond)
	_, err = m.Acquire(ctx, "S1", []string{"x"}, "h2", 0)
	assert.NoError(t, err)
}

func TestAcquireSetsKeyTTLAndPrunesExpired(t *testing.T) {
	m, clock, mr := newRedisManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "S1", []string{"old"}, "h1", time.Second)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	_, err = m.Acquire(ctx, "S1", []string{"new"}, "h2", time.Second)
	require.NoError(t, err)

	assert.Equal(t, time.Hour, mr.TTL("seatlock:S1"))
	assert.Empty(t, mr.HGet("seatlock:S1", "old"), "expired field should be pruned")
	assert.NotEmpty(t, mr.HGet("seatlock:S1", "new"))
}

func TestAcquireClampsAndDefaultsDuration(t *testing.T) {
	m, clock, _ := newRedisManager(t)
	ctx := context.Background()

	hold, err := m.Acquire(ctx, "S1", []string{"a"}, "h1", 0)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Second), hold.ExpiresAt)

	hold, err = m.Acquire(ctx, "S1", []string{"b"}, "h1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(15*time.Minute), hold.ExpiresAt)
}

func TestAcquireValidatesInput(t *testing.T) {
	m, _, _ := newRedisManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "S1", nil, "h1", time.Second)
	assert.ErrorIs(t, err, ErrNoSeats)

	_, err = m.Acquire(ctx, "S1", []string{" ", ""}, "h1", time.Second)
	assert.ErrorIs(t, err, ErrNoSeats)

	_, err = m.Acquire(ctx, "S1", []string{"a"}, "h1", -time.Second)
	assert.ErrorIs(t, err, ErrInvalidHold)

	hold, err := m.Acquire(ctx, "S1", []string{"a", " a ", "b", "a"}, "h1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, hold.SeatIDs)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _, _ := newRedisManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "S1", []string{"A1", "A2"}, "h1", 10*time.Second)
	require.NoError(t, err)

	m.Release(ctx, "S1", []string{"A1", "A2"})
	m.Release(ctx, "S1", []string{"A1", "A2"})
	m.Release(ctx, "unknown", []string{"Z9"})

	assert.Empty(t, m.ListHeld(ctx, "S1"))
	_, err = m.Acquire(ctx, "S1", []string{"A1"}, "h2", time.Second)
	assert.NoError(t, err)
}

func TestShowtimesAreIndependent(t *testing.T) {
	m, _, _ := newRedisManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "S1", []string{"A1"}, "h1", 10*time.Second)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "S2", []string{"A1"}, "h2", 10*time.Second)
	assert.NoError(t, err)
}

func TestConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	m, _, _ := newRedisManager(t)
	ctx := context.Background()

	var granted, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Acquire(ctx, "S1", []string{"B7", "B8"}, "holder", 10*time.Second)
			switch {
			case err == nil:
				atomic.AddInt32(&granted, 1)
			case errors.Is(err, ErrSeatsUnavailable):
				atomic.AddInt32(&rejected, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, granted)
	assert.EqualValues(t, 24, rejected)
}

func TestFailOpenWhenStoreFails(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	log, hook := logtest.NewNullLogger()
	clock := newFakeClock()
	m := NewManager(NewRedisStore(rdb), log, Options{Now: clock.Now, Timeout: 100 * time.Millisecond})
	ctx := context.Background()

	require.True(t, m.Configured())

	hold, err := m.Acquire(ctx, "S1", []string{"A1"}, "h1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, hold.Degraded)
	assert.Equal(t, clock.Now().Add(5*time.Second), hold.ExpiresAt)

	mock.ExpectHDel("seatlock:S1", "A1").SetErr(errors.New("connection refused"))
	m.Release(ctx, "S1", []string{"A1"})

	mock.ExpectHGetAll("seatlock:S1").SetErr(errors.New("connection refused"))
	assert.Empty(t, m.ListHeld(ctx, "S1"))

	require.NotEmpty(t, hook.AllEntries())
	for _, e := range hook.AllEntries() {
		assert.Equal(t, logrus.WarnLevel, e.Level)
		assert.Equal(t, "lock store failing; continuing fail-open", e.Message)
	}
}

func TestNotConfiguredStoreGrantsEverything(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	m := NewManager(nil, log, Options{})
	ctx := context.Background()

	assert.False(t, m.Configured())
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Contains(t, hook.LastEntry().Message, "not configured")

	for i := 0; i < 3; i++ {
		hold, err := m.Acquire(ctx, "S1", []string{"A1"}, "h", time.Second)
		require.NoError(t, err)
		assert.True(t, hold.Degraded)
	}
	m.Release(ctx, "S1", []string{"A1"})
	assert.Empty(t, m.ListHeld(ctx, "S1"))
	assert.Len(t, hook.AllEntries(), 1, "no per-call logging when the store is absent")
}

func TestNoopStoreIsNotConfigured(t *testing.T) {
	m := NewManager(NoopStore{}, logrus.New(), Options{})
	assert.False(t, m.Configured())
}

func TestReleaseHoldLeavesReacquiredSeats(t *testing.T) {
	m, clock, _ := newRedisManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "S1", []string{"A1", "A2"}, "h1", time.Minute)
	require.NoError(t, err)
	m.Release(ctx, "S1", []string{"A1"})
	clock.Advance(time.Second)
	_, err = m.Acquire(ctx, "S1", []string{"A1"}, "h2", time.Minute)
	require.NoError(t, err)

	m.ReleaseHold(ctx, first)
	assert.Equal(t, []string{"A1"}, m.ListHeld(ctx, "S1"))

	_, err = m.Acquire(ctx, "S1", []string{"A1"}, "h3", time.Minute)
	assert.ErrorIs(t, err, ErrSeatsUnavailable)
	_, err = m.Acquire(ctx, "S1", []string{"A2"}, "h3", time.Minute)
	assert.NoError(t, err)
}

func TestReleaseHoldIgnoresLapsedHold(t *testing.T) {
	m, clock, _ := newRedisManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "S1", []string{"A1"}, "h1", 10*time.Second)
	require.NoError(t, err)
	clock.Advance(11 * time.Second)
	_, err = m.Acquire(ctx, "S1", []string{"A1"}, "h2", 10*time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	m.ReleaseHold(ctx, first)
	m.ReleaseHold(ctx, Hold{ShowtimeID: "S1", SeatIDs: []string{"A1"}})

	_, err = m.Acquire(ctx, "S1", []string{"A1"}, "h3", time.Minute)
	assert.ErrorIs(t, err, ErrSeatsUnavailable)
}

func TestVerifyHold(t *testing.T) {
	m, clock, _ := newRedisManager(t)
	ctx := context.Background()

	hold, err := m.Acquire(ctx, "S1", []string{"A1", "A2"}, "h1", time.Minute)
	require.NoError(t, err)

	got, err := m.VerifyHold(ctx, Hold{ShowtimeID: "S1", SeatIDs: []string{"A2", " A1", "A2"}, ExpiresAt: hold.ExpiresAt})
	require.NoError(t, err)
	assert.Equal(t, []string{"A2", "A1"}, got.SeatIDs)
	assert.Equal(t, hold.ExpiresAt.UnixMilli(), got.ExpiresAt.UnixMilli())
	assert.False(t, got.Degraded)

	_, err = m.VerifyHold(ctx, Hold{ShowtimeID: "S1", SeatIDs: []string{"A1", "A3"}, ExpiresAt: hold.ExpiresAt})
	require.ErrorIs(t, err, ErrHoldNotHeld)
	assert.Contains(t, err.Error(), "A3")

	_, err = m.VerifyHold(ctx, Hold{ShowtimeID: "S1", SeatIDs: []string{"A1"}, ExpiresAt: hold.ExpiresAt.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrHoldNotHeld)

	_, err = m.VerifyHold(ctx, Hold{ShowtimeID: "S1", SeatIDs: []string{""}, ExpiresAt: hold.ExpiresAt})
	assert.ErrorIs(t, err, ErrNoSeats)

	clock.Advance(time.Minute)
	_, err = m.VerifyHold(ctx, hold)
	assert.ErrorIs(t, err, ErrHoldNotHeld)
}

func TestVerifyHoldWithoutStore(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	m := NewManager(nil, log, Options{})
	exp := time.Date(2026, 3, 14, 18, 1, 0, 0, time.UTC)

	got, err := m.VerifyHold(context.Background(), Hold{ShowtimeID: "S1", SeatIDs: []string{"A1"}, ExpiresAt: exp})
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Equal(t, exp, got.ExpiresAt)
}

// outageStore fails its first n calls, then delegates.
type outageStore struct {
	Store
	left atomic.Int32
}

func (s *outageStore) down() bool { return s.left.Add(-1) >= 0 }

func (s *outageStore) Acquire(ctx context.Context, showtimeID string, seatIDs []string, now, expiresAt time.Time, keyTTL time.Duration) ([]string, error) {
	if s.down() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return s.Store.Acquire(ctx, showtimeID, seatIDs, now, expiresAt, keyTTL)
}

func TestStoreRecoversAfterStartupOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := &outageStore{Store: NewRedisStore(rdb)}
	store.left.Store(1)

	clock := newFakeClock()
	log, hook := logtest.NewNullLogger()
	m := NewManager(store, log, Options{Now: clock.Now, KeyTTL: time.Hour})
	ctx := context.Background()
	require.True(t, m.Configured())

	hold, err := m.Acquire(ctx, "S1", []string{"A1"}, "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, hold.Degraded)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "lock store failing; continuing fail-open", hook.LastEntry().Message)

	hold, err = m.Acquire(ctx, "S1", []string{"A1"}, "h1", time.Minute)
	require.NoError(t, err)
	assert.False(t, hold.Degraded)

	_, err = m.Acquire(ctx, "S1", []string{"A1"}, "h2", time.Minute)
	assert.ErrorIs(t, err, ErrSeatsUnavailable)
}
