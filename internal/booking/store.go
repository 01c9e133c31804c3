package booking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists bookings.  Update is the single write path for status
// changes: implementations must hold an exclusive lock on the booking for
// the duration of fn so transitions are linearised per booking id.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	FindByCorrelation(ctx context.Context, p Provider, key string) (*Booking, error)
	// Update loads the booking, passes a copy to fn and persists the copy
	// when fn reports a change.  It returns the booking as stored after
	// the call.  An error from fn aborts the update and is returned as is.
	Update(ctx context.Context, id string, fn func(b *Booking) (bool, error)) (*Booking, error)
	// PendingBefore lists ids of PENDING bookings created before cutoff,
	// oldest first.
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// MemoryStore is an in-process Store for single-instance development and
// tests.  Per-booking mutexes serialize Update; they live only in this
// process, so it does not serve multi-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	bookings map[string]*Booking
	locks    map[string]*sync.Mutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) Create(_ context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return ErrDuplicateBooking
	}
	s.bookings[b.ID] = b.Clone()
	s.locks[b.ID] = &sync.Mutex{}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) FindByCorrelation(_ context.Context, p Provider, key string) (*Booking, error) {
	if key == "" {
		return nil, ErrBookingNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bookings {
		if b.CorrelationKey(p) == key {
			return b.Clone(), nil
		}
	}
	return nil, ErrBookingNotFound
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(b *Booking) (bool, error)) (*Booking, error) {
	s.mu.Lock()
	lock, ok := s.locks[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrBookingNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	current := s.bookings[id].Clone()
	s.mu.Unlock()

	changed, err := fn(current)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for otherID, other := range s.bookings {
		if otherID == id {
			continue
		}
		if clashes(other, current) {
			return nil, ErrDuplicateBooking
		}
	}
	s.bookings[id] = current.Clone()
	return current, nil
}

func (s *MemoryStore) PendingBefore(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	var stale []*Booking
	for _, b := range s.bookings {
		if b.Status == StatusPending && b.CreatedAt.Before(cutoff) {
			stale = append(stale, b)
		}
	}
	s.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, 0, len(stale))
	for _, b := range stale {
		ids = append(ids, b.ID)
	}
	return ids, nil
}

// clashes mirrors the unique indexes on provider references.
func clashes(a, b *Booking) bool {
	for _, p := range []Provider{ProviderStripe, ProviderRazorpay} {
		if k := a.CorrelationKey(p); k != "" && k == b.CorrelationKey(p) {
			return true
		}
	}
	return false
}
