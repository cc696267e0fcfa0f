// README: Ride store contract and the in-memory implementation.
package ride

import (
	"context"
	"sort"
	"sync"

	"ridehail/internal/types"
)

// Store persists rides. UpdateStatus is the only write path after creation:
// it replaces the record with next only when the stored status equals from,
// the stored version equals version and any stored assignment is unchanged.
// It reports false, with no error, when that condition does not hold.
type Store interface {
	// Create fails with ErrActiveRide if the rider already has a pre-terminal ride.
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	UpdateStatus(ctx context.Context, next *Ride, from Status, version int) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, rideID types.ID) ([]Event, error)
}

type MemoryStore struct {
	mu          sync.Mutex
	rides       map[types.ID]*Ride
	activeRider map[types.ID]types.ID
	events      map[types.ID][]Event
	nextEventID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:       make(map[types.ID]*Ride),
		activeRider: make(map[types.ID]types.ID),
		events:      make(map[types.ID][]Event),
	}
}

func (s *MemoryStore) Create(_ context.Context, r *Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeRider[r.RiderID]; ok {
		return ErrActiveRide
	}
	if _, ok := s.rides[r.ID]; ok {
		return ErrConflict
	}
	s.rides[r.ID] = r.Clone()
	s.activeRider[r.RiderID] = r.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, next *Ride, from Status, version int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rides[next.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != from || cur.Version != version {
		return false, nil
	}
	if !sameAssignment(cur.Assignment, next.Assignment) {
		return false, nil
	}
	s.rides[next.ID] = next.Clone()
	if next.Status.Terminal() && s.activeRider[cur.RiderID] == cur.ID {
		delete(s.activeRider, cur.RiderID)
	}
	return true, nil
}

// sameAssignment allows setting an assignment once; after that it must not change.
func sameAssignment(cur, next *Assignment) bool {
	if cur == nil {
		return true
	}
	if next == nil {
		return false
	}
	return cur.DriverID == next.DriverID &&
		cur.AcceptedPrice == next.AcceptedPrice &&
		cur.AcceptedAt.Equal(next.AcceptedAt)
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	ev := *e
	ev.ID = s.nextEventID
	s.events[e.RideID] = append(s.events[e.RideID], ev)
	return nil
}

func (s *MemoryStore) Events(_ context.Context, rideID types.ID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Event(nil), s.events[rideID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
