// README: Offer stores keep outstanding offers indexed by ride and by driver.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"ridehail/internal/types"
)

// OfferStore holds at most one offer per (ride, driver) pair.
type OfferStore interface {
	// Put stores o unless an offer for the pair already exists. It returns the
	// stored offer and whether o was the one written.
	Put(ctx context.Context, o Offer) (Offer, bool, error)
	Get(ctx context.Context, rideID, driverID types.ID) (Offer, error)
	ListByDriver(ctx context.Context, driverID types.ID) ([]Offer, error)
	ListByRide(ctx context.Context, rideID types.ID) ([]Offer, error)
	Delete(ctx context.Context, rideID, driverID types.ID) error
	// DeleteByRide removes every offer for the ride and returns the affected drivers.
	DeleteByRide(ctx context.Context, rideID types.ID) ([]types.ID, error)
	// Sweep drops offers expired at now and reports how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type MemoryOfferStore struct {
	mu       sync.Mutex
	byRide   map[types.ID]map[types.ID]Offer
	byDriver map[types.ID]map[types.ID]struct{}
}

func NewMemoryOfferStore() *MemoryOfferStore {
	return &MemoryOfferStore{
		byRide:   make(map[types.ID]map[types.ID]Offer),
		byDriver: make(map[types.ID]map[types.ID]struct{}),
	}
}

func (s *MemoryOfferStore) Put(_ context.Context, o Offer) (Offer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byRide[o.RideID][o.DriverID]; ok {
		return cur, false, nil
	}
	if s.byRide[o.RideID] == nil {
		s.byRide[o.RideID] = make(map[types.ID]Offer)
	}
	if s.byDriver[o.DriverID] == nil {
		s.byDriver[o.DriverID] = make(map[types.ID]struct{})
	}
	s.byRide[o.RideID][o.DriverID] = o
	s.byDriver[o.DriverID][o.RideID] = struct{}{}
	return o, true, nil
}

func (s *MemoryOfferStore) Get(_ context.Context, rideID, driverID types.ID) (Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byRide[rideID][driverID]
	if !ok {
		return Offer{}, ErrNoOffer
	}
	return o, nil
}

func (s *MemoryOfferStore) ListByDriver(_ context.Context, driverID types.ID) ([]Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Offer, 0, len(s.byDriver[driverID]))
	for rideID := range s.byDriver[driverID] {
		out = append(out, s.byRide[rideID][driverID])
	}
	sortOffers(out)
	return out, nil
}

func (s *MemoryOfferStore) ListByRide(_ context.Context, rideID types.ID) ([]Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Offer, 0, len(s.byRide[rideID]))
	for _, o := range s.byRide[rideID] {
		out = append(out, o)
	}
	sortOffers(out)
	return out, nil
}

func (s *MemoryOfferStore) Delete(_ context.Context, rideID, driverID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(rideID, driverID)
	return nil
}

func (s *MemoryOfferStore) DeleteByRide(_ context.Context, rideID types.ID) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drivers := make([]types.ID, 0, len(s.byRide[rideID]))
	for driverID := range s.byRide[rideID] {
		drivers = append(drivers, driverID)
	}
	for _, driverID := range drivers {
		s.deleteLocked(rideID, driverID)
	}
	sort.Slice(drivers, func(i, j int) bool { return drivers[i] < drivers[j] })
	return drivers, nil
}

func (s *MemoryOfferStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for rideID, offers := range s.byRide {
		for driverID, o := range offers {
			if o.Expired(now) {
				s.deleteLocked(rideID, driverID)
				n++
			}
		}
	}
	return n, nil
}

func (s *MemoryOfferStore) deleteLocked(rideID, driverID types.ID) {
	delete(s.byRide[rideID], driverID)
	if len(s.byRide[rideID]) == 0 {
		delete(s.byRide, rideID)
	}
	delete(s.byDriver[driverID], rideID)
	if len(s.byDriver[driverID]) == 0 {
		delete(s.byDriver, driverID)
	}
}

// sortOffers orders by deadline, soonest first.
func sortOffers(os []Offer) {
	sort.Slice(os, func(i, j int) bool {
		if !os[i].ExpiresAt.Equal(os[j].ExpiresAt) {
			return os[i].ExpiresAt.Before(os[j].ExpiresAt)
		}
		if os[i].RideID != os[j].RideID {
			return os[i].RideID < os[j].RideID
		}
		return os[i].DriverID < os[j].DriverID
	})
}
