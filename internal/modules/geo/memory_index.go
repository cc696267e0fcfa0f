// README: In-memory driver index; geohash cells narrow the scan for nearby queries.
package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"ridehail/internal/types"
)

// cellPrecision 4 gives cells of roughly 39x19 km at the equator, so the 3x3
// block around a pickup covers the default 15 km radius.
const cellPrecision = 4

const kmPerDegree = types.EarthRadiusKm * math.Pi / 180

type memDriver struct {
	status DriverStatus
	loc    *DriverLocation
	cell   string
}

type MemoryIndex struct {
	freshness time.Duration

	mu      sync.RWMutex
	drivers map[types.ID]*memDriver
	cells   map[string]map[types.ID]struct{}
}

func NewMemoryIndex(freshness time.Duration) *MemoryIndex {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &MemoryIndex{
		freshness: freshness,
		drivers:   make(map[types.ID]*memDriver),
		cells:     make(map[string]map[types.ID]struct{}),
	}
}

func (m *MemoryIndex) driver(id types.ID) *memDriver {
	d, ok := m.drivers[id]
	if !ok {
		d = &memDriver{status: DriverStatus{DriverID: id, Eligibility: EligibilityPending}}
		m.drivers[id] = d
	}
	return d
}

func (m *MemoryIndex) UpsertLocation(_ context.Context, u LocationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.driver(u.DriverID)
	cell := geohash.EncodeWithPrecision(u.Lat, u.Lng, cellPrecision)
	if d.cell != cell {
		if d.cell != "" {
			delete(m.cells[d.cell], u.DriverID)
			if len(m.cells[d.cell]) == 0 {
				delete(m.cells, d.cell)
			}
		}
		if m.cells[cell] == nil {
			m.cells[cell] = make(map[types.ID]struct{})
		}
		m.cells[cell][u.DriverID] = struct{}{}
		d.cell = cell
	}
	d.loc = &DriverLocation{
		DriverID:  u.DriverID,
		Lat:       u.Lat,
		Lng:       u.Lng,
		Heading:   u.Heading,
		Speed:     u.Speed,
		UpdatedAt: u.At,
	}
	return nil
}

func (m *MemoryIndex) SetOnline(_ context.Context, driverID types.ID, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driver(driverID).status.Online = online
	return nil
}

func (m *MemoryIndex) SetEligibility(_ context.Context, driverID types.ID, e Eligibility) error {
	if !e.Valid() {
		return ErrBadRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driver(driverID).status.Eligibility = e
	return nil
}

func (m *MemoryIndex) SetProfile(_ context.Context, driverID types.ID, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.driver(driverID)
	d.status.Rating = p.Rating
	d.status.Vehicle = p.Vehicle
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, q Query) ([]Nearby, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Nearby{}
	consider := func(d *memDriver) {
		if !eligibleAt(d.status, d.loc, q.Now, m.freshness) {
			return
		}
		dist := types.HaversineKm(q.Center, d.loc.Point())
		if dist > q.RadiusKm {
			return
		}
		out = append(out, Nearby{
			DriverID:   d.status.DriverID,
			Position:   d.loc.Point(),
			DistanceKm: dist,
			UpdatedAt:  d.loc.UpdatedAt,
			Rating:     d.status.Rating,
			Vehicle:    d.status.Vehicle,
		})
	}

	if cells, ok := coveringCells(q.Center, q.RadiusKm); ok {
		for _, c := range cells {
			for id := range m.cells[c] {
				consider(m.drivers[id])
			}
		}
	} else {
		for _, d := range m.drivers {
			consider(d)
		}
	}

	sort.Slice(out, func(i, j int) bool { return lessNearby(out[i], out[j]) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// coveringCells returns the center cell and its neighbours when that block is
// guaranteed to contain every point within radiusKm. ok is false otherwise and
// the caller must scan everything.
func coveringCells(center types.Point, radiusKm float64) ([]string, bool) {
	hash := geohash.EncodeWithPrecision(center.Lat, center.Lng, cellPrecision)
	box := geohash.BoundingBox(hash)

	// the ring extends one full cell beyond the center cell on every side
	heightKm := (box.MaxLat - box.MinLat) * kmPerDegree
	maxAbsLat := math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat)) + (box.MaxLat - box.MinLat)
	if maxAbsLat >= 90 {
		return nil, false
	}
	widthKm := (box.MaxLng - box.MinLng) * kmPerDegree * math.Cos(maxAbsLat*math.Pi/180)
	// great-circle distance to a meridian is slightly shorter than along the parallel
	if radiusKm > 0.95*math.Min(heightKm, widthKm) {
		return nil, false
	}
	return append([]string{hash}, geohash.Neighbors(hash)...), true
}

func (m *MemoryIndex) AssignRide(_ context.Context, driverID, rideID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return false, ErrNotFound
	}
	if d.status.Eligibility != EligibilityApproved {
		return false, ErrNotEligible
	}
	if cur := d.status.CurrentRideID; cur != nil {
		if *cur == rideID {
			return false, nil
		}
		return false, ErrDriverBusy
	}
	id := rideID
	d.status.CurrentRideID = &id
	return true, nil
}

func (m *MemoryIndex) ReleaseRide(_ context.Context, driverID, rideID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return nil
	}
	if cur := d.status.CurrentRideID; cur != nil && *cur == rideID {
		d.status.CurrentRideID = nil
	}
	return nil
}

func (m *MemoryIndex) Status(_ context.Context, driverID types.ID) (DriverStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return DriverStatus{}, ErrNotFound
	}
	st := d.status
	if st.CurrentRideID != nil {
		id := *st.CurrentRideID
		st.CurrentRideID = &id
	}
	return st, nil
}

func (m *MemoryIndex) Location(_ context.Context, driverID types.ID) (DriverLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok || d.loc == nil {
		return DriverLocation{}, ErrNotFound
	}
	return *d.loc, nil
}
