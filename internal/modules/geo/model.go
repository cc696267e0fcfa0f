// README: Driver status, location and nearby-query types for the geo index.
package geo

import (
	"context"
	"errors"
	"time"

	"ridehail/internal/types"
)

type Eligibility string

const (
	EligibilityPending  Eligibility = "pending"
	EligibilityApproved Eligibility = "approved"
	EligibilityRejected Eligibility = "rejected"
	EligibilityBlocked  Eligibility = "blocked"
)

func (e Eligibility) Valid() bool {
	switch e {
	case EligibilityPending, EligibilityApproved, EligibilityRejected, EligibilityBlocked:
		return true
	}
	return false
}

// DefaultFreshness is how long a location sample counts as present.
const DefaultFreshness = 5 * time.Minute

var (
	ErrNotFound    = errors.New("driver not found")
	ErrBadRequest  = errors.New("bad request")
	ErrDriverBusy  = errors.New("driver already holds a ride")
	ErrNotEligible = errors.New("driver not approved")
)

type DriverStatus struct {
	DriverID      types.ID    `json:"driverId"`
	Eligibility   Eligibility `json:"eligibility"`
	Online        bool        `json:"online"`
	CurrentRideID *types.ID   `json:"currentRideId,omitempty"`
	Rating        float64     `json:"rating,omitempty"`
	Vehicle       string      `json:"vehicle,omitempty"`
}

type DriverLocation struct {
	DriverID  types.ID  `json:"driverId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (l DriverLocation) Point() types.Point { return types.Point{Lat: l.Lat, Lng: l.Lng} }

// LocationUpdate is one sample of a driver's own position stream.
type LocationUpdate struct {
	DriverID types.ID
	Lat      float64
	Lng      float64
	Heading  float64
	Speed    float64
	At       time.Time
}

type Profile struct {
	Rating  float64
	Vehicle string
}

type Query struct {
	Center   types.Point
	RadiusKm float64
	Limit    int // <= 0 means no limit
	Now      time.Time
}

type Nearby struct {
	DriverID   types.ID
	Position   types.Point
	DistanceKm float64
	UpdatedAt  time.Time
	Rating     float64
	Vehicle    string
}

// Index is the driver position set. Query excludes drivers that are offline,
// not approved, holding a ride, or whose last sample is older than the
// freshness window.
type Index interface {
	UpsertLocation(ctx context.Context, u LocationUpdate) error
	SetOnline(ctx context.Context, driverID types.ID, online bool) error
	SetEligibility(ctx context.Context, driverID types.ID, e Eligibility) error
	SetProfile(ctx context.Context, driverID types.ID, p Profile) error
	Query(ctx context.Context, q Query) ([]Nearby, error)

	// AssignRide claims the driver for rideID. claimed reports whether this
	// call created the claim; re-claiming the ride already held returns
	// false with no error. Any other held ride yields ErrDriverBusy.
	AssignRide(ctx context.Context, driverID, rideID types.ID) (claimed bool, err error)
	// ReleaseRide clears the claim only if the driver still holds rideID.
	ReleaseRide(ctx context.Context, driverID, rideID types.ID) error

	Status(ctx context.Context, driverID types.ID) (DriverStatus, error)
	Location(ctx context.Context, driverID types.ID) (DriverLocation, error)
}

func eligibleAt(st DriverStatus, loc *DriverLocation, now time.Time, freshness time.Duration) bool {
	if !st.Online || st.Eligibility != EligibilityApproved || st.CurrentRideID != nil {
		return false
	}
	if loc == nil || loc.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(loc.UpdatedAt) <= freshness
}

// lessNearby orders by distance, then by the fresher sample.
func lessNearby(a, b Nearby) bool {
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.DriverID < b.DriverID
}
