// README: Dispatch model: time-bounded driver offers and the notification payload.
package dispatch

import (
	"errors"
	"time"

	"ridehail/internal/types"
)

const (
	DefaultRadiusKm   = 15.0
	DefaultCandidates = 10
	DefaultOfferTTL   = 60 * time.Second

	NotificationType = "RIDE_REQUEST"
)

var (
	ErrNoOffer      = errors.New("no offer for this driver")
	ErrOfferExpired = errors.New("offer expired")
	ErrRideNotOpen  = errors.New("ride is not open for dispatch")
	ErrBadRequest   = errors.New("bad request")
)

// Offer is identified by (RideID, DriverID). Price is the snapshot shown to the
// driver at issue time.
type Offer struct {
	RideID        types.ID    `json:"rideId"`
	DriverID      types.ID    `json:"driverId"`
	Pickup        types.Place `json:"pickup"`
	Destination   types.Place `json:"destination"`
	Price         types.Money `json:"price"`
	EstimatedFare types.Money `json:"estimatedFare"`
	DistanceKm    float64     `json:"distanceKm"`
	EtaMinutes    int         `json:"etaMinutes"`
	IssuedAt      time.Time   `json:"issuedAt"`
	ExpiresAt     time.Time   `json:"expiresAt"`
}

// Expired reports whether the deadline has passed at now.
func (o Offer) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

func (o Offer) TTL() time.Duration {
	return o.ExpiresAt.Sub(o.IssuedAt)
}

type Notification struct {
	DriverID      types.ID    `json:"driverId"`
	Type          string      `json:"type"`
	RideID        types.ID    `json:"rideId"`
	PickupAddress string      `json:"pickupAddress"`
	Price         types.Money `json:"price"`
}

func notificationFor(o Offer) Notification {
	return Notification{
		DriverID:      o.DriverID,
		Type:          NotificationType,
		RideID:        o.RideID,
		PickupAddress: o.Pickup.Address,
		Price:         o.Price,
	}
}
