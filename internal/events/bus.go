// README: Event bus contract shared by the geo index and ride lifecycle.
package events

import (
	"context"
	"errors"
	"time"

	"ridehail/internal/types"
)

const (
	TypeDriverLocation = "driver.location"
	TypeDriverOnline   = "driver.online"
	TypeRideCreated    = "ride.created"
	TypeRideAccepted   = "ride.accepted"
	TypeRideArriving   = "ride.arriving"
	TypeRideStarted    = "ride.started"
	TypeRideCompleted  = "ride.completed"
	TypeRideCancelled  = "ride.cancelled"
	TypeOfferIssued    = "offer.issued"
	TypeOffersCleared  = "offer.cleared"

	// All subscribes to every event type.
	All = "*"
)

var (
	ErrClosed = errors.New("event bus closed")
	ErrFull   = errors.New("event bus queue full")
)

type Event struct {
	Type     string            `json:"type"`
	RideID   types.ID          `json:"rideId,omitempty"`
	DriverID types.ID          `json:"driverId,omitempty"`
	At       time.Time         `json:"at"`
	Data     map[string]string `json:"data,omitempty"`
}

type Handler func(Event)

// Bus delivers events to subscribers registered for a type (or All).
// Delivery is at-most-once and asynchronous; no caller may rely on it for correctness.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(eventType string, h Handler) (unsubscribe func(), err error)
}

// Nop drops everything. Useful for tests and for wiring without a bus.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Subscribe(string, Handler) (func(), error) { return func() {}, nil }
