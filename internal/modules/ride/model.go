// README: Ride aggregate, status definitions and transition table.
package ride

import (
	"time"

	"ridehail/internal/modules/negotiation"
	"ridehail/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusArriving  Status = "arriving"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses are the pre-terminal states; a rider holds at most one ride in them.
var ActiveStatuses = []Status{StatusRequested, StatusAccepted, StatusArriving, StatusStarted}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// AllowedTransitions represents the ride state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusRequested: {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusArriving, StatusCancelled},
	StatusArriving:  {StatusStarted, StatusCancelled},
	StatusStarted:   {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

type ActorType string

const (
	ActorRider  ActorType = "rider"
	ActorDriver ActorType = "driver"
	ActorAdmin  ActorType = "admin"
	ActorSystem ActorType = "system"
)

type Actor struct {
	Type ActorType
	ID   types.ID
}

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPending PaymentStatus = "pending"
)

// Assignment exists once a driver has won the ride and never changes afterwards.
type Assignment struct {
	DriverID      types.ID
	AcceptedPrice types.Money
	AcceptedAt    time.Time
}

type Ride struct {
	ID                 types.ID
	RiderID            types.ID
	Status             Status
	Version            int
	RideType           string
	Pickup             types.Place
	Destination        types.Place
	EstimatedFare      types.Money
	RiderOfferedPrice  *types.Money
	DriverCounterPrice *types.Money
	Assignment         *Assignment
	DistanceKm         float64
	DurationMinutes    int
	PaymentMethod      string
	PaymentStatus      PaymentStatus
	RequestedAt        time.Time
	ArrivedAt          *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancelReason       string
	CancelledBy        ActorType
}

func (r *Ride) DriverID() (types.ID, bool) {
	if r.Assignment == nil {
		return "", false
	}
	return r.Assignment.DriverID, true
}

func (r *Ride) Terms() negotiation.Terms {
	return negotiation.Terms{Estimated: r.EstimatedFare, RiderOffered: r.RiderOfferedPrice}
}

// Clone returns a deep copy so callers can build the next version without
// touching the stored one.
func (r *Ride) Clone() *Ride {
	c := *r
	c.RiderOfferedPrice = cloneMoney(r.RiderOfferedPrice)
	c.DriverCounterPrice = cloneMoney(r.DriverCounterPrice)
	if r.Assignment != nil {
		a := *r.Assignment
		c.Assignment = &a
	}
	c.ArrivedAt = cloneTime(r.ArrivedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

func cloneMoney(m *types.Money) *types.Money {
	if m == nil {
		return nil
	}
	v := *m
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type Event struct {
	ID         int64
	RideID     types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  ActorType
	ActorID    *types.ID
	CreatedAt  time.Time
}
