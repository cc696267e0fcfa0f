// README: Ride service implements the lifecycle state machine on top of a conditional-write store.
package ride

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"ridehail/internal/events"
	"ridehail/internal/modules/negotiation"
	"ridehail/internal/observability"
	"ridehail/internal/types"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrNotFound     = errors.New("ride not found")
	ErrConflict     = errors.New("ride state conflict")
	ErrActiveRide   = errors.New("rider has active ride")
	ErrBadRequest   = errors.New("bad request")
	ErrForbidden    = errors.New("actor may not change this ride")
)

type Pricing interface {
	Estimate(ctx context.Context, rideType string, distanceKm float64, durationMin int) (types.Money, error)
}

// DriverReleaser clears a driver's hold on a ride once it is over.
type DriverReleaser interface {
	ReleaseRide(ctx context.Context, driverID, rideID types.ID) error
}

// OfferCanceller withdraws outstanding offers for a ride that closed before acceptance.
type OfferCanceller interface {
	OnRideClosed(ctx context.Context, rideID types.ID) error
}

type Deps struct {
	Store   Store
	Ledger  *negotiation.Ledger
	Pricing Pricing
	Drivers DriverReleaser
	Offers  OfferCanceller
	Bus     events.Bus
	Log     logrus.FieldLogger
}

type Options struct {
	Timeout     time.Duration
	AvgSpeedKmh float64
}

type Service struct {
	store   Store
	ledger  *negotiation.Ledger
	pricing Pricing
	drivers DriverReleaser
	offers  OfferCanceller
	bus     events.Bus
	log     logrus.FieldLogger
	opts    Options
	now     func() time.Time
}

func NewService(d Deps, opts Options) *Service {
	if d.Bus == nil {
		d.Bus = events.Nop{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.AvgSpeedKmh <= 0 {
		opts.AvgSpeedKmh = 30
	}
	return &Service{
		store:   d.Store,
		ledger:  d.Ledger,
		pricing: d.Pricing,
		drivers: d.Drivers,
		offers:  d.Offers,
		bus:     d.Bus,
		log:     d.Log,
		opts:    opts,
		now:     time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CreateCommand struct {
	RiderID           types.ID
	Pickup            types.Place
	Destination       types.Place
	RideType          string
	EstimatedFare     *types.Money
	RiderOfferedPrice *types.Money
	PaymentMethod     string
}

type AcceptCommand struct {
	RideID   types.ID
	DriverID types.ID
	Counter  *types.Money
}

type DriverCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type CancelCommand struct {
	RideID types.ID
	Actor  Actor
	Reason string
}

// store calls are bounded; a timeout surfaces as types.ErrUnavailable
func (s *Service) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) && !types.IsUnavailable(err) {
		return types.Unavailable("ride store", err)
	}
	return err
}

func (s *Service) load(ctx context.Context, id types.ID) (*Ride, error) {
	var r *Ride
	err := s.bounded(ctx, func(ctx context.Context) error {
		var err error
		r, err = s.store.Get(ctx, id)
		return err
	})
	return r, err
}

func (s *Service) write(ctx context.Context, next *Ride, from Status, version int) error {
	var ok bool
	err := s.bounded(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.store.UpdateStatus(ctx, next, from, version)
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	observability.RideTransitions.WithLabelValues(string(next.Status)).Inc()
	return nil
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	if cmd.RiderID == "" || !cmd.Pickup.Valid() || !cmd.Destination.Valid() {
		return nil, ErrBadRequest
	}

	now := s.now()
	dist := types.HaversineKm(cmd.Pickup.Point, cmd.Destination.Point)
	duration := int(math.Ceil(dist / s.opts.AvgSpeedKmh * 60))

	var est types.Money
	switch {
	case cmd.EstimatedFare != nil:
		est = *cmd.EstimatedFare
	case s.pricing != nil:
		m, err := s.pricing.Estimate(ctx, cmd.RideType, dist, duration)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		est = m
	default:
		return nil, fmt.Errorf("%w: estimated fare required", ErrBadRequest)
	}
	if !est.IsPositive() {
		return nil, fmt.Errorf("%w: estimated fare must be positive", ErrBadRequest)
	}
	if cmd.RiderOfferedPrice != nil {
		if err := s.ledger.ValidateOffer(est, *cmd.RiderOfferedPrice); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}

	rideType := cmd.RideType
	if rideType == "" {
		rideType = "standard"
	}
	r := &Ride{
		ID:                types.NewID(),
		RiderID:           cmd.RiderID,
		Status:            StatusRequested,
		Version:           0,
		RideType:          rideType,
		Pickup:            cmd.Pickup,
		Destination:       cmd.Destination,
		EstimatedFare:     est,
		RiderOfferedPrice: cloneMoney(cmd.RiderOfferedPrice),
		DistanceKm:        dist,
		DurationMinutes:   duration,
		PaymentMethod:     cmd.PaymentMethod,
		PaymentStatus:     PaymentUnpaid,
		RequestedAt:       now,
	}
	if err := s.bounded(ctx, func(ctx context.Context) error { return s.store.Create(ctx, r) }); err != nil {
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(StatusRequested)).Inc()
	s.record(ctx, r, StatusNone, Actor{Type: ActorRider, ID: cmd.RiderID}, now)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.load(ctx, id)
}

func (s *Service) History(ctx context.Context, id types.ID) ([]Event, error) {
	var out []Event
	err := s.bounded(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.Events(ctx, id)
		return err
	})
	return out, err
}

// Accept is the REQUESTED -> ACCEPTED primitive. Only the acceptance arbiter
// calls it; it resolves the price and performs one conditional write.
// ErrInvalidState means the ride is no longer open; ErrConflict means another
// writer won the same version.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Ride, error) {
	if cmd.RideID == "" || cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.load(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusRequested || r.Assignment != nil {
		return nil, ErrInvalidState
	}
	price, err := s.ledger.Resolve(r.Terms(), cmd.Counter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	now := s.now()
	next := r.Clone()
	next.Status = StatusAccepted
	next.Version = r.Version + 1
	next.DriverCounterPrice = cloneMoney(cmd.Counter)
	next.Assignment = &Assignment{DriverID: cmd.DriverID, AcceptedPrice: price, AcceptedAt: now}
	if err := s.write(ctx, next, StatusRequested, r.Version); err != nil {
		return nil, err
	}
	s.record(ctx, next, StatusRequested, Actor{Type: ActorDriver, ID: cmd.DriverID}, now)
	return next, nil
}

func (s *Service) Arrive(ctx context.Context, cmd DriverCommand) (*Ride, error) {
	return s.advance(ctx, cmd, StatusAccepted, StatusArriving, func(r *Ride, now time.Time) {
		r.ArrivedAt = &now
	})
}

func (s *Service) Start(ctx context.Context, cmd DriverCommand) (*Ride, error) {
	return s.advance(ctx, cmd, StatusArriving, StatusStarted, func(r *Ride, now time.Time) {
		r.StartedAt = &now
	})
}

// Complete ends the trip, frees the driver and hands the ride to payment.
func (s *Service) Complete(ctx context.Context, cmd DriverCommand) (*Ride, error) {
	next, err := s.advance(ctx, cmd, StatusStarted, StatusCompleted, func(r *Ride, now time.Time) {
		r.CompletedAt = &now
		r.PaymentStatus = PaymentPending
	})
	if err != nil {
		return nil, err
	}
	s.releaseDriver(ctx, next)
	return next, nil
}

// advance applies a driver-initiated step that must start from exactly `from`.
func (s *Service) advance(ctx context.Context, cmd DriverCommand, from, to Status, stamp func(*Ride, time.Time)) (*Ride, error) {
	if cmd.RideID == "" || cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.load(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if driver, ok := r.DriverID(); !ok || driver != cmd.DriverID {
		return nil, ErrForbidden
	}
	if r.Status != from || !CanTransition(from, to) {
		return nil, ErrInvalidState
	}

	now := s.now()
	next := r.Clone()
	next.Status = to
	next.Version = r.Version + 1
	stamp(next, now)
	if err := s.write(ctx, next, from, r.Version); err != nil {
		return nil, err
	}
	s.record(ctx, next, from, Actor{Type: ActorDriver, ID: cmd.DriverID}, now)
	return next, nil
}

// Cancel moves any pre-terminal ride to CANCELLED. Riders cancel their own
// rides and admins any ride; the assigned driver only before the trip starts.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	if cmd.RideID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.load(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, StatusCancelled) {
		return nil, ErrInvalidState
	}
	if err := mayCancel(r, cmd.Actor); err != nil {
		return nil, err
	}

	now := s.now()
	next := r.Clone()
	next.Status = StatusCancelled
	next.Version = r.Version + 1
	next.CancelledAt = &now
	next.CancelReason = cmd.Reason
	next.CancelledBy = cmd.Actor.Type
	if err := s.write(ctx, next, r.Status, r.Version); err != nil {
		return nil, err
	}
	s.record(ctx, next, r.Status, cmd.Actor, now)

	if r.Status == StatusRequested && s.offers != nil {
		if err := s.offers.OnRideClosed(ctx, r.ID); err != nil {
			s.log.WithError(err).WithField("ride_id", r.ID).Warn("withdraw offers after cancel")
		}
	}
	s.releaseDriver(ctx, next)
	return next, nil
}

func mayCancel(r *Ride, a Actor) error {
	switch a.Type {
	case ActorAdmin, ActorSystem:
		return nil
	case ActorRider:
		if a.ID != r.RiderID {
			return ErrForbidden
		}
		return nil
	case ActorDriver:
		driver, ok := r.DriverID()
		if !ok || driver != a.ID {
			return ErrForbidden
		}
		if r.Status != StatusAccepted && r.Status != StatusArriving {
			return ErrInvalidState
		}
		return nil
	}
	return ErrBadRequest
}

func (s *Service) releaseDriver(ctx context.Context, r *Ride) {
	driver, ok := r.DriverID()
	if !ok || s.drivers == nil {
		return
	}
	if err := s.drivers.ReleaseRide(ctx, driver, r.ID); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"ride_id": r.ID, "driver_id": driver}).Warn("release driver")
	}
}

var transitionEvent = map[Status]string{
	StatusRequested: events.TypeRideCreated,
	StatusAccepted:  events.TypeRideAccepted,
	StatusArriving:  events.TypeRideArriving,
	StatusStarted:   events.TypeRideStarted,
	StatusCompleted: events.TypeRideCompleted,
	StatusCancelled: events.TypeRideCancelled,
}

// record appends the history row and publishes the transition. Neither is
// part of the transition itself, so failures are logged only.
func (s *Service) record(ctx context.Context, r *Ride, from Status, actor Actor, at time.Time) {
	var actorID *types.ID
	if actor.ID != "" {
		id := actor.ID
		actorID = &id
	}
	err := s.bounded(ctx, func(ctx context.Context) error {
		return s.store.AppendEvent(ctx, &Event{
			RideID:     r.ID,
			FromStatus: from,
			ToStatus:   r.Status,
			ActorType:  actor.Type,
			ActorID:    actorID,
			CreatedAt:  at,
		})
	})
	if err != nil {
		s.log.WithError(err).WithField("ride_id", r.ID).Warn("append ride event")
	}

	e := events.Event{
		Type:   transitionEvent[r.Status],
		RideID: r.ID,
		At:     at,
		Data:   map[string]string{"from": string(from), "to": string(r.Status), "riderId": string(r.RiderID)},
	}
	if driver, ok := r.DriverID(); ok {
		e.DriverID = driver
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.WithError(err).WithField("ride_id", r.ID).Debug("ride event dropped")
	}
}

// Subscribe delivers every lifecycle event for one ride until unsubscribed.
func (s *Service) Subscribe(rideID types.ID, h events.Handler) (func(), error) {
	return s.bus.Subscribe(events.All, func(e events.Event) {
		if e.RideID == rideID {
			h(e)
		}
	})
}
