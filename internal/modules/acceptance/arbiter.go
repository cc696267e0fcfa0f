// README: Acceptance arbiter admits at most one winning driver per ride.
package acceptance

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"ridehail/internal/modules/dispatch"
	"ridehail/internal/modules/geo"
	"ridehail/internal/modules/ride"
	"ridehail/internal/observability"
	"ridehail/internal/types"
)

type Outcome string

const (
	Won  Outcome = "WON"
	Lost Outcome = "LOST"
)

// Reason explains a LOST outcome.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonTaken        Reason = "taken"
	ReasonRideClosed   Reason = "ride_closed"
	ReasonNoOffer      Reason = "no_offer"
	ReasonOfferExpired Reason = "offer_expired"
	ReasonDriverBusy   Reason = "driver_busy"
	ReasonNotEligible  Reason = "not_eligible"
	// ReasonAlreadyYours answers a repeated accept from the driver who
	// already holds the ride.
	ReasonAlreadyYours Reason = "already_accepted"
)

var ErrBadRequest = errors.New("bad request")

type Result struct {
	Outcome Outcome    `json:"outcome"`
	Reason  Reason     `json:"reason,omitempty"`
	Ride    *ride.Ride `json:"ride,omitempty"`
}

type Rides interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Accept(ctx context.Context, cmd ride.AcceptCommand) (*ride.Ride, error)
}

type Offers interface {
	Offer(ctx context.Context, rideID, driverID types.ID) (dispatch.Offer, error)
	OnRideMatched(ctx context.Context, rideID types.ID) error
}

type Drivers interface {
	AssignRide(ctx context.Context, driverID, rideID types.ID) (claimed bool, err error)
	ReleaseRide(ctx context.Context, driverID, rideID types.ID) error
}

type Arbiter struct {
	rides   Rides
	offers  Offers
	drivers Drivers
	log     logrus.FieldLogger
}

func NewArbiter(rides Rides, offers Offers, drivers Drivers, log logrus.FieldLogger) *Arbiter {
	return &Arbiter{rides: rides, offers: offers, drivers: drivers, log: log}
}

// TryAccept resolves one driver's accept attempt. The driver is claimed
// first, then the ride is written with a single conditional update; a lost
// write leaves the ride untouched and releases the claim if this attempt
// created it and the ride did not go to the same driver. Losing is reported
// as a Result, errors are reserved for bad input and backend failures.
func (a *Arbiter) TryAccept(ctx context.Context, rideID, driverID types.ID, counter *types.Money) (Result, error) {
	if rideID == "" || driverID == "" {
		return Result{}, ErrBadRequest
	}
	log := a.log.WithFields(logrus.Fields{"ride_id": rideID, "driver_id": driverID})

	if _, err := a.offers.Offer(ctx, rideID, driverID); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrOfferExpired):
			return a.lost(log, ReasonOfferExpired), nil
		case errors.Is(err, dispatch.ErrNoOffer):
			return a.lostWithoutOffer(ctx, log, rideID, driverID)
		default:
			return Result{}, err
		}
	}

	claimed, err := a.drivers.AssignRide(ctx, driverID, rideID)
	if err != nil {
		switch {
		case errors.Is(err, geo.ErrDriverBusy):
			return a.lost(log, ReasonDriverBusy), nil
		case errors.Is(err, geo.ErrNotEligible), errors.Is(err, geo.ErrNotFound):
			return a.lost(log, ReasonNotEligible), nil
		default:
			return Result{}, err
		}
	}

	won, err := a.rides.Accept(ctx, ride.AcceptCommand{RideID: rideID, DriverID: driverID, Counter: counter})
	if err != nil {
		if errors.Is(err, ride.ErrBadRequest) {
			// rejected before any write
			if claimed {
				a.release(ctx, log, driverID, rideID)
			}
			return Result{}, errors.Join(ErrBadRequest, err)
		}
		current := a.settle(ctx, log, rideID, driverID, claimed)
		if errors.Is(err, ride.ErrConflict) || errors.Is(err, ride.ErrInvalidState) {
			if current == nil {
				// the attempt is already lost; the detail is best effort
				return a.lost(log, ReasonTaken), nil
			}
			return a.lost(log, reasonFor(current, driverID)), nil
		}
		return Result{}, err
	}

	if err := a.offers.OnRideMatched(ctx, rideID); err != nil {
		// siblings still expire on their own and accepts against them lose
		log.WithError(err).Warn("tear down sibling offers")
	}
	observability.AcceptOutcomes.WithLabelValues(string(Won), "").Inc()
	log.WithField("price", won.Assignment.AcceptedPrice.String()).Info("ride accepted")
	return Result{Outcome: Won, Ride: won}, nil
}

// lostWithoutOffer distinguishes a torn-down offer (someone won or the ride
// was cancelled) from a driver that was never offered the ride.
func (a *Arbiter) lostWithoutOffer(ctx context.Context, log logrus.FieldLogger, rideID, driverID types.ID) (Result, error) {
	r, err := a.rides.Get(ctx, rideID)
	if errors.Is(err, ride.ErrNotFound) {
		return a.lost(log, ReasonNoOffer), nil
	}
	if err != nil {
		return Result{}, err
	}
	if r.Status == ride.StatusRequested {
		return a.lost(log, ReasonNoOffer), nil
	}
	return a.lost(log, reasonFor(r, driverID)), nil
}

// settle runs after a failed ride write. It reads the ride back and drops
// the driver claim unless this attempt did not create it or the ride is
// assigned to the same driver (a concurrent accept of theirs won). The ride
// is nil when it could not be read; the claim is then kept only if it was
// not ours.
func (a *Arbiter) settle(ctx context.Context, log logrus.FieldLogger, rideID, driverID types.ID, claimed bool) *ride.Ride {
	r, err := a.rides.Get(ctx, rideID)
	if err != nil {
		log.WithError(err).Warn("read ride after failed accept")
		r = nil
	}
	if claimed && !heldBy(r, driverID) {
		a.release(ctx, log, driverID, rideID)
	}
	return r
}

func heldBy(r *ride.Ride, driverID types.ID) bool {
	if r == nil || r.Assignment == nil {
		return false
	}
	return r.Assignment.DriverID == driverID
}

func reasonFor(r *ride.Ride, driverID types.ID) Reason {
	switch {
	case r.Status == ride.StatusCancelled && r.Assignment == nil:
		return ReasonRideClosed
	case heldBy(r, driverID) && !r.Status.Terminal():
		return ReasonAlreadyYours
	}
	return ReasonTaken
}

func (a *Arbiter) lost(log logrus.FieldLogger, reason Reason) Result {
	observability.AcceptOutcomes.WithLabelValues(string(Lost), string(reason)).Inc()
	log.WithField("reason", reason).Info("accept lost")
	return Result{Outcome: Lost, Reason: reason}
}

func (a *Arbiter) release(ctx context.Context, log logrus.FieldLogger, driverID, rideID types.ID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := a.drivers.ReleaseRide(ctx, driverID, rideID); err != nil {
		log.WithError(err).Error("release driver claim after lost accept")
	}
}
