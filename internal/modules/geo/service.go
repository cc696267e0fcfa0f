// README: Geo service applies timeouts to index calls and publishes driver location events.
package geo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"ridehail/internal/events"
	"ridehail/internal/observability"
	"ridehail/internal/types"
)

type Service struct {
	index   Index
	bus     events.Bus
	log     logrus.FieldLogger
	timeout time.Duration
	now     func() time.Time
}

func NewService(index Index, bus events.Bus, log logrus.FieldLogger, timeout time.Duration) *Service {
	if bus == nil {
		bus = events.Nop{}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Service{index: index, bus: bus, log: log, timeout: timeout, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) && !types.IsUnavailable(err) {
		return types.Unavailable("geo index", err)
	}
	return err
}

func (s *Service) UpdateLocation(ctx context.Context, u LocationUpdate) error {
	if u.DriverID == "" || !(types.Point{Lat: u.Lat, Lng: u.Lng}).Valid() {
		return ErrBadRequest
	}
	if u.At.IsZero() {
		u.At = s.now()
	}
	if err := s.call(ctx, func(ctx context.Context) error { return s.index.UpsertLocation(ctx, u) }); err != nil {
		return err
	}
	observability.LocationUpdates.Inc()

	err := s.bus.Publish(ctx, events.Event{
		Type:     events.TypeDriverLocation,
		DriverID: u.DriverID,
		At:       u.At,
		Data: map[string]string{
			"lat":     strconv.FormatFloat(u.Lat, 'f', 6, 64),
			"lng":     strconv.FormatFloat(u.Lng, 'f', 6, 64),
			"heading": strconv.FormatFloat(u.Heading, 'f', 1, 64),
			"speed":   strconv.FormatFloat(u.Speed, 'f', 1, 64),
		},
	})
	if err != nil {
		s.log.WithError(err).WithField("driver_id", u.DriverID).Debug("location event dropped")
	}
	return nil
}

func (s *Service) SetOnline(ctx context.Context, driverID types.ID, online bool) error {
	if driverID == "" {
		return ErrBadRequest
	}
	if err := s.call(ctx, func(ctx context.Context) error { return s.index.SetOnline(ctx, driverID, online) }); err != nil {
		return err
	}
	_ = s.bus.Publish(ctx, events.Event{
		Type:     events.TypeDriverOnline,
		DriverID: driverID,
		At:       s.now(),
		Data:     map[string]string{"online": strconv.FormatBool(online)},
	})
	return nil
}

func (s *Service) SetEligibility(ctx context.Context, driverID types.ID, e Eligibility) error {
	return s.call(ctx, func(ctx context.Context) error { return s.index.SetEligibility(ctx, driverID, e) })
}

func (s *Service) SetProfile(ctx context.Context, driverID types.ID, p Profile) error {
	return s.call(ctx, func(ctx context.Context) error { return s.index.SetProfile(ctx, driverID, p) })
}

// Nearby queries the index at the current time.
func (s *Service) Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	if !center.Valid() || radiusKm <= 0 {
		return nil, ErrBadRequest
	}
	var out []Nearby
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.index.Query(ctx, Query{Center: center, RadiusKm: radiusKm, Limit: limit, Now: s.now()})
		return err
	})
	return out, err
}

func (s *Service) AssignRide(ctx context.Context, driverID, rideID types.ID) (bool, error) {
	var claimed bool
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = s.index.AssignRide(ctx, driverID, rideID)
		return err
	})
	return claimed, err
}

func (s *Service) ReleaseRide(ctx context.Context, driverID, rideID types.ID) error {
	return s.call(ctx, func(ctx context.Context) error { return s.index.ReleaseRide(ctx, driverID, rideID) })
}

func (s *Service) Status(ctx context.Context, driverID types.ID) (DriverStatus, error) {
	var st DriverStatus
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.index.Status(ctx, driverID)
		return err
	})
	return st, err
}

func (s *Service) Location(ctx context.Context, driverID types.ID) (DriverLocation, error) {
	var loc DriverLocation
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		loc, err = s.index.Location(ctx, driverID)
		return err
	})
	return loc, err
}
