// README: Dispatch service turns ranked candidates into outstanding offers and tears them down on match, cancel or expiry.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ridehail/internal/config"
	"ridehail/internal/events"
	"ridehail/internal/modules/matching"
	"ridehail/internal/modules/negotiation"
	"ridehail/internal/modules/ride"
	"ridehail/internal/observability"
	"ridehail/internal/types"
)

type Matcher interface {
	FindCandidates(ctx context.Context, pickup types.Point, maxRadiusKm float64, limit int) ([]matching.Candidate, error)
}

// Rides reads the ride record back after offers are written.
type Rides interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
}

type Deps struct {
	Store    OfferStore
	Rides    Rides
	Matcher  Matcher
	Ledger   *negotiation.Ledger
	Notifier Notifier
	Bus      events.Bus
	Log      logrus.FieldLogger
}

type Options struct {
	RadiusKm   float64
	Candidates int
	Timeout    time.Duration
}

type Service struct {
	store    OfferStore
	rides    Rides
	matcher  Matcher
	ledger   *negotiation.Ledger
	notifier Notifier
	bus      events.Bus
	log      logrus.FieldLogger
	cfg      config.DispatchConfig
	opts     Options
	now      func() time.Time
}

func NewService(d Deps, cfg config.DispatchConfig, opts Options) *Service {
	if d.Bus == nil {
		d.Bus = events.Nop{}
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Log: d.Log}
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = DefaultOfferTTL
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if opts.RadiusKm <= 0 {
		opts.RadiusKm = DefaultRadiusKm
	}
	if opts.Candidates <= 0 {
		opts.Candidates = DefaultCandidates
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	return &Service{
		store:    d.Store,
		rides:    d.Rides,
		matcher:  d.Matcher,
		ledger:   d.Ledger,
		notifier: d.Notifier,
		bus:      d.Bus,
		log:      d.Log,
		cfg:      cfg,
		opts:     opts,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) && !types.IsUnavailable(err) {
		return types.Unavailable("offer store", err)
	}
	return err
}

// Dispatch issues one offer per candidate near the pickup. Zero candidates is
// a normal outcome: the ride stays REQUESTED and an empty slice is returned.
// Re-dispatching returns the live offers already outstanding instead of
// duplicating them.
//
// r is a snapshot. Once the offers are stored the ride is read again; if it
// left REQUESTED in the meantime every offer for it is torn down and
// ErrRideNotOpen is returned. If storing any offer fails, the offers this
// call created are deleted before the error is returned.
func (s *Service) Dispatch(ctx context.Context, r *ride.Ride) ([]Offer, error) {
	if r == nil || r.ID == "" {
		return nil, ErrBadRequest
	}
	if r.Status != ride.StatusRequested || r.Assignment != nil {
		return nil, ErrRideNotOpen
	}

	cands, err := s.matcher.FindCandidates(ctx, r.Pickup.Point, s.opts.RadiusKm, s.opts.Candidates)
	if err != nil {
		return nil, err
	}
	log := s.log.WithField("ride_id", r.ID)
	if len(cands) == 0 {
		observability.DispatchNoCandidates.Inc()
		log.Info("dispatch found no candidates")
		return []Offer{}, nil
	}

	now := s.now()
	price := s.ledger.Snapshot(r.Terms())
	offers := make([]Offer, len(cands))
	created := make([]bool, len(cands))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, c := range cands {
		g.Go(func() error {
			o := Offer{
				RideID:        r.ID,
				DriverID:      c.DriverID,
				Pickup:        r.Pickup,
				Destination:   r.Destination,
				Price:         price,
				EstimatedFare: r.EstimatedFare,
				DistanceKm:    c.DistanceKm,
				EtaMinutes:    c.EtaMinutes,
				IssuedAt:      now,
				ExpiresAt:     now.Add(s.cfg.OfferTTL),
			}
			stored, isNew, err := s.issue(gctx, o, now)
			if err != nil {
				return err
			}
			offers[i], created[i] = stored, isNew
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.rollback(ctx, log, offers, created)
		return nil, err
	}
	if err := s.recheck(ctx, log, r.ID); err != nil {
		if !errors.Is(err, ErrRideNotOpen) {
			s.rollback(ctx, log, offers, created)
		}
		return nil, err
	}

	fresh := 0
	for i, o := range offers {
		if !created[i] {
			continue
		}
		fresh++
		observability.OffersIssued.Inc()
		s.notify(o)
		s.publish(ctx, events.Event{
			Type:     events.TypeOfferIssued,
			RideID:   o.RideID,
			DriverID: o.DriverID,
			At:       now,
			Data:     map[string]string{"expiresAt": o.ExpiresAt.UTC().Format(time.RFC3339)},
		})
	}
	log.WithFields(logrus.Fields{"candidates": len(cands), "issued": fresh}).Info("ride dispatched")
	return offers, nil
}

// recheck reads the ride after its offers are stored. An accept that lands
// later tears them down itself; one that landed earlier already ran its
// teardown, so the offers written since are cleared here.
func (s *Service) recheck(ctx context.Context, log logrus.FieldLogger, rideID types.ID) error {
	var cur *ride.Ride
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		cur, err = s.rides.Get(ctx, rideID)
		return err
	})
	if err != nil {
		return err
	}
	if cur.Status == ride.StatusRequested && cur.Assignment == nil {
		return nil
	}
	reason := "closed"
	if cur.Assignment != nil {
		reason = "matched"
	}
	if err := s.clear(ctx, rideID, reason); err != nil {
		return err
	}
	log.WithField("status", cur.Status).Info("ride left requested during dispatch")
	return ErrRideNotOpen
}

func (s *Service) rollback(ctx context.Context, log logrus.FieldLogger, offers []Offer, created []bool) {
	ctx = context.WithoutCancel(ctx)
	for i, o := range offers {
		if !created[i] {
			continue
		}
		err := s.call(ctx, func(ctx context.Context) error { return s.store.Delete(ctx, o.RideID, o.DriverID) })
		if err != nil {
			// left to expire with its TTL
			log.WithError(err).WithField("driver_id", o.DriverID).Warn("roll back offer")
		}
	}
}

// issue writes o unless a live offer for the pair exists. A stale offer left
// behind by a store without server-side expiry is replaced.
func (s *Service) issue(ctx context.Context, o Offer, now time.Time) (Offer, bool, error) {
	var (
		stored Offer
		isNew  bool
	)
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		stored, isNew, err = s.store.Put(ctx, o)
		if err != nil || isNew || !stored.Expired(now) {
			return err
		}
		if err := s.store.Delete(ctx, o.RideID, o.DriverID); err != nil {
			return err
		}
		stored, isNew, err = s.store.Put(ctx, o)
		return err
	})
	return stored, isNew, err
}

func (s *Service) notify(o Offer) {
	n := notificationFor(o)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, n); err != nil {
			observability.NotifyFailures.WithLabelValues(s.notifier.Channel()).Inc()
			s.log.WithError(err).WithFields(logrus.Fields{
				"ride_id":   n.RideID,
				"driver_id": n.DriverID,
				"channel":   s.notifier.Channel(),
			}).Warn("offer notification failed")
		}
	}()
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.WithError(err).WithField("type", e.Type).Debug("dispatch event dropped")
	}
}

// OnOfferExpired drops the offer once its deadline has passed. Calling it
// early leaves a live offer in place.
func (s *Service) OnOfferExpired(ctx context.Context, rideID, driverID types.ID) error {
	return s.call(ctx, func(ctx context.Context) error {
		o, err := s.store.Get(ctx, rideID, driverID)
		if errors.Is(err, ErrNoOffer) {
			return nil
		}
		if err != nil {
			return err
		}
		if !o.Expired(s.now()) {
			return nil
		}
		return s.store.Delete(ctx, rideID, driverID)
	})
}

// OnRideMatched tears down every outstanding offer for the ride.
func (s *Service) OnRideMatched(ctx context.Context, rideID types.ID) error {
	return s.clear(ctx, rideID, "matched")
}

// OnRideClosed is OnRideMatched for rides cancelled before acceptance.
func (s *Service) OnRideClosed(ctx context.Context, rideID types.ID) error {
	return s.clear(ctx, rideID, "closed")
}

func (s *Service) clear(ctx context.Context, rideID types.ID, reason string) error {
	var drivers []types.ID
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		drivers, err = s.store.DeleteByRide(ctx, rideID)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.Event{
		Type:   events.TypeOffersCleared,
		RideID: rideID,
		At:     s.now(),
		Data:   map[string]string{"reason": reason},
	})
	s.log.WithFields(logrus.Fields{"ride_id": rideID, "drivers": len(drivers), "reason": reason}).Debug("offers cleared")
	return nil
}

// VisibleOffers lists the driver's offers that are still live at read time.
func (s *Service) VisibleOffers(ctx context.Context, driverID types.ID) ([]Offer, error) {
	if driverID == "" {
		return nil, ErrBadRequest
	}
	var all []Offer
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		all, err = s.store.ListByDriver(ctx, driverID)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]Offer, 0, len(all))
	for _, o := range all {
		if !o.Expired(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Offer returns the live offer for the pair, ErrNoOffer when none was issued
// (or it was torn down) and ErrOfferExpired when its deadline has passed.
func (s *Service) Offer(ctx context.Context, rideID, driverID types.ID) (Offer, error) {
	var o Offer
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		o, err = s.store.Get(ctx, rideID, driverID)
		return err
	})
	if err != nil {
		return Offer{}, err
	}
	if o.Expired(s.now()) {
		return Offer{}, ErrOfferExpired
	}
	return o, nil
}

// Sweep removes expired offers. Reads filter by deadline, so this is housekeeping only.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	var n int
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.store.Sweep(ctx, s.now())
		return err
	})
	return n, err
}

func (s *Service) RunExpirySweep(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.log.WithError(err).Warn("offer sweep failed")
				continue
			}
			if n > 0 {
				s.log.WithField("removed", n).Debug("expired offers swept")
			}
		}
	}
}
