package acceptance

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridehail/internal/config"
	"ridehail/internal/modules/dispatch"
	"ridehail/internal/modules/geo"
	"ridehail/internal/modules/matching"
	"ridehail/internal/modules/negotiation"
	"ridehail/internal/modules/ride"
	"ridehail/internal/types"
)

var (
	t0     = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	pickup = types.Place{Point: types.Point{Lat: -15.3875, Lng: 28.3228}, Address: "Cairo Rd"}
	dest   = types.Place{Point: types.Point{Lat: -15.4167, Lng: 28.2833}, Address: "Kabulonga"}
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// system wires the real services over in-memory backends.
type system struct {
	geo      *geo.Service
	rides    *ride.Service
	dispatch *dispatch.Service
	arbiter  *Arbiter
	clock    *fakeClock
}

func newSystem(t *testing.T) *system {
	t.Helper()
	log := quietLogger()
	clock := &fakeClock{now: t0}
	ledger := negotiation.NewLedger(config.NegotiationConfig{}, log)

	geoSvc := geo.NewService(geo.NewMemoryIndex(geo.DefaultFreshness), nil, log, time.Second).WithClock(clock.Now)
	matcher := matching.NewService(geoSvc, matching.SpeedETA{AvgSpeedKmh: 30}, config.MatchingConfig{RadiusKm: 15, Limit: 10}, log)
	rideStore := ride.NewMemoryStore()
	dispatchSvc := dispatch.NewService(dispatch.Deps{
		Store:    dispatch.NewMemoryOfferStore(),
		Rides:    rideStore,
		Matcher:  matcher,
		Ledger:   ledger,
		Notifier: dispatch.LogNotifier{Log: log},
		Log:      log,
	}, config.DispatchConfig{OfferTTL: 60 * time.Second}, dispatch.Options{}).WithClock(clock.Now)
	rideSvc := ride.NewService(ride.Deps{
		Store:   rideStore,
		Ledger:  ledger,
		Drivers: geoSvc,
		Offers:  dispatchSvc,
		Log:     log,
	}, ride.Options{}).WithClock(clock.Now)

	return &system{
		geo:      geoSvc,
		rides:    rideSvc,
		dispatch: dispatchSvc,
		arbiter:  NewArbiter(rideSvc, dispatchSvc, geoSvc, log),
		clock:    clock,
	}
}

// addDrivers puts n approved, online drivers within a few hundred metres of the pickup.
func (s *system) addDrivers(t *testing.T, n int) []types.ID {
	t.Helper()
	ctx := context.Background()
	ids := make([]types.ID, n)
	for i := range ids {
		id := types.ID(fmt.Sprintf("d%d", i+1))
		ids[i] = id
		require.NoError(t, s.geo.SetEligibility(ctx, id, geo.EligibilityApproved))
		require.NoError(t, s.geo.SetOnline(ctx, id, true))
		require.NoError(t, s.geo.UpdateLocation(ctx, geo.LocationUpdate{
			DriverID: id,
			Lat:      pickup.Lat + 0.001*float64(i+1),
			Lng:      pickup.Lng,
		}))
	}
	return ids
}

func (s *system) request(t *testing.T, rider types.ID, offered *types.Money) *ride.Ride {
	t.Helper()
	r, err := s.rides.Create(context.Background(), ride.CreateCommand{
		RiderID:           rider,
		Pickup:            pickup,
		Destination:       dest,
		EstimatedFare:     types.MoneyPtr(types.NewMoney(100)),
		RiderOfferedPrice: offered,
	})
	require.NoError(t, err)
	offers, err := s.dispatch.Dispatch(context.Background(), r)
	require.NoError(t, err)
	require.NotEmpty(t, offers)
	return r
}

func TestTryAccept_WinFreezesPriceAndClearsOffers(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	drivers := s.addDrivers(t, 3)
	r := s.request(t, "p1", types.MoneyPtr(types.NewMoney(80)))

	res, err := s.arbiter.TryAccept(ctx, r.ID, drivers[0], types.MoneyPtr(types.NewMoney(90)))
	require.NoError(t, err)
	require.Equal(t, Won, res.Outcome)
	require.NotNil(t, res.Ride)
	assert.Equal(t, ride.StatusAccepted, res.Ride.Status)
	assert.Equal(t, int64(90), res.Ride.Assignment.AcceptedPrice.Amount)

	st, err := s.geo.Status(ctx, drivers[0])
	require.NoError(t, err)
	require.NotNil(t, st.CurrentRideID)
	assert.Equal(t, r.ID, *st.CurrentRideID)

	for _, d := range drivers {
		visible, err := s.dispatch.VisibleOffers(ctx, d)
		require.NoError(t, err)
		assert.Empty(t, visible, "offers for %s torn down", d)
	}
}

func TestTryAccept_SecondDriverLoses(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	drivers := s.addDrivers(t, 2)
	r := s.request(t, "p1", nil)

	res, err := s.arbiter.TryAccept(ctx, r.ID, drivers[0], nil)
	require.NoError(t, err)
	require.Equal(t, Won, res.Outcome)
	assert.Equal(t, int64(100), res.Ride.Assignment.AcceptedPrice.Amount)
	before, err := s.rides.Get(ctx, r.ID)
	require.NoError(t, err)

	res, err = s.arbiter.TryAccept(ctx, r.ID, drivers[1], types.MoneyPtr(types.NewMoney(150)))
	require.NoError(t, err)
	assert.Equal(t, Lost, res.Outcome)
	assert.Equal(t, ReasonTaken, res.Reason)

	after, err := s.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "losing attempt mutates nothing")

	st, err := s.geo.Status(ctx, drivers[1])
	require.NoError(t, err)
	assert.Nil(t, st.CurrentRideID)
}

func TestTryAccept_StaleOfferIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	drivers := s.addDrivers(t, 1)
	r := s.request(t, "p1", nil)

	s.clock.Advance(61 * time.Second)

	res, err := s.arbiter.TryAccept(ctx, r.ID, drivers[0], nil)
	require.NoError(t, err)
	assert.Equal(t, Lost, res.Outcome)
	assert.Equal(t, ReasonOfferExpired, res.Reason)

	stored, err := s.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusRequested, stored.Status)
	assert.Nil(t, stored.Assignment)

	visible, err := s.dispatch.VisibleOffers(ctx, drivers[0])
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestDispatch_SnapshotTakenBeforeWin(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	drivers := s.addDrivers(t, 2)
	snapshot := s.request(t, "p1", nil)

	res, err := s.arbiter.TryAccept(ctx, snapshot.ID, drivers[0], nil)
	require.NoError(t, err)
	require.Equal(t, Won, res.Outcome)

	// a retry still holding the pre-accept read
	require.Equal(t, ride.StatusRequested, snapshot.Status)
	_, err = s.dispatch.Dispatch(ctx, snapshot)
	assert.ErrorIs(t, err, dispatch.ErrRideNotOpen)

	visible, err := s.dispatch.VisibleOffers(ctx, drivers[1])
	require.NoError(t, err)
	assert.Empty(t, visible)

	res, err = s.arbiter.TryAccept(ctx, snapshot.ID, drivers[1], nil)
	require.NoError(t, err)
	assert.Equal(t, Lost, res.Outcome)
}

func TestTryAccept_WithoutOffer(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	s.addDrivers(t, 1)
	r := s.request(t, "p1", nil)

	res, err := s.arbiter.TryAccept(ctx, r.ID, "stranger", nil)
	require.NoError(t, err)
	assert.Equal(t, Lost, res.Outcome)
	assert.Equal(t, ReasonNoOffer, res.Reason)
}

func TestTryAccept_CancelledRide(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	drivers := s.addDrivers(t, 1)
	r := s.request(t, "p1", nil)

	_, err := s.rides.Cancel(ctx, ride.CancelCommand{RideID: r.ID, Actor: ride.Actor{Type: ride.ActorRider, ID: "p1"}})
	require.NoError(t, err)

	res, err := s.arbiter.TryAccept(ctx, r.ID, drivers[0], nil)
	require.NoError(t, err)
	assert.Equal(t, Lost, res.Outcome)
	assert.Equal(t, ReasonRideClosed, res.Reason)
}

func TestTryAccept_BusyDriver(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	drivers := s.addDrivers(t, 1)
	first := s.request(t, "p1", nil)
	second := s.request(t, "p2", nil)

	res, err := s.arbiter.TryAccept(ctx, first.ID, drivers[0], nil)
	require.NoError(t, err)
	require.Equal(t, Won, res.Outcome)

	res, err = s.arbiter.TryAccept(ctx, second.ID, drivers[0], nil)
	require.NoError(t, err)
	assert.Equal(t, Lost, res.Outcome)
	assert.Equal(t, ReasonDriverBusy, res.Reason)

	stored, err := s.rides.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusRequested, stored.Status)
}

func TestTryAccept_InvalidCounterReleasesDriver(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	drivers := s.addDrivers(t, 1)
	r := s.request(t, "p1", nil)

	_, err := s.arbiter.TryAccept(ctx, r.ID, drivers[0], types.MoneyPtr(types.NewMoney(-5)))
	assert.ErrorIs(t, err, ErrBadRequest)

	st, err := s.geo.Status(ctx, drivers[0])
	require.NoError(t, err)
	assert.Nil(t, st.CurrentRideID)

	res, err := s.arbiter.TryAccept(ctx, r.ID, drivers[0], nil)
	require.NoError(t, err)
	assert.Equal(t, Won, res.Outcome, "offer stays usable after a rejected counter")
}

func TestTryAccept_BadInput(t *testing.T) {
	s := newSystem(t)
	_, err := s.arbiter.TryAccept(context.Background(), "", "d1", nil)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestTryAccept_CompletionFreesDriver(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	drivers := s.addDrivers(t, 1)
	r := s.request(t, "p1", nil)

	res, err := s.arbiter.TryAccept(ctx, r.ID, drivers[0], nil)
	require.NoError(t, err)
	require.Equal(t, Won, res.Outcome)

	cmd := ride.DriverCommand{RideID: r.ID, DriverID: drivers[0]}
	_, err = s.rides.Arrive(ctx, cmd)
	require.NoError(t, err)
	_, err = s.rides.Start(ctx, cmd)
	require.NoError(t, err)
	_, err = s.rides.Complete(ctx, cmd)
	require.NoError(t, err)

	st, err := s.geo.Status(ctx, drivers[0])
	require.NoError(t, err)
	assert.Nil(t, st.CurrentRideID)

	next := s.request(t, "p1", nil)
	res, err = s.arbiter.TryAccept(ctx, next.ID, drivers[0], nil)
	require.NoError(t, err)
	assert.Equal(t, Won, res.Outcome)
}
