// README: Behaviour shared by every Index implementation, run against memory and miniredis.
package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridehail/internal/types"
)

var (
	lusaka = types.Point{Lat: -15.3875, Lng: 28.3228}
	t0     = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// north returns the point km kilometres due north of p.
func north(p types.Point, km float64) types.Point {
	return types.Point{Lat: p.Lat + km/(types.EarthRadiusKm*math.Pi/180), Lng: p.Lng}
}

func east(p types.Point, km float64) types.Point {
	deg := km / (types.EarthRadiusKm * math.Pi / 180 * math.Cos(p.Lat*math.Pi/180))
	return types.Point{Lat: p.Lat, Lng: p.Lng + deg}
}

func indexes(t *testing.T) map[string]Index {
	_, client := setupMiniredis(t)
	return map[string]Index{
		"memory": NewMemoryIndex(DefaultFreshness),
		"redis":  NewRedisIndex(client, DefaultFreshness),
	}
}

func addDriver(t *testing.T, idx Index, id types.ID, at types.Point, updated time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, idx.SetEligibility(ctx, id, EligibilityApproved))
	require.NoError(t, idx.SetOnline(ctx, id, true))
	require.NoError(t, idx.UpsertLocation(ctx, LocationUpdate{DriverID: id, Lat: at.Lat, Lng: at.Lng, At: updated}))
}

func ids(ns []Nearby) []types.ID {
	out := make([]types.ID, len(ns))
	for i, n := range ns {
		out[i] = n.DriverID
	}
	return out
}

func TestIndex_QueryWithinRadiusSorted(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			addDriver(t, idx, "d20", north(lusaka, 20), t0)
			addDriver(t, idx, "d5", north(lusaka, 5), t0)
			addDriver(t, idx, "d2", north(lusaka, 2), t0)

			got, err := idx.Query(context.Background(), Query{Center: lusaka, RadiusKm: 15, Limit: 10, Now: t0})
			require.NoError(t, err)
			assert.Equal(t, []types.ID{"d2", "d5"}, ids(got))
			assert.InDelta(t, 2.0, got[0].DistanceKm, 0.01)
			assert.InDelta(t, 5.0, got[1].DistanceKm, 0.01)
		})
	}
}

func TestIndex_QueryExclusions(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			addDriver(t, idx, "ok", north(lusaka, 1), t0)

			addDriver(t, idx, "offline", north(lusaka, 1), t0)
			require.NoError(t, idx.SetOnline(ctx, "offline", false))

			addDriver(t, idx, "pending", north(lusaka, 1), t0)
			require.NoError(t, idx.SetEligibility(ctx, "pending", EligibilityPending))

			addDriver(t, idx, "blocked", north(lusaka, 1), t0)
			require.NoError(t, idx.SetEligibility(ctx, "blocked", EligibilityBlocked))

			addDriver(t, idx, "busy", north(lusaka, 1), t0)
			_, err := idx.AssignRide(ctx, "busy", "ride-x")
			require.NoError(t, err)

			addDriver(t, idx, "stale", north(lusaka, 1), t0.Add(-6*time.Minute))

			got, err := idx.Query(ctx, Query{Center: lusaka, RadiusKm: 15, Now: t0})
			require.NoError(t, err)
			assert.Equal(t, []types.ID{"ok"}, ids(got))
		})
	}
}

func TestIndex_FreshnessBoundary(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			addDriver(t, idx, "d1", north(lusaka, 1), t0.Add(-4*time.Minute))

			got, err := idx.Query(context.Background(), Query{Center: lusaka, RadiusKm: 5, Now: t0})
			require.NoError(t, err)
			assert.Len(t, got, 1)

			got, err = idx.Query(context.Background(), Query{Center: lusaka, RadiusKm: 5, Now: t0.Add(2 * time.Minute)})
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestIndex_TiesPreferFresherSample(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			addDriver(t, idx, "older", east(lusaka, 3), t0.Add(-2*time.Minute))
			addDriver(t, idx, "fresher", east(lusaka, -3), t0.Add(-time.Minute))

			got, err := idx.Query(context.Background(), Query{Center: lusaka, RadiusKm: 15, Now: t0})
			require.NoError(t, err)
			require.Len(t, got, 2)
			if math.Abs(got[0].DistanceKm-got[1].DistanceKm) < 1e-9 {
				assert.Equal(t, []types.ID{"fresher", "older"}, ids(got))
			}
		})
	}
}

func TestIndex_Limit(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			for i, km := range []float64{1, 2, 3, 4} {
				addDriver(t, idx, types.ID([]string{"a", "b", "c", "d"}[i]), north(lusaka, km), t0)
			}
			got, err := idx.Query(context.Background(), Query{Center: lusaka, RadiusKm: 15, Limit: 2, Now: t0})
			require.NoError(t, err)
			assert.Equal(t, []types.ID{"a", "b"}, ids(got))
		})
	}
}

func TestIndex_AssignAndRelease(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			addDriver(t, idx, "d1", lusaka, t0)

			claimed, err := idx.AssignRide(ctx, "d1", "r1")
			require.NoError(t, err)
			assert.True(t, claimed)
			claimed, err = idx.AssignRide(ctx, "d1", "r1")
			require.NoError(t, err, "same ride is idempotent")
			assert.False(t, claimed, "re-claim does not create a new claim")
			claimed, err = idx.AssignRide(ctx, "d1", "r2")
			assert.ErrorIs(t, err, ErrDriverBusy)
			assert.False(t, claimed)

			// releasing a ride the driver does not hold leaves the claim alone
			require.NoError(t, idx.ReleaseRide(ctx, "d1", "r2"))
			st, err := idx.Status(ctx, "d1")
			require.NoError(t, err)
			require.NotNil(t, st.CurrentRideID)
			assert.Equal(t, types.ID("r1"), *st.CurrentRideID)

			require.NoError(t, idx.ReleaseRide(ctx, "d1", "r1"))
			st, err = idx.Status(ctx, "d1")
			require.NoError(t, err)
			assert.Nil(t, st.CurrentRideID)
			claimed, err = idx.AssignRide(ctx, "d1", "r2")
			require.NoError(t, err)
			assert.True(t, claimed)
		})
	}
}

func TestIndex_AssignRequiresApproval(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := idx.AssignRide(ctx, "ghost", "r1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, idx.SetEligibility(ctx, "d1", EligibilityRejected))
			_, err = idx.AssignRide(ctx, "d1", "r1")
			assert.ErrorIs(t, err, ErrNotEligible)
		})
	}
}

func TestIndex_StatusAndLocation(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := idx.Status(ctx, "nobody")
			assert.ErrorIs(t, err, ErrNotFound)

			addDriver(t, idx, "d1", lusaka, t0)
			require.NoError(t, idx.SetProfile(ctx, "d1", Profile{Rating: 4.8, Vehicle: "Toyota Corolla"}))

			st, err := idx.Status(ctx, "d1")
			require.NoError(t, err)
			assert.True(t, st.Online)
			assert.Equal(t, EligibilityApproved, st.Eligibility)
			assert.Equal(t, 4.8, st.Rating)
			assert.Equal(t, "Toyota Corolla", st.Vehicle)

			loc, err := idx.Location(ctx, "d1")
			require.NoError(t, err)
			assert.InDelta(t, lusaka.Lat, loc.Lat, 1e-9)
			assert.InDelta(t, lusaka.Lng, loc.Lng, 1e-9)
			assert.True(t, loc.UpdatedAt.Equal(t0))
		})
	}
}

func TestIndex_RejectsUnknownEligibility(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, idx.SetEligibility(context.Background(), "d1", "vip"), ErrBadRequest)
		})
	}
}
