package ride

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridehail/internal/types"
)

func newRequested(id, rider types.ID) *Ride {
	return &Ride{
		ID:            id,
		RiderID:       rider,
		Status:        StatusRequested,
		RideType:      "standard",
		Pickup:        pickup,
		Destination:   destination,
		EstimatedFare: types.NewMoney(100),
		PaymentStatus: PaymentUnpaid,
		RequestedAt:   t0,
	}
}

func TestStore_ConditionalUpdate(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newRequested(types.NewID(), "rider-cas")
			require.NoError(t, store.Create(ctx, r))

			next := r.Clone()
			next.Status = StatusAccepted
			next.Version = 1
			next.Assignment = &Assignment{DriverID: "d1", AcceptedPrice: types.NewMoney(100), AcceptedAt: t0.Add(time.Second)}

			ok, err := store.UpdateStatus(ctx, next, StatusRequested, 0)
			require.NoError(t, err)
			assert.True(t, ok)

			// a second writer holding the old version loses
			other := r.Clone()
			other.Status = StatusAccepted
			other.Version = 1
			other.Assignment = &Assignment{DriverID: "d2", AcceptedPrice: types.NewMoney(100), AcceptedAt: t0.Add(time.Second)}
			ok, err = store.UpdateStatus(ctx, other, StatusRequested, 0)
			require.NoError(t, err)
			assert.False(t, ok)

			// the assignment cannot be swapped even with the right version
			swap := next.Clone()
			swap.Status = StatusArriving
			swap.Version = 2
			swap.Assignment.DriverID = "d3"
			arrived := t0.Add(2 * time.Second)
			swap.ArrivedAt = &arrived
			ok, err = store.UpdateStatus(ctx, swap, StatusAccepted, 1)
			require.NoError(t, err)
			assert.False(t, ok)

			stored, err := store.Get(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusAccepted, stored.Status)
			assert.Equal(t, 1, stored.Version)
			assert.Equal(t, types.ID("d1"), stored.Assignment.DriverID)
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), types.NewID())
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RoundTripOptionalFields(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newRequested(types.NewID(), "rider-roundtrip")
			r.RiderOfferedPrice = types.MoneyPtr(types.NewMoney(80))
			r.PaymentMethod = "mobile_money"
			require.NoError(t, store.Create(ctx, r))

			got, err := store.Get(ctx, r.ID)
			require.NoError(t, err)
			require.NotNil(t, got.RiderOfferedPrice)
			assert.Equal(t, int64(80), got.RiderOfferedPrice.Amount)
			assert.Nil(t, got.Assignment)
			assert.Nil(t, got.DriverCounterPrice)
			assert.Equal(t, "Cairo Rd", got.Pickup.Address)
			assert.Equal(t, "mobile_money", got.PaymentMethod)
			assert.True(t, got.RequestedAt.Equal(t0))
		})
	}
}

func TestFirebaseDoc_AssignmentOnlyWhenComplete(t *testing.T) {
	d := toDoc(newRequested("r1", "p1"))
	assert.Empty(t, d.DriverID)
	assert.Nil(t, d.AcceptedPrice)

	// a half-written driver without price is not treated as an assignment
	d.DriverID = "d1"
	assert.Nil(t, fromDoc(d).Assignment)
}
