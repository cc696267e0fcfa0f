package pricing

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridehail/internal/types"
)

func TestService_Estimate(t *testing.T) {
	svc := NewService(nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		rideType string
		km       float64
		min      int
		want     int64
	}{
		{"minimum fare", "", 0.5, 1, 30},
		{"distance and time", DefaultRideType, 10, 20, 20 + 80 + 20},
		{"fractional km rounds up", DefaultRideType, 2.01, 0, 20 + 17},
		{"comfort", "comfort", 10, 20, 35 + 110 + 40},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.Estimate(ctx, tc.rideType, tc.km, tc.min)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Amount)
			assert.Equal(t, types.DefaultCurrency, got.Currency)
		})
	}
}

func TestService_UnknownRideType(t *testing.T) {
	_, err := NewService(nil).Estimate(context.Background(), "helicopter", 3, 5)
	assert.ErrorIs(t, err, ErrUnknownRideType)
}

func TestStore_GetRate(t *testing.T) {
	dsn := os.Getenv("RIDEHAIL_TEST_DSN")
	if dsn == "" {
		t.Skip("RIDEHAIL_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fare_rates (
			ride_type TEXT PRIMARY KEY,
			base_fare BIGINT NOT NULL,
			per_km    BIGINT NOT NULL,
			per_min   BIGINT NOT NULL,
			min_fare  BIGINT NOT NULL,
			currency  TEXT NOT NULL
		)`)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO fare_rates (ride_type, base_fare, per_km, per_min, min_fare, currency)
		VALUES ('test_rate', 10, 5, 1, 15, 'ZMW')
		ON CONFLICT (ride_type) DO NOTHING`)
	require.NoError(t, err)

	r, err := NewStore(pool).GetRate(ctx, "test_rate")
	require.NoError(t, err)
	assert.Equal(t, int64(5), r.PerKm)

	_, err = NewStore(pool).GetRate(ctx, "missing_rate")
	assert.ErrorIs(t, err, ErrUnknownRideType)
}
