// README: Rate sources: a static table and one backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridehail/internal/types"
)

type RateSource interface {
	GetRate(ctx context.Context, rideType string) (Rate, error)
}

// StaticRates serves rates from memory.
type StaticRates map[string]Rate

// DefaultRates is used when no rate table is configured.
func DefaultRates() StaticRates {
	return StaticRates{
		DefaultRideType: {RideType: DefaultRideType, BaseFare: 20, PerKm: 8, PerMin: 1, MinFare: 30, Currency: types.DefaultCurrency},
		"comfort":       {RideType: "comfort", BaseFare: 35, PerKm: 11, PerMin: 2, MinFare: 50, Currency: types.DefaultCurrency},
	}
}

func (s StaticRates) GetRate(_ context.Context, rideType string) (Rate, error) {
	r, ok := s[rideType]
	if !ok {
		return Rate{}, ErrUnknownRideType
	}
	return r, nil
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) GetRate(ctx context.Context, rideType string) (Rate, error) {
	row := s.db.QueryRow(ctx, `
		SELECT ride_type, base_fare, per_km, per_min, min_fare, currency
		FROM fare_rates
		WHERE ride_type = $1`, rideType,
	)
	var r Rate
	err := row.Scan(&r.RideType, &r.BaseFare, &r.PerKm, &r.PerMin, &r.MinFare, &r.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rate{}, ErrUnknownRideType
	}
	if err != nil {
		return Rate{}, types.Unavailable(fmt.Sprintf("load rate %s", rideType), err)
	}
	return r, nil
}
