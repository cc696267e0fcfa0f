// README: Pricing service computes fare estimates from distance and duration.
package pricing

import (
	"context"
	"math"

	"ridehail/internal/types"
)

type Service struct {
	rates RateSource
}

func NewService(rates RateSource) *Service {
	if rates == nil {
		rates = DefaultRates()
	}
	return &Service{rates: rates}
}

func (s *Service) Estimate(ctx context.Context, rideType string, distanceKm float64, durationMin int) (types.Money, error) {
	if rideType == "" {
		rideType = DefaultRideType
	}
	r, err := s.rates.GetRate(ctx, rideType)
	if err != nil {
		return types.Money{}, err
	}
	amount := r.BaseFare + int64(math.Ceil(distanceKm*float64(r.PerKm))) + int64(durationMin)*r.PerMin
	if amount < r.MinFare {
		amount = r.MinFare
	}
	return types.Money{Amount: amount, Currency: r.Currency}, nil
}
