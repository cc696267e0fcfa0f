// README: Pickup ETA estimators: straight-line at average speed, optionally refined by Google Maps.
package matching

import (
	"context"
	"fmt"
	"math"

	"googlemaps.github.io/maps"

	"ridehail/internal/types"
)

// ETAEstimator returns minutes from each origin to dest, aligned with origins.
type ETAEstimator interface {
	EstimateMinutes(ctx context.Context, origins []types.Point, dest types.Point) ([]int, error)
}

// SpeedETA is distance over a fixed average speed, rounded up to whole minutes.
type SpeedETA struct {
	AvgSpeedKmh float64
}

func (e SpeedETA) EstimateMinutes(_ context.Context, origins []types.Point, dest types.Point) ([]int, error) {
	out := make([]int, len(origins))
	for i, o := range origins {
		out[i] = e.minutes(types.HaversineKm(o, dest))
	}
	return out, nil
}

func (e SpeedETA) minutes(km float64) int {
	speed := e.AvgSpeedKmh
	if speed <= 0 {
		speed = 30
	}
	// tolerance keeps float noise from adding a minute to exact distances
	return int(math.Ceil(km/speed*60 - 1e-6))
}

// MapsETA asks the Distance Matrix API for driving durations. Elements the API
// cannot route fall back to SpeedETA.
type MapsETA struct {
	client   *maps.Client
	fallback SpeedETA
}

func NewMapsETA(apiKey string, fallback SpeedETA) (*MapsETA, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &MapsETA{client: client, fallback: fallback}, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

func (e *MapsETA) EstimateMinutes(ctx context.Context, origins []types.Point, dest types.Point) ([]int, error) {
	if len(origins) == 0 {
		return []int{}, nil
	}
	req := &maps.DistanceMatrixRequest{
		Destinations: []string{latLng(dest)},
		Mode:         maps.TravelModeDriving,
	}
	for _, o := range origins {
		req.Origins = append(req.Origins, latLng(o))
	}
	resp, err := e.client.DistanceMatrix(ctx, req)
	if err != nil {
		return nil, types.Unavailable("maps distance matrix", err)
	}

	out := make([]int, len(origins))
	for i, o := range origins {
		out[i] = e.fallback.minutes(types.HaversineKm(o, dest))
		if i >= len(resp.Rows) || len(resp.Rows[i].Elements) == 0 {
			continue
		}
		el := resp.Rows[i].Elements[0]
		if el.Status == "OK" {
			out[i] = int(math.Ceil(el.Duration.Minutes()))
		}
	}
	return out, nil
}
