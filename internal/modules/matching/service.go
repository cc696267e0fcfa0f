// README: Matching service ranks eligible nearby drivers for a pickup point.
package matching

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"ridehail/internal/config"
	"ridehail/internal/modules/geo"
	"ridehail/internal/observability"
	"ridehail/internal/types"
)

// Finder is the geo query the engine delegates to.
type Finder interface {
	Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]geo.Nearby, error)
}

// DefaultETATimeout applies when the config leaves the ETA deadline unset.
const DefaultETATimeout = 2 * time.Second

type Service struct {
	finder Finder
	eta    ETAEstimator
	cfg    config.MatchingConfig
	log    logrus.FieldLogger
}

func NewService(finder Finder, eta ETAEstimator, cfg config.MatchingConfig, log logrus.FieldLogger) *Service {
	if eta == nil {
		eta = SpeedETA{AvgSpeedKmh: cfg.AvgSpeedKmh}
	}
	if cfg.ETATimeout <= 0 {
		cfg.ETATimeout = DefaultETATimeout
	}
	return &Service{finder: finder, eta: eta, cfg: cfg, log: log}
}

// FindCandidates returns drivers within maxRadiusKm of pickup, nearest first,
// ties going to the fresher location sample. No match is an empty slice, not
// an error. Non-positive radius or limit use the configured defaults.
func (s *Service) FindCandidates(ctx context.Context, pickup types.Point, maxRadiusKm float64, limit int) ([]Candidate, error) {
	if !pickup.Valid() {
		return nil, ErrBadRequest
	}
	if maxRadiusKm <= 0 {
		maxRadiusKm = s.cfg.RadiusKm
	}
	if limit <= 0 {
		limit = s.cfg.Limit
	}

	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	nearby, err := s.finder.Nearby(ctx, pickup, maxRadiusKm, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(nearby))
	for _, n := range nearby {
		if n.DistanceKm > maxRadiusKm {
			continue
		}
		c := Candidate{
			DriverID:   n.DriverID,
			Position:   n.Position,
			DistanceKm: n.DistanceKm,
			Vehicle:    n.Vehicle,
			UpdatedAt:  n.UpdatedAt,
		}
		if n.Rating > 0 {
			r := n.Rating
			c.Rating = &r
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}

	s.fillETA(ctx, pickup, out)
	return out, nil
}

func (s *Service) fillETA(ctx context.Context, pickup types.Point, cs []Candidate) {
	if len(cs) == 0 {
		return
	}
	origins := make([]types.Point, len(cs))
	for i, c := range cs {
		origins[i] = c.Position
	}
	etaCtx, cancel := context.WithTimeout(ctx, s.cfg.ETATimeout)
	mins, err := s.eta.EstimateMinutes(etaCtx, origins, pickup)
	cancel()
	if err != nil || len(mins) != len(cs) {
		s.log.WithError(err).Warn("eta estimate failed, using straight-line speed")
		mins, _ = SpeedETA{AvgSpeedKmh: s.cfg.AvgSpeedKmh}.EstimateMinutes(ctx, origins, pickup)
	}
	for i := range cs {
		cs[i].EtaMinutes = mins[i]
	}
}
