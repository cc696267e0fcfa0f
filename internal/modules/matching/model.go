// README: Ranked driver candidates returned for a pickup point.
package matching

import (
	"errors"
	"time"

	"ridehail/internal/types"
)

var ErrBadRequest = errors.New("bad request")

type Candidate struct {
	DriverID   types.ID    `json:"id"`
	Position   types.Point `json:"-"`
	DistanceKm float64     `json:"distanceKm"`
	EtaMinutes int         `json:"etaMinutes"`
	Rating     *float64    `json:"rating,omitempty"`
	Vehicle    string      `json:"vehicle,omitempty"`
	UpdatedAt  time.Time   `json:"-"`
}

// DriverIDs returns candidate ids in rank order.
func DriverIDs(cs []Candidate) []types.ID {
	out := make([]types.ID, len(cs))
	for i, c := range cs {
		out[i] = c.DriverID
	}
	return out
}
