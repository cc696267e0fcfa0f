// README: Candidate search endpoint.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridehail/internal/modules/matching"
	"ridehail/internal/types"
)

type MatchingHandler struct {
	matching *matching.Service
}

func NewMatchingHandler(svc *matching.Service) *MatchingHandler {
	return &MatchingHandler{matching: svc}
}

// rideId is accepted for correlation only; the search never reads the ride.
type candidatesReq struct {
	PickupLat   float64 `json:"pickupLat"`
	PickupLng   float64 `json:"pickupLng"`
	RideID      string  `json:"rideId"`
	MaxRadiusKm float64 `json:"maxRadiusKm"`
	Limit       int     `json:"limit"`
}

func (h *MatchingHandler) Candidates(c *gin.Context) {
	var req candidatesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cands, err := h.matching.FindCandidates(c.Request.Context(), types.Point{Lat: req.PickupLat, Lng: req.PickupLng}, req.MaxRadiusKm, req.Limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"drivers": cands})
}
