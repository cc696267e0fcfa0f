// README: Driver handlers: visible offers, accept, location heartbeat, online toggle and eligibility.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridehail/internal/modules/acceptance"
	"ridehail/internal/modules/dispatch"
	"ridehail/internal/modules/geo"
	"ridehail/internal/types"
)

type DriverHandler struct {
	arbiter  *acceptance.Arbiter
	dispatch *dispatch.Service
	geo      *geo.Service
}

func NewDriverHandler(arbiter *acceptance.Arbiter, dispatchSvc *dispatch.Service, geoSvc *geo.Service) *DriverHandler {
	return &DriverHandler{arbiter: arbiter, dispatch: dispatchSvc, geo: geoSvc}
}

// driverParam reads :id and checks the caller may act as that driver.
func driverParam(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid driver id")
		return "", false
	}
	if !callerOf(c).isDriver(types.ID(id)) {
		writeError(c, http.StatusForbidden, "caller is not this driver")
		return "", false
	}
	return types.ID(id), true
}

func (h *DriverHandler) Offers(c *gin.Context) {
	driverID, ok := driverParam(c)
	if !ok {
		return
	}
	offers, err := h.dispatch.VisibleOffers(c.Request.Context(), driverID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"offers": offers})
}

type acceptReq struct {
	CounterPrice *moneyDTO `json:"counterPrice"`
}

func (h *DriverHandler) Accept(c *gin.Context) {
	driverID, ok := driverParam(c)
	if !ok {
		return
	}
	rideID := c.Param("rideId")
	if !isValidID(rideID) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var req acceptReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}

	res, err := h.arbiter.TryAccept(c.Request.Context(), types.ID(rideID), driverID, req.CounterPrice.toMoney())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if res.Outcome == acceptance.Lost {
		writeJSON(c, http.StatusConflict, gin.H{
			"outcome": res.Outcome,
			"reason":  res.Reason,
			"error":   "ride no longer available",
		})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"outcome": res.Outcome, "ride": toRideResponse(res.Ride)})
}

type locationReq struct {
	Lat     float64   `json:"lat"`
	Lng     float64   `json:"lng"`
	Heading float64   `json:"heading"`
	Speed   float64   `json:"speed"`
	At      time.Time `json:"at"`
}

func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	driverID, ok := driverParam(c)
	if !ok {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.geo.UpdateLocation(c.Request.Context(), geo.LocationUpdate{
		DriverID: driverID,
		Lat:      req.Lat,
		Lng:      req.Lng,
		Heading:  req.Heading,
		Speed:    req.Speed,
		At:       req.At,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type onlineReq struct {
	Online *bool `json:"online"`
}

func (h *DriverHandler) SetOnline(c *gin.Context) {
	driverID, ok := driverParam(c)
	if !ok {
		return
	}
	var req onlineReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		writeError(c, http.StatusBadRequest, "online is required")
		return
	}
	if err := h.geo.SetOnline(c.Request.Context(), driverID, *req.Online); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"driverId": driverID, "online": *req.Online})
}

type eligibilityReq struct {
	Eligibility string `json:"eligibility"`
}

// SetEligibility is called by the verification collaborator with an admin token.
func (h *DriverHandler) SetEligibility(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid driver id")
		return
	}
	if who := callerOf(c); who.authenticated() && !who.isAdmin() {
		writeError(c, http.StatusForbidden, "admin only")
		return
	}
	var req eligibilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.geo.SetEligibility(c.Request.Context(), types.ID(id), geo.Eligibility(req.Eligibility)); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"driverId": id, "eligibility": req.Eligibility})
}

func (h *DriverHandler) Status(c *gin.Context) {
	driverID, ok := driverParam(c)
	if !ok {
		return
	}
	st, err := h.geo.Status(c.Request.Context(), driverID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}
