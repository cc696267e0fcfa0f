// README: Ride handlers: create, read, cancel, re-dispatch and the driver trip steps.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ridehail/internal/modules/dispatch"
	"ridehail/internal/modules/ride"
	"ridehail/internal/types"
)

type RideHandler struct {
	rides    *ride.Service
	dispatch *dispatch.Service
	log      logrus.FieldLogger
}

func NewRideHandler(rides *ride.Service, dispatchSvc *dispatch.Service, log logrus.FieldLogger) *RideHandler {
	return &RideHandler{rides: rides, dispatch: dispatchSvc, log: log}
}

type createRideReq struct {
	RiderID           string    `json:"riderId"`
	Pickup            placeDTO  `json:"pickup"`
	Destination       placeDTO  `json:"destination"`
	RideType          string    `json:"rideType"`
	EstimatedFare     *moneyDTO `json:"estimatedFare"`
	RiderOfferedPrice *moneyDTO `json:"riderOfferedPrice"`
	PaymentMethod     string    `json:"paymentMethod"`
}

func (h *RideHandler) Create(c *gin.Context) {
	var req createRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	who := callerOf(c)
	if req.RiderID == "" && who.authenticated() {
		req.RiderID = who.uid
	}
	if !isValidID(req.RiderID) {
		writeError(c, http.StatusBadRequest, "missing or invalid riderId")
		return
	}
	if !who.is(types.ID(req.RiderID)) {
		writeError(c, http.StatusForbidden, "cannot request a ride for another rider")
		return
	}

	r, err := h.rides.Create(c.Request.Context(), ride.CreateCommand{
		RiderID:           types.ID(req.RiderID),
		Pickup:            req.Pickup.toPlace(),
		Destination:       req.Destination.toPlace(),
		RideType:          req.RideType,
		EstimatedFare:     req.EstimatedFare.toMoney(),
		RiderOfferedPrice: req.RiderOfferedPrice.toMoney(),
		PaymentMethod:     req.PaymentMethod,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// The ride exists either way; a failed dispatch can be retried via /dispatch.
	offers, err := h.dispatch.Dispatch(c.Request.Context(), r)
	if err != nil {
		h.log.WithError(err).WithField("ride_id", r.ID).Warn("initial dispatch failed")
	}
	writeJSON(c, http.StatusCreated, gin.H{"ride": toRideResponse(r), "offers": len(offers)})
}

func (h *RideHandler) Get(c *gin.Context) {
	r, ok := h.loadVisible(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

func (h *RideHandler) History(c *gin.Context) {
	r, ok := h.loadVisible(c)
	if !ok {
		return
	}
	evs, err := h.rides.History(c.Request.Context(), r.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	out := make([]gin.H, 0, len(evs))
	for _, e := range evs {
		item := gin.H{"from": e.FromStatus, "to": e.ToStatus, "actorType": e.ActorType, "at": e.CreatedAt}
		if e.ActorID != nil {
			item["actorId"] = *e.ActorID
		}
		out = append(out, item)
	}
	writeJSON(c, http.StatusOK, gin.H{"events": out})
}

// loadVisible fetches the ride if the caller is its rider, its driver or an admin.
func (h *RideHandler) loadVisible(c *gin.Context) (*ride.Ride, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return nil, false
	}
	r, err := h.rides.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeServiceError(c, err)
		return nil, false
	}
	who := callerOf(c)
	driver, _ := r.DriverID()
	if !who.is(r.RiderID) && !(driver != "" && who.is(driver)) {
		writeError(c, http.StatusForbidden, "not a party to this ride")
		return nil, false
	}
	return r, true
}

type cancelReq struct {
	Reason string `json:"reason"`
	// Actor and ActorID are only honoured when auth is disabled.
	Actor   string `json:"actor"`
	ActorID string `json:"actorId"`
}

func (h *RideHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}

	actor, err := h.cancelActor(c.Request.Context(), callerOf(c), types.ID(id), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	r, err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{RideID: types.ID(id), Actor: actor, Reason: req.Reason})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

// cancelActor derives who is cancelling from the verified caller.
func (h *RideHandler) cancelActor(ctx context.Context, who caller, rideID types.ID, req cancelReq) (ride.Actor, error) {
	if !who.authenticated() {
		if req.Actor == "" {
			return ride.Actor{Type: ride.ActorSystem}, nil
		}
		return ride.Actor{Type: ride.ActorType(req.Actor), ID: types.ID(req.ActorID)}, nil
	}
	if who.isAdmin() {
		return ride.Actor{Type: ride.ActorAdmin, ID: types.ID(who.uid)}, nil
	}
	r, err := h.rides.Get(ctx, rideID)
	if err != nil {
		return ride.Actor{}, err
	}
	if driver, ok := r.DriverID(); ok && driver == types.ID(who.uid) {
		return ride.Actor{Type: ride.ActorDriver, ID: driver}, nil
	}
	return ride.Actor{Type: ride.ActorRider, ID: types.ID(who.uid)}, nil
}

func (h *RideHandler) Dispatch(c *gin.Context) {
	r, ok := h.loadVisible(c)
	if !ok {
		return
	}
	offers, err := h.dispatch.Dispatch(c.Request.Context(), r)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"rideId": r.ID, "offers": len(offers), "searching": len(offers) == 0})
}

type driverStepReq struct {
	DriverID string `json:"driverId"`
}

func (h *RideHandler) Arrive(c *gin.Context) {
	h.step(c, h.rides.Arrive)
}

func (h *RideHandler) Start(c *gin.Context) {
	h.step(c, h.rides.Start)
}

func (h *RideHandler) Complete(c *gin.Context) {
	h.step(c, h.rides.Complete)
}

func (h *RideHandler) step(c *gin.Context, fn func(context.Context, ride.DriverCommand) (*ride.Ride, error)) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	who := callerOf(c)
	driverID := who.uid
	if !who.authenticated() || who.isAdmin() {
		var req driverStepReq
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				writeError(c, http.StatusBadRequest, "invalid json")
				return
			}
		}
		if req.DriverID != "" {
			driverID = req.DriverID
		}
	}
	if !isValidID(driverID) {
		writeError(c, http.StatusBadRequest, "missing driverId")
		return
	}
	r, err := fn(c.Request.Context(), ride.DriverCommand{RideID: types.ID(id), DriverID: types.ID(driverID)})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}
