// README: Base handler utilities (JSON helpers, caller identity, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridehail/internal/http/middleware"
	"ridehail/internal/modules/acceptance"
	"ridehail/internal/modules/dispatch"
	"ridehail/internal/modules/geo"
	"ridehail/internal/modules/matching"
	"ridehail/internal/modules/negotiation"
	"ridehail/internal/modules/ride"
	"ridehail/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts uuids and the alphanumeric uids issued by Firebase.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeServiceError maps module sentinels onto status codes.
func writeServiceError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case types.IsUnavailable(err):
		writeError(c, http.StatusServiceUnavailable, "temporarily unavailable, retry")
	case errors.Is(err, ride.ErrNotFound), errors.Is(err, geo.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ride.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ride.ErrInvalidState),
		errors.Is(err, ride.ErrConflict),
		errors.Is(err, ride.ErrActiveRide),
		errors.Is(err, dispatch.ErrRideNotOpen),
		errors.Is(err, geo.ErrDriverBusy):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, ride.ErrBadRequest),
		errors.Is(err, geo.ErrBadRequest),
		errors.Is(err, matching.ErrBadRequest),
		errors.Is(err, dispatch.ErrBadRequest),
		errors.Is(err, acceptance.ErrBadRequest),
		errors.Is(err, negotiation.ErrInvalidPrice),
		errors.Is(err, negotiation.ErrCurrencyMismatch),
		errors.Is(err, negotiation.ErrBelowFloor):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// caller is the authenticated identity. When the router runs without a token
// verifier uid is empty and ownership checks are skipped.
type caller struct {
	uid  string
	role string
}

func callerOf(c *gin.Context) caller {
	return caller{uid: middleware.CallerUID(c), role: middleware.CallerRole(c)}
}

func (k caller) authenticated() bool { return k.uid != "" }

func (k caller) isAdmin() bool { return k.role == middleware.RoleAdmin }

// is reports whether the caller may act as id.
func (k caller) is(id types.ID) bool {
	return !k.authenticated() || k.isAdmin() || types.ID(k.uid) == id
}

func (k caller) isDriver(id types.ID) bool {
	if !k.authenticated() || k.isAdmin() {
		return true
	}
	return k.role == middleware.RoleDriver && types.ID(k.uid) == id
}

type moneyDTO struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

func (m *moneyDTO) toMoney() *types.Money {
	if m == nil {
		return nil
	}
	out := types.NewMoney(m.Amount)
	if m.Currency != "" {
		out.Currency = m.Currency
	}
	return &out
}

type placeDTO struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (p placeDTO) toPlace() types.Place {
	return types.Place{Point: types.Point{Lat: p.Lat, Lng: p.Lng}, Address: p.Address}
}

type rideResponse struct {
	ID                 types.ID       `json:"id"`
	RiderID            types.ID       `json:"riderId"`
	DriverID           types.ID       `json:"driverId,omitempty"`
	Status             ride.Status    `json:"status"`
	RideType           string         `json:"rideType"`
	Pickup             types.Place    `json:"pickup"`
	Destination        types.Place    `json:"destination"`
	EstimatedFare      types.Money    `json:"estimatedFare"`
	RiderOfferedPrice  *types.Money   `json:"riderOfferedPrice,omitempty"`
	DriverCounterPrice *types.Money   `json:"driverCounterPrice,omitempty"`
	AcceptedPrice      *types.Money   `json:"acceptedPrice,omitempty"`
	DistanceKm         float64        `json:"distanceKm"`
	DurationMinutes    int            `json:"durationMinutes"`
	PaymentMethod      string         `json:"paymentMethod,omitempty"`
	PaymentStatus      string         `json:"paymentStatus"`
	RequestedAt        time.Time      `json:"requestedAt"`
	AcceptedAt         *time.Time     `json:"acceptedAt,omitempty"`
	ArrivedAt          *time.Time     `json:"arrivedAt,omitempty"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
	CancelledAt        *time.Time     `json:"cancelledAt,omitempty"`
	CancelReason       string         `json:"cancelReason,omitempty"`
	CancelledBy        ride.ActorType `json:"cancelledBy,omitempty"`
}

func toRideResponse(r *ride.Ride) rideResponse {
	out := rideResponse{
		ID:                 r.ID,
		RiderID:            r.RiderID,
		Status:             r.Status,
		RideType:           r.RideType,
		Pickup:             r.Pickup,
		Destination:        r.Destination,
		EstimatedFare:      r.EstimatedFare,
		RiderOfferedPrice:  r.RiderOfferedPrice,
		DriverCounterPrice: r.DriverCounterPrice,
		DistanceKm:         r.DistanceKm,
		DurationMinutes:    r.DurationMinutes,
		PaymentMethod:      r.PaymentMethod,
		PaymentStatus:      string(r.PaymentStatus),
		RequestedAt:        r.RequestedAt,
		ArrivedAt:          r.ArrivedAt,
		StartedAt:          r.StartedAt,
		CompletedAt:        r.CompletedAt,
		CancelledAt:        r.CancelledAt,
		CancelReason:       r.CancelReason,
		CancelledBy:        r.CancelledBy,
	}
	if a := r.Assignment; a != nil {
		price, at := a.AcceptedPrice, a.AcceptedAt
		out.DriverID = a.DriverID
		out.AcceptedPrice = &price
		out.AcceptedAt = &at
	}
	return out
}
