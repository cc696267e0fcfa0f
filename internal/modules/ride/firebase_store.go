// README: Ride store on Firebase Realtime Database; status writes run inside Ref.Transaction.
package ride

import (
	"context"
	"errors"
	"sort"
	"time"

	"firebase.google.com/go/v4/db"

	"ridehail/internal/types"
)

const (
	ridesPath       = "rides/"
	riderActivePath = "riderActiveRide/"
	rideEventsPath  = "rideEvents/"
)

// errCASMiss aborts a transaction whose precondition no longer holds.
var errCASMiss = errors.New("ride precondition changed")

type FirebaseStore struct {
	client *db.Client
}

func NewFirebaseStore(client *db.Client) *FirebaseStore {
	return &FirebaseStore{client: client}
}

type placeDoc struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

type moneyDoc struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// rideDoc is the JSON shape under rides/{id}. Timestamps are epoch millis.
type rideDoc struct {
	ID                 string    `json:"id"`
	RiderID            string    `json:"riderId"`
	DriverID           string    `json:"driverId,omitempty"`
	Status             string    `json:"status"`
	Version            int       `json:"version"`
	RideType           string    `json:"rideType"`
	Pickup             placeDoc  `json:"pickup"`
	Destination        placeDoc  `json:"destination"`
	EstimatedFare      moneyDoc  `json:"estimatedFare"`
	RiderOfferedPrice  *moneyDoc `json:"riderOfferedPrice,omitempty"`
	DriverCounterPrice *moneyDoc `json:"driverCounterPrice,omitempty"`
	AcceptedPrice      *moneyDoc `json:"acceptedPrice,omitempty"`
	DistanceKm         float64   `json:"distanceKm"`
	DurationMinutes    int       `json:"durationMinutes"`
	PaymentMethod      string    `json:"paymentMethod"`
	PaymentStatus      string    `json:"paymentStatus"`
	RequestedAt        int64     `json:"requestedAt"`
	AcceptedAt         *int64    `json:"acceptedAt,omitempty"`
	ArrivedAt          *int64    `json:"arrivedAt,omitempty"`
	StartedAt          *int64    `json:"startedAt,omitempty"`
	CompletedAt        *int64    `json:"completedAt,omitempty"`
	CancelledAt        *int64    `json:"cancelledAt,omitempty"`
	CancelReason       string    `json:"cancelReason,omitempty"`
	CancelledBy        string    `json:"cancelledBy,omitempty"`
}

type eventDoc struct {
	FromStatus string `json:"from"`
	ToStatus   string `json:"to"`
	ActorType  string `json:"actorType"`
	ActorID    string `json:"actorId,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

func (s *FirebaseStore) Create(ctx context.Context, r *Ride) error {
	marker := s.client.NewRef(riderActivePath + string(r.RiderID))
	err := marker.Transaction(ctx, func(tn db.TransactionNode) (interface{}, error) {
		var held string
		if err := tn.Unmarshal(&held); err != nil {
			return nil, err
		}
		if held != "" && held != string(r.ID) {
			return nil, ErrActiveRide
		}
		return string(r.ID), nil
	})
	if errors.Is(err, ErrActiveRide) {
		return ErrActiveRide
	}
	if err != nil {
		return types.Unavailable("claim rider", err)
	}

	if err := s.client.NewRef(ridesPath+string(r.ID)).Set(ctx, toDoc(r)); err != nil {
		_ = marker.Delete(ctx)
		return types.Unavailable("write ride", err)
	}
	return nil
}

func (s *FirebaseStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	var doc rideDoc
	if err := s.client.NewRef(ridesPath+string(id)).Get(ctx, &doc); err != nil {
		return nil, types.Unavailable("read ride", err)
	}
	if doc.ID == "" {
		return nil, ErrNotFound
	}
	return fromDoc(doc), nil
}

func (s *FirebaseStore) UpdateStatus(ctx context.Context, next *Ride, from Status, version int) (bool, error) {
	want := toDoc(next)
	err := s.client.NewRef(ridesPath+string(next.ID)).Transaction(ctx, func(tn db.TransactionNode) (interface{}, error) {
		var cur rideDoc
		if err := tn.Unmarshal(&cur); err != nil {
			return nil, err
		}
		if cur.ID == "" {
			return nil, ErrNotFound
		}
		if cur.Status != string(from) || cur.Version != version {
			return nil, errCASMiss
		}
		if cur.DriverID != "" && (cur.DriverID != want.DriverID || !sameMoneyDoc(cur.AcceptedPrice, want.AcceptedPrice)) {
			return nil, errCASMiss
		}
		return want, nil
	})
	switch {
	case errors.Is(err, errCASMiss):
		return false, nil
	case errors.Is(err, ErrNotFound):
		return false, ErrNotFound
	case err != nil:
		return false, types.Unavailable("update ride", err)
	}

	if next.Status.Terminal() {
		s.releaseRider(ctx, next.RiderID, next.ID)
	}
	return true, nil
}

// releaseRider clears the active-ride marker if it still points at rideID.
func (s *FirebaseStore) releaseRider(ctx context.Context, riderID, rideID types.ID) {
	_ = s.client.NewRef(riderActivePath+string(riderID)).Transaction(ctx, func(tn db.TransactionNode) (interface{}, error) {
		var held string
		if err := tn.Unmarshal(&held); err != nil {
			return nil, err
		}
		if held != string(rideID) {
			return held, nil
		}
		return nil, nil
	})
}

func (s *FirebaseStore) AppendEvent(ctx context.Context, e *Event) error {
	doc := eventDoc{
		FromStatus: string(e.FromStatus),
		ToStatus:   string(e.ToStatus),
		ActorType:  string(e.ActorType),
		CreatedAt:  e.CreatedAt.UnixMilli(),
	}
	if e.ActorID != nil {
		doc.ActorID = string(*e.ActorID)
	}
	_, err := s.client.NewRef(rideEventsPath+string(e.RideID)).Push(ctx, doc)
	return types.Unavailable("append ride event", err)
}

func (s *FirebaseStore) Events(ctx context.Context, rideID types.ID) ([]Event, error) {
	var docs map[string]eventDoc
	if err := s.client.NewRef(rideEventsPath+string(rideID)).Get(ctx, &docs); err != nil {
		return nil, types.Unavailable("list ride events", err)
	}
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	// push keys sort chronologically
	sort.Strings(keys)

	out := make([]Event, 0, len(keys))
	for i, k := range keys {
		d := docs[k]
		e := Event{
			ID:         int64(i + 1),
			RideID:     rideID,
			FromStatus: Status(d.FromStatus),
			ToStatus:   Status(d.ToStatus),
			ActorType:  ActorType(d.ActorType),
			CreatedAt:  time.UnixMilli(d.CreatedAt).UTC(),
		}
		if d.ActorID != "" {
			id := types.ID(d.ActorID)
			e.ActorID = &id
		}
		out = append(out, e)
	}
	return out, nil
}

func toDoc(r *Ride) rideDoc {
	d := rideDoc{
		ID:                 string(r.ID),
		RiderID:            string(r.RiderID),
		Status:             string(r.Status),
		Version:            r.Version,
		RideType:           r.RideType,
		Pickup:             placeDoc{Lat: r.Pickup.Lat, Lng: r.Pickup.Lng, Address: r.Pickup.Address},
		Destination:        placeDoc{Lat: r.Destination.Lat, Lng: r.Destination.Lng, Address: r.Destination.Address},
		EstimatedFare:      moneyDoc(r.EstimatedFare),
		RiderOfferedPrice:  toMoneyDoc(r.RiderOfferedPrice),
		DriverCounterPrice: toMoneyDoc(r.DriverCounterPrice),
		DistanceKm:         r.DistanceKm,
		DurationMinutes:    r.DurationMinutes,
		PaymentMethod:      r.PaymentMethod,
		PaymentStatus:      string(r.PaymentStatus),
		RequestedAt:        r.RequestedAt.UnixMilli(),
		ArrivedAt:          toMillis(r.ArrivedAt),
		StartedAt:          toMillis(r.StartedAt),
		CompletedAt:        toMillis(r.CompletedAt),
		CancelledAt:        toMillis(r.CancelledAt),
		CancelReason:       r.CancelReason,
		CancelledBy:        string(r.CancelledBy),
	}
	if a := r.Assignment; a != nil {
		d.DriverID = string(a.DriverID)
		d.AcceptedPrice = toMoneyDoc(&a.AcceptedPrice)
		d.AcceptedAt = toMillis(&a.AcceptedAt)
	}
	return d
}

func fromDoc(d rideDoc) *Ride {
	r := &Ride{
		ID:                 types.ID(d.ID),
		RiderID:            types.ID(d.RiderID),
		Status:             Status(d.Status),
		Version:            d.Version,
		RideType:           d.RideType,
		Pickup:             types.Place{Point: types.Point{Lat: d.Pickup.Lat, Lng: d.Pickup.Lng}, Address: d.Pickup.Address},
		Destination:        types.Place{Point: types.Point{Lat: d.Destination.Lat, Lng: d.Destination.Lng}, Address: d.Destination.Address},
		EstimatedFare:      types.Money(d.EstimatedFare),
		RiderOfferedPrice:  fromMoneyDoc(d.RiderOfferedPrice),
		DriverCounterPrice: fromMoneyDoc(d.DriverCounterPrice),
		DistanceKm:         d.DistanceKm,
		DurationMinutes:    d.DurationMinutes,
		PaymentMethod:      d.PaymentMethod,
		PaymentStatus:      PaymentStatus(d.PaymentStatus),
		RequestedAt:        time.UnixMilli(d.RequestedAt).UTC(),
		ArrivedAt:          fromMillis(d.ArrivedAt),
		StartedAt:          fromMillis(d.StartedAt),
		CompletedAt:        fromMillis(d.CompletedAt),
		CancelledAt:        fromMillis(d.CancelledAt),
		CancelReason:       d.CancelReason,
		CancelledBy:        ActorType(d.CancelledBy),
	}
	if d.DriverID != "" && d.AcceptedPrice != nil && d.AcceptedAt != nil {
		r.Assignment = &Assignment{
			DriverID:      types.ID(d.DriverID),
			AcceptedPrice: types.Money(*d.AcceptedPrice),
			AcceptedAt:    time.UnixMilli(*d.AcceptedAt).UTC(),
		}
	}
	return r
}

func sameMoneyDoc(a, b *moneyDoc) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func toMoneyDoc(m *types.Money) *moneyDoc {
	if m == nil {
		return nil
	}
	d := moneyDoc(*m)
	return &d
}

func fromMoneyDoc(d *moneyDoc) *types.Money {
	if d == nil {
		return nil
	}
	m := types.Money(*d)
	return &m
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
