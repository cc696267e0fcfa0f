// README: Ride store backed by PostgreSQL; status writes are conditional on status and version.
package ride

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridehail/internal/types"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, r *Ride) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO rides (
			id, rider_id, status, status_version, ride_type,
			pickup_lat, pickup_lng, pickup_address, dest_lat, dest_lng, dest_address,
			currency, estimated_fare, rider_offered_price,
			distance_km, duration_minutes, payment_method, payment_status, requested_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18, $19
		)`,
		string(r.ID), string(r.RiderID), string(r.Status), r.Version, r.RideType,
		r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address, r.Destination.Lat, r.Destination.Lng, r.Destination.Address,
		r.EstimatedFare.Currency, r.EstimatedFare.Amount, amountPtr(r.RiderOfferedPrice),
		r.DistanceKm, r.DurationMinutes, r.PaymentMethod, string(r.PaymentStatus), r.RequestedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == "rides_one_active_per_rider" {
			return ErrActiveRide
		}
		return ErrConflict
	}
	return types.Unavailable("insert ride", err)
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, rider_id, driver_id, status, status_version, ride_type,
		       pickup_lat, pickup_lng, pickup_address, dest_lat, dest_lng, dest_address,
		       currency, estimated_fare, rider_offered_price, driver_counter_price, accepted_price,
		       distance_km, duration_minutes, payment_method, payment_status,
		       requested_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at,
		       cancel_reason, cancelled_by
		FROM rides
		WHERE id = $1`, string(id),
	)

	var r Ride
	var driverID sql.NullString
	var offered, counter, accepted sql.NullInt64
	var acceptedAt, arrivedAt, startedAt, completedAt, cancelledAt sql.NullTime
	var cancelledBy string

	err := row.Scan(
		&r.ID, &r.RiderID, &driverID, &r.Status, &r.Version, &r.RideType,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address, &r.Destination.Lat, &r.Destination.Lng, &r.Destination.Address,
		&r.EstimatedFare.Currency, &r.EstimatedFare.Amount, &offered, &counter, &accepted,
		&r.DistanceKm, &r.DurationMinutes, &r.PaymentMethod, &r.PaymentStatus,
		&r.RequestedAt, &acceptedAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt,
		&r.CancelReason, &cancelledBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, types.Unavailable("get ride", err)
	}

	cur := r.EstimatedFare.Currency
	r.RiderOfferedPrice = toMoney(offered, cur)
	r.DriverCounterPrice = toMoney(counter, cur)
	if driverID.Valid && accepted.Valid && acceptedAt.Valid {
		r.Assignment = &Assignment{
			DriverID:      types.ID(driverID.String),
			AcceptedPrice: types.Money{Amount: accepted.Int64, Currency: cur},
			AcceptedAt:    acceptedAt.Time,
		}
	}
	r.ArrivedAt = toTimePtr(arrivedAt)
	r.StartedAt = toTimePtr(startedAt)
	r.CompletedAt = toTimePtr(completedAt)
	r.CancelledAt = toTimePtr(cancelledAt)
	r.CancelledBy = ActorType(cancelledBy)
	return &r, nil
}

// UpdateStatus relies on the row predicate for arbitration: of N concurrent
// writers holding the same (status, version), exactly one matches.
func (s *PostgresStore) UpdateStatus(ctx context.Context, next *Ride, from Status, version int) (bool, error) {
	var driverID *string
	var accepted *int64
	var acceptedAt *time.Time
	if a := next.Assignment; a != nil {
		d := string(a.DriverID)
		driverID = &d
		accepted = &a.AcceptedPrice.Amount
		acceptedAt = &a.AcceptedAt
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = $1,
		    status_version = status_version + 1,
		    driver_id = $2,
		    accepted_price = $3,
		    accepted_at = $4,
		    driver_counter_price = $5,
		    arrived_at = $6,
		    started_at = $7,
		    completed_at = $8,
		    cancelled_at = $9,
		    cancel_reason = $10,
		    cancelled_by = $11,
		    payment_status = $12
		WHERE id = $13 AND status = $14 AND status_version = $15
		  AND (driver_id IS NULL OR (driver_id = $2 AND accepted_price = $3))`,
		string(next.Status),
		driverID,
		accepted,
		acceptedAt,
		amountPtr(next.DriverCounterPrice),
		next.ArrivedAt,
		next.StartedAt,
		next.CompletedAt,
		next.CancelledAt,
		next.CancelReason,
		string(next.CancelledBy),
		string(next.PaymentStatus),
		string(next.ID),
		string(from),
		version,
	)
	if err != nil {
		return false, types.Unavailable("update ride status", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_state_events (
			ride_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RideID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorType),
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return types.Unavailable("append ride event", err)
}

func (s *PostgresStore) Events(ctx context.Context, rideID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ride_id, from_status, to_status, actor_type, actor_id, created_at
		FROM ride_state_events
		WHERE ride_id = $1
		ORDER BY id`, string(rideID),
	)
	if err != nil {
		return nil, types.Unavailable("list ride events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.RideID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &e.CreatedAt); err != nil {
			return nil, types.Unavailable("scan ride event", err)
		}
		if actorID.Valid {
			id := types.ID(actorID.String)
			e.ActorID = &id
		}
		out = append(out, e)
	}
	return out, types.Unavailable("iterate ride events", rows.Err())
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func amountPtr(v *types.Money) *int64 {
	if v == nil {
		return nil
	}
	n := v.Amount
	return &n
}

func toMoney(v sql.NullInt64, currency string) *types.Money {
	if !v.Valid {
		return nil
	}
	return &types.Money{Amount: v.Int64, Currency: currency}
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
