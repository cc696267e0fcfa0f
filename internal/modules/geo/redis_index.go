// README: Driver index backed by Redis GEO plus a metadata hash and a ride-claim key per driver.
package geo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ridehail/internal/types"
)

const (
	driverGeoKey     = "ridehail:drivers:geo"
	driverMetaPrefix = "ridehail:driver:%s"
	driverRidePrefix = "ridehail:driver:%s:ride"
)

type RedisIndex struct {
	redis     *redis.Client
	freshness time.Duration
}

func NewRedisIndex(client *redis.Client, freshness time.Duration) *RedisIndex {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &RedisIndex{redis: client, freshness: freshness}
}

func metaKey(id types.ID) string { return fmt.Sprintf(driverMetaPrefix, string(id)) }
func rideKey(id types.ID) string { return fmt.Sprintf(driverRidePrefix, string(id)) }

func (r *RedisIndex) UpsertLocation(ctx context.Context, u LocationUpdate) error {
	_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
			Name:      string(u.DriverID),
			Longitude: u.Lng,
			Latitude:  u.Lat,
		})
		p.HSet(ctx, metaKey(u.DriverID), map[string]interface{}{
			"lat":     strconv.FormatFloat(u.Lat, 'f', -1, 64),
			"lng":     strconv.FormatFloat(u.Lng, 'f', -1, 64),
			"heading": strconv.FormatFloat(u.Heading, 'f', -1, 64),
			"speed":   strconv.FormatFloat(u.Speed, 'f', -1, 64),
			"updated": strconv.FormatInt(u.At.UnixMilli(), 10),
		})
		return nil
	})
	return types.Unavailable("redis upsert location", err)
}

func (r *RedisIndex) SetOnline(ctx context.Context, driverID types.ID, online bool) error {
	err := r.redis.HSet(ctx, metaKey(driverID), "online", strconv.FormatBool(online)).Err()
	return types.Unavailable("redis set online", err)
}

func (r *RedisIndex) SetEligibility(ctx context.Context, driverID types.ID, e Eligibility) error {
	if !e.Valid() {
		return ErrBadRequest
	}
	err := r.redis.HSet(ctx, metaKey(driverID), "eligibility", string(e)).Err()
	return types.Unavailable("redis set eligibility", err)
}

func (r *RedisIndex) SetProfile(ctx context.Context, driverID types.ID, p Profile) error {
	err := r.redis.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"rating":  strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"vehicle": p.Vehicle,
	}).Err()
	return types.Unavailable("redis set profile", err)
}

func (r *RedisIndex) Query(ctx context.Context, q Query) ([]Nearby, error) {
	hits, err := r.redis.GeoRadius(ctx, driverGeoKey, q.Center.Lng, q.Center.Lat, &redis.GeoRadiusQuery{
		Radius: q.RadiusKm,
		Unit:   "km",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, types.Unavailable("redis georadius", err)
	}
	if len(hits) == 0 {
		return []Nearby{}, nil
	}

	metas := make([]*redis.MapStringStringCmd, len(hits))
	rides := make([]*redis.StringCmd, len(hits))
	_, err = r.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, h := range hits {
			id := types.ID(h.Name)
			metas[i] = p.HGetAll(ctx, metaKey(id))
			rides[i] = p.Get(ctx, rideKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, types.Unavailable("redis driver metadata", err)
	}

	out := []Nearby{}
	for i, h := range hits {
		st, loc := decodeDriver(types.ID(h.Name), metas[i].Val(), rides[i].Val())
		if !eligibleAt(st, loc, q.Now, r.freshness) {
			continue
		}
		dist := types.HaversineKm(q.Center, loc.Point())
		if dist > q.RadiusKm {
			continue
		}
		out = append(out, Nearby{
			DriverID:   st.DriverID,
			Position:   loc.Point(),
			DistanceKm: dist,
			UpdatedAt:  loc.UpdatedAt,
			Rating:     st.Rating,
			Vehicle:    st.Vehicle,
		})
	}
	sort.Slice(out, func(i, j int) bool { return lessNearby(out[i], out[j]) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *RedisIndex) AssignRide(ctx context.Context, driverID, rideID types.ID) (bool, error) {
	elig, err := r.redis.HGet(ctx, metaKey(driverID), "eligibility").Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, types.Unavailable("redis read eligibility", err)
	}
	if Eligibility(elig) != EligibilityApproved {
		return false, ErrNotEligible
	}

	ok, err := r.redis.SetNX(ctx, rideKey(driverID), string(rideID), 0).Result()
	if err != nil {
		return false, types.Unavailable("redis claim driver", err)
	}
	if ok {
		return true, nil
	}
	held, err := r.redis.Get(ctx, rideKey(driverID)).Result()
	if errors.Is(err, redis.Nil) {
		// released between SETNX and GET; caller may try again
		return false, ErrDriverBusy
	}
	if err != nil {
		return false, types.Unavailable("redis read claim", err)
	}
	if held == string(rideID) {
		return false, nil
	}
	return false, ErrDriverBusy
}

func (r *RedisIndex) ReleaseRide(ctx context.Context, driverID, rideID types.ID) error {
	key := rideKey(driverID)
	err := r.redis.Watch(ctx, func(tx *redis.Tx) error {
		held, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if held != string(rideID) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// someone else changed the claim; it no longer belongs to rideID
		return nil
	}
	return types.Unavailable("redis release driver", err)
}

func (r *RedisIndex) Status(ctx context.Context, driverID types.ID) (DriverStatus, error) {
	meta, ride, err := r.load(ctx, driverID)
	if err != nil {
		return DriverStatus{}, err
	}
	st, _ := decodeDriver(driverID, meta, ride)
	return st, nil
}

func (r *RedisIndex) Location(ctx context.Context, driverID types.ID) (DriverLocation, error) {
	meta, ride, err := r.load(ctx, driverID)
	if err != nil {
		return DriverLocation{}, err
	}
	_, loc := decodeDriver(driverID, meta, ride)
	if loc == nil {
		return DriverLocation{}, ErrNotFound
	}
	return *loc, nil
}

func (r *RedisIndex) load(ctx context.Context, driverID types.ID) (map[string]string, string, error) {
	var meta *redis.MapStringStringCmd
	var ride *redis.StringCmd
	_, err := r.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		meta = p.HGetAll(ctx, metaKey(driverID))
		ride = p.Get(ctx, rideKey(driverID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, "", types.Unavailable("redis load driver", err)
	}
	if len(meta.Val()) == 0 {
		return nil, "", ErrNotFound
	}
	return meta.Val(), ride.Val(), nil
}

func decodeDriver(id types.ID, meta map[string]string, ride string) (DriverStatus, *DriverLocation) {
	st := DriverStatus{
		DriverID:    id,
		Eligibility: EligibilityPending,
		Online:      meta["online"] == "true",
		Vehicle:     meta["vehicle"],
	}
	if e := Eligibility(meta["eligibility"]); e.Valid() {
		st.Eligibility = e
	}
	st.Rating, _ = strconv.ParseFloat(meta["rating"], 64)
	if ride != "" {
		rid := types.ID(ride)
		st.CurrentRideID = &rid
	}

	updated, err := strconv.ParseInt(meta["updated"], 10, 64)
	if err != nil {
		return st, nil
	}
	loc := &DriverLocation{DriverID: id, UpdatedAt: time.UnixMilli(updated)}
	loc.Lat, _ = strconv.ParseFloat(meta["lat"], 64)
	loc.Lng, _ = strconv.ParseFloat(meta["lng"], 64)
	loc.Heading, _ = strconv.ParseFloat(meta["heading"], 64)
	loc.Speed, _ = strconv.ParseFloat(meta["speed"], 64)
	return st, loc
}
