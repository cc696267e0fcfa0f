// README: Offer store backed by Redis: one expiring key per offer plus ride and driver index sets.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ridehail/internal/types"
)

const (
	offerKeyPrefix        = "ridehail:offer:%s:%s"
	rideOffersKeyPrefix   = "ridehail:ride:%s:offers"
	driverOffersKeyPrefix = "ridehail:driver:%s:offers"
)

type RedisOfferStore struct {
	redis *redis.Client
}

func NewRedisOfferStore(client *redis.Client) *RedisOfferStore {
	return &RedisOfferStore{redis: client}
}

func offerKey(rideID, driverID types.ID) string {
	return fmt.Sprintf(offerKeyPrefix, string(rideID), string(driverID))
}

func rideOffersKey(rideID types.ID) string {
	return fmt.Sprintf(rideOffersKeyPrefix, string(rideID))
}

func driverOffersKey(driverID types.ID) string {
	return fmt.Sprintf(driverOffersKeyPrefix, string(driverID))
}

func (s *RedisOfferStore) Put(ctx context.Context, o Offer) (Offer, bool, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return Offer{}, false, fmt.Errorf("encode offer: %w", err)
	}
	ttl := o.TTL()
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	ok, err := s.redis.SetNX(ctx, offerKey(o.RideID, o.DriverID), raw, ttl).Result()
	if err != nil {
		return Offer{}, false, types.Unavailable("redis put offer", err)
	}
	if !ok {
		cur, err := s.Get(ctx, o.RideID, o.DriverID)
		if errors.Is(err, ErrNoOffer) {
			// expired between SETNX and GET; the caller may retry
			return Offer{}, false, types.Unavailable("redis put offer", err)
		}
		return cur, false, err
	}

	_, err = s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, rideOffersKey(o.RideID), string(o.DriverID))
		p.Expire(ctx, rideOffersKey(o.RideID), ttl)
		p.SAdd(ctx, driverOffersKey(o.DriverID), string(o.RideID))
		p.Expire(ctx, driverOffersKey(o.DriverID), ttl)
		return nil
	})
	if err != nil {
		return Offer{}, false, types.Unavailable("redis index offer", err)
	}
	return o, true, nil
}

func (s *RedisOfferStore) Get(ctx context.Context, rideID, driverID types.ID) (Offer, error) {
	raw, err := s.redis.Get(ctx, offerKey(rideID, driverID)).Bytes()
	if err == redis.Nil {
		return Offer{}, ErrNoOffer
	}
	if err != nil {
		return Offer{}, types.Unavailable("redis get offer", err)
	}
	var o Offer
	if err := json.Unmarshal(raw, &o); err != nil {
		return Offer{}, fmt.Errorf("decode offer %s/%s: %w", rideID, driverID, err)
	}
	return o, nil
}

func (s *RedisOfferStore) ListByDriver(ctx context.Context, driverID types.ID) ([]Offer, error) {
	rideIDs, err := s.redis.SMembers(ctx, driverOffersKey(driverID)).Result()
	if err != nil {
		return nil, types.Unavailable("redis list driver offers", err)
	}
	keys := make([]string, len(rideIDs))
	for i, id := range rideIDs {
		keys[i] = offerKey(types.ID(id), driverID)
	}
	out, stale, err := s.load(ctx, keys, rideIDs)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		s.redis.SRem(ctx, driverOffersKey(driverID), stale...)
	}
	return out, nil
}

func (s *RedisOfferStore) ListByRide(ctx context.Context, rideID types.ID) ([]Offer, error) {
	driverIDs, err := s.redis.SMembers(ctx, rideOffersKey(rideID)).Result()
	if err != nil {
		return nil, types.Unavailable("redis list ride offers", err)
	}
	keys := make([]string, len(driverIDs))
	for i, id := range driverIDs {
		keys[i] = offerKey(rideID, types.ID(id))
	}
	out, stale, err := s.load(ctx, keys, driverIDs)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		s.redis.SRem(ctx, rideOffersKey(rideID), stale...)
	}
	return out, nil
}

// load fetches the offer keys; members whose key has expired are returned as stale.
func (s *RedisOfferStore) load(ctx context.Context, keys, members []string) ([]Offer, []interface{}, error) {
	if len(keys) == 0 {
		return []Offer{}, nil, nil
	}
	cmds := make([]*redis.StringCmd, len(keys))
	_, err := s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.Get(ctx, k)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, types.Unavailable("redis load offers", err)
	}

	out := make([]Offer, 0, len(keys))
	var stale []interface{}
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err == redis.Nil {
			stale = append(stale, members[i])
			continue
		}
		if err != nil {
			return nil, nil, types.Unavailable("redis load offers", err)
		}
		var o Offer
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, nil, fmt.Errorf("decode offer %s: %w", keys[i], err)
		}
		out = append(out, o)
	}
	sortOffers(out)
	return out, stale, nil
}

func (s *RedisOfferStore) Delete(ctx context.Context, rideID, driverID types.ID) error {
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, offerKey(rideID, driverID))
		p.SRem(ctx, rideOffersKey(rideID), string(driverID))
		p.SRem(ctx, driverOffersKey(driverID), string(rideID))
		return nil
	})
	return types.Unavailable("redis delete offer", err)
}

func (s *RedisOfferStore) DeleteByRide(ctx context.Context, rideID types.ID) ([]types.ID, error) {
	members, err := s.redis.SMembers(ctx, rideOffersKey(rideID)).Result()
	if err != nil {
		return nil, types.Unavailable("redis list ride offers", err)
	}
	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, d := range members {
			p.Del(ctx, offerKey(rideID, types.ID(d)))
			p.SRem(ctx, driverOffersKey(types.ID(d)), string(rideID))
		}
		p.Del(ctx, rideOffersKey(rideID))
		return nil
	})
	if err != nil {
		return nil, types.Unavailable("redis clear ride offers", err)
	}
	drivers := make([]types.ID, len(members))
	for i, d := range members {
		drivers[i] = types.ID(d)
	}
	return drivers, nil
}

// Sweep is a no-op: offer keys expire server-side and dangling index
// members are pruned on read.
func (s *RedisOfferStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
