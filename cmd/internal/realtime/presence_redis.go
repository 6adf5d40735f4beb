package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPresencePrefix = "presence:user:"

// RedisPresence is a PresenceTracker backed by Redis TTL keys, for deployments
// running more than one gateway instance. Expiry is enforced by Redis itself;
// a key that outlives its TTL simply disappears.
//
// Single-instance deployments should prefer MemoryPresence: presence is derived
// state and is rebuilt from live heartbeats after a restart either way.
type RedisPresence struct {
	rdb    *redis.Client
	expiry time.Duration
}

// NewRedisPresence constructs a Redis-backed presence tracker.
func NewRedisPresence(rdb *redis.Client, expiry time.Duration) (*RedisPresence, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if expiry <= 0 {
		expiry = presenceExpiry
	}
	return &RedisPresence{rdb: rdb, expiry: expiry}, nil
}

// Heartbeat refreshes the user's presence key and its TTL.
func (p *RedisPresence) Heartbeat(ctx context.Context, userID string, at time.Time) error {
	if userID == "" {
		return nil
	}
	return p.rdb.Set(ctx, redisPresencePrefix+userID, at.UnixMilli(), p.expiry).Err()
}

// Online reports whether the user's presence key is still live.
func (p *RedisPresence) Online(ctx context.Context, userID string, _ time.Time) (bool, time.Time, error) {
	ms, err := p.rdb.Get(ctx, redisPresencePrefix+userID).Int64()
	if errors.Is(err, redis.Nil) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, err
	}
	return true, time.UnixMilli(ms).UTC(), nil
}

// OnlineUsers scans live presence keys.
// SCAN keeps this safe on shared Redis instances (no blocking KEYS call).
func (p *RedisPresence) OnlineUsers(ctx context.Context, _ time.Time) ([]PresenceRecord, error) {
	var out []PresenceRecord

	iter := p.rdb.Scan(ctx, 0, redisPresencePrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ms, err := p.rdb.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		out = append(out, PresenceRecord{
			UserID:   key[len(redisPresencePrefix):],
			LastSeen: time.UnixMilli(ms).UTC(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Forget drops the user's presence key immediately.
func (p *RedisPresence) Forget(ctx context.Context, userID string) error {
	return p.rdb.Del(ctx, redisPresencePrefix+userID).Err()
}
