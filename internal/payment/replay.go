package payment

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ReplayGuard claims a callback fingerprint for a bounded window.
type ReplayGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisReplayGuard implements ReplayGuard using Redis SETNX semantics.
type RedisReplayGuard struct {
	Client *redis.Client
	Prefix string
}

// Acquire attempts to claim the key for ttl. A missing client always grants.
func (r RedisReplayGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r.Client == nil {
		return true, nil
	}
	return r.Client.SetNX(ctx, r.key(key), "1", ttl).Result()
}

// Release removes the guard key so the gateway's next delivery is processed.
func (r RedisReplayGuard) Release(ctx context.Context, key string) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Del(ctx, r.key(key)).Err()
}

func (r RedisReplayGuard) key(k string) string {
	if r.Prefix == "" {
		return "cb:" + k
	}
	return r.Prefix + ":cb:" + k
}
