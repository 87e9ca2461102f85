package aggregator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers callback event ids. Claim reports true the first time
// key is seen within ttl. Release undoes a claim whose event was not applied.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisDedup uses SET NX with expiry, shared by every replica.
type RedisDedup struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisDedup(rdb redis.UniversalClient, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "govcast:dedup:"
	}
	return &RedisDedup{rdb: rdb, prefix: prefix}
}

func (d *RedisDedup) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.rdb.SetNX(ctx, d.prefix+key, 1, ttl).Result()
}

func (d *RedisDedup) Release(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, d.prefix+key).Err()
}

// DedupStore is implemented by storage.Store.
type DedupStore interface {
	ClaimDedup(ctx context.Context, key string, until time.Time) (bool, error)
	ReleaseDedup(ctx context.Context, key string) error
}

// StoreDedup keeps event ids in the durable store when Redis is not configured.
type StoreDedup struct {
	store DedupStore
	now   func() time.Time
}

func NewStoreDedup(store DedupStore) *StoreDedup {
	return &StoreDedup{store: store, now: time.Now}
}

func (d *StoreDedup) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.store.ClaimDedup(ctx, key, d.now().Add(ttl))
}

func (d *StoreDedup) Release(ctx context.Context, key string) error {
	return d.store.ReleaseDedup(ctx, key)
}
