package x402

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/infra402/src/api/data"
)

// Guard remembers which proofs have been spent.
type Guard interface {
	Claim(ctx context.Context, fingerprint, payer string) (bool, error)
	Release(ctx context.Context, fingerprint string) error
}

// RedisGuard keeps proof claims in redis with a TTL longer than any
// authorization's validity window.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisGuard(rdb *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func (g *RedisGuard) Claim(ctx context.Context, fingerprint, payer string) (bool, error) {
	return data.ClaimProof(ctx, g.rdb, fingerprint, payer, g.ttl)
}

func (g *RedisGuard) Release(ctx context.Context, fingerprint string) error {
	return data.ReleaseProof(ctx, g.rdb, fingerprint)
}
