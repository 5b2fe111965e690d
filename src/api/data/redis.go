package data

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const proofPrefix = "x402:proof:"

// ClaimProof records a payment proof fingerprint. It returns false when the
// fingerprint was already claimed within ttl.
func ClaimProof(ctx context.Context, rdb *redis.Client, fingerprint, payer string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, proofPrefix+fingerprint, payer, ttl).Result()
}

// ReleaseProof forgets a claim, letting the caller retry with the same proof
// after a request that was not charged.
func ReleaseProof(ctx context.Context, rdb *redis.Client, fingerprint string) error {
	return rdb.Del(ctx, proofPrefix+fingerprint).Err()
}
