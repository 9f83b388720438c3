// Package idempotency provides a distributed claim guard backed by Redis,
// used to give the Scheduler a fast cross-instance idempotency check on top
// of the Store's own (mix_id, output_index) uniqueness constraint — useful
// when several mixer processes share one Store region during a rolling
// deploy and a scheduler tick on each instance could otherwise race to
// insert the same payout job. Grounded on the cache-aside patterns the rest
// of the pack reaches for go-redis to implement, generalized here to a
// single SETNX-style claim primitive.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Guard is a distributed, TTL-bounded claim check.
type Guard interface {
	// Claim reports whether the caller won the right to act on key. A
	// second Claim for the same key within ttl returns false.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisGuard implements Guard using Redis SETNX semantics.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard returns a Guard using client, namespacing keys under prefix
// (e.g. "mixer:scheduler:").
func NewRedisGuard(client *redis.Client, prefix string) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix}
}

// Claim attempts SET key value NX EX ttl, the standard Redis distributed
// lock idiom: the first caller to arrive within the TTL window wins.
func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: redis claim %s: %w", key, err)
	}
	return ok, nil
}

// Release clears a previously claimed key, used when the claimed work
// failed before completing so a retry on another instance is not blocked
// for the full TTL.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency: redis release %s: %w", key, err)
	}
	return nil
}

var _ Guard = (*RedisGuard)(nil)

// Dial connects to addr and verifies connectivity with a PING, mirroring
// database.Open's connect-then-ping shape for the cache dependency.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("idempotency: connect redis %s: %w", addr, err)
	}
	return client, nil
}
