package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL     = 10 * time.Second
	defaultWaitTimeout = 10 * time.Second
	minBackoff         = 10 * time.Millisecond
	maxBackoff         = 250 * time.Millisecond
)

// ErrFetchAbandoned is returned to a waiter when the instance holding the
// fetch lock released it without publishing a value.
var ErrFetchAbandoned = errors.New("fetch abandoned by lock holder")

// Only the owner may release or extend a lock.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisCacher is a Cacher stored in Redis as JSON. A miss takes a SETNX lock
// so only one instance across the deployment runs the fetch; the others poll
// until the value is published.
type RedisCacher[T any] struct {
	client      redis.UniversalClient
	lockTTL     time.Duration
	waitTimeout time.Duration
}

// NewRedisCacher returns a RedisCacher using client.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	c := NewRedisCacher[protocol.Snapshot](client)
func NewRedisCacher[T any](client redis.UniversalClient) *RedisCacher[T] {
	return &RedisCacher[T]{
		client:      client,
		lockTTL:     defaultLockTTL,
		waitTimeout: defaultWaitTimeout,
	}
}

// GetOrFetch implements Cacher.
//
// Parameters:
//   - ctx: Context for cancellation and timeout control
//   - key: The cache key; the lock lives at key+":lock"
//   - ttl: Time-to-live of the published value
//   - fetchFn: Called only by the lock holder
//
// Returns:
//   - The cached or fetched value
//   - A wrapped Redis error, the fetch error, ErrFetchAbandoned, or ctx.Err()
func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	if v, ok, err := c.get(ctx, key); err != nil || ok {
		return v, err
	}

	lockKey := key + ":lock"
	lockValue := uuid.NewString()

	acquired, err := c.client.SetNX(ctx, lockKey, lockValue, c.lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !acquired {
		return c.waitForValue(ctx, key, lockKey)
	}

	// released on a fresh context so a cancelled caller still frees the lock
	defer releaseScript.Run(context.Background(), c.client, []string{lockKey}, lockValue)

	extendCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.extendLock(extendCtx, lockKey, lockValue)

	result, err := fetchFn(ctx)
	if err != nil {
		return zero, fmt.Errorf("fetch function failed: %w", err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := c.client.Set(context.Background(), key, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("failed to cache result: %w", err)
	}

	return result, nil
}

// Delete implements Cacher.
func (c *RedisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	return nil
}

func (c *RedisCacher[T]) get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get error: %w", err)
	}

	var result T
	if err := json.Unmarshal(val, &result); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return result, true, nil
}

// extendLock keeps the lock alive at a third of its TTL until ctx ends.
func (c *RedisCacher[T]) extendLock(ctx context.Context, lockKey, lockValue string) {
	ticker := time.NewTicker(c.lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendScript.Run(ctx, c.client, []string{lockKey}, lockValue, c.lockTTL.Milliseconds())
		}
	}
}

// waitForValue polls with exponential backoff until the lock holder publishes
// the value, gives up the lock, or waitTimeout passes.
func (c *RedisCacher[T]) waitForValue(ctx context.Context, key, lockKey string) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()

	backoff := minBackoff
	for {
		if v, ok, err := c.get(ctx, key); err != nil || ok {
			return v, err
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("failed to check lock existence: %w", err)
		}

		if exists == 0 {
			// the holder may have published just before releasing
			if v, ok, err := c.get(ctx, key); err != nil || ok {
				return v, err
			}

			return zero, ErrFetchAbandoned
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
