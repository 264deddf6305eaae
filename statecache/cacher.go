// Package statecache puts a short-lived cache in front of a
// protocol.StateProvider so a burst of requests from many peers costs one
// state lookup, and so several servers can publish one shared snapshot
// through Redis.
package statecache

import (
	"context"
	"time"

	"github.com/cyberinferno/timerlink/protocol"
)

// FetchFunc loads a value on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher caches values with fetch-on-miss. Implementations must be safe for
// concurrent use and run at most one fetch per key at a time.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn and
	// caches its result for ttl. Fetch errors are returned and not cached.
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes key from the cache.
	Delete(ctx context.Context, key string) error
}

// CachedProvider is a protocol.StateProvider that serves snapshots from a
// Cacher and falls back to the wrapped provider on a miss.
type CachedProvider struct {
	provider protocol.StateProvider
	cacher   Cacher[protocol.Snapshot]
	key      string
	ttl      time.Duration
}

// NewCachedProvider wraps provider with cacher. Snapshots are stored under
// key for ttl.
func NewCachedProvider(
	provider protocol.StateProvider,
	cacher Cacher[protocol.Snapshot],
	key string,
	ttl time.Duration,
) *CachedProvider {
	return &CachedProvider{
		provider: provider,
		cacher:   cacher,
		key:      key,
		ttl:      ttl,
	}
}

// Snapshot implements protocol.StateProvider.
func (p *CachedProvider) Snapshot(ctx context.Context) (protocol.Snapshot, error) {
	return p.cacher.GetOrFetch(ctx, p.key, p.ttl, p.provider.Snapshot)
}

// Invalidate drops the cached snapshot so the next request reads fresh state.
func (p *CachedProvider) Invalidate(ctx context.Context) error {
	return p.cacher.Delete(ctx, p.key)
}
