package cachemanager

import (
	"context"
	"time"
)

// ReadThroughCache serves reads from the cache, falling back to a loader on
// a miss and storing what it loaded. Loader errors are returned as-is and
// never cached. I is the loader's input, carried alongside the key because
// the key alone usually cannot reconstruct the query.
type ReadThroughCache[K ~string, V any, I any] struct {
	cache  CacheManager[K, V]
	load   func(ctx context.Context, input I) (V, error)
	bypass bool
}

// NewReadThroughCache wraps a cache and a loader. With bypass set every read
// goes straight to the loader; useful for tests and for disabling caching by
// configuration.
func NewReadThroughCache[K ~string, V any, I any](
	cache CacheManager[K, V],
	load func(ctx context.Context, input I) (V, error),
	bypass bool,
) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{cache: cache, load: load, bypass: bypass}
}

// Get returns the cached value for key, loading and storing it on a miss.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.bypass {
		return r.load(ctx, input)
	}

	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	value, err := r.load(ctx, input)
	if err != nil {
		return value, err
	}
	r.cache.Set(ctx, key, value, ttl)
	return value, nil
}

// GetWithRefresh behaves like Get but extends the TTL of entries it finds.
func (r *ReadThroughCache[K, V, I]) GetWithRefresh(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.bypass {
		return r.load(ctx, input)
	}

	if value, ok := r.cache.GetWithRefresh(ctx, key, ttl); ok {
		return value, nil
	}

	value, err := r.load(ctx, input)
	if err != nil {
		return value, err
	}
	r.cache.Set(ctx, key, value, ttl)
	return value, nil
}
