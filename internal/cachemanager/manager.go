// Package cachemanager provides a TTL cache layer used to serve repeated
// reads over the session store, most notably message log pages, without
// re-reading jsonl files on every call.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is the storage side of the cache: typed lookups with
// per-entry TTLs. Keys are string-like so callers can use their own key
// types.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	// GetWithRefresh extends the entry's TTL on a hit.
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
}
