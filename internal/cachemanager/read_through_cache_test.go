package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pageQuery struct {
	SessionID string
	Offset    int
}

// fakeCacheManager records Set calls and serves canned Get results.
type fakeCacheManager[V any] struct {
	values   map[string]V
	setCalls int
}

func newFakeCacheManager[V any]() *fakeCacheManager[V] {
	return &fakeCacheManager[V]{values: make(map[string]V)}
}

func (f *fakeCacheManager[V]) Get(_ context.Context, key string) (V, bool) {
	v, ok := f.values[key]
	return v, ok
}

func (f *fakeCacheManager[V]) GetWithRefresh(ctx context.Context, key string, _ time.Duration) (V, bool) {
	return f.Get(ctx, key)
}

func (f *fakeCacheManager[V]) Set(_ context.Context, key string, value V, _ time.Duration) {
	f.setCalls++
	f.values[key] = value
}

func (f *fakeCacheManager[V]) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.values, key)
	}
	return nil
}

func (f *fakeCacheManager[V]) Flush(context.Context) error {
	f.values = make(map[string]V)
	return nil
}

func TestReadThroughCache_BypassNeverStores(t *testing.T) {
	manager := newFakeCacheManager[messagePage]()

	cache := NewReadThroughCache[string, messagePage, pageQuery](
		manager,
		func(_ context.Context, q pageQuery) (messagePage, error) {
			return messagePage{SessionID: q.SessionID}, nil
		},
		true,
	)

	page, err := cache.Get(context.Background(), "s1:0", pageQuery{SessionID: "s1"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "s1", page.SessionID)
	require.Zero(t, manager.setCalls)
}

func TestReadThroughCache_MissThenHit(t *testing.T) {
	manager := newFakeCacheManager[messagePage]()
	loads := 0

	cache := NewReadThroughCache[string, messagePage, pageQuery](
		manager,
		func(_ context.Context, q pageQuery) (messagePage, error) {
			loads++
			return messagePage{SessionID: q.SessionID, Lines: []string{"x"}}, nil
		},
		false,
	)

	first, err := cache.Get(context.Background(), "s1:0", pageQuery{SessionID: "s1"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, loads)
	require.Equal(t, 1, manager.setCalls)

	second, err := cache.Get(context.Background(), "s1:0", pageQuery{SessionID: "s1"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, loads, "second read must be served from cache")
}

func TestReadThroughCache_LoaderErrorNotCached(t *testing.T) {
	manager := newFakeCacheManager[messagePage]()
	loadErr := errors.New("backend down")

	cache := NewReadThroughCache[string, messagePage, pageQuery](
		manager,
		func(context.Context, pageQuery) (messagePage, error) {
			return messagePage{}, loadErr
		},
		false,
	)

	_, err := cache.Get(context.Background(), "s1:0", pageQuery{}, time.Minute)
	require.ErrorIs(t, err, loadErr)
	require.Zero(t, manager.setCalls)
}

func TestReadThroughCache_GetWithRefresh(t *testing.T) {
	manager := newFakeCacheManager[messagePage]()
	loads := 0

	cache := NewReadThroughCache[string, messagePage, pageQuery](
		manager,
		func(_ context.Context, q pageQuery) (messagePage, error) {
			loads++
			return messagePage{SessionID: q.SessionID}, nil
		},
		false,
	)

	_, err := cache.GetWithRefresh(context.Background(), "s1:0", pageQuery{SessionID: "s1"}, time.Minute)
	require.NoError(t, err)
	_, err = cache.GetWithRefresh(context.Background(), "s1:0", pageQuery{SessionID: "s1"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, loads)
}
