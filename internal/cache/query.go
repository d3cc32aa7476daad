package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
)

// QueryCache is an owned in-memory cache for read-mostly backend queries.
// It lives as long as the process that constructs it; Close purges it and
// turns every later call into a miss.
type QueryCache struct {
	store  gcache.Cache
	closed atomic.Bool
}

func NewQueryCache(size int, ttl time.Duration) *QueryCache {
	if size <= 0 {
		size = 1
	}
	return &QueryCache{
		store: gcache.New(size).
			LRU().
			Expiration(ttl).
			Build(),
	}
}

func (q *QueryCache) Get(key string) (any, bool) {
	if q.closed.Load() {
		return nil, false
	}
	v, err := q.store.Get(key)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (q *QueryCache) Set(key string, value any) {
	if q.closed.Load() {
		return
	}
	_ = q.store.Set(key, value)
}

func (q *QueryCache) Invalidate(key string) {
	q.store.Remove(key)
}

func (q *QueryCache) Len() int {
	return q.store.Len(true)
}

type QueryStats struct {
	Entries int     `json:"entries"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

func (q *QueryCache) Stats() QueryStats {
	return QueryStats{
		Entries: q.Len(),
		Hits:    q.store.HitCount(),
		Misses:  q.store.MissCount(),
		HitRate: q.store.HitRate(),
	}
}

func (q *QueryCache) Close() {
	q.closed.Store(true)
	q.store.Purge()
}

// Load returns the cached value for key, or calls load and caches its result.
// Errors are never cached.
func Load[T any](ctx context.Context, q *QueryCache, key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := q.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
		q.Invalidate(key)
	}

	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	q.Set(key, v)
	return v, nil
}
