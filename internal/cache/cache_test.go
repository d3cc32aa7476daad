package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCachesSuccessOnly(t *testing.T) {
	q := NewQueryCache(8, time.Minute)
	defer q.Close()
	ctx := context.Background()

	calls := 0
	failing := func(context.Context) ([]string, error) {
		calls++
		return nil, errors.New("boom")
	}
	_, err := Load(ctx, q, "k", failing)
	require.Error(t, err)
	_, err = Load(ctx, q, "k", failing)
	require.Error(t, err)
	assert.Equal(t, 2, calls, "errors are not cached")

	ok := func(context.Context) ([]string, error) {
		calls++
		return []string{"a"}, nil
	}
	v, err := Load(ctx, q, "k", ok)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, v)

	v, err = Load(ctx, q, "k", ok)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, q.Stats().Entries)
}

func TestLoadReplacesWrongType(t *testing.T) {
	q := NewQueryCache(8, time.Minute)
	defer q.Close()

	q.Set("k", 42)
	v, err := Load(context.Background(), q, "k", func(context.Context) (string, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestClosedCacheAlwaysMisses(t *testing.T) {
	q := NewQueryCache(8, time.Minute)
	q.Set("k", "v")
	q.Close()

	_, ok := q.Get("k")
	assert.False(t, ok)
	q.Set("k", "v")
	assert.Equal(t, 0, q.Len())
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := NewRedisCache(mr.Addr(), "", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer rc.Close()
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "x", []byte("plaza"), time.Minute))
	assert.True(t, mr.Exists("transitmap:x"))
	assert.Equal(t, time.Minute, mr.TTL("transitmap:x"))

	data, err := rc.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("plaza"), data)

	data, err = rc.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, rc.Delete(ctx, "x"))
	data, err = rc.Get(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, data)
}
