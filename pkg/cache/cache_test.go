package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestCacheGetMiss(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	_, err := c.Get(context.Background(), "ns", "missing")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCacheSetGetDelete(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ns", "k", "v", time.Minute))
	assert.True(t, mr.Exists("ns:k"))

	got, err := c.Get(ctx, "ns", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, c.Delete(ctx, "ns", "k"))
	ok, err := c.Exists(ctx, "ns", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrWithExpireSetsWindowOnce(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	ctx := context.Background()

	n, err := c.IncrWithExpire(ctx, "rate", "p", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 15*time.Minute, mr.TTL("rate:p"))

	mr.FastForward(5 * time.Minute)
	n, err = c.IncrWithExpire(ctx, "rate", "p", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 10*time.Minute, mr.TTL("rate:p"))

	mr.FastForward(11 * time.Minute)
	n, err = c.IncrWithExpire(ctx, "rate", "p", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIncrWithExpireRepairsCounterWithoutTTL(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("rate:q", "4"))

	n, err := c.IncrWithExpire(ctx, "rate", "q", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, 15*time.Minute, mr.TTL("rate:q"))

	mr.FastForward(16 * time.Minute)
	assert.False(t, mr.Exists("rate:q"))
}
