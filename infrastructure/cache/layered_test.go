package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/application/ports"
	"engram/domain/core"
	"engram/infrastructure/cache"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func sampleHits(t *testing.T) []ports.RecallHit {
	t.Helper()
	cell, err := core.NewCell("the server IP is 192.168.1.1", "agent-a")
	require.NoError(t, err)
	return []ports.RecallHit{{Cell: cell, Score: 0.87, Source: "hybrid"}}
}

func TestRecallCacheKey_Normalizes(t *testing.T) {
	a := ports.RecallCacheKey("  What IS the IP  ", 5, 0.3)
	b := ports.RecallCacheKey("what is the ip", 5, 0.3)
	c := ports.RecallCacheKey("what is the ip", 10, 0.3)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLayered_WriteThroughAndL1Hit(t *testing.T) {
	_, rdb := testRedis(t)
	c := cache.NewLayered(rdb, "", nil, nil)
	ctx := context.Background()
	hits := sampleHits(t)

	c.Set(ctx, "k", hits)
	got, ok := c.Get(ctx, "k")

	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, hits[0].Cell.ID, got[0].Cell.ID)
	assert.InDelta(t, 0.87, got[0].Score, 1e-9)
}

func TestLayered_L2PromotionAfterL1Eviction(t *testing.T) {
	_, rdb := testRedis(t)
	c := cache.NewLayered(rdb, "", nil, nil)
	ctx := context.Background()

	c.Set(ctx, "key-0", sampleHits(t))
	// Push key-0 out of the 50-entry L1.
	for i := 0; i < 60; i++ {
		c.Set(ctx, time.Now().Add(time.Duration(i)).String(), sampleHits(t))
	}

	got, ok := c.Get(ctx, "key-0")
	require.True(t, ok, "expected L2 to serve after L1 eviction")
	assert.Len(t, got, 1)
}

func TestLayered_InvalidateAllFlushesBothTiers(t *testing.T) {
	mr, rdb := testRedis(t)
	c := cache.NewLayered(rdb, "", nil, nil)
	ctx := context.Background()

	c.Set(ctx, "k1", sampleHits(t))
	c.Set(ctx, "k2", sampleHits(t))
	c.InvalidateAll(ctx)

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "k2")
	assert.False(t, ok)
	assert.Empty(t, mr.Keys())
}

func TestLayered_L2OutageDegradesSilently(t *testing.T) {
	mr, rdb := testRedis(t)
	c := cache.NewLayered(rdb, "", nil, nil)
	ctx := context.Background()

	mr.Close()

	c.Set(ctx, "k", sampleHits(t)) // must not panic or error
	got, ok := c.Get(ctx, "k")     // L1 still serves
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestLayered_NilRedisIsL1Only(t *testing.T) {
	c := cache.NewLayered(nil, "", nil, nil)
	ctx := context.Background()

	c.Set(ctx, "k", sampleHits(t))
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	c.InvalidateAll(ctx)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}
