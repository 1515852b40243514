// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

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

func newTestRedisCache(t *testing.T, prefix string) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheWithClient(client, prefix, nil), mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	t.Parallel()

	c, _ := newTestRedisCache(t, "oidc:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Now().Add(time.Minute)))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Remove(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCacheMiss(t *testing.T) {
	t.Parallel()

	c, _ := newTestRedisCache(t, "")
	_, err := c.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCacheKeyPrefix(t *testing.T) {
	t.Parallel()

	c, mr := newTestRedisCache(t, "oidc:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "code:abc", []byte("v"), time.Now().Add(time.Minute)))
	assert.True(t, mr.Exists("oidc:code:abc"))
}

func TestRedisCacheTTL(t *testing.T) {
	t.Parallel()

	c, mr := newTestRedisCache(t, "")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Now().Add(time.Hour)))
	ttl := mr.TTL("k")
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	// Entries expire once the clock passes the TTL.
	mr.FastForward(2 * time.Hour)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCachePastExpiration(t *testing.T) {
	t.Parallel()

	c, mr := newTestRedisCache(t, "")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Now().Add(-time.Minute)))

	// A minimal TTL is still applied so Redis reaps the key.
	mr.FastForward(time.Second)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCacheDerivesTTLFromInjectedClock(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// A pinned clock far in the past still yields the intended TTL.
	clock := &stubClock{now: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewRedisCacheWithClient(client, "", clock)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), clock.now.Add(time.Hour)))
	ttl := mr.TTL("k")
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestNewRedisCacheRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := NewRedisCache(context.Background(), RedisConfig{})
	assert.ErrorContains(t, err, "address is required")
}
