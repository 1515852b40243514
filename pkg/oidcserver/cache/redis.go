// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// minRedisTTL is the floor applied to computed TTLs so entries expiring
// within the current clock tick are still written and reaped by Redis.
const minRedisTTL = time.Millisecond

// RedisConfig holds Redis connection configuration for the cache.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Username and Password authenticate against Redis ACLs. Optional.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces every cache key, e.g. "oidc:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Clock converts absolute expirations to TTLs at write time. Defaults
	// to wall time; hand it the server's clock.
	Clock Clock
}

// RedisCache implements Cache on a Redis backend, delegating expiration to
// per-key TTLs so multiple server instances share one consistent view.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
	clock     Clock
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}

	return &RedisCache{client: client, keyPrefix: cfg.KeyPrefix, clock: cfg.Clock}, nil
}

// NewRedisCacheWithClient wraps a pre-configured client. Useful for testing
// with miniredis and for sharing a client across components. A nil clock
// falls back to wall time.
func NewRedisCacheWithClient(client redis.UniversalClient, keyPrefix string, clock Clock) *RedisCache {
	if clock == nil {
		clock = systemClock{}
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix, clock: clock}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Set implements Cache. The absolute expiration is translated to a TTL at
// write time; entries already past their expiration are not stored.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	ttl := expiresAt.Sub(c.clock.Now())
	if ttl <= 0 {
		ttl = minRedisTTL
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Remove implements Cache.
func (c *RedisCache) Remove(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks Redis connectivity for health checks.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
