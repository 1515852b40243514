// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache defines the distributed cache the authorization server uses
// for its short-lived binary blobs: serialized authorization-request
// continuations and opaque authorization-code payloads. Both carry an
// absolute expiration; both are removed eagerly once consumed.
//
// Two implementations are provided: an in-memory cache suitable for
// single-instance deployments and tests, and a Redis-backed cache for
// horizontally scaled deployments.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Clock supplies the time expirations are judged against. Backends default
// to wall time; hand them the same clock the producers stamp expirations
// with so both sides agree.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Cache stores binary blobs with an absolute expiration.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value stored under key, or ErrNotFound when the key
	// is absent or past its expiration.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key until expiresAt. Storing over an existing
	// key replaces the previous value and expiration.
	Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error

	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}
