// Package store provides counter storage backends for rate limiting and upload quotas.
//
// Two backends implement Store: Memory, a process-local map, and Redis, a shared
// store usable from many server instances. Fallback combines them so that a Redis
// failure on any single call is served from Memory instead of surfacing an error.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidWindow is returned when a counter window is zero or negative.
	ErrInvalidWindow = errors.New("store: window must be positive")

	// ErrInvalidAmount is returned when an increment amount is zero or negative.
	ErrInvalidAmount = errors.New("store: amount must be positive")
)

// Store defines the interface for counter storage backends.
// Implementations must be safe for concurrent use, and concurrent increments of
// the same key must never lose updates.
type Store interface {
	// Increment adds amount to the counter for key and returns the new count and the
	// TTL until the window resets. A missing or expired counter starts a fresh window
	// of the given duration with a count equal to amount.
	Increment(ctx context.Context, key string, window time.Duration, amount int64) (count int64, ttl time.Duration, err error)

	// Get returns the current count for key without incrementing.
	// Returns 0 if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for key.
	Reset(ctx context.Context, key string) error

	// Ping reports whether the backend is reachable. A nil error means healthy.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

func validateIncrement(window time.Duration, amount int64) error {
	if window <= 0 {
		return ErrInvalidWindow
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
