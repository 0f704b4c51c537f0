// Package kv is the narrow key-value contract shared by every gate instance:
// revocation entries, rate-limit counters and the policy version stamp live
// here so that no decision depends on process-local state.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transport-level failures (timeouts, refused connections).
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is implemented by Redis in production and by Memory in tests.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Incr increments a counter and applies ttl whenever the counter has no expiry.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key, or a negative value when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
}

// WithTimeout bounds a single store round-trip.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
