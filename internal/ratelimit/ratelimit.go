// Package ratelimit implements fixed-window counters on the shared kv store
// so that limits hold across every API instance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"tenantgate.org/internal/kv"
	"tenantgate.org/internal/obs"
)

// Result describes a single limiter check.
type Result struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter counts hits per key inside a window. Store failures fail open.
type Limiter struct {
	store   kv.Store
	prefix  string
	limit   int64
	window  time.Duration
	timeout time.Duration
}

// New constructs a Limiter allowing limit hits per window for each key.
func New(store kv.Store, prefix string, limit int, window, timeout time.Duration) *Limiter {
	return &Limiter{
		store:   store,
		prefix:  prefix,
		limit:   int64(limit),
		window:  window,
		timeout: timeout,
	}
}

// Hit records an attempt for key and reports whether it is within the limit.
func (l *Limiter) Hit(ctx context.Context, key string) Result {
	if l == nil || l.store == nil || l.limit <= 0 {
		return Result{Allowed: true}
	}
	ctx, cancel := kv.WithTimeout(ctx, l.timeout)
	defer cancel()

	full := l.prefix + key
	n, err := l.store.Incr(ctx, full, l.window)
	if err != nil {
		obs.Warn("rate_limit_store_error", map[string]any{"key_prefix": l.prefix, "error": err})
		return Result{Allowed: true}
	}
	if n <= l.limit {
		return Result{Allowed: true, Count: n}
	}
	retry := l.window
	if ttl, err := l.store.TTL(ctx, full); err == nil && ttl > 0 {
		retry = ttl
	}
	return Result{Allowed: false, Count: n, RetryAfter: retry}
}

// Reset clears the counter for key, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if l == nil || l.store == nil {
		return nil
	}
	ctx, cancel := kv.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.Delete(ctx, l.prefix+key); err != nil {
		return fmt.Errorf("reset limiter: %w", err)
	}
	return nil
}
