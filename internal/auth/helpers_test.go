package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tenantgate.org/internal/kv"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestIssuer(t *testing.T, clock *fakeClock, opts ...IssuerOption) *TokenIssuer {
	t.Helper()
	base := []IssuerOption{
		WithHMACSecret(testSecret),
		WithIssuer("tenantgate-test"),
		WithAudience("api"),
		WithIssuerClock(clock.Now),
	}
	issuer, err := NewTokenIssuer(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return issuer
}

func principalContext(userID, tenantID string, role SystemRole, roles, perms []string) PrincipalContext {
	return PrincipalContext{
		User:        User{ID: userID, Email: userID + "@example.com", Name: userID, SystemRole: role, Status: UserStatusActive},
		TenantID:    tenantID,
		SystemRole:  role,
		Roles:       roles,
		Permissions: perms,
	}
}

// failingStore is a kv.Store whose every call fails like an unreachable server.
type failingStore struct{}

var errStoreDown = errors.New("dial tcp: connection refused")

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.Join(kv.ErrUnavailable, errStoreDown)
}
func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return errors.Join(kv.ErrUnavailable, errStoreDown)
}
func (failingStore) Delete(context.Context, ...string) error { return kv.ErrUnavailable }
func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, kv.ErrUnavailable
}
func (failingStore) TTL(context.Context, string) (time.Duration, error) { return 0, kv.ErrUnavailable }
func (failingStore) Ping(context.Context) error                         { return kv.ErrUnavailable }

// countingStore wraps a store and counts Get calls.
type countingStore struct {
	kv.Store
	mu   sync.Mutex
	gets []string
}

func (c *countingStore) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	c.gets = append(c.gets, key)
	c.mu.Unlock()
	return c.Store.Get(ctx, key)
}

func (c *countingStore) Gets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.gets...)
}
