package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tenantgate.org/internal/kv"
	"tenantgate.org/internal/obs"
)

// FailMode selects the gate's behavior when the revocation store errors.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// ParseFailMode accepts "open" or "closed".
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(strings.ToLower(strings.TrimSpace(s))) {
	case FailOpen, "":
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("%w: unknown revocation fail mode %q", ErrInvalidInput, s)
	}
}

const (
	keyRevokedToken  = "revoked:token:"
	keyRevokedUser   = "revoked:user:"
	keyRevokedDevice = "revoked:device:"

	defaultKVTimeout = 2 * time.Second
)

// RevocationLedger is the shared blacklist of tokens, users and devices.
// Entries expire on their own once no token they target could still verify.
type RevocationLedger struct {
	store    kv.Store
	failMode FailMode
	timeout  time.Duration
	maxAge   time.Duration
	now      func() time.Time
}

// LedgerOption configures RevocationLedger behavior.
type LedgerOption func(*RevocationLedger)

// WithFailMode sets how lookups behave while the store is unreachable.
func WithFailMode(mode FailMode) LedgerOption {
	return func(l *RevocationLedger) {
		if mode != "" {
			l.failMode = mode
		}
	}
}

// WithKVTimeout bounds every store operation.
func WithKVTimeout(d time.Duration) LedgerOption {
	return func(l *RevocationLedger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithMaxTokenAge sets the TTL of user and device entries. It should equal
// the access token lifetime plus leeway.
func WithMaxTokenAge(d time.Duration) LedgerOption {
	return func(l *RevocationLedger) {
		if d > 0 {
			l.maxAge = d
		}
	}
}

// WithLedgerClock overrides time source (useful for tests).
func WithLedgerClock(fn func() time.Time) LedgerOption {
	return func(l *RevocationLedger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewRevocationLedger builds a ledger over store.
func NewRevocationLedger(store kv.Store, opts ...LedgerOption) (*RevocationLedger, error) {
	if store == nil {
		return nil, errors.New("auth: revocation store is required")
	}
	l := &RevocationLedger{
		store:    store,
		failMode: FailOpen,
		timeout:  defaultKVTimeout,
		maxAge:   defaultAccessTTL + defaultLeeway,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// FailMode reports the configured failure behavior.
func (l *RevocationLedger) FailMode() FailMode { return l.failMode }

// RevokeToken blacklists one token until expiresAt. Already expired tokens
// need no entry.
func (l *RevocationLedger) RevokeToken(ctx context.Context, rawToken string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(l.now())
	if ttl <= 0 {
		return nil
	}
	return l.set(ctx, keyRevokedToken+tokenDigest(rawToken), "1", ttl)
}

// RevokeUser invalidates every token of userID issued before now. A zero
// ttl uses the maximum token age.
func (l *RevocationLedger) RevokeUser(ctx context.Context, userID string, ttl time.Duration) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return l.set(ctx, keyRevokedUser+userID, l.stamp(), l.ttl(ttl))
}

// RevokeDevice invalidates every token of userID on deviceID issued before now.
func (l *RevocationLedger) RevokeDevice(ctx context.Context, userID, deviceID string, ttl time.Duration) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("%w: user id and device id are required", ErrInvalidInput)
	}
	return l.set(ctx, deviceKey(userID, deviceID), l.stamp(), l.ttl(ttl))
}

// IsRevoked runs the token, user and device lookups in order and stops at
// the first hit. On store failure it returns (false, nil) when failing open
// and ErrRevocationUnavailable when failing closed.
func (l *RevocationLedger) IsRevoked(ctx context.Context, rawToken string, p Principal) (bool, error) {
	if _, found, err := l.get(ctx, keyRevokedToken+tokenDigest(rawToken)); err != nil {
		return l.failure(err)
	} else if found {
		return true, nil
	}

	revoked, err := l.revokedSince(ctx, keyRevokedUser+p.UserID, p.IssuedAt)
	if err != nil || revoked {
		return revoked, err
	}
	if p.DeviceID == "" {
		return false, nil
	}
	return l.revokedSince(ctx, deviceKey(p.UserID, p.DeviceID), p.IssuedAt)
}

func (l *RevocationLedger) revokedSince(ctx context.Context, key string, issuedAt time.Time) (bool, error) {
	value, found, err := l.get(ctx, key)
	if err != nil {
		return l.failure(err)
	}
	if !found {
		return false, nil
	}
	micros, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// An unreadable timestamp blocks the subject entirely.
		obs.Warn("revocation entry unreadable", map[string]any{"key": key, "error": err})
		return true, nil
	}
	return micros > issuedAt.Truncate(time.Microsecond).UnixMicro(), nil
}

func (l *RevocationLedger) failure(err error) (bool, error) {
	obs.ObserveRevocationError(string(l.failMode))
	obs.Warn("revocation lookup failed", map[string]any{"mode": string(l.failMode), "error": err})
	if l.failMode == FailClosed {
		return false, fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	return false, nil
}

func (l *RevocationLedger) get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := kv.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.Get(ctx, key)
}

func (l *RevocationLedger) set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := kv.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	return nil
}

func (l *RevocationLedger) stamp() string {
	return strconv.FormatInt(l.now().UnixMicro(), 10)
}

func (l *RevocationLedger) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return l.maxAge
	}
	return ttl
}

func deviceKey(userID, deviceID string) string {
	return keyRevokedDevice + userID + ":" + deviceID
}

func tokenDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
