package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/ids"
	"tenantgate.org/internal/obs"
)

const (
	defaultRefreshTTL = 14 * 24 * time.Hour
	refreshTokenBytes = 32
)

// RefreshTokens issues, validates and rotates opaque refresh tokens.
// Every successful rotation consumes the presented token; presenting a
// consumed token again revokes the whole (user, device) family.
type RefreshTokens struct {
	repo   RefreshTokenRepository
	ledger *RevocationLedger
	ttl    time.Duration
	now    func() time.Time
}

// RefreshOption configures RefreshTokens behavior.
type RefreshOption func(*RefreshTokens)

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) RefreshOption {
	return func(r *RefreshTokens) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRefreshClock overrides time source (useful for tests).
func WithRefreshClock(fn func() time.Time) RefreshOption {
	return func(r *RefreshTokens) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRefreshTokens wires the repository and the ledger used on reuse.
func NewRefreshTokens(repo RefreshTokenRepository, ledger *RevocationLedger, opts ...RefreshOption) (*RefreshTokens, error) {
	if repo == nil {
		return nil, errors.New("auth: refresh token repository is required")
	}
	if ledger == nil {
		return nil, errors.New("auth: revocation ledger is required")
	}
	r := &RefreshTokens{repo: repo, ledger: ledger, ttl: defaultRefreshTTL, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// TTL returns the refresh token lifetime.
func (r *RefreshTokens) TTL() time.Duration { return r.ttl }

// Create issues a new token for (user, tenant, device). The raw value is
// returned once and never stored.
func (r *RefreshTokens) Create(ctx context.Context, userID, tenantID, deviceID string) (string, *RefreshToken, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(deviceID) == "" {
		return "", nil, fmt.Errorf("%w: user id and device id are required", ErrInvalidInput)
	}
	raw, rec, err := r.mint(userID, tenantID, deviceID, "")
	if err != nil {
		return "", nil, err
	}
	if err := r.repo.InsertRefreshToken(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("auth: store refresh token: %w", err)
	}
	return raw, rec, nil
}

// Rotate validates presented and atomically replaces it with a successor
// bound to the same user and device.
func (r *RefreshTokens) Rotate(ctx context.Context, presented string) (string, *RefreshToken, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return "", nil, fmt.Errorf("%w: refresh token missing", ErrUnauthenticated)
	}
	rec, err := r.repo.FindRefreshToken(ctx, HashRefreshToken(presented))
	if errors.Is(err, ErrNotFound) {
		obs.ObserveRefresh("unknown")
		return "", nil, fmt.Errorf("%w: refresh token not recognized", ErrUnauthenticated)
	}
	if err != nil {
		return "", nil, fmt.Errorf("auth: lookup refresh token: %w", err)
	}

	now := r.now()
	if !now.Before(rec.ExpiresAt) {
		obs.ObserveRefresh("expired")
		return "", nil, fmt.Errorf("%w: refresh token expired", ErrUnauthenticated)
	}
	if rec.Used {
		return "", nil, r.reuse(ctx, rec)
	}
	if rec.RevokedAt != nil {
		obs.ObserveRefresh("revoked")
		return "", nil, fmt.Errorf("%w: refresh token revoked", ErrUnauthenticated)
	}

	raw, next, err := r.mint(rec.UserID, rec.TenantID, rec.DeviceID, rec.ID)
	if err != nil {
		return "", nil, err
	}
	if err := r.repo.RotateRefreshToken(ctx, rec.ID, next); err != nil {
		if errors.Is(err, ErrReuseDetected) {
			return "", nil, r.reuse(ctx, rec)
		}
		return "", nil, fmt.Errorf("auth: rotate refresh token: %w", err)
	}
	obs.ObserveRefresh("rotated")
	return raw, next, nil
}

// RevokeAllForUser marks every live refresh token of userID revoked.
func (r *RefreshTokens) RevokeAllForUser(ctx context.Context, userID string) error {
	if _, err := r.repo.RevokeRefreshTokensForUser(ctx, userID, r.now()); err != nil {
		return fmt.Errorf("auth: revoke refresh tokens for user: %w", err)
	}
	return nil
}

// RevokeAllForDevice marks every live refresh token of (userID, deviceID) revoked.
func (r *RefreshTokens) RevokeAllForDevice(ctx context.Context, userID, deviceID string) error {
	if _, err := r.repo.RevokeRefreshTokensForDevice(ctx, userID, deviceID, r.now()); err != nil {
		return fmt.Errorf("auth: revoke refresh tokens for device: %w", err)
	}
	return nil
}

// PurgeExpired deletes records that expired before now.
func (r *RefreshTokens) PurgeExpired(ctx context.Context) (int64, error) {
	return r.repo.DeleteExpiredRefreshTokens(ctx, r.now())
}

func (r *RefreshTokens) reuse(ctx context.Context, rec *RefreshToken) error {
	obs.ObserveRefresh("reuse")
	fields := map[string]any{"user_id": rec.UserID, "device_id": rec.DeviceID, "token_id": rec.ID}
	audit.LogEvent(ctx, "auth.refresh.reuse", fields)

	var errs []error
	if _, err := r.repo.RevokeRefreshTokensForDevice(ctx, rec.UserID, rec.DeviceID, r.now()); err != nil {
		errs = append(errs, err)
	}
	if err := r.ledger.RevokeDevice(ctx, rec.UserID, rec.DeviceID, 0); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		obs.Error("refresh family revocation incomplete", map[string]any{"user_id": rec.UserID, "device_id": rec.DeviceID, "error": err})
	}
	return ErrReuseDetected
}

func (r *RefreshTokens) mint(userID, tenantID, deviceID, rotatedFrom string) (string, *RefreshToken, error) {
	raw, err := ids.Secret(refreshTokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("auth: generate refresh token: %w", err)
	}
	now := r.now().UTC()
	return raw, &RefreshToken{
		ID:          ids.New(),
		TokenHash:   HashRefreshToken(raw),
		UserID:      userID,
		TenantID:    tenantID,
		DeviceID:    deviceID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
		RotatedFrom: rotatedFrom,
	}, nil
}

// HashRefreshToken returns the storage digest of a raw refresh token.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
