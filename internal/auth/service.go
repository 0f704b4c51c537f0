package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/ratelimit"
)

// AttemptLimiter throttles login attempts.
type AttemptLimiter interface {
	Hit(ctx context.Context, key string) ratelimit.Result
	Reset(ctx context.Context, key string) error
}

// Credentials is a login request.
type Credentials struct {
	Email    string
	Password string
}

// ClientInfo describes the calling device.
type ClientInfo struct {
	UserAgent string
	IP        string
}

// TokenPair is the result of login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	DeviceID         string    `json:"device_id"`
}

// LogoutScope selects how much a logout invalidates.
type LogoutScope string

const (
	LogoutToken  LogoutScope = "token"
	LogoutDevice LogoutScope = "device"
	LogoutAll    LogoutScope = "all"
)

// ParseLogoutScope defaults to LogoutToken.
func ParseLogoutScope(s string) (LogoutScope, error) {
	switch LogoutScope(strings.ToLower(strings.TrimSpace(s))) {
	case LogoutToken, "":
		return LogoutToken, nil
	case LogoutDevice:
		return LogoutDevice, nil
	case LogoutAll:
		return LogoutAll, nil
	default:
		return "", fmt.Errorf("%w: unknown logout scope %q", ErrInvalidInput, s)
	}
}

// Service composes the issuer, refresh tokens, device registry, ledger and
// gate into the login, refresh, logout and authorize flows.
type Service struct {
	principals PrincipalSource
	issuer     *TokenIssuer
	refresh    *RefreshTokens
	devices    *DeviceRegistry
	ledger     *RevocationLedger
	gate       *Gate
	limiter    AttemptLimiter
	now        func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithLoginLimiter throttles login attempts per (ip, email).
func WithLoginLimiter(l AttemptLimiter) ServiceOption {
	return func(s *Service) error {
		s.limiter = l
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// Components groups the collaborators of a Service.
type Components struct {
	Principals PrincipalSource
	Issuer     *TokenIssuer
	Refresh    *RefreshTokens
	Devices    *DeviceRegistry
	Ledger     *RevocationLedger
	Gate       *Gate
}

// NewService constructs Service with optional configuration.
func NewService(c Components, opts ...ServiceOption) (*Service, error) {
	if c.Principals == nil || c.Issuer == nil || c.Refresh == nil || c.Devices == nil || c.Ledger == nil || c.Gate == nil {
		return nil, errors.New("auth: service components are incomplete")
	}
	svc := &Service{
		principals: c.Principals,
		issuer:     c.Issuer,
		refresh:    c.Refresh,
		devices:    c.Devices,
		ledger:     c.Ledger,
		gate:       c.Gate,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Login authenticates credentials, registers the device and issues a pair.
func (s *Service) Login(ctx context.Context, cred Credentials, client ClientInfo) (TokenPair, Principal, error) {
	email := strings.TrimSpace(strings.ToLower(cred.Email))
	if email == "" || cred.Password == "" {
		return TokenPair{}, Principal{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	limitKey := client.IP + "|" + email
	if s.limiter != nil {
		if res := s.limiter.Hit(ctx, limitKey); !res.Allowed {
			audit.LogEvent(ctx, "auth.login.throttled", map[string]any{"email": email, "ip": client.IP})
			return TokenPair{}, Principal{}, &RateLimitError{RetryAfter: res.RetryAfter}
		}
	}

	user, err := s.principals.FindUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		audit.LogEvent(ctx, "auth.login.failed", map[string]any{"email": email, "ip": client.IP, "reason": "unknown_user"})
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, Principal{}, fmt.Errorf("auth: find user: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, cred.Password); err != nil {
		audit.LogEvent(ctx, "auth.login.failed", map[string]any{"user_id": user.ID, "ip": client.IP, "reason": "bad_password"})
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	if user.Status != UserStatusActive {
		audit.LogEvent(ctx, "auth.login.failed", map[string]any{"user_id": user.ID, "ip": client.IP, "reason": "disabled"})
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, limitKey); err != nil {
			obs.Warn("login limiter reset failed", map[string]any{"error": err})
		}
	}

	pc, err := s.principals.FindPrincipalContext(ctx, user.ID)
	if err != nil {
		return TokenPair{}, Principal{}, fmt.Errorf("auth: load principal: %w", err)
	}
	deviceID := Fingerprint(client.UserAgent, client.IP)
	if _, err := s.devices.RegisterOrTouch(ctx, user.ID, pc.TenantID, deviceID, ParseUserAgent(client.UserAgent, client.IP)); err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, principal, err := s.issuePair(ctx, pc, deviceID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	audit.LogEvent(ctx, "auth.login", map[string]any{"user_id": user.ID, "tenant_id": pc.TenantID, "device_id": deviceID})
	return pair, principal, nil
}

// Refresh rotates presented and issues a fresh access token that reflects
// current roles and permissions.
func (s *Service) Refresh(ctx context.Context, presented string, client ClientInfo) (TokenPair, Principal, error) {
	raw, rec, err := s.refresh.Rotate(ctx, presented)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	pc, err := s.principals.FindPrincipalContext(ctx, rec.UserID)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, Principal{}, fmt.Errorf("%w: user no longer exists", ErrUnauthenticated)
	}
	if err != nil {
		return TokenPair{}, Principal{}, fmt.Errorf("auth: load principal: %w", err)
	}
	if pc.User.Status != UserStatusActive {
		if err := s.refresh.RevokeAllForUser(ctx, rec.UserID); err != nil {
			obs.Warn("revoke refresh tokens of disabled user failed", map[string]any{"user_id": rec.UserID, "error": err})
		}
		return TokenPair{}, Principal{}, fmt.Errorf("%w: user disabled", ErrUnauthenticated)
	}
	if _, err := s.devices.RegisterOrTouch(ctx, rec.UserID, pc.TenantID, rec.DeviceID, ParseUserAgent(client.UserAgent, client.IP)); err != nil {
		return TokenPair{}, Principal{}, err
	}
	access, principal, err := s.issuer.Issue(pc, rec.DeviceID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		TokenType:        "Bearer",
		AccessExpiresAt:  principal.ExpiresAt,
		RefreshExpiresAt: rec.ExpiresAt,
		DeviceID:         rec.DeviceID,
	}, principal, nil
}

// Logout invalidates the presented token, the caller's device, or every
// session of the caller.
func (s *Service) Logout(ctx context.Context, p Principal, rawToken string, scope LogoutScope) error {
	var err error
	switch scope {
	case LogoutToken, "":
		err = s.ledger.RevokeToken(ctx, rawToken, p.ExpiresAt.Add(s.issuer.Leeway()))
		if err == nil && p.DeviceID != "" {
			err = s.refresh.RevokeAllForDevice(ctx, p.UserID, p.DeviceID)
		}
	case LogoutDevice:
		if p.DeviceID == "" {
			return fmt.Errorf("%w: token carries no device", ErrInvalidInput)
		}
		err = s.devices.Deactivate(ctx, p.UserID, p.DeviceID)
	case LogoutAll:
		err = errors.Join(
			s.ledger.RevokeUser(ctx, p.UserID, 0),
			s.refresh.RevokeAllForUser(ctx, p.UserID),
			s.devices.DeactivateAll(ctx, p.UserID),
		)
	default:
		return fmt.Errorf("%w: unknown logout scope %q", ErrInvalidInput, scope)
	}
	if err != nil {
		return err
	}
	audit.LogEvent(ctx, "auth.logout", map[string]any{"user_id": p.UserID, "device_id": p.DeviceID, "scope": string(scope)})
	return nil
}

// Authorize runs the gate for op.
func (s *Service) Authorize(ctx context.Context, op Operation, req Request) Decision {
	return s.gate.Authorize(ctx, op, req)
}

// InvalidateUsers revokes every outstanding access and refresh token of
// userIDs. It satisfies SessionInvalidator.
func (s *Service) InvalidateUsers(ctx context.Context, userIDs []string, reason string) error {
	var errs []error
	for _, id := range userIDs {
		if err := s.ledger.RevokeUser(ctx, id, 0); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", id, err))
			continue
		}
		if err := s.refresh.RevokeAllForUser(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", id, err))
		}
	}
	if len(userIDs) > 0 {
		obs.Info("sessions invalidated", map[string]any{"users": len(userIDs), "reason": reason})
	}
	return errors.Join(errs...)
}

// Devices lists the devices of userID.
func (s *Service) Devices(ctx context.Context, userID string) ([]Device, error) {
	return s.devices.List(ctx, userID)
}

// DeactivateDevice revokes one device of userID.
func (s *Service) DeactivateDevice(ctx context.Context, userID, deviceID string) error {
	active, err := s.devices.IsActive(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if !active {
		return ErrNotFound
	}
	if err := s.devices.Deactivate(ctx, userID, deviceID); err != nil {
		return err
	}
	audit.LogEvent(ctx, "auth.device.deactivated", map[string]any{"user_id": userID, "device_id": deviceID})
	return nil
}

func (s *Service) issuePair(ctx context.Context, pc PrincipalContext, deviceID string) (TokenPair, Principal, error) {
	access, principal, err := s.issuer.Issue(pc, deviceID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	raw, rec, err := s.refresh.Create(ctx, pc.User.ID, pc.TenantID, deviceID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		TokenType:        "Bearer",
		AccessExpiresAt:  principal.ExpiresAt,
		RefreshExpiresAt: rec.ExpiresAt,
		DeviceID:         deviceID,
	}, principal, nil
}
