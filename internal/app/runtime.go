// Package app wires configuration, storage and the key-value store into the
// auth runtime shared by the HTTP and gRPC surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/config"
	"tenantgate.org/internal/kv"
	"tenantgate.org/internal/ratelimit"
)

// Store is every repository the runtime needs. Both internal/store/memory
// and internal/store/pg satisfy it.
type Store interface {
	auth.PrincipalSource
	auth.RefreshTokenRepository
	auth.DeviceRepository
	auth.PolicySource
	auth.RBACStore
}

// Runtime holds the constructed auth components.
type Runtime struct {
	Issuer  *auth.TokenIssuer
	Ledger  *auth.RevocationLedger
	Refresh *auth.RefreshTokens
	Devices *auth.DeviceRegistry
	Engine  *auth.PolicyEngine
	Sync    *auth.PolicySync
	Gate    *auth.Gate
	Service *auth.Service
	RBAC    *auth.RBACService
}

// Option adjusts runtime construction.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock drives every component from fn. Tests pass a fake clock.
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

// NewRuntime builds the auth components from cfg.
func NewRuntime(cfg config.Config, store Store, kvStore kv.Store, opts ...Option) (*Runtime, error) {
	if store == nil || kvStore == nil {
		return nil, errors.New("app: store and key-value store are required")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	issuerOpts := []auth.IssuerOption{
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithLeeway(cfg.ClockSkew),
		auth.WithIssuerClock(o.now),
	}
	if cfg.AuthPrivateKey != "" {
		issuerOpts = append(issuerOpts, auth.WithRS256Keys(cfg.AuthPrivateKey, cfg.AuthPublicKey), auth.WithKeyID(cfg.AuthKeyID))
	} else {
		issuerOpts = append(issuerOpts, auth.WithHMACSecret(cfg.AuthSecret))
	}
	issuer, err := auth.NewTokenIssuer(issuerOpts...)
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	ledger, err := auth.NewRevocationLedger(kvStore,
		auth.WithFailMode(cfg.FailMode),
		auth.WithKVTimeout(cfg.KVTimeout),
		auth.WithMaxTokenAge(issuer.MaxLifetime()),
		auth.WithLedgerClock(o.now),
	)
	if err != nil {
		return nil, fmt.Errorf("revocation ledger: %w", err)
	}
	refresh, err := auth.NewRefreshTokens(store, ledger, auth.WithRefreshTTL(cfg.RefreshTTL), auth.WithRefreshClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("refresh tokens: %w", err)
	}
	devices, err := auth.NewDeviceRegistry(store, refresh, ledger,
		auth.WithMaxDevices(cfg.MaxDevices),
		auth.WithDevicePolicy(cfg.DevicePolicy),
		auth.WithDeviceClock(o.now),
	)
	if err != nil {
		return nil, fmt.Errorf("device registry: %w", err)
	}
	engine := auth.NewPolicyEngine()
	policySync, err := auth.NewPolicySync(store, engine, kvStore)
	if err != nil {
		return nil, fmt.Errorf("policy sync: %w", err)
	}
	gate, err := auth.NewGate(issuer, ledger, engine)
	if err != nil {
		return nil, err
	}

	svcOpts := []auth.ServiceOption{auth.WithClock(o.now)}
	if cfg.LoginRateLimit > 0 {
		limiter := ratelimit.New(kvStore, "login", cfg.LoginRateLimit, cfg.LoginRateWindow, cfg.KVTimeout)
		svcOpts = append(svcOpts, auth.WithLoginLimiter(limiter))
	}
	svc, err := auth.NewService(auth.Components{
		Principals: store,
		Issuer:     issuer,
		Refresh:    refresh,
		Devices:    devices,
		Ledger:     ledger,
		Gate:       gate,
	}, svcOpts...)
	if err != nil {
		return nil, err
	}
	rbac, err := auth.NewRBACService(store, policySync, svc)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		Issuer:  issuer,
		Ledger:  ledger,
		Refresh: refresh,
		Devices: devices,
		Engine:  engine,
		Sync:    policySync,
		Gate:    gate,
		Service: svc,
		RBAC:    rbac,
	}, nil
}

// Bootstrap loads the policy snapshot and, when email is set, makes sure a
// SUPERADMIN account with that email exists.
func (r *Runtime) Bootstrap(ctx context.Context, email, password string) error {
	if err := r.Sync.SyncPolicies(ctx); err != nil {
		return fmt.Errorf("initial policy sync: %w", err)
	}
	if email == "" {
		return nil
	}
	_, err := r.RBAC.CreateUser(ctx, "", email, "Bootstrap admin", password, auth.RoleSuperAdmin)
	if errors.Is(err, auth.ErrConflict) {
		return nil
	}
	return err
}
