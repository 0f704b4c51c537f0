package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/kv"
	"tenantgate.org/internal/ratelimit"
	"tenantgate.org/internal/store/memory"
)

const secret = "0123456789abcdef0123456789abcdef"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type envConfig struct {
	policy     auth.DevicePolicy
	maxDevices int
	loginLimit int
}

type env struct {
	clock   *clock
	store   *memory.Store
	kv      *kv.Memory
	issuer  *auth.TokenIssuer
	ledger  *auth.RevocationLedger
	refresh *auth.RefreshTokens
	devices *auth.DeviceRegistry
	sync    *auth.PolicySync
	gate    *auth.Gate
	svc     *auth.Service
	rbac    *auth.RBACService
	tenant  auth.Tenant
}

func newEnv(t *testing.T, cfg envConfig) *env {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(c.Now))
	kvStore := kv.NewMemory(c.Now)

	issuer, err := auth.NewTokenIssuer(auth.WithHMACSecret(secret), auth.WithIssuerClock(c.Now))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	ledger, err := auth.NewRevocationLedger(kvStore, auth.WithLedgerClock(c.Now), auth.WithMaxTokenAge(issuer.MaxLifetime()))
	if err != nil {
		t.Fatalf("NewRevocationLedger: %v", err)
	}
	refresh, err := auth.NewRefreshTokens(store, ledger, auth.WithRefreshClock(c.Now))
	if err != nil {
		t.Fatalf("NewRefreshTokens: %v", err)
	}
	devices, err := auth.NewDeviceRegistry(store, refresh, ledger,
		auth.WithDeviceClock(c.Now), auth.WithDevicePolicy(cfg.policy), auth.WithMaxDevices(cfg.maxDevices))
	if err != nil {
		t.Fatalf("NewDeviceRegistry: %v", err)
	}
	engine := auth.NewPolicyEngine()
	policySync, err := auth.NewPolicySync(store, engine, kvStore)
	if err != nil {
		t.Fatalf("NewPolicySync: %v", err)
	}
	gate, err := auth.NewGate(issuer, ledger, engine)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	opts := []auth.ServiceOption{auth.WithClock(c.Now)}
	if cfg.loginLimit > 0 {
		opts = append(opts, auth.WithLoginLimiter(ratelimit.New(kvStore, "login", cfg.loginLimit, 15*time.Minute, time.Second)))
	}
	svc, err := auth.NewService(auth.Components{
		Principals: store, Issuer: issuer, Refresh: refresh, Devices: devices, Ledger: ledger, Gate: gate,
	}, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	rbac, err := auth.NewRBACService(store, policySync, svc)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	tenant, err := rbac.CreateTenant(context.Background(), "acme")
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	return &env{
		clock: c, store: store, kv: kvStore, issuer: issuer, ledger: ledger, refresh: refresh,
		devices: devices, sync: policySync, gate: gate, svc: svc, rbac: rbac, tenant: tenant,
	}
}

func (e *env) createUser(t *testing.T, email string, role auth.SystemRole) auth.User {
	t.Helper()
	tenantID := e.tenant.ID
	if role == auth.RoleSuperAdmin {
		tenantID = ""
	}
	u, err := e.rbac.CreateUser(context.Background(), tenantID, email, "User "+email, "password-1", role)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}

func (e *env) login(t *testing.T, email, userAgent string) auth.TokenPair {
	t.Helper()
	pair, _, err := e.svc.Login(context.Background(), auth.Credentials{Email: email, Password: "password-1"}, auth.ClientInfo{UserAgent: userAgent, IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Login(%s): %v", email, err)
	}
	return pair
}

func (e *env) authorize(token string, op auth.Operation) auth.Decision {
	return e.svc.Authorize(context.Background(), op, auth.Request{Authorization: "Bearer " + token})
}

func (e *env) permissionID(t *testing.T, name string) string {
	t.Helper()
	perms, err := e.rbac.ListPermissions(context.Background(), e.tenant.ID)
	if err != nil {
		t.Fatalf("ListPermissions: %v", err)
	}
	for _, p := range perms {
		if p.Name == name {
			return p.ID
		}
	}
	t.Fatalf("permission %s not found", name)
	return ""
}
