package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/config"
	"tenantgate.org/internal/kv"
	"tenantgate.org/internal/store/memory"
)

func testConfig(t *testing.T, vars map[string]string) config.Config {
	t.Helper()
	cfg, err := config.FromLookup(func(k string) string { return vars[k] })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestNewRuntimeRequiresStores(t *testing.T) {
	cfg := testConfig(t, map[string]string{"TENANTGATE_AUTH_SECRET": "0123456789abcdef0123456789abcdef"})
	if _, err := NewRuntime(cfg, nil, kv.NewMemory(nil)); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := NewRuntime(cfg, memory.New(), nil); err == nil {
		t.Fatal("expected error without key-value store")
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	cfg := testConfig(t, map[string]string{"TENANTGATE_AUTH_SECRET": "0123456789abcdef0123456789abcdef"})
	rt, err := NewRuntime(cfg, memory.New(), kv.NewMemory(nil))
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := rt.Bootstrap(ctx, "root@example.com", "root-password"); err != nil {
			t.Fatalf("Bootstrap #%d: %v", i+1, err)
		}
	}
	if !rt.Engine.Loaded() {
		t.Fatal("policy engine should be loaded after bootstrap")
	}
	_, p, err := rt.Service.Login(ctx, auth.Credentials{Email: "root@example.com", Password: "root-password"}, auth.ClientInfo{UserAgent: "test", IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if p.SystemRole != auth.RoleSuperAdmin {
		t.Fatalf("bootstrap user should be SUPERADMIN, got %s", p.SystemRole)
	}
}

func TestNewRuntimeRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	cfg := testConfig(t, map[string]string{
		"TENANTGATE_AUTH_PRIVATE_KEY": string(privPEM),
		"TENANTGATE_AUTH_PUBLIC_KEY":  string(pubPEM),
		"TENANTGATE_AUTH_KEY_ID":      "k1",
	})
	rt, err := NewRuntime(cfg, memory.New(), kv.NewMemory(nil))
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	token, _, err := rt.Issuer.Issue(auth.PrincipalContext{
		User:       auth.User{ID: "u1", Email: "a@example.com"},
		TenantID:   "t1",
		SystemRole: auth.RoleUser,
	}, "d1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	p, err := rt.Issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.UserID != "u1" || p.TenantID != "t1" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}
