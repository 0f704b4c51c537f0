package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"tenantgate.org/internal/auth"
)

func seed(t *testing.T) (*Store, auth.Tenant, auth.User) {
	t.Helper()
	s := New()
	ctx := context.Background()
	tenant, err := s.CreateTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	user, err := s.CreateUser(ctx, auth.User{TenantID: tenant.ID, Email: "u@example.com", SystemRole: auth.RoleUser, Status: auth.UserStatusActive})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return s, tenant, user
}

func TestPrincipalContextFlattensPermissions(t *testing.T) {
	s, tenant, user := seed(t)
	ctx := context.Background()
	r1, _ := s.CreateRole(ctx, tenant.ID, "a", "")
	r2, _ := s.CreateRole(ctx, tenant.ID, "b", "")
	p1, _ := s.CreatePermission(ctx, tenant.ID, "users.read", "")
	p2, _ := s.CreatePermission(ctx, tenant.ID, "users.write", "")
	for _, g := range [][2]string{{r1.ID, p1.ID}, {r2.ID, p1.ID}, {r2.ID, p2.ID}} {
		if err := s.GrantPermission(ctx, tenant.ID, g[0], g[1]); err != nil {
			t.Fatalf("GrantPermission: %v", err)
		}
	}
	_, _ = s.AssignRole(ctx, tenant.ID, user.ID, r1.ID)
	_, _ = s.AssignRole(ctx, tenant.ID, user.ID, r2.ID)

	pc, err := s.FindPrincipalContext(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindPrincipalContext: %v", err)
	}
	if len(pc.Roles) != 2 || len(pc.Permissions) != 2 || pc.Permissions[0] != "users.read" {
		t.Fatalf("unexpected context %+v", pc)
	}

	rows, _ := s.LoadPolicyRows(ctx)
	if len(rows.Grants) != 3 || len(rows.Members) != 2 {
		t.Fatalf("unexpected policy rows %+v", rows)
	}
	users, _ := s.UsersWithPermission(ctx, tenant.ID, p2.ID)
	if len(users) != 1 || users[0] != user.ID {
		t.Fatalf("UsersWithPermission = %v", users)
	}
}

func TestRotateRefreshTokenIsCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()
	old := &auth.RefreshToken{ID: "r1", TokenHash: "h1", UserID: "u1", DeviceID: "d1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.InsertRefreshToken(ctx, old); err != nil {
		t.Fatalf("InsertRefreshToken: %v", err)
	}
	if err := s.RotateRefreshToken(ctx, "r1", &auth.RefreshToken{ID: "r2", TokenHash: "h2", UserID: "u1", DeviceID: "d1"}); err != nil {
		t.Fatalf("first rotate: %v", err)
	}
	err := s.RotateRefreshToken(ctx, "r1", &auth.RefreshToken{ID: "r3", TokenHash: "h3", UserID: "u1", DeviceID: "d1"})
	if !errors.Is(err, auth.ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}
	if _, err := s.FindRefreshToken(ctx, "h3"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatal("losing rotation must not insert a successor")
	}
}

func TestActivateDeviceCap(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"d1", "d2"} {
		dev := auth.Device{ID: id, UserID: "u1", Active: true, LastSeenAt: base.Add(time.Duration(i) * time.Minute)}
		if _, _, err := s.ActivateDevice(ctx, dev, 2, false); err != nil {
			t.Fatalf("ActivateDevice(%s): %v", id, err)
		}
	}
	third := auth.Device{ID: "d3", UserID: "u1", Active: true, LastSeenAt: base.Add(time.Hour)}
	if _, _, err := s.ActivateDevice(ctx, third, 2, false); !errors.Is(err, auth.ErrMaxDevicesExceeded) {
		t.Fatalf("expected ErrMaxDevicesExceeded, got %v", err)
	}
	_, evicted, err := s.ActivateDevice(ctx, third, 2, true)
	if err != nil || len(evicted) != 1 || evicted[0].ID != "d1" {
		t.Fatalf("expected d1 evicted, got %v %v", evicted, err)
	}
	if s.ActiveDeviceCount("u1") != 2 {
		t.Fatalf("cap exceeded: %d", s.ActiveDeviceCount("u1"))
	}
	// Re-touching an active device never evicts.
	if _, evicted, err := s.ActivateDevice(ctx, third, 2, true); err != nil || len(evicted) != 0 {
		t.Fatalf("touch evicted %v %v", evicted, err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	s, _, user := seed(t)
	ctx := context.Background()
	_ = s.InsertRefreshToken(ctx, &auth.RefreshToken{ID: "r1", TokenHash: "h1", UserID: user.ID, DeviceID: "d1"})
	_, _, _ = s.ActivateDevice(ctx, auth.Device{ID: "d1", UserID: user.ID, Active: true}, 5, false)

	if err := s.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := s.FindRefreshToken(ctx, "h1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatal("refresh token survived user deletion")
	}
	if _, err := s.FindDevice(ctx, user.ID, "d1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatal("device survived user deletion")
	}
}

func TestDeleteInactiveDevicesDropsTheirRefreshTokens(t *testing.T) {
	s := New()
	ctx := context.Background()
	seen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"d1", "d2"} {
		if _, _, err := s.ActivateDevice(ctx, auth.Device{ID: id, UserID: "u1", Active: true, LastSeenAt: seen}, 5, false); err != nil {
			t.Fatalf("ActivateDevice %s: %v", id, err)
		}
		tok := &auth.RefreshToken{ID: "r-" + id, TokenHash: "h-" + id, UserID: "u1", DeviceID: id, ExpiresAt: seen.Add(30 * 24 * time.Hour)}
		if err := s.InsertRefreshToken(ctx, tok); err != nil {
			t.Fatalf("InsertRefreshToken: %v", err)
		}
	}
	if err := s.DeactivateDevice(ctx, "u1", "d1"); err != nil {
		t.Fatalf("DeactivateDevice: %v", err)
	}

	n, err := s.DeleteInactiveDevices(ctx, seen.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("DeleteInactiveDevices = %d, %v", n, err)
	}
	if _, err := s.FindRefreshToken(ctx, "h-d1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatal("refresh token outlived its purged device")
	}
	if _, err := s.FindRefreshToken(ctx, "h-d2"); err != nil {
		t.Fatalf("active device token removed: %v", err)
	}
}
