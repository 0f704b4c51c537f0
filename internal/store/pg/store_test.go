package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"tenantgate.org/internal/auth"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, WithClock(func() time.Time { return fixedNow })), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var deviceCols = []string{"id", "user_id", "tenant_id", "device_type", "browser", "os", "user_agent", "ip", "active", "last_seen_at", "created_at"}

func successor() *auth.RefreshToken {
	return &auth.RefreshToken{
		ID: "rt-2", TokenHash: "hash-2", UserID: "u-1", TenantID: "t-1", DeviceID: "d-1",
		CreatedAt: fixedNow, ExpiresAt: fixedNow.Add(24 * time.Hour), RotatedFrom: "rt-1",
	}
}

func TestRotateRefreshTokenCommitsSuccessor(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set used = true").WithArgs("rt-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("rt-2", "hash-2", "u-1", "t-1", "d-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "rt-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.RotateRefreshToken(context.Background(), "rt-1", successor()); err != nil {
		t.Fatalf("RotateRefreshToken: %v", err)
	}
	expectationsMet(t, mock)
}

func TestRotateRefreshTokenLostRace(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set used = true").WithArgs("rt-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.RotateRefreshToken(context.Background(), "rt-1", successor())
	if !errors.Is(err, auth.ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestFindRefreshTokenMapsRows(t *testing.T) {
	store, mock := newMockStore(t)
	revoked := fixedNow.Add(-time.Minute)
	mock.ExpectQuery("select id, token_hash, user_id").WithArgs("hash-1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "token_hash", "user_id", "tenant_id", "device_id", "created_at", "expires_at", "rotated_from", "used", "revoked_at"}).
			AddRow("rt-1", "hash-1", "u-1", nil, "d-1", fixedNow, fixedNow.Add(time.Hour), nil, true, revoked))
	mock.ExpectQuery("select id, token_hash, user_id").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	tok, err := store.FindRefreshToken(context.Background(), "hash-1")
	if err != nil {
		t.Fatalf("FindRefreshToken: %v", err)
	}
	if tok.TenantID != "" || !tok.Used || tok.RevokedAt == nil || !tok.RevokedAt.Equal(revoked) {
		t.Fatalf("unexpected token %+v", tok)
	}
	if _, err := store.FindRefreshToken(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func activeRows(n int) *sqlmock.Rows {
	rows := sqlmock.NewRows(deviceCols)
	for i := 0; i < n; i++ {
		seen := fixedNow.Add(time.Duration(i-n) * time.Hour)
		rows.AddRow(string(rune('a'+i)), "u-1", "t-1", "desktop", "Chrome", "Linux", "ua", "10.0.0.1", true, seen, seen)
	}
	return rows
}

func TestActivateDeviceRejectsOverCap(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select id from users where id = \$1 for update`).WithArgs("u-1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u-1"))
	mock.ExpectQuery("select .* from devices .* for update").WithArgs("u-1").WillReturnRows(activeRows(5))
	mock.ExpectRollback()

	_, _, err := store.ActivateDevice(context.Background(), auth.Device{ID: "new", UserID: "u-1", LastSeenAt: fixedNow}, 5, false)
	if !errors.Is(err, auth.ErrMaxDevicesExceeded) {
		t.Fatalf("expected ErrMaxDevicesExceeded, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestActivateDeviceLocksUserBeforeCounting(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select id from users where id = \$1 for update`).WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := store.ActivateDevice(context.Background(), auth.Device{ID: "new", UserID: "ghost", LastSeenAt: fixedNow}, 5, false)
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestActivateDeviceEvictsOldest(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select id from users where id = \$1 for update`).WithArgs("u-1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u-1"))
	mock.ExpectQuery("select .* from devices .* for update").WithArgs("u-1").WillReturnRows(activeRows(5))
	mock.ExpectExec("update devices set active = false").WithArgs("u-1", "a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into devices").WillReturnRows(sqlmock.NewRows(deviceCols).
		AddRow("new", "u-1", "t-1", "mobile", "Safari", "iOS", "ua", "10.0.0.2", true, fixedNow, fixedNow))
	mock.ExpectCommit()

	dev, evicted, err := store.ActivateDevice(context.Background(), auth.Device{ID: "new", UserID: "u-1", TenantID: "t-1", LastSeenAt: fixedNow}, 5, true)
	if err != nil {
		t.Fatalf("ActivateDevice: %v", err)
	}
	if dev.ID != "new" || !dev.Active || dev.Metadata.OS != "iOS" {
		t.Fatalf("unexpected device %+v", dev)
	}
	if len(evicted) != 1 || evicted[0].ID != "a" || evicted[0].Active {
		t.Fatalf("expected oldest device evicted, got %+v", evicted)
	}
	expectationsMet(t, mock)
}

func TestActivateDeviceKnownDeviceSkipsCap(t *testing.T) {
	store, mock := newMockStore(t)
	rows := activeRows(4).AddRow("known", "u-1", "t-1", "desktop", "Firefox", "Linux", "ua", "10.0.0.1", true, fixedNow, fixedNow)
	mock.ExpectBegin()
	mock.ExpectQuery(`select id from users where id = \$1 for update`).WithArgs("u-1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u-1"))
	mock.ExpectQuery("select .* from devices .* for update").WithArgs("u-1").WillReturnRows(rows)
	mock.ExpectQuery("insert into devices").WillReturnRows(sqlmock.NewRows(deviceCols).
		AddRow("known", "u-1", "t-1", "desktop", "Firefox", "Linux", "ua", "10.0.0.1", true, fixedNow, fixedNow))
	mock.ExpectCommit()

	if _, evicted, err := store.ActivateDevice(context.Background(), auth.Device{ID: "known", UserID: "u-1", LastSeenAt: fixedNow}, 5, false); err != nil || len(evicted) != 0 {
		t.Fatalf("ActivateDevice: evicted=%v err=%v", evicted, err)
	}
	expectationsMet(t, mock)
}

func TestFindPrincipalContextFlattensAssignments(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select id, tenant_id, email").WithArgs("u-1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "tenant_id", "email", "name", "password_hash", "system_role", "status", "created_at", "updated_at"}).
			AddRow("u-1", "t-1", "a@acme.test", "Ann", "hash", "ADMIN", "active", fixedNow, fixedNow))
	mock.ExpectQuery("select r.name, coalesce").WithArgs("u-1", "t-1").WillReturnRows(
		sqlmock.NewRows([]string{"name", "perm"}).
			AddRow("manager", "users.read").
			AddRow("manager", "users.write").
			AddRow("auditor", "users.read").
			AddRow("empty", ""))

	pc, err := store.FindPrincipalContext(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("FindPrincipalContext: %v", err)
	}
	if pc.TenantID != "t-1" || pc.SystemRole != auth.RoleAdmin {
		t.Fatalf("unexpected principal %+v", pc)
	}
	wantRoles := []string{"auditor", "empty", "manager"}
	if len(pc.Roles) != len(wantRoles) {
		t.Fatalf("roles = %v", pc.Roles)
	}
	for i := range wantRoles {
		if pc.Roles[i] != wantRoles[i] {
			t.Fatalf("roles = %v", pc.Roles)
		}
	}
	if len(pc.Permissions) != 2 || pc.Permissions[0] != "users.read" || pc.Permissions[1] != "users.write" {
		t.Fatalf("permissions = %v", pc.Permissions)
	}
	expectationsMet(t, mock)
}

func TestFindPrincipalContextGlobalUserSkipsRoles(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select id, tenant_id, email").WithArgs("root").WillReturnRows(
		sqlmock.NewRows([]string{"id", "tenant_id", "email", "name", "password_hash", "system_role", "status", "created_at", "updated_at"}).
			AddRow("root", nil, "root@ops.test", "Root", "hash", "SUPERADMIN", "active", fixedNow, fixedNow))

	pc, err := store.FindPrincipalContext(context.Background(), "root")
	if err != nil {
		t.Fatalf("FindPrincipalContext: %v", err)
	}
	if pc.TenantID != "" || pc.SystemRole != auth.RoleSuperAdmin || len(pc.Roles) != 0 {
		t.Fatalf("unexpected principal %+v", pc)
	}
	expectationsMet(t, mock)
}

func TestCreateRoleMapsConstraintErrors(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("insert into roles").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectQuery("insert into roles").WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	if _, err := store.CreateRole(context.Background(), "t-1", "manager", ""); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := store.CreateRole(context.Background(), "missing", "manager", ""); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestUpdateRoleBuildsSetClause(t *testing.T) {
	store, mock := newMockStore(t)
	name := "lead"
	mock.ExpectQuery(`update roles set name = \$1, updated_at = \$2 where id = \$3 and tenant_id = \$4`).
		WithArgs("lead", sqlmock.AnyArg(), "r-1", "t-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "description", "created_at", "updated_at"}).
			AddRow("r-1", "t-1", "lead", "", fixedNow, fixedNow))

	role, err := store.UpdateRole(context.Background(), "t-1", "r-1", auth.RoleUpdate{Name: &name})
	if err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if role.Name != "lead" {
		t.Fatalf("unexpected role %+v", role)
	}
	expectationsMet(t, mock)
}

func TestGrantPermissionChecksTenant(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select 1 from roles").WithArgs("r-1", "t-1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("select 1 from permissions").WithArgs("p-other", "t-1").WillReturnError(sql.ErrNoRows)

	if err := store.GrantPermission(context.Background(), "t-1", "r-1", "p-other"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestRevokePermissionMissingGrant(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("delete from role_permissions").WithArgs("t-1", "r-1", "p-1").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RevokePermission(context.Background(), "t-1", "r-1", "p-1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestLoadPolicyRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select r.tenant_id, r.name, p.name").WillReturnRows(
		sqlmock.NewRows([]string{"tenant_id", "role", "perm"}).AddRow("t-1", "manager", "users.read"))
	mock.ExpectQuery("select ur.tenant_id, ur.user_id, r.name").WillReturnRows(
		sqlmock.NewRows([]string{"tenant_id", "user_id", "role"}).AddRow("t-1", "u-1", "manager").AddRow("t-1", "u-2", "manager"))

	rows, err := store.LoadPolicyRows(context.Background())
	if err != nil {
		t.Fatalf("LoadPolicyRows: %v", err)
	}
	if len(rows.Grants) != 1 || rows.Grants[0].Permission != "users.read" {
		t.Fatalf("grants = %+v", rows.Grants)
	}
	if len(rows.Members) != 2 {
		t.Fatalf("members = %+v", rows.Members)
	}
	expectationsMet(t, mock)
}

func TestRevokeRefreshTokensForDeviceReportsCount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update refresh_tokens set revoked_at").WithArgs("u-1", "d-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.RevokeRefreshTokensForDevice(context.Background(), "u-1", "d-1", fixedNow)
	if err != nil || n != 3 {
		t.Fatalf("RevokeRefreshTokensForDevice: n=%d err=%v", n, err)
	}
	expectationsMet(t, mock)
}

func TestNilDatabaseGuard(t *testing.T) {
	store := &Store{now: time.Now}
	if _, err := store.GetUser(context.Background(), "u-1"); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
	if err := store.Ping(context.Background()); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB from Ping, got %v", err)
	}
}
