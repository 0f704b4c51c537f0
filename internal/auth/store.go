package auth

import (
	"context"
	"time"
)

// PrincipalSource resolves identities and their current assignments.
type PrincipalSource interface {
	FindUserByEmail(ctx context.Context, email string) (User, error)
	FindPrincipalContext(ctx context.Context, userID string) (PrincipalContext, error)
}

// RefreshTokenRepository persists refresh token records.
type RefreshTokenRepository interface {
	InsertRefreshToken(ctx context.Context, tok *RefreshToken) error
	FindRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// RotateRefreshToken marks oldID used and inserts successor atomically.
	// It returns ErrReuseDetected when oldID is no longer an unused record.
	RotateRefreshToken(ctx context.Context, oldID string, successor *RefreshToken) error
	RevokeRefreshTokensForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	RevokeRefreshTokensForDevice(ctx context.Context, userID, deviceID string, at time.Time) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// DeviceRepository persists the device registry.
type DeviceRepository interface {
	// ActivateDevice upserts dev as active. When dev is not already active
	// and the user holds limit active devices, it either fails with
	// ErrMaxDevicesExceeded or, if evictOldest, deactivates the least
	// recently seen devices and returns them.
	ActivateDevice(ctx context.Context, dev Device, limit int, evictOldest bool) (Device, []Device, error)
	FindDevice(ctx context.Context, userID, deviceID string) (Device, error)
	ListDevices(ctx context.Context, userID string) ([]Device, error)
	DeactivateDevice(ctx context.Context, userID, deviceID string) error
	DeactivateAllDevices(ctx context.Context, userID string) error
	DeleteInactiveDevices(ctx context.Context, seenBefore time.Time) (int64, error)
}

// PolicySource loads the grant and membership rows of every tenant.
type PolicySource interface {
	LoadPolicyRows(ctx context.Context) (PolicyRows, error)
}

// RBACStore describes tenant-scoped administration persistence.
type RBACStore interface {
	CreateTenant(ctx context.Context, name string) (Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)

	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)
	ListUsers(ctx context.Context, tenantID string) ([]User, error)
	SetUserStatus(ctx context.Context, userID, status string) (User, error)
	DeleteUser(ctx context.Context, userID string) error

	CreateRole(ctx context.Context, tenantID, name, description string) (Role, error)
	GetRole(ctx context.Context, tenantID, roleID string) (Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]Role, error)
	UpdateRole(ctx context.Context, tenantID, roleID string, upd RoleUpdate) (Role, error)
	DeleteRole(ctx context.Context, tenantID, roleID string) error

	CreatePermission(ctx context.Context, tenantID, name, description string) (Permission, error)
	ListPermissions(ctx context.Context, tenantID string) ([]Permission, error)
	DeletePermission(ctx context.Context, tenantID, permissionID string) error

	GrantPermission(ctx context.Context, tenantID, roleID, permissionID string) error
	RevokePermission(ctx context.Context, tenantID, roleID, permissionID string) error
	AssignRole(ctx context.Context, tenantID, userID, roleID string) (UserRole, error)
	UnassignRole(ctx context.Context, tenantID, userID, roleID string) error
	ListUserRoles(ctx context.Context, tenantID, userID string) ([]Role, error)

	UsersWithRole(ctx context.Context, tenantID, roleID string) ([]string, error)
	UsersWithPermission(ctx context.Context, tenantID, permissionID string) ([]string, error)
	RolesWithPermission(ctx context.Context, tenantID, permissionID string) ([]string, error)
}

// Tenant is an isolated customer organization.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
