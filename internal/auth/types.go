// Package auth turns an inbound credential into a trusted, tenant-scoped,
// permission-checked principal. It owns access token issuance and
// verification, rotating refresh tokens, the device registry, the shared
// revocation ledger, the ordered authorization gate and policy sync.
package auth

import (
	"fmt"
	"strings"
	"time"
)

// SystemRole is the flat, global role hierarchy carried in every access token.
type SystemRole string

const (
	RoleUser       SystemRole = "USER"
	RoleModerator  SystemRole = "MODERATOR"
	RoleAdmin      SystemRole = "ADMIN"
	RoleSuperAdmin SystemRole = "SUPERADMIN"
)

var systemRoleRank = map[SystemRole]int{
	RoleUser:       1,
	RoleModerator:  2,
	RoleAdmin:      3,
	RoleSuperAdmin: 4,
}

// ParseSystemRole normalizes s into a known SystemRole.
func ParseSystemRole(s string) (SystemRole, error) {
	role := SystemRole(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := systemRoleRank[role]; !ok {
		return "", fmt.Errorf("%w: unknown system role %q", ErrInvalidInput, s)
	}
	return role, nil
}

// Valid reports whether r is one of the four known roles.
func (r SystemRole) Valid() bool {
	_, ok := systemRoleRank[r]
	return ok
}

// AtLeast reports whether r ranks at or above min. Unknown roles rank below USER.
func (r SystemRole) AtLeast(min SystemRole) bool {
	if min == "" {
		return true
	}
	return systemRoleRank[r] >= systemRoleRank[min] && systemRoleRank[r] > 0
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is the persisted account as seen by the gate.
type User struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id,omitempty"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	SystemRole   SystemRole `json:"system_role"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PrincipalContext is the current role and permission assignment of a user,
// read from persistence at login and at refresh.
type PrincipalContext struct {
	User        User
	TenantID    string
	SystemRole  SystemRole
	Roles       []string
	Permissions []string
}

// Role is a tenant-scoped named group of permissions.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a tenant-scoped capability named resource.action.
type Permission struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserRole links a user to a tenant role.
type UserRole struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleUpdate carries optional role changes.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// RefreshToken is the persisted record of an opaque refresh credential.
// Only the SHA-256 hash of the value is stored.
type RefreshToken struct {
	ID          string
	TokenHash   string
	UserID      string
	TenantID    string
	DeviceID    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RotatedFrom string
	Used        bool
	RevokedAt   *time.Time
}

// DeviceMetadata is display information derived from the user agent.
type DeviceMetadata struct {
	Type      string `json:"type"`
	Browser   string `json:"browser"`
	OS        string `json:"os"`
	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// Device is one session-bearing client of a user.
type Device struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Metadata   DeviceMetadata `json:"metadata"`
	Active     bool           `json:"active"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	CreatedAt  time.Time      `json:"created_at"`
}

// RoleGrant is one role -> permission link used to build the policy snapshot.
type RoleGrant struct {
	TenantID   string
	Role       string
	Permission string
}

// RoleMember is one user -> role link used to build the policy snapshot.
type RoleMember struct {
	TenantID string
	UserID   string
	Role     string
}

// PolicyRows is the full input of a policy rebuild.
type PolicyRows struct {
	Grants  []RoleGrant
	Members []RoleMember
}
