package auth

import (
	"sort"
	"strings"
	"time"
)

// Principal is the verified identity extracted from an access token.
// It is a snapshot: role and permission changes after issuance are not
// visible until the next refresh.
type Principal struct {
	UserID      string     `json:"user_id"`
	Email       string     `json:"email,omitempty"`
	Name        string     `json:"name,omitempty"`
	TenantID    string     `json:"tenant_id,omitempty"`
	SystemRole  SystemRole `json:"system_role"`
	Roles       []string   `json:"roles,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
	DeviceID    string     `json:"device_id,omitempty"`
	TokenID     string     `json:"token_id,omitempty"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// IsSuperAdmin reports whether the principal holds the top system role.
func (p Principal) IsSuperAdmin() bool { return p.SystemRole == RoleSuperAdmin }

// HasPermission reports whether any granted permission covers key.
func (p Principal) HasPermission(key string) bool {
	for _, granted := range p.Permissions {
		if PermissionCovers(granted, key) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every key is covered.
func (p Principal) HasAllPermissions(keys []string) bool {
	for _, key := range keys {
		if !p.HasPermission(key) {
			return false
		}
	}
	return true
}

// HasAnyRole reports whether the principal holds at least one of roles.
func (p Principal) HasAnyRole(roles []string) bool {
	for _, want := range roles {
		want = strings.ToLower(strings.TrimSpace(want))
		for _, have := range p.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
