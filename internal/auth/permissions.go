package auth

import (
	"fmt"
	"strings"
)

// Permissions guarding the administrative surface.
const (
	PermRolesRead         = "roles.read"
	PermRolesWrite        = "roles.write"
	PermPermissionsRead   = "permissions.read"
	PermPermissionsWrite  = "permissions.write"
	PermUsersRead         = "users.read"
	PermUsersWrite        = "users.write"
	PermUsersDelete       = "users.delete"
	PermUserRolesAssign   = "users.roles.assign"
	PermDevicesReadOthers = "devices.read"
)

// BuiltinPermissions are seeded into every new tenant.
var BuiltinPermissions = []Permission{
	{Name: PermRolesRead, Description: "List tenant roles"},
	{Name: PermRolesWrite, Description: "Create, update and delete tenant roles"},
	{Name: PermPermissionsRead, Description: "List tenant permissions"},
	{Name: PermPermissionsWrite, Description: "Create and delete tenant permissions"},
	{Name: PermUsersRead, Description: "List tenant users"},
	{Name: PermUsersWrite, Description: "Create and update tenant users"},
	{Name: PermUsersDelete, Description: "Delete tenant users"},
	{Name: PermUserRolesAssign, Description: "Assign and unassign user roles"},
	{Name: PermDevicesReadOthers, Description: "Inspect devices of other users"},
}

// NormalizePermission validates and lower-cases a resource.action name.
func NormalizePermission(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "*" {
		return name, nil
	}
	resource, action, ok := strings.Cut(name, ".")
	if !ok || resource == "" || action == "" {
		return "", fmt.Errorf("%w: permission %q must be resource.action", ErrInvalidInput, name)
	}
	if strings.ContainsAny(name, " \t/") {
		return "", fmt.Errorf("%w: permission %q contains invalid characters", ErrInvalidInput, name)
	}
	return name, nil
}

// PermissionCovers reports whether granted satisfies required. A granted
// "*" covers everything and "resource.*" covers every action on resource.
func PermissionCovers(granted, required string) bool {
	if granted == required || granted == "*" {
		return true
	}
	prefix, ok := strings.CutSuffix(granted, ".*")
	if !ok {
		return false
	}
	return strings.HasPrefix(required, prefix+".")
}

// PermissionName joins a resource and action.
func PermissionName(resource, action string) string {
	return strings.ToLower(strings.TrimSpace(resource)) + "." + strings.ToLower(strings.TrimSpace(action))
}
