package auth

import (
	"context"
	"strings"
)

// Role is a staff permission level. Higher roles include the lower ones.
type Role string

const (
	RoleStaff  Role = "staff"
	RoleCharge Role = "charge"
	RoleAdmin  Role = "admin"
)

var roleRanks = map[Role]int{RoleStaff: 1, RoleCharge: 2, RoleAdmin: 3}

// NormalizeRole lowercases and validates a role name.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast reports whether role grants required.
func RoleAtLeast(role, required Role) bool {
	return roleRanks[role] >= roleRanks[required]
}

// Identity is the authenticated caller: a staff user bound to one hospital scope.
type Identity struct {
	UserID          string
	HospitalScopeID string
	Role            Role
}

type identityKey struct{}

// WithIdentity attaches the caller identity to ctx.
func WithIdentity(ctx context.Context, scopeID string, role Role, userID string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, HospitalScopeID: scopeID, Role: role})
}

// IdentityFromContext returns the caller identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// ScopeIDFromContext returns the caller's hospital scope.
func ScopeIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.HospitalScopeID
}

// RoleFromContext returns the caller's role.
func RoleFromContext(ctx context.Context) Role {
	id, _ := IdentityFromContext(ctx)
	return id.Role
}

// SubjectFromContext returns the caller's user id.
func SubjectFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}
