package auth

import (
	"context"
	"errors"
)

var (
	// ErrScopeMismatch indicates a resource belongs to a different hospital scope.
	ErrScopeMismatch = errors.New("auth: hospital scope mismatch")
	// ErrScopeRequired indicates neither the request nor the caller names a scope.
	ErrScopeRequired = errors.New("auth: hospital scope id required")
)

// EnsureScope rejects access to a resource outside the caller's hospital scope.
// Requests without an identity (internal calls) and admins are allowed through.
func EnsureScope(ctx context.Context, resourceScopeID string) error {
	callerScope := ScopeIDFromContext(ctx)
	if callerScope == "" || RoleFromContext(ctx) == RoleAdmin {
		return nil
	}
	if resourceScopeID != callerScope {
		return ErrScopeMismatch
	}
	return nil
}

// ResolveScope returns the requested scope, defaulting to the caller's own.
func ResolveScope(ctx context.Context, requested string) (string, error) {
	if requested == "" {
		requested = ScopeIDFromContext(ctx)
	}
	if requested == "" {
		return "", ErrScopeRequired
	}
	if err := EnsureScope(ctx, requested); err != nil {
		return "", err
	}
	return requested, nil
}
