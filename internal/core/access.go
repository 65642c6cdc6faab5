package core

import (
	"context"

	"exprcore/pkg/domain"
)

// Role names carried by authenticated principals.
const (
	RoleReader  = "reader"
	RoleCurator = "curator"
	RoleAdmin   = "admin"
)

// AccessLevel is the privilege an operation requires.
type AccessLevel int

const (
	AccessRead AccessLevel = iota
	AccessCurate
	AccessAdmin
)

func (l AccessLevel) String() string {
	switch l {
	case AccessCurate:
		return "curate"
	case AccessAdmin:
		return "admin"
	default:
		return "read"
	}
}

// Principal identifies the caller of a service operation.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Allows reports whether the principal's roles grant level.
func (p Principal) Allows(level AccessLevel) bool {
	switch level {
	case AccessRead:
		return true
	case AccessCurate:
		return p.HasRole(RoleCurator) || p.HasRole(RoleAdmin)
	default:
		return p.HasRole(RoleAdmin)
	}
}

type principalKey struct{}

// ContextWithPrincipal attaches p to ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached to ctx, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// AccessPolicy decides whether the caller in ctx may perform an operation at level.
type AccessPolicy interface {
	Check(ctx context.Context, level AccessLevel) error
}

// AccessPolicyFunc adapts a function to AccessPolicy.
type AccessPolicyFunc func(ctx context.Context, level AccessLevel) error

// Check implements AccessPolicy.
func (f AccessPolicyFunc) Check(ctx context.Context, level AccessLevel) error { return f(ctx, level) }

// AllowAll permits every operation. Used by the CLI and tests.
func AllowAll() AccessPolicy {
	return AccessPolicyFunc(func(context.Context, AccessLevel) error { return nil })
}

// RoleBasedAccess requires a principal with a sufficient role for anything
// beyond reads; missing principals are denied.
func RoleBasedAccess() AccessPolicy {
	return AccessPolicyFunc(func(ctx context.Context, level AccessLevel) error {
		if level == AccessRead {
			return nil
		}
		p, ok := PrincipalFromContext(ctx)
		if !ok || !p.Allows(level) {
			return domain.ErrAccessDenied
		}
		return nil
	})
}
