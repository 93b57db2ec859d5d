package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrInvalidRole = errors.New("invalid role")
	// ErrUnauthorized means no valid caller identity could be resolved.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the caller is known but lacks the capability.
	ErrForbidden = errors.New("forbidden")
)

type Role string

const (
	RoleMember  Role = "member"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleMember, RoleManager, RoleAdmin:
		return r, nil
	default:
		return "", ErrInvalidRole
	}
}

// Assignable reports whether users with this role may receive tasks.
func (r Role) Assignable() bool {
	return r != RoleManager && r != RoleAdmin
}

type Capability string

const (
	CapManageUsers  Capability = "users:manage"
	CapCreateTasks  Capability = "tasks:create"
	CapReadOwnTasks Capability = "tasks:read-own"
	CapPatchAnyTask Capability = "tasks:patch-any"
	CapReassign     Capability = "tasks:reassign"
)

var grants = map[Role]map[Capability]bool{
	RoleMember: {
		CapCreateTasks:  true,
		CapReadOwnTasks: true,
	},
	RoleManager: {
		CapCreateTasks:  true,
		CapReadOwnTasks: true,
		CapPatchAnyTask: true,
		CapReassign:     true,
	},
	RoleAdmin: {
		CapManageUsers:  true,
		CapCreateTasks:  true,
		CapReadOwnTasks: true,
		CapPatchAnyTask: true,
		CapReassign:     true,
	},
}

func (r Role) Can(c Capability) bool {
	return grants[r][c]
}

// Principal is the authenticated caller of one request.
type Principal struct {
	PublicID string
	Role     Role
}

// Require evaluates a capability before a handler runs. A nil principal is
// ErrUnauthorized, never a silent fallthrough.
func Require(p *Principal, c Capability) error {
	if p == nil || p.PublicID == "" {
		return ErrUnauthorized
	}
	if !p.Role.Can(c) {
		return ErrForbidden
	}
	return nil
}

// Resolver maps a verified StableID to a principal using the caller's own store.
type Resolver interface {
	ResolvePrincipal(ctx context.Context, publicID string) (Principal, error)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return nil, false
	}
	return &p, true
}

// Authenticator turns a bearer credential into a request-scoped Principal.
type Authenticator struct {
	Tokens   Manager
	Resolver Resolver
}

// Middleware rejects requests without a resolvable principal. onError writes
// the response for ErrUnauthorized/ErrForbidden and resolver failures.
func (a Authenticator) Middleware(onError func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				onError(w, ErrUnauthorized)
				return
			}
			claims, err := a.Tokens.Parse(token)
			if err != nil {
				onError(w, ErrUnauthorized)
				return
			}
			p, err := a.Resolver.ResolvePrincipal(r.Context(), claims.Subject)
			if err != nil {
				onError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
