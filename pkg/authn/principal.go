// Package authn turns requests into principals. It owns the "Cookies"
// session scheme, the "oidc" challenge scheme and the optional bearer scheme.
package authn

import (
	"context"
	"slices"
	"time"

	"sitegate/pkg/session"
)

// Scheme names.
const (
	SchemeCookies = session.SchemeName
	SchemeOIDC    = "oidc"
	SchemeBearer  = "Bearer"
)

// Principal is the authenticated caller. The zero value is anonymous.
type Principal struct {
	Scheme    string
	Subject   string
	Name      string
	Email     string
	Roles     []string
	Scopes    []string
	Claims    map[string]any
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (p Principal) Authenticated() bool { return p.Subject != "" }

func (p Principal) HasRole(role string) bool { return slices.Contains(p.Roles, role) }

// HasAnyRole reports whether p holds one of roles. An empty list matches.
func (p Principal) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

type ctxPrincipalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey{}, p)
}

// PrincipalFrom returns the principal stored by Authenticate, or the
// anonymous principal.
func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(ctxPrincipalKey{}).(Principal); ok {
		return p
	}
	return Principal{}
}
