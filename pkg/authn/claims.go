package authn

import (
	"fmt"
	"strings"
	"time"

	jmes "github.com/jmespath/go-jmespath"
)

// ClaimMapper derives a principal's name and roles from token claims using
// JMESPath expressions, so provider specific claim layouts (for example
// Keycloak's realm_access.roles) need no code.
type ClaimMapper struct {
	name  *jmes.JMESPath
	roles *jmes.JMESPath
}

func NewClaimMapper(nameExpr, roleExpr string) (*ClaimMapper, error) {
	m := &ClaimMapper{}
	var err error
	if m.name, err = jmes.Compile(nameExpr); err != nil {
		return nil, fmt.Errorf("name claim expression %q: %w", nameExpr, err)
	}
	if strings.TrimSpace(roleExpr) != "" {
		if m.roles, err = jmes.Compile(roleExpr); err != nil {
			return nil, fmt.Errorf("role claim expression %q: %w", roleExpr, err)
		}
	}
	return m, nil
}

func (m *ClaimMapper) Name(claims map[string]any) string {
	v, err := m.name.Search(claims)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Roles accepts a list of strings or a single string.
func (m *ClaimMapper) Roles(claims map[string]any) []string {
	if m.roles == nil {
		return nil
	}
	v, err := m.roles.Search(claims)
	if err != nil {
		return nil
	}
	return stringList(v)
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Principal builds a principal for scheme from claims.
func (m *ClaimMapper) Principal(scheme string, claims map[string]any) Principal {
	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	p := Principal{
		Scheme:    scheme,
		Subject:   sub,
		Name:      m.Name(claims),
		Email:     email,
		Roles:     m.Roles(claims),
		Scopes:    scopesOf(claims),
		Claims:    claims,
		IssuedAt:  claimTime(claims["iat"]),
		ExpiresAt: claimTime(claims["exp"]),
	}
	if p.Name == "" {
		p.Name = sub
	}
	return p
}

func claimTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	}
	return time.Time{}
}
