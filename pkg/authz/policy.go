// Package authz decides whether an authenticated (or anonymous) principal may
// reach an endpoint. The fallback policy requires an authenticated user on
// every path that has not opted out.
package authz

import (
	"context"
	"net/http"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"

	"sitegate/pkg/authn"
)

type Decision int

const (
	Allow Decision = iota
	Challenge
	Forbid
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Challenge:
		return "challenge"
	case Forbid:
		return "forbid"
	}
	return "unknown"
}

// Request is the input of a policy evaluation.
type Request struct {
	Method    string
	Path      string
	Principal authn.Principal
}

// Policy evaluates, in order: anonymous opt-outs, the authenticated-user
// fallback, role rules and an optional Rego module.
type Policy struct {
	anonymous []string
	rules     []Rule
	rego      *RegoPolicy
	log       *zap.SugaredLogger
}

// RequireAuthenticatedUser returns the fallback policy.
func RequireAuthenticatedUser(log *zap.SugaredLogger) *Policy {
	return &Policy{log: log}
}

// AllowAnonymous exempts endpoints matching patterns. A pattern ending in
// "/*" matches the prefix and everything below it; other patterns use
// path.Match syntax. Matching ignores case.
func (p *Policy) AllowAnonymous(patterns ...string) *Policy {
	for _, pat := range patterns {
		if pat = strings.TrimSpace(pat); pat != "" {
			p.anonymous = append(p.anonymous, strings.ToLower(pat))
		}
	}
	return p
}

// Apply merges a loaded rule set into p.
func (p *Policy) Apply(rs RuleSet) *Policy {
	p.AllowAnonymous(rs.Anonymous...)
	for _, r := range rs.Rules {
		r.Path = strings.ToLower(r.Path)
		for i, m := range r.Methods {
			r.Methods[i] = strings.ToUpper(m)
		}
		p.rules = append(p.rules, r)
	}
	if rs.rego != nil {
		p.rego = rs.rego
	}
	return p
}

// Evaluate returns the decision for req. req.Path must be the path the router
// matches on (see RoutingPath). Non-canonical paths never match an anonymous
// pattern, and rules are checked against both their raw and cleaned forms.
func (p *Policy) Evaluate(ctx context.Context, req Request) Decision {
	raw := strings.ToLower(req.Path)
	if raw == "" {
		raw = "/"
	}
	clean := CanonicalPath(raw)
	if clean == raw {
		for _, pat := range p.anonymous {
			if matchPath(pat, raw) {
				return Allow
			}
		}
	}
	if !req.Principal.Authenticated() {
		return Challenge
	}
	for _, r := range p.rules {
		if !r.matches(req.Method, raw) && !r.matches(req.Method, clean) {
			continue
		}
		if !r.permits(req.Principal) {
			return Forbid
		}
	}
	if p.rego != nil {
		ok, err := p.rego.Allowed(ctx, regoInput(req))
		if err != nil {
			p.log.Errorw("rego evaluation failed", "path", req.Path, "err", err)
			return Forbid
		}
		if !ok {
			return Forbid
		}
	}
	return Allow
}

// RoutingPath returns the path chi matches routes against: the escaped form
// when the request carried one, the decoded path otherwise.
func RoutingPath(r *http.Request) string {
	if r.URL.RawPath != "" {
		return r.URL.RawPath
	}
	return r.URL.Path
}

// CanonicalPath cleans dot segments, duplicate and trailing slashes.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

func matchPath(pattern, p string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return p == prefix || strings.HasPrefix(p, prefix+"/") || (prefix == "" && strings.HasPrefix(p, "/"))
	}
	ok, err := path.Match(pattern, p)
	return err == nil && ok
}

func (r Rule) matches(method, p string) bool {
	if !matchPath(r.Path, p) {
		return false
	}
	return len(r.Methods) == 0 || slices.Contains(r.Methods, strings.ToUpper(method))
}

func (r Rule) permits(p authn.Principal) bool {
	return (len(r.Roles) > 0 && p.HasAnyRole(r.Roles)) ||
		(len(r.Scopes) > 0 && p.HasAnyScope(r.Scopes))
}

func regoInput(req Request) map[string]any {
	pr := req.Principal
	roles := pr.Roles
	if roles == nil {
		roles = []string{}
	}
	scopes := pr.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	claims := pr.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	return map[string]any{
		"method": req.Method,
		"path":   req.Path,
		"user": map[string]any{
			"authenticated": pr.Authenticated(),
			"subject":       pr.Subject,
			"name":          pr.Name,
			"roles":         roles,
			"scopes":        scopes,
			"claims":        claims,
		},
	}
}

// Challenger turns negative decisions into responses.
type Challenger interface {
	Challenge(w http.ResponseWriter, r *http.Request)
	Forbid(w http.ResponseWriter, r *http.Request)
}

// Authorize enforces policy for every request reaching it. Requests for a
// non-canonical path are redirected to the canonical one before evaluation.
func Authorize(policy *Policy, c Challenger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			routed := RoutingPath(r)
			if canonical := CanonicalPath(routed); canonical != routed {
				target := canonical
				if r.URL.RawQuery != "" {
					target += "?" + r.URL.RawQuery
				}
				http.Redirect(w, r, target, http.StatusPermanentRedirect)
				return
			}
			switch policy.Evaluate(r.Context(), Request{
				Method:    r.Method,
				Path:      routed,
				Principal: authn.PrincipalFrom(r.Context()),
			}) {
			case Allow:
				next.ServeHTTP(w, r)
			case Challenge:
				c.Challenge(w, r)
			default:
				c.Forbid(w, r)
			}
		})
	}
}
