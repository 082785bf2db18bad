package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitegate/pkg/authn"
)

var (
	anonymous = authn.Principal{}
	reader    = authn.Principal{Subject: "u-1", Name: "rita", Roles: []string{"reader"}}
	admin     = authn.Principal{Subject: "u-2", Name: "adam", Roles: []string{"admin"}}
)

func eval(p *Policy, method, path string, who authn.Principal) Decision {
	return p.Evaluate(context.Background(), Request{Method: method, Path: path, Principal: who})
}

func TestFallbackRequiresAuthenticatedUser(t *testing.T) {
	p := RequireAuthenticatedUser(zap.NewNop().Sugar())

	assert.Equal(t, Challenge, eval(p, http.MethodGet, "/", anonymous))
	assert.Equal(t, Challenge, eval(p, http.MethodGet, "/no/such/route", anonymous))
	assert.Equal(t, Allow, eval(p, http.MethodGet, "/", reader))
}

func TestAllowAnonymous(t *testing.T) {
	p := RequireAuthenticatedUser(zap.NewNop().Sugar()).
		AllowAnonymous("/Home/Error", "/signin-oidc", "/public/*", "/*.ico")

	assert.Equal(t, Allow, eval(p, http.MethodGet, "/Home/Error", anonymous))
	assert.Equal(t, Allow, eval(p, http.MethodGet, "/home/error", anonymous))
	assert.Equal(t, Allow, eval(p, http.MethodGet, "/public", anonymous))
	assert.Equal(t, Allow, eval(p, http.MethodGet, "/public/css/site.css", anonymous))
	assert.Equal(t, Allow, eval(p, http.MethodGet, "/favicon.ico", anonymous))
	assert.Equal(t, Challenge, eval(p, http.MethodGet, "/publicity", anonymous))
	assert.Equal(t, Challenge, eval(p, http.MethodGet, "/Home/Error/../../Home/Index", anonymous))
}

func TestRoleRules(t *testing.T) {
	rs, err := ParseRules([]byte(`
anonymous: ["/healthz"]
rules:
  - path: /admin/*
    methods: [get, POST]
    roles: [admin]
  - path: /reports
    roles: [reader, admin]
`))
	require.NoError(t, err)
	p := RequireAuthenticatedUser(zap.NewNop().Sugar()).Apply(rs)

	assert.Equal(t, Allow, eval(p, http.MethodGet, "/healthz", anonymous))
	assert.Equal(t, Challenge, eval(p, http.MethodGet, "/admin/users", anonymous))
	assert.Equal(t, Forbid, eval(p, http.MethodGet, "/admin/users", reader))
	assert.Equal(t, Forbid, eval(p, http.MethodGet, "/ADMIN//users", reader))
	assert.Equal(t, Allow, eval(p, http.MethodGet, "/admin/users", admin))
	assert.Equal(t, Allow, eval(p, http.MethodDelete, "/admin/users", reader))
	assert.Equal(t, Allow, eval(p, http.MethodGet, "/reports", reader))
}

func TestScopeRules(t *testing.T) {
	rs, err := ParseRules([]byte(`
rules:
  - path: /api/*
    methods: [POST]
    scopes: [orders.write]
    roles: [admin]
`))
	require.NoError(t, err)
	p := RequireAuthenticatedUser(zap.NewNop().Sugar()).Apply(rs)

	service := authn.Principal{Subject: "svc", Scheme: authn.SchemeBearer, Scopes: []string{"orders.read", "orders.write"}}
	readOnly := authn.Principal{Subject: "svc-ro", Scheme: authn.SchemeBearer, Scopes: []string{"orders.read"}}

	assert.Equal(t, Allow, eval(p, http.MethodPost, "/api/orders", service))
	assert.Equal(t, Forbid, eval(p, http.MethodPost, "/api/orders", readOnly))
	assert.Equal(t, Allow, eval(p, http.MethodPost, "/api/orders", admin))
	assert.Equal(t, Allow, eval(p, http.MethodGet, "/api/orders", readOnly))
}

func TestParseRulesRejectsBadDocuments(t *testing.T) {
	_, err := ParseRules([]byte("anonymous: [healthz]\nrules:\n  - path: admin\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anonymous[0]")
	assert.Contains(t, err.Error(), "rules[0]: path")
	assert.Contains(t, err.Error(), "at least one role")

	_, err = ParseRules([]byte("anonymus: [/x]\n"))
	assert.Error(t, err)

	rs, err := ParseRules(nil)
	require.NoError(t, err)
	assert.Empty(t, rs.Rules)
}

const workHoursModule = `package sitegate.authz

default allow = false

allow {
	input.method == "GET"
}

allow {
	input.user.roles[_] == "admin"
}
`

func TestRegoPolicy(t *testing.T) {
	rp, err := NewRegoPolicy(context.Background(), "policy.rego", workHoursModule)
	require.NoError(t, err)
	p := RequireAuthenticatedUser(zap.NewNop().Sugar()).Apply(RuleSet{}.WithRego(rp))

	assert.Equal(t, Allow, eval(p, http.MethodGet, "/reports", reader))
	assert.Equal(t, Forbid, eval(p, http.MethodPost, "/reports", reader))
	assert.Equal(t, Allow, eval(p, http.MethodPost, "/reports", admin))
	assert.Equal(t, Challenge, eval(p, http.MethodGet, "/reports", anonymous))
}

func TestRegoCompileError(t *testing.T) {
	_, err := NewRegoPolicy(context.Background(), "broken.rego", "package sitegate.authz\nallow {")
	assert.Error(t, err)
}

func TestLoadRulesWithRegoFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(workHoursModule), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte("anonymous: [/public/*]\nrego: policy.rego\n"), 0o600))

	rs, err := LoadRules(context.Background(), filepath.Join(dir, "rules.yaml"))
	require.NoError(t, err)
	p := RequireAuthenticatedUser(zap.NewNop().Sugar()).Apply(rs)

	assert.Equal(t, Allow, eval(p, http.MethodPost, "/public/form", anonymous))
	assert.Equal(t, Forbid, eval(p, http.MethodPost, "/reports", reader))

	_, err = LoadRules(context.Background(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

type recordingChallenger struct{ challenged, forbidden int }

func (c *recordingChallenger) Challenge(w http.ResponseWriter, _ *http.Request) {
	c.challenged++
	w.WriteHeader(http.StatusUnauthorized)
}

func (c *recordingChallenger) Forbid(w http.ResponseWriter, _ *http.Request) {
	c.forbidden++
	w.WriteHeader(http.StatusForbidden)
}

func TestAuthorizeMiddleware(t *testing.T) {
	rs, err := ParseRules([]byte("rules:\n  - path: /admin/*\n    roles: [admin]\n"))
	require.NoError(t, err)
	p := RequireAuthenticatedUser(zap.NewNop().Sugar()).AllowAnonymous("/healthz").Apply(rs)
	c := &recordingChallenger{}
	h := Authorize(p, c)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(path string, who authn.Principal) int {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r = r.WithContext(authn.WithPrincipal(r.Context(), who))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, serve("/healthz", anonymous))
	assert.Equal(t, http.StatusUnauthorized, serve("/", anonymous))
	assert.Equal(t, http.StatusOK, serve("/", reader))
	assert.Equal(t, http.StatusForbidden, serve("/admin/panel", reader))
	assert.Equal(t, http.StatusOK, serve("/admin/panel", admin))
	assert.Equal(t, 1, c.challenged)
	assert.Equal(t, 1, c.forbidden)
}

func TestAuthorizeRedirectsNonCanonicalPaths(t *testing.T) {
	p := RequireAuthenticatedUser(zap.NewNop().Sugar()).AllowAnonymous("/Home/Error")
	c := &recordingChallenger{}
	h := Authorize(p, c)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := map[string]string{
		"/Secret/Show/..":          "/Secret",
		"/Home/Error/../../Secret": "/Secret",
		"/Home//Error":             "/Home/Error",
		"/Home/Error/?x=1":         "/Home/Error?x=1",
	}
	for target, want := range cases {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusPermanentRedirect, w.Code, target)
		assert.Equal(t, want, w.Header().Get("Location"), target)
	}
	assert.Zero(t, c.challenged)
}

func TestEncodedSlashesDoNotReachAnonymousPatterns(t *testing.T) {
	p := RequireAuthenticatedUser(zap.NewNop().Sugar()).AllowAnonymous("/Home/Error", "/healthz")
	c := &recordingChallenger{}
	h := Authorize(p, c)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, target := range []string{
		"/Secret/Show/x%2F..%2F..%2F..%2FHome%2FError",
		"/Home/Index/x%2F..%2F..%2F..%2Fhealthz",
		"/Home%2FError",
	} {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		assert.Equal(t, target, RoutingPath(r))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code, target)
	}
	assert.Equal(t, 3, c.challenged)
}

func TestRulesApplyToRawAndCleanedPaths(t *testing.T) {
	rs, err := ParseRules([]byte("rules:\n  - path: /admin/panel\n    roles: [admin]\n"))
	require.NoError(t, err)
	p := RequireAuthenticatedUser(zap.NewNop().Sugar()).AllowAnonymous("/public/*").Apply(rs)

	assert.Equal(t, Forbid, eval(p, http.MethodGet, "/Admin/Panel/x/..", reader))
	assert.Equal(t, Forbid, eval(p, http.MethodGet, "/admin//panel", reader))
	assert.Equal(t, Challenge, eval(p, http.MethodGet, "/public/../admin/panel", anonymous))
	assert.Equal(t, Allow, eval(p, http.MethodGet, "/public/site.css", anonymous))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "challenge", Challenge.String())
	assert.Equal(t, "forbid", Forbid.String())
}
