package authn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitegate/pkg/oidcclient"
	"sitegate/pkg/session"
)

const cookieName = "sitegate.Cookies"

type fakeProvider struct {
	identity   *oidcclient.Identity
	err        error
	lastReq    oidcclient.AuthRequest
	lastCode   string
	endSession string
	lastHint   string
}

func (f *fakeProvider) NewAuthRequest(redirectURI string) oidcclient.AuthRequest {
	return oidcclient.AuthRequest{
		RedirectURI:  redirectURI,
		State:        "state-" + uuid.NewString(),
		Nonce:        "nonce-" + uuid.NewString(),
		CodeVerifier: "verifier",
	}
}

func (f *fakeProvider) AuthCodeURL(req oidcclient.AuthRequest) string {
	q := url.Values{}
	q.Set("client_id", "app")
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("state", req.State)
	return "https://idp.example.test/authorize?" + q.Encode()
}

func (f *fakeProvider) Exchange(_ context.Context, req oidcclient.AuthRequest, code string) (*oidcclient.Identity, error) {
	f.lastReq, f.lastCode = req, code
	return f.identity, f.err
}

func (f *fakeProvider) EndSessionURL(hint, post, _ string) (string, bool) {
	f.lastHint = hint
	if f.endSession == "" {
		return "", false
	}
	return f.endSession + "?post_logout_redirect_uri=" + url.QueryEscape(post), true
}

func newTestAuthenticator(t *testing.T, fp *fakeProvider, mutate func(*Options)) *Authenticator {
	t.Helper()
	hash, block, err := session.GenerateKeys()
	require.NoError(t, err)
	opts := Options{
		CookieName:            cookieName,
		CallbackPath:          "/signin-oidc",
		SignedOutCallbackPath: "/signout-callback-oidc",
		SignedOutPath:         "/Account/SignedOut",
		MaxAge:                time.Hour,
		Sliding:               true,
		HashKey:               hash,
		BlockKey:              block,
	}
	if mutate != nil {
		mutate(&opts)
	}
	store := session.NewCookieStore(session.Options{
		CookieName: cookieName,
		MaxAge:     opts.MaxAge,
		HashKey:    hash,
		BlockKey:   block,
	})
	mapper, err := NewClaimMapper("preferred_username || name || sub", "roles || realm_access.roles")
	require.NoError(t, err)
	return New(opts, fp, store, mapper, zap.NewNop().Sugar())
}

func aliceIdentity() *oidcclient.Identity {
	return &oidcclient.Identity{
		Subject: "alice-123",
		Claims: map[string]any{
			"sub":                "alice-123",
			"preferred_username": "alice",
			"email":              "alice@example.test",
			"roles":              []any{"admin", "reader"},
		},
		RawID: "raw.id.token",
	}
}

func findCookie(cookies []*http.Cookie, prefix string) *http.Cookie {
	for _, c := range cookies {
		if strings.HasPrefix(c.Name, prefix) {
			return c
		}
	}
	return nil
}

// challenge runs a browser challenge for target and returns the state and
// correlation cookie.
func challenge(t *testing.T, a *Authenticator, target string) (string, *http.Cookie) {
	t.Helper()
	w := httptest.NewRecorder()
	a.Challenge(w, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	corr := findCookie(w.Result().Cookies(), CorrelationCookiePrefix)
	require.NotNil(t, corr)
	return loc.Query().Get("state"), corr
}

func callback(a *Authenticator, state string, corr *http.Cookie) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/signin-oidc?code=the-code&state="+url.QueryEscape(state), nil)
	if corr != nil {
		r.AddCookie(corr)
	}
	w := httptest.NewRecorder()
	a.Callback(w, r)
	return w
}

func authenticate(a *Authenticator, r *http.Request) (Principal, *httptest.ResponseRecorder) {
	var got Principal
	w := httptest.NewRecorder()
	a.Authenticate(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = PrincipalFrom(r.Context())
	})).ServeHTTP(w, r)
	return got, w
}

func signIn(t *testing.T, a *Authenticator) *http.Cookie {
	t.Helper()
	state, corr := challenge(t, a, "/reports?year=2024")
	w := callback(a, state, corr)
	require.Equal(t, http.StatusFound, w.Code)
	sess := findCookie(w.Result().Cookies(), cookieName)
	require.NotNil(t, sess)
	return sess
}

func TestChallengeRedirectsBrowsers(t *testing.T) {
	a := newTestAuthenticator(t, &fakeProvider{}, nil)

	w := httptest.NewRecorder()
	a.Challenge(w, httptest.NewRequest(http.MethodGet, "/reports", nil))

	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.test", loc.Host)
	assert.Equal(t, "app", loc.Query().Get("client_id"))
	assert.Equal(t, "http://example.com/signin-oidc", loc.Query().Get("redirect_uri"))

	corr := findCookie(w.Result().Cookies(), CorrelationCookiePrefix)
	require.NotNil(t, corr)
	assert.Equal(t, correlationCookieName(loc.Query().Get("state")), corr.Name)
	assert.Equal(t, "/signin-oidc", corr.Path)
	assert.True(t, corr.HttpOnly)
	assert.Equal(t, 900, corr.MaxAge)
}

func TestChallengeUsesPublicBaseURL(t *testing.T) {
	a := newTestAuthenticator(t, &fakeProvider{}, func(o *Options) { o.PublicBaseURL = "https://app.example.test/" })

	w := httptest.NewRecorder()
	a.Challenge(w, httptest.NewRequest(http.MethodGet, "/", nil))
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.test/signin-oidc", loc.Query().Get("redirect_uri"))
}

func TestChallengeAPIClientsGet401(t *testing.T) {
	a := newTestAuthenticator(t, &fakeProvider{}, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	r.Header.Set("X-Requested-With", "XMLHttpRequest")
	w := httptest.NewRecorder()
	a.Challenge(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, SchemeCookies, w.Header().Get("WWW-Authenticate"))
	assert.Empty(t, w.Header().Get("Location"))
}

func TestCallbackEstablishesSession(t *testing.T) {
	fp := &fakeProvider{identity: aliceIdentity()}
	a := newTestAuthenticator(t, fp, nil)

	state, corr := challenge(t, a, "/reports?year=2024")
	w := callback(a, state, corr)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/reports?year=2024", w.Header().Get("Location"))
	assert.Equal(t, "the-code", fp.lastCode)
	assert.Equal(t, state, fp.lastReq.State)
	assert.Equal(t, "verifier", fp.lastReq.CodeVerifier)
	assert.Equal(t, "http://example.com/signin-oidc", fp.lastReq.RedirectURI)

	cleared := findCookie(w.Result().Cookies(), CorrelationCookiePrefix)
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)

	sess := findCookie(w.Result().Cookies(), cookieName)
	require.NotNil(t, sess)
	r := httptest.NewRequest(http.MethodGet, "/reports", nil)
	r.AddCookie(sess)
	p, _ := authenticate(a, r)

	assert.True(t, p.Authenticated())
	assert.Equal(t, SchemeCookies, p.Scheme)
	assert.Equal(t, "alice-123", p.Subject)
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, "alice@example.test", p.Email)
	assert.Equal(t, []string{"admin", "reader"}, p.Roles)
	assert.Equal(t, "alice", p.Claims["preferred_username"])
}

func TestCallbackFailures(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		a := newTestAuthenticator(t, &fakeProvider{identity: aliceIdentity()}, nil)
		w := httptest.NewRecorder()
		a.Callback(w, httptest.NewRequest(http.MethodGet, "/signin-oidc?error=access_denied&state=abc", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Nil(t, findCookie(w.Result().Cookies(), cookieName))
	})
	t.Run("missing correlation", func(t *testing.T) {
		a := newTestAuthenticator(t, &fakeProvider{identity: aliceIdentity()}, nil)
		state, _ := challenge(t, a, "/")
		w := callback(a, state, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("state from another login", func(t *testing.T) {
		a := newTestAuthenticator(t, &fakeProvider{identity: aliceIdentity()}, nil)
		_, corr := challenge(t, a, "/")
		other, _ := challenge(t, a, "/")
		w := callback(a, other, corr)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("nonce mismatch", func(t *testing.T) {
		fp := &fakeProvider{err: oidcclient.ErrNonceMismatch}
		a := newTestAuthenticator(t, fp, nil)
		state, corr := challenge(t, a, "/")
		w := callback(a, state, corr)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("exchange failure", func(t *testing.T) {
		fp := &fakeProvider{err: errors.New("connection refused")}
		a := newTestAuthenticator(t, fp, nil)
		state, corr := challenge(t, a, "/")
		w := callback(a, state, corr)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestAuthenticateWithoutCookieIsAnonymous(t *testing.T) {
	a := newTestAuthenticator(t, &fakeProvider{}, nil)
	p, w := authenticate(a, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, p.Authenticated())
	assert.Empty(t, w.Result().Cookies())
}

func TestAuthenticateRejectsTamperedCookie(t *testing.T) {
	a := newTestAuthenticator(t, &fakeProvider{identity: aliceIdentity()}, nil)
	sess := signIn(t, a)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: sess.Name, Value: sess.Value + "x"})
	p, _ := authenticate(a, r)
	assert.False(t, p.Authenticated())
}

func TestExpiredSessionIsDeleted(t *testing.T) {
	a := newTestAuthenticator(t, &fakeProvider{identity: aliceIdentity()}, nil)
	sess := signIn(t, a)

	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(sess)
	p, w := authenticate(a, r)

	assert.False(t, p.Authenticated())
	deleted := findCookie(w.Result().Cookies(), cookieName)
	require.NotNil(t, deleted)
	assert.Less(t, deleted.MaxAge, 0)
}

func TestSlidingRenewal(t *testing.T) {
	t.Run("renews after half the lifetime", func(t *testing.T) {
		a := newTestAuthenticator(t, &fakeProvider{identity: aliceIdentity()}, nil)
		sess := signIn(t, a)

		later := time.Now().Add(40 * time.Minute)
		a.now = func() time.Time { return later }
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(sess)
		p, w := authenticate(a, r)

		assert.True(t, p.Authenticated())
		assert.WithinDuration(t, later.Add(time.Hour), p.ExpiresAt, time.Second)
		assert.NotNil(t, findCookie(w.Result().Cookies(), cookieName))
	})
	t.Run("fresh sessions are not rewritten", func(t *testing.T) {
		a := newTestAuthenticator(t, &fakeProvider{identity: aliceIdentity()}, nil)
		sess := signIn(t, a)

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(sess)
		p, w := authenticate(a, r)
		assert.True(t, p.Authenticated())
		assert.Nil(t, findCookie(w.Result().Cookies(), cookieName))
	})
	t.Run("disabled", func(t *testing.T) {
		a := newTestAuthenticator(t, &fakeProvider{identity: aliceIdentity()}, func(o *Options) { o.Sliding = false })
		sess := signIn(t, a)

		a.now = func() time.Time { return time.Now().Add(50 * time.Minute) }
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(sess)
		p, w := authenticate(a, r)
		assert.True(t, p.Authenticated())
		assert.Nil(t, findCookie(w.Result().Cookies(), cookieName))
	})
}

func TestSignInForAuthenticatedUserRedirectsLocally(t *testing.T) {
	a := newTestAuthenticator(t, &fakeProvider{}, nil)
	for _, returnURL := range []string{
		"https://evil.example/",
		"%2F%09%2Fevil.example%2Fx",
		"%2F%0B%2Fevil.example",
		"%2F%7F%2Fevil.example",
	} {
		r := httptest.NewRequest(http.MethodGet, "/Account/SignIn?returnUrl="+returnURL, nil)
		r = r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "alice-123"}))
		w := httptest.NewRecorder()
		a.SignIn(w, r)

		assert.Equal(t, http.StatusFound, w.Code, returnURL)
		assert.Equal(t, "/", w.Header().Get("Location"), returnURL)
	}
}

func TestSignInStoresReturnURL(t *testing.T) {
	fp := &fakeProvider{identity: aliceIdentity()}
	a := newTestAuthenticator(t, fp, nil)

	w := httptest.NewRecorder()
	a.SignIn(w, httptest.NewRequest(http.MethodGet, "/Account/SignIn?returnUrl=%2FHome%2FPrivacy", nil))
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	corr := findCookie(w.Result().Cookies(), CorrelationCookiePrefix)
	require.NotNil(t, corr)

	cb := callback(a, loc.Query().Get("state"), corr)
	require.Equal(t, http.StatusFound, cb.Code)
	assert.Equal(t, "/Home/Privacy", cb.Header().Get("Location"))
}

func TestSignOut(t *testing.T) {
	t.Run("continues to end session endpoint", func(t *testing.T) {
		fp := &fakeProvider{identity: aliceIdentity(), endSession: "https://idp.example.test/logout"}
		a := newTestAuthenticator(t, fp, func(o *Options) { o.SaveTokens = true })
		sess := signIn(t, a)

		r := httptest.NewRequest(http.MethodPost, "/Account/SignOut", nil)
		r.AddCookie(sess)
		w := httptest.NewRecorder()
		a.SignOut(w, r)

		require.Equal(t, http.StatusFound, w.Code)
		assert.True(t, strings.HasPrefix(w.Header().Get("Location"), "https://idp.example.test/logout?"))
		assert.Contains(t, w.Header().Get("Location"), url.QueryEscape("http://example.com/signout-callback-oidc"))
		assert.Equal(t, "raw.id.token", fp.lastHint)
		deleted := findCookie(w.Result().Cookies(), cookieName)
		require.NotNil(t, deleted)
		assert.Less(t, deleted.MaxAge, 0)
	})
	t.Run("tokens are not kept by default", func(t *testing.T) {
		fp := &fakeProvider{identity: aliceIdentity(), endSession: "https://idp.example.test/logout"}
		a := newTestAuthenticator(t, fp, nil)
		sess := signIn(t, a)

		r := httptest.NewRequest(http.MethodPost, "/Account/SignOut", nil)
		r.AddCookie(sess)
		a.SignOut(httptest.NewRecorder(), r)
		assert.Empty(t, fp.lastHint)
	})
	t.Run("local only without end session endpoint", func(t *testing.T) {
		a := newTestAuthenticator(t, &fakeProvider{identity: aliceIdentity()}, nil)
		w := httptest.NewRecorder()
		a.SignOut(w, httptest.NewRequest(http.MethodPost, "/Account/SignOut", nil))
		assert.Equal(t, "/Account/SignedOut", w.Header().Get("Location"))
	})
}

func TestSignedOutCallback(t *testing.T) {
	a := newTestAuthenticator(t, &fakeProvider{}, nil)
	w := httptest.NewRecorder()
	a.SignedOutCallback(w, httptest.NewRequest(http.MethodGet, "/signout-callback-oidc", nil))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/Account/SignedOut", w.Header().Get("Location"))
}

func TestForbid(t *testing.T) {
	a := newTestAuthenticator(t, &fakeProvider{}, nil)

	w := httptest.NewRecorder()
	a.Forbid(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	var rendered int
	a.WithFailureRenderer(func(w http.ResponseWriter, _ *http.Request, status int, _ string) {
		rendered = status
		w.WriteHeader(status)
	})
	a.Forbid(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusForbidden, rendered)
}

func TestLocalURL(t *testing.T) {
	cases := map[string]string{
		"":                     "/",
		"/":                    "/",
		"/Home/Privacy?x=1":    "/Home/Privacy?x=1",
		"//evil.example":       "/",
		"/\\evil.example":      "/",
		"https://evil.example": "/",
		"relative":             "/",
		"/a\r\nSet-Cookie: x":  "/",
		"/\t/evil.example/x":   "/",
		"/\v/evil.example":     "/",
		"/\x00/evil.example":   "/",
		"/\x7f/evil.example":   "/",
		"/a/b\tc":              "/",
		"/search?q=a%09b":      "/search?q=a%09b",
	}
	for in, want := range cases {
		assert.Equal(t, want, LocalURL(in), in)
	}
}
