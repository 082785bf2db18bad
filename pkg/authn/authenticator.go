package authn

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"sitegate/pkg/metrics"
	"sitegate/pkg/middleware"
	"sitegate/pkg/oidcclient"
	"sitegate/pkg/problems"
	"sitegate/pkg/session"
)

var (
	ErrStateMismatch      = errors.New("state does not match correlation cookie")
	ErrCorrelationMissing = errors.New("correlation cookie not found")
	ErrProviderError      = errors.New("identity provider returned an error")
	ErrMissingCode        = errors.New("authorization response has no code")
)

const (
	CorrelationCookiePrefix = "sitegate.correlation."
	correlationLifetime     = 15 * time.Minute
)

// Session value keys.
const (
	keySubject = "sub"
	keyName    = "name"
	keyEmail   = "email"
	keyRoles   = "roles"
	keyClaims  = "claims"
	keyIDToken = "id_token"
	keyIssued  = "iat"
	keyExpires = "exp"
)

// Provider is the OIDC client surface the authenticator needs.
type Provider interface {
	NewAuthRequest(redirectURI string) oidcclient.AuthRequest
	AuthCodeURL(req oidcclient.AuthRequest) string
	Exchange(ctx context.Context, req oidcclient.AuthRequest, code string) (*oidcclient.Identity, error)
	EndSessionURL(idTokenHint, postLogoutRedirectURI, state string) (string, bool)
}

// FailureRenderer writes a user facing error page.
type FailureRenderer func(w http.ResponseWriter, r *http.Request, status int, title string)

type Options struct {
	CookieName            string
	CallbackPath          string
	SignedOutCallbackPath string
	// SignedOutPath is where the signed-out callback lands.
	SignedOutPath string
	// PublicBaseURL overrides the request derived origin in redirect URIs.
	PublicBaseURL string
	MaxAge        time.Duration
	Sliding       bool
	SaveTokens    bool
	// Secure marks correlation cookies https-only.
	Secure   bool
	HashKey  []byte
	BlockKey []byte
}

// Authenticator implements the session, challenge and sign-in/out flows.
type Authenticator struct {
	opts        Options
	provider    Provider
	store       sessions.Store
	mapper      *ClaimMapper
	bearer      *BearerVerifier
	correlation *securecookie.SecureCookie
	metrics     *metrics.Metrics
	log         *zap.SugaredLogger
	failure     FailureRenderer
	now         func() time.Time
}

func New(opts Options, provider Provider, store sessions.Store, mapper *ClaimMapper, log *zap.SugaredLogger) *Authenticator {
	if opts.SignedOutPath == "" {
		opts.SignedOutPath = "/"
	}
	corr := securecookie.New(opts.HashKey, opts.BlockKey)
	corr.MaxAge(int(correlationLifetime / time.Second))
	corr.SetSerializer(securecookie.JSONEncoder{})
	return &Authenticator{
		opts:        opts,
		provider:    provider,
		store:       store,
		mapper:      mapper,
		correlation: corr,
		log:         log,
		failure:     problemFailure,
		now:         time.Now,
	}
}

// WithBearer enables the bearer scheme.
func (a *Authenticator) WithBearer(v *BearerVerifier) *Authenticator {
	a.bearer = v
	return a
}

func (a *Authenticator) WithMetrics(m *metrics.Metrics) *Authenticator {
	a.metrics = m
	return a
}

// WithFailureRenderer replaces the problem+json failure output for browsers.
func (a *Authenticator) WithFailureRenderer(f FailureRenderer) *Authenticator {
	if f != nil {
		a.failure = f
	}
	return a
}

func problemFailure(w http.ResponseWriter, r *http.Request, status int, title string) {
	problems.Write(w, problems.Problem{
		Type:      problems.Type("authentication-failed"),
		Title:     title,
		Status:    status,
		RequestID: middleware.RequestIDFrom(r.Context()),
	})
}

// Authenticate resolves the principal from the session cookie, then from a
// bearer token, and stores it in the request context. Requests without
// credentials continue anonymously; authorization decides what happens next.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := a.fromSession(w, r)
		if !ok && a.bearer != nil {
			p, ok = a.fromBearer(r)
		}
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (a *Authenticator) fromSession(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	if _, err := r.Cookie(a.opts.CookieName); err != nil {
		return Principal{}, false
	}
	sess, err := a.store.Get(r, a.opts.CookieName)
	if err != nil {
		a.log.Debugw("session cookie rejected", "err", err)
		return Principal{}, false
	}
	if sess.IsNew {
		return Principal{}, false
	}
	sub, _ := sess.Values[keySubject].(string)
	if sub == "" {
		return Principal{}, false
	}
	now := a.now()
	exp := time.Unix(int64Value(sess.Values[keyExpires]), 0)
	if !now.Before(exp) {
		session.Expire(sess)
		if err := sess.Save(r, w); err != nil {
			a.log.Warnw("delete expired session", "err", err)
		}
		a.metrics.AuthEvent(metrics.EventSessionExpired)
		return Principal{}, false
	}

	p := Principal{
		Scheme:    SchemeCookies,
		Subject:   sub,
		IssuedAt:  time.Unix(int64Value(sess.Values[keyIssued]), 0),
		ExpiresAt: exp,
	}
	p.Name, _ = sess.Values[keyName].(string)
	p.Email, _ = sess.Values[keyEmail].(string)
	p.Roles, _ = sess.Values[keyRoles].([]string)
	if raw, ok := sess.Values[keyClaims].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &p.Claims)
	}
	p.Scopes = scopesOf(p.Claims)

	if a.opts.Sliding && exp.Sub(now) < a.opts.MaxAge/2 {
		sess.Values[keyIssued] = now.Unix()
		sess.Values[keyExpires] = now.Add(a.opts.MaxAge).Unix()
		sess.Options.MaxAge = int(a.opts.MaxAge / time.Second)
		if err := sess.Save(r, w); err != nil {
			a.log.Warnw("renew session", "err", err)
		} else {
			p.IssuedAt, p.ExpiresAt = now, now.Add(a.opts.MaxAge)
		}
	}
	return p, true
}

func (a *Authenticator) fromBearer(r *http.Request) (Principal, bool) {
	raw, err := BearerToken(r)
	if err != nil {
		return Principal{}, false
	}
	claims, err := a.bearer.Verify(r.Context(), raw)
	if err != nil {
		a.metrics.AuthEvent(metrics.EventBearerRejected)
		a.log.Infow("bearer token rejected", "err", err, "request_id", middleware.RequestIDFrom(r.Context()))
		return Principal{}, false
	}
	return a.mapper.Principal(SchemeBearer, claims), true
}

// wantsProblem reports whether r comes from an API client rather than a
// browser navigation.
func wantsProblem(r *http.Request) bool {
	if _, err := BearerToken(r); err == nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

// Challenge asks an anonymous caller to authenticate: API callers get 401,
// browsers are redirected to the provider.
func (a *Authenticator) Challenge(w http.ResponseWriter, r *http.Request) {
	a.metrics.AuthEvent(metrics.EventChallenge)
	if wantsProblem(r) {
		if a.bearer != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		} else {
			w.Header().Set("WWW-Authenticate", SchemeCookies)
		}
		p := problems.Unauthorized("sign in to access this resource")
		p.RequestID = middleware.RequestIDFrom(r.Context())
		problems.Write(w, p)
		return
	}
	a.redirectToProvider(w, r, LocalURL(r.URL.RequestURI()))
}

// Forbid rejects an authenticated caller that failed authorization.
func (a *Authenticator) Forbid(w http.ResponseWriter, r *http.Request) {
	a.metrics.AuthEvent(metrics.EventForbidden)
	if wantsProblem(r) {
		p := problems.Forbidden("you do not have access to this resource")
		p.RequestID = middleware.RequestIDFrom(r.Context())
		problems.Write(w, p)
		return
	}
	a.failure(w, r, http.StatusForbidden, "Access denied")
}

type correlation struct {
	State        string `json:"s"`
	Nonce        string `json:"n"`
	CodeVerifier string `json:"v,omitempty"`
	RedirectURI  string `json:"r"`
	ReturnURL    string `json:"u"`
}

func correlationCookieName(state string) string {
	sum := sha256.Sum256([]byte(state))
	return CorrelationCookiePrefix + base64.RawURLEncoding.EncodeToString(sum[:12])
}

func (a *Authenticator) redirectURI(r *http.Request, path string) string {
	if a.opts.PublicBaseURL != "" {
		return strings.TrimRight(a.opts.PublicBaseURL, "/") + path
	}
	return middleware.BaseURL(r) + path
}

func (a *Authenticator) redirectToProvider(w http.ResponseWriter, r *http.Request, returnURL string) {
	req := a.provider.NewAuthRequest(a.redirectURI(r, a.opts.CallbackPath))
	name := correlationCookieName(req.State)
	value, err := a.correlation.Encode(name, correlation{
		State:        req.State,
		Nonce:        req.Nonce,
		CodeVerifier: req.CodeVerifier,
		RedirectURI:  req.RedirectURI,
		ReturnURL:    returnURL,
	})
	if err != nil {
		a.log.Errorw("encode correlation cookie", "err", err)
		a.failure(w, r, http.StatusInternalServerError, "Sign-in could not be started")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     a.opts.CallbackPath,
		MaxAge:   int(correlationLifetime / time.Second),
		Expires:  a.now().Add(correlationLifetime),
		Secure:   a.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.provider.AuthCodeURL(req), http.StatusFound)
}

func (a *Authenticator) clearCorrelation(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     a.opts.CallbackPath,
		MaxAge:   -1,
		Secure:   a.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// SignIn starts a login. Authenticated callers go straight to returnUrl.
func (a *Authenticator) SignIn(w http.ResponseWriter, r *http.Request) {
	returnURL := LocalURL(r.URL.Query().Get("returnUrl"))
	if PrincipalFrom(r.Context()).Authenticated() {
		http.Redirect(w, r, returnURL, http.StatusFound)
		return
	}
	a.redirectToProvider(w, r, returnURL)
}

// Callback completes the authorization code flow and establishes the session.
func (a *Authenticator) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	var corrName string
	if state != "" {
		corrName = correlationCookieName(state)
		a.clearCorrelation(w, corrName)
	}
	if e := q.Get("error"); e != "" {
		a.signInFailed(w, r, http.StatusBadRequest, fmt.Errorf("%w: %s %s", ErrProviderError, e, q.Get("error_description")))
		return
	}
	if state == "" {
		a.signInFailed(w, r, http.StatusBadRequest, ErrStateMismatch)
		return
	}
	cookie, err := r.Cookie(corrName)
	if err != nil {
		a.signInFailed(w, r, http.StatusBadRequest, ErrCorrelationMissing)
		return
	}
	var corr correlation
	if err := a.correlation.Decode(corrName, cookie.Value, &corr); err != nil {
		a.signInFailed(w, r, http.StatusBadRequest, fmt.Errorf("decode correlation cookie: %w", err))
		return
	}
	if corr.State != state {
		a.signInFailed(w, r, http.StatusBadRequest, ErrStateMismatch)
		return
	}
	code := q.Get("code")
	if code == "" {
		a.signInFailed(w, r, http.StatusBadRequest, ErrMissingCode)
		return
	}

	id, err := a.provider.Exchange(r.Context(), oidcclient.AuthRequest{
		RedirectURI:  corr.RedirectURI,
		State:        corr.State,
		Nonce:        corr.Nonce,
		CodeVerifier: corr.CodeVerifier,
	}, code)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, oidcclient.ErrNonceMismatch) {
			status = http.StatusBadRequest
		}
		a.signInFailed(w, r, status, err)
		return
	}

	p := a.mapper.Principal(SchemeCookies, id.Claims)
	if err := a.establish(w, r, p, id.RawID); err != nil {
		a.log.Errorw("save session", "err", err, "request_id", middleware.RequestIDFrom(r.Context()))
		a.failure(w, r, http.StatusInternalServerError, "Sign-in failed")
		return
	}
	a.metrics.AuthEvent(metrics.EventSignIn)
	a.log.Infow("user signed in", "sub", p.Subject, "name", p.Name, "request_id", middleware.RequestIDFrom(r.Context()))
	http.Redirect(w, r, LocalURL(corr.ReturnURL), http.StatusFound)
}

func (a *Authenticator) signInFailed(w http.ResponseWriter, r *http.Request, status int, err error) {
	a.metrics.AuthEvent(metrics.EventSignInFailed)
	a.log.Warnw("sign-in failed", "status", status, "err", err, "request_id", middleware.RequestIDFrom(r.Context()))
	title := "Sign-in failed"
	if status == http.StatusBadGateway {
		title = "The identity provider could not complete sign-in"
	}
	a.failure(w, r, status, title)
}

// establish writes p into a fresh session.
func (a *Authenticator) establish(w http.ResponseWriter, r *http.Request, p Principal, rawID string) error {
	sess, _ := a.store.Get(r, a.opts.CookieName)
	if sess == nil {
		return errors.New("session store returned no session")
	}
	for k := range sess.Values {
		delete(sess.Values, k)
	}
	// new id on sign-in for server side stores
	sess.ID = ""
	claims, err := json.Marshal(p.Claims)
	if err != nil {
		return fmt.Errorf("encode claims: %w", err)
	}
	now := a.now()
	sess.Values[keySubject] = p.Subject
	sess.Values[keyName] = p.Name
	sess.Values[keyEmail] = p.Email
	sess.Values[keyRoles] = p.Roles
	sess.Values[keyClaims] = string(claims)
	sess.Values[keyIssued] = now.Unix()
	sess.Values[keyExpires] = now.Add(a.opts.MaxAge).Unix()
	if a.opts.SaveTokens && rawID != "" {
		sess.Values[keyIDToken] = rawID
	}
	sess.Options.MaxAge = int(a.opts.MaxAge / time.Second)
	return sess.Save(r, w)
}

// SignOut clears the local session and, when the provider supports it,
// continues to the provider's end-session endpoint.
func (a *Authenticator) SignOut(w http.ResponseWriter, r *http.Request) {
	var hint string
	if _, err := r.Cookie(a.opts.CookieName); err == nil {
		sess, err := a.store.Get(r, a.opts.CookieName)
		if err == nil && !sess.IsNew {
			hint, _ = sess.Values[keyIDToken].(string)
			session.Expire(sess)
			if err := sess.Save(r, w); err != nil {
				a.log.Warnw("delete session", "err", err)
			}
		} else {
			http.SetCookie(w, &http.Cookie{Name: a.opts.CookieName, Path: "/", MaxAge: -1})
		}
	}
	p := PrincipalFrom(r.Context())
	a.metrics.AuthEvent(metrics.EventSignOut)
	a.log.Infow("user signed out", "sub", p.Subject, "request_id", middleware.RequestIDFrom(r.Context()))

	if target, ok := a.provider.EndSessionURL(hint, a.redirectURI(r, a.opts.SignedOutCallbackPath), ""); ok {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	http.Redirect(w, r, a.opts.SignedOutPath, http.StatusFound)
}

// SignedOutCallback is where the provider returns after end-session.
func (a *Authenticator) SignedOutCallback(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.opts.SignedOutPath, http.StatusFound)
}

// LocalURL returns u when it is a local absolute path, "/" otherwise.
// Control characters are rejected anywhere: browsers drop them from a
// Location header, which would turn "/\t/host" into "//host".
func LocalURL(u string) string {
	if u == "" || u[0] != '/' {
		return "/"
	}
	if len(u) > 1 && (u[1] == '/' || u[1] == '\\') {
		return "/"
	}
	for i := 0; i < len(u); i++ {
		if c := u[i]; c < 0x20 || c == 0x7f {
			return "/"
		}
	}
	return u
}

func int64Value(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}
