// Package oidctest runs an in-process OpenID provider for tests: discovery,
// JWKS, an authorization endpoint that approves every request, and a token
// endpoint that issues RS256 ID tokens.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	DefaultClientID     = "sitegate-test"
	DefaultClientSecret = "s3cr3t-value"
	keyID               = "test-key-1"
)

type grant struct {
	clientID    string
	redirectURI string
	nonce       string
	challenge   string
	method      string
}

// Provider is a minimal OIDC authorization server served over TLS.
type Provider struct {
	Server       *httptest.Server
	ClientID     string
	ClientSecret string
	// EndSession controls whether discovery advertises end_session_endpoint.
	EndSession bool

	signKey jwk.Key
	pubSet  jwk.Set

	mu            sync.Mutex
	subject       string
	claims        map[string]any
	codes         map[string]grant
	lastToken     url.Values
	nonceOverride string

	failDiscovery atomic.Int32
}

// New starts a provider and registers its shutdown with t.
func New(t testing.TB) *Provider {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("jwk from raw: %v", err)
	}
	_ = key.Set(jwk.KeyIDKey, keyID)
	_ = key.Set(jwk.AlgorithmKey, jwa.RS256)
	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	set := jwk.NewSet()
	_ = set.AddKey(pub)

	p := &Provider{
		ClientID:     DefaultClientID,
		ClientSecret: DefaultClientSecret,
		EndSession:   true,
		signKey:      key,
		pubSet:       set,
		subject:      "alice-123",
		claims: map[string]any{
			"preferred_username": "alice",
			"email":              "alice@example.test",
			"roles":              []string{"reader"},
		},
		codes: map[string]grant{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("GET /jwks", p.jwks)
	mux.HandleFunc("GET /authorize", p.authorize)
	mux.HandleFunc("POST /token", p.token)
	mux.HandleFunc("GET /logout", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	p.Server = httptest.NewTLSServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer is the provider authority URL.
func (p *Provider) Issuer() string { return p.Server.URL }

// HTTPClient trusts the provider's TLS certificate.
func (p *Provider) HTTPClient() *http.Client { return p.Server.Client() }

// SetUser changes the subject and extra claims of subsequently issued tokens.
func (p *Provider) SetUser(subject string, claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subject = subject
	p.claims = claims
}

// FailDiscovery makes the next n discovery requests answer 503.
func (p *Provider) FailDiscovery(n int) { p.failDiscovery.Store(int32(n)) }

// ForceNonce makes issued ID tokens carry nonce instead of the requested one.
func (p *Provider) ForceNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonceOverride = nonce
}

// LastTokenRequest returns the form of the most recent token request.
func (p *Provider) LastTokenRequest() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastToken
}

func (p *Provider) discovery(w http.ResponseWriter, _ *http.Request) {
	if p.failDiscovery.Load() > 0 {
		p.failDiscovery.Add(-1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	doc := map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.Issuer() + "/authorize",
		"token_endpoint":                        p.Issuer() + "/token",
		"jwks_uri":                              p.Issuer() + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	}
	if p.EndSession {
		doc["end_session_endpoint"] = p.Issuer() + "/logout"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.pubSet)
}

func (p *Provider) authorize(w http.ResponseWriter, r *http.Request) {
	callback, err := p.Approve(r.URL.String())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, callback, http.StatusFound)
}

// Approve accepts an authorization request URL and returns the callback URL
// the browser would be sent to, carrying a fresh code and the echoed state.
func (p *Provider) Approve(authURL string) (string, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		return "", errors.New("unsupported response_type")
	}
	if q.Get("client_id") != p.ClientID {
		return "", errors.New("unknown client_id")
	}
	redirect := q.Get("redirect_uri")
	if redirect == "" {
		return "", errors.New("missing redirect_uri")
	}
	code := uuid.NewString()
	p.mu.Lock()
	p.codes[code] = grant{
		clientID:    q.Get("client_id"),
		redirectURI: redirect,
		nonce:       q.Get("nonce"),
		challenge:   q.Get("code_challenge"),
		method:      q.Get("code_challenge_method"),
	}
	p.mu.Unlock()

	cb, err := url.Parse(redirect)
	if err != nil {
		return "", err
	}
	cq := cb.Query()
	cq.Set("code", code)
	cq.Set("state", q.Get("state"))
	cb.RawQuery = cq.Encode()
	return cb.String(), nil
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}
	p.mu.Lock()
	p.lastToken = r.PostForm
	p.mu.Unlock()

	clientID, secret, ok := r.BasicAuth()
	if ok {
		clientID, _ = url.QueryUnescape(clientID)
		secret, _ = url.QueryUnescape(secret)
	} else {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != p.ClientID || secret != p.ClientSecret {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		tokenError(w, "unsupported_grant_type")
		return
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	g, found := p.codes[code]
	delete(p.codes, code)
	subject, claims, nonceOverride := p.subject, p.claims, p.nonceOverride
	p.mu.Unlock()
	if !found || g.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenError(w, "invalid_grant")
		return
	}
	if g.challenge != "" {
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if g.method != "S256" || base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
			tokenError(w, "invalid_grant")
			return
		}
	}

	nonce := g.nonce
	if nonceOverride != "" {
		nonce = nonceOverride
	}
	extra := map[string]any{"nonce": nonce}
	for k, v := range claims {
		extra[k] = v
	}
	idToken, err := p.sign(subject, []string{p.ClientID}, time.Hour, extra)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": uuid.NewString(),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
}

// AccessToken signs a JWT bearer token for audience with the given claims.
func (p *Provider) AccessToken(t testing.TB, subject, audience string, ttl time.Duration, claims map[string]any) string {
	t.Helper()
	tok, err := p.sign(subject, []string{audience}, ttl, claims)
	if err != nil {
		t.Fatalf("sign access token: %v", err)
	}
	return tok
}

func (p *Provider) sign(subject string, audience []string, ttl time.Duration, claims map[string]any) (string, error) {
	now := time.Now()
	b := jwt.NewBuilder().
		Issuer(p.Issuer()).
		Subject(subject).
		Audience(audience).
		IssuedAt(now).
		Expiration(now.Add(ttl))
	for k, v := range claims {
		b = b.Claim(k, v)
	}
	tok, err := b.Build()
	if err != nil {
		return "", err
	}
	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jws.KeyIDKey, keyID)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, p.signKey, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func tokenError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
