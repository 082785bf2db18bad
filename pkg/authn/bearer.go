package authn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrNoBearer is returned when the request carries no bearer token.
var ErrNoBearer = errors.New("no bearer token")

const defaultJWKSTTL = 6 * time.Hour

// jwksCache caches JWKS sets per URL.
type jwksCache struct {
	client *http.Client
	mu     sync.RWMutex
	sets   map[string]cachedJWKS
}

type cachedJWKS struct {
	set     jwk.Set
	fetched time.Time
	expires time.Time
}

func (c *jwksCache) get(ctx context.Context, url string, ttl time.Duration) (jwk.Set, error) {
	c.mu.RLock()
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		c.mu.RUnlock()
		return e.set, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets == nil {
		c.sets = map[string]cachedJWKS{}
	}
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		return e.set, nil
	}
	set, err := jwk.Fetch(ctx, url, jwk.WithHTTPClient(c.client))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	c.sets[url] = cachedJWKS{set: set, fetched: now, expires: now.Add(ttl)}
	return set, nil
}

// invalidate drops url so the next get refetches. Sets fetched within the
// last minute are kept to bound refetches caused by garbage tokens.
func (c *jwksCache) invalidate(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sets[url]
	if !ok || time.Since(e.fetched) < time.Minute {
		return false
	}
	delete(c.sets, url)
	return true
}

// BearerVerifier validates JWT access tokens issued by the OIDC authority.
type BearerVerifier struct {
	issuer   string
	audience string
	jwksURL  string
	ttl      time.Duration
	skew     time.Duration
	cache    *jwksCache
}

func NewBearerVerifier(issuer, audience, jwksURL string, client *http.Client) *BearerVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &BearerVerifier{
		issuer:   issuer,
		audience: audience,
		jwksURL:  jwksURL,
		ttl:      defaultJWKSTTL,
		skew:     time.Minute,
		cache:    &jwksCache{client: client},
	}
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
		return "", ErrNoBearer
	}
	raw := strings.TrimSpace(authz[len("Bearer "):])
	if raw == "" {
		return "", ErrNoBearer
	}
	return raw, nil
}

// Verify checks signature, issuer, audience and lifetime of raw and returns
// its claims.
func (v *BearerVerifier) Verify(ctx context.Context, raw string) (map[string]any, error) {
	tok, err := v.parse(ctx, raw)
	if err != nil && v.cache.invalidate(v.jwksURL) {
		// keys may have rotated
		tok, err = v.parse(ctx, raw)
	}
	if err != nil {
		return nil, err
	}
	claims, err := tok.AsMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("read token claims: %w", err)
	}
	if sc, ok := claims["scope"].(string); ok {
		claims["scope"] = strings.Fields(sc)
	}
	return claims, nil
}

func (v *BearerVerifier) parse(ctx context.Context, raw string) (jwt.Token, error) {
	set, err := v.cache.get(ctx, v.jwksURL, v.ttl)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if tok.Subject() == "" {
		return nil, errors.New("invalid token: missing sub")
	}
	return tok, nil
}
