// Package oidcclient is the relying-party side of the OpenID Connect
// authorization code flow: discovery, authorization redirects, code exchange
// and ID token verification.
package oidcclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var (
	// ErrNonceMismatch is returned when the ID token nonce differs from the
	// one sent in the authorization request.
	ErrNonceMismatch = errors.New("ID token nonce does not match expected value")
	// ErrMissingIDToken is returned when the token response has no id_token.
	ErrMissingIDToken = errors.New("token response did not include an id_token")
)

// Config describes the client registration at the provider.
type Config struct {
	Authority    string
	ClientID     string
	ClientSecret string
	Scopes       []string
	UsePKCE      bool
	// HTTPClient is used for discovery, JWKS and token calls.
	HTTPClient *http.Client
	// DiscoveryTimeout bounds the total time spent retrying discovery.
	DiscoveryTimeout time.Duration
}

// Metadata is the subset of the discovery document the client uses beyond
// what go-oidc exposes.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// Client talks to a single OIDC provider. It is safe for concurrent use.
type Client struct {
	cfg      Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	meta     Metadata
}

// Identity is the verified result of a successful code exchange.
type Identity struct {
	Subject string
	Claims  map[string]any
	RawID   string
	Expiry  time.Time
}

// AuthRequest carries the per-login values the callback must see again.
type AuthRequest struct {
	RedirectURI  string
	State        string
	Nonce        string
	CodeVerifier string
}

// New runs discovery against cfg.Authority, retrying with exponential backoff
// until cfg.DiscoveryTimeout elapses.
func New(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Client, error) {
	if cfg.Authority == "" || cfg.ClientID == "" {
		return nil, errors.New("authority and client id are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile"}
	}
	if !slices.Contains(cfg.Scopes, oidc.ScopeOpenID) {
		return nil, errors.New("openid scope is required")
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = time.Minute
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second

	attempt := 0
	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		attempt++
		p, err := oidc.NewProvider(oidc.ClientContext(ctx, cfg.HTTPClient), cfg.Authority)
		if err != nil {
			log.Warnw("oidc discovery failed", "authority", cfg.Authority, "attempt", attempt, "err", err)
			return nil, err
		}
		return p, nil
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(cfg.DiscoveryTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", cfg.Authority, err)
	}

	var meta Metadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("read discovery document: %w", err)
	}
	log.Infow("oidc provider discovered",
		"issuer", meta.Issuer,
		"authorization_endpoint", meta.AuthorizationEndpoint,
		"end_session", meta.EndSessionEndpoint != "",
	)
	return &Client{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		meta:     meta,
	}, nil
}

func (c *Client) Metadata() Metadata { return c.meta }

func (c *Client) HTTPClient() *http.Client { return c.cfg.HTTPClient }

func (c *Client) oauth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint:     c.provider.Endpoint(),
		RedirectURL:  redirectURI,
		Scopes:       c.cfg.Scopes,
	}
}

// NewAuthRequest creates fresh state, nonce and (when enabled) PKCE verifier.
func (c *Client) NewAuthRequest(redirectURI string) AuthRequest {
	req := AuthRequest{
		RedirectURI: redirectURI,
		State:       randomToken(),
		Nonce:       randomToken(),
	}
	if c.cfg.UsePKCE {
		req.CodeVerifier = oauth2.GenerateVerifier()
	}
	return req
}

// AuthCodeURL builds the provider authorization URL for req.
func (c *Client) AuthCodeURL(req AuthRequest) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("nonce", req.Nonce)}
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(req.CodeVerifier))
	}
	return c.oauth2Config(req.RedirectURI).AuthCodeURL(req.State, opts...)
}

// Exchange redeems code, verifies the returned ID token and checks its nonce
// against req.
func (c *Client) Exchange(ctx context.Context, req AuthRequest, code string) (*Identity, error) {
	ctx = oidc.ClientContext(ctx, c.cfg.HTTPClient)
	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}
	tok, err := c.oauth2Config(req.RedirectURI).Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, ErrMissingIDToken
	}
	idToken, err := c.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}
	if idToken.Nonce != req.Nonce {
		return nil, ErrNonceMismatch
	}
	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id token claims: %w", err)
	}
	return &Identity{
		Subject: idToken.Subject,
		Claims:  claims,
		RawID:   rawID,
		Expiry:  idToken.Expiry,
	}, nil
}

// EndSessionURL returns the provider logout URL, or ok=false when the
// provider does not advertise an end_session_endpoint.
func (c *Client) EndSessionURL(idTokenHint, postLogoutRedirectURI, state string) (string, bool) {
	if c.meta.EndSessionEndpoint == "" {
		return "", false
	}
	u, err := url.Parse(c.meta.EndSessionEndpoint)
	if err != nil {
		return "", false
	}
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), true
}
