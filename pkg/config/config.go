// pkg/config/config.go
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StoreCookie   = "cookie"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Env           string `env:"SITEGATE_ENV" envDefault:"production"`
	HTTPAddr      string `env:"SITEGATE_HTTP_ADDR" envDefault:":8080"`
	ServiceName   string `env:"SITEGATE_SERVICE_NAME" envDefault:"sitegate"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	// OIDC. Authority, ClientID and ClientSecret are required.
	Authority             string        `env:"OIDC_AUTHORITY,required,notEmpty"`
	ClientID              string        `env:"CLIENT_ID,required,notEmpty"`
	ClientSecret          string        `env:"CLIENT_SECRET,required,notEmpty"`
	Scopes                []string      `env:"OIDC_SCOPES" envSeparator:" " envDefault:"openid profile"`
	CallbackPath          string        `env:"OIDC_CALLBACK_PATH" envDefault:"/signin-oidc"`
	SignedOutCallbackPath string        `env:"OIDC_SIGNED_OUT_CALLBACK_PATH" envDefault:"/signout-callback-oidc"`
	RequireHTTPSMetadata  bool          `env:"OIDC_REQUIRE_HTTPS_METADATA" envDefault:"true"`
	UsePKCE               bool          `env:"OIDC_USE_PKCE" envDefault:"true"`
	SaveTokens            bool          `env:"OIDC_SAVE_TOKENS" envDefault:"false"`
	NameClaim             string        `env:"OIDC_NAME_CLAIM" envDefault:"preferred_username || name || sub"`
	RoleClaim             string        `env:"OIDC_ROLE_CLAIM" envDefault:"roles || realm_access.roles"`
	DiscoveryTimeout      time.Duration `env:"OIDC_DISCOVERY_TIMEOUT" envDefault:"1m"`

	// Session cookie ("Cookies" scheme) and its backing store.
	SessionStore      string        `env:"SESSION_STORE"`
	SessionCookieName string        `env:"SESSION_COOKIE_NAME" envDefault:"sitegate.Cookies"`
	SessionHashKey    string        `env:"SESSION_HASH_KEY"`
	SessionBlockKey   string        `env:"SESSION_BLOCK_KEY"`
	SessionMaxAge     time.Duration `env:"SESSION_MAX_AGE" envDefault:"336h"`
	SessionSliding    bool          `env:"SESSION_SLIDING" envDefault:"true"`

	// Forwarded headers and transport security.
	ForwardedTrustedNetworks []string      `env:"FORWARDED_TRUSTED_NETWORKS" envSeparator:"," envDefault:"127.0.0.0/8,::1/128"`
	ForwardedLimit           int           `env:"FORWARDED_LIMIT" envDefault:"1"`
	ForceHTTPSScheme         bool          `env:"FORCE_HTTPS_SCHEME" envDefault:"true"`
	HTTPSPort                int           `env:"HTTPS_PORT" envDefault:"443"`
	HSTSMaxAge               time.Duration `env:"HSTS_MAX_AGE" envDefault:"720h"`

	AuthzRulesFile string `env:"AUTHZ_RULES_FILE"`

	BearerEnabled  bool   `env:"BEARER_ENABLED" envDefault:"false"`
	BearerAudience string `env:"BEARER_AUDIENCE"`

	// Redis & Postgres
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads a .env file when present, parses the environment and validates
// the result. Every problem found is reported in the returned error.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse(env.Options{})
}

// Parse parses configuration using opts (tests pass Environment directly).
func Parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "dev", EnvDevelopment:
		c.Env = EnvDevelopment
	case "prod", EnvProduction:
		c.Env = EnvProduction
	}
	c.Authority = strings.TrimSpace(c.Authority)
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
	c.SessionStore = strings.ToLower(strings.TrimSpace(c.SessionStore))
	if c.SessionStore == "" {
		switch {
		case c.RedisURL != "":
			c.SessionStore = StoreRedis
		case c.DatabaseURL != "":
			c.SessionStore = StorePostgres
		default:
			c.SessionStore = StoreCookie
		}
	}
	if c.BearerAudience == "" {
		c.BearerAudience = c.ClientID
	}
	scopes := c.Scopes[:0]
	for _, s := range c.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	c.Scopes = scopes
}

// Validate checks formats eagerly so that a misconfigured deployment refuses
// to start instead of failing at the first sign-in.
func (c Config) Validate() error {
	var errs []error
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		errs = append(errs, fmt.Errorf("SITEGATE_ENV: unknown environment %q", c.Env))
	}
	if err := c.validateAuthority(); err != nil {
		errs = append(errs, err)
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("CLIENT_ID is required"))
	} else if strings.ContainsAny(c.ClientID, " \t\r\n") {
		errs = append(errs, errors.New("CLIENT_ID must not contain whitespace"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("CLIENT_SECRET is required"))
	}
	if !slices.Contains(c.Scopes, "openid") {
		errs = append(errs, errors.New("OIDC_SCOPES must include openid"))
	}
	for name, p := range map[string]string{
		"OIDC_CALLBACK_PATH":            c.CallbackPath,
		"OIDC_SIGNED_OUT_CALLBACK_PATH": c.SignedOutCallbackPath,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("%s must start with /", name))
		}
	}
	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL"))
		}
	}
	if c.DiscoveryTimeout <= 0 {
		errs = append(errs, errors.New("OIDC_DISCOVERY_TIMEOUT must be positive"))
	}
	switch c.SessionStore {
	case StoreCookie:
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis session store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres session store"))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE: unknown store %q", c.SessionStore))
	}
	if c.SessionCookieName == "" {
		errs = append(errs, errors.New("SESSION_COOKIE_NAME must not be empty"))
	}
	if c.SessionMaxAge <= 0 {
		errs = append(errs, errors.New("SESSION_MAX_AGE must be positive"))
	}
	if _, _, _, err := c.SessionKeys(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.TrustedNetworks(); err != nil {
		errs = append(errs, err)
	}
	if c.ForwardedLimit < 1 {
		errs = append(errs, errors.New("FORWARDED_LIMIT must be at least 1"))
	}
	if c.HTTPSPort <= 0 || c.HTTPSPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTPS_PORT %d out of range", c.HTTPSPort))
	}
	return errors.Join(errs...)
}

func (c Config) validateAuthority() error {
	if c.Authority == "" {
		return errors.New("OIDC_AUTHORITY is required")
	}
	u, err := url.Parse(c.Authority)
	if err != nil {
		return fmt.Errorf("OIDC_AUTHORITY: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("OIDC_AUTHORITY must be an absolute URL, got %q", c.Authority)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("OIDC_AUTHORITY must not carry a query or fragment")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if c.RequireHTTPSMetadata {
			return errors.New("OIDC_AUTHORITY must use https (set OIDC_REQUIRE_HTTPS_METADATA=false for local development)")
		}
	default:
		return fmt.Errorf("OIDC_AUTHORITY: unsupported scheme %q", u.Scheme)
	}
	return nil
}

func (c Config) IsDevelopment() bool { return c.Env == EnvDevelopment }

// SessionKeys decodes the cookie hash and block keys. When unset, generated
// reports true and the caller is expected to create random keys.
func (c Config) SessionKeys() (hash, block []byte, generated bool, err error) {
	if c.SessionHashKey == "" && c.SessionBlockKey == "" {
		return nil, nil, true, nil
	}
	if c.SessionHashKey == "" || c.SessionBlockKey == "" {
		return nil, nil, false, errors.New("SESSION_HASH_KEY and SESSION_BLOCK_KEY must be set together")
	}
	hash, err = base64.StdEncoding.DecodeString(c.SessionHashKey)
	if err != nil {
		return nil, nil, false, fmt.Errorf("SESSION_HASH_KEY: %w", err)
	}
	if len(hash) < 32 {
		return nil, nil, false, fmt.Errorf("SESSION_HASH_KEY must decode to at least 32 bytes, got %d", len(hash))
	}
	block, err = base64.StdEncoding.DecodeString(c.SessionBlockKey)
	if err != nil {
		return nil, nil, false, fmt.Errorf("SESSION_BLOCK_KEY: %w", err)
	}
	switch len(block) {
	case 16, 24, 32:
	default:
		return nil, nil, false, fmt.Errorf("SESSION_BLOCK_KEY must decode to 16, 24 or 32 bytes, got %d", len(block))
	}
	return hash, block, false, nil
}

// TrustedNetworks parses FORWARDED_TRUSTED_NETWORKS. A single "*" entry trusts
// every upstream peer.
func (c Config) TrustedNetworks() (nets []netip.Prefix, trustAll bool, err error) {
	for _, raw := range c.ForwardedTrustedNetworks {
		raw = strings.TrimSpace(raw)
		switch {
		case raw == "":
			continue
		case raw == "*":
			trustAll = true
		case strings.Contains(raw, "/"):
			p, perr := netip.ParsePrefix(raw)
			if perr != nil {
				return nil, false, fmt.Errorf("FORWARDED_TRUSTED_NETWORKS: %w", perr)
			}
			nets = append(nets, p.Masked())
		default:
			a, aerr := netip.ParseAddr(raw)
			if aerr != nil {
				return nil, false, fmt.Errorf("FORWARDED_TRUSTED_NETWORKS: %w", aerr)
			}
			nets = append(nets, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return nets, trustAll, nil
}

// String renders the configuration for logs. The client secret and session
// keys are redacted.
func (c Config) String() string {
	return fmt.Sprintf("env=%s addr=%s authority=%s client_id=%s client_secret=%s scopes=%q session_store=%s trusted_networks=%q",
		c.Env, c.HTTPAddr, c.Authority, c.ClientID, redact(c.ClientSecret), strings.Join(c.Scopes, " "),
		c.SessionStore, strings.Join(c.ForwardedTrustedNetworks, ","))
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
