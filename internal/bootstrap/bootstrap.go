// Package bootstrap assembles the sign-in gated site: authentication schemes,
// forwarded-header trust, the fallback authorization policy and the request
// pipeline.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sitegate/internal/web"
	"sitegate/pkg/authn"
	"sitegate/pkg/authz"
	"sitegate/pkg/config"
	"sitegate/pkg/metrics"
	"sitegate/pkg/middleware"
	"sitegate/pkg/oidcclient"
	"sitegate/pkg/problems"
	"sitegate/pkg/session"
)

// Paths served outside the fallback policy besides the web pages.
const (
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"
)

// Deps are the process-wide clients built by main. All fields are optional;
// the configured session store decides which ones must be present.
type Deps struct {
	Pool  *pgxpool.Pool
	Redis redis.UniversalClient
	// HTTPClient is used for every call to the identity provider.
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Tracer     *middleware.Tracer
}

// App is the configured site.
type App struct {
	cfg     config.Config
	log     *zap.SugaredLogger
	deps    Deps
	metrics *metrics.Metrics

	store      sessions.Store
	pgSessions *session.PostgresBackend
	oidc       *oidcclient.Client
	auth       *authn.Authenticator
	forwarded  middleware.ForwardedOptions
	policy     *authz.Policy
	site       *web.Site
	handler    http.Handler
}

// New performs every startup step in order. Any failure, including provider
// discovery running out of retries, aborts startup.
func New(ctx context.Context, cfg config.Config, log *zap.SugaredLogger, deps Deps) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a := &App{cfg: cfg, log: log, deps: deps, metrics: deps.Metrics}
	if a.metrics == nil {
		a.metrics = metrics.New("sitegate")
	}
	problems.SetBase(cfg.PublicBaseURL)

	if err := a.configureAuthentication(ctx); err != nil {
		return nil, err
	}
	if err := a.configureForwardedHeaders(); err != nil {
		return nil, err
	}
	if err := a.configureAuthorization(ctx); err != nil {
		return nil, err
	}
	if err := a.configurePipeline(); err != nil {
		return nil, err
	}
	return a, nil
}

// Handler is the root handler to serve.
func (a *App) Handler() http.Handler { return a.handler }

// Site exposes the controller table so callers can register more pages.
func (a *App) Site() *web.Site { return a.site }

// RunSessionCleanup purges expired server-side sessions until ctx is done.
// It returns at once for stores that expire on their own.
func (a *App) RunSessionCleanup(ctx context.Context, interval time.Duration) {
	if a.pgSessions == nil {
		return
	}
	a.pgSessions.RunCleanup(ctx, interval, a.log)
}

func (a *App) secureCookies() bool {
	return a.cfg.ForceHTTPSScheme || !a.cfg.IsDevelopment()
}

func (a *App) configureAuthentication(ctx context.Context) error {
	hash, block, generated, err := a.cfg.SessionKeys()
	if err != nil {
		return err
	}
	if generated {
		if hash, block, err = session.GenerateKeys(); err != nil {
			return err
		}
		a.log.Warnw("SESSION_HASH_KEY/SESSION_BLOCK_KEY not set, using generated keys; sessions will not survive a restart")
	}
	sessOpts := session.Options{
		CookieName: a.cfg.SessionCookieName,
		MaxAge:     a.cfg.SessionMaxAge,
		Secure:     a.secureCookies(),
		HashKey:    hash,
		BlockKey:   block,
	}
	if err := a.buildStore(ctx, sessOpts); err != nil {
		return err
	}

	httpClient := a.deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if a.deps.Tracer.Enabled() {
		traced := *httpClient
		traced.Transport = a.deps.Tracer.Transport(httpClient.Transport)
		httpClient = &traced
	}

	a.oidc, err = oidcclient.New(ctx, oidcclient.Config{
		Authority:        a.cfg.Authority,
		ClientID:         a.cfg.ClientID,
		ClientSecret:     a.cfg.ClientSecret,
		Scopes:           a.cfg.Scopes,
		UsePKCE:          a.cfg.UsePKCE,
		HTTPClient:       httpClient,
		DiscoveryTimeout: a.cfg.DiscoveryTimeout,
	}, a.log)
	if err != nil {
		return fmt.Errorf("oidc: %w", err)
	}
	meta := a.oidc.Metadata()
	a.log.Infow("oidc provider discovered", "issuer", meta.Issuer, "client_id", a.cfg.ClientID,
		"end_session", meta.EndSessionEndpoint != "")

	mapper, err := authn.NewClaimMapper(a.cfg.NameClaim, a.cfg.RoleClaim)
	if err != nil {
		return err
	}

	a.auth = authn.New(authn.Options{
		CookieName:            a.cfg.SessionCookieName,
		CallbackPath:          a.cfg.CallbackPath,
		SignedOutCallbackPath: a.cfg.SignedOutCallbackPath,
		SignedOutPath:         "/Account/SignedOut",
		PublicBaseURL:         a.cfg.PublicBaseURL,
		MaxAge:                a.cfg.SessionMaxAge,
		Sliding:               a.cfg.SessionSliding,
		SaveTokens:            a.cfg.SaveTokens,
		Secure:                a.secureCookies(),
		HashKey:               hash,
		BlockKey:              block,
	}, a.oidc, a.store, mapper, a.log).WithMetrics(a.metrics)

	if a.cfg.BearerEnabled {
		if meta.JWKSURI == "" {
			return errors.New("BEARER_ENABLED: provider metadata has no jwks_uri")
		}
		a.auth.WithBearer(authn.NewBearerVerifier(meta.Issuer, a.cfg.BearerAudience, meta.JWKSURI, httpClient))
		a.log.Infow("bearer scheme enabled", "audience", a.cfg.BearerAudience)
	}
	return nil
}

func (a *App) buildStore(ctx context.Context, o session.Options) error {
	switch a.cfg.SessionStore {
	case config.StoreRedis:
		if a.deps.Redis == nil {
			return errors.New("session store redis: no redis client")
		}
		a.store = session.NewServerStore(session.NewRedisBackend(a.deps.Redis, ""), o)
	case config.StorePostgres:
		if a.deps.Pool == nil {
			return errors.New("session store postgres: no database pool")
		}
		backend := session.NewPostgresBackend(a.deps.Pool)
		if err := backend.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("session store postgres: %w", err)
		}
		a.pgSessions = backend
		a.store = session.NewServerStore(backend, o)
	default:
		a.store = session.NewCookieStore(o)
	}
	a.log.Infow("session store ready", "store", a.cfg.SessionStore, "cookie", o.CookieName, "max_age", o.MaxAge)
	return nil
}

func (a *App) configureForwardedHeaders() error {
	nets, trustAll, err := a.cfg.TrustedNetworks()
	if err != nil {
		return err
	}
	if trustAll {
		a.log.Warnw("forwarded headers are trusted from any peer")
	}
	a.forwarded = middleware.ForwardedOptions{
		ForwardedFor:   true,
		ForwardedProto: true,
		KnownNetworks:  nets,
		TrustAll:       trustAll,
		ForwardLimit:   a.cfg.ForwardedLimit,
	}
	return nil
}

func (a *App) configureAuthorization(ctx context.Context) error {
	a.policy = authz.RequireAuthenticatedUser(a.log).
		AllowAnonymous(web.AnonymousPaths()...).
		AllowAnonymous(a.cfg.CallbackPath, a.cfg.SignedOutCallbackPath, HealthPath, MetricsPath)
	if a.cfg.AuthzRulesFile == "" {
		return nil
	}
	rs, err := authz.LoadRules(ctx, a.cfg.AuthzRulesFile)
	if err != nil {
		return err
	}
	a.policy.Apply(rs)
	a.log.Infow("authorization rules loaded", "file", a.cfg.AuthzRulesFile,
		"anonymous", len(rs.Anonymous), "rules", len(rs.Rules), "rego", rs.Rego != "")
	return nil
}

func (a *App) configurePipeline() error {
	site, err := web.New(a.log, a.cfg.ServiceName, a.auth)
	if err != nil {
		return err
	}
	a.site = site
	a.auth.WithFailureRenderer(site.RenderStatus)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(a.deps.Tracer.Middleware())
	r.Use(middleware.AccessLog(a.log))
	r.Use(middleware.Metrics(a.metrics))

	r.Use(middleware.ForwardedHeaders(a.forwarded))
	if a.cfg.IsDevelopment() {
		r.Use(middleware.DeveloperExceptionPage(a.log))
	} else {
		r.Use(middleware.HSTS(a.cfg.HSTSMaxAge, false))
		r.Use(middleware.ExceptionHandler(a.log, web.ErrorPath, site.ErrorHandler()))
	}
	if a.cfg.ForceHTTPSScheme {
		r.Use(middleware.ForceScheme("https"))
	}
	r.Use(middleware.HTTPSRedirection(a.cfg.HTTPSPort))
	r.Use(middleware.StaticFiles(web.Assets()))
	r.Use(a.auth.Authenticate)
	r.Use(authz.Authorize(a.policy, a.auth))

	r.Get(HealthPath, func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Method(http.MethodGet, MetricsPath, a.metrics.Handler())
	r.Get(a.cfg.CallbackPath, a.auth.Callback)
	r.Get(a.cfg.SignedOutCallbackPath, a.auth.SignedOutCallback)
	site.Routes(r)

	a.handler = r
	return nil
}
