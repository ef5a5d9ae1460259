package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"villagehub.org/internal/auth"
	"villagehub.org/internal/byok"
	"villagehub.org/internal/obs"
	"villagehub.org/internal/ratelimit"
	"villagehub.org/internal/settings"
	"villagehub.org/internal/upstream"
)

const serviceName = "villagehub-gateway"

// ReadyProbe reports whether backing storage is reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Caller forwards a request to a downstream service.
type Caller interface {
	Call(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// Deps are the collaborators of the HTTP layer. All of them are built once at startup.
type Deps struct {
	Auth         *auth.Authenticator
	Villages     auth.VillageStore
	Keys         *byok.Manager
	Settings     *settings.Service
	Upstream     Caller
	InternalKey  auth.InternalKey
	LoginLimiter ratelimit.Limiter
	LoginLimit   int
	// LoginUserLimit bounds attempts per username across all client addresses.
	LoginUserLimit int
	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []netip.Prefix
	Ready          ReadyProbe
	Version        string
	CookieSecure   bool
	MaxBodyBytes   int64
	RateBurst      int
	RatePerSec     int
	Logger         *zap.Logger
}

// API is the gateway HTTP layer.
type API struct {
	auth         *auth.Authenticator
	villages     auth.VillageStore
	keys         *byok.Manager
	settings     *settings.Service
	upstream     Caller
	internalKey  auth.InternalKey
	loginLimiter ratelimit.Limiter
	loginLimit   int
	loginUser    int
	proxies      []netip.Prefix
	ready        ReadyProbe
	version      string
	cookieSecure bool
	maxBody      int64
	rateBurst    int
	ratePerSec   int
	log          *zap.Logger
	started      time.Time
}

func New(d Deps) (*API, error) {
	if d.Auth == nil || d.Upstream == nil || d.Keys == nil || d.Settings == nil || d.Villages == nil {
		return nil, errors.New("httpapi: auth, villages, keys, settings and upstream are required")
	}
	a := &API{
		auth:         d.Auth,
		villages:     d.Villages,
		keys:         d.Keys,
		settings:     d.Settings,
		upstream:     d.Upstream,
		internalKey:  d.InternalKey,
		loginLimiter: d.LoginLimiter,
		loginLimit:   d.LoginLimit,
		loginUser:    d.LoginUserLimit,
		proxies:      d.TrustedProxies,
		ready:        d.Ready,
		version:      d.Version,
		cookieSecure: d.CookieSecure,
		maxBody:      d.MaxBodyBytes,
		rateBurst:    d.RateBurst,
		ratePerSec:   d.RatePerSec,
		log:          d.Logger,
		started:      time.Now().UTC(),
	}
	if a.loginLimiter == nil {
		a.loginLimiter = ratelimit.NewInMemory(time.Minute)
	}
	if a.loginLimit <= 0 {
		a.loginLimit = 10
	}
	if a.loginUser <= 0 {
		a.loginUser = 5 * a.loginLimit
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	if a.log == nil {
		a.log = obs.Logger()
	}
	return a, nil
}

// Handler builds the router. Call it once; each call creates fresh rate-limit buckets.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, TrustedRealIP(a.proxies), middleware.CleanPath, LoggingJSON, obs.Instrument, Recover, SecurityHeaders, CORS)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	limit := func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) }

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(limit, a.limitBody)
			r.Post("/auth/login", a.handleLogin)

			r.Group(func(r chi.Router) {
				r.Use(a.requireSession)
				r.Post("/auth/logout", a.handleLogout)
				r.Get("/auth/me", a.handleMe)
				r.Get("/settings", a.handleGetSettings)
				r.With(requireSuperadmin).Put("/settings", a.handlePutSettings)
				r.With(requireSuperadmin).Get("/byok/keys", a.handleListKeys)
				for _, m := range proxyMethods {
					r.MethodFunc(m, "/v1/{resource}", a.handleProxy)
					r.MethodFunc(m, "/v1/{resource}/*", a.handleProxy)
				}
			})
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(a.requireInternal, a.limitBody)
			r.Get("/byok/keys", a.handleEligibleKeys)
			r.Post("/byok/keys/{id}/status", a.handleKeyStatus)
			r.Post("/byok/usage", a.handleUsage)
		})
	})

	return otelhttp.NewHandler(r, serviceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			a.log.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       serviceName,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"started_at": a.started.Format(time.RFC3339),
		"version":    a.version,
		"resources":  resourceNames(),
	})
}

func (a *API) limitBody(next http.Handler) http.Handler {
	return MaxBodyBytes(next, a.maxBody)
}
