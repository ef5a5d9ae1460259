package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"villagehub.org/internal/auth"
	"villagehub.org/internal/byok"
	"villagehub.org/internal/config"
	"villagehub.org/internal/httpapi"
	"villagehub.org/internal/migrate"
	"villagehub.org/internal/obs"
	"villagehub.org/internal/ratelimit"
	"villagehub.org/internal/settings"
	"villagehub.org/internal/store/memory"
	"villagehub.org/internal/store/pg"
	"villagehub.org/internal/telemetry"
	"villagehub.org/internal/upstream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const purgeInterval = 10 * time.Minute

// backend is everything the gateway persists.
type backend interface {
	auth.SessionStore
	auth.AdminStore
	auth.VillageStore
	byok.Store
	settings.Store
	Ping(ctx context.Context) error
	EnsureAdmin(ctx context.Context, a auth.Admin) error
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	logger := obs.NewLogger(os.Stdout, cfg.Log.Level)
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Tracing.Service, os.Stdout, logger)
		if err != nil {
			logger.Fatal("init tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer closeStore()

	if err := bootstrapAdmin(ctx, store, cfg.Bootstrap); err != nil {
		logger.Fatal("bootstrap admin", zap.Error(err))
	}

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, nil)
	if err != nil {
		logger.Fatal("token verifier", zap.Error(err))
	}
	authn, err := auth.NewAuthenticator(verifier, store, store, auth.WithSessionTTL(cfg.Auth.SessionTTL))
	if err != nil {
		logger.Fatal("authenticator", zap.Error(err))
	}

	client, err := upstream.New(upstream.Config{
		BaseURLs: map[upstream.Service]string{
			upstream.ServiceCase:    cfg.Services.CaseURL,
			upstream.ServiceAI:      cfg.Services.AIURL,
			upstream.ServiceChannel: cfg.Services.ChannelURL,
		},
		APIKey:  cfg.Internal.APIKey,
		Timeout: cfg.Upstream.Timeout,
		Retries: cfg.Upstream.Retries,
	})
	if err != nil {
		logger.Fatal("upstream client", zap.Error(err))
	}

	var loginLimiter ratelimit.Limiter = ratelimit.NewInMemory(cfg.Auth.LoginWindow)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		loginLimiter = ratelimit.NewRedis(rdb, cfg.Auth.LoginWindow)
		logger.Info("login limiter backed by redis", zap.String("addr", cfg.Redis.Addr))
	}

	proxies, err := config.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Fatal("trusted proxies", zap.Error(err))
	}

	api, err := httpapi.New(httpapi.Deps{
		Auth:           authn,
		Villages:       store,
		Keys:           byok.NewManager(store, nil),
		Settings:       settings.NewService(store, nil),
		Upstream:       client,
		InternalKey:    auth.NewInternalKey(cfg.Internal.APIKey),
		LoginLimiter:   loginLimiter,
		LoginLimit:     cfg.Auth.LoginLimit,
		LoginUserLimit: cfg.Auth.LoginUserLimit,
		TrustedProxies: proxies,
		Ready:          store,
		Version:        version,
		CookieSecure:   cfg.Auth.CookieSecure,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RateBurst:      cfg.Rate.Burst,
		RatePerSec:     cfg.Rate.PerSecond,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("http api", zap.Error(err))
	}

	go purgeSessions(ctx, authn, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}

// openBackend returns Postgres when a DSN is configured, otherwise an in-memory store.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, func(), error) {
	if cfg.PG.DSN == "" {
		logger.Warn("no pg.dsn configured; using in-memory storage")
		return memory.New(), func() {}, nil
	}
	st, err := pg.Open(cfg.PG.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.PG.AutoMigrate {
		migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		applied, err := migrate.NewManager(st.DB()).Up(migCtx)
		if err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", zap.Strings("files", applied))
		}
	}
	return st, func() { _ = st.Close() }, nil
}

func bootstrapAdmin(ctx context.Context, store backend, b config.BootstrapConfig) error {
	if b.Username == "" || b.Password == "" {
		return nil
	}
	hash, err := auth.HashPassword(b.Password)
	if err != nil {
		return err
	}
	return store.EnsureAdmin(ctx, auth.Admin{
		Identity: auth.Identity{
			Username:    b.Username,
			DisplayName: b.Username,
			Role:        auth.RoleSuperadmin,
		},
		PasswordHash: hash,
	})
}

func purgeSessions(ctx context.Context, authn *auth.Authenticator, logger *zap.Logger) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := authn.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purge expired sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired sessions", zap.Int64("count", n))
			}
		}
	}
}
