package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/webeng/identity-portal/internal/config"
	"github.com/webeng/identity-portal/internal/domain"
	"github.com/webeng/identity-portal/internal/health"
	"github.com/webeng/identity-portal/internal/http/handler"
	"github.com/webeng/identity-portal/internal/http/middleware"
	"github.com/webeng/identity-portal/internal/http/router"
	"github.com/webeng/identity-portal/internal/observability"
	"github.com/webeng/identity-portal/internal/repository"
	"github.com/webeng/identity-portal/internal/security"
	"github.com/webeng/identity-portal/internal/service"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime

	db    *gorm.DB
	redis *redis.Client
}

// New wires the whole service: storage, caches, session services, handlers
// and the HTTP server. Redis is optional; without it the abuse guard, the
// negative lookup cache and the rate limiter fall back to local variants.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	metricsCfg := observability.MetricsConfig{
		Enabled:        cfg.Metrics.Enabled,
		Endpoint:       cfg.Metrics.Endpoint,
		Insecure:       cfg.Metrics.Insecure,
		ServiceName:    cfg.Metrics.ServiceName,
		Environment:    cfg.Profile,
		ExportInterval: cfg.Metrics.ExportInterval,
	}
	bootstrapLogger := observability.NewLogger(nil, logLevelFor(cfg.Profile))
	runtime, err := observability.InitRuntime(ctx, metricsCfg, bootstrapLogger)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	logger := observability.NewLogger(runtime.LoggerProvider, logLevelFor(cfg.Profile))
	slog.SetDefault(logger)

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.Role{}, &domain.RefreshToken{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, continuing", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	users := repository.NewUserRepository(db)
	roles := repository.NewRoleRepository(db)
	tokens := repository.NewRefreshTokenRepository(db)

	var abuseGuard service.AuthAbuseGuard
	var negCache service.NegativeLookupCacheStore
	if redisClient != nil {
		abuseGuard = service.NewRedisAuthAbuseGuard(redisClient, "identity:abuse", service.DefaultAuthAbusePolicy())
		negCache = service.NewRedisNegativeLookupCacheStore(redisClient, "identity:negcache")
	} else {
		abuseGuard = service.NewNoopAuthAbuseGuard()
		negCache = service.NewInMemoryNegativeLookupCacheStore()
	}

	jwtMgr := security.NewJWTManager(cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience, cfg.Auth.JWTSecret)
	authService := service.NewAuthService(
		users, roles, tokens,
		jwtMgr, abuseGuard, negCache,
		cfg.Auth.RefreshPepper,
		cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL,
	)
	adminService := service.NewAdminService(users, tokens, negCache)

	checks := []health.Check{{
		Name: "database",
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}
	if redisClient != nil {
		checks = append(checks, health.Check{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	deps := router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(authService, logger, cfg.HTTP.SecureCookies),
		AdminHandler:     handler.NewAdminHandler(adminService, logger),
		JWTManager:       jwtMgr,
		CORSOrigins:      cfg.HTTP.CORSOrigins,
		AuthRateLimitRPM: cfg.HTTP.AuthRateLimitRPM,
		APIRateLimitRPM:  cfg.HTTP.APIRateLimitRPM,
		Readiness:        health.NewProbeRunner(2*time.Second, checks...),
		EnableOTelHTTP:   cfg.Metrics.Enabled,
	}
	if redisClient != nil {
		deps.GlobalLimiter = middleware.NewRateLimiterWith(
			middleware.NewRedisFixedWindowLimiter(redisClient, "identity:rl:api"),
			middleware.RateLimitPolicy{SustainedLimit: cfg.HTTP.APIRateLimitRPM, SustainedWindow: time.Minute},
			middleware.FailOpen,
			"api",
			middleware.SubjectOrIPKeyFunc(jwtMgr),
		).Middleware()
		deps.AuthLimiter = middleware.NewRateLimiterWith(
			middleware.NewRedisFixedWindowLimiter(redisClient, "identity:rl:auth"),
			middleware.RateLimitPolicy{SustainedLimit: cfg.HTTP.AuthRateLimitRPM, SustainedWindow: time.Minute},
			middleware.FailClosed,
			"auth",
			nil,
		).Middleware()
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		Server:        server,
		Observability: runtime,
		db:            db,
		redis:         redisClient,
	}, nil
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", "addr", a.Server.Addr, "profile", a.Config.Profile)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Logger.Info("shutting down")
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return a.Close(shutdownCtx)
}

func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := a.Observability.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	}
	switch cfg.DB.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DB.DSN), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.DB.DSN), gormCfg)
	}
}

func logLevelFor(profile string) slog.Level {
	if profile == "dev" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
