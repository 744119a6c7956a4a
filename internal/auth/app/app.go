// Package app wires the authentication service together: configuration,
// logger, sqlite ledger, token issuer, lockout limiter, replay guard, HTTP
// server and the housekeeping loop.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpapi "github.com/dmarclens/dmarclens/internal/auth/http"
	"github.com/dmarclens/dmarclens/internal/auth/ratelimit"
	"github.com/dmarclens/dmarclens/internal/auth/replay"
	"github.com/dmarclens/dmarclens/internal/auth/service"
	"github.com/dmarclens/dmarclens/internal/auth/store"
	"github.com/dmarclens/dmarclens/internal/auth/store/drivers/sqlite"
	"github.com/dmarclens/dmarclens/pkg/jwtx"
	"github.com/dmarclens/dmarclens/pkg/slogx"
)

// BuildVersion should be set at build time via ldflags.
var BuildVersion = "v0.1.0"

// Application encapsulates the auth service with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db     store.Store
	issuer *jwtx.Issuer
	rdb    *redis.Client

	sessions     *service.SessionService
	housekeeping *service.HousekeepingService

	server *http.Server
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "auth-service",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	if err := app.initIssuer(); err != nil {
		_ = app.db.Close()
		return nil, err
	}
	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeeping.Start(context.Background())

	app.logger.Info("auth service starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully stops the HTTP server, the housekeeping loop and the
// backing stores.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down auth service...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeeping.Stop()

	if app.rdb != nil {
		if err := app.rdb.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("auth service stopped")
	return nil
}

func (app *Application) initDatabase() error {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

func (app *Application) initIssuer() error {
	if app.cfg.SigningKey == "" {
		issuer, err := jwtx.NewEphemeralIssuer(app.cfg.Issuer, app.cfg.AccessTokenTTL)
		if err != nil {
			return fmt.Errorf("failed to generate signing key: %w", err)
		}
		app.issuer = issuer
		app.logger.Warn("using an ephemeral signing key, all tokens die with this process")
		return nil
	}

	pemKey, err := os.ReadFile(app.cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("failed to read signing key: %w", err)
	}
	issuer, err := jwtx.NewIssuer(app.cfg.Issuer, pemKey, app.cfg.AccessTokenTTL)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	app.issuer = issuer
	app.logger.Info("signing key loaded", "path", app.cfg.SigningKey)
	return nil
}

func (app *Application) initServices() {
	var (
		counters ratelimit.CounterStore
		cache    replay.Cache
	)
	if app.cfg.RedisAddr != "" {
		app.rdb = redis.NewClient(&redis.Options{
			Addr:     app.cfg.RedisAddr,
			Password: app.cfg.RedisPassword,
		})
		counters = ratelimit.NewRedisStore(app.rdb, "auth:lockout")
		cache = replay.NewRedisCache(app.rdb)
		app.logger.Info("using shared redis for lockout counters and replay records", "addr", app.cfg.RedisAddr)
	} else {
		counters = ratelimit.NewMemoryStore()
		cache = replay.NewMemoryCache()
		app.logger.Info("using in-process lockout counters and replay records")
	}

	app.sessions = &service.SessionService{
		Store:      app.db,
		Issuer:     app.issuer,
		Limiter:    ratelimit.NewLimiter(counters, ratelimit.DefaultPolicies()),
		Replay:     replay.NewGuard(cache, app.logger),
		Verifier:   &service.LocalVerifier{Store: app.db},
		Logger:     app.logger,
		RefreshTTL: app.cfg.RefreshTokenTTL,
	}

	app.housekeeping = &service.HousekeepingService{
		Store:    app.db,
		Logger:   app.logger,
		Interval: app.cfg.HousekeepingInterval,
	}
}

func (app *Application) initHTTP() {
	handler := &httpapi.Handler{
		Sessions:      app.sessions,
		Issuer:        app.issuer,
		Logger:        app.logger,
		SecureCookies: app.cfg.SecureCookies,
		Ready: func(r *http.Request) error {
			return app.db.Ping(r.Context())
		},
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 3 * time.Second,
	}
}
