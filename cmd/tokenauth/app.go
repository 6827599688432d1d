package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/tokenauth/internal/db"
	"github.com/nkiryanov/tokenauth/internal/handlers"
	"github.com/nkiryanov/tokenauth/internal/logger"
	"github.com/nkiryanov/tokenauth/internal/repository/postgres"
	"github.com/nkiryanov/tokenauth/internal/repository/redisstore"
	"github.com/nkiryanov/tokenauth/internal/service/auth"
	"github.com/nkiryanov/tokenauth/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/tokenauth/internal/service/ratelimit"
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	logger logger.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client
}

func NewServerApp(ctx context.Context, c *Config) (_ *ServerApp, err error) {
	app := &ServerApp{ListenAddr: c.ListenAddr}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	// Initialize logger
	app.logger, err = logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	// Connect to the database and run migrations
	app.pool, err = db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	var storageOpts []postgres.Option
	var limiter auth.LoginLimiter

	if c.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("error while connecting to redis. Err: %w", err)
		}

		limiter = ratelimit.New(app.redis, ratelimit.Config{
			MaxLoginAttempts: c.LoginMaxAttempts,
			LoginCooldown:    c.LoginCooldown,
		})
	}

	if c.RefreshStore == RefreshStoreRedis {
		if app.redis == nil {
			return nil, errors.New("redis refresh store requires redis address")
		}
		storageOpts = append(storageOpts, postgres.WithRefreshRepo(
			redisstore.NewRefreshTokenRepo(app.redis, redisstore.Config{}),
		))
	}

	// Initialize repositories
	storage := postgres.NewStorage(app.pool, storageOpts...)

	// Initialize services
	tokenManager, err := tokenmanager.New(tokenmanager.Config{
		SecretKey:  c.JWT.Secret,
		Issuer:     c.JWT.Issuer,
		Audience:   c.JWT.Audience,
		AccessTTL:  c.JWT.AccessTTL(),
		RefreshTTL: c.JWT.RefreshTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}

	authService, err := auth.NewService(auth.Config{Limiter: limiter, Logger: app.logger}, tokenManager, storage)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	app.Handler = handlers.NewRouter(
		authService,
		handlers.RefreshCookie{Secure: c.CookieSecure, TTL: tokenManager.RefreshTTL()},
		app.logger,
	)

	app.logger.Info("app initialized",
		"refresh_store", c.RefreshStore,
		"rate_limiter", limiter != nil,
		"environment", c.Environment,
	)

	return app, nil
}

// Run starts http server and closes gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	return err
}

// Close db and redis connections
func (s *ServerApp) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}
