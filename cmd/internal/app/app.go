// Package app wires the EchoStream server runtime: config, logging, stores, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"echostream/cmd/internal/auth"
	"echostream/cmd/internal/community"
	"echostream/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App is the EchoStream server runtime: it owns the HTTP server, stores and gateway dependencies.
type App struct {
	cfg Config
	log Logger

	pool *pgxpool.Pool
	rdb  *redis.Client
	bus  *realtime.RedisBus

	handler http.Handler

	closeOnce sync.Once
}

// New constructs a fully wired App instance from config and logger.
// Without DATABASE_URL every store is in memory; without REDIS_URL fanout is in-process.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}

	authCfg, ephemeral, err := cfg.Auth.WithEphemeralSecret()
	if err != nil {
		return nil, err
	}
	if ephemeral {
		log.Warn("auth.secret.ephemeral", "hint", "set ECHOSTREAM_AUTH_JWT_SECRET; tokens will not survive a restart")
	}
	tokens, err := auth.NewTokenManager(authCfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	users, chatStore, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	svc, err := community.NewService(log, chatStore, chatStore, community.WithMetrics(community.NewMetrics(registry)))
	if err != nil {
		a.Close()
		return nil, err
	}

	hub := realtime.NewHub(log)
	gwMetrics := realtime.NewMetrics(registry)
	gwOpts := []realtime.GatewayOption{
		realtime.WithHub(hub),
		realtime.WithAuthenticator(tokens),
		realtime.WithRoomAuthorizer(svc),
		realtime.WithMessageLookup(svc),
		realtime.WithGatewayMetrics(gwMetrics),
	}

	if cfg.RedisURL != "" {
		if err := a.openRedis(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.bus, err = realtime.NewRedisBus(log, a.rdb, hub, cfg.Gateway.RedisChannelPrefix, gwMetrics)
		if err != nil {
			a.Close()
			return nil, err
		}
		gwOpts = append(gwOpts, realtime.WithBus(a.bus))
	} else {
		log.Info("bus.local")
	}

	authHandler, err := auth.NewHandler(log, authCfg, users, tokens, cfg.Password)
	if err != nil {
		a.Close()
		return nil, err
	}
	chatHandler, err := community.NewHandler(log, svc, tokens)
	if err != nil {
		a.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:      log,
		cfg:      cfg,
		pool:     a.pool,
		rdb:      a.rdb,
		registry: registry,
		ws:       realtime.NewWSGateway(log, cfg.Gateway, gwOpts...),
		auth:     authHandler,
		chat:     chatHandler,
	})

	a.handler = WithRequestLogging(WithSecurityHeaders(WithCORS(mux, cfg, log)), log)
	return a, nil
}

// chatStore is what the community service needs from persistence.
type chatStore interface {
	community.MessageStore
	community.Directory
}

// openStores decides between Postgres-backed persistence and in-memory dev stores.
func (a *App) openStores(ctx context.Context) (auth.UserStore, chatStore, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return auth.NewMemoryUserStore(), community.NewMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	a.pool = pool
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema, "migrated", a.cfg.DBMigrate)

	// Ownership model: the app owns the pool; stores never close it.
	users, err := auth.NewPostgresUserStore(pool, auth.WithSchema(a.cfg.DBSchema))
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	chat, err := community.NewPostgresStore(pool, community.WithSchema(a.cfg.DBSchema))
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return users, chat, nil
}

func (a *App) openRedis(ctx context.Context) error {
	opt, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis: %w", err)
	}

	a.rdb = rdb
	a.log.Info("bus.redis.enabled", "addr", opt.Addr, "prefix", a.cfg.Gateway.RedisChannelPrefix)
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	if a.bus != nil {
		go func() {
			if err := a.bus.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("redis bus: %w", err)
			}
		}()
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
		"redis_enabled", a.rdb != nil,
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// Close releases the database pool and Redis client (idempotent).
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.rdb != nil {
			_ = a.rdb.Close()
		}
		if a.pool != nil {
			a.pool.Close()
		}
	})
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
