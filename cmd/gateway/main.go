package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/switchboard/internal/access"
	"github.com/af-corp/switchboard/internal/auth"
	"github.com/af-corp/switchboard/internal/config"
	"github.com/af-corp/switchboard/internal/gateway"
	"github.com/af-corp/switchboard/internal/healthsrv"
	"github.com/af-corp/switchboard/internal/maintenance"
	"github.com/af-corp/switchboard/internal/ratelimit"
	"github.com/af-corp/switchboard/internal/router"
	"github.com/af-corp/switchboard/internal/router/adapters"
	"github.com/af-corp/switchboard/internal/state"
	"github.com/af-corp/switchboard/internal/tasks"
	"github.com/af-corp/switchboard/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	// Load configuration
	loader := config.NewLoader(*configDir, slog.Default())
	if err := loader.Load(); err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger := newLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL when a component needs it
	var dbPool *pgxpool.Pool
	if cfg.Auth.KeyStore != "static" || cfg.State.Driver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Warn("database not reachable (gateway will start but key lookups will fail)", "error", err)
		} else {
			logger.Info("database connected")
		}
		dbPool = pool
	}

	// Connect to Redis
	var rdb *redis.Client
	if cfg.Redis.Enabled() && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable (key cache and redis rate limits disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
			defer rdb.Close()
		}
	}

	// Router state
	store, err := openStateStore(cfg.State, dbPool)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	repo := state.NewRepository(store, cfg.State.CacheTTL)
	queue := tasks.New(cfg.State.QueueSize, cfg.State.QueueWorkers, logger)

	metrics := telemetry.NewMetrics(nil)

	// Build provider registry
	clientOpts := adapters.ClientOptions{
		ConnectTimeout:        cfg.Routing.ConnectTimeout,
		ResponseHeaderTimeout: cfg.Routing.AttemptTimeout,
	}
	registry, err := router.BuildFromConfig(loader.Providers(), clientOpts)
	if err != nil {
		logger.Error("failed to build provider registry", "error", err)
		os.Exit(1)
	}

	var accessChecker router.AccessChecker
	if cfg.Access.Enabled {
		evaluator := access.NewEvaluator(func() config.AccessConfig { return loader.Config().Access })
		if err := evaluator.Load(); err != nil {
			logger.Error("failed to load access policies", "error", err)
			os.Exit(1)
		}
		accessChecker = evaluator
	}

	rt := router.New(registry, router.Options{
		Settings:      routerSettings(cfg),
		StreamTimeout: cfg.Routing.StreamTimeout,
		Catalog:       adapters.NewModelCatalog(cfg.Routing.ModelCacheSize, cfg.Routing.ModelCacheTTL),
		Metrics:       metrics,
		Tasks:         queue,
		State:         repo,
		Attempts:      repo,
		Access:        accessChecker,
		Logger:        logger,
	})
	if err := rt.Restore(ctx); err != nil {
		logger.Warn("failed to restore router state, starting empty", "error", err)
	}

	// Key stores
	staticKeys := auth.NewStaticKeyStore(loader.Keys().Keys)
	var keyStore auth.KeyStore
	switch cfg.Auth.KeyStore {
	case "postgres":
		keyStore = auth.NewCachedKeyStore(dbPool, rdb)
	case "both":
		keyStore = auth.ChainKeyStore{staticKeys, auth.NewCachedKeyStore(dbPool, rdb)}
	default:
		keyStore = staticKeys
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(nil)
	if cfg.RateLimit.Backend == "redis" && rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb)
	}

	grpcHealth := healthsrv.New(rt, logger)

	loader.OnReload(func() {
		next := loader.Config()
		newRegistry, err := router.BuildFromConfig(loader.Providers(), adapters.ClientOptions{
			ConnectTimeout:        next.Routing.ConnectTimeout,
			ResponseHeaderTimeout: next.Routing.AttemptTimeout,
		})
		if err != nil {
			logger.Error("failed to rebuild provider registry, keeping previous", "error", err)
			return
		}
		registry.Replace(newRegistry)
		for _, p := range registry.Providers() {
			rt.Catalog().Invalidate(p.ID)
		}
		rt.Reconfigure(routerSettings(next))
		staticKeys.Replace(loader.Keys().Keys)
		grpcHealth.Refresh()
		logger.Info("provider registry reloaded", "providers", len(registry.Providers()))
	})

	// Scheduled maintenance
	scheduler := maintenance.NewScheduler(logger)
	if err := maintenance.Register(ctx, scheduler, cfg.Maintenance, maintenance.Deps{
		Attempts: repo,
		Sessions: rt,
		Health:   grpcHealth,
	}); err != nil {
		logger.Error("failed to schedule maintenance", "error", err)
		os.Exit(1)
	}
	scheduler.Start(ctx)

	// Build handler
	handler := gateway.NewHandler(rt, limiter, loader.Config, metrics)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(gateway.RequestID)

	// Unauthenticated routes
	r.Get("/health", healthHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(keyStore))
		r.Use(ratelimit.KeyMiddleware(limiter, metrics))
		r.Post("/v1/chat/completions", handler.ChatCompletions)
		r.Get("/v1/models", handler.ListModels)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Telemetry.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		logger.Info("metrics server starting", "addr", metricsSrv.Addr)
		errCh <- metricsSrv.ListenAndServe()
	}()
	if cfg.Telemetry.GRPCHealthPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Telemetry.GRPCHealthPort))
		if err != nil {
			logger.Error("failed to listen for grpc health", "error", err)
			os.Exit(1)
		}
		go func() { errCh <- grpcHealth.Serve(lis) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	grpcHealth.Stop()
	scheduler.Stop()

	if err := queue.Close(shutdownCtx); err != nil {
		logger.Warn("background queue did not drain", "error", err, "dropped", queue.Dropped())
	}
	if err := repo.Close(); err != nil {
		logger.Warn("failed to close state store", "error", err)
	}
	logger.Info("gateway stopped")
}

func newLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func openStateStore(cfg config.StateConfig, db *pgxpool.Pool) (state.Store, error) {
	switch cfg.Driver {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("state.driver postgres requires a database connection")
		}
		return state.NewPostgresStore(db), nil
	default:
		return state.OpenSQLite(cfg.Path)
	}
}

func routerSettings(cfg *config.Config) router.Settings {
	s := cfg.Routing.Sessions
	return router.Settings{
		Health: router.HealthPolicy{
			FailThreshold:     cfg.Routing.FailThreshold,
			HonorModelDisable: cfg.Routing.HonorModelDisable,
			GlobalDisable:     cfg.Routing.GlobalDisable,
		},
		Sessions: router.SessionPolicy{
			ShortIdle:     s.ShortIdle,
			LongIdle:      s.LongIdle,
			LongThreshold: s.LongThreshold,
			MaxBindings:   s.MaxBindings,
		},
		MinPoolSize:   cfg.Routing.MinPoolSize,
		DefaultParams: cfg.Routing.DefaultParams,
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version,
	})
}
