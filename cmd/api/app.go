package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/dishmatch/internal/api"
	"github.com/onnwee/dishmatch/internal/config"
	"github.com/onnwee/dishmatch/internal/db"
	"github.com/onnwee/dishmatch/internal/discovery"
	"github.com/onnwee/dishmatch/internal/dish"
	"github.com/onnwee/dishmatch/internal/eligibility"
	"github.com/onnwee/dishmatch/internal/health"
	"github.com/onnwee/dishmatch/internal/jobs"
	"github.com/onnwee/dishmatch/internal/middleware"
	"github.com/onnwee/dishmatch/internal/recommend"
	"github.com/onnwee/dishmatch/internal/refdata"
	"github.com/onnwee/dishmatch/internal/retrain"
	"github.com/onnwee/dishmatch/internal/similarity"
)

const (
	serviceName          = "dishmatch-api"
	startupPingTimeout   = 5 * time.Second
	rateLimitCleanupTick = 5 * time.Minute
)

// store is everything the engine reads from persistent storage.
type store interface {
	dish.Inventory
	dish.PreferenceStore
	dish.AccountStore
	retrain.SettingsSource
}

// backends are the external connections the app depends on. Nil fields
// select in-process fallbacks.
type backends struct {
	db    *sql.DB
	redis *redis.Client
	store store
}

// openBackends connects to PostgreSQL and Redis when configured. Without a
// DATABASE_URL an empty in-memory store is used. Redis is optional: an
// unreachable Redis at startup is logged and ignored because every Redis
// consumer fails open.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
		conn, err := db.Open(pingCtx, cfg.DatabaseURL, db.DefaultPoolConfig())
		cancel()
		if err != nil {
			return nil, err
		}
		b.db = conn
		b.store = dish.NewPostgresStore(conn, logger)
		logger.Info("using postgres store")
	} else {
		b.store = dish.NewInMemoryStore()
		logger.Warn("DATABASE_URL not set, using empty in-memory store")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		b.redis = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
		if err := b.redis.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, continuing without cache", "error", err)
		}
		cancel()
	}

	return b, nil
}

// Close releases the connections.
func (b *backends) Close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}

// app is the assembled engine: handler chain plus background jobs.
type app struct {
	handler     http.Handler
	coordinator *retrain.Coordinator
	service     *discovery.Service
	limitStore  *middleware.InMemoryRateLimitStore
	logger      *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	cleanWG sync.WaitGroup
}

// newApp wires every component. Metrics are registered on registry and
// served from it at /metrics.
func newApp(cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry, b *backends) (*app, error) {
	httpMetrics := middleware.NewMetrics()
	refMetrics := refdata.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	retrainMetrics := retrain.NewMetrics()
	for _, register := range []func(prometheus.Registerer) error{
		httpMetrics.Register,
		refMetrics.Register,
		jobMetrics.Register,
		retrainMetrics.Register,
	} {
		if err := register(registry); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	client := refdata.NewClient(refdata.ClientConfig{
		BaseURL: cfg.RefDataURL,
		Timeout: cfg.RefDataTimeout,
		Logger:  logger,
		Metrics: refMetrics,
	})
	resolver := refdata.NewCachedResolver(client, refdata.CacheConfig{
		Redis:   b.redis,
		Logger:  logger,
		Metrics: refMetrics,
	})

	filter := eligibility.NewFilter(eligibility.Config{
		Inventory:        b.store,
		Accounts:         b.store,
		Cities:           resolver,
		DefaultRadiusKm:  cfg.DefaultRadiusKm,
		DefaultAgeRadius: cfg.DefaultAgeRadius,
		Logger:           logger,
	})

	coordinator := retrain.NewCoordinator(retrain.Config{
		Interval:           cfg.RetrainInterval,
		Timeout:            cfg.RetrainTimeout,
		ActiveWindow:       cfg.ActiveAccountWindow,
		IndexOptions:       similarity.Options{MinScore: cfg.MinSimilarityScore},
		DisableAutoRetrain: !cfg.AutoRetrainEnabled,
		Settings:           b.store,
		Describer:          resolver,
		Logger:             logger,
		Metrics:            retrainMetrics,
		JobMetrics:         jobMetrics,
	}, filter, b.store)

	ranker := recommend.NewRanker(recommend.Config{
		Pool:         filter,
		Preferences:  b.store,
		Model:        func() recommend.Neighborhood { return coordinator.Active() },
		MaxNeighbors: cfg.MaxNeighbors,
		Logger:       logger,
	})

	service := discovery.NewService(discovery.Config{
		Filter:      filter,
		Ranker:      ranker,
		Retrainer:   coordinator,
		CallTimeout: cfg.CallTimeout,
		Logger:      logger,
	})

	healthCfg := api.HealthHandlersConfig{
		RefDataChecker:     health.NewBreakerChecker("refdata", client),
		SimilarityDegraded: coordinator.Degraded,
		Logger:             logger,
	}
	if b.db != nil {
		healthCfg.DBChecker = health.NewDBChecker(b.db, true)
	}
	if b.redis != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(b.redis)
	}

	router := api.NewRouter(api.Routes{
		Dishes:  api.NewDishHandlers(service, logger),
		Retrain: api.NewRetrainHandlers(service, logger),
		Health:  api.NewHealthHandlers(healthCfg),
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	})

	a := &app{
		coordinator: coordinator,
		service:     service,
		logger:      logger,
	}

	limits := middleware.Limits{
		Global:    middleware.PerMinute(middleware.ScopeGlobal, cfg.RateLimitGlobal),
		Recommend: middleware.PerMinute(middleware.ScopeRecommend, cfg.RateLimitRecommend),
		Admin:     middleware.PerMinute(middleware.ScopeAdmin, cfg.RateLimitAdmin),
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	var limitStore middleware.RateLimitStore
	if b.redis != nil {
		limitStore = middleware.NewRedisRateLimitStore(b.redis, logger, httpMetrics)
	} else {
		a.limitStore = middleware.NewInMemoryRateLimitStore()
		limitStore = a.limitStore
	}
	limit := func(c middleware.RateLimitConfig) func(http.Handler) http.Handler {
		return middleware.RateLimiter(limitStore, c, middleware.RequesterKeyFunc(), httpMetrics)
	}

	limited := http.NewServeMux()
	limited.Handle("/dishes/recommended", limit(limits.Recommend)(router))
	limited.Handle("/admin/", limit(limits.Admin)(router))
	limited.Handle("/", router)

	var handler http.Handler = limited
	handler = limit(limits.Global)(handler)
	handler = middleware.CORS(middleware.CORSConfig{AllowedOrigins: middleware.ParseOrigins(cfg.CORSAllowedOrigins)})(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	handler = middleware.Requester(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	a.handler = handler

	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *app) Handler() http.Handler {
	return a.handler
}

// Start launches the retrain coordinator and, for the in-memory limiter,
// the bucket cleanup loop.
func (a *app) Start(ctx context.Context) error {
	if err := a.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retrain coordinator: %w", err)
	}

	if a.limitStore != nil {
		a.mu.Lock()
		a.stopCh = make(chan struct{})
		stopCh := a.stopCh
		a.mu.Unlock()

		a.cleanWG.Add(1)
		go func() {
			defer a.cleanWG.Done()
			ticker := time.NewTicker(rateLimitCleanupTick)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					a.limitStore.Cleanup()
				case <-stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	a.logger.Info("background jobs started")
	return nil
}

// Stop halts background jobs and waits for them to exit.
func (a *app) Stop() {
	a.coordinator.Stop()

	a.mu.Lock()
	if a.stopCh != nil {
		close(a.stopCh)
		a.stopCh = nil
	}
	a.mu.Unlock()
	a.cleanWG.Wait()
}
