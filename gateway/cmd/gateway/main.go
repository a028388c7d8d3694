// Package main is the entry point for the LedgrAPI gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/account"
	"github.com/pgwilde8/ledgrapi/gateway/internal/analytics"
	"github.com/pgwilde8/ledgrapi/gateway/internal/api"
	"github.com/pgwilde8/ledgrapi/gateway/internal/auth"
	"github.com/pgwilde8/ledgrapi/gateway/internal/cache"
	"github.com/pgwilde8/ledgrapi/gateway/internal/catalog"
	"github.com/pgwilde8/ledgrapi/gateway/internal/chain"
	"github.com/pgwilde8/ledgrapi/gateway/internal/config"
	"github.com/pgwilde8/ledgrapi/gateway/internal/fanout"
	"github.com/pgwilde8/ledgrapi/gateway/internal/grpc"
	"github.com/pgwilde8/ledgrapi/gateway/internal/ledger"
	"github.com/pgwilde8/ledgrapi/gateway/internal/logger"
	"github.com/pgwilde8/ledgrapi/gateway/internal/metrics"
	"github.com/pgwilde8/ledgrapi/gateway/internal/proxy"
	"github.com/pgwilde8/ledgrapi/gateway/internal/ratelimit"
	"github.com/pgwilde8/ledgrapi/gateway/internal/store"
	"github.com/pgwilde8/ledgrapi/gateway/internal/upstream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(&logger.Config{
		Level:       cfg.Logger.Level,
		Development: cfg.Logger.Development,
		Encoding:    cfg.Logger.Encoding,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Log
	log.Info("Starting LedgrAPI gateway",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.Int("feed_port", cfg.Server.FeedPort))

	ctx := context.Background()

	// Initialize database connection
	db, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	log.Info("Connected to database", zap.String("driver", store.Dialect(db)))

	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx, db); err != nil {
			log.Fatal("Failed to migrate database", zap.Error(err))
		}
		log.Info("Database schema is up to date")
	}

	// Initialize Redis connection (optional)
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = initRedis(&cfg.Redis)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("Failed to connect to Redis, continuing without shared cache", zap.Error(err))
			redisClient.Close()
			redisClient = nil
		} else {
			log.Info("Connected to Redis")
			defer redisClient.Close()
		}
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Usage ledger
	var usage ledger.Store
	switch cfg.Ledger.Store {
	case "memory":
		log.Warn("Using in-memory ledger; usage is lost on restart")
		usage = ledger.NewMemoryStore()
	default:
		usage = ledger.NewSQLStore(db)
	}
	roller := ledger.NewRoller(usage, cfg.Ledger.RolloverInterval, logger.Named("ledger"))
	roller.Start()
	log.Info("Usage ledger initialized", zap.String("store", cfg.Ledger.Store))

	// Initialize components
	cacheLayer := cache.NewLayer(cfg.Cache.RecentCallsSize)
	feedHub := fanout.NewHub(
		cfg.Feed.SubscriberBufferSize,
		cfg.Feed.SlowConsumerThreshold,
		cfg.Feed.ZombieTimeout,
	)
	log.Info("Cache layer and feed hub initialized")

	var limiter ratelimit.Limiter
	rateCfg := &ratelimit.Config{
		Window:          cfg.Rate.Window,
		BurstMultiplier: cfg.Rate.BurstMultiplier,
		CleanupInterval: cfg.Cache.CleanupInterval,
	}
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, rateCfg)
	} else {
		local := ratelimit.NewLocalLimiter(rateCfg)
		defer local.Close()
		limiter = local
	}
	log.Info("Rate limiter initialized", zap.Bool("shared", redisClient != nil))

	authService := auth.NewService(db, redisClient, &auth.Config{
		CacheTTL:        cfg.Cache.AuthTTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
	})
	defer authService.Close()

	catalogService := catalog.NewService(db, redisClient, &catalog.Config{CacheTTL: cfg.Cache.CatalogTTL})
	accountService := account.NewService(db)

	collector := analytics.NewCollector(db, &analytics.Config{FlushInterval: cfg.Ledger.AnalyticsFlush}, logger.Named("analytics"))
	events := feedHub.On(fanout.TopicPrefix + "*")
	collector.Consume(events)

	messenger, err := chain.New(&cfg.Chain, logger.Named("chain"))
	if err != nil {
		log.Fatal("Failed to create chain messenger", zap.Error(err))
	}
	log.Info("Chain messenger initialized", zap.String("mode", cfg.Chain.Mode))

	forwarder, err := upstream.NewForwarder(&cfg.Upstream, logger.Named("upstream"))
	if err != nil {
		log.Fatal("Failed to create upstream forwarder", zap.Error(err))
	}

	callProxy, err := proxy.New(&proxy.Config{
		PoolSize:        cfg.Upstream.PoolSize,
		BodyCaptureSize: cfg.Upstream.BodyCaptureSize,
	}, proxy.Deps{
		Catalog:   catalogService,
		Ledger:    usage,
		Forwarder: forwarder,
		Feed:      feedHub,
		Recent:    cacheLayer,
		Metrics:   m,
		Logger:    logger.Named("proxy"),
	})
	if err != nil {
		log.Fatal("Failed to create call proxy", zap.Error(err))
	}
	log.Info("Call proxy initialized", zap.Int("pool_size", cfg.Upstream.PoolSize))

	// Initialize servers
	deps := api.Deps{
		Auth:      authService,
		Proxy:     callProxy,
		Catalog:   catalogService,
		Accounts:  accountService,
		Ledger:    usage,
		Analytics: collector,
		Chain:     messenger,
		Cache:     cacheLayer,
		Feed:      feedHub,
		Limiter:   limiter,
		Metrics:   m,
		Logger:    logger.Named("api"),
	}
	server := api.NewServer(&cfg.Server, deps)
	feedServer := api.NewFeedServer(&cfg.Server, deps)
	grpcServer := grpc.NewServer(&grpc.Config{Host: cfg.Server.Host, Port: cfg.Server.GRPCPort}, grpc.Deps{
		Auth:    authService,
		Proxy:   callProxy,
		Catalog: catalogService,
		Cache:   cacheLayer,
		Feed:    feedHub,
		Limiter: limiter,
		Metrics: m,
		Logger:  logger.Named("grpc"),
	})

	// Start servers in goroutines
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
	go func() {
		if err := feedServer.Start(); err != nil {
			log.Fatal("Feed server failed", zap.Error(err))
		}
	}()
	go func() {
		if err := grpcServer.Start(); err != nil {
			log.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	stopMaintenance := make(chan struct{})
	go maintain(cfg, cacheLayer, feedHub, stopMaintenance)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	// Graceful shutdown
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	close(stopMaintenance)
	if err := server.Shutdown(timeout); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := feedServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Feed server shutdown error", zap.Error(err))
	}
	grpcServer.Stop()

	// In-flight calls settle before the ledger goes away.
	if err := callProxy.Close(timeout); err != nil {
		log.Warn("Calls still running at shutdown", zap.Error(err))
	}
	feedHub.Off(fanout.TopicPrefix+"*", events)
	collector.Stop()
	roller.Stop()

	select {
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timed out")
	default:
		log.Info("Shutdown complete")
	}
}

// maintain evicts idle cache entries and zombie feed subscribers.
func maintain(cfg *config.Config, cacheLayer *cache.Layer, hub *fanout.Hub, stop <-chan struct{}) {
	interval := cfg.Cache.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cacheLayer.Cleanup(24 * time.Hour)
			if n := hub.CleanupZombies(); n > 0 {
				logger.Info("Disconnected zombie feed subscribers", zap.Int("count", n))
			}
		}
	}
}

// initRedis initializes Redis connection.
func initRedis(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}
