package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/reliefmap/locus/internal/cache"
	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/database"
	"github.com/reliefmap/locus/internal/feeds"
	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/handlers"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/metrics"
	"github.com/reliefmap/locus/internal/middleware"
	"github.com/reliefmap/locus/internal/repository"
	"github.com/reliefmap/locus/internal/services"
)

const (
	shutdownTimeout = 30 * time.Second
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	log := logger.New(cfg.Server.Env)
	log.Info("Starting Locus API", map[string]interface{}{
		"version":     handlers.APIVersion,
		"environment": cfg.Server.Env,
		"port":        cfg.Server.Port,
	})

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(cfg.Database, log); err != nil {
			log.Fatal("Failed to run migrations", err, nil)
		}
	}

	// Create database connection pool
	ctx := context.Background()
	db, err := database.NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", err, map[string]interface{}{
			"host": cfg.Database.Host,
			"port": cfg.Database.Port,
			"name": cfg.Database.Name,
		})
	}
	defer db.Close()

	log.Info("Database connection established", map[string]interface{}{
		"host":     cfg.Database.Host,
		"port":     cfg.Database.Port,
		"database": cfg.Database.Name,
		"pool_min": cfg.Database.PoolMin,
		"pool_max": cfg.Database.PoolMax,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engine := geometry.NewOrbEngine()

	// Repository and service layers
	locationRepo := repository.NewLocationRepository(db.Pool)
	locationService := services.NewLocationService(locationRepo, engine, cfg.GIS, log)
	hierarchyService := services.NewHierarchyService(locationRepo, cfg.GIS, log)
	spatialService := services.NewSpatialService(locationRepo, engine, cfg.GIS, m, log)

	// Feed ingestion
	feedCache, closeCache, err := newFeedCache(ctx, cfg, db, log)
	if err != nil {
		log.Fatal("Failed to initialize feed cache", err, map[string]interface{}{
			"backend": cfg.Feeds.CacheBackend,
		})
	}
	defer closeCache()

	transport := feeds.NewHTTPTransport(cfg.Feeds.FetchTimeout)
	fetcher := feeds.NewFetcher(transport, feeds.FetcherConfig{
		PublicURL:         cfg.Feeds.PublicURL,
		SessionCookieName: cfg.Feeds.SessionCookieName,
		MaxLinkHops:       cfg.Feeds.MaxLinkHops,
	}, log)
	pipeline := feeds.NewPipeline(fetcher, feedCache, cfg.Feeds, engine, m, log)
	layers := feeds.LayersFromConfig(cfg.Feeds.Layers)

	registry := services.NewRegistry(cfg.GIS, log)
	registry.Register(services.ResourceLocation, services.NewLocationSource(locationRepo, hierarchyService, log))
	for _, layer := range layers {
		registry.Register(services.FeedResource(layer.Name), services.NewFeedSource(pipeline, layer))
	}

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware in order: RequestID -> Logger -> Recovery -> CORS -> Metrics
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log, cfg.Feeds.SessionCookieName))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(cfg.CORS.Origins, cfg.Feeds.SessionCookieName))
	router.Use(middleware.Metrics(m))

	// Register health check routes
	healthHandler := handlers.NewHealthHandler(db, engine, cfg.Server.Env)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/ready", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(metrics.Handler(reg)))

	// Register API v1 routes
	v1 := router.Group("/api/v1")
	v1.GET("/info", healthHandler.Info)
	handlers.NewLocationHandler(locationService, hierarchyService, spatialService, engine).Register(v1)
	handlers.NewFeedHandler(pipeline, layers, cfg.Feeds.SessionCookieName).Register(v1)
	handlers.NewLayerHandler(registry, cfg.Feeds.SessionCookieName).Register(v1)

	// Create HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server listening", map[string]interface{}{
			"port":        cfg.Server.Port,
			"addr":        srv.Addr,
			"feed_layers": len(layers),
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", err, nil)
		}
	}()

	// Wait for interrupt signal (SIGINT or SIGTERM)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	log.Info("Shutting down server...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", err, map[string]interface{}{
			"timeout": shutdownTimeout.String(),
		})
	}

	log.Info("Server exited", nil)
}

// newFeedCache builds the configured feed cache backend. The returned func
// releases whatever the backend holds open.
func newFeedCache(ctx context.Context, cfg *config.Config, db *database.Database, log *logger.Logger) (feeds.CacheStore, func(), error) {
	switch cfg.Feeds.CacheBackend {
	case config.CacheBackendRedis:
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Feed cache backed by redis", map[string]interface{}{"addr": cfg.Redis.Addr})
		return cache.NewRedisFeedCache(client, cfg.Feeds.CacheTTL, log), func() { _ = client.Close() }, nil
	case config.CacheBackendPostgres:
		log.Info("Feed cache backed by postgres", nil)
		return repository.NewFeedCacheRepository(db.Pool), func() {}, nil
	default:
		log.Info("Feed cache held in memory", nil)
		return cache.NewMemoryFeedCache(cfg.Feeds.CacheTTL), func() {}, nil
	}
}
