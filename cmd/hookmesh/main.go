// Command hookmesh runs the webhook delivery service with its cache
// engine and HTTP management API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"

	apiwebhooks "github.com/smartramana/hookmesh/pkg/api/webhooks"
	"github.com/smartramana/hookmesh/pkg/cache"
	"github.com/smartramana/hookmesh/pkg/config"
	"github.com/smartramana/hookmesh/pkg/events"
	"github.com/smartramana/hookmesh/pkg/middleware"
	"github.com/smartramana/hookmesh/pkg/observability"
	"github.com/smartramana/hookmesh/pkg/security/allowlist"
	"github.com/smartramana/hookmesh/pkg/security/ratelimit"
	"github.com/smartramana/hookmesh/pkg/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hookmesh: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger("hookmesh")
	metrics := observability.NewMetricsClient()
	defer func() { _ = metrics.Close() }()

	cacheService, err := cache.NewService(cfg.Cache, logger.WithPrefix("cache"), metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer func() { _ = cacheService.Close() }()

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}
	repo, err := webhook.NewRepository(filepath.Join(cfg.StorageRoot, "webhooks"), logger.WithPrefix("webhook.repository"))
	if err != nil {
		return fmt.Errorf("failed to open webhook repository: %w", err)
	}

	engineCfg := cfg.Engine
	if engineCfg.PersistQueue && engineCfg.QueueFile == "" {
		engineCfg.QueueFile = filepath.Join(cfg.StorageRoot, "queue.journal")
	}
	engine, err := webhook.NewEngine(engineCfg, repo, logger.WithPrefix("webhook.engine"), metrics)
	if err != nil {
		return fmt.Errorf("failed to build delivery engine: %w", err)
	}
	if err := engine.Start(); err != nil {
		return fmt.Errorf("failed to start delivery engine: %w", err)
	}
	defer engine.Stop()

	emitter := events.NewEmitter(engine, logger.WithPrefix("events"))

	ipAllowlist, err := allowlist.NewFromEntries(cfg.Security.IPAllowlist)
	if err != nil {
		return fmt.Errorf("invalid ip allowlist: %w", err)
	}
	var limiter *ratelimit.Limiter
	if cfg.Security.RateLimit > 0 {
		limiter = ratelimit.New(cfg.Security.RateLimit, cfg.Security.RateLimitWindow, logger.WithPrefix("ratelimit"))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Security(middleware.SecurityConfig{
		PathPrefix: cfg.Security.PathPrefix,
		Allowlist:  ipAllowlist,
		Limiter:    limiter,
	}, logger.WithPrefix("middleware")))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"engine": engine.Stats(),
		})
	})

	api := apiwebhooks.NewAPI(repo, emitter, logger.WithPrefix("api"))
	api.RegisterRoutes(router.Group(cfg.Security.PathPrefix))

	server := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", map[string]interface{}{
			"address": cfg.Server.ListenAddress,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown did not finish cleanly", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}
