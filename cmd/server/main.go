package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quilrbusiness/quilr-guard/internal/cache"
	"github.com/quilrbusiness/quilr-guard/internal/config"
	"github.com/quilrbusiness/quilr-guard/internal/guardrails"
	"github.com/quilrbusiness/quilr-guard/internal/guardrails/providers"
	"github.com/quilrbusiness/quilr-guard/internal/logger"
	"github.com/quilrbusiness/quilr-guard/internal/proxy"
	"github.com/quilrbusiness/quilr-guard/internal/router"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration; malformed config (missing credential, bad mode)
	// is fatal here, before any traffic is accepted
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Verdict cache is optional; the gateway runs without Redis
	var verdictCache *cache.VerdictCache
	if cfg.Cache.Enabled {
		verdictCache, err = cache.New(&cache.Config{
			RedisURL: cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Cache.TTL,
		})
		if err != nil {
			log.Warn("Failed to initialize verdict cache, continuing without caching", zap.Error(err))
			verdictCache = nil
		} else {
			defer verdictCache.Close()
		}
	}

	// Build the guardrail executor from the registry
	registry := guardrails.NewRegistry(log)
	if err := providers.Register(registry); err != nil {
		log.Fatal("Failed to register guardrail providers", zap.Error(err))
	}

	filter := guardrails.NewRequestFilter(
		cfg.Guardrails.ApplyForModels,
		cfg.Guardrails.ApplyForKeyNames,
	)

	executor, err := registry.BuildExecutor(&cfg.Guardrails, filter, guardrails.Deps{
		Logger: log,
		Cache:  verdictCache,
	})
	if err != nil {
		log.Fatal("Failed to build guardrail executor", zap.Error(err))
	}

	upstream, err := proxy.NewUpstream(cfg.Upstream, log)
	if err != nil {
		log.Fatal("Failed to configure upstream", zap.Error(err))
	}

	mainRouter := router.NewRouter(cfg, log, executor, upstream)

	servers := []*http.Server{
		{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      mainRouter,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}

	if cfg.Monitoring.EnableMetrics {
		servers = append(servers, &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:      router.NewMetricsRouter(cfg, log),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		})
	}

	for i, srv := range servers {
		go func(s *http.Server, idx int) {
			serverType := "Gateway"
			if idx == 1 {
				serverType = "Metrics"
			}
			log.Info(fmt.Sprintf("%s server starting", serverType),
				zap.String("address", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal(fmt.Sprintf("%s server failed to start", serverType),
					zap.Error(err))
			}
		}(srv, i)
	}

	log.Info("quilr-guard started",
		zap.Int("port", cfg.Server.Port),
		zap.String("upstream", upstream.Target()),
		zap.Bool("verdict_cache", verdictCache != nil))

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down servers...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
	}

	log.Info("Servers shutdown complete")
}
