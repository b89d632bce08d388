package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/quilrbusiness/quilr-guard/internal/config"
	"github.com/quilrbusiness/quilr-guard/internal/guardrails"
	"github.com/quilrbusiness/quilr-guard/internal/middleware"
	"github.com/quilrbusiness/quilr-guard/internal/proxy"
)

// NewRouter assembles the main gateway router: guardrail middleware wrapped
// around a reverse proxy to the upstream endpoint, plus health probes.
func NewRouter(cfg *config.Config, logger *zap.Logger, executor *guardrails.Executor, upstream *proxy.Upstream) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CallContext)
	r.Use(middleware.Logger(logger))
	if cfg.Monitoring.EnableMetrics {
		r.Use(middleware.MetricsMiddleware(logger))
	}

	if len(cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"quilr-guard"}`))
	})

	// Readiness includes the guardrail backends
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := executor.HealthCheck(ctx)
		healthy := true
		detail := make(map[string]string, len(checks))
		for name, err := range checks {
			if err != nil {
				healthy = false
				detail[name] = err.Error()
			} else {
				detail[name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ready":      healthy,
			"guardrails": detail,
		})
	})

	// Guardrail execution statistics
	r.Get("/v1/guardrails/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(executor.GetStats())
	})

	// All LLM traffic flows through the guardrail middleware to the upstream
	guard := middleware.NewGuardrailsMiddleware(executor, logger)
	r.Group(func(r chi.Router) {
		r.Use(guard.Middleware)
		r.Handle("/v1/*", upstream)
	})

	return r
}
