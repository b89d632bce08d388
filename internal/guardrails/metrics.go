package guardrails

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	guardrailExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilr_guard_guardrail_executions_total",
			Help: "Total number of guardrail executions",
		},
		[]string{"guardrail", "mode", "outcome"}, // outcome: passed, blocked, modified, error
	)

	guardrailDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quilr_guard_guardrail_duration_seconds",
			Help:    "Guardrail evaluation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"guardrail", "mode"},
	)

	guardrailBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilr_guard_guardrail_blocks_total",
			Help: "Total number of calls blocked by a guardrail",
		},
		[]string{"guardrail"},
	)

	verdictCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilr_guard_verdict_cache_hits_total",
			Help: "Total number of verdicts served from the cache",
		},
		[]string{"guardrail"},
	)
)

func recordExecution(rail Guardrail, result *GuardrailResult, err error, duration time.Duration) {
	name := rail.GetName()
	mode := rail.GetMode().String()

	outcome := "passed"
	switch {
	case err != nil:
		outcome = "error"
	case result != nil && result.Blocked:
		outcome = "blocked"
	case result != nil && result.Modified:
		outcome = "modified"
	}

	guardrailExecutions.WithLabelValues(name, mode, outcome).Inc()
	guardrailDuration.WithLabelValues(name, mode).Observe(duration.Seconds())

	if result != nil {
		if result.Blocked {
			guardrailBlocks.WithLabelValues(name).Inc()
		}
		if result.CacheHit {
			verdictCacheHits.WithLabelValues(name).Inc()
		}
	}
}
