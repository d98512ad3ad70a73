package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Router metrics
var (
	// AttemptsTotal counts every provider attempt, not just final outcomes
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "echotune",
			Subsystem: "router",
			Name:      "attempts_total",
			Help:      "Total provider call attempts",
		},
		[]string{"provider", "model", "outcome"},
	)

	// AttemptDuration tracks per-attempt latency
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "echotune",
			Subsystem: "router",
			Name:      "attempt_duration_seconds",
			Help:      "Provider call latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	// CostTotal accumulates estimated spend
	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "echotune",
			Subsystem: "router",
			Name:      "cost_usd_total",
			Help:      "Total estimated cost in USD",
		},
		[]string{"provider", "model"},
	)

	// ProviderErrorsTotal counts classified provider failures
	ProviderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "echotune",
			Subsystem: "router",
			Name:      "provider_errors_total",
			Help:      "Total classified provider failures",
		},
		[]string{"provider", "error_kind"},
	)

	// FallbacksTotal counts candidate advances within one request
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "echotune",
			Subsystem: "router",
			Name:      "fallbacks_total",
			Help:      "Total fallbacks to a lower policy tier",
		},
		[]string{"from_provider", "to_provider"},
	)
)
