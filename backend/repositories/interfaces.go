package repositories

import (
	"context"
	"time"

	"github.com/primoscope/echotune-router/backend/models"
)

// DecisionMetrics holds aggregate statistics over routing decisions
type DecisionMetrics struct {
	TotalDecisions  int64   `json:"total_decisions"`
	Successes       int64   `json:"successes"`
	Failures        int64   `json:"failures"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	DistinctTraces  int64   `json:"distinct_traces"`
}

// DecisionLogRepository persists and queries routing decisions
type DecisionLogRepository interface {
	// Create appends one decision record
	Create(ctx context.Context, decision *models.RoutingDecision) error

	// GetByTraceID returns all decisions for one trace in call order
	GetByTraceID(ctx context.Context, traceID string) ([]*models.RoutingDecision, error)

	// GetRecent returns the latest decisions, newest first
	GetRecent(ctx context.Context, limit, offset int) ([]*models.RoutingDecision, error)

	// GetByProvider returns the latest decisions for one provider, newest first
	GetByProvider(ctx context.Context, provider string, limit, offset int) ([]*models.RoutingDecision, error)

	// GetMetrics aggregates decisions in a time window
	GetMetrics(ctx context.Context, start, end time.Time) (*DecisionMetrics, error)
}
