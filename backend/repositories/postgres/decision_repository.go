package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/primoscope/echotune-router/backend/models"
	"github.com/primoscope/echotune-router/backend/repositories"
	"go.uber.org/zap"
)

// DecisionLogRepository implements repositories.DecisionLogRepository on
// PostgreSQL
type DecisionLogRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDecisionLogRepository creates a new decision log repository
func NewDecisionLogRepository(db *DB, logger *zap.Logger) repositories.DecisionLogRepository {
	return &DecisionLogRepository{
		db:     db,
		logger: logger,
	}
}

const decisionColumns = `id, trace_id, task_type, provider, model, outcome,
       error_kind, latency_ms, cost_usd, user_hash, created_at`

// Create appends one decision record
func (r *DecisionLogRepository) Create(ctx context.Context, decision *models.RoutingDecision) error {
	query := `
		INSERT INTO routing_decisions (
			id, trace_id, task_type, provider, model, outcome,
			error_kind, latency_ms, cost_usd, user_hash, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		decision.ID,
		decision.TraceID,
		decision.TaskType,
		decision.Provider,
		decision.Model,
		decision.Outcome,
		decision.ErrorKind,
		decision.LatencyMs,
		decision.CostUSD,
		nullableString(decision.UserHash),
		decision.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create routing decision: %w", err)
	}

	r.logger.Debug("routing decision recorded",
		zap.String("id", decision.ID.String()),
		zap.String("trace_id", decision.TraceID),
		zap.String("provider", decision.Provider))
	return nil
}

// GetByTraceID returns all decisions for one trace in call order
func (r *DecisionLogRepository) GetByTraceID(ctx context.Context, traceID string) ([]*models.RoutingDecision, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM routing_decisions
		WHERE trace_id = $1
		ORDER BY created_at ASC
	`, decisionColumns)

	return r.queryDecisions(ctx, query, traceID)
}

// GetRecent returns the latest decisions, newest first
func (r *DecisionLogRepository) GetRecent(ctx context.Context, limit, offset int) ([]*models.RoutingDecision, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM routing_decisions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, decisionColumns)

	return r.queryDecisions(ctx, query, limit, offset)
}

// GetByProvider returns the latest decisions for one provider, newest first
func (r *DecisionLogRepository) GetByProvider(ctx context.Context, provider string, limit, offset int) ([]*models.RoutingDecision, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM routing_decisions
		WHERE provider = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, decisionColumns)

	return r.queryDecisions(ctx, query, provider, limit, offset)
}

// GetMetrics aggregates decisions in a time window
func (r *DecisionLogRepository) GetMetrics(ctx context.Context, start, end time.Time) (*repositories.DecisionMetrics, error) {
	query := `
		SELECT
			COUNT(*) as total_decisions,
			COUNT(CASE WHEN outcome = 'success' THEN 1 END) as successes,
			COUNT(CASE WHEN outcome = 'failure' THEN 1 END) as failures,
			COALESCE(SUM(cost_usd), 0) as total_cost_usd,
			COALESCE(AVG(latency_ms), 0) as avg_latency_ms,
			COUNT(DISTINCT trace_id) as distinct_traces
		FROM routing_decisions
		WHERE created_at >= $1 AND created_at <= $2
	`

	metrics := &repositories.DecisionMetrics{}
	err := r.db.QueryRowContext(ctx, query, start, end).Scan(
		&metrics.TotalDecisions,
		&metrics.Successes,
		&metrics.Failures,
		&metrics.TotalCostUSD,
		&metrics.AvgLatencyMs,
		&metrics.DistinctTraces,
	)

	if err != nil {
		return nil, fmt.Errorf("failed to get decision metrics: %w", err)
	}

	return metrics, nil
}

// queryDecisions is a helper method to query multiple decisions
func (r *DecisionLogRepository) queryDecisions(ctx context.Context, query string, args ...interface{}) ([]*models.RoutingDecision, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*models.RoutingDecision
	for rows.Next() {
		d := &models.RoutingDecision{}
		var userHash sql.NullString
		err := rows.Scan(
			&d.ID,
			&d.TraceID,
			&d.TaskType,
			&d.Provider,
			&d.Model,
			&d.Outcome,
			&d.ErrorKind,
			&d.LatencyMs,
			&d.CostUSD,
			&userHash,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan routing decision: %w", err)
		}
		d.UserHash = userHash.String
		decisions = append(decisions, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routing decision rows: %w", err)
	}

	return decisions, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
