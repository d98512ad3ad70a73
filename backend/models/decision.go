package models

import (
	"time"

	"github.com/google/uuid"
)

// DecisionOutcome represents the outcome of one routing decision
type DecisionOutcome string

const (
	DecisionOutcomeSuccess DecisionOutcome = "success"
	DecisionOutcomeFailure DecisionOutcome = "failure"
)

// RoutingDecision is the persisted record of one provider call the router
// made: which provider and model served (or failed) a request, at what cost
// and latency. Rows are append-only.
type RoutingDecision struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	TraceID   string          `json:"trace_id" db:"trace_id"`
	TaskType  string          `json:"task_type" db:"task_type"`
	Provider  string          `json:"provider" db:"provider"`
	Model     string          `json:"model" db:"model"`
	Outcome   DecisionOutcome `json:"outcome" db:"outcome"`
	ErrorKind *string         `json:"error_kind,omitempty" db:"error_kind"`
	LatencyMs int64           `json:"latency_ms" db:"latency_ms"`
	CostUSD   float64         `json:"cost_usd" db:"cost_usd"`
	UserHash  string          `json:"user_hash,omitempty" db:"user_hash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the RoutingDecision model
func (RoutingDecision) TableName() string {
	return "routing_decisions"
}

// NewRoutingDecision creates a successful decision record
func NewRoutingDecision(traceID, taskType, provider, model string, latencyMs int64, costUSD float64) *RoutingDecision {
	return &RoutingDecision{
		ID:        uuid.New(),
		TraceID:   traceID,
		TaskType:  taskType,
		Provider:  provider,
		Model:     model,
		Outcome:   DecisionOutcomeSuccess,
		LatencyMs: latencyMs,
		CostUSD:   costUSD,
		CreatedAt: time.Now(),
	}
}

// NewFailedRoutingDecision creates a failure decision record with the
// classified error kind
func NewFailedRoutingDecision(traceID, taskType, provider, model, errorKind string, latencyMs int64) *RoutingDecision {
	d := &RoutingDecision{
		ID:        uuid.New(),
		TraceID:   traceID,
		TaskType:  taskType,
		Provider:  provider,
		Model:     model,
		Outcome:   DecisionOutcomeFailure,
		LatencyMs: latencyMs,
		CreatedAt: time.Now(),
	}
	if errorKind != "" {
		d.ErrorKind = &errorKind
	}
	return d
}

// SetUserHash attaches the hashed caller identity
func (d *RoutingDecision) SetUserHash(userHash string) {
	d.UserHash = userHash
}
