package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/primoscope/echotune-router/backend/models"
)

func setupMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return &DB{DB: mockDB, logger: zaptest.NewLogger(t)}, mock
}

var decisionRows = []string{
	"id", "trace_id", "task_type", "provider", "model", "outcome",
	"error_kind", "latency_ms", "cost_usd", "user_hash", "created_at",
}

func TestCreateDecision(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewDecisionLogRepository(db, zaptest.NewLogger(t))

	decision := models.NewRoutingDecision("trace-1", "text-generation", "openai", "gpt-4o-mini", 120, 0.002)
	decision.SetUserHash("u-abc")

	mock.ExpectExec(`INSERT INTO routing_decisions`).
		WithArgs(
			decision.ID,
			"trace-1",
			"text-generation",
			"openai",
			"gpt-4o-mini",
			models.DecisionOutcomeSuccess,
			nil,
			int64(120),
			0.002,
			sqlmock.AnyArg(),
			decision.CreatedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), decision))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDecisionError(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewDecisionLogRepository(db, zaptest.NewLogger(t))

	mock.ExpectExec(`INSERT INTO routing_decisions`).
		WillReturnError(errors.New("connection lost"))

	err := repo.Create(context.Background(),
		models.NewRoutingDecision("trace-1", "text-generation", "openai", "gpt-4o-mini", 120, 0.002))
	assert.ErrorContains(t, err, "failed to create routing decision")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByTraceID(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewDecisionLogRepository(db, zaptest.NewLogger(t))

	now := time.Now()
	rows := sqlmock.NewRows(decisionRows).
		AddRow(uuid.New(), "trace-1", "text-generation", "openai", "gpt-4o-mini",
			"failure", "rate_limit", int64(45), 0.0, nil, now.Add(-time.Second)).
		AddRow(uuid.New(), "trace-1", "text-generation", "gemini", "gemini-1.5-flash",
			"success", nil, int64(120), 0.001, "u-abc", now)

	mock.ExpectQuery(`(?s)SELECT .+ FROM routing_decisions\s+WHERE trace_id = \$1\s+ORDER BY created_at ASC`).
		WithArgs("trace-1").
		WillReturnRows(rows)

	decisions, err := repo.GetByTraceID(context.Background(), "trace-1")
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	assert.Equal(t, "openai", decisions[0].Provider)
	assert.Equal(t, models.DecisionOutcomeFailure, decisions[0].Outcome)
	require.NotNil(t, decisions[0].ErrorKind)
	assert.Equal(t, "rate_limit", *decisions[0].ErrorKind)
	assert.Empty(t, decisions[0].UserHash)

	assert.Equal(t, "gemini", decisions[1].Provider)
	assert.Nil(t, decisions[1].ErrorKind)
	assert.Equal(t, "u-abc", decisions[1].UserHash)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecent(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewDecisionLogRepository(db, zaptest.NewLogger(t))

	rows := sqlmock.NewRows(decisionRows).
		AddRow(uuid.New(), "trace-2", "embeddings", "openai", "text-embedding-3-small",
			"success", nil, int64(30), 0.0001, nil, time.Now())

	mock.ExpectQuery(`(?s)SELECT .+ FROM routing_decisions\s+ORDER BY created_at DESC\s+LIMIT \$1 OFFSET \$2`).
		WithArgs(10, 0).
		WillReturnRows(rows)

	decisions, err := repo.GetRecent(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "embeddings", decisions[0].TaskType)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByProvider(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewDecisionLogRepository(db, zaptest.NewLogger(t))

	rows := sqlmock.NewRows(decisionRows).
		AddRow(uuid.New(), "trace-3", "rerank", "gemini", "gemini-1.5-flash",
			"success", nil, int64(80), 0.0005, nil, time.Now())

	mock.ExpectQuery(`(?s)SELECT .+ FROM routing_decisions\s+WHERE provider = \$1`).
		WithArgs("gemini", 20, 0).
		WillReturnRows(rows)

	decisions, err := repo.GetByProvider(context.Background(), "gemini", 20, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "gemini", decisions[0].Provider)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMetrics(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewDecisionLogRepository(db, zaptest.NewLogger(t))

	start := time.Now().Add(-time.Hour)
	end := time.Now()

	rows := sqlmock.NewRows([]string{
		"total_decisions", "successes", "failures",
		"total_cost_usd", "avg_latency_ms", "distinct_traces",
	}).AddRow(int64(100), int64(92), int64(8), 1.25, 140.5, int64(64))

	mock.ExpectQuery(`(?s)SELECT\s+COUNT\(\*\) as total_decisions`).
		WithArgs(start, end).
		WillReturnRows(rows)

	metrics, err := repo.GetMetrics(context.Background(), start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(100), metrics.TotalDecisions)
	assert.Equal(t, int64(92), metrics.Successes)
	assert.Equal(t, int64(8), metrics.Failures)
	assert.InDelta(t, 1.25, metrics.TotalCostUSD, 1e-9)
	assert.InDelta(t, 140.5, metrics.AvgLatencyMs, 1e-9)
	assert.Equal(t, int64(64), metrics.DistinctTraces)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryError(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewDecisionLogRepository(db, zaptest.NewLogger(t))

	mock.ExpectQuery(`(?s)SELECT .+ FROM routing_decisions`).
		WillReturnError(errors.New("relation does not exist"))

	_, err := repo.GetRecent(context.Background(), 10, 0)
	assert.ErrorContains(t, err, "failed to query routing decisions")
}
