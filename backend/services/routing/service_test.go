package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/primoscope/echotune-router/backend/config"
	"github.com/primoscope/echotune-router/backend/services"
	"github.com/primoscope/echotune-router/backend/services/breaker"
	"github.com/primoscope/echotune-router/backend/services/providers"
	"github.com/primoscope/echotune-router/backend/services/providers/mock"
	"github.com/primoscope/echotune-router/backend/services/telemetry"
)

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		DefaultTimeout: 5 * time.Second,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
	}
}

// newTestService wires a router over the given entries with an instant sleep.
// The returned slice records every backoff the router would have waited.
func newTestService(t *testing.T, policies map[string]Policy, entries ...*providers.Entry) (*Service, *[]time.Duration) {
	t.Helper()

	registry := providers.NewRegistry(zaptest.NewLogger(t))
	for _, e := range entries {
		require.NoError(t, registry.Register(e))
	}

	svc := NewService(
		testRouterConfig(),
		registry,
		PolicyTable{policies: policies},
		telemetry.NewRecorder(false, nil),
		zaptest.NewLogger(t),
	)

	var sleeps []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return svc, &sleeps
}

func textEntry(adapter *mock.Adapter) *providers.Entry {
	return &providers.Entry{
		Provider:     adapter,
		Breaker:      breaker.New(adapter.Name(), breaker.DefaultConfig(), nil),
		DefaultModel: "mock-small",
	}
}

func openedBreaker(name string) *breaker.Breaker {
	b := breaker.New(name, breaker.Config{
		FailureThreshold:    1,
		HalfOpenMaxRequests: 1,
		BaseBackoff:         time.Hour,
		MaxBackoff:          time.Hour,
	}, nil)
	b.RecordOutcome(false, time.Millisecond)
	return b
}

func textPolicies() map[string]Policy {
	return map[string]Policy{
		string(providers.TaskTextGeneration): {
			Primary:  Candidate{Provider: "alpha", Model: "mock-small"},
			Fallback: Candidate{Provider: "beta", Model: "mock-small"},
		},
	}
}

func textRequest() *providers.AIRequest {
	return &providers.AIRequest{
		Type:    providers.TaskTextGeneration,
		Payload: "hello world",
		TraceID: "trace-1",
	}
}

func upstreamError(status int) error {
	return providers.NewProviderError("alpha", "api_error", "upstream error", status, false, nil)
}

func TestSendSuccessOnPrimary(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	beta := mock.NewNamed("beta")
	svc, _ := newTestService(t, textPolicies(), textEntry(alpha), textEntry(beta))

	resp, err := svc.Send(context.Background(), textRequest(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "alpha", resp.Provider)
	assert.Equal(t, "mock-small", resp.Model)
	assert.NotEmpty(t, resp.Text)
	assert.Greater(t, resp.CostUSD, 0.0)
	assert.Equal(t, 1, alpha.Calls())
	assert.Equal(t, 0, beta.Calls(), "fallback is never called when the primary succeeds")
}

func TestSendFallsBackSequentially(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	alpha.SetError(errors.New("hard failure"))
	beta := mock.NewNamed("beta")
	svc, _ := newTestService(t, textPolicies(), textEntry(alpha), textEntry(beta))

	resp, err := svc.Send(context.Background(), textRequest(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 1, alpha.Calls(), "fatal errors are not retried")
	assert.Equal(t, 1, beta.Calls())
}

func TestSendRetriesRateLimitThenSucceeds(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	alpha.FailNTimes(1, upstreamError(429))
	beta := mock.NewNamed("beta")
	svc, sleeps := newTestService(t, textPolicies(), textEntry(alpha), textEntry(beta))

	resp, err := svc.Send(context.Background(), textRequest(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "alpha", resp.Provider)
	assert.Equal(t, 2, alpha.Calls())
	assert.Equal(t, 0, beta.Calls())
	require.Len(t, *sleeps, 1)
	assert.Equal(t, time.Millisecond, (*sleeps)[0])
}

func TestSendRetryBudgetBounded(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	alpha.SetError(upstreamError(503))
	beta := mock.NewNamed("beta")
	svc, _ := newTestService(t, textPolicies(), textEntry(alpha), textEntry(beta))

	resp, err := svc.Send(context.Background(), textRequest(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 4, alpha.Calls(), "initial attempt plus three transient retries")
}

func TestSendRetryBackoffGrows(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	alpha.SetError(upstreamError(503))
	svc, sleeps := newTestService(t, map[string]Policy{
		string(providers.TaskTextGeneration): {Primary: Candidate{Provider: "alpha", Model: "mock-small"}},
	}, textEntry(alpha))

	_, err := svc.Send(context.Background(), textRequest(), Options{})
	require.Error(t, err)

	require.Len(t, *sleeps, 3)
	assert.Equal(t, time.Millisecond, (*sleeps)[0])
	assert.Equal(t, 2*time.Millisecond, (*sleeps)[1])
	assert.Equal(t, 4*time.Millisecond, (*sleeps)[2])
}

func TestSendSkipsOpenBreakerWithoutCalling(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	beta := mock.NewNamed("beta")
	alphaEntry := textEntry(alpha)
	alphaEntry.Breaker = openedBreaker("alpha")
	svc, _ := newTestService(t, textPolicies(), alphaEntry, textEntry(beta))

	resp, err := svc.Send(context.Background(), textRequest(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 0, alpha.Calls(), "an open breaker never reaches the provider")
}

func TestSendNoHealthyProviderWhenAllBreakersOpen(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	beta := mock.NewNamed("beta")
	alphaEntry := textEntry(alpha)
	alphaEntry.Breaker = openedBreaker("alpha")
	betaEntry := textEntry(beta)
	betaEntry.Breaker = openedBreaker("beta")
	svc, _ := newTestService(t, textPolicies(), alphaEntry, betaEntry)

	_, err := svc.Send(context.Background(), textRequest(), Options{})

	assert.ErrorIs(t, err, services.ErrNoHealthyProvider)
	assert.Equal(t, 0, alpha.Calls())
	assert.Equal(t, 0, beta.Calls())
}

func TestSendExhaustionKeepsAttemptTrail(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	alpha.SetError(upstreamError(401))
	beta := mock.NewNamed("beta")
	beta.SetError(errors.New("hard failure"))
	svc, _ := newTestService(t, textPolicies(), textEntry(alpha), textEntry(beta))

	_, err := svc.Send(context.Background(), textRequest(), Options{})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "alpha", exhausted.Attempts[0].Provider)
	assert.Equal(t, services.KindAuthentication, exhausted.Attempts[0].Kind)
	assert.Equal(t, "beta", exhausted.Attempts[1].Provider)
	assert.Equal(t, services.KindFatal, exhausted.Attempts[1].Kind)
	assert.Contains(t, err.Error(), "alpha(authentication) -> beta(fatal)")
}

func TestSendValidatesRequest(t *testing.T) {
	svc, _ := newTestService(t, textPolicies(), textEntry(mock.NewNamed("alpha")))

	_, err := svc.Send(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, services.ErrInvalidRequest)

	_, err = svc.Send(context.Background(), &providers.AIRequest{Type: "poetry", Payload: "x"}, Options{})
	assert.ErrorIs(t, err, services.ErrUnknownTaskType)

	_, err = svc.Send(context.Background(), &providers.AIRequest{Type: providers.TaskTextGeneration}, Options{})
	assert.ErrorIs(t, err, services.ErrEmptyPayload)
}

func TestSendUnknownTaskPolicy(t *testing.T) {
	svc, _ := newTestService(t, map[string]Policy{}, textEntry(mock.NewNamed("alpha")))

	_, err := svc.Send(context.Background(), textRequest(), Options{})
	assert.ErrorIs(t, err, services.ErrUnknownTaskType)
}

func TestSendForcedProvider(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	beta := mock.NewNamed("beta")
	svc, _ := newTestService(t, textPolicies(), textEntry(alpha), textEntry(beta))

	resp, err := svc.Send(context.Background(), textRequest(), Options{Provider: "beta"})
	require.NoError(t, err)

	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 0, alpha.Calls(), "a forced provider bypasses the chain")

	_, err = svc.Send(context.Background(), textRequest(), Options{Provider: "missing"})
	assert.ErrorIs(t, err, services.ErrProviderUnavailable)
}

func TestSendModelOverridePinsEveryTier(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	alpha.SetError(errors.New("hard failure"))
	beta := mock.NewNamed("beta")
	svc, _ := newTestService(t, textPolicies(), textEntry(alpha), textEntry(beta))

	resp, err := svc.Send(context.Background(), textRequest(), Options{Model: "mock-large"})
	require.NoError(t, err)
	assert.Equal(t, "mock-large", resp.Model)
}

func TestSendStrategyOverride(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	beta := mock.NewNamed("beta")
	policies := textPolicies()
	policies["quality"] = Policy{Primary: Candidate{Provider: "beta", Model: "mock-large"}}
	svc, _ := newTestService(t, policies, textEntry(alpha), textEntry(beta))

	resp, err := svc.Send(context.Background(), textRequest(), Options{Strategy: "quality"})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 0, alpha.Calls())

	// Unknown strategies fall back to the task default
	resp, err = svc.Send(context.Background(), textRequest(), Options{Strategy: "nonsense"})
	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.Provider)
}

func TestSendLatencyConstraintFiltersSlowCandidate(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	beta := mock.NewNamed("beta")
	svc, _ := newTestService(t, textPolicies(), textEntry(alpha), textEntry(beta))

	// Seed alpha's smoothed latency well above the constraint
	svc.perf.Observe("alpha", "mock-small", 5000, 0, true)

	resp, err := svc.Send(context.Background(), textRequest(), Options{MaxLatencyMs: 100})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 0, alpha.Calls())
}

func TestSendConstraintsRelaxWhenNothingQualifies(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	beta := mock.NewNamed("beta")
	svc, _ := newTestService(t, textPolicies(), textEntry(alpha), textEntry(beta))

	// Impossible cost ceiling eliminates everything; the router relaxes to
	// the unconstrained default rather than failing
	resp, err := svc.Send(context.Background(), textRequest(), Options{MaxCostUSD: 1e-12})
	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.Provider)
}

func TestSendRotatesKeysOnAuthFailure(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	alpha.FailNTimes(1, upstreamError(401))

	pool, err := providers.NewKeyPool([]string{"key-a", "key-b"}, time.Minute, time.Hour)
	require.NoError(t, err)
	entry := textEntry(alpha)
	entry.Keys = pool
	entry.Refreshable = true

	svc, _ := newTestService(t, textPolicies(), entry, textEntry(mock.NewNamed("beta")))

	resp, err := svc.Send(context.Background(), textRequest(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "alpha", resp.Provider, "rotation retries the same provider")
	assert.Equal(t, 2, alpha.Calls())

	current, err := pool.Current()
	require.NoError(t, err)
	assert.Equal(t, "key-b", current, "the failed credential was rotated out")
}

func TestSendAuthFailureWithoutRefreshFallsBack(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	alpha.SetError(upstreamError(401))

	pool, err := providers.NewKeyPool([]string{"key-a"}, time.Minute, time.Hour)
	require.NoError(t, err)
	entry := textEntry(alpha)
	entry.Keys = pool
	entry.Refreshable = false

	beta := mock.NewNamed("beta")
	svc, _ := newTestService(t, textPolicies(), entry, textEntry(beta))

	resp, err := svc.Send(context.Background(), textRequest(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, 1, alpha.Calls(), "authentication failures are never retried in place")
}

func TestSendExhaustedKeysMarkProviderExpired(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	alpha.SetError(upstreamError(401))

	pool, err := providers.NewKeyPool([]string{"key-a"}, time.Hour, time.Hour)
	require.NoError(t, err)
	entry := textEntry(alpha)
	entry.Keys = pool
	entry.Refreshable = true

	beta := mock.NewNamed("beta")
	svc, _ := newTestService(t, textPolicies(), entry, textEntry(beta))

	resp, err := svc.Send(context.Background(), textRequest(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)

	got, err := svc.registry.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, providers.StatusKeyExpired, got.Status)
}

func TestSendDeadlineAbortsChain(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	alpha.SetLatency(time.Minute)
	beta := mock.NewNamed("beta")
	svc, _ := newTestService(t, textPolicies(), textEntry(alpha), textEntry(beta))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.Send(ctx, textRequest(), Options{})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, beta.Calls(), "a spent budget never reaches later candidates")
}

func TestSendRecordsTelemetry(t *testing.T) {
	alpha := mock.NewNamed("alpha")
	svc, _ := newTestService(t, textPolicies(), textEntry(alpha), textEntry(mock.NewNamed("beta")))

	_, err := svc.Send(context.Background(), textRequest(), Options{})
	require.NoError(t, err)

	stats, ok := svc.telemetry.StatsFor("alpha", "mock-small")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(1), stats.Successes)

	snap := svc.telemetry.Snapshot()
	require.Len(t, snap.Recent, 1)
	assert.Equal(t, "trace-1", snap.Recent[0].TraceID)
	assert.Equal(t, string(providers.TaskTextGeneration), snap.Recent[0].TaskType)
}

func TestRetryDelayHonorsRetryAfterHint(t *testing.T) {
	svc := &Service{cfg: config.RouterConfig{
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
	}}
	c := services.Classification{Kind: services.KindRateLimit, Retryable: true, BackoffMultiplier: 2, MaxRetries: 5}

	assert.Equal(t, 100*time.Millisecond, svc.retryDelay(c, 0, errors.New("429")))
	assert.Equal(t, 800*time.Millisecond, svc.retryDelay(c, 3, errors.New("429")))
	assert.Equal(t, 2*time.Second, svc.retryDelay(c, 10, errors.New("429")), "computed delay is capped")

	hinted := &providers.ProviderError{StatusCode: 429, Message: "slow down", RetryAfter: 1500 * time.Millisecond}
	assert.Equal(t, 1500*time.Millisecond, svc.retryDelay(c, 0, hinted), "a larger hint wins")

	bigHint := &providers.ProviderError{StatusCode: 429, Message: "slow down", RetryAfter: time.Minute}
	assert.Equal(t, 2*time.Second, svc.retryDelay(c, 0, bigHint), "hints are capped too")
}
