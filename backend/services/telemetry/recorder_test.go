package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink collects every decision it is offered
type captureSink struct {
	mu        sync.Mutex
	decisions []Decision
}

func (s *captureSink) Offer(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.decisions)
}

func TestRecorderAggregatesStats(t *testing.T) {
	r := NewRecorder(false, nil)

	r.Record("openai", "gpt-4o-mini", 100*time.Millisecond, true, 0.002)
	r.Record("openai", "gpt-4o-mini", 300*time.Millisecond, false, 0)
	r.Record("gemini", "gemini-1.5-flash", 50*time.Millisecond, true, 0.001)

	stats, ok := r.StatsFor("openai", "gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(1), stats.Successes)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, 0.5, stats.SuccessRate)
	assert.InDelta(t, 0.002, stats.TotalCostUSD, 1e-9)

	// First latency seeds the average, the second decays in
	assert.InDelta(t, 0.1*300+0.9*100, stats.LatencyEMAMs, 1e-9)

	_, ok = r.StatsFor("anthropic", "claude-3-5-haiku-latest")
	assert.False(t, ok)
}

func TestRecorderRecordDecisionStampsTime(t *testing.T) {
	r := NewRecorder(false, nil)

	r.RecordDecision(Decision{Provider: "openai", Model: "gpt-4o-mini", Success: true})
	snap := r.Snapshot()
	require.Len(t, snap.Recent, 1)
	assert.False(t, snap.Recent[0].Time.IsZero())

	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.RecordDecision(Decision{Time: fixed, Provider: "openai", Model: "gpt-4o-mini", Success: true})
	snap = r.Snapshot()
	require.Len(t, snap.Recent, 2)
	assert.Equal(t, fixed, snap.Recent[1].Time, "an explicit timestamp is kept")
}

func TestRecorderRingIsBounded(t *testing.T) {
	r := NewRecorder(false, nil)

	for i := 0; i < ringCapacity+50; i++ {
		r.RecordDecision(Decision{
			Provider: "openai", Model: "gpt-4o-mini",
			Success: true, LatencyMs: int64(i),
		})
	}

	snap := r.Snapshot()
	require.Len(t, snap.Recent, ringCapacity)
	assert.Equal(t, int64(50), snap.Recent[0].LatencyMs, "oldest entries were trimmed")
	assert.Equal(t, int64(ringCapacity+49), snap.Recent[len(snap.Recent)-1].LatencyMs)
}

func TestRecorderDeliversToSink(t *testing.T) {
	r := NewRecorder(false, nil)
	sink := &captureSink{}
	r.SetSink(sink)

	r.RecordDecision(Decision{
		TraceID:  "trace-9",
		TaskType: "text-generation",
		Provider: "openai", Model: "gpt-4o-mini",
		Success: true, CostUSD: 0.01,
	})

	require.Equal(t, 1, sink.len())
	assert.Equal(t, "trace-9", sink.decisions[0].TraceID)
	assert.Equal(t, "text-generation", sink.decisions[0].TaskType)
}

func TestRecorderSnapshotIsACopy(t *testing.T) {
	r := NewRecorder(false, nil)

	r.Record("openai", "gpt-4o-mini", 100*time.Millisecond, true, 0)
	snap := r.Snapshot()

	r.Record("openai", "gpt-4o-mini", 100*time.Millisecond, true, 0)
	assert.Equal(t, int64(1), snap.Stats["openai:gpt-4o-mini"].Requests)
	assert.Len(t, snap.Recent, 1)
}

func TestStatsForProvider(t *testing.T) {
	stats := map[string]ModelStats{
		"openai:gpt-4o-mini":       {Requests: 3},
		"openai:gpt-4o":            {Requests: 1},
		"gemini:gemini-1.5-flash":  {Requests: 7},
	}

	filtered := StatsForProvider(stats, "openai")
	require.Len(t, filtered, 2)
	assert.Equal(t, int64(3), filtered["gpt-4o-mini"].Requests)
	assert.Equal(t, int64(1), filtered["gpt-4o"].Requests)

	assert.Empty(t, StatsForProvider(stats, "anthropic"))
}
