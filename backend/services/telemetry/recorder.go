package telemetry

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ringCapacity bounds the recent-decision ring; trimming happens lazily on
// write, never from a background sweep.
const ringCapacity = 1000

// Decision is one recorded routing attempt
type Decision struct {
	Time      time.Time `json:"time"`
	TraceID   string    `json:"trace_id,omitempty"`
	TaskType  string    `json:"task_type,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Success   bool      `json:"success"`
	LatencyMs int64     `json:"latency_ms"`
	CostUSD   float64   `json:"cost_usd"`
	ErrorKind string    `json:"error_kind,omitempty"`
	UserHash  string    `json:"user_hash,omitempty"`
}

// ModelStats aggregates outcomes for one provider:model key
type ModelStats struct {
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	LatencyEMAMs float64 `json:"latency_ema_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// DecisionSink receives every recorded decision for out-of-band persistence.
// Implementations must not block; the recorder calls them on the hot path.
type DecisionSink interface {
	Offer(d Decision)
}

// Recorder is the sink for every routing attempt. Writes are O(1) map and
// slice mutations under one mutex; Snapshot copies out so readers never block
// writers for long.
type Recorder struct {
	mu      sync.Mutex
	stats   map[string]*ModelStats
	ring    []Decision
	sink    DecisionSink
	metrics bool
	logger  *zap.Logger
}

// NewRecorder creates a telemetry recorder. When metricsEnabled is true every
// attempt is also exported through the Prometheus collectors.
func NewRecorder(metricsEnabled bool, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		stats:   make(map[string]*ModelStats),
		ring:    make([]Decision, 0, 256),
		metrics: metricsEnabled,
		logger:  logger,
	}
}

// SetSink attaches an optional decision sink (e.g. the Postgres decision log)
func (r *Recorder) SetSink(sink DecisionSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// Record logs one attempt outcome. Called for every attempt regardless of
// whether the request ultimately succeeded.
func (r *Recorder) Record(provider, model string, latency time.Duration, success bool, costUSD float64) {
	r.RecordKind(provider, model, latency, success, costUSD, "")
}

// RecordKind is Record with the classified error kind attached on failure
func (r *Recorder) RecordKind(provider, model string, latency time.Duration, success bool, costUSD float64, errorKind string) {
	r.RecordDecision(Decision{
		Provider:  provider,
		Model:     model,
		Success:   success,
		LatencyMs: latency.Milliseconds(),
		CostUSD:   costUSD,
		ErrorKind: errorKind,
	})
}

// RecordDecision logs one fully-described attempt, including trace context
func (r *Recorder) RecordDecision(d Decision) {
	if d.Time.IsZero() {
		d.Time = time.Now()
	}

	r.mu.Lock()
	key := d.Provider + ":" + d.Model
	stats, exists := r.stats[key]
	if !exists {
		stats = &ModelStats{}
		r.stats[key] = stats
	}

	stats.Requests++
	if d.Success {
		stats.Successes++
	} else {
		stats.Failures++
	}
	stats.SuccessRate = float64(stats.Successes) / float64(stats.Requests)
	stats.TotalCostUSD += d.CostUSD

	latencyMs := float64(d.LatencyMs)
	if stats.Requests == 1 {
		stats.LatencyEMAMs = latencyMs
	} else {
		stats.LatencyEMAMs = 0.1*latencyMs + 0.9*stats.LatencyEMAMs
	}

	r.ring = append(r.ring, d)
	if len(r.ring) > ringCapacity {
		// Lazy trim on write keeps Snapshot racefree without a sweeper
		r.ring = r.ring[len(r.ring)-ringCapacity:]
	}
	sink := r.sink
	r.mu.Unlock()

	if r.metrics {
		outcome := "success"
		if !d.Success {
			outcome = "failure"
		}
		AttemptsTotal.WithLabelValues(d.Provider, d.Model, outcome).Inc()
		AttemptDuration.WithLabelValues(d.Provider).Observe(float64(d.LatencyMs) / 1000)
		if d.CostUSD > 0 {
			CostTotal.WithLabelValues(d.Provider, d.Model).Add(d.CostUSD)
		}
		if d.ErrorKind != "" {
			ProviderErrorsTotal.WithLabelValues(d.Provider, d.ErrorKind).Inc()
		}
	}

	if sink != nil {
		sink.Offer(d)
	}
}

// RecordFallback notes a candidate advance within one request
func (r *Recorder) RecordFallback(from, to string) {
	if r.metrics {
		FallbacksTotal.WithLabelValues(from, to).Inc()
	}
}

// StatsSnapshot is a point-in-time copy of all telemetry state
type StatsSnapshot struct {
	Stats  map[string]ModelStats `json:"stats"`
	Recent []Decision            `json:"recent"`
}

// Snapshot copies out the current stats and recent decisions. Safe to call
// concurrently with writers.
func (r *Recorder) Snapshot() StatsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]ModelStats, len(r.stats))
	for key, s := range r.stats {
		stats[key] = *s
	}
	recent := make([]Decision, len(r.ring))
	copy(recent, r.ring)

	return StatsSnapshot{Stats: stats, Recent: recent}
}

// StatsFor returns the aggregate for one provider:model key
func (r *Recorder) StatsFor(provider, model string) (ModelStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, exists := r.stats[provider+":"+model]
	if !exists {
		return ModelStats{}, false
	}
	return *stats, true
}

// StatsForProvider filters a stats map down to one provider's models,
// keyed by model name
func StatsForProvider(stats map[string]ModelStats, provider string) map[string]ModelStats {
	prefix := provider + ":"
	out := make(map[string]ModelStats)
	for key, s := range stats {
		if strings.HasPrefix(key, prefix) {
			out[strings.TrimPrefix(key, prefix)] = s
		}
	}
	return out
}
