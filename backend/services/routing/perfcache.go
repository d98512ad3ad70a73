package routing

import (
	"sync"
)

// emaAlpha is the decay weight for all performance averages
const emaAlpha = 0.1

// PerfEntry holds smoothed performance numbers for one provider:model pair
type PerfEntry struct {
	LatencyEMAMs float64 `json:"latency_ema_ms"`
	CostEMAUSD   float64 `json:"cost_ema_usd"`
	SuccessRate  float64 `json:"success_rate"`
	Samples      int64   `json:"samples"`
}

// PerformanceCache biases routing decisions with exponentially smoothed
// latency, cost, and success rate per provider:model key. All mutation goes
// through Observe so the EMA weight stays a single, testable invariant.
type PerformanceCache struct {
	mu      sync.Mutex
	entries map[string]*PerfEntry
}

// NewPerformanceCache creates an empty cache
func NewPerformanceCache() *PerformanceCache {
	return &PerformanceCache{entries: make(map[string]*PerfEntry)}
}

// Observe folds one observation into the cache. The first observation for a
// key seeds the averages; later ones decay with weight emaAlpha.
func (c *PerformanceCache) Observe(provider, model string, latencyMs, costUSD float64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := provider + ":" + model
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	entry, exists := c.entries[key]
	if !exists {
		c.entries[key] = &PerfEntry{
			LatencyEMAMs: latencyMs,
			CostEMAUSD:   costUSD,
			SuccessRate:  outcome,
			Samples:      1,
		}
		return
	}

	entry.LatencyEMAMs = emaAlpha*latencyMs + (1-emaAlpha)*entry.LatencyEMAMs
	entry.CostEMAUSD = emaAlpha*costUSD + (1-emaAlpha)*entry.CostEMAUSD
	entry.SuccessRate = emaAlpha*outcome + (1-emaAlpha)*entry.SuccessRate
	entry.Samples++
}

// Get returns the entry for a provider:model key, if present
func (c *PerformanceCache) Get(provider, model string) (PerfEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[provider+":"+model]
	if !exists {
		return PerfEntry{}, false
	}
	return *entry, true
}

// Snapshot returns a copy of all entries
func (c *PerformanceCache) Snapshot() map[string]PerfEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]PerfEntry, len(c.entries))
	for key, entry := range c.entries {
		out[key] = *entry
	}
	return out
}
