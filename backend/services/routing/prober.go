package routing

import (
	"context"
	"time"

	"github.com/primoscope/echotune-router/backend/services/providers"
	"go.uber.org/zap"
)

// Prober periodically re-checks providers that are marked degraded or
// errored so they can rejoin the candidate pool without waiting for live
// traffic to rediscover them.
type Prober struct {
	registry *providers.Registry
	interval time.Duration
	logger   *zap.Logger
}

// NewProber creates a prober. A zero or negative interval disables it.
func NewProber(registry *providers.Registry, interval time.Duration, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{registry: registry, interval: interval, logger: logger}
}

// Run blocks, probing on each tick until the context is cancelled. Call it
// from its own goroutine.
func (p *Prober) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Prober) probeAll() {
	for _, view := range p.registry.Snapshot() {
		entry, err := p.registry.Get(view.Name)
		if err != nil {
			continue
		}

		available := entry.Provider.IsAvailable()
		switch view.Status {
		case providers.StatusError, providers.StatusDegraded:
			if available && (entry.Keys == nil || !entry.Keys.Exhausted()) {
				p.logger.Info("provider recovered", zap.String("provider", view.Name))
				_ = p.registry.MarkStatus(view.Name, providers.StatusConnected)
			}
		case providers.StatusKeyExpired:
			// Cooldowns expire on their own; once a credential is usable
			// again the provider goes back into rotation
			if entry.Keys != nil && !entry.Keys.Exhausted() {
				p.logger.Info("provider credentials usable again", zap.String("provider", view.Name))
				_ = p.registry.MarkStatus(view.Name, providers.StatusConnected)
			}
		case providers.StatusConnected:
			if !available {
				p.logger.Warn("provider went unavailable", zap.String("provider", view.Name))
				_ = p.registry.MarkStatus(view.Name, providers.StatusError)
			}
		}
	}
}
