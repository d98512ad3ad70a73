package routing

import (
	"time"

	"github.com/primoscope/echotune-router/backend/services/breaker"
	"github.com/primoscope/echotune-router/backend/services/providers"
	"github.com/primoscope/echotune-router/backend/services/telemetry"
)

// ProviderHealth is one provider's row in a health report
type ProviderHealth struct {
	Name          string                     `json:"name"`
	Status        providers.Status           `json:"status"`
	DefaultModel  string                     `json:"default_model"`
	Refreshable   bool                       `json:"refreshable"`
	KeyCount      int                        `json:"key_count"`
	LastUsed      time.Time                  `json:"last_used,omitempty"`
	LastRefreshed time.Time                  `json:"last_refreshed,omitempty"`
	Breaker       *breaker.Snapshot          `json:"breaker,omitempty"`
	Models        map[string]telemetry.ModelStats `json:"models,omitempty"`
}

// HealthReport aggregates registry, breaker, and telemetry state for the
// status endpoint
type HealthReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Providers   []ProviderHealth `json:"providers"`
}

// Status builds a point-in-time health report across all registered providers
func (s *Service) Status() HealthReport {
	report := HealthReport{
		GeneratedAt: time.Now().UTC(),
		Providers:   make([]ProviderHealth, 0, s.registry.Count()),
	}

	stats := s.telemetry.Snapshot()

	for _, view := range s.registry.Snapshot() {
		health := ProviderHealth{
			Name:          view.Name,
			Status:        view.Status,
			DefaultModel:  view.DefaultModel,
			Refreshable:   view.Refreshable,
			KeyCount:      view.KeyCount,
			LastUsed:      view.LastUsed,
			LastRefreshed: view.LastRefreshed,
			Models:        telemetry.StatsForProvider(stats.Stats, view.Name),
		}
		if entry, err := s.registry.Get(view.Name); err == nil && entry.Breaker != nil {
			snap := entry.Breaker.Snapshot()
			health.Breaker = &snap
		}
		report.Providers = append(report.Providers, health)
	}
	return report
}
