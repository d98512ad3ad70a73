package app

import (
	"context"
	"fmt"
	"time"

	"github.com/primoscope/echotune-router/backend/config"
	"github.com/primoscope/echotune-router/backend/repositories"
	"github.com/primoscope/echotune-router/backend/repositories/postgres"
	"github.com/primoscope/echotune-router/backend/services/breaker"
	"github.com/primoscope/echotune-router/backend/services/decisionlog"
	"github.com/primoscope/echotune-router/backend/services/providers"
	"github.com/primoscope/echotune-router/backend/services/providers/anthropic"
	"github.com/primoscope/echotune-router/backend/services/providers/gemini"
	"github.com/primoscope/echotune-router/backend/services/providers/mock"
	"github.com/primoscope/echotune-router/backend/services/providers/openai"
	"github.com/primoscope/echotune-router/backend/services/routing"
	"github.com/primoscope/echotune-router/backend/services/telemetry"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies. This is the central
// wiring point for dependency injection; everything is constructed here,
// once, at process start.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB // nil when no decision log database is configured
	Logger *zap.Logger

	// Decision persistence
	Decisions   repositories.DecisionLogRepository
	DecisionLog *decisionlog.Service

	// Routing core
	Registry  *providers.Registry
	Telemetry *telemetry.Recorder
	Router    *routing.Service
	Prober    *routing.Prober // nil when probing is disabled
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:    cfg,
		Logger:    logger,
		Telemetry: telemetry.NewRecorder(cfg.Observability.MetricsEnabled, logger),
	}

	if err := deps.initDecisionLog(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize decision log: %w", err)
	}

	if err := deps.initProviders(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	if err := deps.initRouter(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize router: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDecisionLog connects the optional Postgres decision sink. Without a
// DATABASE_URL the routing core runs entirely in memory.
func (d *Dependencies) initDecisionLog(ctx context.Context, cfg *config.Config) error {
	if cfg.DecisionLog == nil {
		d.Logger.Info("no decision log database configured, decisions stay in memory")
		return nil
	}

	db, err := postgres.NewDB(*cfg.DecisionLog, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to decision log database: %w", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize decision log schema: %w", err)
	}

	d.DB = db
	d.Decisions = postgres.NewDecisionLogRepository(db, d.Logger)
	d.DecisionLog = decisionlog.NewService(d.Decisions, d.Logger, decisionlog.DefaultConfig())

	if err := d.DecisionLog.Start(); err != nil {
		return err
	}
	d.Telemetry.SetSink(d.DecisionLog)

	return nil
}

// initProviders builds the provider registry. Registration order is fixed
// and matches the default policy tiers.
func (d *Dependencies) initProviders(cfg *config.Config) error {
	registry := providers.NewRegistry(d.Logger)
	breakerCfg := breakerConfig(cfg.Breaker)

	if cfg.Providers.OpenAI.Configured() {
		pool, err := providers.NewKeyPool(cfg.Providers.OpenAI.APIKeys, cfg.KeyPool.BaseDelay, cfg.KeyPool.MaxDelay)
		if err != nil {
			return err
		}
		adapter := openai.New(openai.Config{
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
			Timeout:      cfg.Providers.OpenAI.Timeout,
		}, pool)
		if err := registry.Register(&providers.Entry{
			Provider:     adapter,
			Keys:         pool,
			Breaker:      breaker.New(adapter.Name(), breakerCfg, d.Logger),
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
			Refreshable:  cfg.Providers.OpenAI.Refreshable,
		}); err != nil {
			return err
		}
	}

	if cfg.Providers.Gemini.Configured() {
		pool, err := providers.NewKeyPool(cfg.Providers.Gemini.APIKeys, cfg.KeyPool.BaseDelay, cfg.KeyPool.MaxDelay)
		if err != nil {
			return err
		}
		adapter := gemini.New(gemini.Config{
			BaseURL:      cfg.Providers.Gemini.BaseURL,
			DefaultModel: cfg.Providers.Gemini.DefaultModel,
			Timeout:      cfg.Providers.Gemini.Timeout,
		}, pool)
		if err := registry.Register(&providers.Entry{
			Provider:     adapter,
			Keys:         pool,
			Breaker:      breaker.New(adapter.Name(), breakerCfg, d.Logger),
			DefaultModel: cfg.Providers.Gemini.DefaultModel,
			Refreshable:  cfg.Providers.Gemini.Refreshable,
		}); err != nil {
			return err
		}
	}

	if cfg.Providers.Anthropic.Configured() {
		pool, err := providers.NewKeyPool(cfg.Providers.Anthropic.APIKeys, cfg.KeyPool.BaseDelay, cfg.KeyPool.MaxDelay)
		if err != nil {
			return err
		}
		adapter := anthropic.New(anthropic.Config{
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
			Timeout:      cfg.Providers.Anthropic.Timeout,
		}, pool)
		if err := registry.Register(&providers.Entry{
			Provider:     adapter,
			Keys:         pool,
			Breaker:      breaker.New(adapter.Name(), breakerCfg, d.Logger),
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
			Refreshable:  cfg.Providers.Anthropic.Refreshable,
		}); err != nil {
			return err
		}
	}

	// The mock provider backs local development and smoke tests; it never
	// registers in production
	if !cfg.IsProduction() {
		adapter := mock.New()
		if err := registry.Register(&providers.Entry{
			Provider:     adapter,
			Breaker:      breaker.New(adapter.Name(), breakerCfg, d.Logger),
			DefaultModel: cfg.Providers.Mock.DefaultModel,
		}); err != nil {
			return err
		}
	}

	if registry.Count() == 0 {
		return fmt.Errorf("no providers configured")
	}

	d.Registry = registry
	return nil
}

// initRouter loads the routing policy and builds the routing service
func (d *Dependencies) initRouter(cfg *config.Config) error {
	policies := routing.DefaultPolicyTable()
	if cfg.Router.PolicyFile != "" {
		loaded, err := routing.LoadPolicyFile(cfg.Router.PolicyFile)
		if err != nil {
			return fmt.Errorf("failed to load routing policy: %w", err)
		}
		policies = loaded
		d.Logger.Info("routing policy loaded", zap.String("file", cfg.Router.PolicyFile))
	}

	d.Router = routing.NewService(cfg.Router, d.Registry, policies, d.Telemetry, d.Logger)

	if cfg.Router.ProbeInterval > 0 {
		d.Prober = routing.NewProber(d.Registry, cfg.Router.ProbeInterval, d.Logger)
	}
	return nil
}

// breakerConfig maps the loaded configuration onto breaker.Config
func breakerConfig(cfg config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold:            cfg.FailureThreshold,
		LatencyThreshold:            cfg.LatencyThreshold,
		ConsecutiveLatencyThreshold: cfg.ConsecutiveLatencyThreshold,
		HalfOpenMaxRequests:         cfg.HalfOpenMaxRequests,
		BaseBackoff:                 cfg.BaseBackoff,
		MaxBackoff:                  cfg.MaxBackoff,
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.DecisionLog != nil {
		if err := d.DecisionLog.Stop(5 * time.Second); err != nil {
			errs = append(errs, err)
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}
