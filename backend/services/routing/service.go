package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/primoscope/echotune-router/backend/config"
	"github.com/primoscope/echotune-router/backend/services"
	"github.com/primoscope/echotune-router/backend/services/providers"
	"github.com/primoscope/echotune-router/backend/services/telemetry"
	"go.uber.org/zap"
)

// Options carries caller-supplied routing constraints for one Send call
type Options struct {
	// Strategy names a policy that overrides the task-type default
	Strategy string `json:"strategy,omitempty"`

	// Model explicitly overrides the policy's model selection
	Model string `json:"model,omitempty"`

	// Provider forces a specific provider, bypassing the fallback chain
	// entirely. Used for diagnostics.
	Provider string `json:"provider,omitempty"`

	// MaxLatencyMs eliminates candidates whose smoothed latency exceeds it
	MaxLatencyMs int `json:"max_latency_ms,omitempty"`

	// MaxCostUSD eliminates candidates whose estimated cost exceeds it
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"`
}

// Attempt is one entry in the trail a failed Send carries back
type Attempt struct {
	Provider  string             `json:"provider"`
	Model     string             `json:"model"`
	Kind      services.ErrorKind `json:"kind"`
	LatencyMs int64              `json:"latency_ms"`
	Message   string             `json:"message"`
}

// ExhaustedError is returned when every candidate failed. It retains the
// ordered attempt trail for diagnosis; nothing is silently swallowed.
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
}

// Error implements the error interface
func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s(%s)", a.Provider, a.Kind))
	}
	return fmt.Sprintf("all candidates failed [%s]: %v", strings.Join(parts, " -> "), e.Last)
}

// Unwrap returns the last candidate's error
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Service routes normalized AI requests across providers with circuit breaker
// protection, classified retries, credential rotation, and ordered fallback.
// One Service instance is constructed at process start; there is no ambient
// global state.
type Service struct {
	cfg       config.RouterConfig
	registry  *providers.Registry
	policies  PolicyTable
	perf      *PerformanceCache
	telemetry *telemetry.Recorder
	logger    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error // overridable in tests
}

// NewService creates a new routing service
func NewService(
	cfg config.RouterConfig,
	registry *providers.Registry,
	policies PolicyTable,
	recorder *telemetry.Recorder,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		registry:  registry,
		policies:  policies,
		perf:      NewPerformanceCache(),
		telemetry: recorder,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// PerformanceCache exposes the router's EMA cache for status reporting
func (s *Service) PerformanceCache() *PerformanceCache {
	return s.perf
}

// Send routes one request. Fallback across candidates is sequential, never
// parallel, so a request can never bill two providers for the same work.
func (s *Service) Send(ctx context.Context, req *providers.AIRequest, opts Options) (*providers.AIResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	// The whole fallback chain shares one wall-clock budget
	if _, ok := ctx.Deadline(); !ok && s.cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DefaultTimeout)
		defer cancel()
	}

	candidates, err := s.resolveCandidates(req, opts)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("routing request",
		zap.String("trace_id", req.TraceID),
		zap.String("task", string(req.Type)),
		zap.Int("candidates", len(candidates)))

	var (
		trail        []Attempt
		lastErr      error
		executed     int
		breakerSkips int
		prevProvider string
	)

	for _, cand := range candidates {
		entry, err := s.registry.Get(cand.Provider)
		if err != nil || !entry.Provider.IsAvailable() {
			trail = append(trail, Attempt{
				Provider: cand.Provider,
				Model:    cand.Model,
				Kind:     services.KindModelUnavailable,
				Message:  "provider not configured",
			})
			continue
		}

		// An open breaker skips the candidate outright: no call is attempted
		// and no retry budget is consumed.
		if entry.Breaker != nil && !entry.Breaker.CanExecute() {
			breakerSkips++
			trail = append(trail, Attempt{
				Provider: cand.Provider,
				Model:    cand.Model,
				Kind:     services.KindCircuitOpen,
				Message:  "circuit breaker open",
			})
			continue
		}

		if prevProvider != "" {
			s.telemetry.RecordFallback(prevProvider, cand.Provider)
			s.logger.Warn("falling back to next candidate",
				zap.String("trace_id", req.TraceID),
				zap.String("from", prevProvider),
				zap.String("to", cand.Provider))
		}
		prevProvider = cand.Provider
		executed++

		resp, err := s.executeCandidate(ctx, entry, cand, req, &trail)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// A spent budget aborts the remaining candidates immediately
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.logger.Warn("request budget exhausted mid-chain",
				zap.String("trace_id", req.TraceID),
				zap.String("provider", cand.Provider))
			return nil, services.ErrDeadlineExceeded.WithDetail("attempts", trail)
		}
	}

	if executed == 0 {
		if breakerSkips > 0 {
			// Distinct "no healthy provider" condition: every circuit open,
			// not a single network call made
			return nil, services.ErrNoHealthyProvider.WithDetail("attempts", trail)
		}
		return nil, services.ErrProviderUnavailable.WithDetail("attempts", trail)
	}

	return nil, &ExhaustedError{Attempts: trail, Last: lastErr}
}

// executeCandidate runs one candidate with bounded, classified retries.
// Authentication failures on a refreshable provider rotate credentials and
// re-resolve once before the candidate is given up.
func (s *Service) executeCandidate(
	ctx context.Context,
	entry *providers.Entry,
	cand Candidate,
	req *providers.AIRequest,
	trail *[]Attempt,
) (*providers.AIResponse, error) {
	model := cand.Model
	if model == "" || model == providers.ModelAuto {
		model = entry.DefaultModel
	}

	// Requests are immutable values; the resolved model goes on a copy
	attemptReq := *req
	attemptReq.Model = model

	name := entry.Provider.Name()
	rotated := false

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, services.ErrDeadlineExceeded
		}

		var credential string
		if entry.Keys != nil {
			var err error
			credential, err = entry.Keys.Current()
			if err != nil {
				_ = s.registry.MarkStatus(name, providers.StatusKeyExpired)
				*trail = append(*trail, Attempt{
					Provider: name, Model: model,
					Kind:    services.KindAuthentication,
					Message: err.Error(),
				})
				return nil, services.ErrKeysExhausted.WithDetail("provider", name)
			}
		}

		start := time.Now()
		resp, err := entry.Provider.Generate(ctx, &attemptReq)
		latency := time.Since(start)

		if err == nil {
			cost := resp.CostUSD
			if cost == 0 {
				cost = entry.Provider.EstimateCost(&attemptReq)
				resp.CostUSD = cost
			}
			if resp.Provider == "" {
				resp.Provider = name
			}
			if resp.Model == "" {
				resp.Model = model
			}
			resp.Latency = latency

			if entry.Breaker != nil {
				entry.Breaker.RecordOutcome(true, latency)
			}
			s.perf.Observe(name, model, float64(latency.Milliseconds()), cost, true)
			s.telemetry.RecordDecision(telemetry.Decision{
				TraceID:   req.TraceID,
				TaskType:  string(req.Type),
				Provider:  name,
				Model:     model,
				Success:   true,
				LatencyMs: latency.Milliseconds(),
				CostUSD:   cost,
				UserHash:  req.UserHash,
			})
			s.registry.MarkUsed(name)

			s.logger.Info("provider call succeeded",
				zap.String("trace_id", req.TraceID),
				zap.String("provider", name),
				zap.String("model", model),
				zap.Duration("latency", latency),
				zap.Int("attempt", attempt+1))
			return resp, nil
		}

		// The caller's budget expiring is not the provider's failure
		if ctx.Err() != nil {
			return nil, services.ErrDeadlineExceeded
		}

		classification := services.Classify(err)

		if entry.Breaker != nil {
			entry.Breaker.RecordOutcome(false, latency)
		}
		s.perf.Observe(name, model, float64(latency.Milliseconds()), 0, false)
		s.telemetry.RecordDecision(telemetry.Decision{
			TraceID:   req.TraceID,
			TaskType:  string(req.Type),
			Provider:  name,
			Model:     model,
			LatencyMs: latency.Milliseconds(),
			ErrorKind: string(classification.Kind),
			UserHash:  req.UserHash,
		})
		*trail = append(*trail, Attempt{
			Provider:  name,
			Model:     model,
			Kind:      classification.Kind,
			LatencyMs: latency.Milliseconds(),
			Message:   err.Error(),
		})

		s.logger.Warn("provider call failed",
			zap.String("trace_id", req.TraceID),
			zap.String("provider", name),
			zap.String("model", model),
			zap.String("kind", string(classification.Kind)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if classification.Kind == services.KindAuthentication && entry.Keys != nil {
			if entry.Refreshable && !rotated {
				// Rotate once, then retry immediately on the fresh credential
				if poolErr := entry.Keys.ReportFailure(credential, err); poolErr != nil {
					_ = s.registry.MarkStatus(name, providers.StatusKeyExpired)
					return nil, services.ErrKeysExhausted.WithDetail("provider", name)
				}
				s.registry.MarkRefreshed(name)
				rotated = true
				continue
			}
			_ = s.registry.MarkStatus(name, providers.StatusDegraded)
			return nil, err
		}

		if !classification.Retryable || attempt >= classification.MaxRetries {
			return nil, err
		}

		delay := s.retryDelay(classification, attempt, err)
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return nil, services.ErrDeadlineExceeded
		}
	}
}

// retryDelay computes the bounded exponential backoff for one retry,
// honoring a provider-supplied Retry-After hint when it is longer
func (s *Service) retryDelay(c services.Classification, attempt int, err error) time.Duration {
	delay := s.cfg.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.BackoffMultiplier)
	}
	if delay > s.cfg.RetryMaxDelay {
		delay = s.cfg.RetryMaxDelay
	}

	var provErr *providers.ProviderError
	if errors.As(err, &provErr) && provErr.RetryAfter > delay {
		delay = provErr.RetryAfter
		if delay > s.cfg.RetryMaxDelay {
			delay = s.cfg.RetryMaxDelay
		}
	}
	return delay
}

// resolveCandidates builds the ordered candidate list for one request
func (s *Service) resolveCandidates(req *providers.AIRequest, opts Options) ([]Candidate, error) {
	// A forced provider bypasses the fallback chain entirely
	if opts.Provider != "" {
		model := firstNonEmpty(opts.Model, requestedModel(req))
		if _, err := s.registry.Get(opts.Provider); err != nil {
			return nil, services.ErrProviderUnavailable.WithDetail("provider", opts.Provider)
		}
		return []Candidate{{Provider: opts.Provider, Model: model}}, nil
	}

	policy, ok := s.policies.Resolve(string(req.Type))
	if !ok {
		return nil, services.ErrUnknownTaskType.WithDetail("task", string(req.Type))
	}

	// A named strategy overrides the task default only when it exists
	if opts.Strategy != "" {
		if override, found := s.policies.Resolve(opts.Strategy); found {
			policy = override
		} else {
			s.logger.Debug("unknown strategy, using task default",
				zap.String("strategy", opts.Strategy))
		}
	}

	candidates := policy.Candidates()

	if opts.MaxLatencyMs > 0 || opts.MaxCostUSD > 0 {
		constrained := s.applyConstraints(candidates, req, opts)
		if len(constrained) == 0 {
			// Relax rather than fail outright: fall back to the unconstrained
			// default policy for the task type
			s.logger.Warn("routing constraints eliminated all candidates, relaxing",
				zap.String("trace_id", req.TraceID),
				zap.Int("max_latency_ms", opts.MaxLatencyMs),
				zap.Float64("max_cost_usd", opts.MaxCostUSD))
			defaultPolicy, _ := s.policies.Resolve(string(req.Type))
			constrained = defaultPolicy.Candidates()
		}
		candidates = constrained
	}

	// An explicit model override pins the model on every tier
	if model := firstNonEmpty(opts.Model, requestedModel(req)); model != "" {
		pinned := make([]Candidate, len(candidates))
		for i, c := range candidates {
			pinned[i] = Candidate{Provider: c.Provider, Model: model}
		}
		candidates = pinned
	}

	return candidates, nil
}

// applyConstraints filters candidates by smoothed latency and estimated cost
func (s *Service) applyConstraints(candidates []Candidate, req *providers.AIRequest, opts Options) []Candidate {
	var kept []Candidate
	for _, cand := range candidates {
		entry, err := s.registry.Get(cand.Provider)
		if err != nil {
			continue
		}

		if opts.MaxLatencyMs > 0 {
			if perf, ok := s.perf.Get(cand.Provider, cand.Model); ok && perf.LatencyEMAMs > float64(opts.MaxLatencyMs) {
				continue
			}
		}
		if opts.MaxCostUSD > 0 {
			if cost := entry.Provider.EstimateCost(req); cost > opts.MaxCostUSD {
				continue
			}
		}
		kept = append(kept, cand)
	}
	return kept
}

// validateRequest rejects malformed requests before any routing work
func validateRequest(req *providers.AIRequest) error {
	if req == nil {
		return services.ErrInvalidRequest
	}
	if !req.Type.Valid() {
		return services.ErrUnknownTaskType.WithDetail("task", string(req.Type))
	}
	if req.Payload == "" {
		return services.ErrEmptyPayload
	}
	return nil
}

// requestedModel returns the request's model unless it is empty or auto
func requestedModel(req *providers.AIRequest) string {
	if req.Model == providers.ModelAuto {
		return ""
	}
	return req.Model
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// sleepCtx suspends for d or until the context is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
