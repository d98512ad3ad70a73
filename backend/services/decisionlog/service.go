package decisionlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/primoscope/echotune-router/backend/models"
	"github.com/primoscope/echotune-router/backend/repositories"
	"github.com/primoscope/echotune-router/backend/services/telemetry"
	"go.uber.org/zap"
)

// Service persists routing decisions asynchronously. It implements
// telemetry.DecisionSink, so attaching it to the recorder is all the wiring
// the router needs. Writes never block the request path; when the buffer is
// full the decision is dropped with a warning.
type Service struct {
	repo        repositories.DecisionLogRepository
	logger      *zap.Logger
	decisions   chan telemetry.Decision
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	started     bool
	mu          sync.Mutex
}

// Config holds configuration for the decision log service
type Config struct {
	BufferSize  int // Size of the decision buffer channel
	WorkerCount int // Number of concurrent writers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  4096,
		WorkerCount: 2,
	}
}

// NewService creates a new decision log service
func NewService(repo repositories.DecisionLogRepository, logger *zap.Logger, config Config) *Service {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	return &Service{
		repo:        repo,
		logger:      logger,
		decisions:   make(chan telemetry.Decision, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
	}
}

// Start starts the background writers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("decision log service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started decision log service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))
	return nil
}

// Stop drains pending decisions and stops the writers
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("decision log service not started")
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("stopping decision log service",
		zap.Int("pending_decisions", len(s.decisions)))

	close(s.decisions)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("decision log service stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("decision log service stop timeout after %v", timeout)
	}
}

// Offer implements telemetry.DecisionSink. Non-blocking; full buffers drop.
func (s *Service) Offer(d telemetry.Decision) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	select {
	case s.decisions <- d:
	default:
		s.logger.Warn("decision buffer full, dropping decision",
			zap.String("trace_id", d.TraceID),
			zap.String("provider", d.Provider))
	}
}

// worker writes decisions from the channel until it closes
func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("decision log worker started", zap.Int("worker_id", id))

	for d := range s.decisions {
		if err := s.persist(d); err != nil {
			s.logger.Error("failed to persist routing decision",
				zap.Int("worker_id", id),
				zap.String("trace_id", d.TraceID),
				zap.Error(err))
		}
	}

	s.logger.Debug("decision log worker stopped", zap.Int("worker_id", id))
}

func (s *Service) persist(d telemetry.Decision) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var decision *models.RoutingDecision
	if d.Success {
		decision = models.NewRoutingDecision(d.TraceID, d.TaskType, d.Provider, d.Model, d.LatencyMs, d.CostUSD)
	} else {
		decision = models.NewFailedRoutingDecision(d.TraceID, d.TaskType, d.Provider, d.Model, d.ErrorKind, d.LatencyMs)
	}
	if !d.Time.IsZero() {
		decision.CreatedAt = d.Time
	}
	decision.SetUserHash(d.UserHash)

	return s.repo.Create(ctx, decision)
}

// Pending returns the number of buffered, unwritten decisions
func (s *Service) Pending() int {
	return len(s.decisions)
}
