package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// latencyRingSize bounds the number of recent latencies kept for telemetry
const latencyRingSize = 10

// Config defines circuit breaker behavior
type Config struct {
	FailureThreshold            int           // Failures before opening
	LatencyThreshold            time.Duration // A successful call slower than this counts as a latency failure
	ConsecutiveLatencyThreshold int           // Consecutive latency failures before opening
	HalfOpenMaxRequests         int           // Consecutive successes to close from half-open
	BaseBackoff                 time.Duration // First open window
	MaxBackoff                  time.Duration // Cap for the open window
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold:            5,
		LatencyThreshold:            2 * time.Second,
		ConsecutiveLatencyThreshold: 5,
		HalfOpenMaxRequests:         3,
		BaseBackoff:                 time.Minute,
		MaxBackoff:                  15 * time.Minute,
	}
}

// Breaker gates requests to one provider based on failure and latency history.
// State transitions happen lazily on CanExecute; there is no background timer.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu                         sync.Mutex
	state                      State
	failureCount               int
	consecutiveLatencyFailures int
	halfOpenSuccesses          int
	lastFailureTime            time.Time
	openUntil                  time.Time
	latencies                  [latencyRingSize]time.Duration
	latencyCount               int // total latencies observed, ring index derived from it

	now func() time.Time // overridable in tests
}

// New creates a new circuit breaker for the named provider
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// CanExecute reports whether a request may be issued to the provider.
// When the open window has elapsed it performs the single OPEN -> HALF_OPEN
// transition before answering.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.now().Before(b.openUntil) {
			b.logger.Info("circuit breaker transitioning to half-open",
				zap.String("provider", b.name))
			b.state = StateHalfOpen
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordOutcome updates breaker state from one completed call. Latency is
// recorded for every outcome; a successful call slower than the latency
// threshold counts toward the independent latency-failure path.
func (b *Breaker) RecordOutcome(success bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latencies[b.latencyCount%latencyRingSize] = latency
	b.latencyCount++

	if !success {
		b.recordFailure()
		return
	}

	// Latency failures are tracked independently: slow-but-successful bursts
	// open the circuit even though the calls succeeded.
	if b.cfg.LatencyThreshold > 0 && latency > b.cfg.LatencyThreshold {
		b.consecutiveLatencyFailures++
		if b.state == StateClosed && b.consecutiveLatencyFailures >= b.cfg.ConsecutiveLatencyThreshold {
			b.logger.Warn("circuit breaker opening on latency threshold",
				zap.String("provider", b.name),
				zap.Duration("latency", latency),
				zap.Int("consecutive_slow_calls", b.consecutiveLatencyFailures))
			b.open()
			return
		}
	} else {
		b.consecutiveLatencyFailures = 0
	}

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxRequests {
			b.logger.Info("circuit breaker closing from half-open",
				zap.String("provider", b.name),
				zap.Int("successes", b.halfOpenSuccesses))
			b.state = StateClosed
			b.failureCount = 0
			b.halfOpenSuccesses = 0
			b.consecutiveLatencyFailures = 0
		}
	case StateClosed:
		// Gradual decay so transient noise does not accumulate into an open
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// recordFailure handles the failure path; caller holds the lock
func (b *Breaker) recordFailure() {
	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateHalfOpen:
		b.logger.Warn("circuit breaker reopening from half-open",
			zap.String("provider", b.name),
			zap.Int("failure_count", b.failureCount))
		b.open()
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.logger.Warn("circuit breaker opening on failure threshold",
				zap.String("provider", b.name),
				zap.Int("failure_count", b.failureCount))
			b.open()
		}
	}
}

// open transitions to OPEN with exponential backoff capped at MaxBackoff;
// caller holds the lock
func (b *Breaker) open() {
	b.state = StateOpen
	b.halfOpenSuccesses = 0
	b.openUntil = b.now().Add(b.backoff())
}

// backoff computes min(base * 2^failureCount, max); caller holds the lock
func (b *Breaker) backoff() time.Duration {
	d := b.cfg.BaseBackoff
	for i := 0; i < b.failureCount && d < b.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > b.cfg.MaxBackoff {
		d = b.cfg.MaxBackoff
	}
	return d
}

// Snapshot is a read-only view of breaker state for telemetry and tests
type Snapshot struct {
	State                      string          `json:"state"`
	FailureCount               int             `json:"failure_count"`
	ConsecutiveLatencyFailures int             `json:"consecutive_latency_failures"`
	LastFailureTime            time.Time       `json:"last_failure_time"`
	OpenUntil                  time.Time       `json:"open_until,omitempty"`
	RecentLatencies            []time.Duration `json:"recent_latencies"`
}

// Snapshot returns the current breaker state without mutating it
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.latencyCount
	if n > latencyRingSize {
		n = latencyRingSize
	}
	recent := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		// Oldest first
		idx := (b.latencyCount - n + i) % latencyRingSize
		recent = append(recent, b.latencies[idx])
	}

	return Snapshot{
		State:                      b.state.String(),
		FailureCount:               b.failureCount,
		ConsecutiveLatencyFailures: b.consecutiveLatencyFailures,
		LastFailureTime:            b.lastFailureTime,
		OpenUntil:                  b.openUntil,
		RecentLatencies:            recent,
	}
}

// State returns the current state, applying the lazy open-window check
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		// Reported, not transitioned: the transition itself happens in CanExecute
		return StateHalfOpen
	}
	return b.state
}
