package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete routing-core configuration.
// It is read once at process start and never re-read dynamically.
type Config struct {
	Server        ServerConfig
	DecisionLog   *DatabaseConfig // Optional: Postgres sink for routing decisions. When nil, decisions stay in memory.
	Providers     ProvidersConfig
	Router        RouterConfig
	Breaker       BreakerConfig
	KeyPool       KeyPoolConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration for the status/diagnostics surface
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL configuration for the decision log.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// ProvidersConfig holds per-provider configuration
type ProvidersConfig struct {
	OpenAI    ProviderConfig
	Gemini    ProviderConfig
	Anthropic ProviderConfig
	Mock      ProviderConfig
}

// ProviderConfig holds configuration for a single backend provider.
// APIKeys carries the full rotation set; a single-key deployment has one entry.
type ProviderConfig struct {
	APIKeys      []string
	BaseURL      string
	DefaultModel string
	Refreshable  bool
	Timeout      time.Duration
}

// RouterConfig holds routing and retry behavior
type RouterConfig struct {
	PolicyFile     string        // Optional YAML policy file; built-in defaults apply when empty
	DefaultTimeout time.Duration // Overall wall-clock budget per Send when the caller sets none
	RetryBaseDelay time.Duration // First backoff step between retries on one candidate
	RetryMaxDelay  time.Duration // Cap for a single backoff sleep
	ProbeInterval  time.Duration // 0 disables the health prober
}

// BreakerConfig holds per-provider circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold            int
	LatencyThreshold            time.Duration
	ConsecutiveLatencyThreshold int
	HalfOpenMaxRequests         int
	BaseBackoff                 time.Duration
	MaxBackoff                  time.Duration
}

// KeyPoolConfig holds credential cool-down behavior
type KeyPoolConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// ObservabilityConfig holds logging and metrics configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New() (*Config, error) {
	// Load .env file if it exists (backend/.env when run from project root, .env when run from backend/)
	_ = godotenv.Load("backend/.env")
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		DecisionLog: loadDecisionLogConfig(),
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIKeys:      getEnvAsKeyList("OPENAI_API_KEYS", "OPENAI_API_KEY"),
				BaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				DefaultModel: getEnv("OPENAI_DEFAULT_MODEL", "gpt-4o-mini"),
				Refreshable:  getEnvAsBool("OPENAI_REFRESHABLE", true),
				Timeout:      getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			},
			Gemini: ProviderConfig{
				APIKeys:      getEnvAsKeyList("GEMINI_API_KEYS", "GEMINI_API_KEY"),
				BaseURL:      getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
				DefaultModel: getEnv("GEMINI_DEFAULT_MODEL", "gemini-1.5-flash"),
				Refreshable:  getEnvAsBool("GEMINI_REFRESHABLE", true),
				Timeout:      getEnvAsDuration("GEMINI_TIMEOUT", 60*time.Second),
			},
			Anthropic: ProviderConfig{
				APIKeys:      getEnvAsKeyList("ANTHROPIC_API_KEYS", "ANTHROPIC_API_KEY"),
				BaseURL:      getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
				DefaultModel: getEnv("ANTHROPIC_DEFAULT_MODEL", "claude-3-5-haiku-latest"),
				Refreshable:  getEnvAsBool("ANTHROPIC_REFRESHABLE", false),
				Timeout:      getEnvAsDuration("ANTHROPIC_TIMEOUT", 60*time.Second),
			},
			Mock: ProviderConfig{
				APIKeys:      getEnvAsKeyList("MOCK_API_KEYS", "MOCK_API_KEY"),
				DefaultModel: getEnv("MOCK_DEFAULT_MODEL", "mock-model"),
			},
		},
		Router: RouterConfig{
			PolicyFile:     getEnv("ROUTING_POLICY_FILE", ""),
			DefaultTimeout: getEnvAsDuration("ROUTER_DEFAULT_TIMEOUT", 2*time.Minute),
			RetryBaseDelay: getEnvAsDuration("ROUTER_RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:  getEnvAsDuration("ROUTER_RETRY_MAX_DELAY", 30*time.Second),
			ProbeInterval:  getEnvAsDuration("ROUTER_PROBE_INTERVAL", 0),
		},
		Breaker: BreakerConfig{
			FailureThreshold:            getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			LatencyThreshold:            getEnvAsDuration("BREAKER_LATENCY_THRESHOLD", 2*time.Second),
			ConsecutiveLatencyThreshold: getEnvAsInt("BREAKER_LATENCY_FAILURES", 5),
			HalfOpenMaxRequests:         getEnvAsInt("BREAKER_HALF_OPEN_REQUESTS", 3),
			BaseBackoff:                 getEnvAsDuration("BREAKER_BASE_BACKOFF", time.Minute),
			MaxBackoff:                  getEnvAsDuration("BREAKER_MAX_BACKOFF", 15*time.Minute),
		},
		KeyPool: KeyPoolConfig{
			BaseDelay: getEnvAsDuration("KEYPOOL_BASE_DELAY", 30*time.Second),
			MaxDelay:  getEnvAsDuration("KEYPOOL_MAX_DELAY", 30*time.Minute),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breaker.HalfOpenMaxRequests <= 0 {
		return fmt.Errorf("breaker half-open request count must be positive")
	}
	if c.Breaker.BaseBackoff <= 0 || c.Breaker.MaxBackoff < c.Breaker.BaseBackoff {
		return fmt.Errorf("breaker backoff window is invalid")
	}

	if c.KeyPool.BaseDelay <= 0 || c.KeyPool.MaxDelay < c.KeyPool.BaseDelay {
		return fmt.Errorf("key pool cool-down window is invalid")
	}

	// At least one real provider key required in production; development falls back to the mock provider.
	if c.IsProduction() {
		if len(c.Providers.OpenAI.APIKeys) == 0 &&
			len(c.Providers.Gemini.APIKeys) == 0 &&
			len(c.Providers.Anthropic.APIKeys) == 0 {
			return fmt.Errorf("at least one AI provider must be configured in production")
		}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDecisionLogConfig loads the decision log DB config from DATABASE_URL.
// Returns nil when not set (decision log stays in memory only).
func loadDecisionLogConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Configured returns true when at least one credential is present
func (c *ProviderConfig) Configured() bool {
	return len(c.APIKeys) > 0
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsKeyList reads a comma-separated credential list, falling back to a
// single-key variable for deployments that only carry one credential.
func getEnvAsKeyList(listKey, singleKey string) []string {
	raw := os.Getenv(listKey)
	if raw == "" {
		raw = os.Getenv(singleKey)
	}
	if raw == "" {
		return nil
	}

	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
