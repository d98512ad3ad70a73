package providers

import (
	"context"
	"time"
)

// TaskType identifies the kind of work a request carries
type TaskType string

const (
	TaskTextGeneration TaskType = "text-generation"
	TaskEmbeddings     TaskType = "embeddings"
	TaskRerank         TaskType = "rerank"
)

// Valid reports whether the task type is part of the closed set
func (t TaskType) Valid() bool {
	switch t {
	case TaskTextGeneration, TaskEmbeddings, TaskRerank:
		return true
	}
	return false
}

// ModelAuto lets the routing policy pick the model for the selected provider
const ModelAuto = "auto"

// GenerationOptions carries sampling parameters for a request
type GenerationOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
}

// AIRequest is the normalized, immutable request value the router accepts.
// UserHash is a hashed identifier; the raw user id never reaches the core.
type AIRequest struct {
	Type     TaskType          `json:"type"`
	Model    string            `json:"model"`
	Payload  string            `json:"payload"`
	Options  GenerationOptions `json:"options"`
	TraceID  string            `json:"trace_id"`
	UserHash string            `json:"user_hash,omitempty"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AIResponse is the normalized provider output. Exactly one of Text,
// Embedding, or Scores is populated, matching the request's task type.
type AIResponse struct {
	Text      string    `json:"text,omitempty"`
	Embedding []float64 `json:"embedding,omitempty"`
	Scores    []float64 `json:"scores,omitempty"`

	Usage    Usage         `json:"usage"`
	CostUSD  float64       `json:"cost_usd"`
	Latency  time.Duration `json:"latency"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`

	// Metadata carries provider-specific extras (safety ratings, finish reason)
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Capabilities describes what a provider can do
type Capabilities struct {
	Streaming       bool     `json:"streaming"`
	FunctionCalling bool     `json:"function_calling"`
	Vision          bool     `json:"vision"`
	MaxTokens       int      `json:"max_tokens"`
	SupportedModels []string `json:"supported_models"`
}

// SupportsModel reports whether the model is in the supported set
func (c Capabilities) SupportsModel(model string) bool {
	for _, m := range c.SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Provider is the uniform capability contract each backend implements.
// IsAvailable must be cheap and side-effect-free: it reflects configuration
// presence, not live network health (the circuit breaker owns that).
type Provider interface {
	// Name returns the provider name (e.g., "openai", "gemini", "anthropic")
	Name() string

	// Generate performs one normalized generation request
	Generate(ctx context.Context, req *AIRequest) (*AIResponse, error)

	// EstimateCost estimates the cost in USD for a given request
	EstimateCost(req *AIRequest) float64

	// IsAvailable reports whether the provider is configured for use
	IsAvailable() bool

	// Capabilities describes the provider's declared capabilities
	Capabilities() Capabilities
}

// Status is the mutable runtime status of a configured provider
type Status string

const (
	StatusUnconfigured Status = "unconfigured"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusKeyExpired   Status = "key_expired"
	StatusError        Status = "error"
)

// ProviderError represents a raw error from a provider adapter
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the adapter-level error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried as-is
	Retryable bool

	// RetryAfter is a provider-supplied backoff hint (0 when absent)
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// KeySource supplies the current credential to an adapter. Implemented by
// *KeyPool; rotation decisions stay one layer up in the router.
type KeySource interface {
	Current() (string, error)
}
