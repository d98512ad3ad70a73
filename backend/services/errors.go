package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/primoscope/echotune-router/backend/services/providers"
)

// ErrorKind represents the category of a routing error
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindAuthentication   ErrorKind = "authentication"
	KindRateLimit        ErrorKind = "rate_limit"
	KindTransient        ErrorKind = "transient"
	KindModelUnavailable ErrorKind = "model_unavailable"
	KindCircuitOpen      ErrorKind = "circuit_open"
	KindFatal            ErrorKind = "fatal"
)

// RoutingError represents a structured error with additional context
type RoutingError struct {
	Kind    ErrorKind
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *RoutingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *RoutingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *RoutingError) Is(target error) bool {
	t, ok := target.(*RoutingError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail returns a copy of the error with one detail attached. Copying
// keeps the package-level sentinels safe to annotate per request.
func (e *RoutingError) WithDetail(key string, value interface{}) *RoutingError {
	clone := &RoutingError{
		Kind:    e.Kind,
		Message: e.Message,
		Err:     e.Err,
		Details: make(map[string]interface{}, len(e.Details)+1),
	}
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return clone
}

// NewRoutingError creates a new routing error
func NewRoutingError(kind ErrorKind, message string, err error) *RoutingError {
	return &RoutingError{
		Kind:    kind,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Routing error variables

var (
	// Validation errors
	ErrInvalidRequest  = NewRoutingError(KindValidation, "invalid request", nil)
	ErrEmptyPayload    = NewRoutingError(KindValidation, "request payload cannot be empty", nil)
	ErrUnknownTaskType = NewRoutingError(KindValidation, "unknown task type", nil)

	// Availability errors
	ErrProviderUnavailable = NewRoutingError(KindModelUnavailable, "provider not configured or unavailable", nil)
	ErrModelUnavailable    = NewRoutingError(KindModelUnavailable, "requested model is not available", nil)

	// ErrNoHealthyProvider is the distinct "every candidate's circuit is open"
	// condition, as opposed to a request-level failure.
	ErrNoHealthyProvider = NewRoutingError(KindCircuitOpen, "no healthy provider available", nil)

	// ErrKeysExhausted is surfaced when every credential for a provider is cooling down
	ErrKeysExhausted = NewRoutingError(KindAuthentication, "all credentials exhausted", nil)

	// ErrDeadlineExceeded distinguishes an exhausted caller budget from a
	// provider failure. errors.Is(err, context.DeadlineExceeded) holds.
	ErrDeadlineExceeded = NewRoutingError(KindTransient, "request budget exhausted", context.DeadlineExceeded)
)

// Classification carries the retry policy derived from an error.
// BackoffMultiplier scales the base delay between successive retries.
type Classification struct {
	Kind              ErrorKind
	Retryable         bool
	BackoffMultiplier float64
	MaxRetries        int
}

// Classify maps a raw provider error into the closed error taxonomy with retry
// hints. It is deterministic and side-effect-free: same error in, same
// classification out.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindFatal, Retryable: false}
	}

	// Already-typed internal errors pass through unchanged
	var routingErr *RoutingError
	if errors.As(err, &routingErr) {
		return classificationFor(routingErr.Kind)
	}

	// Provider errors classify by HTTP status first
	var provErr *providers.ProviderError
	if errors.As(err, &provErr) && provErr.StatusCode != 0 {
		switch {
		case provErr.StatusCode == 401 || provErr.StatusCode == 403:
			return classificationFor(KindAuthentication)
		case provErr.StatusCode == 429:
			return classificationFor(KindRateLimit)
		case provErr.StatusCode >= 500:
			return classificationFor(KindTransient)
		case provErr.StatusCode >= 400:
			return classificationFor(KindValidation)
		}
	}

	// Network-level failures are transient
	if isNetworkError(err) {
		return classificationFor(KindTransient)
	}

	return classificationFor(KindFatal)
}

// classificationFor returns the fixed retry policy for an error kind
func classificationFor(kind ErrorKind) Classification {
	switch kind {
	case KindRateLimit:
		return Classification{Kind: KindRateLimit, Retryable: true, BackoffMultiplier: 2, MaxRetries: 5}
	case KindTransient:
		return Classification{Kind: KindTransient, Retryable: true, BackoffMultiplier: 2, MaxRetries: 3}
	case KindAuthentication:
		return Classification{Kind: KindAuthentication, Retryable: false}
	case KindValidation:
		return Classification{Kind: KindValidation, Retryable: false}
	case KindModelUnavailable:
		return Classification{Kind: KindModelUnavailable, Retryable: false}
	case KindCircuitOpen:
		return Classification{Kind: KindCircuitOpen, Retryable: false}
	default:
		return Classification{Kind: KindFatal, Retryable: false}
	}
}

// isNetworkError reports whether err is a connection-level failure or timeout
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
