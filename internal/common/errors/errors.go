// Package errors provides standardized error handling for the ensemble pipeline.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Admission errors reject a request before any provider call.
const (
	ErrCodeQueueFull      ErrorCode = "QUEUE_FULL"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCodeRequestInvalid ErrorCode = "REQUEST_INVALID"
)

// Per-role provider failures: caught and recorded, never abort the request.
const (
	ErrCodeProviderTimeout    ErrorCode = "PROVIDER_TIMEOUT"
	ErrCodeProviderCallFailed ErrorCode = "PROVIDER_CALL_FAILED"
	ErrCodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrCodeProviderExhausted  ErrorCode = "PROVIDER_EXHAUSTED"
)

// Later-stage failures: absorbed and downgraded into a degraded FinalResult.
const (
	ErrCodeEmbeddingFailed        ErrorCode = "EMBEDDING_FAILED"
	ErrCodeSynthesisFailed        ErrorCode = "SYNTHESIS_FAILED"
	ErrCodeValidationMetricFailed ErrorCode = "VALIDATION_METRIC_FAILED"
	ErrCodePipelineFailure        ErrorCode = "PIPELINE_FAILURE"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Error Constructors
// ==========================

// NewQueueFullError creates a non-retryable admission error.
func NewQueueFullError(priority string, capacity int) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueueFull,
		Message:   "Request queue is at capacity",
		Details:   fmt.Sprintf("priority: %s, capacity: %d", priority, capacity),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRateLimitError creates a non-retryable admission error carrying the
// retry-after hint in metadata.
func NewRateLimitError(userID string, retryAfter time.Duration) *StandardError {
	return &StandardError{
		Code:      ErrCodeRateLimited,
		Message:   "Caller exceeded its tier quota",
		Details:   fmt.Sprintf("userId: %s", userID),
		Retryable: false,
		Metadata:  map[string]interface{}{"retryAfterSeconds": int(retryAfter.Seconds())},
		Timestamp: time.Now().UTC(),
	}
}

// NewRequestInvalidError creates a non-retryable admission error.
func NewRequestInvalidError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRequestInvalid,
		Message:   "Request failed admission validation",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderTimeoutError creates a retryable per-role timeout error.
func NewProviderTimeoutError(providerID string, timeout time.Duration) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderTimeout,
		Message:   "Provider call exceeded its timeout",
		Details:   fmt.Sprintf("providerId: %s, timeout: %s", providerID, timeout),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderCallFailedError creates a retryable provider error.
func NewProviderCallFailedError(providerID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderCallFailed,
		Message:   "Provider call failed",
		Details:   fmt.Sprintf("providerId: %s, error: %s", providerID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewCircuitOpenError creates a non-retryable fast-fail for an open breaker.
// The role falls through to its fallback provider instead of retrying.
func NewCircuitOpenError(providerID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCircuitOpen,
		Message:   "Circuit breaker is open for provider",
		Details:   fmt.Sprintf("providerId: %s", providerID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewProviderExhaustedError records a role that failed every attempt plus its
// fallback.
func NewProviderExhaustedError(providerID string, attempts int, lastErr error) *StandardError {
	details := fmt.Sprintf("providerId: %s, attempts: %d", providerID, attempts)
	if lastErr != nil {
		details += ", lastError: " + lastErr.Error()
	}
	return &StandardError{
		Code:      ErrCodeProviderExhausted,
		Message:   "Provider role exhausted all attempts and fallback",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewEmbeddingFailedError creates a non-retryable embedding error. The
// analyzer degrades to token-overlap similarity instead.
func NewEmbeddingFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeEmbeddingFailed,
		Message:   "Embedding service call failed",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSynthesisFailedError creates a retryable synthesis error. The engine
// substitutes the deterministic concatenation fallback after retries.
func NewSynthesisFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSynthesisFailed,
		Message:   "Synthesis provider call failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationMetricFailedError records one sub-validator failing; the
// validator substitutes a neutral default for that metric.
func NewValidationMetricFailedError(metric string, cause interface{}) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationMetricFailed,
		Message:   "Quality sub-validator failed",
		Details:   fmt.Sprintf("metric: %s, cause: %v", metric, cause),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewPipelineFailureError wraps an unexpected error caught at the top of the
// orchestrator. Never propagated raw to the caller.
func NewPipelineFailureError(stage string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodePipelineFailure,
		Message:   "Unexpected pipeline failure",
		Details:   fmt.Sprintf("stage: %s, error: %s", stage, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Classification Helpers
// ==========================

// IsAdmissionError reports whether the error is a pre-processing rejection,
// the only kind surfaced to callers as an error.
func IsAdmissionError(err error) bool {
	var stdErr *StandardError
	if !errors.As(err, &stdErr) {
		return false
	}
	switch stdErr.Code {
	case ErrCodeQueueFull, ErrCodeRateLimited, ErrCodeRequestInvalid:
		return true
	}
	return false
}

// IsRetryable reports whether the error may be retried with backoff.
func IsRetryable(err error) bool {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return isRetryableMessage(err)
}

// GetRetryCount returns the bounded retry budget for an error code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeProviderCallFailed, ErrCodeSynthesisFailed:
		return 3
	case ErrCodeProviderTimeout, ErrCodePipelineFailure:
		return 2
	default:
		return 0
	}
}

// isRetryableMessage classifies raw transport errors by message phrase, for
// errors that never passed through a constructor.
func isRetryableMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	retryablePhrases := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"unavailable",
		"too many requests",
		"broken pipe",
	}
	for _, phrase := range retryablePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
