// Package engine provides the model-facing contract shared by the chat
// pipeline and the providers.
// This file contains error classification and handling.

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RetryClass indicates whether an error should be retried.
type RetryClass string

const (
	RetryClassRetryable    RetryClass = "retryable"     // Definitely retry
	RetryClassMaybe        RetryClass = "maybe"         // Retry with caution (limited attempts)
	RetryClassNonRetryable RetryClass = "non_retryable" // Never retry
)

// EngineError wraps provider errors with classification metadata.
type EngineError struct {
	Err        error
	Class      RetryClass
	HTTPStatus int    // HTTP status code if applicable
	RetryAfter string // Retry-After header value if present
	IsNetwork  bool
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("engine error: %s", e.Class)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// ClassifyLLMError classifies an error from an LLM provider call.
func ClassifyLLMError(err error) RetryClass {
	if err == nil {
		return RetryClassNonRetryable
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.Class != "" {
		return engineErr.Class
	}

	errStr := strings.ToLower(err.Error())

	// Rate limit errors (429) - retryable, respect Retry-After
	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return RetryClassRetryable
	}

	// Server errors (5xx) - retryable
	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "529") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") {
		return RetryClassRetryable
	}

	if isNetworkMessage(errStr) {
		return RetryClassRetryable
	}

	if strings.Contains(errStr, "deadline exceeded") {
		return RetryClassMaybe
	}

	return RetryClassNonRetryable
}

func isNetworkMessage(errStr string) bool {
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "temporary failure")
}

// ExtractRetryAfter extracts the Retry-After header value from an error.
// Returns 0 if not found or invalid.
func ExtractRetryAfter(err error) time.Duration {
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.RetryAfter != "" {
		var seconds int
		if _, err := fmt.Sscanf(engineErr.RetryAfter, "%d", &seconds); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := time.Parse(time.RFC1123, engineErr.RetryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	return 0
}

// WrapLLMError wraps an LLM provider error with classification metadata.
func WrapLLMError(err error, httpStatus int, retryAfter string) error {
	if err == nil {
		return nil
	}

	class := ClassifyLLMError(err)
	switch {
	case httpStatus == http.StatusTooManyRequests || httpStatus >= 500:
		class = RetryClassRetryable
	case httpStatus >= 400:
		class = RetryClassNonRetryable
	}

	return &EngineError{
		Err:        err,
		Class:      class,
		HTTPStatus: httpStatus,
		RetryAfter: retryAfter,
		IsNetwork:  httpStatus == 0 && isNetworkMessage(strings.ToLower(err.Error())),
	}
}

// RetryExhaustedError indicates that all retry attempts have been exhausted.
type RetryExhaustedError struct {
	Err         error
	Attempts    int
	MaxAttempts int
	IsGuarded   bool // True if this was a "maybe" class error with limited retries
}

func (e *RetryExhaustedError) Error() string {
	if e.IsGuarded {
		return fmt.Sprintf("guarded retries exhausted after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// NewRetryExhaustedError creates a new RetryExhaustedError.
func NewRetryExhaustedError(err error, attempts, maxAttempts int, isGuarded bool) *RetryExhaustedError {
	return &RetryExhaustedError{
		Err:         err,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		IsGuarded:   isGuarded,
	}
}

// IsRetryExhausted checks if an error is a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var retryExhausted *RetryExhaustedError
	return errors.As(err, &retryExhausted)
}

// ErrorKind is the user-facing error taxonomy.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "NETWORK"
	KindAPIKey     ErrorKind = "API_KEY"
	KindRateLimit  ErrorKind = "RATE_LIMIT"
	KindServer     ErrorKind = "SERVER"
	KindNotFound   ErrorKind = "NOT_FOUND"
	KindValidation ErrorKind = "VALIDATION"
	KindUnknown    ErrorKind = "UNKNOWN"
)

// AppError is a classified error. Message is the single line shown to the
// user; Err keeps the raw cause for logs.
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates an AppError with an explicit kind and message.
func NewAppError(kind ErrorKind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// statusCoder is satisfied by SDK errors that expose their HTTP status.
type statusCoder interface {
	StatusCode() int
}

// HTTPStatus returns the HTTP status carried by err, or 0.
func HTTPStatus(err error) int {
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.HTTPStatus != 0 {
		return engineErr.HTTPStatus
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

// Classify maps err onto the taxonomy: the HTTP status decides when present,
// otherwise message heuristics, otherwise Unknown.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch status := HTTPStatus(err); {
	case status == http.StatusTooManyRequests:
		return NewAppError(KindRateLimit, "Rate limit exceeded: Please try again later", err)
	case status >= 500:
		return NewAppError(KindServer, "Server error: Please try again later", err)
	case status == http.StatusNotFound:
		return NewAppError(KindNotFound, "Resource not found", err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewAppError(KindAPIKey, "Authentication error: Please check your API key", err)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewAppError(KindValidation, "Invalid request: "+firstLine(err.Error()), err)
	case status != 0:
		return NewAppError(KindUnknown, "Error: "+firstLine(err.Error()), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewAppError(KindNetwork, "Network error: The request timed out", err)
	}

	var engineErr *EngineError
	if (errors.As(err, &engineErr) && engineErr.IsNetwork) || isNetworkMessage(strings.ToLower(err.Error())) {
		return NewAppError(KindNetwork, "Network error: Please check your internet connection", err)
	}

	return NewAppError(KindUnknown, "Error: "+firstLine(err.Error()), err)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
