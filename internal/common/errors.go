// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common application errors.
var (
	// Lookup errors.
	ErrNotFound           = errors.New("not found")
	ErrDuplicateEntry     = errors.New("duplicate entry")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrProviderNotFound   = errors.New("provider not found")

	// Provider errors.
	ErrUnsupportedBank      = errors.New("bank not supported by provider")
	ErrUnsupportedOperation = errors.New("operation not supported by provider")

	// Credential errors.
	ErrCredentialExpired = errors.New("credential expired")
	ErrConsentExpired    = errors.New("consent expired")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// AuthenticationError is returned when a provider rejects credentials or tokens.
// It is never retried.
type AuthenticationError struct {
	Err      error
	Provider string
	Message  string
}

func (e *AuthenticationError) Error() string {
	return providerMessage("authentication failed", e.Provider, e.Message, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RateLimitError is returned when a provider throttles requests.
type RateLimitError struct {
	Err        error
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	msg := providerMessage("rate limit exceeded", e.Provider, e.Message, e.Err)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// NetworkError wraps transport failures and provider 5xx responses.
type NetworkError struct {
	Err      error
	Provider string
	Message  string
}

func (e *NetworkError) Error() string {
	return providerMessage("network error", e.Provider, e.Message, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError means the caller must fix its input.
type ValidationError struct {
	Err     error
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	prefix := "validation failed"
	if e.Field != "" {
		prefix = fmt.Sprintf("validation failed on %s", e.Field)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// APIError is a provider error that does not fit the other categories.
type APIError struct {
	Err        error
	Details    map[string]string
	Provider   string
	Code       string
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s API error", e.Provider)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += " - " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// WithDetail adds a single detail to the error.
func (e *APIError) WithDetail(key, value string) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func providerMessage(kind, provider, message string, err error) string {
	msg := kind
	if provider != "" {
		msg = provider + ": " + msg
	}
	if message != "" {
		msg += ": " + message
	}
	if err != nil {
		msg += fmt.Sprintf(": %v", err)
	}
	return msg
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var authErr *AuthenticationError
	var validationErr *ValidationError
	if errors.As(err, &authErr) || errors.As(err, &validationErr) {
		return false
	}

	var rateErr *RateLimitError
	var netErr *NetworkError
	if errors.As(err, &rateErr) || errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, ErrRateLimit) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}
