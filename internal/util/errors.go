// Package util provides shared error types and helpers for the control plane.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., RateLimitError, AuthError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrStoreUnavail = errors.New("shared store unavailable")
)

// Machine-readable error codes returned to the web layer.
const (
	CodeUnauthorized     = "unauthorized"
	CodeTokenExpired     = "token_expired"
	CodeForbidden        = "forbidden"
	CodeCircuitOpen      = "circuit_open"
	CodeRateLimited      = "rate_limited"
	CodeIPBlocked        = "ip_blocked"
	CodeInvalidRequest   = "invalid_request"
	CodePayloadTooLarge  = "payload_too_large"
	CodeOverloaded       = "overloaded"
	CodeQueued           = "queued"
)

// AuthError indicates a missing, invalid, or expired credential (401).
type AuthError struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("auth error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error { return e.Cause }

// Is checks if the error matches the target.
func (e *AuthError) Is(target error) bool {
	_, ok := target.(*AuthError)
	return ok || errors.Is(e.Cause, target)
}

// NewAuthError creates a new AuthError.
func NewAuthError(code, message string, cause error) *AuthError {
	return &AuthError{Code: code, Message: message, Cause: cause}
}

// AuthorizationError indicates insufficient role or permission (403).
type AuthorizationError struct {
	Subject    string
	Permission string
	Message    string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	if e.Permission != "" {
		return fmt.Sprintf("authorization error: %s (permission %q)", e.Message, e.Permission)
	}
	return fmt.Sprintf("authorization error: %s", e.Message)
}

// Is checks if the error matches the target.
func (e *AuthorizationError) Is(target error) bool {
	_, ok := target.(*AuthorizationError)
	return ok
}

// NewAuthorizationError creates a new AuthorizationError.
func NewAuthorizationError(subject, permission, message string) *AuthorizationError {
	return &AuthorizationError{Subject: subject, Permission: permission, Message: message}
}

// CircuitOpenError indicates a dependency is presumed unhealthy (503).
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Service)
}

// Is checks if the error matches the target.
func (e *CircuitOpenError) Is(target error) bool {
	_, ok := target.(*CircuitOpenError)
	return ok
}

// RateLimitError indicates quota exhaustion (429). RetryAfter tells the
// caller when the current window resets.
type RateLimitError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: retry after %s", e.Key, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}

// ValidationError indicates a malformed, oversized, or unsafe request (400/413).
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new ValidationError.
func NewValidationError(code, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

// OverloadedError indicates the admission queue rejected the request (503).
// Queued reports whether the request was parked for retry instead of
// rejected outright.
type OverloadedError struct {
	Queued  bool
	Message string
}

// Error implements the error interface.
func (e *OverloadedError) Error() string {
	if e.Queued {
		return fmt.Sprintf("overloaded (queued): %s", e.Message)
	}
	return fmt.Sprintf("overloaded: %s", e.Message)
}

// Is checks if the error matches the target.
func (e *OverloadedError) Is(target error) bool {
	_, ok := target.(*OverloadedError)
	return ok
}

// ErrorCode maps a control-plane error to its machine-readable code for
// the web layer. Unknown errors map to an empty string.
func ErrorCode(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		if authErr.Code != "" {
			return authErr.Code
		}
		return CodeUnauthorized
	}
	var authzErr *AuthorizationError
	if errors.As(err, &authzErr) {
		return CodeForbidden
	}
	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return CodeCircuitOpen
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return CodeRateLimited
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		if valErr.Code != "" {
			return valErr.Code
		}
		return CodeInvalidRequest
	}
	var overErr *OverloadedError
	if errors.As(err, &overErr) {
		if overErr.Queued {
			return CodeQueued
		}
		return CodeOverloaded
	}
	return ""
}

// RetryAfterHint extracts the retry-after hint from an error, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter, true
	}
	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) && circuitErr.RetryAfter > 0 {
		return circuitErr.RetryAfter, true
	}
	return 0, false
}
