package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by stores when no matching (active) record exists.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a uniqueness invariant.
	ErrConflict = errors.New("conflict")
	// ErrQueueFull is returned by Enqueue when the pending bound is reached.
	ErrQueueFull = errors.New("request queue is full")
	// ErrNotCancellable is returned when cancelling an operation that is no longer pending.
	ErrNotCancellable = errors.New("operation is not pending")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// RateLimitExceededError reports denied admission. RetryAfter tells the caller
// when the operation is expected to be admitted again.
type RateLimitExceededError struct {
	Tenant     string
	Operation  Operation
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on tenant %s, retry after %s", e.Operation, e.Tenant, e.RetryAfter)
}

// ReauthorizationRequiredError is terminal: the tenant has no usable refresh
// token and an operator must run the authorization flow again.
type ReauthorizationRequiredError struct {
	Tenant string
	Reason string
}

func (e *ReauthorizationRequiredError) Error() string {
	return fmt.Sprintf("tenant %s requires reauthorization: %s", e.Tenant, e.Reason)
}

// CircuitOpenError is returned when a breaker rejects a call without
// attempting it.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s is open, half-open in %s", e.Name, e.RetryAfter)
}

// StorageError wraps a persistence failure. Callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ProviderError reports that the upstream token endpoint rejected a call.
type ProviderError struct {
	StatusCode  int
	Code        string
	Description string
	// Transient is true for throttling, 5xx and transport failures.
	Transient bool
	// Throttled is true when upstream explicitly signalled rate limiting.
	Throttled  bool
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider rejected call (status %d", e.StatusCode)
	if e.Code != "" {
		msg += ", " + e.Code
	}
	msg += ")"
	if e.Description != "" {
		msg += ": " + e.Description
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TimeoutError reports that a bounded call did not finish in time.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsThrottled reports whether err carries an upstream throttling signal.
func IsThrottled(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Throttled
}
