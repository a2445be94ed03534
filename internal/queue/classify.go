package queue

import (
	"errors"
	"time"

	"github.com/dtroode/deskauth/internal/model"
)

// Class is the queue's reading of a handler error.
type Class int

const (
	// ClassDefer re-queues the operation without spending an attempt.
	ClassDefer Class = iota
	// ClassRetry re-queues the operation with backoff until attempts run out.
	ClassRetry
	// ClassPermanent fails the operation immediately.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassDefer:
		return "defer"
	case ClassRetry:
		return "retry"
	default:
		return "permanent"
	}
}

// Classify decides what happens to an operation whose handler returned err.
// The second result is the delay the error itself asks for, if any.
func Classify(err error) (Class, time.Duration) {
	var (
		rl      *model.RateLimitExceededError
		open    *model.CircuitOpenError
		reauth  *model.ReauthorizationRequiredError
		invalid *model.ValidationError
		perr    *model.ProviderError
	)

	switch {
	case errors.As(err, &rl):
		return ClassDefer, rl.RetryAfter
	case errors.As(err, &open):
		return ClassDefer, open.RetryAfter
	case errors.As(err, &reauth), errors.As(err, &invalid), errors.Is(err, model.ErrNotFound):
		return ClassPermanent, 0
	case errors.As(err, &perr):
		if perr.Transient {
			return ClassRetry, perr.RetryAfter
		}
		return ClassPermanent, 0
	}
	// Timeouts, storage failures and anything unrecognised are retried.
	return ClassRetry, 0
}

func deferReason(err error) string {
	var open *model.CircuitOpenError
	if errors.As(err, &open) {
		return "circuit_open"
	}
	return "rate_limited"
}

// backoff returns base × 2^attempt capped at ceiling.
func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
