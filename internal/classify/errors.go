// Package classify implements the sentence classification retry engine:
// per-sentence retries with linear backoff against the classifier webhook,
// terminal-outcome persistence, and a bounded-concurrency batch driver.
package classify

import (
	"context"
	"errors"
	"strings"

	"github.com/defscope/definition-extraction-service/internal/domain"
)

// ErrorCategory classifies classifier failures into the categories that
// determine retry behaviour.
type ErrorCategory int

const (
	// Transient errors are temporary failures that are retried with linear
	// backoff (network timeouts, 5xx responses, rate limits).
	Transient ErrorCategory = iota

	// Malformed errors are delivered responses the engine cannot interpret
	// (missing or unrecognized category). Retried like transient failures.
	Malformed

	// Permanent errors are non-recoverable. The engine records a terminal
	// failure without retrying.
	Permanent
)

// String returns a human-readable name for the category.
func (c ErrorCategory) String() string {
	switch c {
	case Transient:
		return "transient"
	case Malformed:
		return "malformed"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retryable reports whether the engine should call the classifier again
// after an error of this category.
func (c ErrorCategory) Retryable() bool {
	return c == Transient || c == Malformed
}

// transientSubstrings are error message substrings that indicate a transient
// failure when the error is not already classified by a structured type.
var transientSubstrings = []string{
	"timeout",
	"network",
	"connection refused",
	"connection reset",
	"rate limit",
	"rate_limit",
	"service unavailable",
	"temporary",
	"deadline exceeded",
	"i/o timeout",
	"max retries exhausted",
}

// permanentSubstrings indicate a permanent failure.
// Substrings are chosen to avoid false positives: "unauthorized" instead of
// "auth" (which would match "author"), "invalid request"/"invalid parameter"
// instead of bare "invalid".
var permanentSubstrings = []string{
	"unauthorized",
	"authentication failed",
	"authorization failed",
	"forbidden",
	"bad_request",
	"bad request",
	"not_found",
	"not found",
	"invalid_input",
	"invalid request",
	"invalid parameter",
	"validation",
}

// Categorize inspects err and returns its ErrorCategory.
//
// Classification priority:
//  1. Nil errors — Permanent (no-op; callers should not retry nil)
//  2. ExternalAPIError — by status code; a 2xx status means the body was
//     delivered but could not be interpreted (Malformed)
//  3. Context deadline and domain sentinel errors
//  4. Error message substring matching (transient checked first for
//     fail-safe bias)
//  5. Default: Transient (safer to retry than to fail)
func Categorize(err error) ErrorCategory {
	if err == nil {
		return Permanent
	}

	var apiErr *domain.ExternalAPIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode >= 200 && apiErr.StatusCode < 300:
			return Malformed
		case apiErr.StatusCode == 429:
			return Transient
		case apiErr.StatusCode >= 500:
			return Transient
		case apiErr.StatusCode >= 400:
			return Permanent
		default:
			// Status 0: the adapter wrapped a transport-level failure.
			return Transient
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrServiceUnavailable) ||
		errors.Is(err, domain.ErrTimeout) {
		return Transient
	}
	if errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrCancelled) ||
		errors.Is(err, domain.ErrRetryBudgetExhausted) {
		return Permanent
	}

	msg := strings.ToLower(err.Error())

	// Transient substrings checked before permanent for fail-safe bias:
	// if in doubt, retry is safer than giving up.
	for _, sub := range transientSubstrings {
		if strings.Contains(msg, sub) {
			return Transient
		}
	}

	for _, sub := range permanentSubstrings {
		if strings.Contains(msg, sub) {
			return Permanent
		}
	}

	return Transient
}
