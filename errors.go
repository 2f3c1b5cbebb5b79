package selfheal

import (
	"context"
	"errors"
	"fmt"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrProbeFailed is recorded when a probe returns false without an error.
	ErrProbeFailed = errors.New("selfheal: probe reported unhealthy")

	// ErrServiceNotFound is returned for operations on an unregistered service.
	ErrServiceNotFound = errors.New("selfheal: service not registered")

	// ErrDuplicateRule is returned when a rule ID is already in use.
	ErrDuplicateRule = errors.New("selfheal: duplicate recovery rule id")

	// ErrInvalidRule is returned when a rule is missing required fields.
	ErrInvalidRule = errors.New("selfheal: invalid recovery rule")

	// ErrInvalidCondition is returned when a rule condition cannot be parsed.
	ErrInvalidCondition = errors.New("selfheal: invalid rule condition")

	// ErrStillRunning is returned by Cleanup when the monitor has not been stopped.
	ErrStillRunning = errors.New("selfheal: monitor is still running")

	// ErrNoRecoverer is returned when an action has no handler.
	ErrNoRecoverer = errors.New("selfheal: no recoverer for action")

	// ErrPermanent marks a recovery error that must not be retried.
	ErrPermanent = errors.New("selfheal: permanent failure")
)

// ErrorClassifier decides whether a recovery error is transient.
// RetryRecoverer consults it between attempts.
type ErrorClassifier interface {
	// IsRetryable returns true if retrying the same action may succeed.
	IsRetryable(err error) bool
}

// ErrorClassifierFunc adapts a function to ErrorClassifier.
type ErrorClassifierFunc func(err error) bool

// IsRetryable implements ErrorClassifier.
func (f ErrorClassifierFunc) IsRetryable(err error) bool {
	return f(err)
}

// HTTPError is implemented by errors carrying an HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// StatusCodeError wraps an error with the HTTP status code that caused it.
// The HTTP probe returns it for unexpected responses.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{Code: statusCode, Err: err}
}

// DefaultErrorClassifier treats timeouts, rate limits, 5xx responses and
// unclassified errors as retryable. Context cancellation and ErrPermanent are not.
func DefaultErrorClassifier() ErrorClassifier {
	return ErrorClassifierFunc(func(err error) bool {
		if err == nil {
			return false
		}

		// A cancelled parent context fails every further attempt immediately.
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrPermanent) {
			return false
		}

		if errors.Is(err, jperrors.ErrRateLimited) || jperrors.IsTimeout(err) {
			return true
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}

		var httpErr HTTPError
		if errors.As(err, &httpErr) {
			code := httpErr.StatusCode()
			return code == 429 || code >= 500
		}

		return true
	})
}

// IsBreakerRejection reports whether err means the circuit breaker refused to
// run the probe (OPEN, or HALF_OPEN with its trial slots taken).
func IsBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// newTimeoutError reports a callback that outlived its deadline.
func newTimeoutError(operation string, timeout time.Duration) error {
	return jperrors.NewTimeoutError(
		fmt.Sprintf("%s did not complete within %s", operation, timeout),
		operation,
		timeout,
	)
}
