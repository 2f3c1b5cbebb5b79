package selfheal

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// errNotRecovered marks an action that returned false under RetryOnFalse.
var errNotRecovered = errors.New("recovery action reported failure")

// RetryRecoverer retries a Recoverer within one recovery attempt, using
// exponential, constant or fibonacci backoff with jitter. The whole retry
// sequence counts as a single attempt against the rule's MaxAttempts and is
// bounded by the monitor's ActionTimeout.
type RetryRecoverer struct {
	next       Recoverer
	config     *RetryConfig
	logger     *slog.Logger
	classifier ErrorClassifier
	stats      *retryStats
}

type retryStats struct {
	mu              sync.RWMutex
	totalCalls      int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetryRecoverer wraps next with retry logic.
//
// Example:
//
//	restart := selfheal.NewRetryRecoverer(
//	    selfheal.RecovererFunc(supervisor.Restart),
//	    selfheal.WithMaxAttempts(5),
//	    selfheal.WithExponentialBackoff(time.Second, 10*time.Second),
//	)
//	monitor, err := selfheal.New(cfg, selfheal.WithActionHandler(selfheal.ActionRestart, restart))
func NewRetryRecoverer(next Recoverer, opts ...RetryOption) *RetryRecoverer {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier()
	}

	return &RetryRecoverer{
		next:       next,
		config:     config,
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
		stats:      &retryStats{},
	}
}

// Recover implements Recoverer.
func (r *RetryRecoverer) Recover(ctx context.Context, health ServiceHealth) (bool, error) {
	if r.config.MaxAttempts <= 0 {
		return false, errors.New("max attempts must be positive")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var (
		recovered bool
		calls     int
	)

	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		calls++

		r.stats.mu.Lock()
		r.stats.totalCalls++
		if calls > 1 {
			r.stats.totalRetries++
		}
		r.stats.lastAttemptTime = time.Now()
		r.stats.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := r.next.Recover(ctx, health)
		if err == nil && ok {
			if calls > 1 {
				r.logger.Info("recovery action succeeded after retry",
					"service", health.Name,
					"calls", calls)
			}
			recovered = true
			return nil
		}

		if err == nil {
			if !r.config.RetryOnFalse {
				return nil
			}
			err = errNotRecovered
		} else if !r.classifier.IsRetryable(err) {
			r.logger.Debug("non-retryable recovery error, giving up",
				"service", health.Name,
				"error", err,
				"calls", calls)
			return err
		}

		r.logger.Debug("retrying recovery action after delay",
			"service", health.Name,
			"call", calls,
			"error", err)
		return retry.RetryableError(err)
	})

	if errors.Is(err, errNotRecovered) {
		err = nil
	}

	r.stats.mu.Lock()
	defer r.stats.mu.Unlock()

	if err != nil || !recovered {
		r.stats.totalFailures++
		r.stats.lastError = err
		if err != nil {
			r.logger.Warn("recovery action failed after retries",
				"service", health.Name,
				"calls", calls,
				"error", err)
		}
		return false, err
	}

	r.stats.totalSuccesses++
	return true, nil
}

// backoff builds the configured strategy. retry.Do counts the first call,
// so MaxAttempts-1 is passed to WithMaxRetries.
func (r *RetryRecoverer) backoff() retry.Backoff {
	maxRetries := min(max(r.config.MaxAttempts-1, 0), 1000)
	jitter := r.config.InitialDelay / 10

	var base retry.Backoff
	switch r.config.Strategy {
	case RetryStrategyConstant:
		delay := r.config.InitialDelay
		base = retry.BackoffFunc(func() (time.Duration, bool) {
			jitterMax := int64(delay / 10)
			if jitterMax <= 0 {
				jitterMax = 1
			}
			n, err := rand.Int(rand.Reader, big.NewInt(jitterMax))
			if err != nil {
				return delay, false
			}
			return delay + time.Duration(n.Int64()), false
		})
		return retry.WithMaxRetries(uint64(maxRetries), base) // #nosec G115 - bounded above

	case RetryStrategyFibonacci:
		base = retry.NewFibonacci(r.config.InitialDelay)

	default:
		base = retry.NewExponential(r.config.InitialDelay)
	}

	return retry.WithMaxRetries(
		uint64(maxRetries), // #nosec G115 - bounded above
		retry.WithCappedDuration(r.config.MaxDelay, retry.WithJitter(jitter, base)),
	)
}

// RetryStats holds counters for a RetryRecoverer.
type RetryStats struct {
	// TotalCalls counts every call to the wrapped Recoverer, retries included.
	TotalCalls int64

	// TotalRetries counts calls after the first within one Recover.
	TotalRetries int64

	TotalSuccesses int64
	TotalFailures  int64

	LastAttemptTime time.Time
	LastError       error
}

// Stats returns a snapshot of the retry counters.
func (r *RetryRecoverer) Stats() RetryStats {
	r.stats.mu.RLock()
	defer r.stats.mu.RUnlock()

	return RetryStats{
		TotalCalls:      r.stats.totalCalls,
		TotalRetries:    r.stats.totalRetries,
		TotalSuccesses:  r.stats.totalSuccesses,
		TotalFailures:   r.stats.totalFailures,
		LastAttemptTime: r.stats.lastAttemptTime,
		LastError:       r.stats.lastError,
	}
}
