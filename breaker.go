package selfheal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// BreakerState represents the state of a service's circuit breaker.
type BreakerState int

const (
	// BreakerClosed means probes run normally.
	BreakerClosed BreakerState = iota

	// BreakerHalfOpen means trial probes are running to test recovery.
	BreakerHalfOpen

	// BreakerOpen means probes are rejected without running.
	BreakerOpen
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	case BreakerOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *BreakerState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = BreakerClosed
	case "HALF_OPEN":
		*s = BreakerHalfOpen
	case "OPEN":
		*s = BreakerOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

// BreakerConfig holds the thresholds of a service breaker.
type BreakerConfig struct {
	// OnStateChange is called asynchronously after the breaker changes state.
	OnStateChange func(name string, from, to BreakerState)

	// Logger for breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// RecoveryTimeout is how long the breaker stays OPEN before allowing a trial probe.
	// Default: 60 seconds
	RecoveryTimeout time.Duration

	// FailureThreshold is the number of consecutive failures that opens the breaker.
	// Default: 5
	FailureThreshold uint32

	// SuccessThreshold is the number of HALF_OPEN successes that closes the breaker.
	// Default: 2
	SuccessThreshold uint32
}

// BreakerOption is a functional option for configuring a breaker.
type BreakerOption func(*BreakerConfig)

// WithFailureThreshold sets the consecutive failures needed to open the breaker.
func WithFailureThreshold(n uint32) BreakerOption {
	return func(c *BreakerConfig) {
		c.FailureThreshold = n
	}
}

// WithRecoveryTimeout sets how long the breaker stays open.
func WithRecoveryTimeout(d time.Duration) BreakerOption {
	return func(c *BreakerConfig) {
		c.RecoveryTimeout = d
	}
}

// WithSuccessThreshold sets the half-open successes needed to close the breaker.
func WithSuccessThreshold(n uint32) BreakerOption {
	return func(c *BreakerConfig) {
		c.SuccessThreshold = n
	}
}

// WithBreakerStateChange sets a callback for breaker state changes.
func WithBreakerStateChange(fn func(name string, from, to BreakerState)) BreakerOption {
	return func(c *BreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithBreakerLogger sets the logger used by the breaker.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(c *BreakerConfig) {
		c.Logger = logger
	}
}

// DefaultBreakerConfig returns breaker thresholds of 5 failures, 60s open and 2 trial successes.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		Logger:           slog.Default(),
	}
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	State           BreakerState `json:"state"`
	FailureCount    uint32       `json:"failure_count"`
	SuccessCount    uint32       `json:"success_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	NextAttemptTime time.Time    `json:"next_attempt_time"`
}

// CircuitBreaker guards a single service's probe. While OPEN the probe is
// never invoked; the breaker, not the scheduler, decides whether it runs.
type CircuitBreaker struct {
	name   string
	config *BreakerConfig
	logger *slog.Logger

	mu          sync.RWMutex
	cb          *gobreaker.CircuitBreaker[bool]
	generation  uint64
	lastFailure time.Time
	nextAttempt time.Time
}

// NewCircuitBreaker creates a breaker for the named service.
//
// Example:
//
//	breaker := selfheal.NewCircuitBreaker(
//	    "db",
//	    selfheal.WithFailureThreshold(5),
//	    selfheal.WithRecoveryTimeout(30*time.Second),
//	)
func NewCircuitBreaker(name string, opts ...BreakerOption) *CircuitBreaker {
	config := DefaultBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 1
	}

	b := &CircuitBreaker{
		name:   name,
		config: config,
		logger: config.Logger,
	}
	b.cb = b.newGobreaker(0)

	return b
}

// newGobreaker builds the underlying breaker. Interval is zero so counts in
// CLOSED only clear on success or state change.
func (b *CircuitBreaker) newGobreaker(generation uint64) *gobreaker.CircuitBreaker[bool] {
	threshold := b.config.FailureThreshold

	settings := gobreaker.Settings{
		Name:        b.name,
		MaxRequests: b.config.SuccessThreshold,
		Interval:    0,
		Timeout:     b.config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.handleStateChange(generation, from, to)
		},
	}

	return gobreaker.NewCircuitBreaker[bool](settings)
}

// handleStateChange runs with the gobreaker lock held; it only touches b.mu.
func (b *CircuitBreaker) handleStateChange(generation uint64, from, to gobreaker.State) {
	b.mu.Lock()
	if generation != b.generation {
		b.mu.Unlock()
		return
	}
	switch to {
	case gobreaker.StateOpen:
		b.nextAttempt = time.Now().Add(b.config.RecoveryTimeout)
	case gobreaker.StateClosed:
		b.nextAttempt = time.Time{}
	}
	b.mu.Unlock()

	fromState := convertGobreakerState(from)
	toState := convertGobreakerState(to)

	b.logger.Warn("circuit breaker state changed",
		"service", b.name,
		"from", fromState.String(),
		"to", toState.String())

	if b.config.OnStateChange != nil {
		// Notify outside the gobreaker lock so the callback may query the breaker.
		go b.notify(fromState, toState)
	}
}

func (b *CircuitBreaker) notify(from, to BreakerState) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("circuit breaker state change callback panicked",
				"service", b.name,
				"panic", r)
		}
	}()

	b.config.OnStateChange(b.name, from, to)
}

// Execute runs probe through the breaker. A probe returning false is treated
// as ErrProbeFailed. When the breaker rejects the call the probe is not run
// and the returned error satisfies IsBreakerRejection.
func (b *CircuitBreaker) Execute(ctx context.Context, probe HealthCheckFunc) error {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	_, err := cb.Execute(func() (bool, error) {
		ok, err := probe(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, ErrProbeFailed
		}
		return true, nil
	})
	if err == nil {
		return nil
	}

	if IsBreakerRejection(err) {
		counts := cb.Counts()
		state := convertGobreakerState(cb.State())
		b.logger.Debug("circuit breaker rejected probe",
			"service", b.name,
			"state", state.String())
		return jperrors.NewCircuitBreakerError(
			"probe rejected",
			b.name,
			state.String(),
			jperrors.WithCause(err),
			jperrors.WithCounts(jperrors.CircuitCounts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			}),
		)
	}

	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()

	return err
}

// State returns the current breaker state. An OPEN breaker past its
// NextAttemptTime reports HALF_OPEN.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	return convertGobreakerState(cb.State())
}

// Snapshot returns the breaker state and counters.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	// Query gobreaker before taking b.mu: State may fire handleStateChange.
	state := convertGobreakerState(cb.State())
	counts := cb.Counts()

	b.mu.RLock()
	defer b.mu.RUnlock()

	return BreakerSnapshot{
		State:           state,
		FailureCount:    counts.ConsecutiveFailures,
		SuccessCount:    counts.ConsecutiveSuccesses,
		LastFailureTime: b.lastFailure,
		NextAttemptTime: b.nextAttempt,
	}
}

// Reset forces the breaker to CLOSED with all counters cleared.
// gobreaker has no reset, so the underlying breaker is recreated.
func (b *CircuitBreaker) Reset() {
	prev := b.State()

	b.mu.Lock()
	b.generation++
	b.cb = b.newGobreaker(b.generation)
	b.lastFailure = time.Time{}
	b.nextAttempt = time.Time{}
	b.mu.Unlock()

	if prev == BreakerClosed {
		return
	}

	b.logger.Info("circuit breaker reset", "service", b.name, "from", prev.String())

	if b.config.OnStateChange != nil {
		go b.notify(prev, BreakerClosed)
	}
}

// convertGobreakerState converts gobreaker.State to BreakerState.
func convertGobreakerState(state gobreaker.State) BreakerState {
	switch state {
	case gobreaker.StateClosed:
		return BreakerClosed
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	case gobreaker.StateOpen:
		return BreakerOpen
	default:
		return BreakerClosed
	}
}
