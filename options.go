package selfheal

import (
	"log/slog"
	"time"
)

// Config holds the monitor configuration. Construct it with DefaultConfig and
// override individual fields.
type Config struct {
	// HealthCheckInterval is the period of the health-check loop.
	// Default: 30 seconds
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`

	// RecoveryLoopInterval is the period of the recovery-rule loop.
	// Default: 10 seconds
	RecoveryLoopInterval time.Duration `mapstructure:"recovery_loop_interval" yaml:"recovery_loop_interval"`

	// MaxRecoveryAttemptsDefault bounds manual recoveries and rules that leave MaxAttempts at 0.
	// Default: 3
	MaxRecoveryAttemptsDefault int `mapstructure:"max_recovery_attempts" yaml:"max_recovery_attempts"`

	// AlertThreshold is the failure streak length that raises an alert event.
	// Default: 5
	AlertThreshold int `mapstructure:"alert_threshold" yaml:"alert_threshold"`

	// AutoRecoveryEnabled starts the recovery-rule loop with Start.
	// Default: true
	AutoRecoveryEnabled bool `mapstructure:"auto_recovery_enabled" yaml:"auto_recovery_enabled"`

	// AlertsEnabled controls emission of alert events.
	// Default: true
	AlertsEnabled bool `mapstructure:"alerts_enabled" yaml:"alerts_enabled"`

	// HistoryCapacity is the number of recovery events kept in memory.
	// Default: 100
	HistoryCapacity int `mapstructure:"history_capacity" yaml:"history_capacity"`

	// ProbeTimeout bounds a single probe call.
	// Default: 10 seconds
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`

	// ActionTimeout bounds a single recovery action call.
	// Default: 30 seconds
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`

	// BreakerFailureThreshold is the consecutive failures that open a service breaker.
	// Default: 5
	BreakerFailureThreshold uint32 `mapstructure:"breaker_failure_threshold" yaml:"breaker_failure_threshold"`

	// BreakerRecoveryTimeout is how long a service breaker stays open.
	// Default: 60 seconds
	BreakerRecoveryTimeout time.Duration `mapstructure:"breaker_recovery_timeout" yaml:"breaker_recovery_timeout"`

	// BreakerSuccessThreshold is the half-open successes that close a service breaker.
	// Default: 2
	BreakerSuccessThreshold uint32 `mapstructure:"breaker_success_threshold" yaml:"breaker_success_threshold"`

	// MaxConcurrentProbes limits probes running at once within a tick. 0 means no limit.
	MaxConcurrentProbes int `mapstructure:"max_concurrent_probes" yaml:"max_concurrent_probes"`

	// DegradedResponseTime marks successful but slow probes as DEGRADED. 0 disables it.
	DegradedResponseTime time.Duration `mapstructure:"degraded_response_time" yaml:"degraded_response_time"`
}

// DefaultConfig returns the monitor configuration with its documented defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:        30 * time.Second,
		RecoveryLoopInterval:       10 * time.Second,
		MaxRecoveryAttemptsDefault: 3,
		AlertThreshold:             5,
		AutoRecoveryEnabled:        true,
		AlertsEnabled:              true,
		HistoryCapacity:            100,
		ProbeTimeout:               10 * time.Second,
		ActionTimeout:              30 * time.Second,
		BreakerFailureThreshold:    5,
		BreakerRecoveryTimeout:     60 * time.Second,
		BreakerSuccessThreshold:    2,
	}
}

// normalize fills zero values that would make the loops spin or never fire.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.RecoveryLoopInterval <= 0 {
		c.RecoveryLoopInterval = def.RecoveryLoopInterval
	}
	if c.MaxRecoveryAttemptsDefault <= 0 {
		c.MaxRecoveryAttemptsDefault = def.MaxRecoveryAttemptsDefault
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = def.AlertThreshold
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = def.HistoryCapacity
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = def.ActionTimeout
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = def.BreakerFailureThreshold
	}
	if c.BreakerRecoveryTimeout <= 0 {
		c.BreakerRecoveryTimeout = def.BreakerRecoveryTimeout
	}
	if c.BreakerSuccessThreshold == 0 {
		c.BreakerSuccessThreshold = def.BreakerSuccessThreshold
	}
	if c.MaxConcurrentProbes < 0 {
		c.MaxConcurrentProbes = 0
	}
	return c
}

// Option configures a Monitor.
type Option func(*monitorOptions)

type monitorOptions struct {
	logger         *slog.Logger
	now            func() time.Time
	rules          []RecoveryRule
	rulesSet       bool
	actionHandlers map[Action]Recoverer
	historyCap     int
}

// WithLogger sets the structured logger used by the monitor.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	selfheal.WithLogger(logger)
func WithLogger(logger *slog.Logger) Option {
	return func(o *monitorOptions) {
		o.logger = logger
	}
}

// WithClock replaces time.Now for cooldown and timestamp bookkeeping.
// Breaker timing always uses the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *monitorOptions) {
		o.now = now
	}
}

// WithRules sets the rules loaded at construction, replacing DefaultRules.
// WithRules() with no arguments starts with an empty rule set.
//
// Example:
//
//	rules, err := selfheal.LoadRulesFile("rules.yaml")
//	if err != nil {
//	    return err
//	}
//	monitor, err := selfheal.New(cfg, selfheal.WithRules(rules...))
func WithRules(rules ...RecoveryRule) Option {
	return func(o *monitorOptions) {
		o.rules = append(o.rules, rules...)
		o.rulesSet = true
	}
}

// WithHistoryCapacity overrides Config.HistoryCapacity.
func WithHistoryCapacity(n int) Option {
	return func(o *monitorOptions) {
		o.historyCap = n
	}
}

// WithActionHandler replaces the built-in Recoverer for an action. Rules that
// carry their own Recoverer are unaffected.
//
// Example:
//
//	selfheal.WithActionHandler(selfheal.ActionRestart, selfheal.RecovererFunc(
//	    func(ctx context.Context, h selfheal.ServiceHealth) (bool, error) {
//	        return supervisor.Restart(ctx, h.Name)
//	    }))
func WithActionHandler(action Action, r Recoverer) Option {
	return func(o *monitorOptions) {
		if o.actionHandlers == nil {
			o.actionHandlers = make(map[Action]Recoverer)
		}
		o.actionHandlers[action] = r
	}
}

// RetryStrategy defines the backoff strategy for RetryRecoverer.
type RetryStrategy string

const (
	// RetryStrategyExponential uses exponential backoff with jitter.
	RetryStrategyExponential RetryStrategy = "exponential"

	// RetryStrategyConstant uses a constant delay between retries with jitter.
	RetryStrategyConstant RetryStrategy = "constant"

	// RetryStrategyFibonacci uses fibonacci backoff with jitter.
	RetryStrategyFibonacci RetryStrategy = "fibonacci"
)

// RetryConfig holds RetryRecoverer options.
type RetryConfig struct {
	// ErrorClassifier determines which action errors are retried.
	// Default: DefaultErrorClassifier()
	ErrorClassifier ErrorClassifier

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Strategy defines the backoff strategy.
	// Default: RetryStrategyExponential
	Strategy RetryStrategy

	// InitialDelay is the delay before the first retry.
	// Default: 500 milliseconds
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 5 seconds
	MaxDelay time.Duration

	// MaxAttempts is the number of calls including the first one.
	// Default: 3
	MaxAttempts int

	// RetryOnFalse retries when the action returns false without an error.
	// Default: false
	RetryOnFalse bool
}

// RetryOption is a functional option for RetryRecoverer.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the number of calls made per recovery attempt.
func WithMaxAttempts(attempts int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxAttempts = attempts
	}
}

// WithExponentialBackoff configures exponential backoff with jitter.
//
// Example:
//
//	selfheal.WithExponentialBackoff(time.Second, 10*time.Second)
//	// Delays: ~1s, ~2s, ~4s, ~8s, 10s (capped)
func WithExponentialBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithConstantBackoff configures a constant delay between retries with jitter.
func WithConstantBackoff(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyConstant
		c.InitialDelay = delay
		c.MaxDelay = delay
	}
}

// WithFibonacciBackoff configures fibonacci backoff with jitter.
func WithFibonacciBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyFibonacci
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithErrorClassifier sets the classifier that decides which errors are retried.
func WithErrorClassifier(classifier ErrorClassifier) RetryOption {
	return func(c *RetryConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithRetryOnFalse also retries actions that report failure without an error.
func WithRetryOnFalse() RetryOption {
	return func(c *RetryConfig) {
		c.RetryOnFalse = true
	}
}

// WithRetryLogger sets the logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		Strategy:        RetryStrategyExponential,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		ErrorClassifier: DefaultErrorClassifier(),
		Logger:          slog.Default(),
	}
}
