package main

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	selfheal "github.com/JohnPlummer/jp-go-selfheal"
)

// Dependency kinds understood by the daemon.
const (
	kindHTTP     = "http"
	kindTCP      = "tcp"
	kindRedis    = "redis"
	kindPostgres = "postgres"
)

// daemonConfig is the top-level selfheald configuration.
type daemonConfig struct {
	Listen       string             `mapstructure:"listen"`
	CORSOrigins  []string           `mapstructure:"cors_origins"`
	LogLevel     string             `mapstructure:"log_level"`
	LogFormat    string             `mapstructure:"log_format"`
	RulesFile    string             `mapstructure:"rules_file"`
	Monitor      selfheal.Config    `mapstructure:"monitor"`
	Retry        retryConfig        `mapstructure:"retry"`
	Dependencies []dependencyConfig `mapstructure:"dependencies"`
}

// retryConfig wraps the built-in RESTART action in a RetryRecoverer when
// Attempts is above 1.
type retryConfig struct {
	Attempts     int           `mapstructure:"attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// dependencyConfig describes one service to probe. Target is a URL for http
// and redis, a host:port for tcp, and a DSN for postgres.
type dependencyConfig struct {
	Name           string            `mapstructure:"name"`
	Kind           string            `mapstructure:"kind"`
	Target         string            `mapstructure:"target"`
	ExpectedStatus int               `mapstructure:"expected_status"`
	Metadata       map[string]string `mapstructure:"metadata"`
}

// loadConfig reads configuration from path (optional) with SELFHEAL_
// environment overrides on top of the defaults.
func loadConfig(path string) (*daemonConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SELFHEAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg daemonConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if errs := cfg.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := selfheal.DefaultConfig()

	v.SetDefault("listen", "127.0.0.1:8088")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("rules_file", "")

	v.SetDefault("monitor.health_check_interval", def.HealthCheckInterval)
	v.SetDefault("monitor.recovery_loop_interval", def.RecoveryLoopInterval)
	v.SetDefault("monitor.max_recovery_attempts", def.MaxRecoveryAttemptsDefault)
	v.SetDefault("monitor.alert_threshold", def.AlertThreshold)
	v.SetDefault("monitor.auto_recovery_enabled", def.AutoRecoveryEnabled)
	v.SetDefault("monitor.alerts_enabled", def.AlertsEnabled)
	v.SetDefault("monitor.history_capacity", def.HistoryCapacity)
	v.SetDefault("monitor.probe_timeout", def.ProbeTimeout)
	v.SetDefault("monitor.action_timeout", def.ActionTimeout)
	v.SetDefault("monitor.breaker_failure_threshold", def.BreakerFailureThreshold)
	v.SetDefault("monitor.breaker_recovery_timeout", def.BreakerRecoveryTimeout)
	v.SetDefault("monitor.breaker_success_threshold", def.BreakerSuccessThreshold)
	v.SetDefault("monitor.max_concurrent_probes", def.MaxConcurrentProbes)
	v.SetDefault("monitor.degraded_response_time", def.DegradedResponseTime)

	v.SetDefault("retry.attempts", 1)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.max_delay", 10*time.Second)
}

// validate returns every problem found rather than stopping at the first.
func (c *daemonConfig) validate() []error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("config: listen must be host:port, got %q: %w", c.Listen, err))
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log_format must be one of [text, json], got %q", c.LogFormat))
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if c.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("config: retry.attempts must be at least 1, got %d", c.Retry.Attempts))
	}

	seen := make(map[string]bool, len(c.Dependencies))
	for i, dep := range c.Dependencies {
		if dep.Name == "" {
			errs = append(errs, fmt.Errorf("config: dependencies[%d].name must not be empty", i))
		} else if seen[dep.Name] {
			errs = append(errs, fmt.Errorf("config: dependencies[%d].name %q is duplicated", i, dep.Name))
		}
		seen[dep.Name] = true

		if dep.Target == "" {
			errs = append(errs, fmt.Errorf("config: dependencies[%d].target must not be empty", i))
			continue
		}

		switch dep.Kind {
		case kindHTTP:
			u, err := url.Parse(dep.Target)
			if err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Errorf("config: dependencies[%d].target must be an absolute URL, got %q", i, dep.Target))
			}
		case kindTCP:
			if _, _, err := net.SplitHostPort(dep.Target); err != nil {
				errs = append(errs, fmt.Errorf("config: dependencies[%d].target must be host:port, got %q", i, dep.Target))
			}
		case kindRedis, kindPostgres:
		default:
			errs = append(errs, fmt.Errorf("config: dependencies[%d].kind must be one of [http, tcp, redis, postgres], got %q", i, dep.Kind))
		}
	}

	return errs
}
