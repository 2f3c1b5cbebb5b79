package selfheal

import (
	"context"
	"maps"
	"strings"
	"time"
)

// Status is the health status of a registered service.
type Status string

const (
	// StatusHealthy means the last probe succeeded.
	StatusHealthy Status = "HEALTHY"

	// StatusDegraded means the last probe succeeded but slower than the
	// configured DegradedResponseTime.
	StatusDegraded Status = "DEGRADED"

	// StatusFailed means the last probe failed or was rejected by the breaker.
	StatusFailed Status = "FAILED"

	// StatusRecovering means a recovery action has been dispatched and no probe
	// has reported since.
	StatusRecovering Status = "RECOVERING"

	// StatusUnknown is the status of a service that has not been probed yet.
	StatusUnknown Status = "UNKNOWN"
)

// ParseStatus converts a case-insensitive status name into a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusHealthy:
		return StatusHealthy, true
	case StatusDegraded:
		return StatusDegraded, true
	case StatusFailed:
		return StatusFailed, true
	case StatusRecovering:
		return StatusRecovering, true
	case StatusUnknown:
		return StatusUnknown, true
	default:
		return "", false
	}
}

// HealthCheckFunc reports whether a dependency is currently usable.
// Returning false or a non-nil error both count as a failed probe.
// The context carries the per-probe timeout.
type HealthCheckFunc func(ctx context.Context) (bool, error)

// ServiceHealth is a point-in-time snapshot of a service's health record.
// Values returned by the Monitor are copies and safe to retain.
type ServiceHealth struct {
	// Name is the registry key of the service.
	Name string `json:"name"`

	// Status is the current health status.
	Status Status `json:"status"`

	// LastCheck is when the last probe finished (zero if never probed).
	LastCheck time.Time `json:"last_check"`

	// ResponseTime is the duration of the last probe, including breaker rejections.
	ResponseTime time.Duration `json:"response_time"`

	// ErrorCount is the length of the current failure streak.
	ErrorCount int `json:"error_count"`

	// SuccessCount is the total number of successful probes.
	SuccessCount int `json:"success_count"`

	// LastError is the message of the last probe failure, cleared on success.
	LastError string `json:"last_error,omitempty"`

	// RecoveryAttempts counts recovery dispatches since the last successful recovery.
	RecoveryAttempts int `json:"recovery_attempts"`

	// LastRecovery is when the last recovery attempt was booked.
	LastRecovery time.Time `json:"last_recovery"`

	// BreakerState is the state of the service's circuit breaker at snapshot time.
	BreakerState BreakerState `json:"breaker_state"`

	// BreakerOpen is true when the last failure was a breaker rejection rather
	// than a probe that actually ran.
	BreakerOpen bool `json:"breaker_open"`

	// Metadata is opaque host data supplied at registration.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// clone returns a deep enough copy for handing out to callers.
func (h ServiceHealth) clone() ServiceHealth {
	out := h
	if h.Metadata != nil {
		out.Metadata = maps.Clone(h.Metadata)
	}
	return out
}

// IsHealthy reports whether the status is HEALTHY or DEGRADED.
func (h ServiceHealth) IsHealthy() bool {
	return h.Status == StatusHealthy || h.Status == StatusDegraded
}
