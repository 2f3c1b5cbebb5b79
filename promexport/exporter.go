// Package promexport exposes a selfheal.Monitor's events as Prometheus metrics.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"

	selfheal "github.com/JohnPlummer/jp-go-selfheal"
)

var allStatuses = []selfheal.Status{
	selfheal.StatusHealthy,
	selfheal.StatusDegraded,
	selfheal.StatusFailed,
	selfheal.StatusRecovering,
	selfheal.StatusUnknown,
}

// Exporter is a prometheus.Collector fed by monitor events.
type Exporter struct {
	EventsTotal     *prometheus.CounterVec
	ServiceStatus   *prometheus.GaugeVec
	BreakerState    *prometheus.GaugeVec
	ErrorStreak     *prometheus.GaugeVec
	RecoveriesTotal *prometheus.CounterVec
	ProbeDuration   *prometheus.HistogramVec

	unsubscribe func()
}

// Option configures an Exporter.
type Option func(*options)

type options struct {
	namespace string
}

// WithNamespace sets the metric namespace. Default: "selfheal"
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// New creates an exporter and registers it with reg.
func New(reg prometheus.Registerer, opts ...Option) (*Exporter, error) {
	o := &options{namespace: "selfheal"}
	for _, opt := range opts {
		opt(o)
	}

	e := &Exporter{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "events_total",
			Help:      "Total number of monitor events by kind",
		}, []string{"kind", "service"}),

		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Name:      "service_status",
			Help:      "Current service status (1 for the active status, 0 otherwise)",
		}, []string{"service", "status"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"service"}),

		ErrorStreak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Name:      "error_streak",
			Help:      "Consecutive failed health checks",
		}, []string{"service"}),

		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "recoveries_total",
			Help:      "Total number of finished recovery attempts by outcome",
		}, []string{"service", "action", "outcome"}),

		ProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "probe_duration_seconds",
			Help:      "Duration of health probes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"service"}),
	}

	if err := reg.Register(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	e.EventsTotal.Describe(ch)
	e.ServiceStatus.Describe(ch)
	e.BreakerState.Describe(ch)
	e.ErrorStreak.Describe(ch)
	e.RecoveriesTotal.Describe(ch)
	e.ProbeDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.EventsTotal.Collect(ch)
	e.ServiceStatus.Collect(ch)
	e.BreakerState.Collect(ch)
	e.ErrorStreak.Collect(ch)
	e.RecoveriesTotal.Collect(ch)
	e.ProbeDuration.Collect(ch)
}

// Attach subscribes the exporter to every event of m and seeds gauges for
// services already registered. Attaching again replaces the previous
// subscription.
func (e *Exporter) Attach(m *selfheal.Monitor) {
	e.Detach()
	for _, h := range m.GetAllServicesHealth() {
		e.observeHealth(h)
	}
	e.unsubscribe = m.SubscribeAll(e.Handle)
}

// Detach removes the subscription made by Attach.
func (e *Exporter) Detach() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// Handle updates metrics for one event. It is the handler Attach subscribes.
func (e *Exporter) Handle(ev selfheal.Event) {
	if ev.Service != "" {
		e.EventsTotal.WithLabelValues(string(ev.Kind), ev.Service).Inc()
	}

	switch ev.Kind {
	case selfheal.EventServiceUnregistered:
		e.forget(ev.Service)
		return
	case selfheal.EventHealthChecked:
		if ev.Health != nil {
			e.ProbeDuration.WithLabelValues(ev.Service).Observe(ev.Health.ResponseTime.Seconds())
		}
	case selfheal.EventRecoverySuccess:
		e.RecoveriesTotal.WithLabelValues(ev.Service, string(ev.Action), "success").Inc()
	case selfheal.EventRecoveryFailed:
		e.RecoveriesTotal.WithLabelValues(ev.Service, string(ev.Action), "failed").Inc()
	case selfheal.EventRecoveryError:
		e.RecoveriesTotal.WithLabelValues(ev.Service, string(ev.Action), "error").Inc()
	case selfheal.EventRecoveryEscalate:
		e.RecoveriesTotal.WithLabelValues(ev.Service, string(ev.Action), "escalated").Inc()
	}

	if ev.Health != nil {
		e.observeHealth(*ev.Health)
	}
}

func (e *Exporter) observeHealth(h selfheal.ServiceHealth) {
	for _, s := range allStatuses {
		v := 0.0
		if s == h.Status {
			v = 1
		}
		e.ServiceStatus.WithLabelValues(h.Name, string(s)).Set(v)
	}
	e.BreakerState.WithLabelValues(h.Name).Set(float64(h.BreakerState))
	e.ErrorStreak.WithLabelValues(h.Name).Set(float64(h.ErrorCount))
}

func (e *Exporter) forget(service string) {
	labels := prometheus.Labels{"service": service}
	e.ServiceStatus.DeletePartialMatch(labels)
	e.BreakerState.DeletePartialMatch(labels)
	e.ErrorStreak.DeletePartialMatch(labels)
	e.ProbeDuration.DeletePartialMatch(labels)
}
