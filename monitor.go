// Package selfheal provides a self-healing dependency-health monitor.
//
// A Monitor periodically probes registered services through per-service
// circuit breakers, keeps a health record for each, and evaluates
// prioritized recovery rules that dispatch bounded, cooldown-respecting
// recovery actions. Everything it does is reported as typed events and a
// bounded recovery history.
//
// Example:
//
//	monitor, err := selfheal.New(selfheal.DefaultConfig(), selfheal.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	monitor.RegisterService("db", func(ctx context.Context) (bool, error) {
//	    return pool.Ping(ctx) == nil, nil
//	}, nil)
//	monitor.Start()
//	defer monitor.Stop()
package selfheal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// runToken is captured at tick start; results of work dispatched under a
// stopped token are discarded. wg tracks the loops of one Start; done is
// closed once they have exited.
type runToken struct {
	stopped atomic.Bool
	wg      sync.WaitGroup
	done    chan struct{}
}

// alwaysLive is used by out-of-band calls that are valid while stopped.
var alwaysLive = &runToken{}

// Monitor is the self-healing dependency-health subsystem. Construct one with
// New and pass it to whatever needs it; there is no package-level instance.
type Monitor struct {
	cfg            Config
	logger         *slog.Logger
	now            func() time.Time
	registry       *registry
	rules          *ruleSet
	history        *history
	events         *eventBus
	actionHandlers map[Action]Recoverer

	lifecycle sync.Mutex
	running   bool
	token     *runToken
	cancel    context.CancelFunc
}

// New creates a monitor. Rules come from WithRules, or DefaultRules when
// WithRules is not given. An invalid rule fails construction.
func New(cfg Config, opts ...Option) (*Monitor, error) {
	o := &monitorOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}

	if o.historyCap > 0 {
		cfg.HistoryCapacity = o.historyCap
	}
	cfg = cfg.normalize()

	m := &Monitor{
		cfg:            cfg,
		logger:         o.logger,
		now:            o.now,
		registry:       newRegistry(),
		rules:          &ruleSet{},
		history:        newHistory(cfg.HistoryCapacity),
		events:         newEventBus(o.logger),
		actionHandlers: o.actionHandlers,
	}

	rules := o.rules
	if !o.rulesSet {
		rules = DefaultRules()
	}
	for _, rule := range rules {
		if err := m.AddRecoveryRule(rule); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// RegisterService adds a service with a fresh UNKNOWN health record and a
// new circuit breaker. Registering an existing name replaces it.
func (m *Monitor) RegisterService(name string, probe HealthCheckFunc, metadata map[string]any) {
	e := &serviceEntry{
		name:  name,
		probe: probe,
		breaker: NewCircuitBreaker(name,
			WithFailureThreshold(m.cfg.BreakerFailureThreshold),
			WithRecoveryTimeout(m.cfg.BreakerRecoveryTimeout),
			WithSuccessThreshold(m.cfg.BreakerSuccessThreshold),
			WithBreakerLogger(m.logger),
		),
		health: ServiceHealth{
			Name:     name,
			Status:   StatusUnknown,
			Metadata: metadata,
		},
	}
	e.health = e.health.clone()
	m.registry.put(e)

	m.logger.Info("service registered", "service", name)

	snap := e.snapshot()
	m.emit(Event{Kind: EventServiceRegistered, Service: name, Health: &snap})
}

// UnregisterService removes the service, its probe and its breaker.
// It is a no-op for unknown names.
func (m *Monitor) UnregisterService(name string) {
	if !m.registry.remove(name) {
		return
	}
	m.logger.Info("service unregistered", "service", name)
	m.emit(Event{Kind: EventServiceUnregistered, Service: name})
}

// AddRecoveryRule validates, compiles and adds a rule. The condition is
// parsed once here; a malformed condition is rejected.
func (m *Monitor) AddRecoveryRule(rule RecoveryRule) error {
	compiled, err := rule.compile(m.cfg.MaxRecoveryAttemptsDefault)
	if err != nil {
		return err
	}
	if err := m.rules.add(compiled); err != nil {
		return err
	}
	m.logger.Debug("recovery rule added",
		"rule", compiled.ID,
		"service", compiled.ServiceName,
		"action", string(compiled.Action),
		"priority", compiled.Priority)
	return nil
}

// RemoveRecoveryRule removes a rule by ID and reports whether it existed.
func (m *Monitor) RemoveRecoveryRule(id string) bool {
	return m.rules.remove(id)
}

// RecoveryRules returns all rules in evaluation order.
func (m *Monitor) RecoveryRules() []RecoveryRule {
	return m.rules.all()
}

// Start launches the health-check loop, and the recovery loop when
// AutoRecoveryEnabled is set. Calling Start on a running monitor does nothing.
func (m *Monitor) Start() {
	m.lifecycle.Lock()
	if m.running {
		m.lifecycle.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	token := &runToken{done: make(chan struct{})}
	m.running = true
	m.token = token
	m.cancel = cancel

	token.wg.Add(1)
	go m.healthLoop(ctx, token)

	if m.cfg.AutoRecoveryEnabled {
		token.wg.Add(1)
		go m.recoveryLoop(ctx, token)
	}
	m.lifecycle.Unlock()

	m.logger.Info("self-healing monitor started",
		"health_check_interval", m.cfg.HealthCheckInterval,
		"recovery_loop_interval", m.cfg.RecoveryLoopInterval,
		"auto_recovery", m.cfg.AutoRecoveryEnabled)
	m.emit(Event{Kind: EventSystemStarted})
}

// Stop cancels both loops and waits for them to exit. Probes and actions
// already running finish, but their results are discarded. Calling Stop on
// a stopped monitor does nothing.
//
// Called from an event handler, Stop returns without waiting: the handler
// may be running on a loop goroutine. The loops exit once it returns, and
// system.stopped is emitted then.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	if !m.running {
		m.lifecycle.Unlock()
		return
	}
	m.running = false
	token := m.token
	token.stopped.Store(true)
	m.cancel()
	m.lifecycle.Unlock()

	if inHandler() {
		go m.awaitLoops(token)
		return
	}
	m.awaitLoops(token)
}

func (m *Monitor) awaitLoops(token *runToken) {
	token.wg.Wait()
	close(token.done)

	m.logger.Info("self-healing monitor stopped")
	m.emit(Event{Kind: EventSystemStopped})
}

// IsRunning reports whether the loops are running.
func (m *Monitor) IsRunning() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.running
}

// Cleanup clears services, rules, history and subscriptions.
// It returns ErrStillRunning until the loops have exited.
func (m *Monitor) Cleanup() error {
	m.lifecycle.Lock()
	running, token := m.running, m.token
	m.lifecycle.Unlock()

	if running {
		return ErrStillRunning
	}
	if token != nil {
		select {
		case <-token.done:
		default:
			return ErrStillRunning
		}
	}
	m.registry.clear()
	m.rules.clear()
	m.history.clear()
	m.events.clear()
	return nil
}

// GetServiceHealth returns a copy of the named service's health record.
func (m *Monitor) GetServiceHealth(name string) (ServiceHealth, bool) {
	e, ok := m.registry.get(name)
	if !ok {
		return ServiceHealth{}, false
	}
	return e.snapshot(), true
}

// GetAllServicesHealth returns copies of every health record, ordered by name.
func (m *Monitor) GetAllServicesHealth() []ServiceHealth {
	entries := m.registry.list()
	out := make([]ServiceHealth, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// GetBreakerSnapshot returns the named service's breaker state and counters.
func (m *Monitor) GetBreakerSnapshot(name string) (BreakerSnapshot, bool) {
	e, ok := m.registry.get(name)
	if !ok {
		return BreakerSnapshot{}, false
	}
	return e.breaker.Snapshot(), true
}

// GetRecoveryHistory returns up to limit recovery events, newest first.
// limit <= 0 returns the whole history.
func (m *Monitor) GetRecoveryHistory(limit int) []RecoveryEvent {
	return m.history.recent(limit)
}

// ResetRecoveryAttempts clears the attempt counter so exhausted rules may
// fire again.
func (m *Monitor) ResetRecoveryAttempts(name string) error {
	e, ok := m.registry.get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	e.mu.Lock()
	e.health.RecoveryAttempts = 0
	e.exhausted = nil
	e.mu.Unlock()

	m.logger.Info("recovery attempts reset", "service", name)
	return nil
}

// Subscribe registers h for one event kind and returns a function that
// removes the subscription.
func (m *Monitor) Subscribe(kind EventKind, h Handler) func() {
	return m.events.subscribe(kind, h)
}

// SubscribeAll registers h for every event kind.
func (m *Monitor) SubscribeAll(h Handler) func() {
	return m.events.subscribe("", h)
}

func (m *Monitor) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = m.now()
	}
	m.events.emit(e)
}

func (m *Monitor) healthLoop(ctx context.Context, token *runToken) {
	defer token.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	m.tick("health-check", func() { m.runHealthChecks(ctx, token) })

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick("health-check", func() { m.runHealthChecks(ctx, token) })
		}
	}
}

func (m *Monitor) recoveryLoop(ctx context.Context, token *runToken) {
	defer token.wg.Done()

	ticker := time.NewTicker(m.cfg.RecoveryLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick("recovery", func() { m.runRecoveryCycle(ctx, token) })
		}
	}
}

// tick runs one loop iteration; a panic is logged and the loop continues.
func (m *Monitor) tick(loop string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("loop tick panicked", "loop", loop, "panic", r)
		}
	}()
	fn()
}
