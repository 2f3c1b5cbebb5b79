package selfheal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunHealthChecks probes every registered service once and waits for all
// probes to finish. It is what the health-check loop runs on each tick and
// may be called directly, with or without the loops running.
func (m *Monitor) RunHealthChecks(ctx context.Context) {
	m.runHealthChecks(ctx, alwaysLive)
}

// ForceHealthCheck probes one service immediately, through its breaker, and
// returns the updated health record.
func (m *Monitor) ForceHealthCheck(ctx context.Context, name string) (ServiceHealth, error) {
	e, ok := m.registry.get(name)
	if !ok {
		return ServiceHealth{}, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	m.checkService(ctx, e, alwaysLive)
	return e.snapshot(), nil
}

func (m *Monitor) runHealthChecks(ctx context.Context, token *runToken) {
	// Stopping the loop must not abort probes already in flight.
	ctx = context.WithoutCancel(ctx)

	var g errgroup.Group
	if m.cfg.MaxConcurrentProbes > 0 {
		g.SetLimit(m.cfg.MaxConcurrentProbes)
	}

	for _, e := range m.registry.list() {
		if token.stopped.Load() {
			break
		}
		g.Go(func() error {
			m.checkService(ctx, e, token)
			return nil
		})
	}

	_ = g.Wait()
}

// checkService runs one probe and applies its outcome to the health record.
func (m *Monitor) checkService(ctx context.Context, e *serviceEntry, token *runToken) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check panicked", "service", e.name, "panic", r)
		}
	}()

	begin := time.Now()
	err := e.breaker.Execute(ctx, func(ctx context.Context) (bool, error) {
		return runBounded(ctx, m.cfg.ProbeTimeout, "health probe "+e.name, e.probe)
	})
	elapsed := time.Since(begin)

	if token.stopped.Load() {
		m.logger.Debug("discarding probe result after stop", "service", e.name)
		return
	}
	if !m.registry.current(e) {
		return
	}

	m.applyProbeResult(e, elapsed, err)
}

func (m *Monitor) applyProbeResult(e *serviceEntry, elapsed time.Duration, err error) {
	var events []Event

	e.mu.Lock()
	h := &e.health
	prev := h.Status
	h.LastCheck = m.now()
	h.ResponseTime = elapsed

	if err == nil {
		next := StatusHealthy
		if m.cfg.DegradedResponseTime > 0 && elapsed > m.cfg.DegradedResponseTime {
			next = StatusDegraded
		}
		h.Status = next
		h.SuccessCount++
		h.ErrorCount = 0
		h.LastError = ""
		h.BreakerOpen = false

		if prev != next {
			kind := EventHealthRecovered
			if next == StatusDegraded {
				kind = EventHealthDegraded
			}
			events = append(events, Event{Kind: kind, PreviousStatus: prev})
		}
	} else {
		h.Status = StatusFailed
		h.ErrorCount++
		h.LastError = err.Error()
		h.BreakerOpen = IsBreakerRejection(err)

		if h.ErrorCount == 1 {
			events = append(events, Event{Kind: EventHealthDegraded, PreviousStatus: prev, Err: err})
		}
		if m.cfg.AlertsEnabled && h.ErrorCount == m.cfg.AlertThreshold {
			events = append(events, Event{Kind: EventHealthAlert, PreviousStatus: prev, Err: err})
		}
	}
	events = append(events, Event{Kind: EventHealthChecked, PreviousStatus: prev, Err: err})
	snap := h.clone()
	e.mu.Unlock()

	snap.BreakerState = e.breaker.State()

	if err != nil {
		m.logger.Warn("health check failed",
			"service", e.name,
			"error_count", snap.ErrorCount,
			"breaker", snap.BreakerState.String(),
			"error", err)
	} else {
		m.logger.Debug("health check passed",
			"service", e.name,
			"status", string(snap.Status),
			"response_time", elapsed)
	}

	for _, ev := range events {
		ev.Service = e.name
		ev.Health = &snap
		m.emit(ev)
	}
}

// runBounded calls fn with a deadline of timeout. A call that outlives the
// deadline is abandoned and reported as a timeout; a panic is returned as an
// error.
func runBounded(
	ctx context.Context,
	timeout time.Duration,
	operation string,
	fn func(context.Context) (bool, error),
) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%s panicked: %v", operation, r)}
			}
		}()
		ok, err := fn(ctx)
		done <- result{ok: ok, err: err}
	}()

	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return false, ctx.Err()
		}
		return false, newTimeoutError(operation, timeout)
	}
}
