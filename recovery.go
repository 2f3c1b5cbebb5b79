package selfheal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ManualRuleID is recorded as the rule of recoveries started by TriggerRecovery.
const ManualRuleID = "manual"

// RunRecoveryCycle evaluates the enabled rules once against every service.
// It is what the recovery loop runs on each tick and may be called directly.
//
// Rules are evaluated in priority order. For each applicable service a rule
// is skipped while the service is inside the rule's cooldown or has used up
// the rule's attempts. An IGNORE rule whose condition holds suppresses every
// lower-priority rule for that service until the next cycle.
func (m *Monitor) RunRecoveryCycle(ctx context.Context) {
	m.runRecoveryCycle(ctx, alwaysLive)
}

func (m *Monitor) runRecoveryCycle(ctx context.Context, token *runToken) {
	rules := m.rules.enabled()
	if len(rules) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	entries := m.registry.list()
	ignored := make(map[string]bool)

	for _, rule := range rules {
		for _, e := range entries {
			if token.stopped.Load() {
				return
			}
			if !rule.appliesTo(e.name) || ignored[e.name] {
				continue
			}
			m.applyRule(ctx, rule, e, token, ignored)
		}
	}
}

func (m *Monitor) applyRule(ctx context.Context, rule RecoveryRule, e *serviceEntry, token *runToken, ignored map[string]bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("recovery rule panicked", "rule", rule.ID, "service", e.name, "panic", r)
		}
	}()

	breakerState := e.breaker.State()
	now := m.now()

	e.mu.Lock()
	if !e.health.LastRecovery.IsZero() && now.Sub(e.health.LastRecovery) < rule.Cooldown {
		e.mu.Unlock()
		return
	}

	h := e.health
	h.BreakerState = breakerState
	matched, err := rule.Predicate.Evaluate(h)
	if err != nil {
		e.mu.Unlock()
		m.logger.Warn("recovery condition evaluation failed", "rule", rule.ID, "service", e.name, "error", err)
		return
	}
	if !matched {
		e.mu.Unlock()
		return
	}

	if rule.Action == ActionIgnore {
		e.mu.Unlock()
		ignored[e.name] = true
		m.logger.Debug("recovery suppressed by ignore rule", "rule", rule.ID, "service", e.name)
		return
	}

	if e.health.RecoveryAttempts >= rule.MaxAttempts {
		notify := !e.exhausted[rule.ID]
		if notify {
			if e.exhausted == nil {
				e.exhausted = make(map[string]bool)
			}
			e.exhausted[rule.ID] = true
		}
		snap := e.health.clone()
		e.mu.Unlock()

		if notify {
			snap.BreakerState = breakerState
			m.logger.Warn("max recovery attempts reached",
				"rule", rule.ID,
				"service", e.name,
				"attempts", snap.RecoveryAttempts)
			m.emit(Event{
				Kind:    EventRecoveryMaxAttempts,
				Service: e.name,
				Health:  &snap,
				RuleID:  rule.ID,
				Action:  rule.Action,
				Attempt: snap.RecoveryAttempts,
			})
		}
		return
	}

	attempt, snap := m.bookAttempt(e, now)
	e.mu.Unlock()

	m.dispatch(ctx, e, rule.ID, rule.Action, rule.Recoverer, snap, attempt, token)
}

// bookAttempt marks e RECOVERING and records the attempt. e.mu must be held.
func (m *Monitor) bookAttempt(e *serviceEntry, now time.Time) (int, ServiceHealth) {
	e.health.Status = StatusRecovering
	e.health.RecoveryAttempts++
	e.health.LastRecovery = now
	return e.health.RecoveryAttempts, e.health.clone()
}

// TriggerRecovery runs action for the named service now, ignoring rules and
// cooldowns. It refuses once the service has used MaxRecoveryAttemptsDefault
// attempts and reports whether the action succeeded.
func (m *Monitor) TriggerRecovery(ctx context.Context, name string, action Action) (bool, error) {
	e, ok := m.registry.get(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	parsed, ok := ParseAction(string(action))
	if !ok {
		return false, fmt.Errorf("%w: unknown action %q", ErrInvalidRule, action)
	}
	if parsed == ActionIgnore {
		return false, fmt.Errorf("%w: %s", ErrNoRecoverer, parsed)
	}

	breakerState := e.breaker.State()

	e.mu.Lock()
	if e.health.RecoveryAttempts >= m.cfg.MaxRecoveryAttemptsDefault {
		snap := e.health.clone()
		e.mu.Unlock()

		snap.BreakerState = breakerState
		m.logger.Warn("manual recovery refused, max attempts reached", "service", name, "attempts", snap.RecoveryAttempts)
		m.emit(Event{
			Kind:    EventRecoveryMaxAttempts,
			Service: name,
			Health:  &snap,
			RuleID:  ManualRuleID,
			Action:  parsed,
			Attempt: snap.RecoveryAttempts,
		})
		return false, nil
	}
	attempt, snap := m.bookAttempt(e, m.now())
	e.mu.Unlock()

	return m.dispatch(context.WithoutCancel(ctx), e, ManualRuleID, parsed, nil, snap, attempt, alwaysLive), nil
}

// dispatch runs one booked attempt and records its outcome.
func (m *Monitor) dispatch(
	ctx context.Context,
	e *serviceEntry,
	ruleID string,
	action Action,
	custom Recoverer,
	snap ServiceHealth,
	attempt int,
	token *runToken,
) bool {
	snap.BreakerState = e.breaker.State()

	m.logger.Info("recovery started",
		"service", e.name,
		"rule", ruleID,
		"action", string(action),
		"attempt", attempt)
	m.emit(Event{
		Kind:    EventRecoveryStarted,
		Service: e.name,
		Health:  &snap,
		RuleID:  ruleID,
		Action:  action,
		Attempt: attempt,
	})

	recoverer := custom
	if recoverer == nil {
		recoverer = m.builtinRecoverer(action, e)
	}

	ok, err := runBounded(ctx, m.cfg.ActionTimeout, "recovery action "+string(action), func(ctx context.Context) (bool, error) {
		return recoverer.Recover(ctx, snap)
	})
	if err != nil {
		ok = false
	}

	if token.stopped.Load() {
		m.logger.Debug("discarding recovery result after stop", "service", e.name, "rule", ruleID)
		return false
	}

	e.mu.Lock()
	if ok {
		e.health.RecoveryAttempts = 0
		e.exhausted = nil
	} else {
		e.health.Status = StatusFailed
	}
	after := e.health.clone()
	e.mu.Unlock()

	if ok {
		e.breaker.Reset()
	}
	after.BreakerState = e.breaker.State()

	record := RecoveryEvent{
		ID:            uuid.NewString(),
		Timestamp:     m.now(),
		ServiceName:   e.name,
		Status:        after.Status,
		Action:        action,
		RuleID:        ruleID,
		Success:       ok,
		AttemptNumber: attempt,
	}
	if err != nil {
		record.Error = err.Error()
	}
	m.history.append(record)

	ev := Event{
		Service: e.name,
		Health:  &after,
		RuleID:  ruleID,
		Action:  action,
		Attempt: attempt,
		Err:     err,
	}
	switch {
	case ok:
		ev.Kind = EventRecoverySuccess
		m.logger.Info("recovery succeeded", "service", e.name, "rule", ruleID, "action", string(action))
	case action == ActionEscalate:
		ev.Kind = EventRecoveryEscalate
		m.logger.Warn("recovery escalated", "service", e.name, "rule", ruleID, "error_count", after.ErrorCount)
	case err != nil:
		ev.Kind = EventRecoveryError
		m.logger.Error("recovery action errored", "service", e.name, "rule", ruleID, "action", string(action), "error", err)
	default:
		ev.Kind = EventRecoveryFailed
		m.logger.Warn("recovery failed", "service", e.name, "rule", ruleID, "action", string(action), "attempt", attempt)
	}
	m.emit(ev)

	return ok
}

// builtinRecoverer returns the handler for action when a rule carries none:
// a WithActionHandler override, or the default behavior. ESCALATE hands off
// to operators and never succeeds on its own. The other actions re-probe the
// service directly, bypassing its breaker, to confirm it came back.
func (m *Monitor) builtinRecoverer(action Action, e *serviceEntry) Recoverer {
	if r, ok := m.actionHandlers[action]; ok && r != nil {
		return r
	}

	if action == ActionEscalate {
		return RecovererFunc(func(context.Context, ServiceHealth) (bool, error) {
			return false, nil
		})
	}

	return RecovererFunc(func(ctx context.Context, h ServiceHealth) (bool, error) {
		m.logger.Info("running built-in recovery", "service", h.Name, "action", string(action))
		ok, err := e.probe(ctx)
		if err != nil {
			return false, err
		}
		return ok, nil
	})
}
