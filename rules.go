package selfheal

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// WildcardService makes a rule apply to every registered service.
const WildcardService = "*"

// Action is a recovery action a rule dispatches.
type Action string

const (
	ActionRestart       Action = "RESTART"
	ActionReloadConfig  Action = "RELOAD_CONFIG"
	ActionClearCache    Action = "CLEAR_CACHE"
	ActionRestoreBackup Action = "RESTORE_BACKUP"
	ActionEscalate      Action = "ESCALATE"
	ActionIgnore        Action = "IGNORE"
)

// ParseAction converts a case-insensitive action name into an Action.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionRestart, ActionReloadConfig, ActionClearCache, ActionRestoreBackup, ActionEscalate, ActionIgnore:
		return a, true
	default:
		return "", false
	}
}

// Recoverer performs one recovery attempt for a service. Returning false or
// an error both count as a failed attempt.
type Recoverer interface {
	Recover(ctx context.Context, health ServiceHealth) (bool, error)
}

// RecovererFunc adapts a function to Recoverer.
type RecovererFunc func(ctx context.Context, health ServiceHealth) (bool, error)

// Recover implements Recoverer.
func (f RecovererFunc) Recover(ctx context.Context, health ServiceHealth) (bool, error) {
	return f(ctx, health)
}

// RecoveryRule is a prioritized condition → action policy.
type RecoveryRule struct {
	// ID uniquely identifies the rule.
	ID string

	// ServiceName is an exact service name or WildcardService.
	ServiceName string

	// Condition is the source text parsed into Predicate when the rule is added.
	Condition string

	// Predicate is the parsed condition. If set, Condition is informational.
	Predicate *Predicate

	// Action is dispatched when the condition holds.
	Action Action

	// MaxAttempts bounds attempts between successful recoveries.
	// 0 uses Config.MaxRecoveryAttemptsDefault.
	MaxAttempts int

	// Cooldown is the minimum time between attempts for the same service.
	Cooldown time.Duration

	// Priority orders evaluation; lower runs first.
	Priority int

	// Enabled rules are evaluated; disabled rules are kept but skipped.
	Enabled bool

	// Recoverer overrides the built-in handler for Action.
	Recoverer Recoverer
}

// appliesTo reports whether the rule targets the named service.
func (r RecoveryRule) appliesTo(name string) bool {
	return r.ServiceName == WildcardService || r.ServiceName == name
}

// compile validates the rule and parses its condition.
func (r RecoveryRule) compile(defaultMaxAttempts int) (RecoveryRule, error) {
	if strings.TrimSpace(r.ID) == "" {
		return r, fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if strings.TrimSpace(r.ServiceName) == "" {
		return r, fmt.Errorf("%w: rule %s: missing service name", ErrInvalidRule, r.ID)
	}
	if _, ok := ParseAction(string(r.Action)); !ok {
		return r, fmt.Errorf("%w: rule %s: unknown action %q", ErrInvalidRule, r.ID, r.Action)
	}
	r.Action, _ = ParseAction(string(r.Action))

	if r.Predicate == nil {
		p, err := ParseCondition(r.Condition)
		if err != nil {
			return r, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.Predicate = p
	}
	if r.Condition == "" {
		r.Condition = r.Predicate.String()
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = defaultMaxAttempts
	}
	if r.Cooldown < 0 {
		r.Cooldown = 0
	}
	return r, nil
}

// DefaultRules returns the rules a monitor starts with when WithRules is not
// given: escalate any service whose failure streak passes 20, and restart
// failed services.
func DefaultRules() []RecoveryRule {
	return []RecoveryRule{
		{
			ID:          "escalate-critical",
			ServiceName: WildcardService,
			Condition:   "errorCount > 20",
			Action:      ActionEscalate,
			// RecoveryAttempts is shared by every rule for a service, so this
			// must exceed restart-failed's limit or escalation never fires.
			MaxAttempts: 4,
			Cooldown:    5 * time.Minute,
			Priority:    1,
			Enabled:     true,
		},
		{
			ID:          "restart-failed",
			ServiceName: WildcardService,
			Condition:   "status == FAILED && errorCount >= 3",
			Action:      ActionRestart,
			MaxAttempts: 3,
			Cooldown:    time.Minute,
			Priority:    10,
			Enabled:     true,
		},
	}
}

// ruleSet holds compiled rules kept sorted by priority.
type ruleSet struct {
	mu    sync.RWMutex
	rules []RecoveryRule
}

func (s *ruleSet) add(rule RecoveryRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
		}
	}
	s.rules = append(s.rules, rule)
	slices.SortStableFunc(s.rules, func(a, b RecoveryRule) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.ID, b.ID)
	})
	return nil
}

func (s *ruleSet) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.rules {
		if r.ID == id {
			s.rules = slices.Delete(s.rules, i, i+1)
			return true
		}
	}
	return false
}

// enabled returns a snapshot of enabled rules in evaluation order.
func (s *ruleSet) enabled() []RecoveryRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RecoveryRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func (s *ruleSet) all() []RecoveryRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rules)
}

func (s *ruleSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = nil
}
