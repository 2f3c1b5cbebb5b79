package selfheal

import (
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"
)

// EventKind identifies the type of an emitted event.
type EventKind string

const (
	EventServiceRegistered   EventKind = "service.registered"
	EventServiceUnregistered EventKind = "service.unregistered"

	// EventHealthChecked follows every applied probe result.
	EventHealthChecked   EventKind = "health.checked"
	EventHealthDegraded  EventKind = "health.degraded"
	EventHealthRecovered EventKind = "health.recovered"
	EventHealthAlert     EventKind = "health.alert"

	EventRecoveryStarted     EventKind = "recovery.started"
	EventRecoverySuccess     EventKind = "recovery.success"
	EventRecoveryFailed      EventKind = "recovery.failed"
	EventRecoveryError       EventKind = "recovery.error"
	EventRecoveryEscalate    EventKind = "recovery.escalate"
	EventRecoveryMaxAttempts EventKind = "recovery.max_attempts"

	EventSystemStarted EventKind = "system.started"
	EventSystemStopped EventKind = "system.stopped"
)

// Event is delivered to subscribers. Fields irrelevant to a kind are zero.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Service string

	// Health is the service snapshot at emission time. Escalation events
	// carry it for operator handoff.
	Health *ServiceHealth

	// PreviousStatus is set on health.recovered and health.degraded.
	PreviousStatus Status

	// RuleID and Action are set on recovery events.
	RuleID string
	Action Action

	// Attempt is the recovery attempt number on recovery events.
	Attempt int

	// Err is the probe or action error, when there was one.
	Err error
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine and should return quickly.
type Handler func(Event)

type subscription struct {
	id      uint64
	kind    EventKind // empty for all kinds
	handler Handler
}

// eventBus is a typed callback registry keyed by event kind.
type eventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	logger *slog.Logger
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{logger: logger}
}

func (b *eventBus) subscribe(kind EventKind, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: kind, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// emit delivers e to matching subscribers in subscription order.
// A panicking handler is logged and does not affect other handlers.
func (b *eventBus) emit(e Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == "" || s.kind == e.Kind {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(h, e)
	}
}

// inHandler reports whether the calling goroutine is inside a handler
// invoked by deliver.
func inHandler() bool {
	pcs := make([]uintptr, 128)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if strings.HasSuffix(f.Function, ".(*eventBus).deliver") {
			return true
		}
		if !more {
			return false
		}
	}
}

func (b *eventBus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(e.Kind),
				"service", e.Service,
				"panic", r)
		}
	}()
	h(e)
}

func (b *eventBus) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}
