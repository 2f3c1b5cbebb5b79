package selfheal

import (
	"sync"
	"time"
)

// RecoveryEvent records the outcome of one recovery attempt.
type RecoveryEvent struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	ServiceName   string    `json:"service_name"`
	Status        Status    `json:"status"`
	Action        Action    `json:"action"`
	RuleID        string    `json:"rule_id,omitempty"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	AttemptNumber int       `json:"attempt_number"`
}

// history is a fixed-capacity FIFO of recovery events. The oldest entry is
// overwritten once the buffer is full.
type history struct {
	mu    sync.RWMutex
	buf   []RecoveryEvent
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 100
	}
	return &history{buf: make([]RecoveryEvent, capacity)}
}

func (h *history) append(e RecoveryEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := (h.start + h.size) % len(h.buf)
	h.buf[idx] = e
	if h.size < len(h.buf) {
		h.size++
		return
	}
	h.start = (h.start + 1) % len(h.buf)
}

// recent returns up to limit events, newest first. limit <= 0 returns all.
func (h *history) recent(limit int) []RecoveryEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RecoveryEvent, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.start + h.size - 1 - i) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}

// counts returns the number of stored events and how many succeeded.
func (h *history) counts() (total, succeeded int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := 0; i < h.size; i++ {
		if h.buf[(h.start+i)%len(h.buf)].Success {
			succeeded++
		}
	}
	return h.size, succeeded
}

func (h *history) capacity() int {
	return len(h.buf)
}

func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.buf)
	h.start, h.size = 0, 0
}
