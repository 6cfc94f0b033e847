package session

import (
	"sync"
	"time"

	"github.com/shared-canvas/backend/internal/clock"
)

// Throttle coalesces rapid updates into at most one flush per interval. The
// first update in an idle window arms a timer; updates arriving before it
// fires replace the pending value, so the flush always carries the latest.
type Throttle[T any] struct {
	clk      clock.Clock
	interval time.Duration
	flush    func(T)

	mu      sync.Mutex
	pending T
	timer   clock.Timer
	stopped bool
}

// NewThrottle creates a Throttle that calls flush on clk's timers.
func NewThrottle[T any](clk clock.Clock, interval time.Duration, flush func(T)) *Throttle[T] {
	return &Throttle[T]{clk: clk, interval: interval, flush: flush}
}

// Update records v as the value for the next flush.
func (t *Throttle[T]) Update(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.pending = v
	if t.timer == nil {
		t.timer = t.clk.AfterFunc(t.interval, t.fire)
	}
}

func (t *Throttle[T]) fire() {
	t.mu.Lock()
	if t.stopped || t.timer == nil {
		t.mu.Unlock()
		return
	}
	v := t.pending
	t.timer = nil
	t.mu.Unlock()

	t.flush(v)
}

// Stop cancels any pending flush. Later updates are ignored.
func (t *Throttle[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
