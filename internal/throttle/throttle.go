// Package throttle provides a latest-value rate limiter for telemetry
// channels: values pushed faster than the configured rate are coalesced to
// the newest one, which fires when the quiet period ends.
package throttle

import (
	"sync"
	"time"
)

// Throttle limits emissions to at most hz per second. Values arriving inside
// the quiet period replace any pending value; at most one timer is armed at
// a time. With hz <= 0 the throttle degrades to a passthrough.
type Throttle struct {
	mu       sync.Mutex
	period   time.Duration
	emit     func(v any)
	lastEmit time.Time
	pending  any
	hasPend  bool
	timer    *time.Timer
	stopped  bool
}

// New creates a Throttle emitting through emit at most hz times per second.
func New(hz float64, emit func(v any)) *Throttle {
	t := &Throttle{emit: emit}
	if hz > 0 {
		t.period = time.Duration(float64(time.Second) / hz)
	}
	return t
}

// Push offers a value. It either emits immediately (quiet period elapsed),
// or replaces the pending value scheduled for the end of the quiet period.
// Emission order follows acceptance order.
func (t *Throttle) Push(v any) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.period <= 0 {
		t.mu.Unlock()
		t.emit(v)
		return
	}

	now := time.Now()
	if t.timer == nil && now.Sub(t.lastEmit) >= t.period {
		t.lastEmit = now
		t.mu.Unlock()
		t.emit(v)
		return
	}

	// Inside the quiet period: coalesce to the newest value and make sure
	// exactly one timer is armed for the period boundary.
	t.pending = v
	t.hasPend = true
	if t.timer == nil {
		delay := t.period - now.Sub(t.lastEmit)
		if delay < 0 {
			delay = 0
		}
		t.timer = time.AfterFunc(delay, t.fire)
	}
	t.mu.Unlock()
}

// fire emits the pending value at the end of a quiet period.
func (t *Throttle) fire() {
	t.mu.Lock()
	t.timer = nil
	if t.stopped || !t.hasPend {
		t.mu.Unlock()
		return
	}
	v := t.pending
	t.pending = nil
	t.hasPend = false
	t.lastEmit = time.Now()
	t.mu.Unlock()
	t.emit(v)
}

// Stop cancels any armed timer and drops the pending value. Further pushes
// are ignored.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = nil
	t.hasPend = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
