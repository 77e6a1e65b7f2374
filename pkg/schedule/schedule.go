// Package schedule provides cancellable timers behind an interface so that
// polling loops run on the wall clock in production and on a manual clock
// in tests.
package schedule

import (
	"sync"
	"time"
)

// Handle is a scheduled task. Cancel stops future runs; it never interrupts
// a run that has already started. It reports whether anything was pending.
type Handle interface {
	Cancel() bool
}

// Scheduler arms one-shot and periodic tasks.
type Scheduler interface {
	Now() time.Time
	// After runs task once, delay from now.
	After(delay time.Duration, task func()) Handle
	// Every runs task each interval until cancelled. Runs never overlap:
	// the next run is armed when the previous one returns.
	Every(interval time.Duration, task func()) Handle
}

// Real is the wall-clock Scheduler.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

type realHandle struct {
	mu       sync.Mutex
	t        *time.Timer
	stopped  bool
	interval time.Duration
	task     func()
}

func (Real) After(delay time.Duration, task func()) Handle {
	h := &realHandle{task: task}
	h.arm(delay)
	return h
}

func (Real) Every(interval time.Duration, task func()) Handle {
	if interval <= 0 {
		interval = time.Second
	}
	h := &realHandle{task: task, interval: interval}
	h.arm(interval)
	return h
}

func (h *realHandle) arm(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.t = time.AfterFunc(d, h.fire)
}

func (h *realHandle) fire() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if h.interval == 0 {
		h.stopped = true
	}
	h.mu.Unlock()

	h.task()

	if h.interval > 0 {
		h.arm(h.interval)
	}
}

func (h *realHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.stopped = true
	if h.t != nil {
		h.t.Stop()
	}
	return true
}
