package schedule

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by Advance. Due tasks run synchronously on
// the goroutine calling Advance, in due-time order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	m        *Manual
	seq      uint64
	at       time.Time
	interval time.Duration
	task     func()
	dead     bool
}

// NewManual returns a manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(delay time.Duration, task func()) Handle {
	return m.add(delay, 0, task)
}

func (m *Manual) Every(interval time.Duration, task func()) Handle {
	if interval <= 0 {
		interval = time.Second
	}
	return m.add(interval, interval, task)
}

func (m *Manual) add(delay, interval time.Duration, task func()) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	m.seq++
	t := &manualTimer{m: m, seq: m.seq, at: m.now.Add(delay), interval: interval, task: task}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Cancel() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.dead {
		return false
	}
	t.dead = true
	t.m.remove(t)
	return true
}

func (m *Manual) remove(t *manualTimer) {
	for i, x := range m.timers {
		if x == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d, running every task that falls due.
// Tasks armed by a running task fire in the same call if they are due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		if next.interval > 0 {
			next.at = next.at.Add(next.interval)
			m.seq++
			next.seq = m.seq
		} else {
			next.dead = true
			m.remove(next)
		}
		task := next.task
		m.mu.Unlock()
		task()
	}
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	if len(m.timers) == 0 || m.timers[0].at.After(target) {
		return nil
	}
	return m.timers[0]
}

// Pending returns the number of armed tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
