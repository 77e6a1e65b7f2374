// Package notify fans committed state changes out to observers. Each
// observer has its own queue and goroutine, so a slow or panicking callback
// only delays itself.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backlinkoo/linkwatch/pkg/polling"
	"github.com/backlinkoo/linkwatch/pkg/schedule"
)

// Event describes one committed transition.
type Event struct {
	Seq        uint64    `json:"seq"`
	Kind       string    `json:"kind"` // "resource" | "automation"
	Type       string    `json:"type"` // event type, e.g. "verified", "auto_paused"
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	UserID     string    `json:"user_id,omitempty"`
	Status     string    `json:"status"`
	Previous   string    `json:"previous,omitempty"`
	Reasons    []string  `json:"reasons,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	At         time.Time `json:"at"`
}

// Filter selects events. Empty fields match everything.
type Filter struct {
	CampaignID string
	Statuses   []string
	Types      []string
	Kinds      []string
}

func (f Filter) Match(ev Event) bool {
	if f.CampaignID != "" && f.CampaignID != ev.CampaignID {
		return false
	}
	return in(f.Statuses, ev.Status) && in(f.Types, ev.Type) && in(f.Kinds, ev.Kind)
}

func in(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Mode selects how queued events are delivered to one observer.
type Mode int

const (
	// EveryEvent delivers each matching event in commit order.
	EveryEvent Mode = iota
	// LatestOnly keeps only the newest pending event per resource id.
	LatestOnly
)

// Poll makes a subscription refresh itself from the store on a timer it
// owns. The timer is cancelled when the subscription is disposed.
type Poll struct {
	Interval time.Duration
	Load     func(ctx context.Context) ([]Event, error)
}

// Options configures one subscription.
type Options struct {
	Mode Mode
	Poll *Poll
}

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("notify: hub closed")

// Hub is the subscription registry. Create one per process and share it.
type Hub struct {
	sched schedule.Scheduler
	log   polling.Logger

	mu        sync.Mutex
	seq       uint64
	observers map[*observer]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewHub returns a hub. A nil scheduler uses the wall clock.
func NewHub(sched schedule.Scheduler, log polling.Logger) *Hub {
	if sched == nil {
		sched = schedule.Real{}
	}
	return &Hub{sched: sched, log: polling.OrNop(log), observers: make(map[*observer]struct{})}
}

type observer struct {
	id     string
	filter Filter
	mode   Mode
	cb     func(Event)
	log    polling.Logger

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
	timer  schedule.Handle

	// deliverMu is held from dequeue until the callback returns; inCb is
	// set while the callback runs.
	deliverMu sync.Mutex
	inCb      atomic.Bool
}

// Subscribe registers cb for events matching f and returns its disposer.
// After the disposer returns no new callback starts and the subscription's
// poll timer, if any, is cancelled. A callback already running finishes.
func (h *Hub) Subscribe(observerID string, f Filter, cb func(Event), opts Options) (func(), error) {
	if cb == nil {
		return nil, fmt.Errorf("notify: nil callback for %q", observerID)
	}
	o := &observer{id: observerID, filter: f, mode: opts.Mode, cb: cb, log: h.log, wake: make(chan struct{}, 1)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.observers[o] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		o.run()
	}()

	if p := opts.Poll; p != nil && p.Load != nil {
		o.mu.Lock()
		o.timer = h.sched.Every(p.Interval, func() { h.poll(o, p) })
		o.mu.Unlock()
	}

	var disposed atomic.Bool
	return func() {
		if !disposed.CompareAndSwap(false, true) {
			return
		}
		h.mu.Lock()
		delete(h.observers, o)
		h.mu.Unlock()
		o.close()
	}, nil
}

func (h *Hub) poll(o *observer, p *Poll) {
	if o.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.Interval)
	defer cancel()
	evs, err := p.Load(ctx)
	if err != nil {
		h.log.Warnf("notify: poll for %s failed: %v", o.id, err)
		return
	}
	for _, ev := range evs {
		if o.filter.Match(ev) {
			o.enqueue(ev)
		}
	}
}

// Publish assigns ev the next sequence number and queues it for every
// matching observer. Callers publish only after the store acknowledged the
// write and, for one resource, in commit order.
func (h *Hub) Publish(ev Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	ev.Seq = h.seq
	if ev.At.IsZero() {
		ev.At = h.sched.Now()
	}
	for o := range h.observers {
		if o.filter.Match(ev) {
			o.enqueue(ev)
		}
	}
	return ev
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Drain waits until every observer has delivered its queued events, or ctx
// ends. Events published while draining are waited for too.
func (h *Hub) Drain(ctx context.Context) error {
	for !h.idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

func (h *Hub) idle() bool {
	h.mu.Lock()
	obs := make([]*observer, 0, len(h.observers))
	for o := range h.observers {
		obs = append(obs, o)
	}
	h.mu.Unlock()
	for _, o := range obs {
		o.mu.Lock()
		n := len(o.queue)
		o.mu.Unlock()
		if n > 0 {
			return false
		}
		// deliverMu is held from dequeue until the callback returns.
		if !o.deliverMu.TryLock() {
			return false
		}
		o.deliverMu.Unlock()
	}
	return true
}

// Close disposes every subscription and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	obs := make([]*observer, 0, len(h.observers))
	for o := range h.observers {
		obs = append(obs, o)
	}
	h.observers = make(map[*observer]struct{})
	h.mu.Unlock()
	for _, o := range obs {
		o.close()
	}
	h.wg.Wait()
}

func (o *observer) enqueue(ev Event) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if o.mode == LatestOnly {
		for i := range o.queue {
			if o.queue[i].Kind == ev.Kind && o.queue[i].ID == ev.ID {
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				break
			}
		}
	}
	o.queue = append(o.queue, ev)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	o.mu.Unlock()
}

func (o *observer) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *observer) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.queue = nil
	t := o.timer
	o.timer = nil
	close(o.wake)
	o.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
	// Wait out a delivery that dequeued before closed was set. When a
	// callback is already running (possibly the one disposing) it has begun
	// and the loop will see closed before starting another.
	if !o.inCb.Load() {
		o.deliverMu.Lock()
		o.deliverMu.Unlock()
	}
}

func (o *observer) run() {
	for range o.wake {
		for o.next() {
		}
	}
}

// next delivers one queued event and reports whether it did.
func (o *observer) next() bool {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()
	o.mu.Lock()
	if o.closed || len(o.queue) == 0 {
		o.mu.Unlock()
		return false
	}
	ev := o.queue[0]
	o.queue = o.queue[1:]
	o.mu.Unlock()
	o.deliver(ev)
	return true
}

func (o *observer) deliver(ev Event) {
	o.inCb.Store(true)
	defer o.inCb.Store(false)
	defer func() {
		if r := recover(); r != nil {
			o.log.Errorf("notify: observer %s panicked on %s/%s: %v", o.id, ev.Kind, ev.ID, r)
		}
	}()
	o.cb(ev)
}
