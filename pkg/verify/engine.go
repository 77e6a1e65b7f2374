// Package verify re-checks tracked links and drives each one through
// unverified -> {verified, broken, redirect}. At most one probe per resource
// is outstanding at any time.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/backlinkoo/linkwatch/pkg/inflight"
	"github.com/backlinkoo/linkwatch/pkg/notify"
	"github.com/backlinkoo/linkwatch/pkg/schedule"
	"github.com/backlinkoo/linkwatch/pkg/storage"
)

var (
	// ErrInFlight is returned when a probe for the resource is already
	// scheduled or running. Callers treat it as a no-op.
	ErrInFlight = errors.New("verification already in flight")
	// ErrRemoved is returned for operations on a removed resource.
	ErrRemoved = errors.New("resource has been removed")
)

// Store is the subset of the store the engine needs.
type Store interface {
	InsertResource(ctx context.Context, r storage.Resource, actor storage.Actor) (storage.Resource, bool, error)
	GetResource(ctx context.Context, id string) (storage.Resource, error)
	ListResources(ctx context.Context, q storage.ResourceQuery) ([]storage.Resource, error)
	CommitResource(ctx context.Context, next storage.Resource, ev storage.AuditEvent) (storage.Resource, bool, error)
}

type pending struct {
	h       schedule.Handle
	release func()
	gen     uint64
}

// Engine schedules probes, applies their outcomes and publishes committed
// transitions.
type Engine struct {
	store  Store
	prober Prober
	cfg    Config
	locks  inflight.Stripes

	ctx context.Context // parent of scheduled probes; never cancelled

	mu     sync.Mutex
	gen    uint64
	timers map[string]pending
	sweep  schedule.Handle
	closed bool
}

// New builds an engine. Call Close to cancel its timers.
func New(store Store, prober Prober, cfg Config) *Engine {
	return &Engine{
		store:  store,
		prober: prober,
		cfg:    cfg.withDefaults(),
		ctx:    context.Background(),
		timers: make(map[string]pending),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Track records a newly published link and schedules its first probe. An
// existing link with the same campaign, source and target is returned as is.
func (e *Engine) Track(ctx context.Context, r storage.Resource, actor storage.Actor) (storage.Resource, bool, error) {
	now := e.cfg.Scheduler.Now()
	r.Status = storage.StatusUnverified
	r.NextCheckAt = now.Add(e.cfg.CheckDelay)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	created, isNew, err := e.store.InsertResource(ctx, r, actor)
	if err != nil {
		return storage.Resource{}, false, err
	}
	if !isNew {
		return created, false, nil
	}
	e.publish(storage.Resource{}, created, "created", string(actor), "")
	if err := e.Schedule(created.ID, e.cfg.CheckDelay); err != nil && !errors.Is(err, ErrInFlight) {
		return created, true, err
	}
	return created, true, nil
}

// Schedule arms one probe for id after delay. A second request while one is
// scheduled or running returns ErrInFlight and changes nothing.
func (e *Engine) Schedule(id string, delay time.Duration) error {
	release, ok := e.cfg.Marks.TryAcquire(id)
	if !ok {
		return ErrInFlight
	}
	if !e.arm(id, delay, release) {
		release()
		return fmt.Errorf("verify: engine closed")
	}
	return nil
}

func (e *Engine) arm(id string, delay time.Duration, release func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.gen++
	gen := e.gen
	h := e.cfg.Scheduler.After(delay, func() { e.runScheduled(id, gen, release) })
	e.timers[id] = pending{h: h, release: release, gen: gen}
	return true
}

// runScheduled starts the probe armed as gen, unless Cancel or Close took
// the entry after the timer fired.
func (e *Engine) runScheduled(id string, gen uint64, release func()) {
	e.mu.Lock()
	p, ok := e.timers[id]
	current := ok && p.gen == gen
	if current {
		delete(e.timers, id)
	}
	closed := e.closed
	e.mu.Unlock()
	if closed || !current {
		release()
		return
	}
	_, retry, err := e.check(e.ctx, id)
	if err != nil {
		e.cfg.Log.Warnf("verify %s: %v", id, err)
	}
	if retry > 0 && e.arm(id, retry, release) {
		return
	}
	release()
}

// VerifyNow probes id immediately on the calling goroutine. A network
// failure below the attempt limit leaves a retry armed.
func (e *Engine) VerifyNow(ctx context.Context, id string) (storage.Resource, error) {
	release, ok := e.cfg.Marks.TryAcquire(id)
	if !ok {
		return storage.Resource{}, ErrInFlight
	}
	r, retry, err := e.check(ctx, id)
	if retry > 0 && e.arm(id, retry, release) {
		return r, err
	}
	release()
	return r, err
}

// check runs one probe for id and commits its outcome. It returns the
// resource as committed and, when another probe is due, its delay. The
// caller holds the in-flight marker.
func (e *Engine) check(ctx context.Context, id string) (storage.Resource, time.Duration, error) {
	cur, err := e.store.GetResource(ctx, id)
	if err != nil {
		return storage.Resource{}, 0, err
	}
	if cur.Status != storage.StatusUnverified {
		return cur, 0, nil
	}

	if e.cfg.Guard != nil {
		releaseGuard, err := e.cfg.Guard.Obtain(ctx, id, 2*e.cfg.Timeout)
		switch {
		case errors.Is(err, inflight.ErrHeld):
			return cur, 0, ErrInFlight
		case err != nil:
			e.cfg.Log.Warnf("verify %s: guard unavailable, continuing without it: %v", id, err)
		default:
			defer releaseGuard()
		}
	}

	pctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	out := e.prober.Probe(pctx, cur)
	if pctx.Err() == context.DeadlineExceeded && out.Kind != OutcomeNetworkError {
		out = Outcome{Kind: OutcomeNetworkError, Detail: "timeout"}
	}
	cancel()
	now := e.cfg.Scheduler.Now()

	unlock := e.locks.Lock(id)
	defer unlock()
	// Re-read: a requeue or removal may have landed while the probe ran.
	fresh, err := e.store.GetResource(ctx, id)
	if err != nil {
		return cur, e.cfg.Backoff(cur.Attempts), err
	}
	if fresh.Status != storage.StatusUnverified {
		e.cfg.Log.Debugf("verify %s: status changed to %s during probe, discarding outcome", id, fresh.Status)
		return fresh, 0, nil
	}
	next, ev, retry := Transition(fresh, out, now, e.cfg)
	committed, changed, err := e.commit(ctx, next, ev)
	if err != nil {
		if storage.IsPermission(err) {
			return fresh, 0, err
		}
		return fresh, e.cfg.Backoff(fresh.Attempts), err
	}
	if changed {
		e.publish(fresh, committed, ev.EventType, string(ev.Actor), ev.Reason)
		if e.cfg.OnProbe != nil {
			e.cfg.OnProbe(committed)
		}
	}
	return committed, retry, nil
}

func (e *Engine) commit(ctx context.Context, next storage.Resource, ev storage.AuditEvent) (storage.Resource, bool, error) {
	var (
		committed storage.Resource
		changed   bool
	)
	err := storage.Retry(ctx, e.cfg.Commit, func(ctx context.Context) error {
		var err error
		committed, changed, err = e.store.CommitResource(ctx, next, ev)
		return err
	})
	return committed, changed, err
}

func (e *Engine) publish(before, after storage.Resource, eventType, actor, reason string) {
	if e.cfg.Hub == nil {
		return
	}
	ev := notify.Event{
		Kind:       "resource",
		Type:       eventType,
		ID:         after.ID,
		CampaignID: after.CampaignID,
		UserID:     after.UserID,
		Status:     string(after.Status),
		Previous:   string(before.Status),
		Actor:      actor,
		At:         after.UpdatedAt,
	}
	if reason != "" {
		ev.Reasons = []string{reason}
	}
	e.cfg.Hub.Publish(ev)
}

// Transition applies a probe outcome to cur. Network failures leave the
// status alone and ask for a retry until MaxAttempts consecutive failures,
// after which the resource is broken.
func Transition(cur storage.Resource, out Outcome, now time.Time, cfg Config) (storage.Resource, storage.AuditEvent, time.Duration) {
	cfg = cfg.withDefaults()
	next := cur
	next.Attempts++
	next.LastChecked = now
	next.NextCheckAt = time.Time{}
	ev := storage.AuditEvent{Actor: storage.ActorSystem, OccurredAt: now, Reason: out.Detail}
	var retry time.Duration

	if out.Kind != OutcomeNetworkError {
		next.HTTPStatus = out.HTTPStatus
		next.ResponseTimeMS = out.ResponseTime.Milliseconds()
		next.FinalURL = out.FinalURL
		next.RedirectChain = out.RedirectChain
		next.LinkFound = out.LinkFound
		next.LinkRel = out.LinkRel
		next.QualityScore = out.Score
		next.Failures = 0
	}

	switch out.Kind {
	case OutcomeSuccess:
		next.Status = storage.StatusVerified
		ev.EventType = "verified"
	case OutcomeNotFound:
		next.Status = storage.StatusBroken
		ev.EventType = "broken"
	case OutcomeRedirected:
		next.Status = storage.StatusRedirect
		ev.EventType = "redirect"
	default:
		next.Failures++
		if out.HTTPStatus != 0 {
			next.HTTPStatus = out.HTTPStatus
		}
		if next.Failures >= cfg.MaxAttempts {
			next.Status = storage.StatusBroken
			ev.EventType = "broken"
			ev.Reason = fmt.Sprintf("%d consecutive probe failures, last: %s", next.Failures, out.Detail)
			break
		}
		retry = cfg.Backoff(cur.Attempts)
		next.NextCheckAt = now.Add(retry)
		ev.EventType = "probe_failed"
	}
	return next, ev, retry
}

// Requeue moves a settled resource back to unverified and schedules a probe.
func (e *Engine) Requeue(ctx context.Context, id string, actor storage.Actor, reason string) (storage.Resource, error) {
	unlock := e.locks.Lock(id)
	cur, err := e.store.GetResource(ctx, id)
	if err != nil {
		unlock()
		return storage.Resource{}, err
	}
	if cur.Status == storage.StatusRemoved {
		unlock()
		return cur, ErrRemoved
	}
	next := cur
	next.Status = storage.StatusUnverified
	next.Failures = 0
	next.NextCheckAt = e.cfg.Scheduler.Now().Add(e.cfg.CheckDelay)
	committed, changed, err := e.commit(ctx, next, storage.AuditEvent{EventType: "requeued", Actor: actor, Reason: reason, OccurredAt: e.cfg.Scheduler.Now()})
	if err == nil && changed {
		e.publish(cur, committed, "requeued", string(actor), reason)
	}
	unlock()
	if err != nil {
		return cur, err
	}
	if err := e.Schedule(id, e.cfg.CheckDelay); err != nil && !errors.Is(err, ErrInFlight) {
		return committed, err
	}
	return committed, nil
}

// Remove soft-deletes a resource and cancels its pending probe. A probe
// already running completes but its outcome is discarded.
func (e *Engine) Remove(ctx context.Context, id string, actor storage.Actor, reason string) (storage.Resource, error) {
	unlock := e.locks.Lock(id)
	defer unlock()
	cur, err := e.store.GetResource(ctx, id)
	if err != nil {
		return storage.Resource{}, err
	}
	if cur.Status == storage.StatusRemoved {
		return cur, nil
	}
	next := cur
	next.Status = storage.StatusRemoved
	next.NextCheckAt = time.Time{}
	committed, changed, err := e.commit(ctx, next, storage.AuditEvent{EventType: "removed", Actor: actor, Reason: reason, OccurredAt: e.cfg.Scheduler.Now()})
	if err != nil {
		return cur, err
	}
	if changed {
		e.publish(cur, committed, "removed", string(actor), reason)
	}
	e.cancelPending(id)
	return committed, nil
}

// Cancel disarms the scheduled probe for id, if any. A timer that already
// fired but has not started its probe is stopped too; a probe already
// running is not affected.
func (e *Engine) Cancel(id string) { e.cancelPending(id) }

func (e *Engine) cancelPending(id string) {
	e.mu.Lock()
	p, ok := e.timers[id]
	if ok {
		delete(e.timers, id)
	}
	e.mu.Unlock()
	// A timer that already fired finds its entry gone in runScheduled and
	// releases the marker there.
	if ok && p.h.Cancel() {
		p.release()
	}
}

// SweepResult summarises one batch of probes.
type SweepResult struct {
	Checked  int
	Skipped  int
	Failed   int
	Statuses map[storage.ResourceStatus]int
	Errors   []error
}

// VerifyMany probes ids with at most Concurrency probes in parallel.
// Per-resource failures are collected, not fatal.
func (e *Engine) VerifyMany(ctx context.Context, ids []string) *SweepResult {
	res := &SweepResult{Statuses: make(map[storage.ResourceStatus]int)}
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(e.cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			r, err := e.VerifyNow(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrInFlight):
				res.Skipped++
			case err != nil:
				res.Failed++
				res.Errors = append(res.Errors, fmt.Errorf("%s: %w", id, err))
			default:
				res.Checked++
				res.Statuses[r.Status]++
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// Due lists unverified resources whose next check is not in the future.
func (e *Engine) Due(ctx context.Context, campaignID string) ([]string, error) {
	rs, err := e.store.ListResources(ctx, storage.ResourceQuery{CampaignID: campaignID, Statuses: []storage.ResourceStatus{storage.StatusUnverified}})
	if err != nil {
		return nil, err
	}
	now := e.cfg.Scheduler.Now()
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.NextCheckAt.IsZero() || !r.NextCheckAt.After(now) {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// Sweep probes every due resource once.
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	ids, err := e.Due(ctx, "")
	if err != nil {
		return nil, err
	}
	res := e.VerifyMany(ctx, ids)
	if len(ids) > 0 {
		e.cfg.Log.Infof("verify sweep: %d checked, %d skipped, %d failed", res.Checked, res.Skipped, res.Failed)
	}
	return res, nil
}

// Start arms the periodic sweep. It is a no-op when already started.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.sweep != nil {
		return
	}
	e.sweep = e.cfg.Scheduler.Every(e.cfg.SweepInterval, func() {
		if _, err := e.Sweep(e.ctx); err != nil {
			e.cfg.Log.Warnf("verify sweep: %v", err)
		}
	})
}

// Pending returns the number of armed probe timers.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Close cancels the sweep and every armed probe. Probes already running
// finish and commit, but arm no retry.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sweep := e.sweep
	timers := e.timers
	e.timers = make(map[string]pending)
	e.mu.Unlock()

	if sweep != nil {
		sweep.Cancel()
	}
	for _, p := range timers {
		if p.h.Cancel() {
			p.release()
		}
	}
}
