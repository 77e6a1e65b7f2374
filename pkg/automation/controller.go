// Package automation pauses and resumes campaigns from usage and link-health
// signals. A transition counts only once its store write and audit row have
// committed.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/backlinkoo/linkwatch/pkg/inflight"
	"github.com/backlinkoo/linkwatch/pkg/notify"
	"github.com/backlinkoo/linkwatch/pkg/polling"
	"github.com/backlinkoo/linkwatch/pkg/schedule"
	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/usage"
)

var (
	// ErrNotPaused is returned by Resume for a campaign that is running.
	ErrNotPaused = errors.New("campaign is not paused")
	// ErrUnknownCampaign is returned for campaigns with no automation state.
	ErrUnknownCampaign = errors.New("campaign has no automation state")
)

// Store is the subset of the store the controller needs.
type Store interface {
	GetAutomation(ctx context.Context, campaignID string) (storage.AutomationState, error)
	ListAutomation(ctx context.Context) ([]storage.AutomationState, error)
	CommitAutomation(ctx context.Context, expectMode storage.AutomationMode, next storage.AutomationState, ev storage.AuditEvent) (storage.AutomationState, error)
	GetCampaignHealth(ctx context.Context, campaignID string) (storage.CampaignHealth, error)
}

// Usage supplies threshold checks and tier policy.
type Usage interface {
	CheckThresholds(ctx context.Context, userID string) (usage.Check, error)
	Tier(ctx context.Context, userID string) (string, usage.Limits, error)
}

// Controller evaluates campaigns on a tick and on threshold crossings.
type Controller struct {
	store Store
	usage Usage
	cfg   Config
	locks inflight.Stripes

	mu        sync.Mutex
	gen       uint64
	overrides map[string]uint64 // campaign -> gen of the last user action
	tick      schedule.Handle
}

// New builds a Controller. Call Start to evaluate periodically.
func New(store Store, u Usage, cfg Config) *Controller {
	return &Controller{
		store:     store,
		usage:     u,
		cfg:       cfg.withDefaults(),
		overrides: make(map[string]uint64),
	}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Ensure creates the campaign's automation state in manual mode if it has
// none, and returns the stored state.
func (c *Controller) Ensure(ctx context.Context, campaignID, userID string) (storage.AutomationState, error) {
	unlock := c.locks.Lock(campaignID)
	defer unlock()
	cur, err := c.store.GetAutomation(ctx, campaignID)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.AutomationState{}, err
	}
	next := storage.AutomationState{
		CampaignID:     campaignID,
		UserID:         userID,
		Mode:           storage.ModeManual,
		TransitionedAt: c.cfg.Scheduler.Now(),
	}
	return c.commit(ctx, storage.AutomationState{}, next, EventCreated, storage.UserActor(userID))
}

// Status returns the campaign's committed state.
func (c *Controller) Status(ctx context.Context, campaignID string) (storage.AutomationState, error) {
	st, err := c.store.GetAutomation(ctx, campaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return st, fmt.Errorf("%s: %w", campaignID, ErrUnknownCampaign)
	}
	return st, err
}

// Signals gathers the inputs for one evaluation of st.
func (c *Controller) Signals(ctx context.Context, st storage.AutomationState) (Signals, error) {
	var s Signals
	check, err := c.usage.CheckThresholds(ctx, st.UserID)
	if err != nil {
		return s, fmt.Errorf("usage: %w", err)
	}
	s.Usage = check
	s.AutoResume = check.Limits.AutoResume
	s.Health, err = c.store.GetCampaignHealth(ctx, st.CampaignID)
	if err != nil {
		return s, fmt.Errorf("health: %w", err)
	}
	return s, nil
}

// Evaluate applies the automatic rules to one campaign. It does nothing
// when a user acted on the campaign since the current tick began.
func (c *Controller) Evaluate(ctx context.Context, campaignID string) (storage.AutomationState, bool, error) {
	unlock := c.locks.Lock(campaignID)
	defer unlock()

	c.mu.Lock()
	gen := c.gen
	overridden, ok := c.overrides[campaignID]
	c.mu.Unlock()
	cur, err := c.store.GetAutomation(ctx, campaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return cur, false, fmt.Errorf("%s: %w", campaignID, ErrUnknownCampaign)
	}
	if err != nil {
		return cur, false, err
	}
	if ok && overridden == gen {
		c.cfg.Log.Debugf("automation %s: user override this tick, skipping", campaignID)
		return cur, false, nil
	}

	sig, err := c.Signals(ctx, cur)
	if err != nil {
		return cur, false, err
	}
	next, evType, changed := Decide(cur, Conditions(sig, c.cfg), sig.AutoResume, c.cfg.Scheduler.Now(), c.cfg)
	if !changed {
		return cur, false, nil
	}
	committed, err := c.commit(ctx, cur, next, evType, storage.ActorSystem)
	if err != nil {
		return cur, false, err
	}
	return committed, true, nil
}

// Pause is a user-initiated pause. It is never lifted automatically.
func (c *Controller) Pause(ctx context.Context, campaignID, userID, reason string) (storage.AutomationState, error) {
	return c.userAction(ctx, campaignID, userID, func(cur storage.AutomationState) (storage.AutomationState, string, error) {
		if cur.Mode == storage.ModeAutoPaused && cur.PausedBy != storage.ActorSystem {
			return cur, "", nil
		}
		next := cur
		next.Mode = storage.ModeAutoPaused
		next.PausedBy = storage.UserActor(userID)
		next.Reason = reasonOr(reason, "paused_by_user")
		next.Exceeded = nil
		return next, EventPaused, nil
	})
}

// Resume is a user-initiated resume into auto_running.
func (c *Controller) Resume(ctx context.Context, campaignID, userID, reason string) (storage.AutomationState, error) {
	return c.userAction(ctx, campaignID, userID, func(cur storage.AutomationState) (storage.AutomationState, string, error) {
		if cur.Mode == storage.ModeAutoRunning {
			return cur, "", ErrNotPaused
		}
		next := cur
		next.Mode = storage.ModeAutoRunning
		next.PausedBy = ""
		next.Reason = reasonOr(reason, "resumed_by_user")
		next.Exceeded = nil
		return next, EventResumed, nil
	})
}

// SetManual takes the campaign out of automatic running.
func (c *Controller) SetManual(ctx context.Context, campaignID, userID, reason string) (storage.AutomationState, error) {
	return c.userAction(ctx, campaignID, userID, func(cur storage.AutomationState) (storage.AutomationState, string, error) {
		if cur.Mode == storage.ModeManual {
			return cur, "", nil
		}
		next := cur
		next.Mode = storage.ModeManual
		next.PausedBy = ""
		next.Reason = reasonOr(reason, "manual_by_user")
		next.Exceeded = nil
		return next, EventManual, nil
	})
}

func reasonOr(reason, def string) string {
	if reason == "" {
		return def
	}
	return reason
}

func (c *Controller) userAction(ctx context.Context, campaignID, userID string, apply func(storage.AutomationState) (storage.AutomationState, string, error)) (storage.AutomationState, error) {
	unlock := c.locks.Lock(campaignID)
	defer unlock()
	cur, err := c.store.GetAutomation(ctx, campaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return cur, fmt.Errorf("%s: %w", campaignID, ErrUnknownCampaign)
	}
	if err != nil {
		return cur, err
	}
	next, evType, err := apply(cur)
	if err != nil || evType == "" {
		c.override(campaignID)
		return cur, err
	}
	next.TransitionedAt = c.cfg.Scheduler.Now()
	committed, err := c.commit(ctx, cur, next, evType, storage.UserActor(userID))
	if err != nil {
		return cur, err
	}
	c.override(campaignID)
	return committed, nil
}

func (c *Controller) override(campaignID string) {
	c.mu.Lock()
	c.overrides[campaignID] = c.gen
	c.mu.Unlock()
}

// commit writes next with bounded retries. Until it returns nil the
// transition has not happened.
func (c *Controller) commit(ctx context.Context, cur, next storage.AutomationState, evType string, actor storage.Actor) (storage.AutomationState, error) {
	next.UpdatedAt = c.cfg.Scheduler.Now()
	ev := storage.AuditEvent{EventType: evType, Actor: actor, Reason: next.Reason}
	var committed storage.AutomationState
	err := storage.Retry(ctx, c.cfg.Commit, func(ctx context.Context) error {
		var err error
		committed, err = c.store.CommitAutomation(ctx, cur.Mode, next, ev)
		return err
	})
	if err != nil {
		return storage.AutomationState{}, fmt.Errorf("commit %s for %s: %w", evType, next.CampaignID, err)
	}
	if l, ok := c.cfg.Log.(*logrus.Logger); ok {
		l.WithFields(logrus.Fields{
			"campaign": next.CampaignID,
			"before":   cur.Mode,
			"after":    committed.Mode,
			"actor":    actor,
		}).Info(evType)
	} else {
		c.cfg.Log.Infof("automation %s: %s -> %s (%s)", next.CampaignID, cur.Mode, committed.Mode, evType)
	}
	c.publish(cur, committed, evType, actor)
	return committed, nil
}

func (c *Controller) publish(before, after storage.AutomationState, evType string, actor storage.Actor) {
	if c.cfg.Hub == nil {
		return
	}
	c.cfg.Hub.Publish(notify.Event{
		Kind:       "automation",
		Type:       evType,
		ID:         after.CampaignID,
		CampaignID: after.CampaignID,
		UserID:     after.UserID,
		Status:     string(after.Mode),
		Previous:   string(before.Mode),
		Reasons:    after.Exceeded,
		Actor:      string(actor),
		At:         after.UpdatedAt,
	})
}

// Tick starts a new evaluation round and evaluates every campaign.
func (c *Controller) Tick(ctx context.Context) *polling.Result {
	return c.TickEach(ctx, nil)
}

// TickEach is Tick with onDone called from the worker goroutines as each
// campaign's evaluation returns.
func (c *Controller) TickEach(ctx context.Context, onDone func(campaignID string, err error)) *polling.Result {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
	states, err := c.store.ListAutomation(ctx)
	if err != nil {
		c.cfg.Log.Errorf("automation tick: %v", err)
		return &polling.Result{Errors: []error{err}}
	}
	ids := make([]string, 0, len(states))
	for _, s := range states {
		ids = append(ids, s.CampaignID)
	}
	return polling.Run(ctx, ids, polling.Config{Concurrency: c.cfg.Concurrency, Log: c.cfg.Log, OnDone: onDone}, func(ctx context.Context, id string) error {
		_, _, err := c.Evaluate(ctx, id)
		return err
	})
}

// ThresholdCrossed evaluates the user's campaigns as soon as a usage
// threshold is crossed, without waiting for the next tick.
func (c *Controller) ThresholdCrossed(ctx context.Context, ev usage.ThresholdEvent) {
	states, err := c.store.ListAutomation(ctx)
	if err != nil {
		c.cfg.Log.Errorf("automation: threshold %s for %s: %v", ev.Limit, ev.UserID, err)
		return
	}
	for _, s := range states {
		if s.UserID != ev.UserID {
			continue
		}
		if _, _, err := c.Evaluate(ctx, s.CampaignID); err != nil {
			c.cfg.Log.Warnf("automation %s: %v", s.CampaignID, err)
		}
	}
}

// Start evaluates every campaign once per Tick until Close.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tick != nil {
		return
	}
	c.tick = c.cfg.Scheduler.Every(c.cfg.Tick, func() {
		res := c.Tick(ctx)
		for _, err := range res.Errors {
			c.cfg.Log.Warnf("automation tick: %v", err)
		}
	})
}

// Close stops the periodic tick.
func (c *Controller) Close() {
	c.mu.Lock()
	h := c.tick
	c.tick = nil
	c.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}
