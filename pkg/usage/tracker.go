// Package usage meters per-user daily consumption against tier limits.
// Counters are only ever changed by atomic increments at the store.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backlinkoo/linkwatch/pkg/polling"
	"github.com/backlinkoo/linkwatch/pkg/storage"
)

// ErrLimitReached is returned by TryRecord when the limit bounding the
// counter has been reached for the day.
var ErrLimitReached = errors.New("usage limit reached")

// Counters is an atomic per-user, per-day accumulator store.
type Counters interface {
	IncrementUsage(ctx context.Context, userID, dayKey string, kind storage.UsageKind, amount float64) (float64, error)
	IncrementUsageBounded(ctx context.Context, userID, dayKey string, kind storage.UsageKind, amount, limit float64) (float64, bool, error)
	GetUsage(ctx context.Context, userID, dayKey string) (storage.Usage, error)
}

// Plans resolves a user's tier name.
type Plans interface {
	GetUserTier(ctx context.Context, userID string) (string, error)
}

// ThresholdEvent reports that one increment moved a counter onto its limit.
type ThresholdEvent struct {
	UserID string
	DayKey string
	Tier   string
	Limit  LimitKind
	Value  float64
	Max    float64
	At     time.Time
}

// Config holds the tracker's tier table and clock.
type Config struct {
	Tiers       map[string]Limits // nil = DefaultTiers
	DefaultTier string            // tier for users with none recorded; "free"
	Now         func() time.Time  // nil = time.Now
	Log         polling.Logger
}

// Tracker records operations and checks thresholds.
type Tracker struct {
	counters Counters
	plans    Plans
	costs    CostTable
	cfg      Config

	mu    sync.RWMutex
	sinks []func(context.Context, ThresholdEvent)
}

// New builds a Tracker. costs may be nil, in which case every operation
// costs DefaultCost.
func New(counters Counters, plans Plans, costs CostTable, cfg Config) *Tracker {
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = TierFree
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Log = polling.OrNop(cfg.Log)
	return &Tracker{counters: counters, plans: plans, costs: costs, cfg: cfg}
}

// OnThreshold registers fn to receive threshold crossings. The tracker
// itself never pauses anything.
func (t *Tracker) OnThreshold(fn func(context.Context, ThresholdEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, fn)
}

// DayKey is the UTC calendar day counters roll over on.
func DayKey(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// Tier returns the user's tier name and limits.
func (t *Tracker) Tier(ctx context.Context, userID string) (string, Limits, error) {
	name := ""
	if t.plans != nil {
		var err error
		name, err = t.plans.GetUserTier(ctx, userID)
		if err != nil {
			return "", Limits{}, err
		}
	}
	if name == "" {
		name = t.cfg.DefaultTier
	}
	l, ok := t.cfg.Tiers[name]
	if !ok {
		t.cfg.Log.Warnf("usage: unknown tier %q for %s, using %s", name, userID, t.cfg.DefaultTier)
		name = t.cfg.DefaultTier
		l = t.cfg.Tiers[name]
	}
	return name, l, nil
}

// RecordOperation atomically adds amount to the user's counter for today and
// returns the new total. It never refuses; see TryRecord for bounded use.
func (t *Tracker) RecordOperation(ctx context.Context, userID string, kind storage.UsageKind, amount float64) (float64, error) {
	if err := validate(kind, amount); err != nil {
		return 0, err
	}
	now := t.cfg.Now()
	day := DayKey(now)
	total, err := t.counters.IncrementUsage(ctx, userID, day, kind, amount)
	if err != nil {
		return 0, err
	}
	t.maybeCrossed(ctx, userID, day, kind, total, amount, now)
	return total, nil
}

// TryRecord adds amount only while the counter is below its tier limit. The
// limit check and the increment are a single store operation, so a limit of
// N admits exactly N unit operations per day however calls interleave.
func (t *Tracker) TryRecord(ctx context.Context, userID string, kind storage.UsageKind, amount float64) (float64, error) {
	total, _, err := t.tryRecord(ctx, userID, kind, amount)
	return total, err
}

// Reserve charges amount the way TryRecord does and returns a release func
// that gives the charge back to the same day's counter. Callers whose work
// can still fail after the charge call release on failure.
func (t *Tracker) Reserve(ctx context.Context, userID string, kind storage.UsageKind, amount float64) (func(context.Context) error, error) {
	_, day, err := t.tryRecord(ctx, userID, kind, amount)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		if _, err := t.counters.IncrementUsage(ctx, userID, day, kind, -amount); err != nil {
			return fmt.Errorf("releasing %v %s for %s: %w", amount, kind, userID, err)
		}
		return nil
	}, nil
}

func (t *Tracker) tryRecord(ctx context.Context, userID string, kind storage.UsageKind, amount float64) (float64, string, error) {
	if err := validate(kind, amount); err != nil {
		return 0, "", err
	}
	now := t.cfg.Now()
	day := DayKey(now)
	lk, bounded := limitFor(kind)
	if !bounded {
		total, err := t.counters.IncrementUsage(ctx, userID, day, kind, amount)
		if err != nil {
			return 0, day, err
		}
		t.maybeCrossed(ctx, userID, day, kind, total, amount, now)
		return total, day, nil
	}
	tier, limits, err := t.Tier(ctx, userID)
	if err != nil {
		return 0, day, err
	}
	max := limits.For(lk)
	total, applied, err := t.counters.IncrementUsageBounded(ctx, userID, day, kind, amount, max)
	if err != nil {
		return 0, day, err
	}
	if !applied {
		return total, day, fmt.Errorf("%w: %s %v/%v on %s tier", ErrLimitReached, lk, total, max, tier)
	}
	t.maybeCrossed(ctx, userID, day, kind, total, amount, now)
	return total, day, nil
}

func validate(kind storage.UsageKind, amount float64) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown usage kind %q", kind)
	}
	if amount < 0 {
		return fmt.Errorf("usage amounts must not be negative, got %v", amount)
	}
	return nil
}

func (t *Tracker) maybeCrossed(ctx context.Context, userID, day string, kind storage.UsageKind, total, amount float64, now time.Time) {
	lk, ok := limitFor(kind)
	if !ok {
		return
	}
	t.mu.RLock()
	sinks := append([]func(context.Context, ThresholdEvent){}, t.sinks...)
	t.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	tier, limits, err := t.Tier(ctx, userID)
	if err != nil {
		t.cfg.Log.Warnf("usage: tier lookup for %s: %v", userID, err)
		return
	}
	max := limits.For(lk)
	if max < 0 || total < max || total-amount >= max {
		return
	}
	ev := ThresholdEvent{UserID: userID, DayKey: day, Tier: tier, Limit: lk, Value: total, Max: max, At: now}
	for _, fn := range sinks {
		fn(ctx, ev)
	}
}

// Check is the result of CheckThresholds.
type Check struct {
	UserID   string
	DayKey   string
	Tier     string
	Limits   Limits
	Counters map[storage.UsageKind]float64
	Exceeded []LimitKind
}

// Has reports whether k is among the exceeded limits.
func (c Check) Has(k LimitKind) bool {
	for _, x := range c.Exceeded {
		if x == k {
			return true
		}
	}
	return false
}

// CheckThresholds reads today's counters and evaluates them against the
// user's tier. It only reads.
func (t *Tracker) CheckThresholds(ctx context.Context, userID string) (Check, error) {
	tier, limits, err := t.Tier(ctx, userID)
	if err != nil {
		return Check{}, err
	}
	day := DayKey(t.cfg.Now())
	u, err := t.counters.GetUsage(ctx, userID, day)
	if err != nil {
		return Check{}, err
	}
	return Check{
		UserID:   userID,
		DayKey:   day,
		Tier:     tier,
		Limits:   limits,
		Counters: u.Counters,
		Exceeded: Evaluate(u.Counters, limits),
	}, nil
}
