package verify

import (
	"time"

	"github.com/backlinkoo/linkwatch/pkg/inflight"
	"github.com/backlinkoo/linkwatch/pkg/notify"
	"github.com/backlinkoo/linkwatch/pkg/polling"
	"github.com/backlinkoo/linkwatch/pkg/schedule"
	"github.com/backlinkoo/linkwatch/pkg/storage"
)

// Config holds the engine's policy and collaborators. Zero values take the
// defaults listed on each field.
type Config struct {
	CheckDelay    time.Duration // first probe after track/requeue; 30s, negative = at once
	SweepInterval time.Duration // periodic sweep of due resources; 30m
	Timeout       time.Duration // per probe; 30s
	MaxAttempts   int           // consecutive network failures before broken; 3
	BaseBackoff   time.Duration // retry delay is BaseBackoff * 2^attempts; 1m
	MaxBackoff    time.Duration // retry delay cap; 1h
	Concurrency   int           // probes in parallel during a sweep; 5
	Commit        storage.RetryPolicy

	Scheduler schedule.Scheduler // nil = wall clock
	Marks     *inflight.Registry // nil = private registry
	Guard     inflight.Guard     // optional cross-process guard
	Hub       Publisher          // optional
	Log       polling.Logger     // optional

	// OnProbe is called after every probe whose result was committed.
	OnProbe func(r storage.Resource)
}

// Publisher receives committed transitions.
type Publisher interface {
	Publish(ev notify.Event) notify.Event
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CheckDelay:    30 * time.Second,
		SweepInterval: 30 * time.Minute,
		Timeout:       30 * time.Second,
		MaxAttempts:   3,
		BaseBackoff:   time.Minute,
		MaxBackoff:    time.Hour,
		Concurrency:   5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckDelay < 0 {
		c.CheckDelay = 0
	} else if c.CheckDelay == 0 {
		c.CheckDelay = d.CheckDelay
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Scheduler == nil {
		c.Scheduler = schedule.Real{}
	}
	if c.Marks == nil {
		c.Marks = inflight.New()
	}
	c.Log = polling.OrNop(c.Log)
	return c
}

// Backoff returns the retry delay after a network failure when attempts
// probes had been made before it: BaseBackoff * 2^attempts, capped.
func (c Config) Backoff(attempts int) time.Duration {
	d := c.BaseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}
