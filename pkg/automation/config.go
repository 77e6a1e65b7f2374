package automation

import (
	"time"

	"github.com/backlinkoo/linkwatch/pkg/notify"
	"github.com/backlinkoo/linkwatch/pkg/polling"
	"github.com/backlinkoo/linkwatch/pkg/schedule"
	"github.com/backlinkoo/linkwatch/pkg/storage"
)

// Config holds the controller's policy and collaborators.
type Config struct {
	Tick         time.Duration // evaluation period; 1m
	Cooldown     time.Duration // minimum pause length before an automatic resume; 15m
	ErrorRateMax float64       // broken/total above this pauses; 0.3
	QualityFloor float64       // average quality below this pauses; 50
	MinSample    int           // settled links needed before health rules apply; 5
	Concurrency  int           // campaigns evaluated in parallel per tick; 5
	Commit       storage.RetryPolicy

	Scheduler schedule.Scheduler
	Hub       Publisher
	Log       polling.Logger
}

// Publisher receives committed transitions.
type Publisher interface {
	Publish(ev notify.Event) notify.Event
}

func DefaultConfig() Config {
	return Config{
		Tick:         time.Minute,
		Cooldown:     15 * time.Minute,
		ErrorRateMax: 0.3,
		QualityFloor: 50,
		MinSample:    5,
		Concurrency:  5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	} else if c.Cooldown == 0 {
		c.Cooldown = d.Cooldown
	}
	if c.ErrorRateMax <= 0 {
		c.ErrorRateMax = d.ErrorRateMax
	}
	if c.QualityFloor <= 0 {
		c.QualityFloor = d.QualityFloor
	}
	if c.MinSample <= 0 {
		c.MinSample = d.MinSample
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Scheduler == nil {
		c.Scheduler = schedule.Real{}
	}
	c.Log = polling.OrNop(c.Log)
	return c
}
