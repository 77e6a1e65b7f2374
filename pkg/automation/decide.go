package automation

import (
	"strings"
	"time"

	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/usage"
)

// Pause reasons.
const (
	ReasonDailyLimit   = "daily_limit_reached"
	ReasonComputeLimit = "compute_limit_reached"
	ReasonErrorRate    = "error_rate_exceeded"
	ReasonQuality      = "quality_below_floor"
)

// Event types recorded for controller transitions.
const (
	EventAutoPaused  = "auto_paused"
	EventAutoResumed = "auto_resumed"
	EventPaused      = "paused"
	EventResumed     = "resumed"
	EventManual      = "manual"
	EventCreated     = "created"
)

// Signals are the inputs to one evaluation.
type Signals struct {
	Usage      usage.Check
	Health     storage.CampaignHealth
	AutoResume bool // the owner's tier allows automatic resume
}

// Conditions returns every pause condition that holds, in a fixed order.
func Conditions(s Signals, cfg Config) []string {
	cfg = cfg.withDefaults()
	var out []string
	if s.Usage.Has(usage.LimitDaily) {
		out = append(out, ReasonDailyLimit)
	}
	if s.Usage.Has(usage.LimitCompute) {
		out = append(out, ReasonComputeLimit)
	}
	if s.Health.Settled >= cfg.MinSample {
		if s.Health.ErrorRate() > cfg.ErrorRateMax {
			out = append(out, ReasonErrorRate)
		}
		if s.Health.QualityAvg < cfg.QualityFloor {
			out = append(out, ReasonQuality)
		}
	}
	return out
}

// Decide applies the pause and resume rules to cur. It reports the next
// state, the event type and whether anything changed.
func Decide(cur storage.AutomationState, conds []string, autoResume bool, now time.Time, cfg Config) (storage.AutomationState, string, bool) {
	cfg = cfg.withDefaults()
	next := cur
	switch cur.Mode {
	case storage.ModeManual, storage.ModeAutoRunning:
		if len(conds) == 0 {
			return cur, "", false
		}
		next.Mode = storage.ModeAutoPaused
		next.PausedBy = storage.ActorSystem
		next.Exceeded = append([]string(nil), conds...)
		next.Reason = strings.Join(conds, ",")
		next.TransitionedAt = now
		return next, EventAutoPaused, true
	case storage.ModeAutoPaused:
		// A pause the user asked for is only lifted by the user.
		if cur.PausedBy != storage.ActorSystem || !autoResume || len(conds) > 0 {
			return cur, "", false
		}
		if now.Sub(cur.TransitionedAt) < cfg.Cooldown {
			return cur, "", false
		}
		next.Mode = storage.ModeAutoRunning
		next.PausedBy = ""
		next.Reason = "thresholds_cleared"
		next.Exceeded = nil
		next.TransitionedAt = now
		return next, EventAutoResumed, true
	}
	return cur, "", false
}
