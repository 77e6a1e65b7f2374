// Package upsell turns automatic campaign pauses into upgrade prompts. It
// only observes committed automation transitions; it never changes them.
package upsell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/backlinkoo/linkwatch/pkg/automation"
	"github.com/backlinkoo/linkwatch/pkg/inflight"
	"github.com/backlinkoo/linkwatch/pkg/notify"
	"github.com/backlinkoo/linkwatch/pkg/polling"
	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/usage"
)

// Urgency levels.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// Responses a user can give to a prompt. ResponseShown only counts a
// display and leaves the prompt active.
const (
	ResponseShown     = "shown"
	ResponseDismissed = "dismissed"
	ResponseUpgraded  = "upgraded"
	ResponseIgnored   = "ignored"
)

// ErrBadResponse is returned by Respond for an unknown response.
var ErrBadResponse = errors.New("unknown prompt response")

// Store persists prompts.
type Store interface {
	PutPrompt(ctx context.Context, p storage.UpgradePrompt) (storage.UpgradePrompt, error)
	MarkPromptShown(ctx context.Context, id string) (storage.UpgradePrompt, error)
	SetPromptResponse(ctx context.Context, id, response string, at time.Time) (storage.UpgradePrompt, error)
	ListActivePrompts(ctx context.Context, userID string, now time.Time, limit int) ([]storage.UpgradePrompt, error)
}

// Tiers resolves a user's plan.
type Tiers interface {
	Tier(ctx context.Context, userID string) (string, usage.Limits, error)
}

// Prompter creates and serves upgrade prompts.
type Prompter struct {
	store Store
	tiers Tiers
	now   func() time.Time
	log   polling.Logger
	users inflight.Stripes
}

// New builds a Prompter. now defaults to time.Now.
func New(store Store, tiers Tiers, now func() time.Time, log polling.Logger) *Prompter {
	if now == nil {
		now = time.Now
	}
	return &Prompter{store: store, tiers: tiers, now: now, log: polling.OrNop(log)}
}

// Attach subscribes p to automatic pauses on hub and returns the disposer.
func (p *Prompter) Attach(hub *notify.Hub) (func(), error) {
	return hub.Subscribe("upsell", notify.Filter{
		Kinds: []string{"automation"},
		Types: []string{automation.EventAutoPaused},
	}, func(ev notify.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, _, err := p.OnPause(ctx, ev.UserID, ev.CampaignID, ev.Reasons); err != nil {
			p.log.Warnf("upsell %s: %v", ev.CampaignID, err)
		}
	}, notify.Options{})
}

// Urgency ranks a set of pause reasons.
func Urgency(reasons []string) string {
	has := func(r string) bool {
		for _, x := range reasons {
			if x == r {
				return true
			}
		}
		return false
	}
	switch {
	case has(automation.ReasonDailyLimit) && has(automation.ReasonComputeLimit):
		return UrgencyCritical
	case has(automation.ReasonQuality) || has(automation.ReasonErrorRate):
		return UrgencyHigh
	case len(reasons) > 1:
		return UrgencyMedium
	}
	return UrgencyLow
}

// Priority is the urgency's base priority plus one per reason, at most 10.
func Priority(urgency string, reasons int) int {
	base := map[string]int{UrgencyCritical: 10, UrgencyHigh: 8, UrgencyMedium: 6, UrgencyLow: 4}[urgency]
	if base == 0 {
		base = 4
	}
	if p := base + reasons; p < 10 {
		return p
	}
	return 10
}

var benefits = map[string][]string{
	"free->premium": {
		"Remove daily limits with 500 links/day",
		"Enable auto-run campaigns",
		"10x more compute power",
		"Advanced targeting options",
		"Priority support",
		"Smart scheduling",
	},
	"premium->enterprise": {
		"Unlimited everything",
		"Competitive monitoring",
		"White-label solution",
		"API access",
		"Dedicated resources",
		"Custom integrations",
	},
}

// Benefits lists what moving from one tier to the next adds.
func Benefits(from, to string) []string {
	return benefits[from+"->"+to]
}

// Build returns the prompt for an automatic pause, or false when the user
// is already on the top tier.
func Build(userID, campaignID, tier string, reasons []string, now time.Time) (storage.UpgradePrompt, bool) {
	next := usage.NextTier(tier)
	if next == "" {
		return storage.UpgradePrompt{}, false
	}
	if tier == "" {
		tier = usage.TierFree
	}
	urgency := Urgency(reasons)
	ttl, shows := 24*time.Hour, 3
	if urgency == UrgencyCritical {
		ttl, shows = 2*time.Hour, 5
	}
	return storage.UpgradePrompt{
		UserID:        userID,
		CampaignID:    campaignID,
		TriggerType:   "autopause",
		TriggerEvent:  "auto_pause_triggered: " + strings.Join(reasons, ", "),
		CurrentTier:   tier,
		SuggestedTier: next,
		Urgency:       urgency,
		Priority:      Priority(urgency, len(reasons)),
		Benefits:      Benefits(tier, next),
		MaxShowCount:  shows,
		TriggeredAt:   now,
		ExpiresAt:     now.Add(ttl),
	}, true
}

// OnPause stores the prompt for one automatic pause. A user who still has
// a prompt worth showing gets that one back instead of a second prompt;
// one daily limit pauses every campaign the user owns.
func (p *Prompter) OnPause(ctx context.Context, userID, campaignID string, reasons []string) (storage.UpgradePrompt, bool, error) {
	unlock := p.users.Lock(userID)
	defer unlock()

	tier, _, err := p.tiers.Tier(ctx, userID)
	if err != nil {
		return storage.UpgradePrompt{}, false, err
	}
	pr, ok := Build(userID, campaignID, tier, reasons, p.now())
	if !ok {
		return storage.UpgradePrompt{}, false, nil
	}
	active, err := p.Active(ctx, userID)
	if err != nil {
		return storage.UpgradePrompt{}, false, err
	}
	if len(active) > 0 {
		p.log.Debugf("upsell: %s already has prompt %s, skipping pause of %s", userID, active[0].ID, campaignID)
		return active[0], false, nil
	}
	pr, err = p.store.PutPrompt(ctx, pr)
	if err != nil {
		return storage.UpgradePrompt{}, false, err
	}
	p.log.Infof("upsell: %s prompt %s for %s (%s -> %s)", pr.Urgency, pr.ID, userID, pr.CurrentTier, pr.SuggestedTier)
	return pr, true, nil
}

// Active returns the user's prompts still worth showing, highest priority
// first. Prompts shown MaxShowCount times are left out.
func (p *Prompter) Active(ctx context.Context, userID string) ([]storage.UpgradePrompt, error) {
	all, err := p.store.ListActivePrompts(ctx, userID, p.now(), 0)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, pr := range all {
		if pr.MaxShowCount > 0 && pr.ShownCount >= pr.MaxShowCount {
			continue
		}
		out = append(out, pr)
	}
	return out, nil
}

// Respond records a user's answer to a prompt.
func (p *Prompter) Respond(ctx context.Context, id, response string) (storage.UpgradePrompt, error) {
	switch response {
	case ResponseShown, ResponseDismissed, ResponseUpgraded, ResponseIgnored:
	default:
		return storage.UpgradePrompt{}, fmt.Errorf("%w: %q", ErrBadResponse, response)
	}
	if response == ResponseShown {
		return p.store.MarkPromptShown(ctx, id)
	}
	return p.store.SetPromptResponse(ctx, id, response, p.now())
}
