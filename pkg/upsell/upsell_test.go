package upsell

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/backlinkoo/linkwatch/pkg/automation"
	"github.com/backlinkoo/linkwatch/pkg/notify"
	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/usage"
)

func TestUrgencyAndPriority(t *testing.T) {
	tests := []struct {
		reasons  []string
		urgency  string
		priority int
	}{
		{[]string{automation.ReasonDailyLimit}, UrgencyLow, 5},
		{[]string{automation.ReasonDailyLimit, automation.ReasonComputeLimit}, UrgencyCritical, 10},
		{[]string{automation.ReasonQuality}, UrgencyHigh, 9},
		{[]string{automation.ReasonErrorRate, automation.ReasonQuality}, UrgencyHigh, 10},
		{[]string{automation.ReasonComputeLimit, "storage_limit_reached"}, UrgencyMedium, 8},
	}
	for _, tt := range tests {
		u := Urgency(tt.reasons)
		if u != tt.urgency {
			t.Errorf("Urgency(%v) = %s, want %s", tt.reasons, u, tt.urgency)
		}
		if p := Priority(u, len(tt.reasons)); p != tt.priority {
			t.Errorf("Priority(%s, %d) = %d, want %d", u, len(tt.reasons), p, tt.priority)
		}
	}
}

func TestBuild(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p, ok := Build("u1", "c1", usage.TierFree, []string{automation.ReasonDailyLimit, automation.ReasonComputeLimit}, now)
	if !ok {
		t.Fatalf("no prompt for free tier")
	}
	if p.SuggestedTier != usage.TierPremium || p.MaxShowCount != 5 || !p.ExpiresAt.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("unexpected prompt %+v", p)
	}
	if !reflect.DeepEqual(p.Benefits, Benefits("free", "premium")) {
		t.Fatalf("benefits = %v", p.Benefits)
	}
	p, _ = Build("u1", "c1", usage.TierPremium, []string{automation.ReasonQuality}, now)
	if p.SuggestedTier != usage.TierEnterprise || p.MaxShowCount != 3 || !p.ExpiresAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("unexpected prompt %+v", p)
	}
	if _, ok := Build("u1", "c1", usage.TierEnterprise, []string{automation.ReasonQuality}, now); ok {
		t.Fatalf("enterprise users get no prompt")
	}
}

type staticTiers map[string]string

func (s staticTiers) Tier(_ context.Context, userID string) (string, usage.Limits, error) {
	return s[userID], usage.Limits{}, nil
}

func TestAttachCreatesPromptAndRespond(t *testing.T) {
	defer goleak.VerifyNone(t)
	db, err := storage.Open(filepath.Join(t.TempDir(), "upsell.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := New(db, staticTiers{"u1": "free", "e1": "enterprise"}, func() time.Time { return now }, nil)
	hub := notify.NewHub(nil, nil)
	dispose, err := p.Attach(hub)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Events reach one observer in publish order, so once the u1 prompt
	// exists the e1 pause has been handled too.
	hub.Publish(notify.Event{Kind: "automation", Type: automation.EventAutoPaused, CampaignID: "c2", UserID: "e1", Reasons: []string{automation.ReasonDailyLimit}})
	hub.Publish(notify.Event{Kind: "automation", Type: automation.EventResumed, CampaignID: "c1", UserID: "u1"})
	hub.Publish(notify.Event{Kind: "automation", Type: automation.EventAutoPaused, CampaignID: "c1", UserID: "u1", Reasons: []string{automation.ReasonDailyLimit}})
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := db.ListActivePrompts(context.Background(), "u1", now, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no prompt created")
		}
		time.Sleep(5 * time.Millisecond)
	}
	dispose()
	hub.Close()

	active, err := p.Active(context.Background(), "u1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0].CampaignID != "c1" || active[0].Urgency != UrgencyLow {
		t.Fatalf("unexpected prompts %+v", active)
	}
	if got, _ := p.Active(context.Background(), "e1"); len(got) != 0 {
		t.Fatalf("enterprise user got prompts: %+v", got)
	}

	id := active[0].ID
	for i := 0; i < 3; i++ {
		if _, err := p.Respond(context.Background(), id, ResponseShown); err != nil {
			t.Fatalf("shown: %v", err)
		}
	}
	if got, _ := p.Active(context.Background(), "u1"); len(got) != 0 {
		t.Fatalf("prompt shown max times is still active")
	}
	if _, err := p.Respond(context.Background(), id, "maybe"); err == nil {
		t.Fatalf("bad response accepted")
	}
	pr, err := p.Respond(context.Background(), id, ResponseUpgraded)
	if err != nil || pr.Response != ResponseUpgraded {
		t.Fatalf("respond: %+v %v", pr, err)
	}
}

func openPrompter(t *testing.T, now time.Time) (*Prompter, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "upsell.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, staticTiers{"u1": "free", "u2": "free"}, func() time.Time { return now }, nil), db
}

func TestOnPauseKeepsOnePromptPerUser(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p, _ := openPrompter(t, now)
	ctx := context.Background()
	reasons := []string{automation.ReasonDailyLimit}

	first, created, err := p.OnPause(ctx, "u1", "c1", reasons)
	if err != nil || !created {
		t.Fatalf("first pause = %v, %v", created, err)
	}
	for _, campaign := range []string{"c1", "c2"} {
		pr, created, err := p.OnPause(ctx, "u1", campaign, reasons)
		if err != nil || created || pr.ID != first.ID {
			t.Fatalf("pause of %s = %+v, created %v, err %v", campaign, pr, created, err)
		}
	}
	if _, created, err := p.OnPause(ctx, "u2", "c9", reasons); err != nil || !created {
		t.Fatalf("other user = %v, %v", created, err)
	}

	active, err := p.Active(ctx, "u1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("want 1 active prompt for u1, got %d", len(active))
	}

	// Once answered, the next pause prompts again.
	if _, err := p.Respond(ctx, first.ID, ResponseDismissed); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if _, created, err := p.OnPause(ctx, "u1", "c2", reasons); err != nil || !created {
		t.Fatalf("pause after dismiss = %v, %v", created, err)
	}
}

func TestRespondShownConcurrently(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p, db := openPrompter(t, now)
	ctx := context.Background()
	pr, _, err := p.OnPause(ctx, "u1", "c1", []string{automation.ReasonDailyLimit, automation.ReasonComputeLimit})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Respond(ctx, pr.ID, ResponseShown); err != nil {
				t.Errorf("shown: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := db.GetPrompt(ctx, pr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ShownCount != 10 || got.Response != "" {
		t.Fatalf("shown count = %d response %q, want 10 and none", got.ShownCount, got.Response)
	}
	if _, err := p.Respond(ctx, "missing", ResponseShown); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("respond to missing prompt = %v", err)
	}
}
