package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetEmptyIsNotError(t *testing.T) {
	db := openTestDB(t)
	rows, err := db.Get(context.Background(), "resources", Filter{Where: []Predicate{Eq("campaign_id", "nope")}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Fatalf("want empty non-nil slice, got %#v", rows)
	}
}

func TestGetRejectsUnknownColumn(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Get(context.Background(), "resources", Filter{Where: []Predicate{Eq("password", "x")}})
	if err == nil {
		t.Fatalf("expected error for unknown column")
	}
	if IsRetryable(err) {
		t.Fatalf("schema errors must not be retryable: %v", err)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := Row{"user_id": "u1"}
	patch := Row{"tier": "premium", "updated_at": "2024-01-01T00:00:00.000000000Z"}

	first, err := db.Upsert(ctx, "user_tiers", key, patch)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := db.Upsert(ctx, "user_tiers", key, patch)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("upsert not idempotent.\nfirst:  %#v\nsecond: %#v", first, second)
	}
	rows, _ := db.Get(ctx, "user_tiers", Filter{})
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
}

func TestAuditIsAppendOnly(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ev, err := db.AppendAudit(ctx, AuditEvent{ResourceID: "r1", ResourceKind: "resource", EventType: "created"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := db.Upsert(ctx, "audit_events", Row{"id": ev.ID}, Row{"event_type": "edited"}); !IsPermission(err) {
		t.Fatalf("upsert on audit table should be a permission error, got %v", err)
	}
	if _, err := db.sql.ExecContext(ctx, `UPDATE audit_events SET event_type = 'edited'`); err == nil {
		t.Fatalf("raw update of audit_events should be rejected by trigger")
	}
	if err := db.Append(ctx, "resources", Row{"id": "x"}); !IsPermission(err) {
		t.Fatalf("append on mutable table should be a permission error, got %v", err)
	}
}

func TestCommitResourceNoDuplicateAudit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	r, created, err := db.InsertResource(ctx, Resource{CampaignID: "c1", SourceURL: "https://Blog.example.com/post/", TargetURL: "example.org"}, ActorSystem)
	if err != nil || !created {
		t.Fatalf("insert: created=%v err=%v", created, err)
	}
	if r.SourceURL != "https://blog.example.com/post" || r.TargetURL != "https://example.org" {
		t.Fatalf("urls not normalized: %q %q", r.SourceURL, r.TargetURL)
	}
	again, created, err := db.InsertResource(ctx, Resource{CampaignID: "c1", SourceURL: "https://blog.example.com/post", TargetURL: "https://example.org/"}, ActorSystem)
	if err != nil || created || again.ID != r.ID {
		t.Fatalf("duplicate insert should return existing row: created=%v id=%s err=%v", created, again.ID, err)
	}

	next := r
	next.Status = StatusVerified
	next.Attempts = 1
	next.HTTPStatus = 200
	for i := 0; i < 2; i++ {
		_, changed, err := db.CommitResource(ctx, next, AuditEvent{EventType: "verified"})
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		if changed != (i == 0) {
			t.Fatalf("commit %d: changed=%v", i, changed)
		}
	}
	evs, err := db.ListAudit(ctx, AuditQuery{ResourceID: r.ID})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("want created+verified audit rows, got %d", len(evs))
	}
	if evs[0].EventType != "verified" || string(evs[0].Before) == string(evs[0].After) {
		t.Fatalf("unexpected newest audit row: %#v", evs[0])
	}
}

func TestCommitResourceMissing(t *testing.T) {
	db := openTestDB(t)
	_, _, err := db.CommitResource(context.Background(), Resource{ID: "ghost", Status: StatusBroken}, AuditEvent{EventType: "broken"})
	var se *StoreError
	if !errors.As(err, &se) || se.Kind != KindNotFound {
		t.Fatalf("want not_found, got %v", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("not_found should unwrap to ErrNotFound: %v", err)
	}
}

func TestIncrementUsageConcurrent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	const workers, per = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if _, err := db.IncrementUsage(ctx, "u1", "2024-05-01", UsageItemsPosted, 1); err != nil {
					t.Errorf("increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	u, err := db.GetUsage(ctx, "u1", "2024-05-01")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if got := u.Counters[UsageItemsPosted]; got != workers*per {
		t.Fatalf("lost updates: want %d, got %v", workers*per, got)
	}
}

func TestIncrementUsageBoundedAllowsExactlyN(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	const limit = 20
	applied := 0
	for i := 0; i < limit+5; i++ {
		_, ok, err := db.IncrementUsageBounded(ctx, "u1", "2024-05-01", UsageItemsPosted, 1, limit)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if ok {
			applied++
		}
	}
	if applied != limit {
		t.Fatalf("want %d applied, got %d", limit, applied)
	}
	// a new day key starts from zero
	total, ok, err := db.IncrementUsageBounded(ctx, "u1", "2024-05-02", UsageItemsPosted, 1, limit)
	if err != nil || !ok || total != 1 {
		t.Fatalf("next day: total=%v ok=%v err=%v", total, ok, err)
	}
}

func TestCommitAutomationGuardsMode(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	st := AutomationState{CampaignID: "c1", UserID: "u1", Mode: ModeAutoRunning, TransitionedAt: now}
	if _, err := db.CommitAutomation(ctx, "", st, AuditEvent{EventType: "created"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	paused := st
	paused.Mode = ModeAutoPaused
	paused.Exceeded = []string{"daily_limit_reached"}
	paused.TransitionedAt = now.Add(time.Minute)
	if _, err := db.CommitAutomation(ctx, ModeManual, paused, AuditEvent{EventType: "paused"}); !IsConflict(err) {
		t.Fatalf("stale expectation should conflict, got %v", err)
	}
	got, err := db.CommitAutomation(ctx, ModeAutoRunning, paused, AuditEvent{EventType: "paused"})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got.Mode != ModeAutoPaused || !reflect.DeepEqual(got.Exceeded, []string{"daily_limit_reached"}) {
		t.Fatalf("unexpected state: %#v", got)
	}
	evs, _ := db.ListAudit(ctx, AuditQuery{ResourceID: "c1", Kind: "automation"})
	if len(evs) != 2 {
		t.Fatalf("want 2 audit rows, got %d", len(evs))
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Example.com", "https://example.com"},
		{"http://example.com:80/a/", "http://example.com/a"},
		{"https://EXAMPLE.com:443/", "https://example.com"},
		{"https://example.com/p#frag", "https://example.com/p"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeURL(c.in); got != c.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestListActivePrompts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(priority int, expires time.Time, resp string) {
		_, err := db.PutPrompt(ctx, UpgradePrompt{UserID: "u1", TriggerType: "auto_pause", TriggerEvent: "daily_limit_reached",
			CurrentTier: "free", SuggestedTier: "premium", Urgency: "low", Priority: priority,
			Response: resp, TriggeredAt: now, ExpiresAt: expires})
		if err != nil {
			t.Fatalf("put prompt: %v", err)
		}
	}
	mk(4, now.Add(time.Hour), "")
	mk(9, now.Add(time.Hour), "")
	mk(10, now.Add(-time.Hour), "")
	mk(10, now.Add(time.Hour), "dismissed")

	got, err := db.ListActivePrompts(ctx, "u1", now, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Priority != 9 || got[1].Priority != 4 {
		t.Fatalf("unexpected prompts: %#v", got)
	}
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, src := range []string{"https://a.org/1", "https://a.org/2"} {
		if _, _, err := db.InsertResource(ctx, Resource{CampaignID: "c1", SourceURL: src, TargetURL: "https://t.org"}, ActorSystem); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	got := map[string]int{}
	for _, s := range stats {
		got[s.Table] = s.Rows
	}
	if got["resources"] != 2 || got["audit_events"] != 2 || len(stats) != len(Tables()) {
		t.Fatalf("unexpected stats %v", got)
	}
	counts, err := db.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if !reflect.DeepEqual(counts, []StatusCount{{CampaignID: "c1", Status: StatusUnverified, Count: 2}}) {
		t.Fatalf("counts = %+v", counts)
	}
}
