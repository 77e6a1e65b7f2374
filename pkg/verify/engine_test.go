package verify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/backlinkoo/linkwatch/pkg/inflight"
	"github.com/backlinkoo/linkwatch/pkg/notify"
	"github.com/backlinkoo/linkwatch/pkg/schedule"
	"github.com/backlinkoo/linkwatch/pkg/storage"
)

type scriptProber struct {
	mu       sync.Mutex
	calls    int
	outcomes []Outcome // consumed in order, the last one repeats
	entered  chan struct{}
	gate     chan struct{}
}

func (p *scriptProber) Probe(ctx context.Context, r storage.Resource) Outcome {
	p.mu.Lock()
	i := p.calls
	p.calls++
	if i >= len(p.outcomes) {
		i = len(p.outcomes) - 1
	}
	out := p.outcomes[i]
	p.mu.Unlock()
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}
	return out
}

func (p *scriptProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var (
	success = Outcome{Kind: OutcomeSuccess, HTTPStatus: 200, LinkFound: true, ExactMatch: true, Score: 100}
	timeout = Outcome{Kind: OutcomeNetworkError, Detail: "timeout"}
	missing = Outcome{Kind: OutcomeNotFound, HTTPStatus: 404, Detail: "HTTP 404"}
)

type fixture struct {
	db    *storage.DB
	clock *schedule.Manual
	marks *inflight.Registry
	hub   *notify.Hub
	eng   *Engine
}

func newFixture(t *testing.T, p Prober, cfg Config) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "verify.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f := &fixture{db: db, clock: schedule.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)), marks: inflight.New()}
	f.hub = notify.NewHub(f.clock, nil)
	cfg.Scheduler = f.clock
	cfg.Marks = f.marks
	cfg.Hub = f.hub
	f.eng = New(db, p, cfg)
	t.Cleanup(func() {
		f.eng.Close()
		f.hub.Close()
		db.Close()
	})
	return f
}

func (f *fixture) insert(t *testing.T) storage.Resource {
	t.Helper()
	r, _, err := f.db.InsertResource(context.Background(), storage.Resource{
		CampaignID: "c1", UserID: "u1",
		SourceURL: "https://blog.example.com/post", TargetURL: "https://example.org",
	}, storage.ActorSystem)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return r
}

func TestTimeoutsSettleBroken(t *testing.T) {
	p := &scriptProber{outcomes: []Outcome{timeout}}
	f := newFixture(t, p, Config{MaxAttempts: 3, BaseBackoff: time.Minute, MaxBackoff: time.Hour, CheckDelay: 30 * time.Second})
	ctx := context.Background()

	r, created, err := f.eng.Track(ctx, storage.Resource{CampaignID: "c1", SourceURL: "https://blog.example.com/post", TargetURL: "https://example.org"}, storage.UserActor("u1"))
	if err != nil || !created {
		t.Fatalf("track: created=%v err=%v", created, err)
	}
	if _, again, _ := f.eng.Track(ctx, storage.Resource{CampaignID: "c1", SourceURL: "https://blog.example.com/post", TargetURL: "https://example.org"}, storage.UserActor("u1")); again {
		t.Fatalf("tracking the same link twice must not create a second resource")
	}
	if f.clock.Pending() != 1 {
		t.Fatalf("want one armed probe, got %d", f.clock.Pending())
	}

	f.clock.Advance(30 * time.Second) // probe 1, retry in 1m
	f.clock.Advance(time.Minute)      // probe 2, retry in 2m
	mid, _ := f.db.GetResource(ctx, r.ID)
	if mid.Status != storage.StatusUnverified || mid.Attempts != 2 || mid.Failures != 2 {
		t.Fatalf("network errors must not change status: %+v", mid)
	}
	f.clock.Advance(2 * time.Minute) // probe 3, settles broken

	got, err := f.db.GetResource(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusBroken || got.Attempts != 3 {
		t.Fatalf("want broken after 3 attempts, got %s/%d", got.Status, got.Attempts)
	}
	if f.eng.Pending() != 0 || f.clock.Pending() != 0 || f.marks.Len() != 0 {
		t.Fatalf("no further probe may be scheduled: engine=%d clock=%d marks=%d", f.eng.Pending(), f.clock.Pending(), f.marks.Len())
	}
	f.clock.Advance(24 * time.Hour)
	if p.Calls() != 3 {
		t.Fatalf("want 3 probes, got %d", p.Calls())
	}

	evs, _ := f.db.ListAudit(ctx, storage.AuditQuery{ResourceID: r.ID})
	if len(evs) != 4 || evs[0].EventType != "broken" {
		t.Fatalf("want created, 2x probe_failed, broken; got %d rows, newest %q", len(evs), evs[0].EventType)
	}
}

func TestAtMostOneInFlight(t *testing.T) {
	p := &scriptProber{outcomes: []Outcome{success}, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	f := newFixture(t, p, Config{})
	r := f.insert(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.VerifyNow(ctx, r.ID)
		done <- err
	}()
	<-p.entered

	if _, err := f.eng.VerifyNow(ctx, r.ID); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second probe should be de-duplicated, got %v", err)
	}
	if err := f.eng.Schedule(r.ID, 0); !errors.Is(err, ErrInFlight) {
		t.Fatalf("schedule while in flight should be a no-op, got %v", err)
	}
	close(p.gate)
	if err := <-done; err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if p.Calls() != 1 {
		t.Fatalf("want exactly 1 network call, got %d", p.Calls())
	}
	got, _ := f.db.GetResource(ctx, r.ID)
	if got.Status != storage.StatusVerified || got.QualityScore != 100 {
		t.Fatalf("unexpected resource: %+v", got)
	}
	if f.clock.Pending() != 0 {
		t.Fatalf("the de-duplicated schedule must not leave a timer")
	}
}

func TestNotifyAfterCommit(t *testing.T) {
	p := &scriptProber{outcomes: []Outcome{success}}
	f := newFixture(t, p, Config{})
	r := f.insert(t)
	ctx := context.Background()

	type seen struct{ event, stored string }
	got := make(chan seen, 4)
	dispose, err := f.hub.Subscribe("ui", notify.Filter{CampaignID: "c1"}, func(ev notify.Event) {
		cur, _ := f.db.GetResource(ctx, ev.ID)
		got <- seen{ev.Status, string(cur.Status)}
	}, notify.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer dispose()

	if _, err := f.eng.VerifyNow(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-got:
		if s.event != "verified" || s.stored != "verified" {
			t.Fatalf("observer saw %q but store had %q", s.event, s.stored)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification")
	}
}

func TestRequeueAndRemove(t *testing.T) {
	p := &scriptProber{outcomes: []Outcome{missing}}
	f := newFixture(t, p, Config{CheckDelay: time.Minute})
	r := f.insert(t)
	ctx := context.Background()

	got, err := f.eng.VerifyNow(ctx, r.ID)
	if err != nil || got.Status != storage.StatusBroken {
		t.Fatalf("verify: %v %+v", err, got)
	}
	// settled resources are not probed again automatically
	if again, _ := f.eng.VerifyNow(ctx, r.ID); again.Attempts != 1 || p.Calls() != 1 {
		t.Fatalf("settled resource was re-probed")
	}

	req, err := f.eng.Requeue(ctx, r.ID, storage.UserActor("u1"), "page fixed")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if req.Status != storage.StatusUnverified || req.Attempts != 1 || req.Failures != 0 {
		t.Fatalf("unexpected requeued resource: %+v", req)
	}
	if f.eng.Pending() != 1 {
		t.Fatalf("requeue should arm a probe, pending=%d", f.eng.Pending())
	}

	rm, err := f.eng.Remove(ctx, r.ID, storage.UserActor("u1"), "")
	if err != nil || rm.Status != storage.StatusRemoved {
		t.Fatalf("remove: %v %+v", err, rm)
	}
	if f.eng.Pending() != 0 || f.clock.Pending() != 0 || f.marks.Len() != 0 {
		t.Fatalf("remove must cancel the armed probe")
	}
	f.clock.Advance(time.Hour)
	if p.Calls() != 1 {
		t.Fatalf("probe ran after removal")
	}
	if _, err := f.eng.Requeue(ctx, r.ID, storage.UserActor("u1"), ""); !errors.Is(err, ErrRemoved) {
		t.Fatalf("requeue of removed resource: %v", err)
	}
}

func TestCloseLetsInFlightProbeFinish(t *testing.T) {
	p := &scriptProber{outcomes: []Outcome{timeout}, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	f := newFixture(t, p, Config{})
	r := f.insert(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.VerifyNow(ctx, r.ID)
		done <- err
	}()
	<-p.entered
	f.eng.Close()
	close(p.gate)
	if err := <-done; err != nil {
		t.Fatalf("in-flight probe: %v", err)
	}

	got, _ := f.db.GetResource(ctx, r.ID)
	if got.Attempts != 1 || got.Failures != 1 {
		t.Fatalf("in-flight result should still be committed: %+v", got)
	}
	if f.eng.Pending() != 0 || f.clock.Pending() != 0 || f.marks.Len() != 0 {
		t.Fatalf("closed engine re-armed a retry")
	}
}

func TestSweepProbesDueOnly(t *testing.T) {
	p := &scriptProber{outcomes: []Outcome{success}}
	f := newFixture(t, p, Config{Concurrency: 2})
	ctx := context.Background()

	due := f.insert(t)
	later, _, err := f.db.InsertResource(ctx, storage.Resource{
		CampaignID: "c1", SourceURL: "https://other.example.com/", TargetURL: "https://example.org",
		NextCheckAt: f.clock.Now().Add(time.Hour),
	}, storage.ActorSystem)
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.eng.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Checked != 1 || res.Statuses[storage.StatusVerified] != 1 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}
	if got, _ := f.db.GetResource(ctx, due.ID); got.Status != storage.StatusVerified {
		t.Fatalf("due resource not verified")
	}
	if got, _ := f.db.GetResource(ctx, later.ID); got.Status != storage.StatusUnverified {
		t.Fatalf("resource not yet due was probed")
	}
}

func TestTransition(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseBackoff: time.Minute, MaxBackoff: 5 * time.Minute}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name      string
		cur       storage.Resource
		out       Outcome
		status    storage.ResourceStatus
		failures  int
		retry     time.Duration
		eventType string
	}{
		{"success", storage.Resource{Status: storage.StatusUnverified}, success, storage.StatusVerified, 0, 0, "verified"},
		{"not found", storage.Resource{Status: storage.StatusUnverified, Failures: 2}, missing, storage.StatusBroken, 0, 0, "broken"},
		{"redirect", storage.Resource{Status: storage.StatusUnverified}, Outcome{Kind: OutcomeRedirected, HTTPStatus: 200}, storage.StatusRedirect, 0, 0, "redirect"},
		{"first failure", storage.Resource{Status: storage.StatusUnverified}, timeout, storage.StatusUnverified, 1, time.Minute, "probe_failed"},
		{"backoff grows", storage.Resource{Status: storage.StatusUnverified, Attempts: 1, Failures: 1}, timeout, storage.StatusUnverified, 2, 2 * time.Minute, "probe_failed"},
		{"backoff capped", storage.Resource{Status: storage.StatusUnverified, Attempts: 9, Failures: 0}, timeout, storage.StatusUnverified, 1, 5 * time.Minute, "probe_failed"},
		{"limit reached", storage.Resource{Status: storage.StatusUnverified, Attempts: 2, Failures: 2}, timeout, storage.StatusBroken, 3, 0, "broken"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, ev, retry := Transition(tc.cur, tc.out, now, cfg)
			if next.Status != tc.status || next.Failures != tc.failures || retry != tc.retry || ev.EventType != tc.eventType {
				t.Fatalf("got status=%s failures=%d retry=%v event=%s", next.Status, next.Failures, retry, ev.EventType)
			}
			if next.Attempts != tc.cur.Attempts+1 {
				t.Fatalf("attempts must increase by one: %d -> %d", tc.cur.Attempts, next.Attempts)
			}
			if retry > 0 && !next.NextCheckAt.Equal(now.Add(retry)) {
				t.Fatalf("next check %v, want %v", next.NextCheckAt, now.Add(retry))
			}
		})
	}
}

// firedScheduler hands out timers that have always just fired: Cancel
// reports false and the task runs only when fire is called.
type firedScheduler struct {
	*schedule.Manual
	mu    sync.Mutex
	tasks []func()
}

type firedHandle struct{}

func (firedHandle) Cancel() bool { return false }

func (s *firedScheduler) After(delay time.Duration, task func()) schedule.Handle {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
	return firedHandle{}
}

func (s *firedScheduler) fire() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

func TestCancelStopsFiredTimer(t *testing.T) {
	p := &scriptProber{outcomes: []Outcome{success}}
	f := newFixture(t, p, Config{})
	r := f.insert(t)
	sched := &firedScheduler{Manual: f.clock}
	eng := New(f.db, p, Config{Scheduler: sched, Marks: f.marks, Hub: f.hub})
	defer eng.Close()

	if err := eng.Schedule(r.ID, time.Minute); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	eng.Cancel(r.ID)
	sched.fire()

	if p.Calls() != 0 {
		t.Fatalf("probe ran after Cancel returned: %d calls", p.Calls())
	}
	if f.marks.Held(r.ID) || eng.Pending() != 0 {
		t.Fatalf("marker held %v, pending %d", f.marks.Held(r.ID), eng.Pending())
	}

	// The id can be scheduled again, and an uncancelled timer still probes.
	if err := eng.Schedule(r.ID, time.Minute); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	sched.fire()
	if p.Calls() != 1 {
		t.Fatalf("want 1 probe, got %d", p.Calls())
	}
}
