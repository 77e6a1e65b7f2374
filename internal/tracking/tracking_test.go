package tracking

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/backlinkoo/linkwatch/pkg/automation"
	"github.com/backlinkoo/linkwatch/pkg/schedule"
	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/usage"
	"github.com/backlinkoo/linkwatch/pkg/verify"
)

type nopProber struct{}

func (nopProber) Probe(ctx context.Context, r storage.Resource) verify.Outcome {
	return verify.Outcome{Kind: verify.OutcomeSuccess, HTTPStatus: 200, LinkFound: true}
}

func newService(t *testing.T, withCampaigns bool) (*Service, *storage.DB, *usage.Tracker) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tracking.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	clk := schedule.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	eng := verify.New(db, nopProber{}, verify.Config{Scheduler: clk})
	tr := usage.New(db, db, db, usage.Config{Now: clk.Now})
	s := &Service{Engine: eng, Store: db, Meter: tr}
	var ctrl *automation.Controller
	if withCampaigns {
		ctrl = automation.New(db, tr, automation.Config{Scheduler: clk})
		tr.OnThreshold(ctrl.ThresholdCrossed)
		s.Campaigns = ctrl
	}
	t.Cleanup(func() {
		eng.Close()
		if ctrl != nil {
			ctrl.Close()
		}
		db.Close()
	})
	return s, db, tr
}

func req(i int) Request {
	return Request{
		CampaignID: "c1",
		UserID:     "u1",
		SourceURL:  fmt.Sprintf("https://blog%d.example.com/post", i),
		TargetURL:  "https://shop.example.org/",
	}
}

func TestTrackChargesOnce(t *testing.T) {
	s, db, tr := newService(t, true)
	ctx := context.Background()

	r, created, err := s.Track(ctx, req(0), storage.UserActor("u1"))
	if err != nil || !created {
		t.Fatalf("track = %v, %v", created, err)
	}
	if r.ComputeCost != usage.DefaultCost {
		t.Fatalf("compute cost = %v, want %v", r.ComputeCost, usage.DefaultCost)
	}
	again, created, err := s.Track(ctx, Request{CampaignID: "c1", UserID: "u1", SourceURL: "HTTPS://Blog0.example.com/post/", TargetURL: "https://shop.example.org"}, storage.UserActor("u1"))
	if err != nil || created || again.ID != r.ID {
		t.Fatalf("duplicate track = %+v, %v, %v", again, created, err)
	}

	u, err := db.GetUsage(ctx, "u1", usage.DayKey(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Counters[storage.UsageItemsPosted] != 1 || u.Counters[storage.UsageComputeUnits] != usage.DefaultCost || u.Counters[storage.UsageAPIRequests] != 1 {
		t.Fatalf("counters = %+v", u.Counters)
	}
	if _, err := tr.CheckThresholds(ctx, "u1"); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestTrackStopsAtLimit(t *testing.T) {
	tests := []struct {
		name      string
		campaigns bool
		want      error
	}{
		{"paused campaign refuses", true, ErrCampaignPaused},
		{"quota refuses", false, usage.ErrLimitReached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newService(t, tt.campaigns)
			ctx := context.Background()
			for i := 0; i < 20; i++ {
				if _, _, err := s.Track(ctx, req(i), storage.UserActor("u1")); err != nil {
					t.Fatalf("track %d: %v", i, err)
				}
			}
			if _, _, err := s.Track(ctx, req(20), storage.UserActor("u1")); !errors.Is(err, tt.want) {
				t.Fatalf("21st track = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTrackValidates(t *testing.T) {
	s, db, _ := newService(t, false)
	ctx := context.Background()
	tests := []struct {
		name string
		req  Request
	}{
		{"no urls", Request{CampaignID: "c1", UserID: "u1"}},
		{"no campaign", Request{UserID: "u1", SourceURL: "https://a.example.com/", TargetURL: "https://b.example.com/"}},
		{"source not a url", Request{CampaignID: "c1", UserID: "u1", SourceURL: "not a url", TargetURL: "https://b.example.com/"}},
		{"target not a url", Request{CampaignID: "c1", UserID: "u1", SourceURL: "https://a.example.com/", TargetURL: "shop"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := s.Track(ctx, tt.req, storage.UserActor("u1")); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("track = %v, want %v", err, ErrInvalidRequest)
			}
		})
	}
	u, err := db.GetUsage(ctx, "u1", usage.DayKey(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Counters[storage.UsageItemsPosted] != 0 {
		t.Fatalf("invalid requests were charged: %+v", u.Counters)
	}
}

type failingEngine struct{}

func (failingEngine) Track(ctx context.Context, r storage.Resource, actor storage.Actor) (storage.Resource, bool, error) {
	return storage.Resource{}, false, &storage.StoreError{Op: "insert", Table: "resources", Kind: storage.KindNetwork, Retryable: true, Err: errors.New("connection reset")}
}

func TestFailedInsertReleasesCharge(t *testing.T) {
	s, db, _ := newService(t, false)
	s.Engine = failingEngine{}
	ctx := context.Background()

	if _, _, err := s.Track(ctx, req(0), storage.UserActor("u1")); !storage.IsRetryable(err) {
		t.Fatalf("track = %v, want the retryable store error", err)
	}
	u, err := db.GetUsage(ctx, "u1", usage.DayKey(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Counters[storage.UsageItemsPosted] != 0 || u.Counters[storage.UsageComputeUnits] != 0 {
		t.Fatalf("counters after failed insert = %+v", u.Counters)
	}
}
