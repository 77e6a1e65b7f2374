package usage

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/backlinkoo/linkwatch/pkg/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "usage.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var day = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTracker(t *testing.T, db *storage.DB, now *time.Time) *Tracker {
	t.Helper()
	return New(db, db, db, Config{Now: func() time.Time { return *now }})
}

func TestEvaluate(t *testing.T) {
	free := DefaultTiers()[TierFree]
	tests := []struct {
		name     string
		counters map[storage.UsageKind]float64
		limits   Limits
		want     []LimitKind
	}{
		{"nothing", map[storage.UsageKind]float64{}, free, nil},
		{"one below", map[storage.UsageKind]float64{storage.UsageItemsPosted: 19}, free, nil},
		{"at limit", map[storage.UsageKind]float64{storage.UsageItemsPosted: 20}, free, []LimitKind{LimitDaily}},
		{"several", map[storage.UsageKind]float64{
			storage.UsageItemsPosted:      25,
			storage.UsageComputeUnits:     10,
			storage.UsageBytesTransferred: 500 * mb,
		}, free, []LimitKind{LimitDaily, LimitCompute, LimitBandwidth}},
		{"unlimited", map[storage.UsageKind]float64{storage.UsageItemsPosted: 1e9}, DefaultTiers()[TierEnterprise], nil},
	}
	for _, tt := range tests {
		got := Evaluate(tt.counters, tt.limits)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNextTier(t *testing.T) {
	for in, want := range map[string]string{"free": "premium", "": "premium", "premium": "enterprise", "enterprise": ""} {
		if got := NextTier(in); got != want {
			t.Errorf("NextTier(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecordOperationRejectsBadInput(t *testing.T) {
	db := openTestDB(t)
	now := day
	tr := newTracker(t, db, &now)
	ctx := context.Background()
	if _, err := tr.RecordOperation(ctx, "u1", storage.UsageItemsPosted, -1); err == nil {
		t.Fatalf("negative amount accepted")
	}
	if _, err := tr.RecordOperation(ctx, "u1", "widgets", 1); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}

func TestCrossingFiresOnce(t *testing.T) {
	db := openTestDB(t)
	now := day
	tr := newTracker(t, db, &now)
	ctx := context.Background()

	var got []ThresholdEvent
	tr.OnThreshold(func(_ context.Context, ev ThresholdEvent) { got = append(got, ev) })

	for i := 0; i < 25; i++ {
		if _, err := tr.RecordOperation(ctx, "u1", storage.UsageItemsPosted, 1); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if len(got) != 1 {
		t.Fatalf("want 1 crossing, got %d: %+v", len(got), got)
	}
	if got[0].Limit != LimitDaily || got[0].Value != 20 || got[0].Max != 20 || got[0].DayKey != "2024-03-01" {
		t.Fatalf("unexpected event %+v", got[0])
	}

	c, err := tr.CheckThresholds(ctx, "u1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if c.Tier != TierFree || !c.Has(LimitDaily) || c.Counters[storage.UsageItemsPosted] != 25 {
		t.Fatalf("unexpected check %+v", c)
	}

	now = day.Add(24 * time.Hour)
	c, err = tr.CheckThresholds(ctx, "u1")
	if err != nil {
		t.Fatalf("check next day: %v", err)
	}
	if len(c.Exceeded) != 0 {
		t.Fatalf("counters should roll over, got %v", c.Exceeded)
	}
}

func TestTryRecordAdmitsExactlyLimit(t *testing.T) {
	db := openTestDB(t)
	now := day
	tr := newTracker(t, db, &now)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.TryRecord(ctx, "u2", storage.UsageItemsPosted, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrLimitReached):
				refused++
			default:
				t.Errorf("try record: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 20 || refused != 20 {
		t.Fatalf("want 20 admitted and 20 refused, got %d and %d", ok, refused)
	}
}

func TestTierFromStore(t *testing.T) {
	db := openTestDB(t)
	now := day
	tr := newTracker(t, db, &now)
	ctx := context.Background()
	if err := db.SetUserTier(ctx, "p1", TierPremium); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	name, l, err := tr.Tier(ctx, "p1")
	if err != nil {
		t.Fatalf("tier: %v", err)
	}
	if name != TierPremium || l.DailyItems != 500 || !l.AutoResume {
		t.Fatalf("got %s %+v", name, l)
	}
	if err := db.SetUserTier(ctx, "x1", "platinum"); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	if name, _, _ := tr.Tier(ctx, "x1"); name != TierFree {
		t.Fatalf("unknown tier should fall back to free, got %s", name)
	}
}

func TestPrice(t *testing.T) {
	e := storage.CostEntry{BaseCost: 0.05, HostingFactor: 1.2, PremiumDiscount: 0.25, SuccessBonus: 0.01}
	tiers := DefaultTiers()
	tests := []struct {
		tier    string
		success bool
		want    float64
	}{
		{TierFree, false, 0.06},
		{TierFree, true, 0.07},
		{TierPremium, false, 0.036},
		{TierEnterprise, true, 0.037},
	}
	for _, tt := range tests {
		if got := Price(e, tt.tier, tiers[tt.tier], tt.success); got != tt.want {
			t.Errorf("%s success=%v: got %v, want %v", tt.tier, tt.success, got, tt.want)
		}
	}
}

func TestComputeCostDefault(t *testing.T) {
	db := openTestDB(t)
	now := day
	tr := newTracker(t, db, &now)
	ctx := context.Background()

	cost, err := tr.ComputeCost(ctx, "u1", CostRequest{Operation: "nothing"})
	if err != nil || cost != DefaultCost {
		t.Fatalf("want default cost, got %v %v", cost, err)
	}

	if err := db.PutCostEntry(ctx, storage.CostEntry{OperationType: "post", EngineType: "blog", Difficulty: "easy", BaseCost: 0.5, HostingFactor: 1}); err != nil {
		t.Fatalf("put cost: %v", err)
	}
	cost, total, err := tr.RecordCompute(ctx, "u1", CostRequest{Operation: "post", Engine: "blog", Difficulty: "easy"})
	if err != nil {
		t.Fatalf("record compute: %v", err)
	}
	if cost != 0.5 || total != 0.5 {
		t.Fatalf("got cost %v total %v", cost, total)
	}
}

func TestRecordEstimated(t *testing.T) {
	db := openTestDB(t)
	now := day
	tr := newTracker(t, db, &now)
	ctx := context.Background()
	if err := tr.RecordEstimated(ctx, "u1", OpVerification); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := tr.RecordEstimated(ctx, "u1", "teleport"); err == nil {
		t.Fatalf("unknown op accepted")
	}
	u, err := db.GetUsage(ctx, "u1", DayKey(now))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Counters[storage.UsageBytesTransferred] != 1*mb || u.Counters[storage.UsageAPIRequests] != 1 {
		t.Fatalf("unexpected counters %v", u.Counters)
	}
}

func TestRedisCounters(t *testing.T) {
	addr := os.Getenv("LINKWATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("LINKWATCH_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	rc := NewRedisCounters(rdb)
	rc.Prefix = "linkwatch:test:" + time.Now().Format("150405.000000") + ":"
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 5; i++ {
		_, ok, err := rc.IncrementUsageBounded(ctx, "u1", "2024-03-01", storage.UsageItemsPosted, 1, 3)
		if err != nil {
			t.Fatalf("bounded: %v", err)
		}
		if ok {
			admitted++
		}
	}
	if admitted != 3 {
		t.Fatalf("want 3 admitted, got %d", admitted)
	}
	u, err := rc.GetUsage(ctx, "u1", "2024-03-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.Counters[storage.UsageItemsPosted] != 3 {
		t.Fatalf("got %v", u.Counters)
	}
}

func TestReserveReleasesOnChargeDay(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC)
	tr := newTracker(t, db, &now)
	ctx := context.Background()

	release, err := tr.Reserve(ctx, "u1", storage.UsageItemsPosted, 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := tr.RecordOperation(ctx, "u1", storage.UsageItemsPosted, 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	for _, tt := range []struct {
		day  string
		want float64
	}{
		{"2024-03-01", 0},
		{"2024-03-02", 1},
	} {
		u, err := db.GetUsage(ctx, "u1", tt.day)
		if err != nil {
			t.Fatalf("usage %s: %v", tt.day, err)
		}
		if got := u.Counters[storage.UsageItemsPosted]; got != tt.want {
			t.Fatalf("%s items = %v, want %v", tt.day, got, tt.want)
		}
	}
}

func TestReserveRefusedAtLimit(t *testing.T) {
	db := openTestDB(t)
	now := day
	tr := newTracker(t, db, &now)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := tr.Reserve(ctx, "u1", storage.UsageItemsPosted, 1); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	release, err := tr.Reserve(ctx, "u1", storage.UsageItemsPosted, 1)
	if !errors.Is(err, ErrLimitReached) || release != nil {
		t.Fatalf("21st reserve = %v, want %v", err, ErrLimitReached)
	}
}

type replyErr string

func (e replyErr) Error() string { return string(e) }
func (replyErr) RedisError()     {}

func TestRedisErrClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      storage.ErrKind
		retryable bool
	}{
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")}, storage.KindNetwork, true},
		{"deadline", context.DeadlineExceeded, storage.KindNetwork, true},
		{"closed", redis.ErrClosed, storage.KindNetwork, true},
		{"eof", io.EOF, storage.KindNetwork, true},
		{"loading", replyErr("LOADING Redis is loading the dataset in memory"), storage.KindNetwork, true},
		{"acl", replyErr("NOPERM this user has no permissions to run the 'hincrbyfloat' command"), storage.KindPermission, false},
		{"wrong type", replyErr("WRONGTYPE Operation against a key holding the wrong kind of value"), storage.KindSchema, false},
		{"canceled", context.Canceled, storage.KindNetwork, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := redisErr("increment", tt.err)
			var se *storage.StoreError
			if !errors.As(err, &se) {
				t.Fatalf("redisErr(%v) = %T, want *storage.StoreError", tt.err, err)
			}
			if se.Kind != tt.kind || se.Retryable != tt.retryable {
				t.Fatalf("got kind %s retryable %v, want %s %v", se.Kind, se.Retryable, tt.kind, tt.retryable)
			}
			if !errors.Is(err, tt.err) {
				t.Fatalf("cause lost: %v", err)
			}
		})
	}
	if redisErr("get", nil) != nil {
		t.Fatal("nil error was wrapped")
	}
}

func TestRedisCountersUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	rc := NewRedisCounters(rdb)
	ctx := context.Background()

	_, err := rc.IncrementUsage(ctx, "u1", "2024-03-01", storage.UsageItemsPosted, 1)
	if !storage.IsRetryable(err) {
		t.Fatalf("increment against a dead address = %v, want a retryable store error", err)
	}
	if _, _, err := rc.IncrementUsageBounded(ctx, "u1", "2024-03-01", storage.UsageItemsPosted, 1, 20); !storage.IsRetryable(err) {
		t.Fatalf("bounded increment = %v, want a retryable store error", err)
	}
	if _, err := rc.GetUsage(ctx, "u1", "2024-03-01"); !storage.IsRetryable(err) {
		t.Fatalf("get = %v, want a retryable store error", err)
	}
}
