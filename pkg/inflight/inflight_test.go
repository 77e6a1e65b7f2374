package inflight

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestTryAcquireExclusive(t *testing.T) {
	r := New()
	release, ok := r.TryAcquire("a")
	if !ok {
		t.Fatalf("first acquire should succeed")
	}
	if _, ok := r.TryAcquire("a"); ok {
		t.Fatalf("second acquire of a held key should fail")
	}
	if _, ok := r.TryAcquire("b"); !ok {
		t.Fatalf("other keys are independent")
	}
	release()
	if r.Held("a") {
		t.Fatalf("marker should be cleared")
	}
	again, ok := r.TryAcquire("a")
	if !ok {
		t.Fatalf("re-acquire after release should succeed")
	}
	// a stale release must not clear the new holder's marker
	release()
	if !r.Held("a") {
		t.Fatalf("stale release cleared a newer marker")
	}
	again()
}

func TestTryAcquireConcurrent(t *testing.T) {
	r := New()
	var winners int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := r.TryAcquire("same"); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if winners != 1 {
		t.Fatalf("want exactly one winner, got %d", winners)
	}
}

func TestStripesSerialize(t *testing.T) {
	var s Stripes
	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("k")
			defer unlock()
			if atomic.AddInt32(&inside, 1) != 1 {
				t.Errorf("two holders of the same stripe")
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
}

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("LINKWATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("LINKWATCH_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	g := NewRedisGuard(rdb, "linkwatch:test:")
	ctx := context.Background()

	release, err := g.Obtain(ctx, "r1", time.Second)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if _, err := g.Obtain(ctx, "r1", time.Second); err != ErrHeld {
		t.Fatalf("want ErrHeld, got %v", err)
	}
	release()
	release2, err := g.Obtain(ctx, "r1", time.Second)
	if err != nil {
		t.Fatalf("obtain after release: %v", err)
	}
	release2()
}
