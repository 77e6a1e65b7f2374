package schedule

import (
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestManualOrdering(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var got []string
	m.After(3*time.Second, func() { got = append(got, "c") })
	m.After(time.Second, func() { got = append(got, "a") })
	m.After(time.Second, func() { got = append(got, "b") })
	tick := m.Every(2*time.Second, func() { got = append(got, "tick") })

	m.Advance(4 * time.Second)
	want := []string{"a", "b", "tick", "c", "tick"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	if m.Pending() != 1 {
		t.Fatalf("only the periodic task should remain, pending=%d", m.Pending())
	}
	if !tick.Cancel() {
		t.Fatalf("cancel of armed periodic task should report true")
	}
	if m.Pending() != 0 {
		t.Fatalf("pending after cancel = %d", m.Pending())
	}
	if tick.Cancel() {
		t.Fatalf("second cancel should report false")
	}
}

func TestManualTaskArmsTask(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := 0
	var retry func()
	retry = func() {
		fired++
		if fired < 3 {
			m.After(time.Second, retry)
		}
	}
	m.After(time.Second, retry)
	m.Advance(10 * time.Second)
	if fired != 3 {
		t.Fatalf("want 3 runs, got %d", fired)
	}
	if want := time.Unix(10, 0); !m.Now().Equal(want) {
		t.Fatalf("clock at %v, want %v", m.Now(), want)
	}
}

func TestRealCancelStopsFutureRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	var runs int32
	h := Real{}.Every(5*time.Millisecond, func() { atomic.AddInt32(&runs, 1) })
	time.Sleep(30 * time.Millisecond)
	h.Cancel()
	after := atomic.LoadInt32(&runs)
	time.Sleep(30 * time.Millisecond)
	if n := atomic.LoadInt32(&runs); n > after+1 {
		t.Fatalf("task kept running after cancel: %d -> %d", after, n)
	}

	var once int32
	Real{}.After(time.Millisecond, func() { atomic.AddInt32(&once, 1) })
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&once) != 1 {
		t.Fatalf("one-shot did not fire")
	}
	if Real{}.After(time.Hour, func() {}).Cancel() != true {
		t.Fatalf("cancel of pending one-shot should report true")
	}
}
