package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSpacer_DelaysInsideWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s := New(40*time.Millisecond, WithClock(func() time.Time { return now }))
	defer s.Close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 3)
	run := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			done <- struct{}{}
		}
	}

	delays := []time.Duration{
		s.Do("status:s1", run(1)),
		s.Do("status:s1", run(2)),
		s.Do("status:s1", run(3)),
	}
	want := []time.Duration{0, 40 * time.Millisecond, 80 * time.Millisecond}
	if diff := cmp.Diff(want, delays); diff != "" {
		t.Errorf("delays mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("delayed call never ran")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]int{1, 2, 3}, order); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
}

func TestSpacer_KeysIndependent(t *testing.T) {
	now := time.Now()
	s := New(time.Second, WithClock(func() time.Time { return now }))
	defer s.Close()

	if d := s.Do("a", func() {}); d != 0 {
		t.Errorf("first a delayed by %v", d)
	}
	if d := s.Do("b", func() {}); d != 0 {
		t.Errorf("first b delayed by %v", d)
	}
}

func TestSpacer_FreeAfterWindow(t *testing.T) {
	now := time.Now()
	s := New(500*time.Millisecond, WithClock(func() time.Time { return now }))
	defer s.Close()

	s.Do("k", func() {})
	now = now.Add(600 * time.Millisecond)
	if d := s.Do("k", func() {}); d != 0 {
		t.Errorf("call after window delayed by %v", d)
	}
}

func TestSpacer_CloseCancelsPending(t *testing.T) {
	now := time.Now()
	s := New(50*time.Millisecond, WithClock(func() time.Time { return now }))

	ran := make(chan struct{}, 1)
	s.Do("k", func() {})
	s.Do("k", func() { ran <- struct{}{} })
	if s.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", s.Pending())
	}

	s.Close()
	select {
	case <-ran:
		t.Fatal("cancelled call ran")
	case <-time.After(150 * time.Millisecond):
	}

	if d := s.Do("k", func() { t.Error("call after Close ran") }); d != 0 {
		t.Errorf("Do after Close returned %v", d)
	}
}
