package expiring

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCache_InsertContains(t *testing.T) {
	clock := newFakeClock()
	c := New(10*time.Second, WithClock(clock.Now))

	h := c.Insert("a")
	if h.Key != "a" {
		t.Errorf("Handle.Key = %q, want a", h.Key)
	}
	if want := clock.Now().Add(10 * time.Second); !h.ExpiresAt.Equal(want) {
		t.Errorf("Handle.ExpiresAt = %v, want %v", h.ExpiresAt, want)
	}

	if !c.Contains("a") {
		t.Error("Contains(a) = false right after insert")
	}
	if c.Contains("b") {
		t.Error("Contains(b) = true for missing key")
	}

	clock.Advance(9 * time.Second)
	if !c.Contains("a") {
		t.Error("Contains(a) = false before TTL elapsed")
	}

	clock.Advance(time.Second)
	if c.Contains("a") {
		t.Error("Contains(a) = true after TTL elapsed")
	}
}

func TestCache_InsertIfAbsent(t *testing.T) {
	clock := newFakeClock()
	c := New(5*time.Second, WithClock(clock.Now))

	if _, ok := c.InsertIfAbsent("k"); !ok {
		t.Fatal("first InsertIfAbsent rejected")
	}
	if _, ok := c.InsertIfAbsent("k"); ok {
		t.Fatal("second InsertIfAbsent accepted inside window")
	}

	clock.Advance(5 * time.Second)
	if _, ok := c.InsertIfAbsent("k"); !ok {
		t.Fatal("InsertIfAbsent rejected after expiry")
	}
}

func TestCache_Prune(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Second, WithClock(clock.Now))

	c.Insert("old1")
	c.Insert("old2")
	clock.Advance(2 * time.Second)
	c.Insert("fresh")

	if got := c.Prune(); got != 2 {
		t.Errorf("Prune() = %d, want 2", got)
	}
	if got := c.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	if !c.Contains("fresh") {
		t.Error("fresh entry pruned")
	}
}

func TestCache_RemoveAndReset(t *testing.T) {
	c := New(time.Minute)
	c.Insert("a")
	c.Insert("b")

	c.Remove("a")
	c.Remove("a")
	if c.Contains("a") {
		t.Error("Contains(a) after Remove")
	}

	c.Reset()
	if c.Len() != 0 {
		t.Errorf("Len() after Reset = %d", c.Len())
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := string(rune('a' + n))
				c.Insert(key)
				c.Contains(key)
				c.Prune()
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 8 {
		t.Errorf("Len() = %d, want 8", c.Len())
	}
}
