// Package throttle spaces out outbound requests so the backend is not flooded
// with status queries.
package throttle

import (
	"sync"
	"time"
)

// DefaultSpacing is the minimum gap between two requests with the same key
const DefaultSpacing = 500 * time.Millisecond

// Spacer enforces a minimum spacing between calls sharing a key.
// A call arriving inside the window is delayed to the next free slot, never dropped.
type Spacer struct {
	mu      sync.Mutex
	spacing time.Duration
	next    map[string]time.Time
	pending map[uint64]*time.Timer
	seq     uint64
	closed  bool
	now     func() time.Time
}

// Option configures a Spacer
type Option func(*Spacer)

// WithClock replaces the clock used to compute slots
func WithClock(now func() time.Time) Option {
	return func(s *Spacer) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a spacer; a non-positive spacing selects DefaultSpacing
func New(spacing time.Duration, opts ...Option) *Spacer {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	s := &Spacer{
		spacing: spacing,
		next:    make(map[string]time.Time),
		pending: make(map[uint64]*time.Timer),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSpacing changes the spacing for future calls
func (s *Spacer) SetSpacing(spacing time.Duration) {
	if spacing <= 0 {
		return
	}
	s.mu.Lock()
	s.spacing = spacing
	s.mu.Unlock()
}

// Do runs fn now if the key's slot is free, otherwise schedules it for the
// next slot. It returns the delay applied. Calls after Close are discarded.
func (s *Spacer) Do(key string, fn func()) time.Duration {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}

	now := s.now()
	slot := s.next[key]
	if slot.Before(now) {
		slot = now
	}
	delay := slot.Sub(now)
	s.next[key] = slot.Add(s.spacing)
	if len(s.next) > 128 {
		s.pruneLocked(now)
	}

	if delay <= 0 {
		s.mu.Unlock()
		fn()
		return 0
	}

	s.seq++
	id := s.seq
	s.pending[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	s.mu.Unlock()
	return delay
}

func (s *Spacer) pruneLocked(now time.Time) {
	for key, slot := range s.next {
		if slot.Before(now) {
			delete(s.next, key)
		}
	}
}

// Pending returns the number of delayed calls not yet run
func (s *Spacer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every delayed call
func (s *Spacer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
}
