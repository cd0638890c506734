package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeSleeper records requested sleeps instead of blocking.
//
// It satisfies binding.Sleeper so provisioning tests can assert the settle
// interval without waiting for it.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
	err   error
}

// NewFakeSleeper creates a sleeper with no recorded sleeps.
func NewFakeSleeper() *FakeSleeper {
	return &FakeSleeper{}
}

// Sleep records d and returns immediately. A cancelled ctx is reported
// before anything is recorded.
func (s *FakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.slept = append(s.slept, d)
	return nil
}

// FailWith makes later Sleep calls return err.
func (s *FakeSleeper) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns the recorded durations in call order.
func (s *FakeSleeper) Calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.slept))
	copy(out, s.slept)
	return out
}

// Total returns the sum of all recorded durations.
func (s *FakeSleeper) Total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, d := range s.slept {
		total += d
	}
	return total
}

// Reset clears recorded sleeps and any configured failure.
func (s *FakeSleeper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = nil
	s.err = nil
}
