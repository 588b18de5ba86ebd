package shipper

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultSchedule is the retry delay sequence after consecutive failures.
var DefaultSchedule = []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second}

// Schedule is a fixed ascending backoff. Each NextBackOff advances one step
// and the last step repeats until Reset.
type Schedule struct {
	mu    sync.Mutex
	steps []time.Duration
	idx   int
}

var _ backoff.BackOff = (*Schedule)(nil)

// NewSchedule returns a schedule over steps. An empty list uses
// DefaultSchedule.
func NewSchedule(steps []time.Duration) *Schedule {
	s := &Schedule{}
	s.SetSteps(steps)
	return s
}

// NextBackOff returns the delay for the current failure and advances.
func (s *Schedule) NextBackOff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.steps[s.idx]
	if s.idx < len(s.steps)-1 {
		s.idx++
	}
	return d
}

// Reset returns to the first step.
func (s *Schedule) Reset() {
	s.mu.Lock()
	s.idx = 0
	s.mu.Unlock()
}

// Step is the index of the next delay. Zero means no failures since the last
// reset.
func (s *Schedule) Step() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx
}

// SetSteps replaces the delays, keeping the position clamped to the new
// length.
func (s *Schedule) SetSteps(steps []time.Duration) {
	if len(steps) == 0 {
		steps = DefaultSchedule
	}
	cp := make([]time.Duration, len(steps))
	copy(cp, steps)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = cp
	if s.idx >= len(cp) {
		s.idx = len(cp) - 1
	}
}

// Steps returns a copy of the delays.
func (s *Schedule) Steps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.steps...)
}
