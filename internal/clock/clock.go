// Package clock supplies the timestamps fed to the timing engine.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is anchored at process start and advanced by the monotonic
// hardware clock, so it never jumps with wall-clock adjustments.
type System struct {
	wall time.Time
	mono time.Duration
}

// NewSystem anchors a System clock at the current instant.
func NewSystem() *System {
	return &System{wall: time.Now(), mono: Monotonic()}
}

func (s *System) Now() time.Time {
	return s.wall.Add(Monotonic() - s.mono)
}

// Manual only moves when told to. Scenarios and tests use it.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set moves the clock to t. Earlier times are ignored.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.now = t
	}
}
