// Package clock abstracts wall-clock access so timer firing and persisted
// timestamps are deterministic under test.
package clock

import (
	"sync"
	"time"
)

type (
	// Clock supplies the current time. The engine never calls time.Now
	// directly; every component that stamps or compares instants takes a
	// Clock.
	Clock interface {
		Now() time.Time
	}

	// Real is a Clock backed by the system clock.
	Real struct{}

	// Fake is a manually advanced Clock for tests.
	Fake struct {
		mu  sync.Mutex
		now time.Time
	}
)

// New returns the system clock.
func New() Clock {
	return Real{}
}

// Now returns the current system time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// NewFake returns a Fake clock pinned to the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now.UTC()}
}

// Now returns the fake's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to the given instant.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now.UTC()
}
