// Package clock abstracts the current time so that timer-driven code can be tested
// without waiting on the wall clock.
package clock

import (
	"sync"
	"time"
)

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

// Real is the default clock. It reports UTC.
type Real struct{}

// Now returns current time.
func (Real) Now() time.Time { return time.Now().UTC() }

// Fake is a manually driven clock, safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake positioned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
