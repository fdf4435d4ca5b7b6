// Package clock abstracts wall-clock time so the scheduler can run against
// controllable time in tests while using real time in production.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and a way to wait for it to pass.
// Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks the caller for at least d.
	Sleep(d time.Duration)
}

// Real is the production Clock backed by the system time.
type Real struct{}

// New returns a Clock that uses system time.
func New() Clock {
	return &Real{}
}

func (*Real) Now() time.Time        { return time.Now() }
func (*Real) Sleep(d time.Duration) { time.Sleep(d) }

// Fake is a Clock with controllable time for tests. Sleep advances the fake
// time instead of blocking, so dispatch loops driven by a Fake run at full
// speed through simulated waits.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeAt creates a fake clock starting at the given time.
func NewFakeAt(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the fake clock to a specific time.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
