package crypto

import (
	"sync"
	"time"
)

// TimeProvider abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since the given time.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// ManualTimeProvider is a TimeProvider whose clock only moves when told to.
type ManualTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualTimeProvider creates a ManualTimeProvider starting at t.
func NewManualTimeProvider(t time.Time) *ManualTimeProvider {
	return &ManualTimeProvider{now: t}
}

// Now returns the manual clock's current time.
func (m *ManualTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Since returns the duration between t and the manual clock.
func (m *ManualTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the clock forward by d.
func (m *ManualTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
