package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time. Nonce expiry and signature freshness
// checks read time only through a Clock so tests can pin it.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Manual is a Clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual returns a Manual clock set to t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// NewManualUnix returns a Manual clock set to the given unix second.
func NewManualUnix(sec int64) *Manual {
	return NewManual(time.Unix(sec, 0))
}

func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// SetUnix moves the clock to the given unix second.
func (m *Manual) SetUnix(sec int64) {
	m.Set(time.Unix(sec, 0))
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
