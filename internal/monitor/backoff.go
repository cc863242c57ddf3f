package monitor

import (
	"sync"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"
)

// 默认的自适应间隔边界
const (
	DefaultBase = 15 * time.Second
	DefaultMin  = 15 * time.Second
	DefaultMax  = 120 * time.Second
	DefaultStep = 5 * time.Second
)

// State is a snapshot of one monitor's rate-limit state.
type State struct {
	Interval    time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
	Step        time.Duration
	ErrorCount  int
	Successes   int // consecutive successes since the last rate limit
	LastErrorAt time.Time
}

// Backoff adapts a polling interval to exchange throttling: it doubles on a
// rate limit and steps back down after each success, within [min, max].
type Backoff struct {
	mu sync.Mutex
	s  State
}

// NewBackoff builds a Backoff from configured limits, filling zero values
// with the defaults.
func NewBackoff(l models.MonitorLimits) *Backoff {
	s := State{
		Interval:    l.Base(),
		MinInterval: l.Min(),
		MaxInterval: l.Max(),
		Step:        l.Step(),
	}
	if s.Interval <= 0 {
		s.Interval = DefaultBase
	}
	if s.MinInterval <= 0 {
		s.MinInterval = DefaultMin
	}
	if s.MaxInterval <= 0 {
		s.MaxInterval = DefaultMax
	}
	if s.Step <= 0 {
		s.Step = DefaultStep
	}
	if s.MinInterval > s.MaxInterval {
		s.MinInterval = s.MaxInterval
	}
	s.Interval = clamp(s.Interval, s.MinInterval, s.MaxInterval)
	return &Backoff{s: s}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// OnSuccess shortens the interval by one step, never below the minimum.
func (b *Backoff) OnSuccess() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Interval = clamp(b.s.Interval-b.s.Step, b.s.MinInterval, b.s.MaxInterval)
	b.s.Successes++
	return b.s.Interval
}

// OnRateLimit doubles the interval, never above the maximum.
func (b *Backoff) OnRateLimit(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Interval = clamp(b.s.Interval*2, b.s.MinInterval, b.s.MaxInterval)
	b.s.ErrorCount++
	b.s.Successes = 0
	b.s.LastErrorAt = now
	return b.s.Interval
}

// Interval returns the current interval.
func (b *Backoff) Interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s.Interval
}

// Snapshot returns a copy of the state.
func (b *Backoff) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}
