package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Components that
// only stamp events (the bus, the trace sinks) depend on this abstraction
// rather than the concrete clock type, enabling testability.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the CycleClock paces the simulation loop.
type Mode int

const (
	// RealTime pauses for the configured inter-cycle delay between cycles.
	// The delay is purely cosmetic and never affects simulated outcomes.
	RealTime Mode = iota
	// Accelerated runs cycles as fast as the loop can execute them.
	Accelerated
)

// CycleClock paces the simulation loop and tracks simulated time, which
// advances by one victim period per cycle regardless of pacing mode.
type CycleClock struct {
	mu        sync.RWMutex
	StartTime time.Time
	Step      time.Duration // simulated time added per cycle
	Delay     time.Duration // wall-clock pause between cycles (RealTime only)
	Mode      Mode

	currentTime time.Time
	cycle       int
}

// NewCycleClock constructs a clock starting at start, advancing simulated
// time by step per cycle, pausing delay between cycles in RealTime mode.
func NewCycleClock(start time.Time, step, delay time.Duration, mode Mode) *CycleClock {
	return &CycleClock{
		StartTime:   start,
		Step:        step,
		Delay:       delay,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (c *CycleClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTime
}

// Cycle returns the number of completed cycles.
func (c *CycleClock) Cycle() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cycle
}

// SetTime overrides the current simulation time.
func (c *CycleClock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTime = t
}

// Advance moves simulated time forward by one step and returns the new time.
func (c *CycleClock) Advance() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTime = c.currentTime.Add(c.Step)
	c.cycle++
	return c.currentTime
}

// Wait blocks between cycles according to the pacing mode. It returns early
// with the context's error when the context is cancelled, so the loop can
// stop cooperatively between cycles.
func (c *CycleClock) Wait(ctx context.Context) error {
	if c.Mode == Accelerated || c.Delay <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(c.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
