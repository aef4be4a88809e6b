package transport

import (
	"sync"
	"time"
)

// PollConfig bounds the adaptive poll interval.
type PollConfig struct {
	Min time.Duration
	Max time.Duration
	// Factor multiplies the interval after EmptyThreshold consecutive empty polls.
	Factor         float64
	EmptyThreshold int
	BatchSize      int
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		Min:            500 * time.Millisecond,
		Max:            10 * time.Second,
		Factor:         1.5,
		EmptyThreshold: 3,
		BatchSize:      10,
	}
}

func (c PollConfig) normalized() PollConfig {
	d := DefaultPollConfig()
	if c.Min <= 0 {
		c.Min = d.Min
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Factor <= 1 {
		c.Factor = d.Factor
	}
	if c.EmptyThreshold <= 0 {
		c.EmptyThreshold = d.EmptyThreshold
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// Backoff tracks the adaptive poll interval: it resets to Min whenever a poll
// returns messages and grows by Factor toward Max once EmptyThreshold
// consecutive polls come back empty.
type Backoff struct {
	mu      sync.Mutex
	cfg     PollConfig
	current time.Duration
	empty   int
}

func NewBackoff(cfg PollConfig) *Backoff {
	cfg = cfg.normalized()
	return &Backoff{cfg: cfg, current: cfg.Min}
}

// Next records the outcome of a poll and returns the wait before the next one.
func (b *Backoff) Next(gotMessages bool) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gotMessages {
		b.empty = 0
		b.current = b.cfg.Min
		return b.current
	}
	b.empty++
	if b.empty >= b.cfg.EmptyThreshold {
		grown := time.Duration(float64(b.current) * b.cfg.Factor)
		if grown > b.cfg.Max {
			grown = b.cfg.Max
		}
		b.current = grown
	}
	return b.current
}

// Current returns the interval without recording a poll.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// SetBounds replaces Min and Max, clamping the current interval.
func (b *Backoff) SetBounds(min, max time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg := b.cfg
	cfg.Min, cfg.Max = min, max
	b.cfg = cfg.normalized()
	if b.current < b.cfg.Min {
		b.current = b.cfg.Min
	}
	if b.current > b.cfg.Max {
		b.current = b.cfg.Max
	}
}

// Reset drops back to Min, e.g. after a wake-up hint.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.empty = 0
	b.current = b.cfg.Min
}
