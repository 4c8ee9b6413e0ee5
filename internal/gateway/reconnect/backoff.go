// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package reconnect

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config tunes the reconnect delay.
type Config struct {
	Initial       time.Duration
	Max           time.Duration
	Multiplier    float64
	Randomize     float64 // jitter factor in [0,1]
	BurstFailures int     // failures tolerated inside BurstWindow before widening
	BurstWindow   time.Duration
}

// DefaultConfig returns the production delays.
func DefaultConfig() Config {
	return Config{
		Initial:       time.Second,
		Max:           2 * time.Minute,
		Multiplier:    2,
		Randomize:     0.5,
		BurstFailures: 5,
		BurstWindow:   30 * time.Second,
	}
}

// Backoff is an exponential delay with jitter and a cap. When more than
// BurstFailures failures happen within BurstWindow the delay is doubled, up to
// twice the cap, so a flapping gateway is not hammered.
type Backoff struct {
	mu       sync.Mutex
	cfg      Config
	exp      *backoff.ExponentialBackOff
	failures []time.Time
	clock    backoff.Clock
}

// NewBackoff creates a Backoff. Zero durations and counts fall back to
// DefaultConfig; a zero Randomize disables jitter. A nil clock uses wall time.
func NewBackoff(cfg Config, clock backoff.Clock) *Backoff {
	def := DefaultConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Randomize < 0 || cfg.Randomize > 1 {
		cfg.Randomize = def.Randomize
	}
	if cfg.BurstFailures <= 0 {
		cfg.BurstFailures = def.BurstFailures
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = def.BurstWindow
	}
	if clock == nil {
		clock = backoff.SystemClock
	}

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cfg.Initial),
		backoff.WithMaxInterval(cfg.Max),
		backoff.WithMultiplier(cfg.Multiplier),
		backoff.WithRandomizationFactor(cfg.Randomize),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(clock),
	)
	return &Backoff{cfg: cfg, exp: exp, clock: clock}
}

// Next records a failed attempt and returns how long to wait before the next one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.failures = append(b.failures, now)
	cutoff := now.Add(-b.cfg.BurstWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	b.failures = b.failures[i:]

	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.cfg.Max {
		d = b.cfg.Max
	}
	if len(b.failures) > b.cfg.BurstFailures {
		d *= 2
		if limit := 2 * b.cfg.Max; d > limit {
			d = limit
		}
	}
	return d
}

// Reset returns the delay to its floor. Called once a shard is Connected.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exp.Reset()
	b.failures = nil
}

// Failures reports failures inside the current burst window.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failures)
}
