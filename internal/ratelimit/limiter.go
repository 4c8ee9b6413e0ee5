// SPDX-License-Identifier: MIT

// Package ratelimit gates outbound gateway commands and identify attempts.
package ratelimit

import (
	"sync"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardline",
			Name:      "ratelimit_rejections_total",
			Help:      "Total rate limit rejections",
		},
		[]string{"kind"},
	)
)

const (
	// DefaultCapacity is the gateway's per-connection command quota.
	DefaultCapacity = 120
	// DefaultPeriod is the rolling window the quota applies to.
	DefaultPeriod = 60 * time.Second
)

// Config holds command limiter configuration
type Config struct {
	Capacity int
	Period   time.Duration
}

// DefaultConfig returns the documented gateway quota.
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity, Period: DefaultPeriod}
}

// Decision is the outcome of TryAcquire. Wait is only meaningful when not granted.
type Decision struct {
	Granted bool
	Wait    time.Duration
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Option configures a CommandLimiter.
type Option func(*CommandLimiter)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock) Option {
	return func(l *CommandLimiter) { l.clock = c }
}

// CommandLimiter enforces at most Capacity grants in any rolling window of
// Period. It keeps the grant times and prunes them lazily on acquisition; there
// is no background refill and no queue.
type CommandLimiter struct {
	mu       sync.Mutex
	capacity int
	period   time.Duration
	grants   []time.Time // ascending, at most capacity entries
	clock    clock
}

// NewCommandLimiter creates a limiter. Non-positive values fall back to defaults.
func NewCommandLimiter(cfg Config, opts ...Option) *CommandLimiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	l := &CommandLimiter{
		capacity: cfg.Capacity,
		period:   cfg.Period,
		grants:   make([]time.Time, 0, cfg.Capacity),
		clock:    realClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire consumes one slot for op. Heartbeats are always granted and never
// counted.
func (l *CommandLimiter) TryAcquire(op codec.Opcode) Decision {
	if op == codec.OpHeartbeat {
		return Decision{Granted: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)

	if len(l.grants) < l.capacity {
		l.grants = append(l.grants, now)
		return Decision{Granted: true}
	}

	wait := l.grants[0].Add(l.period).Sub(now)
	if wait <= 0 {
		wait = time.Nanosecond
	}
	rateLimitRejections.WithLabelValues("command").Inc()
	return Decision{Wait: wait}
}

// prune drops grants that left the window. Caller holds mu.
func (l *CommandLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.period)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}

// Available reports how many commands could be granted right now.
func (l *CommandLimiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return l.capacity - len(l.grants)
}

// Capacity returns the configured quota.
func (l *CommandLimiter) Capacity() int { return l.capacity }

// Reset forgets all grants. Used when a fresh connection gets a new quota.
func (l *CommandLimiter) Reset() {
	l.mu.Lock()
	l.grants = l.grants[:0]
	l.mu.Unlock()
}
