// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdentifyInterval is the minimum gap between identifies in one bucket.
const DefaultIdentifyInterval = 5 * time.Second

// IdentifyLimiter spaces identify attempts across a fleet. Shards share a
// bucket when their index modulo maxConcurrency is equal; each bucket admits
// one identify per interval.
type IdentifyLimiter struct {
	mu      sync.Mutex
	buckets map[int]*rate.Limiter
	every   rate.Limit
	maxConc int
}

// NewIdentifyLimiter creates a gate. maxConcurrency < 1 is treated as 1 and a
// non-positive interval as DefaultIdentifyInterval.
func NewIdentifyLimiter(maxConcurrency int, interval time.Duration) *IdentifyLimiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if interval <= 0 {
		interval = DefaultIdentifyInterval
	}
	return &IdentifyLimiter{
		buckets: make(map[int]*rate.Limiter),
		every:   rate.Every(interval),
		maxConc: maxConcurrency,
	}
}

// MaxConcurrency returns the number of buckets.
func (l *IdentifyLimiter) MaxConcurrency() int { return l.maxConc }

func (l *IdentifyLimiter) bucket(shardIndex int) *rate.Limiter {
	key := shardIndex % l.maxConc
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(l.every, 1)
		l.buckets[key] = lim
	}
	return lim
}

// Wait blocks until shardIndex may identify or ctx is done.
func (l *IdentifyLimiter) Wait(ctx context.Context, shardIndex int) error {
	lim := l.bucket(shardIndex)
	if lim.Allow() {
		return nil
	}
	rateLimitRejections.WithLabelValues("identify").Inc()
	return lim.Wait(ctx)
}
