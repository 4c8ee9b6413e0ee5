// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func newTestLimiter(c *fakeClock) *CommandLimiter {
	return NewCommandLimiter(DefaultConfig(), WithClock(c))
}

func TestCommandLimiter_QuotaExhaustion(t *testing.T) {
	clk := newFakeClock()
	l := newTestLimiter(clk)
	before := testutil.ToFloat64(rateLimitRejections.WithLabelValues("command"))

	// 130 commands spread over one minute against 120/60s
	for i := 1; i <= 130; i++ {
		d := l.TryAcquire(codec.OpPresenceUpdate)
		if i <= 120 {
			require.True(t, d.Granted, "command %d", i)
		} else {
			require.False(t, d.Granted, "command %d", i)
			assert.Greater(t, d.Wait, time.Duration(0), "command %d", i)
		}
		clk.Advance(400 * time.Millisecond)
	}

	assert.Equal(t, float64(10), testutil.ToFloat64(rateLimitRejections.WithLabelValues("command"))-before)
	assert.Equal(t, 0, l.Available())
}

func TestCommandLimiter_WaitPointsAtOldestGrant(t *testing.T) {
	clk := newFakeClock()
	l := NewCommandLimiter(Config{Capacity: 2, Period: 10 * time.Second}, WithClock(clk))

	require.True(t, l.TryAcquire(codec.OpRequestGuildMembers).Granted)
	clk.Advance(3 * time.Second)
	require.True(t, l.TryAcquire(codec.OpRequestGuildMembers).Granted)
	clk.Advance(1 * time.Second)

	d := l.TryAcquire(codec.OpRequestGuildMembers)
	require.False(t, d.Granted)
	assert.Equal(t, 6*time.Second, d.Wait)

	clk.Advance(d.Wait)
	assert.True(t, l.TryAcquire(codec.OpRequestGuildMembers).Granted)
	assert.False(t, l.TryAcquire(codec.OpRequestGuildMembers).Granted)
}

func TestCommandLimiter_HeartbeatsBypass(t *testing.T) {
	clk := newFakeClock()
	l := NewCommandLimiter(Config{Capacity: 1, Period: time.Minute}, WithClock(clk))

	require.True(t, l.TryAcquire(codec.OpIdentify).Granted)
	require.False(t, l.TryAcquire(codec.OpPresenceUpdate).Granted)

	for i := 0; i < 50; i++ {
		assert.True(t, l.TryAcquire(codec.OpHeartbeat).Granted)
	}
	assert.Equal(t, 0, l.Available(), "heartbeats are not counted")
}

func TestCommandLimiter_RollingWindowNeverExceeded(t *testing.T) {
	clk := newFakeClock()
	const capacity = 5
	period := 10 * time.Second
	l := NewCommandLimiter(Config{Capacity: capacity, Period: period}, WithClock(clk))
	rng := rand.New(rand.NewSource(42))

	var granted []time.Time
	for i := 0; i < 2000; i++ {
		clk.Advance(time.Duration(rng.Int63n(int64(3 * time.Second))))
		if l.TryAcquire(codec.OpVoiceStateUpdate).Granted {
			granted = append(granted, clk.Now())
		}
	}
	require.NotEmpty(t, granted)

	// every window (t-period, t] ending at a grant holds at most capacity grants
	for i, end := range granted {
		n := 0
		for j := i; j >= 0 && granted[j].After(end.Add(-period)); j-- {
			n++
		}
		require.LessOrEqual(t, n, capacity, "window ending at grant %d", i)
	}
}

func TestCommandLimiter_Reset(t *testing.T) {
	clk := newFakeClock()
	l := NewCommandLimiter(Config{Capacity: 3, Period: time.Minute}, WithClock(clk))
	for i := 0; i < 3; i++ {
		l.TryAcquire(codec.OpPresenceUpdate)
	}
	assert.Equal(t, 0, l.Available())
	l.Reset()
	assert.Equal(t, 3, l.Available())
	assert.Equal(t, 3, l.Capacity())
}

func TestCommandLimiter_Defaults(t *testing.T) {
	l := NewCommandLimiter(Config{})
	assert.Equal(t, DefaultCapacity, l.Capacity())
	assert.Equal(t, DefaultCapacity, l.Available())
}

func TestIdentifyLimiter_BucketsByIndex(t *testing.T) {
	l := NewIdentifyLimiter(2, time.Hour)
	ctx := context.Background()

	// first identify in each bucket passes immediately
	require.NoError(t, l.Wait(ctx, 0))
	require.NoError(t, l.Wait(ctx, 1))

	// shard 2 shares bucket 0 and must wait for the interval
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, 2))
}

func TestIdentifyLimiter_HonoursCancellation(t *testing.T) {
	l := NewIdentifyLimiter(1, time.Hour)
	require.NoError(t, l.Wait(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Wait(ctx, 0))
}

func TestIdentifyLimiter_Defaults(t *testing.T) {
	l := NewIdentifyLimiter(0, 0)
	assert.Equal(t, 1, l.MaxConcurrency())
	assert.Equal(t, rate.Every(DefaultIdentifyInterval), l.every)
}
