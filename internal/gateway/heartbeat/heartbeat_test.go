// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const interval = 41250 * time.Millisecond

var t0 = time.Unix(1_700_000_000, 0)

func TestManager_ZombiedExactlyOnce(t *testing.T) {
	m := New(interval, nil)
	require.Equal(t, t0, m.Start(t0))

	require.Equal(t, Send, m.Beat(t0))
	require.Equal(t, t0.Add(interval), m.Next())

	// first ack never arrives
	assert.Equal(t, Zombied, m.Beat(t0.Add(interval)))
	assert.Equal(t, Dead, m.Beat(t0.Add(2*interval)))
	assert.Equal(t, Dead, m.Beat(t0.Add(3*interval)))
}

func TestManager_AckedBeatsKeepGoing(t *testing.T) {
	m := New(interval, nil)
	m.Start(t0)

	now := t0
	for i := 0; i < 10; i++ {
		require.Equal(t, Send, m.Beat(now), "beat %d", i)
		rtt, ok := m.Ack(now.Add(50 * time.Millisecond))
		require.True(t, ok)
		assert.Equal(t, 50*time.Millisecond, rtt)
		now = m.Next()
	}
	assert.Equal(t, t0.Add(10*interval), m.Next(), "beats are exactly one interval apart")

	lat := m.Latency()
	assert.Equal(t, uint64(10), lat.Beats)
	assert.Equal(t, 50*time.Millisecond, lat.Average)
	assert.Len(t, lat.Recent, 5)
}

func TestManager_JitterOffsetsFirstBeat(t *testing.T) {
	m := New(interval, func() float64 { return 0.5 })
	first := m.Start(t0)
	assert.Equal(t, t0.Add(interval/2), first)

	require.Equal(t, Send, m.Beat(first))
	assert.Equal(t, first.Add(interval), m.Next())
}

func TestManager_UnexpectedAckIgnored(t *testing.T) {
	m := New(interval, nil)
	m.Start(t0)
	_, ok := m.Ack(t0)
	assert.False(t, ok)

	require.Equal(t, Send, m.Beat(t0))
	_, ok = m.Ack(t0.Add(time.Second))
	assert.True(t, ok)
	_, ok = m.Ack(t0.Add(2 * time.Second))
	assert.False(t, ok, "second ack for the same beat")
	assert.Equal(t, uint64(1), m.Latency().Beats)
}

func TestManager_RequestedBeatDoesNotMaskZombie(t *testing.T) {
	m := New(interval, nil)
	m.Start(t0)

	require.Equal(t, Send, m.Beat(t0))
	m.Requested(t0.Add(10 * time.Second))
	assert.True(t, m.Pending())
	assert.Equal(t, t0.Add(interval), m.Next(), "schedule untouched")

	assert.Equal(t, Zombied, m.Beat(t0.Add(interval)))
}

func TestManager_RequestedAckInFlightIsNotZombie(t *testing.T) {
	m := New(interval, nil)
	m.Start(t0)
	require.Equal(t, Send, m.Beat(t0))
	_, ok := m.Ack(t0.Add(time.Second))
	require.True(t, ok)
	assert.False(t, m.Pending())

	// the server asks for a beat just before the schedule fires
	asked := t0.Add(interval - 100*time.Millisecond)
	m.Requested(asked)
	assert.True(t, m.Pending())
	assert.Equal(t, Send, m.Beat(t0.Add(interval)))

	rtt, ok := m.Ack(t0.Add(interval + 50*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 150*time.Millisecond, rtt, "first ack belongs to the requested beat")

	rtt, ok = m.Ack(t0.Add(interval + 60*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 60*time.Millisecond, rtt)
	assert.False(t, m.Pending())

	assert.Equal(t, Send, m.Beat(t0.Add(2*interval)))
}

func TestManager_RequestedBeatIsAcked(t *testing.T) {
	m := New(interval, nil)
	m.Start(t0)
	require.Equal(t, Send, m.Beat(t0))
	_, ok := m.Ack(t0.Add(time.Second))
	require.True(t, ok)

	m.Requested(t0.Add(5 * time.Second))
	rtt, ok := m.Ack(t0.Add(6 * time.Second))
	require.True(t, ok)
	assert.Equal(t, time.Second, rtt)

	assert.Equal(t, Send, m.Beat(t0.Add(interval)))
}

func TestManager_LateLoopDoesNotBurst(t *testing.T) {
	m := New(interval, nil)
	m.Start(t0)
	require.Equal(t, Send, m.Beat(t0))
	_, _ = m.Ack(t0.Add(time.Second))

	late := t0.Add(5 * interval)
	require.Equal(t, Send, m.Beat(late))
	assert.Equal(t, late.Add(interval), m.Next())
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "send", Send.String())
	assert.Equal(t, "zombied", Zombied.String())
	assert.Equal(t, "dead", Dead.String())
	assert.Equal(t, "unknown", Result(9).String())
}
