// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package heartbeat tracks the liveness contract of one gateway connection.
//
// The Manager holds no timers. The shard loop asks Next for the due time,
// sleeps, and calls Beat with the current time; acknowledgements are fed to
// Ack. This keeps the zombie rule deterministic under test.
package heartbeat

import (
	"sync"
	"time"
)

// Result is the outcome of a scheduled beat.
type Result int

const (
	// Send means a heartbeat must be written now.
	Send Result = iota
	// Zombied means the previous beat was never acknowledged. It is returned
	// exactly once per Manager.
	Zombied
	// Dead means the connection was already reported zombied.
	Dead
)

func (r Result) String() string {
	switch r {
	case Send:
		return "send"
	case Zombied:
		return "zombied"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// recentSize is how many latencies Latency.Recent keeps.
const recentSize = 5

// Latency summarizes acknowledged heartbeats.
type Latency struct {
	Average  time.Duration
	Recent   []time.Duration // newest last
	Beats    uint64
	LastSent time.Time
	LastAck  time.Time
}

// Manager schedules beats and detects zombied connections.
// A Manager is created per Hello and discarded on disconnect.
type Manager struct {
	mu       sync.Mutex
	interval time.Duration
	jitter   time.Duration
	next     time.Time
	started  bool

	pending  bool
	lastSent time.Time
	lastAck  time.Time
	zombied  bool

	// requested is the send time of an outstanding server-requested beat.
	// It is acknowledged like any beat but never counts toward a zombie.
	requested time.Time

	recent []time.Duration
	sum    time.Duration
	acked  uint64
}

// New creates a manager for interval. rnd returns a value in [0,1) used to
// offset the first beat; nil means no offset.
func New(interval time.Duration, rnd func() float64) *Manager {
	m := &Manager{interval: interval}
	if rnd != nil {
		m.jitter = time.Duration(float64(interval) * rnd())
	}
	return m
}

// Interval returns the server-announced interval.
func (m *Manager) Interval() time.Duration { return m.interval }

// Start anchors the schedule at now. The first beat is due after the jitter.
func (m *Manager) Start(now time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.next = now.Add(m.jitter)
	return m.next
}

// Next returns when the next scheduled beat is due.
func (m *Manager) Next() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

// Beat is called when the schedule fires. A beat still pending from the
// previous interval means the connection is zombied.
func (m *Manager) Beat(now time.Time) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zombied {
		return Dead
	}
	if m.pending {
		m.zombied = true
		return Zombied
	}
	if !m.started {
		m.started = true
		m.next = now
	}
	m.pending = true
	m.lastSent = now
	m.next = m.next.Add(m.interval)
	if !m.next.After(now) {
		// the loop fell behind; do not fire a burst of catch-up beats
		m.next = now.Add(m.interval)
	}
	return Send
}

// Requested records a beat the server asked for (inbound op 1). It is sent
// immediately and leaves the schedule and the zombie check alone.
func (m *Manager) Requested(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requested.IsZero() {
		m.requested = now
	}
}

// Ack clears the oldest outstanding beat and returns its round-trip time. The
// gateway acknowledges in send order. An ack with nothing outstanding is
// ignored and reports false.
func (m *Manager) Ack(now time.Time) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sent time.Time
	switch {
	case !m.requested.IsZero() && (!m.pending || m.requested.Before(m.lastSent)):
		sent = m.requested
		m.requested = time.Time{}
	case m.pending:
		sent = m.lastSent
		m.pending = false
	default:
		return 0, false
	}
	m.lastAck = now
	rtt := now.Sub(sent)

	m.acked++
	m.sum += rtt
	m.recent = append(m.recent, rtt)
	if len(m.recent) > recentSize {
		m.recent = m.recent[len(m.recent)-recentSize:]
	}
	return rtt, true
}

// Pending reports whether any beat awaits acknowledgement.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending || !m.requested.IsZero()
}

// Latency returns a copy of the latency statistics.
func (m *Manager) Latency() Latency {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := Latency{
		Beats:    m.acked,
		LastSent: m.lastSent,
		LastAck:  m.lastAck,
		Recent:   append([]time.Duration(nil), m.recent...),
	}
	if m.acked > 0 {
		l.Average = m.sum / time.Duration(m.acked)
	}
	return l
}
