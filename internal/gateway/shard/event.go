// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package shard

import (
	"encoding/json"
	"sync"

	"github.com/ManuGH/shardline/internal/gateway/codec"
)

// EventKind separates gateway dispatches from shard lifecycle notices.
type EventKind int

const (
	KindDispatch EventKind = iota + 1
	KindLifecycle
)

func (k EventKind) String() string {
	switch k {
	case KindDispatch:
		return "dispatch"
	case KindLifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

// Lifecycle event names.
const (
	LifecycleConnecting     = "connecting"
	LifecycleIdentifying    = "identifying"
	LifecycleResuming       = "resuming"
	LifecycleConnected      = "connected"
	LifecycleDisconnected   = "disconnected"
	LifecycleReconnecting   = "reconnecting"
	LifecycleInvalidSession = "invalid_session"
	LifecycleShutdown       = "shutdown"
)

// Event is one item of the outward stream. Seq is set iff Kind is KindDispatch.
type Event struct {
	Kind   EventKind
	Op     codec.Opcode
	Name   string
	Seq    uint64
	HasSeq bool
	Data   json.RawMessage
	Shard  ID
}

// Unmarshal decodes the event payload into v.
func (e Event) Unmarshal(v any) error {
	if e.Data == nil {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// EventFlags is a bitset selecting which events are delivered.
type EventFlags uint32

const (
	FlagDispatch EventFlags = 1 << iota
	FlagConnecting
	FlagIdentifying
	FlagResuming
	FlagConnected
	FlagDisconnected
	FlagReconnecting
	FlagInvalidSession
	FlagShutdown

	// FlagsLifecycle selects every lifecycle event.
	FlagsLifecycle = FlagConnecting | FlagIdentifying | FlagResuming | FlagConnected |
		FlagDisconnected | FlagReconnecting | FlagInvalidSession | FlagShutdown
	// EventFlagsAll selects everything.
	EventFlagsAll = FlagDispatch | FlagsLifecycle
)

var lifecycleFlags = map[string]EventFlags{
	LifecycleConnecting:     FlagConnecting,
	LifecycleIdentifying:    FlagIdentifying,
	LifecycleResuming:       FlagResuming,
	LifecycleConnected:      FlagConnected,
	LifecycleDisconnected:   FlagDisconnected,
	LifecycleReconnecting:   FlagReconnecting,
	LifecycleInvalidSession: FlagInvalidSession,
	LifecycleShutdown:       FlagShutdown,
}

// ParseEventFlags maps names ("dispatch", lifecycle names, "lifecycle", "all")
// to a bitset.
func ParseEventFlags(names []string) (EventFlags, bool) {
	var f EventFlags
	for _, n := range names {
		switch n {
		case "all":
			f |= EventFlagsAll
		case "dispatch":
			f |= FlagDispatch
		case "lifecycle":
			f |= FlagsLifecycle
		default:
			lf, ok := lifecycleFlags[n]
			if !ok {
				return 0, false
			}
			f |= lf
		}
	}
	return f, true
}

// Allows reports whether ev passes the filter.
func (f EventFlags) Allows(ev Event) bool {
	if ev.Kind == KindDispatch {
		return f&FlagDispatch != 0
	}
	return f&lifecycleFlags[ev.Name] != 0
}

// eventQueue is an unbounded FIFO between the shard loop and the consumer, so a
// slow consumer never stalls heartbeats or sequence tracking.
type eventQueue struct {
	mu      sync.Mutex
	items   []Event
	closed  bool
	wake    chan struct{}
	discard chan struct{}
	out     chan Event
	done    chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		wake:    make(chan struct{}, 1),
		discard: make(chan struct{}),
		out:     make(chan Event),
		done:    make(chan struct{}),
	}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events. Queued events are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// drop abandons undelivered events and lets the pump exit.
func (q *eventQueue) drop() {
	q.mu.Lock()
	select {
	case <-q.discard:
	default:
		close(q.discard)
	}
	q.mu.Unlock()
}

func (q *eventQueue) pop() (Event, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false, q.closed
	}
	ev := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return ev, true, false
}

// pump forwards queued events to out and closes it after close() once the
// backlog is delivered or dropped.
func (q *eventQueue) pump() {
	defer close(q.done)
	defer close(q.out)
	for {
		ev, ok, closed := q.pop()
		if !ok {
			if closed {
				return
			}
			select {
			case <-q.wake:
			case <-q.discard:
				return
			}
			continue
		}
		select {
		case q.out <- ev:
		case <-q.discard:
			return
		}
	}
}
