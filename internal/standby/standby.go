// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package standby lets callers wait for future gateway events matching a
// predicate. Events are fed in through Process, typically from a fleet's
// merged stream.
package standby

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ManuGH/shardline/internal/gateway/shard"
	xlog "github.com/ManuGH/shardline/internal/log"
	"github.com/rs/zerolog"
)

// DefaultStreamBuffer is the channel capacity used by WaitForStream.
const DefaultStreamBuffer = 32

// Predicate reports whether an event is wanted.
type Predicate func(shard.Event) bool

type waiter struct {
	id     uint64
	match  Predicate
	once   chan shard.Event // single-shot waiters
	stream chan shard.Event // stream waiters
}

// Standby holds the registered waiters.
type Standby struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]*waiter
	logger  zerolog.Logger
}

// New returns an empty Standby.
func New() *Standby {
	return &Standby{
		waiters: make(map[uint64]*waiter),
		logger:  xlog.WithComponent("standby"),
	}
}

// Len returns the number of registered waiters.
func (s *Standby) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Process offers ev to every waiter. Single-shot waiters that match are
// completed and removed. Stream waiters that are full drop the event.
// It returns the number of waiters the event matched.
func (s *Standby) Process(ev shard.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := 0
	for id, w := range s.waiters {
		if !w.match(ev) {
			continue
		}
		matched++
		if w.once != nil {
			w.once <- ev
			delete(s.waiters, id)
			continue
		}
		select {
		case w.stream <- ev:
		default:
			s.logger.Warn().
				Uint64("waiter", id).
				Str(xlog.FieldEvent, ev.Name).
				Msg("stream waiter full, event dropped")
		}
	}
	return matched
}

func (s *Standby) register(w *waiter) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	w.id = s.nextID
	s.waiters[w.id] = w
	return w.id
}

// remove reports whether the waiter was still registered.
func (s *Standby) remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waiters[id]; !ok {
		return false
	}
	delete(s.waiters, id)
	return true
}

// WaitFor blocks until an event matching pred is processed or ctx is done.
func (s *Standby) WaitFor(ctx context.Context, pred Predicate) (shard.Event, error) {
	w := &waiter{match: pred, once: make(chan shard.Event, 1)}
	id := s.register(w)

	select {
	case ev := <-w.once:
		return ev, nil
	case <-ctx.Done():
		if !s.remove(id) {
			// completed concurrently with cancellation
			return <-w.once, nil
		}
		return shard.Event{}, ctx.Err()
	}
}

// WaitForStream returns a channel receiving every matching event until ctx
// is done, after which the channel is closed.
func (s *Standby) WaitForStream(ctx context.Context, pred Predicate, buffer int) <-chan shard.Event {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	w := &waiter{match: pred, stream: make(chan shard.Event, buffer)}
	id := s.register(w)

	go func() {
		<-ctx.Done()
		s.remove(id)
		close(w.stream)
	}()
	return w.stream
}

// Dispatch matches dispatch events with the given name.
func Dispatch(name string) Predicate {
	return func(ev shard.Event) bool {
		return ev.Kind == shard.KindDispatch && ev.Name == name
	}
}

// Lifecycle matches lifecycle events with the given name on any shard.
func Lifecycle(name string) Predicate {
	return func(ev shard.Event) bool {
		return ev.Kind == shard.KindLifecycle && ev.Name == name
	}
}

// OnShard restricts pred to one shard index.
func OnShard(index int, pred Predicate) Predicate {
	return func(ev shard.Event) bool {
		return ev.Shard.Index == index && pred(ev)
	}
}

// Guild matches dispatches whose payload carries the given guild_id, or whose
// id equals it for GUILD_* events.
func Guild(guildID string, pred Predicate) Predicate {
	return func(ev shard.Event) bool {
		if ev.Kind != shard.KindDispatch || len(ev.Data) == 0 {
			return false
		}
		var ids struct {
			GuildID string `json:"guild_id"`
			ID      string `json:"id"`
		}
		if err := json.Unmarshal(ev.Data, &ids); err != nil {
			return false
		}
		if ids.GuildID != guildID && !(isGuildEvent(ev.Name) && ids.ID == guildID) {
			return false
		}
		return pred == nil || pred(ev)
	}
}

func isGuildEvent(name string) bool {
	switch name {
	case "GUILD_CREATE", "GUILD_UPDATE", "GUILD_DELETE":
		return true
	}
	return false
}

// WaitForGuild waits for an event in the given guild matching pred.
func (s *Standby) WaitForGuild(ctx context.Context, guildID string, pred Predicate) (shard.Event, error) {
	return s.WaitFor(ctx, Guild(guildID, pred))
}
