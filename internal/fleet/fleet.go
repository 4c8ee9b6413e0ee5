// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package fleet runs a contiguous range of shards that share one token and
// merges their event streams.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/session"
	"github.com/ManuGH/shardline/internal/gateway/shard"
	xlog "github.com/ManuGH/shardline/internal/log"
	"github.com/ManuGH/shardline/internal/ratelimit"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning is returned by a second Run.
var ErrAlreadyRunning = errors.New("fleet already running")

// Gate admits identifies through an IdentifyLimiter keyed by shard index.
type Gate struct {
	limiter *ratelimit.IdentifyLimiter
}

// NewGate creates a gate allowing maxConcurrency parallel identify buckets,
// each admitting one identify per interval.
func NewGate(maxConcurrency int, interval time.Duration) *Gate {
	return &Gate{limiter: ratelimit.NewIdentifyLimiter(maxConcurrency, interval)}
}

// WaitIdentify implements shard.IdentifyGate.
func (g *Gate) WaitIdentify(ctx context.Context, id shard.ID) error {
	return g.limiter.Wait(ctx, id.Index)
}

// Config describes the shards to run. Template is copied for every shard with
// its ID and Gate replaced.
type Config struct {
	Template shard.Config
	First    int
	Last     int // inclusive
	Total    int
	Gate     shard.IdentifyGate
}

// Fleet owns shards First..Last of Total.
type Fleet struct {
	shards []*shard.Shard
	byIdx  map[int]*shard.Shard
	events chan shard.Event
	stop   chan struct{}
	logger zerolog.Logger

	mu        sync.Mutex
	running   bool
	stopOnce  sync.Once
	closeOnce sync.Once
}

// New validates the range and builds every shard without dialing.
func New(cfg Config) (*Fleet, error) {
	if cfg.Total < 1 {
		return nil, fmt.Errorf("fleet: shard total must be at least 1, got %d", cfg.Total)
	}
	if cfg.First < 0 || cfg.Last < cfg.First || cfg.Last >= cfg.Total {
		return nil, fmt.Errorf("fleet: invalid shard range %d..%d of %d", cfg.First, cfg.Last, cfg.Total)
	}
	gate := cfg.Gate
	if gate == nil {
		gate = NewGate(1, ratelimit.DefaultIdentifyInterval)
	}

	f := &Fleet{
		byIdx:  make(map[int]*shard.Shard, cfg.Last-cfg.First+1),
		events: make(chan shard.Event),
		stop:   make(chan struct{}),
		logger: xlog.WithComponent("fleet"),
	}
	for i := cfg.First; i <= cfg.Last; i++ {
		sc := cfg.Template
		sc.ID = shard.ID{Index: i, Total: cfg.Total}
		sc.Gate = gate
		s, err := shard.New(sc)
		if err != nil {
			return nil, fmt.Errorf("fleet: shard %d: %w", i, err)
		}
		f.shards = append(f.shards, s)
		f.byIdx[i] = s
	}
	return f, nil
}

// Shards returns the shards in index order.
func (f *Fleet) Shards() []*shard.Shard {
	return append([]*shard.Shard(nil), f.shards...)
}

// Shard returns the shard with the given index.
func (f *Fleet) Shard(index int) (*shard.Shard, bool) {
	s, ok := f.byIdx[index]
	return s, ok
}

// Info returns a snapshot of every shard.
func (f *Fleet) Info() []shard.Info {
	out := make([]shard.Info, 0, len(f.shards))
	for _, s := range f.shards {
		out = append(out, s.Info())
	}
	return out
}

// Events merges all shard streams. Order is preserved per shard only. The
// channel is closed when Run returns.
func (f *Fleet) Events() <-chan shard.Event { return f.events }

// Run starts every shard and blocks until ctx is cancelled, the fleet is
// closed, or a shard stops with a fatal error. The first fatal error stops the
// remaining shards and is returned.
func (f *Fleet) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return ErrAlreadyRunning
	}
	f.running = true
	f.mu.Unlock()
	defer f.closeOnce.Do(func() { close(f.events) })

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range f.shards {
		if err := s.Start(gctx); err != nil {
			return err
		}
	}
	f.logger.Info().Int("shards", len(f.shards)).Msg("fleet started")

	for _, s := range f.shards {
		g.Go(func() error { return f.forward(gctx, s) })
	}
	err := g.Wait()
	if err != nil {
		f.logger.Error().Err(err).Msg("fleet stopped")
	}
	return err
}

func (f *Fleet) forward(ctx context.Context, s *shard.Shard) error {
	for ev := range s.Events() {
		select {
		case f.events <- ev:
		case <-ctx.Done():
			_ = s.Close()
			return s.Err()
		case <-f.stop:
			<-s.Done()
			return s.Err()
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("shard %s: %w", s.ID(), err)
	}
	return nil
}

// Close shuts every shard down, ending their sessions.
func (f *Fleet) Close() error {
	f.halt()
	var wg sync.WaitGroup
	for _, s := range f.shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()
	return nil
}

// CloseResumable shuts every shard down keeping sessions resumable and
// returns the snapshots by shard index.
func (f *Fleet) CloseResumable() map[int]session.Snapshot {
	f.halt()
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[int]session.Snapshot, len(f.shards))
	)
	for _, s := range f.shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, ok := s.CloseResumable()
			if !ok {
				return
			}
			mu.Lock()
			out[s.ID().Index] = snap
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (f *Fleet) halt() {
	f.stopOnce.Do(func() { close(f.stop) })
}
