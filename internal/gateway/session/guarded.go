// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package session

import (
	"context"

	"github.com/ManuGH/shardline/internal/resilience"
)

// GuardedStore fails fast with resilience.ErrCircuitOpen while the wrapped
// backend keeps failing, so shards do not wait out storeTimeout on every
// reconnect.
type GuardedStore struct {
	next Store
	cb   *resilience.CircuitBreaker
}

// Guard wraps next with a breaker whose metrics carry backend as label.
func Guard(next Store, backend string) *GuardedStore {
	return &GuardedStore{
		next: next,
		cb:   resilience.NewCircuitBreaker(backend, resilience.DefaultThreshold, resilience.DefaultResetTimeout),
	}
}

func (g *GuardedStore) Load(ctx context.Context, key string) (snap *Snapshot, err error) {
	err = g.cb.Execute(func() error {
		snap, err = g.next.Load(ctx, key)
		return err
	})
	return snap, err
}

func (g *GuardedStore) Save(ctx context.Context, key string, snap Snapshot) error {
	return g.cb.Execute(func() error { return g.next.Save(ctx, key, snap) })
}

func (g *GuardedStore) Delete(ctx context.Context, key string) error {
	return g.cb.Execute(func() error { return g.next.Delete(ctx, key) })
}

// Close always reaches the backend.
func (g *GuardedStore) Close() error { return g.next.Close() }
