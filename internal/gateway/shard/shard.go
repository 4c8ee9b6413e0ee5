// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package shard maintains one gateway session: handshake, heartbeats, resume
// and the outward event stream.
//
// All session, heartbeat and phase state is owned by a single loop goroutine.
// Callers only read snapshots (Info, Phase) or submit commands (Send).
package shard

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/shardline/internal/fsm"
	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/ManuGH/shardline/internal/gateway/gwerr"
	"github.com/ManuGH/shardline/internal/gateway/heartbeat"
	"github.com/ManuGH/shardline/internal/gateway/reconnect"
	"github.com/ManuGH/shardline/internal/gateway/session"
	xlog "github.com/ManuGH/shardline/internal/log"
	"github.com/ManuGH/shardline/internal/metrics"
	"github.com/ManuGH/shardline/internal/ratelimit"
	"github.com/rs/zerolog"
)

const storeTimeout = 3 * time.Second

// Shard is one logical gateway connection.
type Shard struct {
	cfg     Config
	id      ID
	state   *session.State
	limiter *ratelimit.CommandLimiter
	backoff *reconnect.Backoff
	decoder *codec.Decoder
	phase   *fsm.Machine[Phase, trigger]
	queue   *eventQueue
	sendCh  chan sendRequest
	logger  zerolog.Logger
	rand    func() float64

	hbMu sync.Mutex
	hb   *heartbeat.Manager

	keepSession atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

type sendRequest struct {
	op     codec.Opcode
	data   []byte
	result chan error
}

// Info is a point-in-time view of a shard.
type Info struct {
	ID                ID
	Phase             Phase
	SessionID         string
	Sequence          uint64
	HasSequence       bool
	Latency           heartbeat.Latency
	AvailableCommands int
}

// New validates cfg and builds a shard. Nothing is dialed until Start.
func New(cfg Config) (*Shard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	rnd := cfg.Rand
	if rnd == nil {
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		var mu sync.Mutex
		rnd = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return src.Float64()
		}
	}

	dec := codec.NewDecoder(cfg.Compression)
	if cfg.MaxMessageSize > 0 {
		dec.SetMaxMessageSize(cfg.MaxMessageSize)
	}

	s := &Shard{
		cfg:     cfg,
		id:      cfg.ID,
		state:   session.NewState(),
		limiter: ratelimit.NewCommandLimiter(cfg.CommandLimit),
		backoff: reconnect.NewBackoff(cfg.Backoff, nil),
		decoder: dec,
		phase:   newPhaseMachine(),
		queue:   newEventQueue(),
		sendCh:  make(chan sendRequest),
		rand:    rnd,
		done:    make(chan struct{}),
		logger: xlog.Derive(func(c *zerolog.Context) {
			c.Str(xlog.FieldComponent, "shard").
				Int(xlog.FieldShard, cfg.ID.Index).
				Int(xlog.FieldShardTotal, cfg.ID.Total)
		}),
	}
	s.phase.Observe(func(from, to Phase, event trigger) {
		metrics.SetShardPhase(s.id.Index, string(to))
		s.logger.Debug().
			Str(xlog.FieldOldState, string(from)).
			Str(xlog.FieldNewState, string(to)).
			Str(xlog.FieldEvent, string(event)).
			Msg("phase transition")
	})
	metrics.SetShardPhase(s.id.Index, string(PhaseDisconnected))
	return s, nil
}

// ID returns the shard identity.
func (s *Shard) ID() ID { return s.id }

// Phase returns the current connection phase.
func (s *Shard) Phase() Phase { return s.phase.State() }

// Events returns the outward stream. It is closed after shutdown.
func (s *Shard) Events() <-chan Event { return s.queue.out }

// Done is closed once the shard loop has exited.
func (s *Shard) Done() <-chan struct{} { return s.done }

// Err returns the fatal cause after the shard stopped on its own, or nil.
func (s *Shard) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start launches the shard loop. Cancelling ctx shuts the shard down the same
// way Close does.
func (s *Shard) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.queue.pump()
	go s.run(ctx)
	return nil
}

// Run starts the shard and blocks until it stops. It returns the fatal cause,
// or nil when ctx was cancelled.
func (s *Shard) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-s.done
	return s.Err()
}

// Close shuts the shard down, closing the transport with 1000 so the session
// ends server-side. The session is dropped locally and from the store.
// Undelivered events are discarded.
func (s *Shard) Close() error {
	s.stop(false)
	return nil
}

// CloseResumable shuts the shard down but keeps the session alive (close code
// 4000) and persisted, returning the snapshot a later process may resume.
func (s *Shard) CloseResumable() (session.Snapshot, bool) {
	s.stop(true)
	return s.state.Snapshot()
}

func (s *Shard) stop(keep bool) {
	s.keepSession.Store(keep)

	s.mu.Lock()
	if !s.started {
		s.started = true
		s.cancel = func() {}
		s.mu.Unlock()
		s.finish()
		go s.queue.pump()
		s.queue.drop()
		<-s.queue.done
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.done
	s.queue.drop()
	<-s.queue.done
}

// Send submits an application command. It fails fast with ErrNotConnected or
// *RateLimitedError instead of queueing. The command slot is taken by the
// shard loop at write time, so a refused command never consumes quota.
func (s *Shard) Send(ctx context.Context, cmd codec.Command) error {
	if !cmd.Op.IsCommand() {
		return ErrNotCommand
	}
	if s.Phase() != PhaseConnected {
		return ErrNotConnected
	}
	data, err := codec.Encode(cmd)
	if err != nil {
		return err
	}

	req := sendRequest{op: cmd.Op, data: data, result: make(chan error, 1)}
	select {
	case s.sendCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrNotConnected
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrNotConnected
	}
}

// Info returns a snapshot of the shard.
func (s *Shard) Info() Info {
	info := Info{
		ID:                s.id,
		Phase:             s.Phase(),
		SessionID:         s.state.ID(),
		AvailableCommands: s.limiter.Available(),
	}
	info.Sequence, info.HasSequence = s.state.Sequence()
	s.hbMu.Lock()
	if s.hb != nil {
		info.Latency = s.hb.Latency()
	}
	s.hbMu.Unlock()
	return info
}

func (s *Shard) setHeartbeat(m *heartbeat.Manager) {
	s.hbMu.Lock()
	s.hb = m
	s.hbMu.Unlock()
}

func (s *Shard) fire(tr trigger) {
	if _, err := s.phase.Fire(context.Background(), tr); err != nil {
		s.logger.Error().Err(err).Msg("phase transition rejected")
	}
}

func (s *Shard) emit(ev Event) {
	ev.Shard = s.id
	if s.cfg.EventFlags.Allows(ev) {
		s.queue.push(ev)
	}
}

func (s *Shard) lifecycle(name string) {
	s.emit(Event{Kind: KindLifecycle, Name: name})
}

func (s *Shard) storeKey() string {
	return session.Key(s.id.Index, s.id.Total)
}

func (s *Shard) restoreSession() {
	if s.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	snap, err := s.cfg.Store.Load(ctx, s.storeKey())
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load persisted session, identifying fresh")
		return
	}
	if snap == nil {
		return
	}
	s.state.Restore(*snap)
	s.logger.Info().
		Str(xlog.FieldSessionID, snap.SessionID).
		Uint64(xlog.FieldSeq, snap.Sequence).
		Msg("restored persisted session")
}

func (s *Shard) persistSession() {
	if s.cfg.Store == nil {
		return
	}
	snap, ok := s.state.Snapshot()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.cfg.Store.Save(ctx, s.storeKey(), snap); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist session")
	}
}

// invalidateSession clears the session locally and in the store.
func (s *Shard) invalidateSession() {
	s.state.Invalidate()
	if s.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.cfg.Store.Delete(ctx, s.storeKey()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to delete persisted session")
	}
}

func (s *Shard) run(ctx context.Context) {
	defer s.finish()
	s.restoreSession()

	immediate := true
	for {
		if !immediate && !s.waitBackoff(ctx) {
			s.shutdownSession()
			return
		}

		s.fire(trConnect)
		s.lifecycle(LifecycleConnecting)
		out := s.connect(ctx)
		s.setHeartbeat(nil)
		s.lifecycle(LifecycleDisconnected)

		if out.shutdown || ctx.Err() != nil {
			s.shutdownSession()
			return
		}

		if err := s.recover(out); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.logger.Error().Err(err).Msg("shard stopped")
			return
		}
		s.fire(trDisconnect)
		s.lifecycle(LifecycleReconnecting)
		immediate = out.immediate
	}
}

// recover applies the close classification after a failed connection and
// returns a non-nil error when the shard must stop.
func (s *Shard) recover(out outcome) error {
	kind := gwerr.KindOf(out.err)
	metrics.RecordGatewayError(s.id.Index, kind.String())

	_, hasSnapshot := s.state.Snapshot()
	var decision reconnect.Decision
	switch kind {
	case gwerr.Fatal:
		decision = reconnect.Fatal
	case gwerr.Protocol:
		decision = reconnect.Invalidate
	default:
		decision = s.cfg.CloseTable.Decide(out.code, hasSnapshot)
	}

	metrics.RecordReconnect(s.id.Index, out.class(kind, s.cfg.CloseTable))
	s.logger.Warn().
		Err(out.err).
		Int(xlog.FieldCloseCode, out.code).
		Str("decision", decision.String()).
		Msg("connection lost")

	switch decision {
	case reconnect.Fatal:
		if kind == gwerr.Fatal {
			return out.err
		}
		return gwerr.WithCode(gwerr.Fatal, "close", out.code, out.err)
	case reconnect.Invalidate:
		s.invalidateSession()
	}
	return nil
}

// waitBackoff sleeps before the next attempt. Sends arriving meanwhile are
// refused. It reports false if ctx ended first.
func (s *Shard) waitBackoff(ctx context.Context) bool {
	wait := s.backoff.Next()
	s.logger.Info().Dur(xlog.FieldBackoff, wait).Msg("reconnecting after backoff")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case req := <-s.sendCh:
			req.result <- ErrNotConnected
		case <-ctx.Done():
			return false
		}
	}
}

// shutdownSession settles the session when the shard is stopped by its owner.
func (s *Shard) shutdownSession() {
	if s.keepSession.Load() {
		s.persistSession()
		return
	}
	s.invalidateSession()
}

func (s *Shard) finish() {
	if s.Phase() != PhaseShutdown {
		s.fire(trShutdown)
	}
	s.lifecycle(LifecycleShutdown)
	s.queue.close()
	close(s.done)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
