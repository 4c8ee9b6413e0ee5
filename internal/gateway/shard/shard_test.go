// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package shard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/ManuGH/shardline/internal/gateway/gwerr"
	"github.com/ManuGH/shardline/internal/gateway/reconnect"
	"github.com/ManuGH/shardline/internal/gateway/session"
	xlog "github.com/ManuGH/shardline/internal/log"
	"github.com/ManuGH/shardline/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	xlog.Configure(xlog.Config{Level: "disabled", Output: io.Discard})
	goleak.VerifyTestMain(m)
}

func testConfig(d *fakeDialer) Config {
	return Config{
		Token:  "secret",
		ID:     ID{Index: 0, Total: 1},
		Dialer: d,
		Backoff: reconnect.Config{
			Initial: time.Millisecond,
			Max:     5 * time.Millisecond,
		},
		HandshakeTimeout: 10 * time.Second,
		Rand:             func() float64 { return 0.99 },
	}
}

func startShard(t *testing.T, cfg Config) *Shard {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitPhase(t *testing.T, s *Shard, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Phase() == want },
		waitFor, 5*time.Millisecond, "phase stuck at %s, want %s", s.Phase(), want)
}

// handshake drives a fresh connection to Connected with session id and seq 1.
func handshake(t *testing.T, s *Shard, c *fakeConn, sessionID string) {
	t.Helper()
	c.hello(t, 41250, "")
	c.expect(t, codec.OpIdentify)
	c.ready(t, 1, sessionID, "wss://resume.example.test")
	waitPhase(t, s, PhaseConnected)
}

func TestShard_IdentifyToConnected(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig(d)
	cfg.Intents = codec.Intents(513)
	s := startShard(t, cfg)
	events := collect(s)

	c := d.next(t)
	assert.Contains(t, c.url, "v=10")
	assert.Contains(t, c.url, "encoding=json")
	waitPhase(t, s, PhaseWaitingHello)

	c.hello(t, 41250, "")
	f := c.expect(t, codec.OpIdentify)
	var ident codec.Identify
	require.NoError(t, json.Unmarshal(f.D, &ident))
	assert.Equal(t, "secret", ident.Token)
	assert.Equal(t, [2]int{0, 1}, ident.Shard)
	assert.Equal(t, codec.Intents(513), ident.Intents)
	assert.Equal(t, "shardline", ident.Properties.Browser)

	c.ready(t, 1, "abc", "wss://resume.example.test")
	waitPhase(t, s, PhaseConnected)

	info := s.Info()
	assert.Equal(t, "abc", info.SessionID)
	assert.True(t, info.HasSequence)
	assert.Equal(t, uint64(1), info.Sequence)
	assert.Equal(t, ID{Index: 0, Total: 1}, info.ID)

	require.Eventually(t, func() bool { return events.count(KindDispatch, "READY") == 1 },
		waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{
		"lifecycle:connecting",
		"lifecycle:identifying",
		"lifecycle:connected",
		"dispatch:READY",
	}, events.names())

	for _, ev := range events.snapshot() {
		if ev.Kind == KindDispatch {
			assert.True(t, ev.HasSeq)
			assert.Equal(t, uint64(1), ev.Seq)
			var r codec.Ready
			require.NoError(t, ev.Unmarshal(&r))
			assert.Equal(t, "abc", r.SessionID)
		}
	}
}

func TestShard_ResumesAfterResumableClose(t *testing.T) {
	d := newFakeDialer()
	s := startShard(t, testConfig(d))
	events := collect(s)

	c := d.next(t)
	handshake(t, s, c, "abc")
	for seq := uint64(2); seq <= 9; seq++ {
		c.dispatch(t, seq, "MESSAGE_CREATE", map[string]any{"id": "1"})
	}
	require.Eventually(t, func() bool {
		seq, _ := s.state.Sequence()
		return seq == 9
	}, waitFor, 5*time.Millisecond)

	c.serverClose(reconnect.CloseUnknownError)

	c2 := d.next(t)
	assert.Contains(t, c2.url, "wss://resume.example.test")
	c2.hello(t, 41250, "")
	f := c2.expect(t, codec.OpResume)
	var res codec.Resume
	require.NoError(t, json.Unmarshal(f.D, &res))
	assert.Equal(t, "abc", res.SessionID)
	assert.Equal(t, uint64(9), res.Seq)
	assert.Equal(t, "secret", res.Token)

	c2.dispatch(t, 10, "RESUMED", nil)
	waitPhase(t, s, PhaseConnected)
	assert.Equal(t, "abc", s.Info().SessionID)

	require.Eventually(t, func() bool { return events.count(KindDispatch, "RESUMED") == 1 },
		waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, events.count(KindLifecycle, LifecycleResuming))
	assert.Equal(t, 1, events.count(KindLifecycle, LifecycleReconnecting))
	assert.Equal(t, int32(2), d.count.Load())
}

func TestShard_NonResumableCloseIdentifiesFresh(t *testing.T) {
	d := newFakeDialer()
	store := session.NewMemoryStore()
	cfg := testConfig(d)
	cfg.Store = store
	s := startShard(t, cfg)

	c := d.next(t)
	handshake(t, s, c, "abc")
	c.serverClose(reconnect.CloseInvalidSeq)

	c2 := d.next(t)
	c2.hello(t, 41250, "")
	c2.expect(t, codec.OpIdentify)
	assert.Empty(t, s.Info().SessionID)

	snap, err := store.Load(context.Background(), session.Key(0, 1))
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestShard_ZombieReconnectsOnce(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig(d)
	cfg.Rand = func() float64 { return 0 }
	s := startShard(t, cfg)
	events := collect(s)

	c := d.next(t)
	c.hello(t, 100, "")
	c.expect(t, codec.OpIdentify)
	c.ready(t, 1, "abc", "")
	c.expect(t, codec.OpHeartbeat)

	// no ack: the next beat finds the previous one unacknowledged
	assert.Equal(t, reconnect.CloseUnknownError, c.waitClosed(t))

	c2 := d.next(t)
	c2.hello(t, 41250, "")
	c2.expect(t, codec.OpResume)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, events.count(KindLifecycle, LifecycleReconnecting))
	assert.Equal(t, int32(2), d.count.Load())
}

func TestShard_HeartbeatAckRecordsLatency(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig(d)
	cfg.Rand = func() float64 { return 0 }
	s := startShard(t, cfg)

	c := d.next(t)
	c.hello(t, 41250, "")
	// identify goes out while handling hello, before the first beat fires
	c.expect(t, codec.OpIdentify)
	c.expect(t, codec.OpHeartbeat)
	c.send(t, codec.OpHeartbeatAck, nil, "", nil)

	require.Eventually(t, func() bool { return s.Info().Latency.Beats == 1 },
		waitFor, 5*time.Millisecond)
}

func TestShard_HeartbeatRequestAnswered(t *testing.T) {
	d := newFakeDialer()
	s := startShard(t, testConfig(d))

	c := d.next(t)
	handshake(t, s, c, "abc")
	c.send(t, codec.OpHeartbeat, nil, "", nil)

	f := c.expect(t, codec.OpHeartbeat)
	assert.JSONEq(t, "1", string(f.D))
}

func TestShard_DispatchBeforeHelloIsProtocolError(t *testing.T) {
	d := newFakeDialer()
	s := startShard(t, testConfig(d))

	c := d.next(t)
	c.dispatch(t, 1, "MESSAGE_CREATE", map[string]any{})
	assert.Equal(t, reconnect.CloseNormal, c.waitClosed(t))

	c2 := d.next(t)
	c2.hello(t, 41250, "")
	c2.expect(t, codec.OpIdentify)
	assert.Equal(t, PhaseIdentifying, s.Phase())
}

func TestShard_SequenceRegressionDropsSession(t *testing.T) {
	d := newFakeDialer()
	s := startShard(t, testConfig(d))

	c := d.next(t)
	handshake(t, s, c, "abc")
	c.dispatch(t, 5, "MESSAGE_CREATE", map[string]any{})
	c.dispatch(t, 3, "MESSAGE_CREATE", map[string]any{})
	assert.Equal(t, reconnect.CloseNormal, c.waitClosed(t))

	c2 := d.next(t)
	c2.hello(t, 41250, "")
	c2.expect(t, codec.OpIdentify)
}

func TestShard_ReconnectRequestSkipsBackoff(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig(d)
	cfg.Backoff = reconnect.Config{Initial: time.Hour, Max: time.Hour}
	s := startShard(t, cfg)

	c := d.next(t)
	handshake(t, s, c, "abc")
	c.send(t, codec.OpReconnect, nil, "", nil)
	assert.Equal(t, reconnect.CloseUnknownError, c.waitClosed(t))

	c2 := d.next(t)
	c2.hello(t, 41250, "")
	c2.expect(t, codec.OpResume)
}

func TestShard_FatalCloseStops(t *testing.T) {
	d := newFakeDialer()
	s := startShard(t, testConfig(d))
	events := collect(s)

	c := d.next(t)
	c.hello(t, 41250, "")
	c.expect(t, codec.OpIdentify)
	c.serverClose(reconnect.CloseAuthenticationFail)

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("shard did not stop")
	}
	<-events.done

	err := s.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, &gwerr.Error{Kind: gwerr.Fatal, Code: reconnect.CloseAuthenticationFail})
	assert.Equal(t, PhaseShutdown, s.Phase())
	assert.Equal(t, int32(1), d.count.Load())
	assert.Equal(t, 1, events.count(KindLifecycle, LifecycleShutdown))
	assert.Equal(t, 0, events.count(KindLifecycle, LifecycleReconnecting))
}

func TestShard_RunReturnsFatalCause(t *testing.T) {
	d := newFakeDialer()
	s, err := New(testConfig(d))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	c := d.next(t)
	c.serverClose(reconnect.CloseDisallowedIntents)

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.Equal(t, gwerr.Fatal, gwerr.KindOf(err))
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
}

func TestShard_DialFailureRetries(t *testing.T) {
	d := newFakeDialer()
	d.fail = errors.New("connection refused")
	s := startShard(t, testConfig(d))

	require.Eventually(t, func() bool { return d.count.Load() >= 3 }, waitFor, 5*time.Millisecond)
	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()

	c := d.next(t)
	handshake(t, s, c, "abc")
}

func TestShard_IdentifyGate(t *testing.T) {
	d := newFakeDialer()
	gate := &countingGate{}
	cfg := testConfig(d)
	cfg.Gate = gate
	s := startShard(t, cfg)

	c := d.next(t)
	handshake(t, s, c, "abc")
	assert.Equal(t, int32(1), gate.calls.Load())

	// resume does not consult the gate
	c.serverClose(reconnect.CloseUnknownError)
	c2 := d.next(t)
	c2.hello(t, 41250, "")
	c2.expect(t, codec.OpResume)
	assert.Equal(t, int32(1), gate.calls.Load())
}

func TestShard_IdentifyGateErrorReconnects(t *testing.T) {
	d := newFakeDialer()
	gate := &countingGate{err: errors.New("gate closed")}
	cfg := testConfig(d)
	cfg.Gate = gate
	startShard(t, cfg)

	c := d.next(t)
	c.hello(t, 41250, "")
	assert.Equal(t, reconnect.CloseUnknownError, c.waitClosed(t))
	c.expectNone(t, 20*time.Millisecond)
	d.next(t)
}

func TestShard_HandshakeTimeoutReconnects(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig(d)
	cfg.HandshakeTimeout = 150 * time.Millisecond
	s := startShard(t, cfg)
	events := collect(s)

	c := d.next(t)
	c.hello(t, 41250, "")
	c.expect(t, codec.OpIdentify)

	// READY never arrives
	assert.Equal(t, reconnect.CloseUnknownError, c.waitClosed(t))

	c2 := d.next(t)
	c2.hello(t, 41250, "")
	c2.expect(t, codec.OpIdentify)
	assert.Empty(t, s.Info().SessionID)
	require.Eventually(t, func() bool { return events.count(KindLifecycle, LifecycleReconnecting) >= 1 },
		waitFor, 5*time.Millisecond)
}

func TestShard_IdentifyWaitsForCommandSlot(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig(d)
	cfg.Rand = func() float64 { return 0 }
	cfg.CommandLimit = ratelimit.Config{Capacity: 2, Period: 1500 * time.Millisecond}
	s := startShard(t, cfg)

	c := d.next(t)
	handshake(t, s, c, "abc")
	presence, err := codec.NewPresenceUpdate(codec.Presence{Status: codec.StatusIdle})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), presence))
	c.expect(t, codec.OpPresenceUpdate)
	require.Equal(t, 0, s.Info().AvailableCommands)

	start := time.Now()
	c.send(t, codec.OpInvalidSession, nil, "", false)
	waitPhase(t, s, PhaseIdentifying)

	// the 1s pause ends while both slots are still taken
	c.expect(t, codec.OpIdentify)
	assert.GreaterOrEqual(t, time.Since(start), 1200*time.Millisecond)
	assert.Equal(t, int32(1), d.count.Load(), "identify is deferred on the same connection")
}

func TestShard_InvalidSessionIdentifiesAgain(t *testing.T) {
	d := newFakeDialer()
	gate := &countingGate{}
	cfg := testConfig(d)
	cfg.Gate = gate
	cfg.Rand = func() float64 { return 0 }
	s := startShard(t, cfg)
	events := collect(s)

	c := d.next(t)
	handshake(t, s, c, "abc")
	c.send(t, codec.OpInvalidSession, nil, "", false)

	waitPhase(t, s, PhaseIdentifying)
	assert.Empty(t, s.Info().SessionID)

	// same connection, after the minimum pause
	start := time.Now()
	c.expect(t, codec.OpIdentify)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, int32(2), gate.calls.Load())
	assert.Equal(t, int32(1), d.count.Load())

	c.ready(t, 2, "def", "")
	waitPhase(t, s, PhaseConnected)
	assert.Equal(t, "def", s.Info().SessionID)
	assert.Equal(t, 1, events.count(KindLifecycle, LifecycleInvalidSession))
}

func TestShard_ResumableInvalidSessionReconnects(t *testing.T) {
	d := newFakeDialer()
	s := startShard(t, testConfig(d))

	c := d.next(t)
	handshake(t, s, c, "abc")
	c.send(t, codec.OpInvalidSession, nil, "", true)
	assert.Equal(t, reconnect.CloseUnknownError, c.waitClosed(t))

	c2 := d.next(t)
	c2.hello(t, 41250, "")
	f := c2.expect(t, codec.OpResume)
	var res codec.Resume
	require.NoError(t, json.Unmarshal(f.D, &res))
	assert.Equal(t, "abc", res.SessionID)
}

func TestShard_Send(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig(d)
	cfg.CommandLimit = ratelimit.Config{Capacity: 2, Period: time.Minute}
	s := startShard(t, cfg)
	ctx := context.Background()

	presence, err := codec.NewPresenceUpdate(codec.Presence{Status: codec.StatusOnline})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Send(ctx, presence), ErrNotConnected)

	c := d.next(t)
	handshake(t, s, c, "abc")

	assert.ErrorIs(t, s.Send(ctx, codec.HeartbeatCommand(nil)), ErrNotCommand)
	assert.ErrorIs(t, s.Send(ctx, codec.Command{Op: codec.OpIdentify}), ErrNotCommand)

	// identify used one of the two slots
	require.NoError(t, s.Send(ctx, presence))
	f := c.expect(t, codec.OpPresenceUpdate)
	assert.Contains(t, string(f.D), `"status":"online"`)

	err = s.Send(ctx, presence)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, rl.RetryAfter, time.Minute)
	assert.Equal(t, 0, s.Info().AvailableCommands)
}

func TestShard_SendUnencodable(t *testing.T) {
	d := newFakeDialer()
	s := startShard(t, testConfig(d))
	c := d.next(t)
	handshake(t, s, c, "abc")

	before := s.Info().AvailableCommands
	err := s.Send(context.Background(), codec.Command{Op: codec.OpPresenceUpdate, Data: make(chan int)})
	require.Error(t, err)
	assert.Equal(t, before, s.Info().AvailableCommands)
}

func TestShard_SendRefusedWhileDialing(t *testing.T) {
	d := newFakeDialer()
	d.hold = make(chan struct{})
	s := startShard(t, testConfig(d))

	require.Eventually(t, func() bool { return d.count.Load() == 1 }, waitFor, 5*time.Millisecond)
	available := s.Info().AvailableCommands

	// a command that passed the phase check just before the drop
	req := sendRequest{op: codec.OpPresenceUpdate, data: []byte(`{"op":3,"d":{}}`), result: make(chan error, 1)}
	select {
	case s.sendCh <- req:
	case <-time.After(waitFor):
		t.Fatal("send parked while dialing")
	}
	assert.ErrorIs(t, <-req.result, ErrNotConnected)
	assert.Equal(t, available, s.Info().AvailableCommands)

	d.mu.Lock()
	close(d.hold)
	d.mu.Unlock()
	handshake(t, s, d.next(t), "abc")
}

func TestConnection_WriteCommandTakesSlotOnlyWhenConnected(t *testing.T) {
	cfg := testConfig(newFakeDialer())
	cfg.CommandLimit = ratelimit.Config{Capacity: 1, Period: time.Minute}
	s, err := New(cfg)
	require.NoError(t, err)
	fc := newFakeConn("")
	c := &connection{s: s, tc: fc, logger: s.logger}
	req := sendRequest{op: codec.OpPresenceUpdate, data: []byte(`{"op":3,"d":{}}`)}
	ctx := context.Background()

	assert.ErrorIs(t, c.writeCommand(ctx, req), ErrNotConnected)
	assert.Equal(t, 1, s.Info().AvailableCommands, "refused command kept its slot")

	for _, tr := range []trigger{trConnect, trEstablished, trHelloIdentify, trReady} {
		s.fire(tr)
	}
	require.NoError(t, c.writeCommand(ctx, req))
	assert.Equal(t, 0, s.Info().AvailableCommands)

	var rl *RateLimitedError
	require.ErrorAs(t, c.writeCommand(ctx, req), &rl)
	assert.Positive(t, rl.RetryAfter)
	assert.Len(t, fc.fromClient, 1)

	require.NoError(t, s.Close())
}

func TestShard_CloseDropsSession(t *testing.T) {
	d := newFakeDialer()
	store := session.NewMemoryStore()
	cfg := testConfig(d)
	cfg.Store = store
	s := startShard(t, cfg)
	events := collect(s)

	c := d.next(t)
	handshake(t, s, c, "abc")

	require.Eventually(t, func() bool {
		snap, err := store.Load(context.Background(), session.Key(0, 1))
		return err == nil && snap != nil && snap.SessionID == "abc"
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, s.Close())
	assert.Equal(t, reconnect.CloseNormal, c.waitClosed(t))
	<-events.done

	assert.Equal(t, PhaseShutdown, s.Phase())
	assert.NoError(t, s.Err())
	assert.Empty(t, s.Info().SessionID)
	snap, err := store.Load(context.Background(), session.Key(0, 1))
	require.NoError(t, err)
	assert.Nil(t, snap)

	// idempotent
	require.NoError(t, s.Close())
}

func TestShard_CloseResumableKeepsSession(t *testing.T) {
	d := newFakeDialer()
	store := session.NewMemoryStore()
	cfg := testConfig(d)
	cfg.Store = store
	s := startShard(t, cfg)

	c := d.next(t)
	handshake(t, s, c, "abc")
	c.dispatch(t, 4, "GUILD_CREATE", map[string]any{"id": "9"})
	require.Eventually(t, func() bool { return s.Info().Sequence == 4 }, waitFor, 5*time.Millisecond)

	snap, ok := s.CloseResumable()
	require.True(t, ok)
	assert.Equal(t, "abc", snap.SessionID)
	assert.Equal(t, uint64(4), snap.Sequence)
	assert.Equal(t, reconnect.CloseUnknownError, c.waitClosed(t))

	stored, err := store.Load(context.Background(), session.Key(0, 1))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, uint64(4), stored.Sequence)
}

func TestShard_RestoredSessionResumes(t *testing.T) {
	d := newFakeDialer()
	store := session.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), session.Key(0, 1), session.Snapshot{
		SessionID: "persisted",
		Sequence:  42,
		ResumeURL: "wss://resume.example.test",
	}))
	cfg := testConfig(d)
	cfg.Store = store
	s := startShard(t, cfg)

	c := d.next(t)
	assert.Contains(t, c.url, "resume.example.test")
	c.hello(t, 41250, "")
	f := c.expect(t, codec.OpResume)
	var res codec.Resume
	require.NoError(t, json.Unmarshal(f.D, &res))
	assert.Equal(t, "persisted", res.SessionID)
	assert.Equal(t, uint64(42), res.Seq)

	c.dispatch(t, 43, "RESUMED", nil)
	waitPhase(t, s, PhaseConnected)
}

func TestShard_EventFlagsFilter(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig(d)
	cfg.EventFlags = FlagConnected
	s := startShard(t, cfg)
	events := collect(s)

	c := d.next(t)
	handshake(t, s, c, "abc")
	c.dispatch(t, 2, "MESSAGE_CREATE", map[string]any{})
	c.serverClose(reconnect.CloseUnknownError)

	c2 := d.next(t)
	c2.hello(t, 41250, "")
	c2.expect(t, codec.OpResume)
	c2.dispatch(t, 3, "RESUMED", nil)

	require.Eventually(t, func() bool { return events.count(KindLifecycle, LifecycleConnected) == 2 },
		waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"lifecycle:connected", "lifecycle:connected"}, events.names())
}

func TestShard_CloseBeforeStart(t *testing.T) {
	s, err := New(testConfig(newFakeDialer()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, open := <-s.Events()
	assert.False(t, open)
	assert.Equal(t, PhaseShutdown, s.Phase())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestShard_CloseTwiceBeforeStart(t *testing.T) {
	s, err := New(testConfig(newFakeDialer()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.NotPanics(t, func() { _ = s.Close() })
	assert.NotPanics(t, func() { s.CloseResumable() })
	<-s.Done()
	assert.Equal(t, PhaseShutdown, s.Phase())
}

func TestShard_StartTwice(t *testing.T) {
	d := newFakeDialer()
	s := startShard(t, testConfig(d))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	d.next(t)
}

func TestShard_ContextCancelShutsDown(t *testing.T) {
	d := newFakeDialer()
	s, err := New(testConfig(d))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	c := d.next(t)
	cancel()

	assert.Equal(t, reconnect.CloseNormal, c.waitClosed(t))
	<-s.Done()
	assert.NoError(t, s.Err())
}
