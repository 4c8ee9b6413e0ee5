// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/ManuGH/shardline/internal/gateway/gwerr"
	"github.com/ManuGH/shardline/internal/gateway/reconnect"
	"github.com/ManuGH/shardline/internal/gateway/session"
	"github.com/ManuGH/shardline/internal/gateway/shard"
	"github.com/ManuGH/shardline/internal/gateway/transport"
	xlog "github.com/ManuGH/shardline/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	xlog.Configure(xlog.Config{Level: "disabled", Output: io.Discard})
	goleak.VerifyTestMain(m)
}

var errClosed = errors.New("closed")

// autoConn answers Hello, Identify and Resume on its own.
type autoConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newAutoConn() *autoConn {
	c := &autoConn{in: make(chan []byte, 16), closed: make(chan struct{})}
	c.in <- []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`)
	return c
}

func (c *autoConn) ReadMessage() (codec.MessageKind, []byte, error) {
	select {
	case data := <-c.in:
		return codec.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errClosed
	}
}

func (c *autoConn) WriteMessage(_ context.Context, data []byte) error {
	var f struct {
		Op codec.Opcode    `json:"op"`
		D  json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	switch f.Op {
	case codec.OpIdentify:
		var ident codec.Identify
		if err := json.Unmarshal(f.D, &ident); err != nil {
			return err
		}
		c.in <- []byte(fmt.Sprintf(
			`{"op":0,"s":1,"t":"READY","d":{"v":10,"user":{"id":"1","username":"bot"},"guilds":[],"session_id":"s-%d","resume_gateway_url":"wss://resume.test"}}`,
			ident.Shard[0]))
	case codec.OpResume:
		c.in <- []byte(`{"op":0,"s":2,"t":"RESUMED","d":null}`)
	}
	return nil
}

func (c *autoConn) Close(int, string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fatalConn reports a close code on first read.
type fatalConn struct{ code int }

func (c fatalConn) ReadMessage() (codec.MessageKind, []byte, error) {
	return 0, nil, &transport.CloseError{Code: c.code}
}
func (fatalConn) WriteMessage(context.Context, []byte) error { return nil }
func (fatalConn) Close(int, string) error                    { return nil }

type autoDialer struct {
	dials     atomic.Int32
	fatalCode int
}

func (d *autoDialer) Dial(context.Context, string) (transport.Conn, error) {
	n := d.dials.Add(1)
	if d.fatalCode != 0 && n == 2 {
		return fatalConn{code: d.fatalCode}, nil
	}
	return newAutoConn(), nil
}

func template(d transport.Dialer) shard.Config {
	return shard.Config{
		Token:   "secret",
		Dialer:  d,
		Backoff: reconnect.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		Rand:    func() float64 { return 0.99 },
	}
}

func drain(f *Fleet) <-chan []shard.Event {
	out := make(chan []shard.Event, 1)
	go func() {
		var evs []shard.Event
		for ev := range f.Events() {
			evs = append(evs, ev)
		}
		out <- evs
	}()
	return out
}

func TestNew_ValidatesRange(t *testing.T) {
	tpl := template(&autoDialer{})
	for _, cfg := range []Config{
		{Template: tpl, First: 0, Last: 0, Total: 0},
		{Template: tpl, First: 2, Last: 1, Total: 4},
		{Template: tpl, First: 0, Last: 4, Total: 4},
		{Template: tpl, First: -1, Last: 0, Total: 4},
	} {
		_, err := New(cfg)
		assert.Error(t, err, "%+v", cfg)
	}

	_, err := New(Config{Template: shard.Config{}, First: 0, Last: 0, Total: 1})
	assert.Error(t, err)
}

func TestFleet_RunsRangeAndMergesEvents(t *testing.T) {
	d := &autoDialer{}
	f, err := New(Config{
		Template: template(d),
		First:    1,
		Last:     3,
		Total:    4,
		Gate:     NewGate(4, time.Millisecond),
	})
	require.NoError(t, err)
	require.Len(t, f.Shards(), 3)
	_, ok := f.Shard(0)
	assert.False(t, ok)

	events := drain(f)
	errc := make(chan error, 1)
	go func() { errc <- f.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		for _, info := range f.Info() {
			if info.Phase != shard.PhaseConnected {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond)

	for _, info := range f.Info() {
		assert.Equal(t, fmt.Sprintf("s-%d", info.ID.Index), info.SessionID)
		assert.Equal(t, 4, info.ID.Total)
	}

	snaps := f.CloseResumable()
	require.Len(t, snaps, 3)
	assert.Equal(t, "s-2", snaps[2].SessionID)

	require.NoError(t, <-errc)
	evs := <-events
	ready := map[int]bool{}
	for _, ev := range evs {
		if ev.Kind == shard.KindDispatch && ev.Name == "READY" {
			ready[ev.Shard.Index] = true
		}
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, ready)
}

func TestFleet_FatalShardStopsFleet(t *testing.T) {
	d := &autoDialer{fatalCode: reconnect.CloseInvalidShard}
	f, err := New(Config{
		Template: template(d),
		First:    0,
		Last:     1,
		Total:    2,
		Gate:     NewGate(2, time.Millisecond),
	})
	require.NoError(t, err)
	events := drain(f)

	err = f.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, gwerr.Fatal, gwerr.KindOf(err))
	assert.Contains(t, err.Error(), "close code 4010")
	<-events

	for _, s := range f.Shards() {
		assert.Equal(t, shard.PhaseShutdown, s.Phase())
	}
	require.NoError(t, f.Close())
}

func TestFleet_ContextCancelStops(t *testing.T) {
	store := session.NewMemoryStore()
	tpl := template(&autoDialer{})
	tpl.Store = store
	f, err := New(Config{Template: tpl, First: 0, Last: 0, Total: 1})
	require.NoError(t, err)
	events := drain(f)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.Run(ctx) }()

	s, ok := f.Shard(0)
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.Phase() == shard.PhaseConnected }, 3*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	<-events
	assert.ErrorIs(t, f.Run(context.Background()), ErrAlreadyRunning)
}

func TestGate_SpacesSameBucket(t *testing.T) {
	g := NewGate(1, 80*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, g.WaitIdentify(ctx, shard.ID{Index: 0, Total: 2}))
	require.NoError(t, g.WaitIdentify(ctx, shard.ID{Index: 1, Total: 2}))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestGate_SeparateBuckets(t *testing.T) {
	g := NewGate(2, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, g.WaitIdentify(ctx, shard.ID{Index: 0, Total: 2}))
	require.NoError(t, g.WaitIdentify(ctx, shard.ID{Index: 1, Total: 2}))

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.Error(t, g.WaitIdentify(short, shard.ID{Index: 2, Total: 4}))
}
