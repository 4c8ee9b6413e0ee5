// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/ManuGH/shardline/internal/gateway/transport"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

var errConnClosed = errors.New("fake connection closed")

type serverMsg struct {
	kind codec.MessageKind
	data []byte
}

// fakeConn is the gateway side of one connection.
type fakeConn struct {
	url        string
	toClient   chan serverMsg
	fromClient chan []byte
	remote     chan int
	closed     chan struct{}
	closeOnce  sync.Once
	closeCode  atomic.Int64
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{
		url:        url,
		toClient:   make(chan serverMsg, 64),
		fromClient: make(chan []byte, 256),
		remote:     make(chan int, 1),
		closed:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (codec.MessageKind, []byte, error) {
	select {
	case m := <-c.toClient:
		return m.kind, m.data, nil
	case code := <-c.remote:
		return 0, nil, &transport.CloseError{Code: code}
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.fromClient <- append([]byte(nil), data...):
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

func (c *fakeConn) Close(code int, _ string) error {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int64(code))
		close(c.closed)
	})
	return nil
}

// serverClose simulates the gateway closing with code.
func (c *fakeConn) serverClose(code int) { c.remote <- code }

func (c *fakeConn) send(t *testing.T, op codec.Opcode, seq *uint64, name string, d any) {
	t.Helper()
	env := map[string]any{"op": int(op), "d": d}
	if seq != nil {
		env["s"] = *seq
		env["t"] = name
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	c.toClient <- serverMsg{kind: codec.TextMessage, data: data}
}

func (c *fakeConn) hello(t *testing.T, intervalMS int, resumeURL string) {
	t.Helper()
	d := map[string]any{"heartbeat_interval": intervalMS}
	if resumeURL != "" {
		d["resume_gateway_url"] = resumeURL
	}
	c.send(t, codec.OpHello, nil, "", d)
}

func (c *fakeConn) dispatch(t *testing.T, seq uint64, name string, d any) {
	t.Helper()
	c.send(t, codec.OpDispatch, &seq, name, d)
}

func (c *fakeConn) ready(t *testing.T, seq uint64, sessionID, resumeURL string) {
	t.Helper()
	c.dispatch(t, seq, "READY", map[string]any{
		"v":                  10,
		"user":               map[string]any{"id": "1", "username": "bot"},
		"guilds":             []any{},
		"session_id":         sessionID,
		"resume_gateway_url": resumeURL,
	})
}

type clientFrame struct {
	Op codec.Opcode    `json:"op"`
	D  json.RawMessage `json:"d"`
}

// expect returns the next client frame with op, skipping heartbeats unless
// op is a heartbeat.
func (c *fakeConn) expect(t *testing.T, op codec.Opcode) clientFrame {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-c.fromClient:
			var f clientFrame
			require.NoError(t, json.Unmarshal(data, &f))
			if f.Op == codec.OpHeartbeat && op != codec.OpHeartbeat {
				continue
			}
			require.Equal(t, op, f.Op, "unexpected frame %s", data)
			return f
		case <-deadline:
			t.Fatalf("timed out waiting for %s", op)
			return clientFrame{}
		}
	}
}

// expectNone asserts no non-heartbeat frame arrives within d.
func (c *fakeConn) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case data := <-c.fromClient:
			var f clientFrame
			require.NoError(t, json.Unmarshal(data, &f))
			if f.Op != codec.OpHeartbeat {
				t.Fatalf("unexpected frame %s", data)
			}
		case <-deadline:
			return
		}
	}
}

func (c *fakeConn) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-c.closed:
		return int(c.closeCode.Load())
	case <-time.After(waitFor):
		t.Fatal("connection was not closed")
		return 0
	}
}

// fakeDialer hands out a new fakeConn per Dial.
type fakeDialer struct {
	mu    sync.Mutex
	fail  error
	hold  chan struct{} // when set, Dial blocks until it is closed
	conns chan *fakeConn
	count atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.count.Add(1)
	d.mu.Lock()
	fail, hold := d.fail, d.hold
	d.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	c := newFakeConn(url)
	select {
	case d.conns <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection dialed")
		return nil
	}
}

// countingGate records identify slot requests.
type countingGate struct {
	calls atomic.Int32
	err   error
}

func (g *countingGate) WaitIdentify(ctx context.Context, _ ID) error {
	g.calls.Add(1)
	if g.err != nil {
		return g.err
	}
	return ctx.Err()
}

// eventLog drains a shard's stream in the background.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collect(s *Shard) *eventLog {
	l := &eventLog{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for ev := range s.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) count(kind EventKind, name string) int {
	n := 0
	for _, ev := range l.snapshot() {
		if ev.Kind == kind && ev.Name == name {
			n++
		}
	}
	return n
}

func (l *eventLog) names() []string {
	var out []string
	for _, ev := range l.snapshot() {
		out = append(out, fmt.Sprintf("%s:%s", ev.Kind, ev.Name))
	}
	return out
}
