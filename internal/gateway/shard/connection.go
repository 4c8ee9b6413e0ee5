// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/ManuGH/shardline/internal/gateway/gwerr"
	"github.com/ManuGH/shardline/internal/gateway/heartbeat"
	"github.com/ManuGH/shardline/internal/gateway/reconnect"
	"github.com/ManuGH/shardline/internal/gateway/transport"
	xlog "github.com/ManuGH/shardline/internal/log"
	"github.com/ManuGH/shardline/internal/metrics"
	"github.com/ManuGH/shardline/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
)

// outcome describes how one connection ended.
type outcome struct {
	err       error
	code      int  // close code received, or the one we sent
	immediate bool // server asked for the reconnect; skip backoff
	shutdown  bool // owner stopped the shard
	zombied   bool
}

func (o outcome) class(kind gwerr.Kind, table *reconnect.CloseTable) string {
	switch {
	case o.zombied:
		return "zombied"
	case kind == gwerr.Protocol:
		return "protocol"
	case kind == gwerr.Fatal:
		return "fatal"
	default:
		return table.Classify(o.code).String()
	}
}

type gateResult struct {
	gen int
	err error
}

type inbound struct {
	kind codec.MessageKind
	data []byte
	err  error
}

// identifyStage tracks where a pending identify or resume is waiting.
type identifyStage int

const (
	stageIdle     identifyStage = iota
	stageDelay                  // invalid-session cool-down before the gate
	stageGate                   // waiting on the identify gate
	stageIdentify               // gate passed, waiting for a command slot
	stageResume                 // waiting for a command slot to resume
)

// connection is the state of one transport connection. It lives entirely on
// the shard loop goroutine except for the reader and the gate waiter.
type connection struct {
	s      *Shard
	tc     transport.Conn
	resume bool
	logger zerolog.Logger

	in         chan inbound
	stop       chan struct{}
	readerDone chan struct{}

	hb      *heartbeat.Manager
	hbTimer *time.Timer
	hbC     <-chan time.Time

	handshakeTimer *time.Timer
	handshakeC     <-chan time.Time

	stage         identifyStage
	identifyTimer *time.Timer
	identifyC     <-chan time.Time

	gateC      chan gateResult
	gateGen    int
	gateCancel context.CancelFunc
	gateWG     sync.WaitGroup

	closeCode int
}

// connect dials, runs one connection to completion and tears it down.
func (s *Shard) connect(ctx context.Context) outcome {
	snap, resume := s.state.Snapshot()
	attemptID := uuid.NewString()
	ctx = xlog.ContextWithAttemptID(ctx, attemptID)
	ctx, span := telemetry.StartConnect(ctx, s.id.Index, s.id.Total, resume, attemptID)
	defer span.End()
	logger := xlog.WithContext(ctx, s.logger)

	base := s.cfg.GatewayURL
	if resume && snap.ResumeURL != "" {
		base = snap.ResumeURL
	}
	url, err := transport.GatewayURL(base, s.cfg.APIVersion, s.cfg.Compression)
	if err != nil && base != s.cfg.GatewayURL {
		logger.Warn().Err(err).Msg("unusable resume url, using default gateway")
		url, err = transport.GatewayURL(s.cfg.GatewayURL, s.cfg.APIVersion, s.cfg.Compression)
	}
	if err != nil {
		return outcome{err: gwerr.New(gwerr.Fatal, "dial", err)}
	}

	logger.Info().Str(xlog.FieldURL, url).Bool(xlog.FieldResume, resume).Msg("connecting to gateway")
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	tc, err := s.dial(dialCtx, url)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return outcome{shutdown: true}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return outcome{err: gwerr.New(gwerr.Transport, "dial", err)}
	}

	s.decoder.Reset()
	if !resume {
		s.limiter.Reset()
	}
	s.fire(trEstablished)

	c := &connection{
		s:          s,
		tc:         tc,
		resume:     resume,
		logger:     logger,
		in:         make(chan inbound),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		gateC:      make(chan gateResult),
		closeCode:  reconnect.CloseNormal,
	}
	out := c.serve(ctx)

	span.SetAttributes(telemetry.OutcomeAttributes(outcomeName(out), out.code)...)
	if out.err != nil {
		span.RecordError(out.err)
	}
	return out
}

// dial runs the dialer off the loop so sends are refused, not parked, while
// the connection opens.
func (s *Shard) dial(ctx context.Context, url string) (transport.Conn, error) {
	type result struct {
		tc  transport.Conn
		err error
	}
	res := make(chan result, 1)
	go func() {
		tc, err := s.cfg.Dialer.Dial(ctx, url)
		res <- result{tc: tc, err: err}
	}()
	for {
		select {
		case r := <-res:
			return r.tc, r.err
		case req := <-s.sendCh:
			req.result <- ErrNotConnected
		}
	}
}

func outcomeName(o outcome) string {
	switch {
	case o.shutdown:
		return "shutdown"
	case o.zombied:
		return "zombied"
	case o.immediate:
		return "reconnect_requested"
	default:
		return gwerr.KindOf(o.err).String()
	}
}

func (c *connection) read() {
	defer close(c.readerDone)
	for {
		kind, data, err := c.tc.ReadMessage()
		select {
		case c.in <- inbound{kind: kind, data: data, err: err}:
		case <-c.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *connection) serve(ctx context.Context) outcome {
	go c.read()
	defer c.teardown()

	c.armHandshake()
	for {
		select {
		case <-ctx.Done():
			if c.s.keepSession.Load() {
				c.closeCode = reconnect.CloseUnknownError
			}
			return outcome{shutdown: true}

		case msg := <-c.in:
			if msg.err != nil {
				return c.readFailed(msg.err)
			}
			frame, err := c.s.decoder.Decode(msg.kind, msg.data)
			if err != nil {
				var de *codec.DecodeError
				if errors.As(err, &de) {
					metrics.RecordDecodeError(c.s.id.Index, de.Kind.String())
				}
				out, _ := c.protocolError("decode", err)
				return out
			}
			if frame == nil {
				continue
			}
			if out, done := c.handle(ctx, frame); done {
				return out
			}

		case <-c.hbC:
			if out, done := c.beat(ctx); done {
				return out
			}

		case req := <-c.s.sendCh:
			req.result <- c.writeCommand(ctx, req)

		case res := <-c.gateC:
			if out, done := c.gatePassed(ctx, res); done {
				return out
			}

		case <-c.identifyC:
			c.identifyC = nil
			if out, done := c.advanceIdentify(ctx); done {
				return out
			}

		case <-c.handshakeC:
			c.handshakeC = nil
			c.closeCode = reconnect.CloseUnknownError
			return outcome{
				err:  gwerr.New(gwerr.Transport, "handshake", fmt.Errorf("no session after %s in %s", c.s.cfg.HandshakeTimeout, c.s.Phase())),
				code: c.closeCode,
			}
		}
	}
}

// teardown closes the transport, joins the reader and the gate waiter and
// stops every timer. The next connection is dialed only after it returns.
func (c *connection) teardown() {
	if c.gateCancel != nil {
		c.gateCancel()
	}
	_ = c.tc.Close(c.closeCode, "")
	close(c.stop)
	<-c.readerDone
	c.gateWG.Wait()

	stopTimer(c.hbTimer)
	stopTimer(c.handshakeTimer)
	stopTimer(c.identifyTimer)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *connection) readFailed(err error) outcome {
	if code, ok := transport.CloseCode(err); ok {
		c.logger.Info().Int(xlog.FieldCloseCode, code).Msg("gateway closed connection")
		return outcome{err: gwerr.WithCode(gwerr.Transport, "read", code, err), code: code}
	}
	return outcome{err: gwerr.New(gwerr.Transport, "read", err)}
}

// protocolError ends the connection; the session is no longer trusted.
func (c *connection) protocolError(op string, err error) (outcome, bool) {
	c.closeCode = reconnect.CloseNormal
	return outcome{err: gwerr.New(gwerr.Protocol, op, err), code: c.closeCode}, true
}

// resumableClose ends the connection keeping the session valid server-side.
func (c *connection) resumableClose(op string, err error) outcome {
	c.closeCode = reconnect.CloseUnknownError
	return outcome{err: gwerr.New(gwerr.Transport, op, err), code: c.closeCode}
}

func (c *connection) writeCommand(ctx context.Context, req sendRequest) error {
	if c.s.Phase() != PhaseConnected {
		return ErrNotConnected
	}
	if d := c.s.limiter.TryAcquire(req.op); !d.Granted {
		return &RateLimitedError{RetryAfter: d.Wait}
	}
	if err := c.tc.WriteMessage(ctx, req.data); err != nil {
		return gwerr.New(gwerr.Transport, "write", err)
	}
	c.logger.Debug().Str(xlog.FieldOp, req.op.String()).Msg("command sent")
	return nil
}

// send encodes and writes an internal command. Callers have already passed the limiter.
func (c *connection) send(ctx context.Context, cmd codec.Command) error {
	data, err := codec.Encode(cmd)
	if err != nil {
		return err
	}
	if err := c.tc.WriteMessage(ctx, data); err != nil {
		return gwerr.New(gwerr.Transport, "write", err)
	}
	return nil
}

func (c *connection) armHandshake() {
	stopTimer(c.handshakeTimer)
	c.handshakeTimer = time.NewTimer(c.s.cfg.HandshakeTimeout)
	c.handshakeC = c.handshakeTimer.C
}

func (c *connection) disarmHandshake() {
	stopTimer(c.handshakeTimer)
	c.handshakeC = nil
}

func (c *connection) armHeartbeat(at time.Time) {
	stopTimer(c.hbTimer)
	c.hbTimer = time.NewTimer(time.Until(at))
	c.hbC = c.hbTimer.C
}

func (c *connection) armIdentify(stage identifyStage, after time.Duration) {
	stopTimer(c.identifyTimer)
	c.stage = stage
	c.identifyTimer = time.NewTimer(after)
	c.identifyC = c.identifyTimer.C
}

func (c *connection) beat(ctx context.Context) (outcome, bool) {
	now := time.Now()
	switch c.hb.Beat(now) {
	case heartbeat.Send:
		if d := c.s.limiter.TryAcquire(codec.OpHeartbeat); !d.Granted {
			// unreachable: heartbeats bypass the quota
			c.logger.Error().Msg("heartbeat refused by limiter")
		}
		if err := c.send(ctx, codec.HeartbeatCommand(c.sequence())); err != nil {
			return c.resumableClose("heartbeat", err), true
		}
		c.armHeartbeat(c.hb.Next())
		c.s.persistSession()
		return outcome{}, false
	default:
		c.logger.Warn().Dur("interval", c.hb.Interval()).Msg("heartbeat not acknowledged, connection zombied")
		out := c.resumableClose("heartbeat", errors.New("heartbeat not acknowledged"))
		out.zombied = true
		return out, true
	}
}

func (c *connection) sequence() *uint64 {
	seq, ok := c.s.state.Sequence()
	if !ok {
		return nil
	}
	return &seq
}
