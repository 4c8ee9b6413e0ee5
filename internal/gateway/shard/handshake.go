// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/ManuGH/shardline/internal/gateway/gwerr"
	"github.com/ManuGH/shardline/internal/gateway/heartbeat"
	xlog "github.com/ManuGH/shardline/internal/log"
	"github.com/ManuGH/shardline/internal/metrics"
)

const (
	dispatchReady   = "READY"
	dispatchResumed = "RESUMED"

	invalidSessionMinDelay = time.Second
	invalidSessionJitter   = 4 * time.Second
)

// handle applies one inbound frame. done reports that the connection ends.
func (c *connection) handle(ctx context.Context, f *codec.Frame) (outcome, bool) {
	if c.hb == nil && f.Op != codec.OpHello {
		return c.protocolError("handshake", fmt.Errorf("expected %s as first frame, got %s", codec.OpHello, f.Op))
	}

	switch f.Op {
	case codec.OpHello:
		return c.hello(ctx, f)
	case codec.OpDispatch:
		return c.dispatch(ctx, f)
	case codec.OpHeartbeat:
		c.hb.Requested(time.Now())
		if err := c.send(ctx, codec.HeartbeatCommand(c.sequence())); err != nil {
			return c.resumableClose("heartbeat", err), true
		}
	case codec.OpHeartbeatAck:
		if rtt, ok := c.hb.Ack(time.Now()); ok {
			metrics.ObserveHeartbeatLatency(c.s.id.Index, rtt)
			c.logger.Trace().Dur(xlog.FieldLatency, rtt).Msg("heartbeat acknowledged")
		}
	case codec.OpReconnect:
		c.logger.Info().Msg("gateway requested reconnect")
		out := c.resumableClose("reconnect", errors.New("reconnect requested"))
		out.immediate = true
		return out, true
	case codec.OpInvalidSession:
		var resumable bool
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &resumable); err != nil {
				return c.protocolError("invalid_session", err)
			}
		}
		return c.invalidSession(ctx, resumable)
	default:
		return c.protocolError("read", fmt.Errorf("unexpected opcode %s", f.Op))
	}
	return outcome{}, false
}

func (c *connection) hello(ctx context.Context, f *codec.Frame) (outcome, bool) {
	if c.hb != nil {
		c.logger.Warn().Msg("ignoring repeated hello")
		return outcome{}, false
	}
	var h codec.Hello
	if err := f.Unmarshal(&h); err != nil {
		return c.protocolError("hello", err)
	}
	if h.HeartbeatInterval == 0 {
		return c.protocolError("hello", errors.New("zero heartbeat interval"))
	}
	c.s.state.SetResumeURL(h.ResumeGatewayURL)

	interval := time.Duration(h.HeartbeatInterval) * time.Millisecond
	c.hb = heartbeat.New(interval, c.s.rand)
	c.s.setHeartbeat(c.hb)
	c.armHeartbeat(c.hb.Start(time.Now()))
	c.logger.Debug().Dur("interval", interval).Msg("hello received")

	if c.resume {
		c.s.fire(trHelloResume)
		c.s.lifecycle(LifecycleResuming)
		return c.sendResume(ctx)
	}
	c.s.fire(trHelloIdentify)
	c.s.lifecycle(LifecycleIdentifying)
	return c.beginIdentify(ctx, 0)
}

// beginIdentify starts the identify sequence: optional delay, gate, command
// slot, send. Heartbeats keep running while any step waits.
func (c *connection) beginIdentify(ctx context.Context, delay time.Duration) (outcome, bool) {
	if delay > 0 {
		c.armIdentify(stageDelay, delay)
		return outcome{}, false
	}
	return c.waitGate(ctx)
}

// waitGate asks the identify gate for a slot without blocking the loop. A
// result from an earlier, superseded wait is recognised by its generation.
func (c *connection) waitGate(ctx context.Context) (outcome, bool) {
	gate := c.s.cfg.Gate
	if gate == nil {
		c.stage = stageIdentify
		return c.sendIdentify(ctx)
	}
	if c.gateCancel != nil {
		c.gateCancel()
	}
	c.stage = stageGate
	c.gateGen++
	gen := c.gateGen
	gctx, cancel := context.WithCancel(ctx)
	c.gateCancel = cancel
	c.gateWG.Add(1)
	go func() {
		defer c.gateWG.Done()
		err := gate.WaitIdentify(gctx, c.s.id)
		select {
		case c.gateC <- gateResult{gen: gen, err: err}:
		case <-gctx.Done():
		}
	}()
	return outcome{}, false
}

func (c *connection) gatePassed(ctx context.Context, res gateResult) (outcome, bool) {
	if res.gen != c.gateGen || c.stage != stageGate {
		return outcome{}, false
	}
	c.gateCancel()
	c.gateCancel = nil
	if res.err != nil {
		if isCanceled(res.err) && ctx.Err() != nil {
			return outcome{}, false
		}
		return c.resumableClose("identify_gate", res.err), true
	}
	c.stage = stageIdentify
	return c.sendIdentify(ctx)
}

func (c *connection) advanceIdentify(ctx context.Context) (outcome, bool) {
	switch c.stage {
	case stageDelay:
		return c.waitGate(ctx)
	case stageIdentify:
		return c.sendIdentify(ctx)
	case stageResume:
		return c.sendResume(ctx)
	}
	return outcome{}, false
}

func (c *connection) sendIdentify(ctx context.Context) (outcome, bool) {
	if d := c.s.limiter.TryAcquire(codec.OpIdentify); !d.Granted {
		c.logger.Debug().Dur("retry_after", d.Wait).Msg("identify waiting for command slot")
		c.armIdentify(stageIdentify, d.Wait)
		return outcome{}, false
	}
	cfg := c.s.cfg
	cmd := codec.IdentifyCommand(codec.Identify{
		Token:          cfg.Token,
		Properties:     cfg.Properties,
		Compress:       cfg.Compression == codec.CompressionPayload,
		LargeThreshold: cfg.LargeThreshold,
		Shard:          [2]int{c.s.id.Index, c.s.id.Total},
		Presence:       cfg.Presence,
		Intents:        cfg.Intents,
	})
	if err := c.send(ctx, cmd); err != nil {
		return c.resumableClose("identify", err), true
	}
	c.stage = stageIdle
	metrics.RecordSessionStart(c.s.id.Index, "identify")
	c.logger.Info().Msg("identify sent")
	return outcome{}, false
}

func (c *connection) sendResume(ctx context.Context) (outcome, bool) {
	snap, ok := c.s.state.Snapshot()
	if !ok {
		return c.protocolError("resume", errors.New("no session to resume"))
	}
	if d := c.s.limiter.TryAcquire(codec.OpResume); !d.Granted {
		c.armIdentify(stageResume, d.Wait)
		return outcome{}, false
	}
	cmd := codec.ResumeCommand(codec.Resume{
		Token:     c.s.cfg.Token,
		SessionID: snap.SessionID,
		Seq:       snap.Sequence,
	})
	if err := c.send(ctx, cmd); err != nil {
		return c.resumableClose("resume", err), true
	}
	c.stage = stageIdle
	metrics.RecordSessionStart(c.s.id.Index, "resume")
	c.logger.Info().
		Str(xlog.FieldSessionID, snap.SessionID).
		Uint64(xlog.FieldSeq, snap.Sequence).
		Msg("resume sent")
	return outcome{}, false
}

// dispatch records the sequence before the event is queued outward.
func (c *connection) dispatch(ctx context.Context, f *codec.Frame) (outcome, bool) {
	if err := c.s.state.RecordDispatch(f.Seq); err != nil {
		return c.protocolError("dispatch", err)
	}
	metrics.IncDispatch(c.s.id.Index)

	phase := c.s.Phase()
	switch {
	case f.Type == dispatchReady && phase == PhaseIdentifying:
		var r codec.Ready
		if err := f.Unmarshal(&r); err != nil {
			return c.protocolError("ready", err)
		}
		if r.SessionID == "" {
			return c.protocolError("ready", errors.New("ready without session id"))
		}
		c.s.state.Establish(r.SessionID, r.ResumeGatewayURL)
		c.connected(trReady)
		c.logger.Info().Str(xlog.FieldSessionID, r.SessionID).Msg("session established")
	case f.Type == dispatchResumed && phase == PhaseResuming:
		c.connected(trResumed)
		c.logger.Info().Uint64(xlog.FieldSeq, f.Seq).Msg("session resumed")
	}

	c.s.emit(Event{
		Kind:   KindDispatch,
		Op:     f.Op,
		Name:   f.Type,
		Seq:    f.Seq,
		HasSeq: true,
		Data:   f.Data,
	})
	return outcome{}, false
}

func (c *connection) connected(tr trigger) {
	c.disarmHandshake()
	c.s.fire(tr)
	c.s.backoff.Reset()
	c.s.lifecycle(LifecycleConnected)
	c.s.persistSession()
}

// invalidSession handles op 9. A resumable rejection of a live session
// reconnects and resumes; everything else identifies again on this connection
// after a random 1-5s pause.
func (c *connection) invalidSession(ctx context.Context, resumable bool) (outcome, bool) {
	metrics.RecordGatewayError(c.s.id.Index, gwerr.SessionRejected.String())
	if resumable && c.s.Phase() == PhaseConnected {
		if _, ok := c.s.state.Snapshot(); ok {
			c.logger.Info().Msg("session invalidated as resumable, reconnecting")
			return c.resumableClose("invalid_session", gwerr.New(gwerr.SessionRejected, "invalid_session", errors.New("resumable"))), true
		}
	}

	c.logger.Info().Bool("resumable", resumable).Str("phase", string(c.s.Phase())).Msg("session invalidated, identifying again")
	c.s.invalidateSession()
	c.s.fire(trInvalidSession)
	c.s.lifecycle(LifecycleInvalidSession)
	c.s.lifecycle(LifecycleIdentifying)
	c.armHandshake()

	delay := invalidSessionMinDelay + time.Duration(c.s.rand()*float64(invalidSessionJitter))
	return c.beginIdentify(ctx, delay)
}
