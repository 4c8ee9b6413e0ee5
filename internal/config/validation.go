// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/ManuGH/shardline/internal/validate"
)

var (
	sessionBackends = []string{"memory", "file", "redis", "sqlite"}
	exporters       = []string{"grpc", "http"}
	eventFlagNames  = []string{
		"all", "dispatch", "lifecycle", "connecting", "identifying", "resuming",
		"connected", "disconnected", "reconnecting", "invalid_session", "shutdown",
	}
)

// Validate checks cfg and reports every invalid field at once.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.NotEmpty("token", cfg.Token)
	if cfg.GatewayURL != "" {
		v.URL("gatewayURL", cfg.GatewayURL, []string{"ws", "wss"})
	}
	if cfg.APIURL != "" {
		v.URL("apiURL", cfg.APIURL, []string{"http", "https"})
	}
	v.Range("apiVersion", cfg.APIVersion, 6, 10)
	if _, err := codec.ParseCompression(cfg.Compression); err != nil {
		v.AddError("compression", err.Error(), cfg.Compression)
	}
	if _, err := codec.ParseIntents(cfg.Intents); err != nil {
		v.AddError("intents", err.Error(), cfg.Intents)
	}
	if cfg.LargeThreshold != 0 {
		v.Range("largeThreshold", cfg.LargeThreshold, 50, 250)
	}
	v.NonNegative("maxMessageSize", cfg.MaxMessageSize)

	validateShards(v, cfg.Shards)
	v.NonNegative("identifyConcurrency", cfg.IdentifyConcurrency)
	if p := cfg.Presence; p != nil {
		if _, err := p.Presence(); err != nil {
			v.AddError("presence", err.Error(), p.Status)
		}
	}

	v.Duration("handshakeTimeout", cfg.HandshakeTimeout, time.Second, 5*time.Minute)
	v.Positive("commandLimit.capacity", cfg.CommandLimit.Capacity)
	v.Duration("commandLimit.period", cfg.CommandLimit.Period, time.Second, 0)
	v.Duration("backoff.initial", cfg.Backoff.Initial, time.Millisecond, 0)
	v.Duration("backoff.max", cfg.Backoff.Max, cfg.Backoff.Initial, 0)
	v.NonNegative("backoff.burstFailures", cfg.Backoff.BurstFailures)
	v.Duration("backoff.burstWindow", cfg.Backoff.BurstWindow, 0, 0)

	validateSession(v, cfg.Session)

	for _, f := range cfg.EventFlags {
		v.OneOf("eventFlags", strings.ToLower(f), eventFlagNames)
	}
	v.LogLevel("logLevel", cfg.LogLevel)

	if cfg.Status.ListenAddr != "" {
		v.ListenAddr("status.listenAddr", cfg.Status.ListenAddr)
		v.NonNegative("status.requestLimit", cfg.Status.RequestLimit)
	}

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, exporters)
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		v.Fraction("telemetry.samplingRate", cfg.Telemetry.SamplingRate)
	}

	return v.Err()
}

func validateShards(v *validate.Validator, s ShardsConfig) {
	v.NonNegative("shards.total", s.Total)
	v.NonNegative("shards.first", s.First)
	if s.Last != -1 && s.Last < s.First {
		v.AddError("shards.last", fmt.Sprintf("must be -1 or >= first (%d), got %d", s.First, s.Last), s.Last)
	}
	if s.Total > 0 {
		if s.First >= s.Total {
			v.AddError("shards.first", fmt.Sprintf("must be below total (%d), got %d", s.Total, s.First), s.First)
		}
		if s.Last >= s.Total {
			v.AddError("shards.last", fmt.Sprintf("must be below total (%d), got %d", s.Total, s.Last), s.Last)
		}
	}
}

func validateSession(v *validate.Validator, s SessionConfig) {
	v.OneOf("session.backend", s.Backend, sessionBackends)
	switch s.Backend {
	case "file":
		v.Directory("session.path", s.Path, false)
	case "sqlite":
		v.NotEmpty("session.path", s.Path)
	case "redis":
		v.NotEmpty("session.redisAddr", s.RedisAddr)
		v.NonNegative("session.redisDB", s.RedisDB)
	}
	v.Duration("session.ttl", s.TTL, 0, 0)
}

// Presence converts the config into the gateway presence payload.
func (p PresenceConfig) Presence() (codec.Presence, error) {
	out := codec.Presence{Status: codec.Status(strings.ToLower(p.Status)), AFK: p.AFK}
	if p.ActivityName != "" {
		out.Activities = []codec.Activity{{
			Name: p.ActivityName,
			Type: codec.ActivityType(p.ActivityType),
			URL:  p.ActivityURL,
		}}
	}
	if err := codec.ValidatePresence(out); err != nil {
		return codec.Presence{}, err
	}
	return out, nil
}

// ShardRange resolves First and Last against a known total.
func (s ShardsConfig) ShardRange(total int) (first, last int) {
	last = s.Last
	if last < 0 || last >= total {
		last = total - 1
	}
	return s.First, last
}
