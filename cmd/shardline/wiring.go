// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuGH/shardline/internal/config"
	"github.com/ManuGH/shardline/internal/discovery"
	"github.com/ManuGH/shardline/internal/fleet"
	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/ManuGH/shardline/internal/gateway/reconnect"
	"github.com/ManuGH/shardline/internal/gateway/session"
	"github.com/ManuGH/shardline/internal/gateway/shard"
	xlog "github.com/ManuGH/shardline/internal/log"
	"github.com/ManuGH/shardline/internal/ratelimit"
	"github.com/ManuGH/shardline/internal/telemetry"
	"go.opentelemetry.io/otel/codes"
)

// gatewayDiscoverer is satisfied by *discovery.Client.
type gatewayDiscoverer interface {
	GatewayBot(ctx context.Context) (discovery.GatewayBot, error)
}

// plan is the resolved shard layout for this process.
type plan struct {
	GatewayURL     string
	First, Last    int
	Total          int
	MaxConcurrency int
}

// resolvePlan fills in whatever the config leaves open from the REST API.
// Discovery is skipped when the config pins total, concurrency and URL.
// A failed lookup is fatal only when the shard total is unknown.
func resolvePlan(ctx context.Context, cfg config.AppConfig, disc gatewayDiscoverer) (plan, error) {
	logger := xlog.WithComponent("wiring")
	p := plan{
		GatewayURL:     cfg.GatewayURL,
		Total:          cfg.Shards.Total,
		MaxConcurrency: cfg.IdentifyConcurrency,
	}
	remaining := -1

	if p.Total == 0 || p.MaxConcurrency == 0 || p.GatewayURL == "" {
		ctx, span := telemetry.Tracer("shardline/discovery").Start(ctx, "gateway.discover")
		bot, err := disc.GatewayBot(ctx)
		if err != nil {
			span.SetAttributes(telemetry.ErrorAttributes(err, "discovery")...)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(telemetry.DiscoveryAttributes(bot.Shards, bot.SessionStartLimit.MaxConcurrency)...)
		}
		span.End()

		switch {
		case err != nil && p.Total == 0:
			return plan{}, fmt.Errorf("discover shard count: %w", err)
		case err != nil:
			logger.Warn().Err(err).Msg("gateway discovery failed, using configured values")
		default:
			if p.Total == 0 {
				p.Total = bot.Shards
			}
			if p.MaxConcurrency == 0 {
				p.MaxConcurrency = bot.SessionStartLimit.MaxConcurrency
			}
			if p.GatewayURL == "" {
				p.GatewayURL = bot.URL
			}
			remaining = bot.SessionStartLimit.Remaining
			logger.Info().
				Int("recommended_shards", bot.Shards).
				Int("max_concurrency", bot.SessionStartLimit.MaxConcurrency).
				Int("remaining", bot.SessionStartLimit.Remaining).
				Dur("reset_in", bot.SessionStartLimit.ResetIn()).
				Msg("gateway discovered")
		}
	}
	if p.MaxConcurrency < 1 {
		p.MaxConcurrency = 1
	}
	if p.GatewayURL == "" {
		p.GatewayURL = shard.DefaultGatewayURL
	}

	p.First, p.Last = cfg.Shards.ShardRange(p.Total)
	if p.First > p.Last {
		return plan{}, fmt.Errorf("shard range %d..%d is empty for total %d", cfg.Shards.First, cfg.Shards.Last, p.Total)
	}
	if n := p.Last - p.First + 1; remaining >= 0 && remaining < n {
		logger.Warn().
			Int("remaining", remaining).
			Int("shards", n).
			Msg("session start budget is lower than the shard count")
	}
	return p, nil
}

// shardTemplate translates the config into the per-shard template. ID and
// Gate are filled in by the fleet.
func shardTemplate(cfg config.AppConfig, gatewayURL string, store session.Store) (shard.Config, error) {
	compression, err := codec.ParseCompression(cfg.Compression)
	if err != nil {
		return shard.Config{}, err
	}
	intents, err := codec.ParseIntents(cfg.Intents)
	if err != nil {
		return shard.Config{}, err
	}

	var presence *codec.Presence
	if cfg.Presence != nil {
		p, err := cfg.Presence.Presence()
		if err != nil {
			return shard.Config{}, fmt.Errorf("presence: %w", err)
		}
		presence = &p
	}

	var flags shard.EventFlags
	if len(cfg.EventFlags) > 0 {
		names := make([]string, len(cfg.EventFlags))
		for i, n := range cfg.EventFlags {
			names[i] = strings.ToLower(n)
		}
		var ok bool
		if flags, ok = shard.ParseEventFlags(names); !ok {
			return shard.Config{}, errors.New("unknown event flag")
		}
	}

	backoff := reconnect.DefaultConfig()
	backoff.Initial = cfg.Backoff.Initial
	backoff.Max = cfg.Backoff.Max
	backoff.BurstFailures = cfg.Backoff.BurstFailures
	backoff.BurstWindow = cfg.Backoff.BurstWindow

	return shard.Config{
		Token:            cfg.Token,
		GatewayURL:       gatewayURL,
		APIVersion:       cfg.APIVersion,
		Compression:      compression,
		Intents:          intents,
		LargeThreshold:   cfg.LargeThreshold,
		Presence:         presence,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxMessageSize:   cfg.MaxMessageSize,
		CommandLimit:     ratelimit.Config{Capacity: cfg.CommandLimit.Capacity, Period: cfg.CommandLimit.Period},
		Backoff:          backoff,
		EventFlags:       flags,
		Store:            store,
	}, nil
}

// buildFleet wires the resolved plan and config into a fleet.
func buildFleet(cfg config.AppConfig, p plan, store session.Store) (*fleet.Fleet, error) {
	tpl, err := shardTemplate(cfg, p.GatewayURL, store)
	if err != nil {
		return nil, err
	}
	return fleet.New(fleet.Config{
		Template: tpl,
		First:    p.First,
		Last:     p.Last,
		Total:    p.Total,
		Gate:     fleet.NewGate(p.MaxConcurrency, ratelimit.DefaultIdentifyInterval),
	})
}

func sessionStore(cfg config.SessionConfig) (session.Store, error) {
	return session.NewStore(session.StoreConfig{
		Backend:       cfg.Backend,
		Path:          cfg.Path,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		TTL:           cfg.TTL,
	})
}

func telemetryConfig(cfg config.AppConfig) telemetry.Config {
	return telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.LogService,
		ServiceVersion: cfg.Version,
		Environment:    "production",
		Insecure:       cfg.Telemetry.Insecure,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	}
}
