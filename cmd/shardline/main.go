// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ManuGH/shardline/internal/config"
	"github.com/ManuGH/shardline/internal/discovery"
	"github.com/ManuGH/shardline/internal/eventfilter"
	"github.com/ManuGH/shardline/internal/fleet"
	"github.com/ManuGH/shardline/internal/gateway/shard"
	"github.com/ManuGH/shardline/internal/health"
	xlog "github.com/ManuGH/shardline/internal/log"
	"github.com/ManuGH/shardline/internal/standby"
	"github.com/ManuGH/shardline/internal/status"
	"github.com/ManuGH/shardline/internal/telemetry"
	"github.com/ManuGH/shardline/internal/version"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:], os.Stdout, os.Stderr))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:], os.Stdout, os.Stderr))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML), defaults to $"+envConfigPath)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Safe defaults until the config is loaded; events go to stdout so logs
	// are kept on stderr.
	xlog.Configure(xlog.Config{
		Level:   "info",
		Output:  os.Stderr,
		Service: "shardline",
		Version: version.Version,
	})
	logger := xlog.WithComponent("runner")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := resolveConfigPath(*configPath)
	loader := config.NewLoader(path, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", path).
			Msg("failed to load configuration")
	}

	xlog.Configure(xlog.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: cfg.Version,
	})
	logger.Info().
		Str("event", "config.loaded").
		Str("source", displayPath(path)).
		Strs("consumed_env", slices.Sorted(maps.Keys(loader.ConsumedEnvKeys))).
		Msg("configuration loaded")

	holder := config.NewHolder(cfg, loader)
	if err := run(ctx, holder, os.Stdout); err != nil {
		logger.Error().Err(err).Str("event", "runner.failed").Msg("shardline stopped")
		os.Exit(1)
	}
	logger.Info().Str("event", "runner.stopped").Msg("shardline stopped")
}

// run drives one fleet until ctx is cancelled or a shard fails fatally.
// Matching events are written to out as JSON lines.
func run(ctx context.Context, holder *config.Holder, out io.Writer) error {
	cfg := holder.Get()
	logger := xlog.WithComponent("runner")

	provider, err := telemetry.NewProvider(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	store, err := sessionStore(cfg.Session)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("session store close failed")
		}
	}()

	p, err := resolvePlan(ctx, cfg, discovery.New(cfg.APIURL, cfg.Token))
	if err != nil {
		return err
	}
	f, err := buildFleet(cfg, p, store)
	if err != nil {
		return err
	}

	var filter atomic.Pointer[eventfilter.Filter]
	initial, err := eventfilter.Compile(cfg.EventFilter)
	if err != nil {
		return err
	}
	filter.Store(initial)

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewShardChecker(f.Info, health.DefaultMaxAckAge))
	sb := standby.New()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Status.ListenAddr != "" {
		srv := status.New(status.Config{
			ListenAddr:     cfg.Status.ListenAddr,
			RequestLimit:   cfg.Status.RequestLimit,
			TracingService: tracingService(cfg),
		}, f, hm)
		g.Go(func() error { return srv.Run(gctx) })
	}

	updates := make(chan config.AppConfig, 1)
	holder.RegisterListener(updates)
	if err := holder.StartWatcher(gctx); err != nil {
		logger.Warn().Err(err).Msg("config watcher disabled")
	}
	defer holder.Stop()
	g.Go(func() error {
		applyUpdates(gctx, updates, &filter)
		return nil
	})

	g.Go(func() error {
		for ev := range sb.WaitForStream(gctx, standby.Lifecycle(shard.LifecycleConnected), 0) {
			logger.Info().
				Str(xlog.FieldShard, ev.Shard.String()).
				Str("event", "shard.ready").
				Msg("shard connected")
		}
		return nil
	})

	g.Go(func() error {
		return sink(f.Events(), out, &filter, sb)
	})

	g.Go(func() error {
		defer cancel()
		return runFleet(gctx, f, cfg.Session.Persistent())
	})

	return g.Wait()
}

// runFleet keeps the fleet independent of ctx so shutdown can choose between
// ending sessions and leaving them resumable.
func runFleet(ctx context.Context, f *fleet.Fleet, resumable bool) error {
	logger := xlog.WithComponent("runner")
	done := make(chan error, 1)
	go func() { done <- f.Run(context.WithoutCancel(ctx)) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	if resumable {
		snaps := f.CloseResumable()
		logger.Info().
			Int("resumable", len(snaps)).
			Str("event", "fleet.suspended").
			Msg("sessions kept for resume")
	} else {
		_ = f.Close()
	}
	return <-done
}

// sink drains the merged stream until the fleet closes it.
func sink(events <-chan shard.Event, out io.Writer, filter *atomic.Pointer[eventfilter.Filter], sb *standby.Standby) error {
	logger := xlog.WithComponent("sink")
	enc := json.NewEncoder(out)
	for ev := range events {
		sb.Process(ev)

		ok, err := filter.Load().Match(ev)
		if err != nil {
			logger.Debug().Err(err).Str(xlog.FieldEvent, ev.Name).Msg("filter evaluation failed")
			continue
		}
		if !ok {
			continue
		}
		if err := enc.Encode(toLine(ev)); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return nil
}

// applyUpdates applies the hot-reloadable parts of a new config.
func applyUpdates(ctx context.Context, updates <-chan config.AppConfig, filter *atomic.Pointer[eventfilter.Filter]) {
	logger := xlog.WithComponent("runner")
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			if err := xlog.SetLevel(cfg.LogLevel); err != nil {
				logger.Warn().Err(err).Msg("log level not applied")
			}
			if filter.Load().String() == cfg.EventFilter {
				continue
			}
			next, err := eventfilter.Compile(cfg.EventFilter)
			if err != nil {
				logger.Warn().Err(err).Msg("event filter not applied")
				continue
			}
			filter.Store(next)
			logger.Info().Str("filter", cfg.EventFilter).Msg("event filter replaced")
		}
	}
}

type eventLine struct {
	Shard int             `json:"shard"`
	Total int             `json:"total"`
	Kind  string          `json:"kind"`
	Name  string          `json:"name"`
	Op    int             `json:"op"`
	Seq   *uint64         `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func toLine(ev shard.Event) eventLine {
	l := eventLine{
		Shard: ev.Shard.Index,
		Total: ev.Shard.Total,
		Kind:  ev.Kind.String(),
		Name:  ev.Name,
		Op:    int(ev.Op),
		Data:  ev.Data,
	}
	if ev.HasSeq {
		seq := ev.Seq
		l.Seq = &seq
	}
	return l
}

func tracingService(cfg config.AppConfig) string {
	if !cfg.Telemetry.Enabled {
		return ""
	}
	return cfg.LogService
}
