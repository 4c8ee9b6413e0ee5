// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package status serves the operator HTTP surface: health probes, Prometheus
// metrics and a JSON view of every shard.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/shard"
	"github.com/ManuGH/shardline/internal/health"
	xlog "github.com/ManuGH/shardline/internal/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultRequestLimit = 120
	defaultWindow       = time.Minute
	shutdownTimeout     = 5 * time.Second
	readHeaderTimeout   = 5 * time.Second
)

// Source supplies shard snapshots. *fleet.Fleet satisfies it.
type Source interface {
	Info() []shard.Info
}

// Config configures the status server.
type Config struct {
	ListenAddr   string
	RequestLimit int // per client IP and window on /shards
	Window       time.Duration
	// TracingService enables otelhttp spans when non-empty.
	TracingService string
}

// ShardStatus is the JSON view of one shard.
type ShardStatus struct {
	Index             int        `json:"index"`
	Total             int        `json:"total"`
	Phase             string     `json:"phase"`
	SessionID         string     `json:"session_id,omitempty"`
	Sequence          *uint64    `json:"sequence,omitempty"`
	LatencyMillis     float64    `json:"latency_ms"`
	Heartbeats        uint64     `json:"heartbeats"`
	LastAck           *time.Time `json:"last_ack,omitempty"`
	AvailableCommands int        `json:"available_commands"`
}

// Server is the status HTTP server.
type Server struct {
	cfg     Config
	src     Source
	health  *health.Manager
	handler http.Handler
	logger  zerolog.Logger
}

// New builds the router. The server does not listen until Run.
func New(cfg Config, src Source, hm *health.Manager) *Server {
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = defaultRequestLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	s := &Server{
		cfg:    cfg,
		src:    src,
		health: hm,
		logger: xlog.WithComponent("status"),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(Metrics())
	if s.cfg.TracingService != "" {
		r.Use(Tracing(s.cfg.TracingService))
	}
	r.Use(AccessLog())

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(RateLimitConfig{RequestLimit: s.cfg.RequestLimit, WindowSize: s.cfg.Window}))
		r.Get("/shards", s.listShards)
		r.Get("/shards/{index}", s.getShard)
	})
	return r
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on ListenAddr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("status server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("status server stopped")
	return nil
}

func (s *Server) listShards(w http.ResponseWriter, _ *http.Request) {
	infos := s.src.Info()
	out := make([]ShardStatus, 0, len(infos))
	for _, in := range infos {
		out = append(out, toStatus(in))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getShard(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid shard index"})
		return
	}
	for _, in := range s.src.Info() {
		if in.ID.Index == idx {
			s.writeJSON(w, http.StatusOK, toStatus(in))
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "shard not managed here"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func toStatus(in shard.Info) ShardStatus {
	st := ShardStatus{
		Index:             in.ID.Index,
		Total:             in.ID.Total,
		Phase:             string(in.Phase),
		SessionID:         in.SessionID,
		LatencyMillis:     float64(in.Latency.Average) / float64(time.Millisecond),
		Heartbeats:        in.Latency.Beats,
		AvailableCommands: in.AvailableCommands,
	}
	if in.HasSequence {
		seq := in.Sequence
		st.Sequence = &seq
	}
	if !in.Latency.LastAck.IsZero() {
		ack := in.Latency.LastAck
		st.LastAck = &ack
	}
	return st
}
