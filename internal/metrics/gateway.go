// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	shardPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shardline_shard_phase",
		Help: "Current connection phase per shard (active phase=1, others 0)",
	}, []string{"shard", "phase"})

	shardReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardline_reconnects_total",
		Help: "Reconnects by close classification",
	}, []string{"shard", "class"}) // class=resumable|non_resumable|fatal|protocol|zombied

	sessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardline_sessions_started_total",
		Help: "Handshakes sent by mode",
	}, []string{"shard", "mode"}) // mode=identify|resume

	heartbeatLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardline_heartbeat_latency_seconds",
		Help:    "Round-trip time between heartbeat and acknowledgement",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"shard"})

	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardline_dispatch_total",
		Help: "Dispatch frames received",
	}, []string{"shard"})

	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardline_decode_errors_total",
		Help: "Inbound frames that failed to decode",
	}, []string{"shard", "kind"}) // kind=compression|malformed

	gatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardline_gateway_errors_total",
		Help: "Classified gateway failures",
	}, []string{"shard", "kind"})
)

// Phases lists every connection phase label, in declaration order.
var Phases = []string{
	"disconnected", "connecting", "waiting_hello", "identifying",
	"resuming", "connected", "reconnecting", "shutdown",
}

func shardLabel(index int) string { return strconv.Itoa(index) }

// SetShardPhase marks phase as the active one for a shard.
func SetShardPhase(index int, phase string) {
	label := shardLabel(index)
	for _, p := range Phases {
		value := 0.0
		if p == phase {
			value = 1.0
		}
		shardPhase.WithLabelValues(label, p).Set(value)
	}
}

// RecordReconnect counts a reconnect decision.
func RecordReconnect(index int, class string) {
	shardReconnects.WithLabelValues(shardLabel(index), class).Inc()
}

// RecordSessionStart counts an identify or resume being sent.
func RecordSessionStart(index int, mode string) {
	sessionsStarted.WithLabelValues(shardLabel(index), mode).Inc()
}

// ObserveHeartbeatLatency records one acknowledged heartbeat.
func ObserveHeartbeatLatency(index int, rtt time.Duration) {
	heartbeatLatency.WithLabelValues(shardLabel(index)).Observe(rtt.Seconds())
}

// IncDispatch counts one dispatch frame.
func IncDispatch(index int) {
	dispatchTotal.WithLabelValues(shardLabel(index)).Inc()
}

// RecordDecodeError counts an undecodable frame.
func RecordDecodeError(index int, kind string) {
	decodeErrors.WithLabelValues(shardLabel(index), kind).Inc()
}

// RecordGatewayError counts a classified failure.
func RecordGatewayError(index int, kind string) {
	gatewayErrors.WithLabelValues(shardLabel(index), kind).Inc()
}
