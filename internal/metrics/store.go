// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shardline_session_store_breaker_state",
		Help: "Session store breaker state per backend (active state=1, others 0)",
	}, []string{"backend", "state"})

	storeBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardline_session_store_breaker_trips_total",
		Help: "Times the session store breaker opened",
	}, []string{"backend", "reason"}) // reason=consecutive_failures|trial_failed

	storeRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardline_session_store_rejected_total",
		Help: "Session store calls refused while the breaker was open",
	}, []string{"backend"})
)

// BreakerStates lists the breaker state labels.
var BreakerStates = []string{"closed", "half-open", "open"}

// SetStoreBreakerState marks state as the active breaker state of backend.
func SetStoreBreakerState(backend, state string) {
	for _, s := range BreakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		storeBreakerState.WithLabelValues(backend, s).Set(v)
	}
}

func RecordStoreBreakerTrip(backend, reason string) {
	storeBreakerTrips.WithLabelValues(backend, reason).Inc()
}

// RecordStoreRejected counts a Load, Save or Delete that never reached backend.
func RecordStoreRejected(backend string) {
	storeRejected.WithLabelValues(backend).Inc()
}
