/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storeplay_api_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storeplay_api_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storeplay_api_active_connections",
		Help: "In-flight HTTP requests.",
	})

	PlayerConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storeplay_player_connections_active",
		Help: "Connected players by transport.",
	}, []string{"transport"})
)

// Scheduling
var (
	ResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storeplay_resolve_total",
		Help: "Schedule resolutions by result (matched, none).",
	}, []string{"result"})

	SnapshotRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storeplay_snapshot_refresh_total",
		Help: "Rule snapshot rebuilds by result.",
	}, []string{"result"})

	SnapshotRuleErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storeplay_snapshot_rule_errors",
		Help: "Malformed rules skipped in the current snapshot.",
	})
)

// Sessions
var (
	ControlLoopTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storeplay_control_loop_ticks_total",
		Help: "Scheduling ticks processed across all stores.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storeplay_sessions_active",
		Help: "Stores with an attached player.",
	})

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storeplay_session_transitions_total",
		Help: "Session state transitions.",
	}, []string{"from", "to"})

	StyleSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storeplay_style_switches_total",
		Help: "Style activations by reason (schedule, manual, attach).",
	}, []string{"reason"})

	StaleNotificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storeplay_stale_notifications_total",
		Help: "Sink notifications dropped for a superseded load.",
	})

	SinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storeplay_sink_errors_total",
		Help: "Failed sink requests by operation.",
	}, []string{"op"})
)

// Progress ledger
var (
	LedgerWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storeplay_ledger_write_failures_total",
		Help: "Progress entries that failed to persist.",
	})

	LedgerDiscardedDeltasTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storeplay_ledger_discarded_deltas_total",
		Help: "Play time deltas discarded by reason (negative, jump).",
	}, []string{"reason"})

	LedgerDirtyEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storeplay_ledger_dirty_entries",
		Help: "Progress entries waiting for the next flush.",
	})
)

// Infrastructure
var (
	CacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storeplay_cache_operations_total",
		Help: "Redis cache lookups by kind and result.",
	}, []string{"kind", "result"})

	LeaderElectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storeplay_leader_election_status",
		Help: "1 when this instance holds the leader lease.",
	})

	EventBusMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storeplay_eventbus_messages_total",
		Help: "Events relayed over NATS by direction.",
	}, []string{"direction"})

	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storeplay_db_query_duration_seconds",
		Help:    "Database operation latency by operation and table.",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storeplay_db_errors_total",
		Help: "Failed database operations.",
	}, []string{"operation"})

	DatabaseConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storeplay_db_connections_open",
		Help: "Open connections in the database pool.",
	})
)

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
