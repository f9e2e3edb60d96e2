// Package metrics collects Prometheus counters and gauges for the client's
// internal state transitions: subscriptions, long-poll failures, snapshot
// fallbacks and server-list refresh failures. None of this is on the wire
// protocol; it exists purely so an embedding service can observe client
// health the way every other service in this codebase does.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the client's Prometheus collectors.
type Metrics struct {
	// SubscriptionsActive is registered, but no component of the client
	// sets it; it reads 0 unless the embedding code sets it.
	SubscriptionsActive   prometheus.Gauge
	LongPollErrorsTotal   *prometheus.CounterVec
	SnapshotFallbackTotal *prometheus.CounterVec
	ServerRefreshFailures *prometheus.CounterVec
	ConfigEmitsTotal      *prometheus.CounterVec
}

// New creates a Metrics instance and registers it against registerer.
// A nil registerer is treated as prometheus.NewRegistry(), so callers who
// don't want global registration can pass their own.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &Metrics{
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acm_client",
			Name:      "subscriptions_active",
			Help:      "Number of (dataId, group) subscriptions currently tracked across all units.",
		}),
		LongPollErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acm_client",
			Name:      "long_poll_errors_total",
			Help:      "Long-polling iterations that ended in an error, by unit.",
		}, []string{"unit"}),
		SnapshotFallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acm_client",
			Name:      "snapshot_fallback_total",
			Help:      "Reads served from the local snapshot after an HTTP failure, by unit.",
		}, []string{"unit"}),
		ServerRefreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acm_client",
			Name:      "server_refresh_failures_total",
			Help:      "Server-list fetches that failed, on first access or background refresh, by unit.",
		}, []string{"unit"}),
		ConfigEmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acm_client",
			Name:      "config_emits_total",
			Help:      "Listener emissions delivered after a content change, by unit.",
		}, []string{"unit"}),
	}

	for _, c := range []prometheus.Collector{
		m.SubscriptionsActive,
		m.LongPollErrorsTotal,
		m.SnapshotFallbackTotal,
		m.ServerRefreshFailures,
		m.ConfigEmitsTotal,
	} {
		_ = registerer.Register(c)
	}

	return m
}
