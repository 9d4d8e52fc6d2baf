// Package metrics provides Prometheus instrumentation for the chatsync
// engine. It exposes gauges for connection and subscription state, counters
// for event throughput and cache writes, and a histogram for join latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 0 when disconnected, 1 when connecting and 2 when
	// connected.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connection_state",
		Help: "Transport connection state (0=disconnected, 1=connecting, 2=connected)",
	})

	// ActiveSubscriptions tracks channel subscriptions in active state.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_active_subscriptions",
		Help: "Current number of active channel subscriptions",
	})

	// EventsIngested counts events added to the Message Store, labeled by
	// source: "live", "history" or "cache".
	EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_ingested_total",
		Help: "Total number of events added to the message store",
	}, []string{"source"})

	// DuplicatesAbsorbed counts redeliveries dropped by identity dedup.
	DuplicatesAbsorbed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_duplicates_absorbed_total",
		Help: "Total number of duplicate event deliveries ignored",
	})

	// CacheWrites counts durable cache writes, labeled by result: "ok" or "error".
	CacheWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_cache_writes_total",
		Help: "Total number of durable cache writes",
	}, []string{"result"})

	// JoinLatency records the time from subscribe to subscription-ready.
	JoinLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_join_latency_seconds",
		Help:    "Time from subscribe request to subscription ready",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
	})

	// SendsTotal counts outbound sends, labeled by result: "ok", "rejected"
	// or "failed".
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_sends_total",
		Help: "Total number of outbound message sends",
	}, []string{"result"})

	// UnreadTotal tracks the last computed total unread count.
	UnreadTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_unread_total",
		Help: "Current total number of unread events",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ActiveSubscriptions,
		EventsIngested,
		DuplicatesAbsorbed,
		CacheWrites,
		JoinLatency,
		SendsTotal,
		UnreadTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
