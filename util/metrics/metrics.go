package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsRoutedTotal tracks inbound push events dispatched to a component, by event kind
	EventsRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_events_routed_total",
			Help: "Total number of inbound push events dispatched to a component",
		},
		[]string{"kind"},
	)

	// EventsDroppedTotal tracks inbound events that were dropped instead of dispatched
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_events_dropped_total",
			Help: "Total number of inbound push events dropped (unknown kind, malformed, handler panic)",
		},
		[]string{"reason"},
	)

	// EventsSentTotal tracks outbound events handed to the transport
	EventsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_events_sent_total",
			Help: "Total number of outbound events handed to the transport",
		},
		[]string{"kind", "status"},
	)

	// CallTransitionsTotal tracks call request state transitions by terminal outcome
	CallTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_call_transitions_total",
			Help: "Total number of call negotiation state transitions",
		},
		[]string{"outcome"},
	)

	// CallsPending tracks the number of call requests currently awaiting a response
	CallsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_calls_pending",
			Help: "Number of call requests currently in the pending state",
		},
	)

	// PullsTotal tracks metric snapshot pulls by status
	PullsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_pulls_total",
			Help: "Total number of metric snapshot pulls",
		},
		[]string{"status", "trigger"},
	)

	// CacheStale reports whether the metrics cache is currently considered stale
	CacheStale = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_cache_stale",
			Help: "1 when the metrics cache has not been refreshed within its interval, else 0",
		},
	)

	// HistoryEvictionsTotal tracks bulk evictions of metric history segments
	HistoryEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_history_evictions_total",
			Help: "Total number of bulk evictions performed on metric history buffers",
		},
	)

	// ReconnectsTotal tracks transport reconnections observed by the router
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_reconnects_total",
			Help: "Total number of transport reconnections observed",
		},
	)
)

// RecordEventRouted increments the routed-event counter for a given kind
func RecordEventRouted(kind string) {
	EventsRoutedTotal.WithLabelValues(kind).Inc()
}

// RecordEventDropped increments the dropped-event counter for a given reason
func RecordEventDropped(reason string) {
	EventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordEventSent increments the sent-event counter for a given kind and status
func RecordEventSent(kind, status string) {
	EventsSentTotal.WithLabelValues(kind, status).Inc()
}

// RecordCallTransition increments the transition counter for a given outcome
func RecordCallTransition(outcome string) {
	CallTransitionsTotal.WithLabelValues(outcome).Inc()
}

// SetCallsPending sets the number of currently pending call requests
func SetCallsPending(count int) {
	CallsPending.Set(float64(count))
}

// RecordPull increments the pull counter for a given status and trigger
func RecordPull(status, trigger string) {
	PullsTotal.WithLabelValues(status, trigger).Inc()
}

// SetCacheStale sets the staleness gauge
func SetCacheStale(stale bool) {
	if stale {
		CacheStale.Set(1)
	} else {
		CacheStale.Set(0)
	}
}

// RecordHistoryEviction increments the history eviction counter
func RecordHistoryEviction() {
	HistoryEvictionsTotal.Inc()
}

// RecordReconnect increments the reconnect counter
func RecordReconnect() {
	ReconnectsTotal.Inc()
}
