// Package metrics provides Prometheus metrics for the sync daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	SyncOperationsTotal *prometheus.CounterVec
	SyncDuration        *prometheus.HistogramVec
	SyncItemsTotal      *prometheus.CounterVec
	CacheRequestsTotal  *prometheus.CounterVec
	CacheEvictionsTotal prometheus.Counter
	RateCapacity        *prometheus.GaugeVec
	RateWaiters         *prometheus.GaugeVec
	RemoteCallsTotal    *prometheus.CounterVec
	WebhooksTotal       *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	BroadcastsTotal     *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SyncOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_operations_total",
				Help: "Total sync operations by kind and terminal status.",
			},
			[]string{"kind", "status"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncd_operation_duration_seconds",
				Help:    "Sync operation duration by kind.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		SyncItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_items_total",
				Help: "Total items processed by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		CacheRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_cache_requests_total",
				Help: "Cache lookups by result (hit, miss, shared).",
			},
			[]string{"result"},
		),
		CacheEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "syncd_cache_evictions_total",
				Help: "Entries evicted from the response cache.",
			},
		),
		RateCapacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "syncd_rate_capacity",
				Help: "Current adaptive token bucket capacity per workspace.",
			},
			[]string{"workspace"},
		),
		RateWaiters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "syncd_rate_waiters",
				Help: "Callers queued on the rate limiter per workspace.",
			},
			[]string{"workspace"},
		),
		RemoteCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_remote_calls_total",
				Help: "Outbound remote API calls by operation and status.",
			},
			[]string{"op", "status"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_webhooks_total",
				Help: "Webhook notifications by disposition (queued, duplicate, unknown).",
			},
			[]string{"disposition"},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "syncd_connections_active",
				Help: "Live realtime connections.",
			},
		),
		BroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_broadcasts_total",
				Help: "Room broadcasts by result (sent, dropped).",
			},
			[]string{"result"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.SyncOperationsTotal)
	reg.MustRegister(m.SyncDuration)
	reg.MustRegister(m.SyncItemsTotal)
	reg.MustRegister(m.CacheRequestsTotal)
	reg.MustRegister(m.CacheEvictionsTotal)
	reg.MustRegister(m.RateCapacity)
	reg.MustRegister(m.RateWaiters)
	reg.MustRegister(m.RemoteCallsTotal)
	reg.MustRegister(m.WebhooksTotal)
	reg.MustRegister(m.ConnectionsActive)
	reg.MustRegister(m.BroadcastsTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOperation increments the operation counter.
func (m *Metrics) RecordOperation(kind, status string) {
	if m == nil {
		return
	}
	m.SyncOperationsTotal.WithLabelValues(kind, status).Inc()
}

// RecordItem increments the per-item counter.
func (m *Metrics) RecordItem(action, outcome string) {
	if m == nil {
		return
	}
	m.SyncItemsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordCache increments the cache lookup counter.
func (m *Metrics) RecordCache(result string) {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues(result).Inc()
}

// RecordRemoteCall increments the outbound call counter.
func (m *Metrics) RecordRemoteCall(op, status string) {
	if m == nil {
		return
	}
	m.RemoteCallsTotal.WithLabelValues(op, status).Inc()
}

// RecordWebhook increments the webhook counter.
func (m *Metrics) RecordWebhook(disposition string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(disposition).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

// ObserveSyncDuration records operation duration.
func (m *Metrics) ObserveSyncDuration(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.SyncDuration.WithLabelValues(kind).Observe(seconds)
}
