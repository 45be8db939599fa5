// Package observability exposes the engine's Prometheus metrics. A single
// Metrics value is created at startup and shared read-only by every layer;
// a nil *Metrics is safe to call so tests and thin tools can skip wiring.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine registers.
type Metrics struct {
	StoreTotal      *prometheus.CounterVec
	RecallTotal     *prometheus.CounterVec
	RecallLatency   *prometheus.HistogramVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	AdapterLatency  *prometheus.HistogramVec
	AdapterErrors   *prometheus.CounterVec
	BroadcastTotal  *prometheus.CounterVec
	MaintenanceRuns *prometheus.CounterVec
	IndexDocuments  prometheus.Gauge
}

// NewMetrics creates and registers all collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StoreTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Name:      "store_total",
			Help:      "Store operations by resulting action.",
		}, []string{"action"}),
		RecallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Name:      "recall_total",
			Help:      "Recall operations by intent.",
		}, []string{"intent"}),
		RecallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "engram",
			Name:      "recall_duration_seconds",
			Help:      "Recall latency by cache outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cache"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier.",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Name:      "cache_misses_total",
			Help:      "Cache misses by tier.",
		}, []string{"tier"}),
		AdapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "engram",
			Name:      "adapter_duration_seconds",
			Help:      "External adapter call latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"adapter", "op"}),
		AdapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Name:      "adapter_errors_total",
			Help:      "External adapter failures.",
		}, []string{"adapter", "op"}),
		BroadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Name:      "broadcast_total",
			Help:      "Broadcast messages published by channel.",
		}, []string{"channel"}),
		MaintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engram",
			Name:      "maintenance_runs_total",
			Help:      "Background maintenance runs by job.",
		}, []string{"job"}),
		IndexDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "engram",
			Name:      "keyword_index_documents",
			Help:      "Documents currently held by the keyword index.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.StoreTotal, m.RecallTotal, m.RecallLatency,
			m.CacheHits, m.CacheMisses,
			m.AdapterLatency, m.AdapterErrors,
			m.BroadcastTotal, m.MaintenanceRuns, m.IndexDocuments,
		)
	}
	return m
}

// ObserveAdapter records one external adapter call.
func (m *Metrics) ObserveAdapter(adapter, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.AdapterLatency.WithLabelValues(adapter, op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.AdapterErrors.WithLabelValues(adapter, op).Inc()
	}
}

// RecordStore counts one store operation outcome.
func (m *Metrics) RecordStore(action string) {
	if m == nil {
		return
	}
	m.StoreTotal.WithLabelValues(action).Inc()
}

// RecordRecall counts one recall and its latency.
func (m *Metrics) RecordRecall(intent, cacheOutcome string, start time.Time) {
	if m == nil {
		return
	}
	m.RecallTotal.WithLabelValues(intent).Inc()
	m.RecallLatency.WithLabelValues(cacheOutcome).Observe(time.Since(start).Seconds())
}

// RecordCache counts one cache lookup outcome for a tier.
func (m *Metrics) RecordCache(tier string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(tier).Inc()
	} else {
		m.CacheMisses.WithLabelValues(tier).Inc()
	}
}

// RecordBroadcast counts one published message.
func (m *Metrics) RecordBroadcast(channel string) {
	if m == nil {
		return
	}
	m.BroadcastTotal.WithLabelValues(channel).Inc()
}

// RecordMaintenance counts one background job run.
func (m *Metrics) RecordMaintenance(job string) {
	if m == nil {
		return
	}
	m.MaintenanceRuns.WithLabelValues(job).Inc()
}

// SetIndexSize updates the keyword index document gauge.
func (m *Metrics) SetIndexSize(n int) {
	if m == nil {
		return
	}
	m.IndexDocuments.Set(float64(n))
}
