// Package metrics provides Prometheus metrics for the image cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lookup outcomes, used as the "result" label of LookupsTotal.
const (
	ResultMemoryHit = "memory_hit"
	ResultDiskHit   = "disk_hit"
	ResultFetched   = "fetched"
	ResultMiss      = "miss"
)

// Metrics holds the cache collectors. A nil *Metrics records nothing.
type Metrics struct {
	// LookupsTotal counts GetImage calls by result.
	LookupsTotal *prometheus.CounterVec

	// FailuresTotal counts failed remote loads by cause.
	FailuresTotal *prometheus.CounterVec

	// FetchDuration measures resolve+fetch+normalize time.
	FetchDuration prometheus.Histogram

	// FetchedBytes observes payload sizes downloaded from the remote.
	FetchedBytes prometheus.Histogram

	// MemoryEvictionsTotal counts limit-driven memory evictions.
	MemoryEvictionsTotal prometheus.Counter

	// MemoryEntries and MemoryCostBytes track memory tier occupancy.
	MemoryEntries   prometheus.Gauge
	MemoryCostBytes prometheus.Gauge

	// PreloadProgress is the completion fraction of the latest preload.
	PreloadProgress prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagecache",
				Name:      "lookups_total",
				Help:      "Total number of image lookups by result",
			},
			[]string{"result"},
		),
		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagecache",
				Name:      "failures_total",
				Help:      "Total number of failed remote loads by cause",
			},
			[]string{"cause"},
		),
		FetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "imagecache",
				Name:      "fetch_duration_seconds",
				Help:      "Duration of remote image loads in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		FetchedBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "imagecache",
				Name:      "fetched_bytes",
				Help:      "Distribution of downloaded payload sizes",
				Buckets:   prometheus.ExponentialBuckets(16<<10, 2, 10),
			},
		),
		MemoryEvictionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "imagecache",
				Name:      "memory_evictions_total",
				Help:      "Total number of memory tier evictions",
			},
		),
		MemoryEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "imagecache",
				Name:      "memory_entries",
				Help:      "Number of entries in the memory tier",
			},
		),
		MemoryCostBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "imagecache",
				Name:      "memory_cost_bytes",
				Help:      "Estimated decoded size of the memory tier",
			},
		),
		PreloadProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "imagecache",
				Name:      "preload_progress_ratio",
				Help:      "Completion fraction of the most recent preload",
			},
		),
	}
}

// RecordLookup records a lookup result.
func (m *Metrics) RecordLookup(result string) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(result).Inc()
}

// RecordFailure records a failed remote load.
func (m *Metrics) RecordFailure(cause string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(cause).Inc()
}

// RecordFetch records a successful remote load.
func (m *Metrics) RecordFetch(seconds float64, size int) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(seconds)
	m.FetchedBytes.Observe(float64(size))
}

// RecordEviction records a memory eviction.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.MemoryEvictionsTotal.Inc()
}

// SetMemory sets the memory occupancy gauges.
func (m *Metrics) SetMemory(entries int, cost int64) {
	if m == nil {
		return
	}
	m.MemoryEntries.Set(float64(entries))
	m.MemoryCostBytes.Set(float64(cost))
}

// SetPreloadProgress sets the preload progress gauge.
func (m *Metrics) SetPreloadProgress(fraction float64) {
	if m == nil {
		return
	}
	m.PreloadProgress.Set(fraction)
}
