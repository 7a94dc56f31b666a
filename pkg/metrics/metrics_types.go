// Package metrics exposes the cache engine's counters as prometheus
// metrics. The engine keeps its own lock-free counters for the visitor API;
// this registry mirrors them for scraping.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the cache engine
type Registry struct {
	// Engine operation metrics
	LookupsTotal    *prometheus.CounterVec
	InsertsTotal    *prometheus.CounterVec
	RemovesTotal    *prometheus.CounterVec
	HitsTotal       *prometheus.CounterVec
	DepartedTotal   *prometheus.CounterVec
	ItemsTotal      *prometheus.GaugeVec
	ObjectSizeBytes prometheus.Histogram

	// Auxiliary index metrics
	BloomProbesTotal         prometheus.Counter
	BloomRejectsTotal        prometheus.Counter
	BloomFalsePositivesTotal prometheus.Counter
	ChecksumErrorsTotal      prometheus.Counter

	// Log metrics
	LogAppendsTotal   *prometheus.CounterVec
	LogFlushesTotal   prometheus.Counter
	LogOccupancyRatio prometheus.Gauge

	// Zone / cleaning metrics
	GCPassesTotal       *prometheus.CounterVec
	BucketRewritesTotal *prometheus.CounterVec
	BytesWrittenTotal   *prometheus.CounterVec
	IOErrorsTotal       prometheus.Counter
	FreeEraseUnits      *prometheus.GaugeVec
	RewriteDuration     prometheus.Histogram

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initEngineMetrics()
	r.initLogMetrics()
	r.initZoneMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
