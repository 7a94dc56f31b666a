package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initZoneMetrics() {
	r.GCPassesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kangaroo_gc_passes_total",
			Help: "Set-zone garbage collection passes, by region",
		},
		[]string{"region"},
	)

	r.BucketRewritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kangaroo_bucket_rewrites_total",
			Help: "Set bucket rewrites, by what drove them",
		},
		[]string{"mode"},
	)

	r.BytesWrittenTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kangaroo_bytes_written_total",
			Help: "Bytes written, logical (caller payload) vs physical (device)",
		},
		[]string{"kind"},
	)

	r.IOErrorsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kangaroo_io_errors_total",
			Help: "Device IO failures surfaced to the engine",
		},
	)

	r.FreeEraseUnits = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kangaroo_free_erase_units",
			Help: "Free erase units between the write and erase pointers",
		},
		[]string{"region"},
	)

	r.RewriteDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kangaroo_bucket_rewrite_duration_seconds",
			Help:    "Bucket rewrite duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)
}
