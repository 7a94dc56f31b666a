package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initLogMetrics() {
	r.LogAppendsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kangaroo_log_appends_total",
			Help: "Entries appended to the write-ahead log, by kind",
		},
		[]string{"kind"},
	)

	r.LogFlushesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kangaroo_log_flushes_total",
			Help: "Log flush passes moving entries into set buckets",
		},
	)

	r.LogOccupancyRatio = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "kangaroo_log_occupancy_ratio",
			Help: "Fraction of log capacity currently occupied",
		},
	)
}
