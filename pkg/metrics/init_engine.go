package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEngineMetrics() {
	r.LookupsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kangaroo_lookups_total",
			Help: "Total number of lookup operations",
		},
		[]string{"status"},
	)

	r.InsertsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kangaroo_inserts_total",
			Help: "Total number of insert operations",
		},
		[]string{"status"},
	)

	r.RemovesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kangaroo_removes_total",
			Help: "Total number of remove operations",
		},
		[]string{"status"},
	)

	r.HitsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kangaroo_hits_total",
			Help: "Lookup hits by the store region that served them",
		},
		[]string{"source"},
	)

	r.DepartedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kangaroo_departed_items_total",
			Help: "Items that left the cache, by reason",
		},
		[]string{"reason"},
	)

	r.ItemsTotal = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kangaroo_items",
			Help: "Current item count by store region",
		},
		[]string{"region"},
	)

	r.ObjectSizeBytes = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kangaroo_object_size_bytes",
			Help:    "Size distribution of inserted objects",
			Buckets: []float64{16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
		},
	)

	r.BloomProbesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kangaroo_bloom_probes_total",
			Help: "Total Bloom filter probes",
		},
	)

	r.BloomRejectsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kangaroo_bloom_rejects_total",
			Help: "Lookups rejected by the Bloom filter without device IO",
		},
	)

	r.BloomFalsePositivesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kangaroo_bloom_false_positives_total",
			Help: "Bloom filter passes where the bucket read found nothing",
		},
	)

	r.ChecksumErrorsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kangaroo_checksum_errors_total",
			Help: "Buckets dropped due to checksum mismatch",
		},
	)
}
