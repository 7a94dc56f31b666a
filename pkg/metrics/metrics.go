package metrics

import (
	"time"
)

// Label values used across record helpers.
const (
	StatusOk       = "ok"
	StatusNotFound = "not_found"
	StatusRejected = "rejected"
	StatusError    = "error"

	SourceLog     = "log"
	SourceHotSet  = "hot_set"
	SourceColdSet = "cold_set"

	ReasonEvicted  = "evicted"
	ReasonRemoved  = "removed"
	ReasonReplaced = "replaced"

	RegionLog  = "log"
	RegionSet  = "set"
	RegionHot  = "hot"
	RegionCold = "cold"

	KindLogical  = "logical"
	KindPhysical = "physical"
)

// RecordLookup records a lookup and, on a hit, the region that served it.
func (r *Registry) RecordLookup(status, source string) {
	r.LookupsTotal.WithLabelValues(status).Inc()
	if source != "" {
		r.HitsTotal.WithLabelValues(source).Inc()
	}
}

// RecordInsert records an insert outcome and the object's size.
func (r *Registry) RecordInsert(status string, size int) {
	r.InsertsTotal.WithLabelValues(status).Inc()
	if status == StatusOk {
		r.ObjectSizeBytes.Observe(float64(size))
	}
}

// RecordRemove records a remove outcome.
func (r *Registry) RecordRemove(status string) {
	r.RemovesTotal.WithLabelValues(status).Inc()
}

// RecordDeparture records an item leaving the cache.
func (r *Registry) RecordDeparture(reason string) {
	r.DepartedTotal.WithLabelValues(reason).Inc()
}

// SetItemCounts updates the per-region item gauges.
func (r *Registry) SetItemCounts(logItems, setItems uint64) {
	r.ItemsTotal.WithLabelValues(RegionLog).Set(float64(logItems))
	r.ItemsTotal.WithLabelValues(RegionSet).Set(float64(setItems))
}

// RecordRewrite records one bucket rewrite and its duration.
func (r *Registry) RecordRewrite(mode string, duration time.Duration) {
	r.BucketRewritesTotal.WithLabelValues(mode).Inc()
	r.RewriteDuration.Observe(duration.Seconds())
}

// RecordBytesWritten adds to the logical and physical write counters.
func (r *Registry) RecordBytesWritten(logical, physical uint64) {
	if logical > 0 {
		r.BytesWrittenTotal.WithLabelValues(KindLogical).Add(float64(logical))
	}
	if physical > 0 {
		r.BytesWrittenTotal.WithLabelValues(KindPhysical).Add(float64(physical))
	}
}
