package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// gather returns the metric family by name, or nil.
func gather(t *testing.T, r *Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func counterValue(mf *dto.MetricFamily, labels map[string]string) float64 {
	for _, m := range mf.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && lp.GetValue() != want {
				match = false
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	return -1
}

func TestRegistry_RecordLookup(t *testing.T) {
	r := NewRegistry()
	r.RecordLookup(StatusOk, SourceLog)
	r.RecordLookup(StatusOk, SourceColdSet)
	r.RecordLookup(StatusNotFound, "")

	mf := gather(t, r, "kangaroo_lookups_total")
	if mf == nil {
		t.Fatal("lookups metric not registered")
	}
	if v := counterValue(mf, map[string]string{"status": StatusOk}); v != 2 {
		t.Errorf("ok lookups = %v, want 2", v)
	}
	if v := counterValue(mf, map[string]string{"status": StatusNotFound}); v != 1 {
		t.Errorf("not_found lookups = %v, want 1", v)
	}

	hits := gather(t, r, "kangaroo_hits_total")
	if v := counterValue(hits, map[string]string{"source": SourceLog}); v != 1 {
		t.Errorf("log hits = %v, want 1", v)
	}
}

func TestRegistry_RecordInsertObservesSize(t *testing.T) {
	r := NewRegistry()
	r.RecordInsert(StatusOk, 100)
	r.RecordInsert(StatusRejected, 5000)

	mf := gather(t, r, "kangaroo_object_size_bytes")
	if mf == nil {
		t.Fatal("size histogram not registered")
	}
	if n := mf.GetMetric()[0].GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("histogram sampled %d inserts, want only the admitted one", n)
	}
}

func TestRegistry_RewriteAndBytes(t *testing.T) {
	r := NewRegistry()
	r.RecordRewrite("log_flush", 2*time.Millisecond)
	r.RecordBytesWritten(100, 4096)

	if mf := gather(t, r, "kangaroo_bucket_rewrites_total"); mf == nil {
		t.Fatal("rewrites metric not registered")
	} else if v := counterValue(mf, map[string]string{"mode": "log_flush"}); v != 1 {
		t.Errorf("log_flush rewrites = %v, want 1", v)
	}

	mf := gather(t, r, "kangaroo_bytes_written_total")
	if v := counterValue(mf, map[string]string{"kind": KindLogical}); v != 100 {
		t.Errorf("logical bytes = %v, want 100", v)
	}
	if v := counterValue(mf, map[string]string{"kind": KindPhysical}); v != 4096 {
		t.Errorf("physical bytes = %v, want 4096", v)
	}
}

func TestRegistry_ItemGauges(t *testing.T) {
	r := NewRegistry()
	r.SetItemCounts(12, 34)

	mf := gather(t, r, "kangaroo_items")
	if mf == nil {
		t.Fatal("items gauge not registered")
	}
	for _, m := range mf.GetMetric() {
		switch m.GetLabel()[0].GetValue() {
		case RegionLog:
			if m.GetGauge().GetValue() != 12 {
				t.Errorf("log items = %v, want 12", m.GetGauge().GetValue())
			}
		case RegionSet:
			if m.GetGauge().GetValue() != 34 {
				t.Errorf("set items = %v, want 34", m.GetGauge().GetValue())
			}
		}
	}
}
