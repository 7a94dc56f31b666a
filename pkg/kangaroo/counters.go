package kangaroo

import (
	"sync/atomic"
)

// counters are the engine's lock-free operation counters, surfaced through
// GetCounters and mirrored into prometheus by the record helpers.
type counters struct {
	inserts        atomic.Uint64
	logInserts     atomic.Uint64
	setInserts     atomic.Uint64
	readmitInserts atomic.Uint64
	succInserts    atomic.Uint64

	lookups     atomic.Uint64
	succLookups atomic.Uint64
	setHits     atomic.Uint64
	hotSetHits  atomic.Uint64
	logHits     atomic.Uint64

	removes     atomic.Uint64
	succRemoves atomic.Uint64
	evictions   atomic.Uint64

	logicalWritten  atomic.Uint64
	physicalWritten atomic.Uint64
	ioErrors        atomic.Uint64

	bfFalsePositives atomic.Uint64
	bfProbes         atomic.Uint64
	bfRejects        atomic.Uint64
	checksumErrors   atomic.Uint64

	setItems atomic.Uint64

	logFlushes   atomic.Uint64
	gcColdPasses atomic.Uint64
	gcHotPasses  atomic.Uint64
}

func (c *counters) reset() {
	c.inserts.Store(0)
	c.logInserts.Store(0)
	c.setInserts.Store(0)
	c.readmitInserts.Store(0)
	c.succInserts.Store(0)
	c.lookups.Store(0)
	c.succLookups.Store(0)
	c.setHits.Store(0)
	c.hotSetHits.Store(0)
	c.logHits.Store(0)
	c.removes.Store(0)
	c.succRemoves.Store(0)
	c.evictions.Store(0)
	c.logicalWritten.Store(0)
	c.physicalWritten.Store(0)
	c.ioErrors.Store(0)
	c.bfFalsePositives.Store(0)
	c.bfProbes.Store(0)
	c.bfRejects.Store(0)
	c.checksumErrors.Store(0)
	c.setItems.Store(0)
	c.logFlushes.Store(0)
	c.gcColdPasses.Store(0)
	c.gcHotPasses.Store(0)
}

// addSetItems applies a signed delta to the set item count.
func (c *counters) addSetItems(delta int) {
	c.setItems.Add(uint64(int64(delta)))
}

// ItemCount returns the number of live items across the log and the sets.
func (k *Kangaroo) ItemCount() uint64 {
	return k.fw.ItemCount() + k.ctr.setItems.Load()
}

// GetCounters visits every engine counter.
func (k *Kangaroo) GetCounters(visit CounterVisitor) {
	visit("items", k.ItemCount())
	visit("log_items", k.fw.ItemCount())
	visit("set_items", k.ctr.setItems.Load())
	visit("inserts", k.ctr.inserts.Load())
	visit("log_inserts", k.ctr.logInserts.Load())
	visit("set_inserts", k.ctr.setInserts.Load())
	visit("readmit_inserts", k.ctr.readmitInserts.Load())
	visit("succ_inserts", k.ctr.succInserts.Load())
	visit("lookups", k.ctr.lookups.Load())
	visit("succ_lookups", k.ctr.succLookups.Load())
	visit("set_hits", k.ctr.setHits.Load())
	visit("hot_set_hits", k.ctr.hotSetHits.Load())
	visit("log_hits", k.ctr.logHits.Load())
	visit("removes", k.ctr.removes.Load())
	visit("succ_removes", k.ctr.succRemoves.Load())
	visit("evictions", k.ctr.evictions.Load())
	visit("logical_written_bytes", k.ctr.logicalWritten.Load())
	visit("physical_written_bytes", k.ctr.physicalWritten.Load())
	visit("io_errors", k.ctr.ioErrors.Load())
	visit("bf_false_positives", k.ctr.bfFalsePositives.Load())
	visit("bf_probes", k.ctr.bfProbes.Load())
	visit("bf_rejects", k.ctr.bfRejects.Load())
	visit("checksum_errors", k.ctr.checksumErrors.Load())
	visit("log_index_mismatches", k.fw.IndexMismatches())
	visit("log_flushes", k.ctr.logFlushes.Load())
	visit("gc_cold_passes", k.ctr.gcColdPasses.Load())
	visit("gc_hot_passes", k.ctr.gcHotPasses.Load())
}

// BfRejectCount returns how many lookups the Bloom filter short-circuited.
func (k *Kangaroo) BfRejectCount() uint64 {
	return k.ctr.bfRejects.Load()
}
