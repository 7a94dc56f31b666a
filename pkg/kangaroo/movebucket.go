package kangaroo

import (
	"errors"
	"time"

	"github.com/kangaroocache/kangaroo/pkg/bucket"
	"github.com/kangaroocache/kangaroo/pkg/logging"
	"github.com/kangaroocache/kangaroo/pkg/metrics"
	"github.com/kangaroocache/kangaroo/pkg/wren"
)

// moveMode says what drove a bucket rewrite.
type moveMode int

const (
	moveLogFlush moveMode = iota
	moveGCCold
	moveGCHot
)

func (m moveMode) label() string {
	switch m {
	case moveLogFlush:
		return "log_flush"
	case moveGCCold:
		return "gc_cold"
	case moveGCHot:
		return "gc_hot"
	default:
		return "unknown"
	}
}

// candidate is one entry competing for a slot during a rewrite.
type candidate struct {
	entry bucket.Entry
	hot   bool // destination
}

// moveBucket is the heart of the rewrite path: merge a bucket's pending log
// entries with its surviving set entries, re-divide them between the hot
// and cold buckets by observed hits, and append the results through the
// zone writers. The bucket write lock is held for the whole operation;
// destructor callbacks fire after it is released.
func (k *Kangaroo) moveBucket(bid uint32, mode moveMode) error {
	start := time.Now()
	m := k.mutexFor(bid)
	m.Lock()

	coldB, err := k.readSetBucket(k.cold, bid, k.genCold, k.bucketSize)
	if err != nil {
		m.Unlock()
		k.deviceError("rewrite cold read", err)
		return err
	}
	var hotB *bucket.RripBucket
	if k.hot != nil {
		hotB, err = k.readSetBucket(k.hot, bid, k.genHot, k.hotBucketSize)
		if err != nil {
			m.Unlock()
			k.deviceError("rewrite hot read", err)
			return err
		}
	}

	logEntries, err := k.fw.CollectForBucket(bid)
	if err != nil {
		// The collected entries are already out of the log index, so
		// press on with what came back rather than losing them.
		k.log.Warn("partial log collection for bucket",
			logging.Bucket(bid), logging.Error(err))
	}

	var (
		departed   []departure
		tombstoned = make(map[string]bool)
		logValues  []bucket.Entry
	)
	for _, e := range logEntries {
		if e.Tombstone {
			tombstoned[string(e.Key)] = true
		} else {
			logValues = append(logValues, e)
		}
	}

	// Survivors keep their counters; a set hit bit promotes and resets.
	// Log-originating entries inherit the hotness of the copy they
	// replace, which is how a hot key stays hot across an overwrite.
	newerInLog := make(map[string]bool, len(logValues))
	for _, e := range logValues {
		newerInLog[string(e.Key)] = false // value: had a hit set copy
	}

	var survivors []candidate
	classify := func(entries []bucket.Entry, slotOf func(int) uint32) {
		for i, e := range entries {
			if tombstoned[string(e.Key)] {
				continue
			}
			hit := k.bv.GetHit(bid, slotOf(i))
			if _, replaced := newerInLog[string(e.Key)]; replaced {
				departed = append(departed, departure{
					hk:     HashedKey{Key: e.Key, Hash: e.Hash},
					value:  e.Value,
					reason: Replaced,
				})
				if hit {
					newerInLog[string(e.Key)] = true
				}
				continue
			}
			if hit {
				e.Rrip = 0
			}
			survivors = append(survivors, candidate{entry: e, hot: hit && k.hot != nil})
		}
	}
	if hotB != nil {
		classify(hotB.Entries(), k.hotSlot)
	}
	classify(coldB.Entries(), func(i int) uint32 { return uint32(i) })

	beforeItems := coldB.Count()
	if hotB != nil {
		beforeItems += hotB.Count()
	}

	// Build the destination buckets: surviving entries first in slot
	// order, log entries last so the newest data wins any remaining
	// duplicate.
	newCold := bucket.NewRripBucket(k.bucketSize, 0)
	var newHot *bucket.RripBucket
	if k.hot != nil {
		newHot = bucket.NewRripBucket(k.hotBucketSize, 0)
	}

	var coldQueue []bucket.Entry
	insertHot := func(e bucket.Entry) {
		replaced, evicted, ok := newHot.Insert(e)
		if !ok {
			coldQueue = append(coldQueue, e)
			return
		}
		if replaced != nil {
			departed = append(departed, departure{
				hk:     HashedKey{Key: replaced.Key, Hash: replaced.Hash},
				value:  replaced.Value,
				reason: Replaced,
			})
		}
		// Hot overflow demotes to cold instead of leaving the cache.
		coldQueue = append(coldQueue, evicted...)
	}

	for _, c := range survivors {
		k.ctr.readmitInserts.Add(1)
		if c.hot {
			insertHot(c.entry)
		} else {
			coldQueue = append(coldQueue, c.entry)
		}
	}
	for _, e := range logValues {
		k.ctr.setInserts.Add(1)
		if newerInLog[string(e.Key)] && k.hot != nil {
			e.Rrip = 0
			insertHot(e)
		} else {
			e.Rrip = bucket.FreshRrip()
			coldQueue = append(coldQueue, e)
		}
	}
	for _, e := range coldQueue {
		replaced, evicted, ok := newCold.Insert(e)
		if !ok {
			// Cannot ever fit; treat as an eviction of the entry itself.
			departed = append(departed, departure{
				hk:     HashedKey{Key: e.Key, Hash: e.Hash},
				value:  e.Value,
				reason: Evicted,
			})
			continue
		}
		if replaced != nil {
			departed = append(departed, departure{
				hk:     HashedKey{Key: replaced.Key, Hash: replaced.Hash},
				value:  replaced.Value,
				reason: Replaced,
			})
		}
		for _, v := range evicted {
			departed = append(departed, departure{
				hk:     HashedKey{Key: v.Key, Hash: v.Hash},
				value:  v.Value,
				reason: Evicted,
			})
		}
	}

	// Append the new copies. Every move rewrites the bucket, which in a
	// GC pass is also what migrates it off the erase unit.
	if err := k.writeDestinations(bid, newHot, newCold); err != nil {
		m.Unlock()
		if errors.Is(err, wren.ErrZoneFull) {
			k.log.Warn("rewrite deferred, zone ring exhausted", logging.Bucket(bid))
		} else {
			k.deviceError("rewrite append", err)
		}
		k.reinsertLost(logValues)
		return err
	}

	// Rebuild the auxiliary indices before the lock goes: the filter
	// must cover every survivor the device now holds.
	k.bf.Clear(bid)
	if newHot != nil {
		for _, e := range newHot.Entries() {
			k.bf.Insert(bid, e.Hash)
		}
	}
	for _, e := range newCold.Entries() {
		k.bf.Insert(bid, e.Hash)
	}
	k.bv.ClearBucket(bid)

	afterItems := newCold.Count()
	if newHot != nil {
		afterItems += newHot.Count()
	}
	k.ctr.addSetItems(afterItems - beforeItems)
	m.Unlock()

	evictions := 0
	for _, d := range departed {
		if d.reason == Evicted {
			evictions++
		}
		switch d.reason {
		case Evicted:
			k.met.RecordDeparture(metrics.ReasonEvicted)
		case Replaced:
			k.met.RecordDeparture(metrics.ReasonReplaced)
		}
	}
	k.ctr.evictions.Add(uint64(evictions))
	k.met.RecordRewrite(mode.label(), time.Since(start))
	k.publishItemCounts()
	k.fireDestructors(departed)
	return nil
}

// writeDestinations appends the rebuilt buckets through the zone writers.
// Empty buckets are dropped from the identifier table instead of burning a
// write slot.
func (k *Kangaroo) writeDestinations(bid uint32, newHot, newCold *bucket.RripBucket) error {
	if newHot != nil {
		if newHot.Count() == 0 {
			k.hot.Drop(wren.BucketID(bid))
		} else if err := k.writeSetBucket(k.hot, bid, k.genHot, k.hotBucketSize, newHot); err != nil {
			return err
		}
	}
	if newCold.Count() == 0 {
		k.cold.Drop(wren.BucketID(bid))
		return nil
	}
	return k.writeSetBucket(k.cold, bid, k.genCold, k.bucketSize, newCold)
}

// reinsertLost puts collected log values back into the log after a failed
// rewrite, best effort: the alternative is losing them outright.
func (k *Kangaroo) reinsertLost(logValues []bucket.Entry) {
	for _, e := range logValues {
		hk := HashedKey{Key: e.Key, Hash: e.Hash}
		if err := k.fw.Insert(hk, e.Value); err != nil {
			k.log.Warn("dropping entry after failed rewrite", logging.Error(err))
		}
	}
}
