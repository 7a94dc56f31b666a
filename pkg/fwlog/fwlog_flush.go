package fwlog

import (
	"sort"

	"github.com/kangaroocache/kangaroo/pkg/bucket"
	"github.com/kangaroocache/kangaroo/pkg/logging"
)

// PendingBuckets returns the distinct set buckets with entries waiting in
// the given partition. The flush coordinator feeds these to the rewrite
// workers.
func (f *FwLog) PendingBuckets(part int) []uint32 {
	p := f.parts[part]
	p.mu.Lock()
	defer p.mu.Unlock()
	bids := make([]uint32, 0, len(p.byBucket))
	for bid := range p.byBucket {
		bids = append(bids, bid)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i] < bids[j] })
	return bids
}

// CollectForBucket returns every live log entry destined for set bucket bid
// and removes it from the log index, across all partitions. Exactly one
// entry per key survives (the newest), and tombstones come through so the
// rewrite can drop the key from the set bucket.
//
// Callers hold the per-bucket write lock, which keeps concurrent inserts
// for this bucket from racing the collection: an insert landing after the
// collection is simply picked up by the next flush.
func (f *FwLog) CollectForBucket(bid uint32) ([]bucket.Entry, error) {
	var out []bucket.Entry
	collected := 0

	for _, p := range f.parts {
		p.mu.Lock()
		seqs := p.byBucket[bid]
		delete(p.byBucket, bid)

		for _, seq := range seqs {
			if seq < p.tail || seq > p.head {
				continue
			}
			var page *bucket.LogBucket
			if seq == p.head {
				page = p.active
			} else {
				var err error
				page, err = p.readPage(f, seq)
				if err != nil {
					p.mu.Unlock()
					return out, err
				}
				if page == nil {
					// The page failed its checksum; its entries are gone.
					f.ops.droppedPages.Add(1)
					f.log.Warn("dropping unreadable log page",
						logging.Uint64("pageSeq", seq))
					continue
				}
			}

			// Scan newest-first so that when a page holds two
			// generations of a key the index check admits only the
			// latest, then emit the keepers in arrival order.
			entries := page.Entries()
			keep := make([]bool, len(entries))
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				if f.bucketOf(e.Hash) != bid {
					continue
				}
				shard := f.shardFor(p, e.Hash)
				shard.mu.Lock()
				ie, ok := shard.m[e.Hash]
				if !ok || ie.pageSeq != seq || ie.tombstone != e.Tombstone {
					shard.mu.Unlock()
					continue
				}
				delete(shard.m, e.Hash)
				shard.mu.Unlock()
				keep[i] = true

				if seq == p.head {
					p.activeLive--
				} else {
					p.live[seq%p.numPages]--
				}
				if !e.Tombstone {
					collected++
				}
			}
			for i, e := range entries {
				if keep[i] {
					out = append(out, e)
				}
			}
		}
		p.advanceTail()
		p.mu.Unlock()
	}

	f.addItems(-collected)
	return out, nil
}
